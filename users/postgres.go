package users

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

const userColumns = `u.id::text, u.first_name, u.last_name,
	COALESCE(u.email, ''), COALESCE(u.phone, ''), COALESCE(u.address, ''),
	u.created_at, u.updated_at`

// PostgresStore persists users through a pgx pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to dsn and applies pending migrations.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := NewPostgresStore(pool)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStore wraps an existing pool. Migrations are not run.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies the embedded goose migrations.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	migrationFS, err := fs.Sub(embedMigrations, "migrations")
	if err != nil {
		return fmt.Errorf("migrations fs: %w", err)
	}
	db := stdlib.OpenDBFromPool(s.pool)
	defer db.Close()

	provider, err := goose.NewProvider(database.DialectPostgres, db, migrationFS)
	if err != nil {
		return fmt.Errorf("goose provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.FirstName, &u.LastName, &u.Email, &u.Phone, &u.Address, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return &u, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return nil, ErrNotFound
	}
	return scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users u WHERE u.id = $1`, uid))
}

func (s *PostgresStore) GetUserByUID(ctx context.Context, uid string) (*User, error) {
	if uid == "" {
		return nil, ErrNotFound
	}
	return scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users u
		 JOIN user_identities i ON i.user_id = u.id
		 WHERE i.uid = $1`, uid))
}

func (s *PostgresStore) GetUserByIssuerSubject(ctx context.Context, issuer, subject string) (*User, error) {
	return scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users u
		 JOIN user_identities i ON i.user_id = u.id
		 WHERE i.issuer = $1 AND i.subject = $2`, issuer, subject))
}

func (s *PostgresStore) CreateUserWithIdentity(ctx context.Context, u *User, ident *Identity) error {
	id, err := uuid.Parse(u.ID)
	if err != nil {
		return fmt.Errorf("user id: %w", err)
	}
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx,
			`INSERT INTO users (id, first_name, last_name, email, phone, address)
			 VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''))
			 RETURNING created_at, updated_at`,
			id, u.FirstName, u.LastName, u.Email, u.Phone, u.Address,
		).Scan(&u.CreatedAt, &u.UpdatedAt); err != nil {
			return err
		}
		return tx.QueryRow(ctx,
			`INSERT INTO user_identities (issuer, subject, uid, user_id, provider)
			 VALUES ($1, $2, NULLIF($3, ''), $4, $5)
			 RETURNING created_at`,
			ident.Issuer, ident.Subject, ident.UID, id, ident.Provider,
		).Scan(&ident.CreatedAt)
	})
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrIdentityExists
	}
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	ident.UserID = u.ID
	return nil
}

func (s *PostgresStore) UpdateContact(ctx context.Context, id string, c ContactUpdate) (*User, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return nil, ErrNotFound
	}
	return scanUser(s.pool.QueryRow(ctx,
		`UPDATE users u SET
			first_name = COALESCE($2, u.first_name),
			last_name  = COALESCE($3, u.last_name),
			email      = COALESCE($4, u.email),
			phone      = COALESCE($5, u.phone),
			updated_at = now()
		 WHERE u.id = $1
		 RETURNING `+userColumns, uid, c.FirstName, c.LastName, c.Email, c.Phone))
}
