// Package users maps verified identities to internal user records and
// creates them on first sight.
package users

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound             = errors.New("user not found")
	ErrIdentityExists       = errors.New("identity already linked")
	ErrProvisioningConflict = errors.New("provisioning conflict")
	ErrIncompleteClaims     = errors.New("claims lack issuer or subject")
)

// User is the internal profile. Only the contact fields are written by
// provisioning.
type User struct {
	ID        string    `json:"id"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	Email     string    `json:"email,omitempty"`
	Phone     string    `json:"phone,omitempty"`
	Address   string    `json:"address,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Identity links an (issuer, subject) pair, and optionally a provider
// specific uid, to a user. At most one Identity exists per pair.
type Identity struct {
	Issuer    string
	Subject   string
	UID       string
	UserID    string
	Provider  string
	CreatedAt time.Time
}

// ContactUpdate carries the fields to overwrite; nil leaves a field alone.
type ContactUpdate struct {
	FirstName *string
	LastName  *string
	Email     *string
	Phone     *string
}

// Empty reports whether the update changes nothing.
func (c ContactUpdate) Empty() bool {
	return c.FirstName == nil && c.LastName == nil && c.Email == nil && c.Phone == nil
}

func (c ContactUpdate) apply(u *User) {
	if c.FirstName != nil {
		u.FirstName = *c.FirstName
	}
	if c.LastName != nil {
		u.LastName = *c.LastName
	}
	if c.Email != nil {
		u.Email = *c.Email
	}
	if c.Phone != nil {
		u.Phone = *c.Phone
	}
}

// Store is the persistence capability used by the Provisioner.
type Store interface {
	GetUserByID(ctx context.Context, id string) (*User, error)
	GetUserByUID(ctx context.Context, uid string) (*User, error)
	GetUserByIssuerSubject(ctx context.Context, issuer, subject string) (*User, error)
	// CreateUserWithIdentity inserts both rows or neither. It returns
	// ErrIdentityExists when the (issuer, subject) pair or uid is taken.
	CreateUserWithIdentity(ctx context.Context, u *User, id *Identity) error
	UpdateContact(ctx context.Context, id string, c ContactUpdate) (*User, error)
	Ping(ctx context.Context) error
}
