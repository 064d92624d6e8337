package users

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"oidcbff/token"
)

var provisioned = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "oidcbff_users_provisioned_total",
	Help: "JIT provisioning outcomes.",
}, []string{"outcome"})

// Collectors returns the package metrics for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{provisioned}
}

// Provisioner resolves verified claims to a User, creating one on first
// login. The (issuer, subject) uniqueness in the Store is the only guard
// against duplicates; a lost insert race is resolved by reading again.
type Provisioner struct {
	store       Store
	uidClaim    string
	perProvider map[string]string
	logger      *slog.Logger
}

// NewProvisioner uses uidClaim, when non-empty, as the opaque user id claim
// for every provider without an override.
func NewProvisioner(store Store, uidClaim string, logger *slog.Logger) *Provisioner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provisioner{store: store, uidClaim: uidClaim, perProvider: make(map[string]string), logger: logger}
}

// SetProviderUIDClaim overrides the uid claim for one provider. Not safe to
// call once the Provisioner is serving.
func (p *Provisioner) SetProviderUIDClaim(provider, claim string) {
	if claim != "" {
		p.perProvider[provider] = claim
	}
}

func (p *Provisioner) uidFor(c *token.Claims, provider string) string {
	claim := p.uidClaim
	if override, ok := p.perProvider[provider]; ok {
		claim = override
	}
	if claim == "" {
		return ""
	}
	if _, ok := c.Get(claim); !ok {
		return ""
	}
	// ExtractUID falls back to the synthetic form for unusable values.
	if uid := token.ExtractUID(c, claim); uid != c.Issuer+"|"+c.Subject {
		return uid
	}
	return ""
}

// Provision returns the user for c, creating the user and identity when no
// mapping exists and refreshing contact fields when one does.
func (p *Provisioner) Provision(ctx context.Context, c *token.Claims, provider string) (*User, error) {
	if c == nil || c.Issuer == "" || c.Subject == "" {
		return nil, ErrIncompleteClaims
	}
	uid := p.uidFor(c, provider)

	for attempt := 0; attempt < 2; attempt++ {
		u, err := p.resolve(ctx, c, uid)
		if err == nil {
			provisioned.WithLabelValues("existing").Inc()
			return p.refreshContact(ctx, u, c)
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}

		u, err = p.create(ctx, c, uid, provider)
		if err == nil {
			provisioned.WithLabelValues("created").Inc()
			p.logger.Info("user provisioned", "user_id", u.ID, "provider", provider, "issuer", c.Issuer)
			return u, nil
		}
		if !errors.Is(err, ErrIdentityExists) {
			return nil, err
		}
		provisioned.WithLabelValues("conflict").Inc()
		p.logger.Debug("concurrent first login, re-resolving", "provider", provider, "issuer", c.Issuer)
	}
	return nil, fmt.Errorf("%w: issuer %s", ErrProvisioningConflict, c.Issuer)
}

func (p *Provisioner) resolve(ctx context.Context, c *token.Claims, uid string) (*User, error) {
	if uid != "" {
		u, err := p.store.GetUserByUID(ctx, uid)
		if !errors.Is(err, ErrNotFound) {
			return u, err
		}
	}
	return p.store.GetUserByIssuerSubject(ctx, c.Issuer, c.Subject)
}

func (p *Provisioner) create(ctx context.Context, c *token.Claims, uid, provider string) (*User, error) {
	first, last := names(c)
	u := &User{ID: uuid.NewString(), FirstName: first, LastName: last, Phone: c.PhoneNumber}
	if c.EmailVerified {
		u.Email = c.Email
	}
	ident := &Identity{Issuer: c.Issuer, Subject: c.Subject, UID: uid, Provider: provider}
	if err := p.store.CreateUserWithIdentity(ctx, u, ident); err != nil {
		return nil, err
	}
	return u, nil
}

func (p *Provisioner) refreshContact(ctx context.Context, u *User, c *token.Claims) (*User, error) {
	var upd ContactUpdate
	first, last := names(c)
	if first != "" && first != u.FirstName {
		upd.FirstName = &first
	}
	if last != "" && last != u.LastName {
		upd.LastName = &last
	}
	if c.EmailVerified && c.Email != "" && c.Email != u.Email {
		upd.Email = &c.Email
	}
	if c.PhoneNumber != "" && c.PhoneNumber != u.Phone {
		upd.Phone = &c.PhoneNumber
	}
	if upd.Empty() {
		return u, nil
	}
	return p.store.UpdateContact(ctx, u.ID, upd)
}

// names prefers given/family name and falls back to the display name.
func names(c *token.Claims) (first, last string) {
	first, last = c.GivenName, c.FamilyName
	if first == "" && last == "" {
		first = c.Name
	}
	return first, last
}
