package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"

	"oidcbff/keys"
)

const (
	// DefaultClockSkew is the tolerance applied to exp and nbf.
	DefaultClockSkew = 60 * time.Second
)

// DefaultAlgorithms is the signing algorithm allow-list used when none is configured.
var DefaultAlgorithms = []string{"RS256"}

// KeySource supplies the key set of an issuer.
type KeySource interface {
	Fetch(ctx context.Context, issuer string) (*keys.KeySet, error)
}

// keyRefresher is implemented by key sources that can force a refetch when a
// token names an unknown kid.
type keyRefresher interface {
	Refresh(ctx context.Context, issuer string) (*keys.KeySet, error)
}

// Config controls token verification.
type Config struct {
	// Algorithms is the signing algorithm allow-list. "none" is always removed.
	Algorithms []string
	// Audiences accepted when the caller does not pass its own.
	Audiences []string
	// ClockSkew tolerated on exp and nbf; zero means DefaultClockSkew.
	ClockSkew time.Duration
}

// Verifier validates bearer tokens against issuer key sets.
type Verifier struct {
	keys       KeySource
	algorithms []string
	audiences  []string
	skew       time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

// VerifierOption customises a Verifier.
type VerifierOption func(*Verifier)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) {
		if now != nil {
			v.now = now
		}
	}
}

// WithLogger sets the logger used for rejected tokens.
func WithLogger(logger *slog.Logger) VerifierOption {
	return func(v *Verifier) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// NewVerifier constructs a Verifier.
func NewVerifier(src KeySource, cfg Config, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		keys:       src,
		algorithms: AllowedAlgorithms(cfg.Algorithms),
		audiences:  slices.Clone(cfg.Audiences),
		skew:       cfg.ClockSkew,
		now:        time.Now,
		logger:     slog.Default(),
	}
	if v.skew <= 0 {
		v.skew = DefaultClockSkew
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// AllowedAlgorithms normalises an allow-list: "none" and unknown algorithms
// are dropped and an empty result falls back to DefaultAlgorithms.
func AllowedAlgorithms(in []string) []string {
	out := make([]string, 0, len(in))
	for _, alg := range in {
		alg = strings.TrimSpace(alg)
		if alg == "" || strings.EqualFold(alg, "none") {
			continue
		}
		if jwt.GetSigningMethod(alg) == nil || slices.Contains(out, alg) {
			continue
		}
		out = append(out, alg)
	}
	if len(out) == 0 {
		return slices.Clone(DefaultAlgorithms)
	}
	return out
}

// Algorithms returns the effective allow-list.
func (v *Verifier) Algorithms() []string { return slices.Clone(v.algorithms) }

// Verify checks raw and returns its claims. When audiences is empty the
// configured audiences apply; if neither is set the audience is not checked.
func (v *Verifier) Verify(ctx context.Context, raw string, audiences ...string) (*Claims, error) {
	claims, err := v.verify(ctx, raw, audiences)
	verifications.WithLabelValues(Reason(err)).Inc()
	if err != nil {
		v.logger.Debug("token rejected", "reason", Reason(err), "error", err)
	}
	return claims, err
}

// DecodeIDToken verifies an OpenID Connect ID token issued to clientID.
func (v *Verifier) DecodeIDToken(ctx context.Context, raw, clientID string) (*Claims, error) {
	return v.Verify(ctx, raw, clientID)
}

type header struct {
	Alg string `json:"alg"`
	Kid string `json:"kid"`
}

func (v *Verifier) verify(ctx context.Context, raw string, audiences []string) (*Claims, error) {
	raw = strings.TrimSpace(raw)
	segments := strings.Split(raw, ".")
	if len(segments) != 3 {
		return nil, fmt.Errorf("%w: expected 3 segments, got %d", ErrMalformedToken, len(segments))
	}

	parser := jwt.NewParser()
	hdrBytes, err := parser.DecodeSegment(segments[0])
	if err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrMalformedToken, err)
	}
	var hdr header
	if err := json.Unmarshal(hdrBytes, &hdr); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrMalformedToken, err)
	}
	if !slices.Contains(v.algorithms, hdr.Alg) {
		return nil, fmt.Errorf("%w: %q", ErrDisallowedAlgorithm, hdr.Alg)
	}

	// The issuer is read before the signature is checked only to pick the key set.
	preview := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(raw, preview); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	iss, _ := preview["iss"].(string)
	if iss == "" {
		return nil, ErrMissingIssuer
	}

	set, err := v.keys.Fetch(ctx, iss)
	if err != nil {
		return nil, err
	}

	verified, err := v.verifySignature(ctx, raw, iss, hdr, set)
	if err != nil {
		return nil, err
	}

	if err := v.validateClaims(verified, iss, audiences); err != nil {
		return nil, err
	}

	claims, err := NewClaims(verified)
	if err != nil {
		return nil, err
	}
	return claims, nil
}

func (v *Verifier) verifySignature(ctx context.Context, raw, iss string, hdr header, set *keys.KeySet) (jwt.MapClaims, error) {
	candidates := set.Lookup(hdr.Kid)
	if len(candidates) == 0 && hdr.Kid != "" {
		if r, ok := v.keys.(keyRefresher); ok {
			refreshed, err := r.Refresh(ctx, iss)
			if err != nil {
				return nil, err
			}
			candidates = refreshed.Lookup(hdr.Kid)
		}
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: no key for kid %q", ErrSignatureInvalid, hdr.Kid)
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods(v.algorithms),
		jwt.WithoutClaimsValidation(),
	)
	var lastErr error
	for _, key := range candidates {
		if !keyMatchesAlg(key, hdr.Alg) {
			continue
		}
		claims := jwt.MapClaims{}
		_, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
			return key.Key, nil
		})
		if err == nil {
			return claims, nil
		}
		if errors.Is(err, jwt.ErrTokenMalformed) {
			return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no key usable with %s", hdr.Alg)
	}
	return nil, fmt.Errorf("%w: %v", ErrSignatureInvalid, lastErr)
}

func (v *Verifier) validateClaims(mc jwt.MapClaims, iss string, audiences []string) error {
	if got, _ := mc["iss"].(string); got != iss {
		return fmt.Errorf("%w: issuer changed", ErrMalformedToken)
	}
	if sub, _ := mc["sub"].(string); sub == "" {
		return fmt.Errorf("%w: missing sub", ErrMalformedToken)
	}

	allowed := audiences
	if len(allowed) == 0 {
		allowed = v.audiences
	}
	if len(allowed) > 0 {
		aud, err := mc.GetAudience()
		if err != nil {
			return fmt.Errorf("%w: aud: %v", ErrMalformedToken, err)
		}
		if !audienceAllowed(aud, allowed) {
			return fmt.Errorf("%w: %v", ErrAudienceMismatch, []string(aud))
		}
	}

	now := v.now()
	exp, err := mc.GetExpirationTime()
	if err != nil {
		return fmt.Errorf("%w: exp: %v", ErrMalformedToken, err)
	}
	if exp != nil && now.After(exp.Add(v.skew)) {
		return fmt.Errorf("%w: expired at %s", ErrTokenExpired, exp.UTC().Format(time.RFC3339))
	}
	nbf, err := mc.GetNotBefore()
	if err != nil {
		return fmt.Errorf("%w: nbf: %v", ErrMalformedToken, err)
	}
	if nbf != nil && now.Before(nbf.Add(-v.skew)) {
		return fmt.Errorf("%w: valid from %s", ErrTokenNotYetValid, nbf.UTC().Format(time.RFC3339))
	}
	return nil
}

func keyMatchesAlg(key jose.JSONWebKey, alg string) bool {
	return key.Algorithm == "" || key.Algorithm == alg
}

func audienceAllowed(aud, allowed []string) bool {
	for _, a := range aud {
		if slices.Contains(allowed, a) {
			return true
		}
	}
	return false
}
