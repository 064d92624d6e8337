package token

import (
	"errors"

	"oidcbff/keys"
)

// Verification failures. Callers classify with errors.Is; the wrapped
// message carries detail meant for logs, not for clients.
var (
	ErrMalformedToken      = errors.New("malformed token")
	ErrDisallowedAlgorithm = errors.New("disallowed signing algorithm")
	ErrMissingIssuer       = errors.New("token has no issuer")
	ErrUnknownIssuer       = keys.ErrUnknownIssuer
	ErrKeyFetchFailed      = keys.ErrKeyFetchFailed
	ErrSignatureInvalid    = errors.New("invalid token signature")
	ErrAudienceMismatch    = errors.New("audience not allowed")
	ErrTokenExpired        = errors.New("token expired")
	ErrTokenNotYetValid    = errors.New("token not yet valid")
)

// Reason returns a short, non-sensitive label for a verification error,
// suitable for metrics and WWW-Authenticate descriptions.
func Reason(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrMalformedToken):
		return "malformed"
	case errors.Is(err, ErrDisallowedAlgorithm):
		return "disallowed_alg"
	case errors.Is(err, ErrMissingIssuer):
		return "missing_issuer"
	case errors.Is(err, ErrUnknownIssuer):
		return "unknown_issuer"
	case errors.Is(err, ErrKeyFetchFailed):
		return "key_fetch_failed"
	case errors.Is(err, ErrSignatureInvalid):
		return "bad_signature"
	case errors.Is(err, ErrAudienceMismatch):
		return "audience"
	case errors.Is(err, ErrTokenExpired):
		return "expired"
	case errors.Is(err, ErrTokenNotYetValid):
		return "not_yet_valid"
	default:
		return "error"
	}
}
