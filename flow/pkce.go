package flow

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/oauth2"
)

// ChallengeMethod is the only PKCE method this service sends.
const ChallengeMethod = "S256"

const stateBytes = 32

// GeneratePKCEPair returns a fresh RFC 7636 verifier and its S256 challenge.
func GeneratePKCEPair() (verifier, challenge string) {
	verifier = oauth2.GenerateVerifier()
	return verifier, oauth2.S256ChallengeFromVerifier(verifier)
}

// GenerateState returns a random URL-safe anti-forgery token, independent of
// any PKCE material.
func GenerateState() (string, error) {
	buf := make([]byte, stateBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
