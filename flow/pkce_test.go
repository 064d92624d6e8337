package flow

import (
	"crypto/sha256"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeneratePKCEPair(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 64; i++ {
		verifier, challenge := GeneratePKCEPair()

		sum := sha256.Sum256([]byte(verifier))
		assert.Equal(t, base64.RawURLEncoding.EncodeToString(sum[:]), challenge)
		assert.GreaterOrEqual(t, len(verifier), 43)
		assert.NotContains(t, verifier, "=")
		assert.False(t, strings.ContainsAny(verifier, "+/"))

		require.False(t, seen[verifier], "verifier repeated")
		seen[verifier] = true
	}
}

func TestGenerateState(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 64; i++ {
		state, err := GenerateState()
		require.NoError(t, err)
		raw, err := base64.RawURLEncoding.DecodeString(state)
		require.NoError(t, err)
		assert.Len(t, raw, stateBytes)
		require.False(t, seen[state], "state repeated")
		seen[state] = true
	}
}
