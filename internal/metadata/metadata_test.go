package metadata

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSecretSizeMatchesKeyPlusNonceBase(t *testing.T) {
	// 32-byte AEAD key + 24-byte XChaCha20-Poly1305 nonce base.
	require.Equal(t, 32+24, SecretSize)
}
