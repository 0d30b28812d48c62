package token

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerate_FormatAndHash(t *testing.T) {
	plain, hash, err := Generate()
	require.NoError(t, err)

	decoded, err := hex.DecodeString(plain)
	require.NoError(t, err)
	require.Len(t, decoded, TokenBytes)

	require.True(t, ValidateFormat(plain))
	require.Equal(t, Hash(plain), hash)
	require.Len(t, hash, 64)
}

func TestGenerate_Unique(t *testing.T) {
	a, _, err := Generate()
	require.NoError(t, err)
	b, _, err := Generate()
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestValidateFormat_RejectsNonHex(t *testing.T) {
	require.False(t, ValidateFormat("not-hex-at-all"))
}

func TestValidateFormat_RejectsShortTokens(t *testing.T) {
	// 8 bytes of hex is well under the minimum entropy requirement.
	require.False(t, ValidateFormat("0011223344556677"))
}
