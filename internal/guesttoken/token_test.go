package guesttoken

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_OpaqueHighEntropyToken(t *testing.T) {
	tok, err := New()
	require.NoError(t, err)
	assert.Len(t, tok, 64)
	_, err = hex.DecodeString(tok)
	require.NoError(t, err)

	other, err := New()
	require.NoError(t, err)
	assert.NotEqual(t, tok, other)
}

func TestMatches(t *testing.T) {
	tok, err := New()
	require.NoError(t, err)

	assert.True(t, Matches(tok, tok))
	assert.False(t, Matches(tok, "deadbeef"))
	assert.False(t, Matches(tok, ""))
	assert.False(t, Matches("", tok))
	assert.False(t, Matches("", ""))
}
