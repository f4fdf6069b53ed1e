package nodekey

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateThenReload(t *testing.T) {
	dir := t.TempDir()

	k1, err := LoadOrGenerate(dir)
	require.NoError(t, err)

	k2, err := LoadOrGenerate(dir)
	require.NoError(t, err)

	require.Equal(t, k1.ID(), k2.ID(), "reloading must recover the same identity")
}

func TestSignVerifyRoundTrip(t *testing.T) {
	dir := t.TempDir()
	k, err := LoadOrGenerate(dir)
	require.NoError(t, err)

	msg := []byte("handshake payload")
	sig, err := k.Sign(msg)
	require.NoError(t, err)

	pubBytes, err := k.PublicKeyBytes()
	require.NoError(t, err)

	ok, err := Verify(pubBytes, msg, sig)
	require.NoError(t, err)
	require.True(t, ok)

	id, err := PeerIDFromPublicKeyBytes(pubBytes)
	require.NoError(t, err)
	require.Equal(t, k.ID(), id)
}

func TestVerifyRejectsTamperedMessage(t *testing.T) {
	dir := t.TempDir()
	k, err := LoadOrGenerate(dir)
	require.NoError(t, err)

	sig, err := k.Sign([]byte("original"))
	require.NoError(t, err)
	pubBytes, err := k.PublicKeyBytes()
	require.NoError(t, err)

	ok, err := Verify(pubBytes, []byte("tampered"), sig)
	require.NoError(t, err)
	require.False(t, ok)
}
