package keystore

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tianshan-edge/sentryd/lib/kv"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(kv.Open(t.TempDir()))
}

func TestGenerateAndLoad(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Generate("host-a", RSA2048, "test key", false))

	info, err := s.Info("host-a")
	require.NoError(t, err)
	require.Equal(t, RSA2048, info.Type)
	require.True(t, info.HasPublic)

	priv, err := s.LoadPrivate("host-a")
	require.NoError(t, err)
	require.NotEmpty(t, priv)
	Zero(priv)
	require.Equal(t, byte(0), priv[0])

	pub, err := s.LoadPublic("host-a")
	require.NoError(t, err)
	require.Contains(t, pub, "ssh-rsa")
}

func TestGenerateExists(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Generate("dup", ECP256, "", false))
	err := s.Generate("dup", ECP256, "", false)
	require.Error(t, err)
}

func TestGenerateOverwrite(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Generate("dup", ECP256, "first", false))
	require.NoError(t, s.Generate("dup", ECP384, "second", true))
	info, err := s.Info("dup")
	require.NoError(t, err)
	require.Equal(t, ECP384, info.Type)
}

func TestDeleteNotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.Delete("missing")
	require.Error(t, err)
}

func TestListMultiple(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Generate("a", RSA2048, "", false))
	require.NoError(t, s.Generate("b", ECP384, "", false))

	list, err := s.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
}

func TestGenerateUnsupportedType(t *testing.T) {
	s := newTestStore(t)
	err := s.Generate("bad", KeyType("dsa"), "", false)
	require.Error(t, err)
}

func TestImportRoundTrip(t *testing.T) {
	src := newTestStore(t)
	require.NoError(t, src.Generate("seed", RSA2048, "", false))
	priv, err := src.LoadPrivate("seed")
	require.NoError(t, err)

	dst := newTestStore(t)
	require.NoError(t, dst.Import("imported", RSA2048, priv, "imported key", false))

	pub, err := dst.LoadPublic("imported")
	require.NoError(t, err)
	require.Contains(t, pub, "ssh-rsa")
}
