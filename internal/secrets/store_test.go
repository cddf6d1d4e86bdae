package secrets

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFileStoreRoundTrip(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	require.NoError(t, err)

	require.NoError(t, s.Set("conn-1", "access-sandbox-123"))
	v, ok, err := s.Get("CONN-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "access-sandbox-123", v)

	raw, err := os.ReadFile(filepath.Join(dir, fileName))
	require.NoError(t, err)
	require.False(t, strings.Contains(string(raw), "access-sandbox-123"), "secret must not be stored in plain text")

	info, err := os.Stat(filepath.Join(dir, fileName))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	// a fresh handle on the same dir sees the value
	s2, err := NewFileStore(dir)
	require.NoError(t, err)
	v, ok, err = s2.Get("conn-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "access-sandbox-123", v)
}

func TestFileStoreMissingAndDelete(t *testing.T) {
	t.Parallel()
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	_, ok, err := s.Get("nope")
	require.NoError(t, err)
	require.False(t, ok)

	removed, err := s.Delete("nope")
	require.NoError(t, err)
	require.False(t, removed)

	require.NoError(t, s.Set("k", "v"))
	removed, err = s.Delete("k")
	require.NoError(t, err)
	require.True(t, removed)
	_, ok, err = s.Get("k")
	require.NoError(t, err)
	require.False(t, ok)

	require.Error(t, s.Set("  ", "v"))
}

func TestMemoryStore(t *testing.T) {
	t.Parallel()
	var s Store = NewMemoryStore()
	require.NoError(t, s.Set("a", "1"))
	v, ok, err := s.Get("a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "1", v)
	removed, err := s.Delete("a")
	require.NoError(t, err)
	require.True(t, removed)
	removed, err = s.Delete("a")
	require.NoError(t, err)
	require.False(t, removed)
}
