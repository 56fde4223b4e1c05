package keyring

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryLookup(t *testing.T) {
	m := NewMemory()
	m.Add("logon", "disk1", []byte{1, 2, 3, 4})

	b, err := m.Lookup("logon", "disk1")
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3, 4}, b)

	_, err = m.Lookup("logon", "nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryRevoke(t *testing.T) {
	m := NewMemory()
	m.Add("user", "k", []byte{9})
	m.Revoke("user", "k")

	_, err := m.Lookup("user", "k")
	require.ErrorIs(t, err, ErrRevoked)
}
