// Package keyring provides the key-storage service a table line's key
// token can name as an external collaborator: "keyring lookup by
// type+description returning opaque bytes". The default implementation
// talks to the Linux kernel session keyring via the keyctl syscalls,
// already available through golang.org/x/sys/unix; a process-local
// in-memory Source is provided for tests and for environments without a
// kernel keyring (e.g. containers running under gVisor).
package keyring

import "fmt"

// Source looks up a key's payload by type and description. Implementations
// must not retain the lookup description beyond the call.
type Source interface {
	// Lookup returns the raw payload bytes for the key named by
	// typ ("user" or "logon") and description. The caller is responsible
	// for checking the payload length against the expected key size
	//.
	Lookup(typ, description string) ([]byte, error)
}

// ErrNotFound is returned by Lookup when no matching key exists.
var ErrNotFound = fmt.Errorf("keyring: key not found")

// ErrRevoked is returned by Lookup when the key exists but has been
// revoked ( "revoked key").
var ErrRevoked = fmt.Errorf("keyring: key revoked")

// Memory is an in-process Source backed by a map, useful for tests and for
// hosts where the kernel keyring facility is unavailable.
type Memory struct {
	keys map[string][]byte
}

// NewMemory constructs an empty in-memory keyring.
func NewMemory() *Memory {
	return &Memory{keys: make(map[string][]byte)}
}

// Add installs a key payload under (typ, description), copying b.
func (m *Memory) Add(typ, description string, b []byte) {
	m.keys[typ+":"+description] = append([]byte(nil), b...)
}

// Revoke removes a key, so subsequent Lookups return ErrRevoked instead of
// ErrNotFound — matching the real kernel keyring's distinction between "no
// such key" and "key exists but access failed".
func (m *Memory) Revoke(typ, description string) {
	if _, ok := m.keys[typ+":"+description]; ok {
		m.keys[typ+":"+description] = nil
	}
}

func (m *Memory) Lookup(typ, description string) ([]byte, error) {
	b, ok := m.keys[typ+":"+description]
	if !ok {
		return nil, ErrNotFound
	}
	if b == nil {
		return nil, ErrRevoked
	}
	return append([]byte(nil), b...), nil
}
