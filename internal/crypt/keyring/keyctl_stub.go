//go:build !linux

package keyring

import "fmt"

// Keyctl is unavailable off Linux; NewKeyctl succeeds but every Lookup
// returns an error.
type Keyctl struct{}

// NewKeyctl is unavailable on this platform.
func NewKeyctl() *Keyctl { return &Keyctl{} }

func (Keyctl) Lookup(typ, description string) ([]byte, error) {
	return nil, fmt.Errorf("keyring: kernel keyring is only available on linux")
}
