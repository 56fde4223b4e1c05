package cipher

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// Key owns the mapping's raw key material. It guarantees the material is
// never read back out except through Subkey/MACSubkey, and Wipe
// overwrites it with random bytes before release (
// "shared key material").
type Key struct {
	bytes []byte
	valid bool
}

// NewKey takes ownership of b (callers must not retain it).
func NewKey(b []byte) *Key {
	return &Key{bytes: b, valid: len(b) > 0}
}

// Valid reports whether the key currently holds usable material —
// key_valid invariant.
func (k *Key) Valid() bool { return k != nil && k.valid }

// Full returns the entire key buffer. Only the IV-generator Init path
// (essiv's salt derivation needs the whole key, not a subkey) should call
// this; the returned slice must not be retained past the call.
func (k *Key) Full() []byte {
	if k == nil {
		return nil
	}
	return k.bytes
}

// Size returns the total key length in bytes.
func (k *Key) Size() int {
	if k == nil {
		return 0
	}
	return len(k.bytes)
}

// Subkey returns the i'th of n equal subkeys of the usable portion of the
// key (size minus extraSize trailing bytes reserved for IV-mode state,
// i.e. key_extra_size).
func (k *Key) Subkey(i, n, extraSize int) ([]byte, error) {
	usable := len(k.bytes) - extraSize
	if usable <= 0 || usable%n != 0 {
		return nil, fmt.Errorf("cipher: key size %d (extra %d) does not split evenly into %d subkeys", len(k.bytes), extraSize, n)
	}
	subSize := usable / n
	off := i * subSize
	return k.bytes[off : off+subSize], nil
}

// Tail returns the trailing extraSize bytes reserved for IV-mode state
// (tcw's iv_seed+whitening).
func (k *Key) Tail(extraSize int) ([]byte, error) {
	if extraSize == 0 {
		return nil, nil
	}
	if extraSize > len(k.bytes) {
		return nil, fmt.Errorf("cipher: key size %d smaller than required extra %d", len(k.bytes), extraSize)
	}
	return k.bytes[len(k.bytes)-extraSize:], nil
}

// Wipe overwrites the key buffer with random bytes and clears validity.
// It does not invalidate previously-returned Subkey/Tail slices in other
// goroutines; callers must only call Wipe while suspended.
func (k *Key) Wipe() {
	if k == nil {
		return
	}
	_, _ = rand.Read(k.bytes) // best-effort; the zero-fill below is the guaranteed fallback
	for i := range k.bytes {
		k.bytes[i] = 0
	}
	k.valid = false
}

// ParseInlineHex decodes a cipher_spec key token that is either hex bytes
// or "-" (no key) position 2.
func ParseInlineHex(s string) ([]byte, error) {
	if s == "-" {
		return nil, nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("cipher: key is not valid hex: %w", err)
	}
	return b, nil
}

// KeyringRef is a parsed ":<size>:{user|logon}:<description>" key token.
type KeyringRef struct {
	Size        int
	Type        string // "user" or "logon"
	Description string
}

// ParseKeyringRef parses the keyring-reference key token form. Returns
// (nil, false, nil) if s is not in that form (it should then be treated as
// inline hex or "-").
func ParseKeyringRef(s string) (*KeyringRef, bool, error) {
	if !strings.HasPrefix(s, ":") {
		return nil, false, nil
	}
	parts := strings.SplitN(s[1:], ":", 3)
	if len(parts) != 3 {
		return nil, false, fmt.Errorf("cipher: keyring key token must be :size:type:description")
	}
	size, err := strconv.Atoi(parts[0])
	if err != nil || size <= 0 {
		return nil, false, fmt.Errorf("cipher: keyring key size %q invalid", parts[0])
	}
	typ := parts[1]
	if typ != "user" && typ != "logon" {
		return nil, false, fmt.Errorf("cipher: keyring key type %q must be user or logon", typ)
	}
	desc := parts[2]
	if strings.ContainsAny(desc, " \t\n") {
		return nil, false, fmt.Errorf("cipher: keyring description must not contain whitespace")
	}
	return &KeyringRef{Size: size, Type: typ, Description: desc}, true, nil
}

// authEncRTAHdrSize matches Linux's struct rtattr header (two
// little-endian u16 fields: total attribute length, attribute type) used
// to frame the enc-subkey length ahead of an authenc composite key.
const (
	authEncKeyAParam  = 1 // CRYPTO_AUTHENC_KEYA_PARAM
	authEncRTAHdrSize = 4
	authEncParamSize  = 4 // __be32 enckeylen
)

// ComposeAuthencKey builds the composite key the authenc(hmac(h), cipher)
// crypto-API template expects: an rtattr header carrying the encryption
// subkey's length, then the auth (MAC) subkey, then the encryption subkey
//. The returned buffer, and macKey/encKey, should be wiped
// by the caller immediately after SetKey.
func ComposeAuthencKey(macKey, encKey []byte) []byte {
	total := authEncRTAHdrSize + authEncParamSize + len(macKey) + len(encKey)
	buf := make([]byte, total)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(authEncRTAHdrSize+authEncParamSize))
	binary.LittleEndian.PutUint16(buf[2:4], authEncKeyAParam)
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(encKey)))
	off := authEncRTAHdrSize + authEncParamSize
	copy(buf[off:], macKey)
	copy(buf[off+len(macKey):], encKey)
	return buf
}
