package cipher

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"hash"
)

// IntegrityProfile authenticates ciphertext sectors on the non-AEAD
// integrity path ("integrity:<bytes>:<profile>" with profile
// "hmac(sha256)"; "aead" is handled by the cipher Engine's own tag instead,
// and "none" means no IntegrityProfile at all).
type IntegrityProfile interface {
	TagSize() int
	// Authenticate computes the tag over sectorLE||ciphertext and writes
	// it into tag (len(tag) == TagSize()).
	Authenticate(tag []byte, sectorLE [8]byte, ciphertext []byte)
	// Verify recomputes the tag and compares it to tag in constant time.
	Verify(tag []byte, sectorLE [8]byte, ciphertext []byte) bool
}

type hmacProfile struct {
	key     []byte
	newHash func() hash.Hash
	tagSize int
}

// NewHMACProfile builds an IntegrityProfile around HMAC-SHA256. macKey is
// the auth subkey split from the authenc composite key (key.go), or the
// whole mapping key for a bare hash-name integrity profile.
func NewHMACProfile(macKey []byte, tagSize int) IntegrityProfile {
	return &hmacProfile{key: macKey, newHash: sha256.New, tagSize: tagSize}
}

func (p *hmacProfile) TagSize() int { return p.tagSize }

func (p *hmacProfile) Authenticate(tag []byte, sectorLE [8]byte, ciphertext []byte) {
	mac := hmac.New(p.newHash, p.key)
	mac.Write(sectorLE[:])
	mac.Write(ciphertext)
	sum := mac.Sum(nil)
	n := len(sum)
	if p.tagSize < n {
		n = p.tagSize
	}
	copy(tag, sum[:n])
}

func (p *hmacProfile) Verify(tag []byte, sectorLE [8]byte, ciphertext []byte) bool {
	want := make([]byte, p.tagSize)
	p.Authenticate(want, sectorLE, ciphertext)
	if len(want) != len(tag) {
		return false
	}
	return hmac.Equal(want, tag)
}

// errProtection names an HMAC integrity failure. Verify itself reports a
// mismatch through its bool result, which the converter turns into
// convert.ErrIntegrity; nothing in this module returns errProtection.
var errProtection = fmt.Errorf("cipher: hmac integrity check failed")

// ErrProtection is exported for callers outside this package that need to
// recognize the same condition without depending on Verify's bool return.
var ErrProtection = errProtection
