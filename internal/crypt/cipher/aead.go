package cipher

import (
	stdcipher "crypto/cipher"
	"fmt"

	"github.com/ehrlich-b/go-ublk/internal/crypt/request"
)

// aeadEngine implements Engine over a stdlib-shaped stdcipher.AEAD (GCM,
// or golang.org/x/crypto/chacha20poly1305). It fills the request's
// scatter/gather fields: AAD is [sector_le, iv], Data is the sector, Tag
// is the authentication tag. req.OrgIV, not req.IV, is used as the nonce:
// AEAD engines must not mutate the caller's IV, and some nonce sizes
// (ChaCha20-Poly1305's 12 bytes) differ from the cipher's declared IVSize
// used for IV-generator bookkeeping, so OrgIV is truncated/used directly
// as the nonce while IV stays whatever size the IV generator produced.
type aeadEngine struct {
	newAEAD  func(key []byte) (stdcipher.AEAD, error)
	aead     stdcipher.AEAD
	nonceLen int
}

// NewAEADEngine builds an AEAD engine from a constructor (GCM or
// ChaCha20-Poly1305 — see spec.go for the capi names that select each).
func NewAEADEngine(newAEAD func(key []byte) (stdcipher.AEAD, error)) Engine {
	return &aeadEngine{newAEAD: newAEAD}
}

func (e *aeadEngine) SetKey(key []byte) error {
	a, err := e.newAEAD(key)
	if err != nil {
		return fmt.Errorf("cipher: aead setkey: %w", err)
	}
	e.aead = a
	e.nonceLen = a.NonceSize()
	return nil
}

func (e *aeadEngine) Wipe()        { e.aead = nil }
func (e *aeadEngine) IsAEAD() bool { return true }
func (e *aeadEngine) TagSize() int { return e.aead.Overhead() }
func (e *aeadEngine) IVSize() int  { return e.nonceLen }
func (e *aeadEngine) BlockSize() int {
	return 1
}

func (e *aeadEngine) nonce(req *request.Request) []byte {
	iv := req.OrgIV
	if len(iv) < e.nonceLen {
		padded := make([]byte, e.nonceLen)
		copy(padded, iv)
		return padded
	}
	return iv[:e.nonceLen]
}

func (e *aeadEngine) Encrypt(req *request.Request, done Done) (Result, error) {
	if e.aead == nil {
		return 0, fmt.Errorf("cipher: aead used before SetKey")
	}
	aad := flattenAAD(req.AAD())
	sealed := e.aead.Seal(req.Data[:0], e.nonce(req), req.Data, aad)
	// sealed = ciphertext || tag; split the tag into req.Tag, keep
	// ciphertext in req.Data so the sector's on-disk payload length is
	// unchanged (the tag rides the sideband integrity channel, not Data).
	ctLen := len(sealed) - e.aead.Overhead()
	copy(req.Data, sealed[:ctLen])
	copy(req.Tag, sealed[ctLen:])
	return ResultOK, nil
}

func (e *aeadEngine) Decrypt(req *request.Request, done Done) (Result, error) {
	if e.aead == nil {
		return 0, fmt.Errorf("cipher: aead used before SetKey")
	}
	aad := flattenAAD(req.AAD())
	combined := make([]byte, len(req.Data)+len(req.Tag))
	copy(combined, req.Data)
	copy(combined[len(req.Data):], req.Tag)
	plain, err := e.aead.Open(req.Data[:0], e.nonce(req), combined, aad)
	if err != nil {
		return 0, ErrIntegrity
	}
	copy(req.Data, plain)
	return ResultOK, nil
}

func flattenAAD(parts [][]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
