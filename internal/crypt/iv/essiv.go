package iv

import (
	"encoding/binary"
	"fmt"
)

// essivGen implements "essiv(hash)". At Init (called after
// the mapping's primary key has been installed) it hashes the key to
// derive a salt, then sets up a second block cipher keyed with that salt.
// Generate encrypts plain64(sector) with the salt cipher to produce the
// IV. Requires the data cipher's block size to equal the IV size N.
type essivGen struct {
	n               int
	blockCipherSize int
	hash            HashFunc
	newBlockCipher  func(key []byte) (BlockCipher, error)
	salt            BlockCipher
}

func newESSIV(n, blockCipherSize int, hash HashFunc, newBlockCipher func(key []byte) (BlockCipher, error)) (*essivGen, error) {
	if blockCipherSize != n {
		return nil, fmt.Errorf("iv: essiv requires cipher block size (%d) == IV size (%d)", blockCipherSize, n)
	}
	return &essivGen{n: n, blockCipherSize: blockCipherSize, hash: hash, newBlockCipher: newBlockCipher}, nil
}

func (g *essivGen) Init(key []byte) error {
	h := g.hash()
	h.Reset()
	if _, err := h.Write(key); err != nil {
		return fmt.Errorf("iv: essiv salt hash: %w", err)
	}
	salt := h.Sum(nil)
	defer wipe(salt)

	cipher, err := g.newBlockCipher(salt)
	if err != nil {
		return fmt.Errorf("iv: essiv salt cipher setkey: %w", err)
	}
	g.salt = cipher
	return nil
}

func (g *essivGen) Wipe() error {
	g.salt = nil
	return nil
}

func (g *essivGen) Destroy() {
	g.salt = nil
}

func (g *essivGen) Generate(iv []byte, req Request) error {
	if g.salt == nil {
		return fmt.Errorf("iv: essiv used before Init")
	}
	clear(iv)
	binary.LittleEndian.PutUint64(iv, req.Sector)
	g.salt.Encrypt(iv, iv)
	return nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
