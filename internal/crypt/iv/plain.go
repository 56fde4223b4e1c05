package iv

import (
	"crypto/rand"
	"encoding/binary"
)

// plainGen implements  "plain": little-endian uint32(S), rest
// zero. Matches crypt_iv_plain_gen: it truncates the sector number to 32
// bits, a deliberate compatibility quirk of the original scheme.
type plainGen struct{ n int }

func (g *plainGen) Generate(iv []byte, req Request) error {
	clear(iv)
	binary.LittleEndian.PutUint32(iv, uint32(req.Sector))
	return nil
}

// plain64Gen implements "plain64": little-endian uint64(S), rest zero.
type plain64Gen struct{ n int }

func (g *plain64Gen) Generate(iv []byte, req Request) error {
	clear(iv)
	binary.LittleEndian.PutUint64(iv, req.Sector)
	return nil
}

// plain64beGen implements "plain64be": big-endian uint64(S) in the
// trailing 8 bytes, the rest of the buffer left zero.
type plain64beGen struct{ n int }

func (g *plain64beGen) Generate(iv []byte, req Request) error {
	clear(iv)
	if len(iv) < 8 {
		binary.BigEndian.PutUint64(make([]byte, 8), req.Sector)
		return nil
	}
	binary.BigEndian.PutUint64(iv[len(iv)-8:], req.Sector)
	return nil
}

// nullGen implements "null": IV is always zero.
type nullGen struct{ n int }

func (g *nullGen) Generate(iv []byte, req Request) error {
	clear(iv)
	return nil
}

// randomGen implements "random": on writes, a fresh IV is drawn directly
// from crypto/rand and handed back to the assembler to persist on the
// integrity sideband; reads never call Generate for this mode because the
// IV instead travels on that sideband.
type randomGen struct{ n int }

func (g *randomGen) Generate(iv []byte, req Request) error {
	if !req.Write {
		return errNeedsMetadataIV
	}
	_, err := rand.Read(iv)
	return err
}

func (g *randomGen) NeedsIVFromMetadata() bool { return true }

func clear(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
