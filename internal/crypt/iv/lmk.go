package iv

import (
	"crypto/md5"
	"encoding"
	"encoding/binary"
	"fmt"
)

const (
	lmkSeedSize  = 16 // MD5 digest size: the key-tail bytes carved off for the seed
	lmkSeedBlock = 64 // the seed is hashed as one full MD5 block, zero-padded past lmkSeedSize
	lmkConstant  = 4024
	lmkPlainFrom = 16
	lmkPlainTo   = 512
	md5StateOff  = 4 // length of crypto/md5's MarshalBinary state-identifier prefix
)

// lmkGen implements the Loop-AES-compatible "lmk" IV mode. The digest is
// computed over the optional seed, the sector's plaintext bytes 16..511,
// a little-endian packed sector value with its high bit set, the constant
// 4024, and a trailing zero word; the MD5 digest words are then byteswapped
// and truncated to N bytes.
//
// On writes the IV is derived from plaintext before encryption runs. On
// reads Generate yields zero (there is no plaintext yet) and Post, called
// after decryption, recomputes the IV from the recovered plaintext and
// XORs it into the sector's first 16 bytes — the loop-AES "tweak".
type lmkGen struct {
	n    int
	seed []byte // lmkSeedBlock bytes (first lmkSeedSize real, rest zero), or nil
}

func newLMK(n int, _ string) *lmkGen {
	return &lmkGen{n: n}
}

// KeyExtraSize reserves the trailing MD5-digest-sized seed carried by an
// lmk key. dm-crypt distinguishes LMK version 2 (no seed, the key divides
// evenly across tfms_count subkeys) from version 3 (seed present) by the
// key's length; this mapping always reserves the seed, the simpler
// always-version-3 behavior.
func (g *lmkGen) KeyExtraSize() int { return lmkSeedSize }

// Init receives the trailing KeyExtraSize() bytes of the mapping key and
// stores them, zero-padded out to a full MD5 block, as the seed.
func (g *lmkGen) Init(tail []byte) error {
	if len(tail) < lmkSeedSize {
		return fmt.Errorf("iv: lmk key tail too short: need %d, got %d", lmkSeedSize, len(tail))
	}
	g.seed = make([]byte, lmkSeedBlock)
	copy(g.seed, tail[:lmkSeedSize])
	return nil
}

func (g *lmkGen) Wipe() error {
	wipe(g.seed)
	return nil
}

func (g *lmkGen) Destroy() {
	wipe(g.seed)
	g.seed = nil
}

func (g *lmkGen) Generate(iv []byte, req Request) error {
	if req.SectorSize != 512 {
		return fmt.Errorf("iv: lmk requires sector_size=512, got %d", req.SectorSize)
	}
	if !req.Write {
		clear(iv)
		return nil
	}
	digest, err := g.digest(req)
	if err != nil {
		return err
	}
	copy(iv, digest[:min(len(digest), len(iv))])
	return nil
}

func (g *lmkGen) Post(iv []byte, req Request) error {
	if req.Write || req.SectorSize != 512 {
		return nil
	}
	digest, err := g.digest(req)
	if err != nil {
		return err
	}
	n := min(len(digest), 16)
	for i := 0; i < n && i < len(req.Data); i++ {
		req.Data[i] ^= digest[i]
	}
	return nil
}

func (g *lmkGen) digest(req Request) ([]byte, error) {
	if len(req.Data) < lmkPlainTo {
		return nil, fmt.Errorf("iv: lmk needs %d bytes of sector data, got %d", lmkPlainTo, len(req.Data))
	}
	h := md5.New()
	if g.seed != nil {
		h.Write(g.seed)
	}
	h.Write(req.Data[lmkPlainFrom:lmkPlainTo])

	var packed [8]byte
	binary.LittleEndian.PutUint64(packed[:], req.Sector)
	packed[7] |= 0x80
	h.Write(packed[:])

	var tail [4]byte
	binary.LittleEndian.PutUint32(tail[:], lmkConstant)
	h.Write(tail[:])
	var zero [4]byte
	h.Write(zero[:])

	// dm-crypt exports the raw, unpadded MD5 accumulator state here
	// instead of finalizing through the usual 0x80/length padding block:
	// every write above sums to an exact multiple of the 64-byte MD5
	// block size, so the running state already reflects the whole
	// digest input with nothing buffered. crypto/md5's BinaryMarshaler,
	// added for hash checkpointing, happens to expose exactly that state.
	marshaler, ok := h.(encoding.BinaryMarshaler)
	if !ok {
		return nil, fmt.Errorf("iv: lmk requires an md5 hash implementing encoding.BinaryMarshaler")
	}
	state, err := marshaler.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("iv: lmk marshal md5 state: %w", err)
	}
	if len(state) < md5StateOff+md5.Size {
		return nil, fmt.Errorf("iv: lmk unexpected md5 state size %d", len(state))
	}
	words := state[md5StateOff : md5StateOff+md5.Size]
	return byteswapWords(words), nil
}

// byteswapWords reverses the byte order of each 32-bit word in place.
func byteswapWords(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	for i := 0; i+4 <= len(out); i += 4 {
		out[i], out[i+1], out[i+2], out[i+3] = out[i+3], out[i+2], out[i+1], out[i]
	}
	return out
}
