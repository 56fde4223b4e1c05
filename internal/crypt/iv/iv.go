// Package iv implements the per-sector IV generator family.
//
// Each mode is a small Go type satisfying Generator. Capabilities beyond
// Generate (Init, Wipe, Post) are modeled as optional interfaces rather
// than nil function pointers, and are probed with a type switch at the
// call sites in internal/crypt/request and internal/crypt/mapping.
package iv

import "fmt"

// SectorSize is the logical sector size fed to Generate/Post for modes that
// depend on it (lmk, tcw both require 512).
type SectorSize = int

// Request carries everything a Generator needs to produce or post-process
// an IV for one sector. Data is the sector's plaintext (on the write path)
// or ciphertext-in-place buffer (on the read path); generators that only
// need the sector number ignore it.
type Request struct {
	Sector     uint64 // logical sector after iv_offset has been applied, possibly shifted by sector_shift
	SectorSize int
	Data       []byte // len == SectorSize
	Write      bool   // true on the write path, false on read
}

// Generator produces the IV for one sector into iv (len(iv) == N, the
// cipher's required IV size).
type Generator interface {
	Generate(iv []byte, req Request) error
}

// Initializer is implemented by modes that need a second pass after the
// mapping's key has been installed (essiv's second cipher, tcw's key-tail
// extraction). The caller passes the full mapping key unless the mode also
// implements KeyExtraSizer, in which case it is passed only the trailing
// KeyExtraSize() bytes carved off the key (see internal/crypt/cipher).
type Initializer interface {
	Init(key []byte) error
}

// Wiper is implemented by modes holding derived secret state that must be
// destroyed independently of the mapping's primary key (essiv's salt
// cipher, tcw's whitening state).
type Wiper interface {
	Wipe() error
}

// Poster is implemented by modes that must run again after the cipher has
// run: lmk re-tweaks recovered plaintext, tcw applies/strips whitening on
// ciphertext.
type Poster interface {
	Post(iv []byte, req Request) error
}

// Destroyer releases any engine or buffer held by the generator.
type Destroyer interface {
	Destroy()
}

// KeyExtraSize returns how many trailing bytes of the mapping key this
// mode reserves for its own state (tcw's iv_seed+whitening, lmk's seed).
// Modes without extra key material return 0.
type KeyExtraSizer interface {
	KeyExtraSize() int
}

// NeedsIVFromMetadata reports whether reads must recover the IV from the
// per-sector integrity channel instead of regenerating it (random mode).
type NeedsIVFromMetadata interface {
	NeedsIVFromMetadata() bool
}

// Mode names the IV generation scheme, as named in a cipher spec's ivmode
// position.
type Mode string

const (
	ModePlain     Mode = "plain"
	ModePlain64   Mode = "plain64"
	ModePlain64BE Mode = "plain64be"
	ModeESSIV     Mode = "essiv"
	ModeBenbi     Mode = "benbi"
	ModeNull      Mode = "null"
	ModeLMK       Mode = "lmk"
	ModeTCW       Mode = "tcw"
	ModeRandom    Mode = "random"
)

// BlockCipher is the minimal single-block encryption primitive essiv needs
// for its salt cipher (crypto/cipher.Block already satisfies this).
type BlockCipher interface {
	BlockSize() int
	Encrypt(dst, src []byte)
}

// HashFunc constructs a hash.Hash, used by essiv to derive its salt and by
// lmk for its MD5 tweak; injected rather than imported directly so the
// generator package stays independent of which crypto/* package is used.
type HashFunc func() interface {
	Write([]byte) (int, error)
	Sum([]byte) []byte
	Reset()
	Size() int
}

// New constructs the generator for mode with IV size n bytes. opts carries
// ivopts text after a ':' in the cipher spec (only essiv uses it, for the
// hash name). blockCipherSize is the data cipher's block size, needed by
// essiv and benbi at construction time.
func New(mode Mode, n int, opts string, blockCipherSize int, newHash func(name string) (HashFunc, error), newBlockCipher func(key []byte) (BlockCipher, error)) (Generator, error) {
	switch mode {
	case ModePlain:
		return &plainGen{n: n}, nil
	case ModePlain64:
		return &plain64Gen{n: n}, nil
	case ModePlain64BE:
		return &plain64beGen{n: n}, nil
	case ModeNull:
		return &nullGen{n: n}, nil
	case ModeBenbi:
		return newBenbi(n, blockCipherSize)
	case ModeESSIV:
		if opts == "" {
			return nil, fmt.Errorf("iv: essiv requires a hash name (essiv:<hash>)")
		}
		hf, err := newHash(opts)
		if err != nil {
			return nil, fmt.Errorf("iv: essiv hash %q: %w", opts, err)
		}
		return newESSIV(n, blockCipherSize, hf, newBlockCipher)
	case ModeLMK:
		return newLMK(n, opts), nil
	case ModeTCW:
		return newTCW(n), nil
	case ModeRandom:
		return &randomGen{n: n}, nil
	default:
		return nil, fmt.Errorf("iv: unknown mode %q", mode)
	}
}
