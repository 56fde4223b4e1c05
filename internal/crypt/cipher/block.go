package cipher

import (
	"crypto/aes"
	stdcipher "crypto/cipher"
	"fmt"

	"github.com/ehrlich-b/go-ublk/internal/crypt/request"
	"golang.org/x/crypto/xts"
)

// ChainMode names the legacy chainmode position of a cipher spec
// ("cipher[:keycount]-chainmode-ivmode[:ivopts]").
type ChainMode string

const (
	ChainCBC ChainMode = "cbc"
	ChainXTS ChainMode = "xts"
	ChainECB ChainMode = "ecb"
)

// blockEngine implements Engine for CBC-mode block ciphers. The IV is
// caller-supplied per call (dm-crypt reinitializes the CBC chain fresh for
// every sector, rather than chaining across sectors), so each Encrypt/
// Decrypt constructs its own stdcipher.BlockMode.
type blockEngine struct {
	newBlock func(key []byte) (stdcipher.Block, error)
	block    stdcipher.Block
	ivSize   int
}

// NewCBCEngine builds a CBC engine over the named block cipher ("aes" is
// the only one wired here; others can be added by extending blockCipherFor
// in factory.go).
func NewCBCEngine(newBlock func(key []byte) (stdcipher.Block, error)) Engine {
	return &blockEngine{newBlock: newBlock}
}

func (e *blockEngine) SetKey(key []byte) error {
	b, err := e.newBlock(key)
	if err != nil {
		return fmt.Errorf("cipher: cbc setkey: %w", err)
	}
	e.block = b
	e.ivSize = b.BlockSize()
	return nil
}

func (e *blockEngine) Wipe()             { e.block = nil }
func (e *blockEngine) IsAEAD() bool      { return false }
func (e *blockEngine) TagSize() int      { return 0 }
func (e *blockEngine) IVSize() int       { return e.ivSize }
func (e *blockEngine) BlockSize() int {
	if e.block == nil {
		return 0
	}
	return e.block.BlockSize()
}

func (e *blockEngine) Encrypt(req *request.Request, done Done) (Result, error) {
	if e.block == nil {
		return 0, fmt.Errorf("cipher: cbc used before SetKey")
	}
	mode := stdcipher.NewCBCEncrypter(e.block, req.IV[:e.block.BlockSize()])
	mode.CryptBlocks(req.Data, req.Data)
	return ResultOK, nil
}

func (e *blockEngine) Decrypt(req *request.Request, done Done) (Result, error) {
	if e.block == nil {
		return 0, fmt.Errorf("cipher: cbc used before SetKey")
	}
	mode := stdcipher.NewCBCDecrypter(e.block, req.IV[:e.block.BlockSize()])
	mode.CryptBlocks(req.Data, req.Data)
	return ResultOK, nil
}

// xtsEngine implements Engine for AES-XTS (chainmode "xts"), the dominant
// real-world dm-crypt disk cipher. XTS keys are twice the block cipher's
// native key size (two independent subkeys); the sector number is the XTS
// tweak, so the IV generator feeding this engine is expected to be
// plain64 (the conventional pairing, "aes-xts-plain64").
type xtsEngine struct {
	cipherFunc func(key []byte) (stdcipher.Block, error)
	c          *xts.Cipher
}

// NewXTSEngine builds an XTS engine over the named block cipher.
func NewXTSEngine(cipherFunc func(key []byte) (stdcipher.Block, error)) Engine {
	return &xtsEngine{cipherFunc: cipherFunc}
}

func (e *xtsEngine) SetKey(key []byte) error {
	c, err := xts.NewCipher(e.cipherFunc, key)
	if err != nil {
		return fmt.Errorf("cipher: xts setkey: %w", err)
	}
	e.c = c
	return nil
}

func (e *xtsEngine) Wipe()        { e.c = nil }
func (e *xtsEngine) IsAEAD() bool { return false }
func (e *xtsEngine) TagSize() int { return 0 }
func (e *xtsEngine) IVSize() int  { return 16 }
func (e *xtsEngine) BlockSize() int {
	return 16
}

func (e *xtsEngine) Encrypt(req *request.Request, done Done) (Result, error) {
	if e.c == nil {
		return 0, fmt.Errorf("cipher: xts used before SetKey")
	}
	e.c.Encrypt(req.Data, req.Data, req.Sector)
	return ResultOK, nil
}

func (e *xtsEngine) Decrypt(req *request.Request, done Done) (Result, error) {
	if e.c == nil {
		return 0, fmt.Errorf("cipher: xts used before SetKey")
	}
	e.c.Decrypt(req.Data, req.Data, req.Sector)
	return ResultOK, nil
}

// AESBlock adapts crypto/aes to the newBlock signature used above.
func AESBlock(key []byte) (stdcipher.Block, error) {
	return aes.NewCipher(key)
}
