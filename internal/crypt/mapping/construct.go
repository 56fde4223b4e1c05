package mapping

import (
	"crypto/aes"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"fmt"
	"strconv"
	"strings"

	"github.com/ehrlich-b/go-ublk/internal/crypt/cipher"
	"github.com/ehrlich-b/go-ublk/internal/crypt/iv"
	"github.com/ehrlich-b/go-ublk/internal/crypt/keyring"
	"github.com/ehrlich-b/go-ublk/internal/interfaces"
)

// Config is the fully-decoded form of a dm-crypt-style table line.
// ParseLine builds one from the line's tokens; New builds the Mapping from it.
type Config struct {
	CipherSpec string
	KeyToken   string
	IVOffset   uint64
	DeviceName string // display-only; the actual I/O goes through Underlying
	Start      uint64

	AllowDiscards       bool
	SameCPUCrypt        bool
	SubmitFromCryptCPUs bool
	IVLargeSectors      bool
	SectorSize          int // 0 means "use the default", 512

	IntegrityTagBytes int    // on_disk_tag_size; 0 means no integrity channel
	IntegrityProfile  string // "aead", "none", or an hmac hash name ("sha256", ...)

	Underlying interfaces.Backend
	Metadata   interfaces.Backend // required when IntegrityTagBytes > 0
	Keyring    keyring.Source     // required when KeyToken is a keyring reference
}

// ParseLine decodes a full table line (dm-crypt's own construct table
// positions 1-5, plus the optional count-prefixed feature group) into a
// Config. Underlying,
// Metadata, and Keyring are supplied by the caller, since the table line
// only names a device path and this package never opens devices itself.
func ParseLine(line string, underlying, metadata interfaces.Backend, kr keyring.Source) (*Config, error) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return nil, fmt.Errorf("mapping: table line must have at least 5 fields, got %d", len(fields))
	}

	cfg := &Config{
		CipherSpec: fields[0],
		KeyToken:   fields[1],
		DeviceName: fields[3],
		Underlying: underlying,
		Metadata:   metadata,
		Keyring:    kr,
	}

	ivOffset, err := strconv.ParseUint(fields[2], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("mapping: bad iv_offset %q: %w", fields[2], err)
	}
	cfg.IVOffset = ivOffset

	start, err := strconv.ParseUint(fields[4], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("mapping: bad start %q: %w", fields[4], err)
	}
	cfg.Start = start

	rest := fields[5:]
	if len(rest) == 0 {
		return cfg, nil
	}
	n, err := strconv.Atoi(rest[0])
	if err != nil {
		return nil, fmt.Errorf("mapping: feature-argument count %q is not a number", rest[0])
	}
	rest = rest[1:]
	if n != len(rest) {
		return nil, fmt.Errorf("mapping: feature-argument count %d does not match %d tokens", n, len(rest))
	}
	for _, tok := range rest {
		switch {
		case tok == "allow_discards":
			cfg.AllowDiscards = true
		case tok == "same_cpu_crypt":
			cfg.SameCPUCrypt = true
		case tok == "submit_from_crypt_cpus":
			cfg.SubmitFromCryptCPUs = true
		case tok == "iv_large_sectors":
			cfg.IVLargeSectors = true
		case strings.HasPrefix(tok, "sector_size:"):
			ss, err := strconv.Atoi(strings.TrimPrefix(tok, "sector_size:"))
			if err != nil {
				return nil, fmt.Errorf("mapping: bad sector_size %q: %w", tok, err)
			}
			cfg.SectorSize = ss
		case strings.HasPrefix(tok, "integrity:"):
			parts := strings.SplitN(strings.TrimPrefix(tok, "integrity:"), ":", 2)
			if len(parts) != 2 {
				return nil, fmt.Errorf("mapping: integrity feature %q must be integrity:<bytes>:<profile>", tok)
			}
			bytes, err := strconv.Atoi(parts[0])
			if err != nil {
				return nil, fmt.Errorf("mapping: bad integrity tag size %q: %w", parts[0], err)
			}
			cfg.IntegrityTagBytes = bytes
			cfg.IntegrityProfile = parts[1]
		default:
			return nil, fmt.Errorf("mapping: unrecognized feature argument %q", tok)
		}
	}
	return cfg, nil
}

// blockSizeFor returns the block size of the named block cipher without
// needing a keyed instance; aes is the only block cipher this module wires.
func blockSizeFor(name string) (int, error) {
	switch name {
	case "aes":
		return aes.BlockSize, nil
	default:
		return 0, fmt.Errorf("mapping: unknown block cipher %q", name)
	}
}

func newHashFunc(name string) (iv.HashFunc, error) {
	switch name {
	case "sha256":
		return func() interface {
			Write([]byte) (int, error)
			Sum([]byte) []byte
			Reset()
			Size() int
		} {
			return sha256.New()
		}, nil
	case "sha1":
		return func() interface {
			Write([]byte) (int, error)
			Sum([]byte) []byte
			Reset()
			Size() int
		} {
			return sha1.New()
		}, nil
	case "md5":
		return func() interface {
			Write([]byte) (int, error)
			Sum([]byte) []byte
			Reset()
			Size() int
		} {
			return md5.New()
		}, nil
	default:
		return nil, fmt.Errorf("mapping: unknown essiv hash %q", name)
	}
}

func newEssivBlockCipher(key []byte) (iv.BlockCipher, error) {
	return aes.NewCipher(key)
}

// resolveKey decodes cfg.KeyToken: inline hex, "-" for no
// key, or a ":<size>:{user|logon}:<description>" keyring reference.
func resolveKey(cfg *Config) (*cipher.Key, error) {
	if ref, ok, err := cipher.ParseKeyringRef(cfg.KeyToken); err != nil {
		return nil, err
	} else if ok {
		if cfg.Keyring == nil {
			return nil, fmt.Errorf("mapping: key token %q needs a keyring source", cfg.KeyToken)
		}
		payload, err := cfg.Keyring.Lookup(ref.Type, ref.Description)
		if err != nil {
			return nil, fmt.Errorf("mapping: keyring lookup %s:%s: %w", ref.Type, ref.Description, err)
		}
		if len(payload) != ref.Size {
			return nil, fmt.Errorf("mapping: keyring key %q is %d bytes, want %d", ref.Description, len(payload), ref.Size)
		}
		return cipher.NewKey(payload), nil
	}
	b, err := cipher.ParseInlineHex(cfg.KeyToken)
	if err != nil {
		return nil, err
	}
	return cipher.NewKey(b), nil
}

// New constructs a Mapping from cfg: parse cipher spec, allocate engines,
// build the IV generator, install the key, wire the
// assembler/converter/pools, start the sequencer.
func New(cfg *Config) (*Mapping, error) {
	spec, err := cipher.Parse(cfg.CipherSpec)
	if err != nil {
		return nil, err
	}
	if spec.Offload {
		return nil, fmt.Errorf("mapping: cipher chain %q requires hardware crypto offload, which has no userspace equivalent here", spec.Chain)
	}

	sectorSize := cfg.SectorSize
	if sectorSize == 0 {
		sectorSize = 512
	}
	if sectorSize < 512 || sectorSize > 4096 || sectorSize&(sectorSize-1) != 0 {
		return nil, fmt.Errorf("mapping: sector_size %d must be a power of two in [512, 4096]", sectorSize)
	}

	trueAEAD := spec.AEAD && spec.AuthAlg == ""
	authenc := spec.AuthAlg != ""

	blockSize, err := blockSizeForSpec(spec)
	if err != nil {
		return nil, err
	}

	gen, err := iv.New(iv.Mode(spec.IVMode), ivSizeForSpec(spec), spec.IVOpts, blockSize, newHashFunc, newEssivBlockCipher)
	if err != nil {
		return nil, err
	}

	key, err := resolveKey(cfg)
	if err != nil {
		return nil, err
	}

	keyExtra := 0
	if sizer, ok := gen.(iv.KeyExtraSizer); ok {
		keyExtra = sizer.KeyExtraSize()
	}

	engineCount := spec.TfmsCount
	if authenc {
		engineCount = 1
	}
	engines := make([]cipher.Engine, engineCount)
	for i := range engines {
		e, err := cipher.NewEngine(spec)
		if err != nil {
			return nil, err
		}
		engines[i] = e
	}

	var integrity cipher.IntegrityProfile
	if key.Valid() {
		integrity, err = installKey(cfg, spec, key, engines, gen, keyExtra, engineCount, authenc, trueAEAD)
		if err != nil {
			return nil, err
		}
	}

	m, err := newMapping(cfg, spec, sectorSize, key, engines, gen, integrity, trueAEAD, engineCount, keyExtra, authenc)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// installKey runs the key-installation switch and IV-generator Init call,
// only ever invoked while key.Valid().
func installKey(cfg *Config, spec *cipher.Spec, key *cipher.Key, engines []cipher.Engine, gen iv.Generator, keyExtra, engineCount int, authenc, trueAEAD bool) (cipher.IntegrityProfile, error) {
	var integrity cipher.IntegrityProfile
	switch {
	case authenc:
		mac, err := key.Subkey(0, 2, keyExtra)
		if err != nil {
			return nil, fmt.Errorf("mapping: authenc mac subkey: %w", err)
		}
		enc, err := key.Subkey(1, 2, keyExtra)
		if err != nil {
			return nil, fmt.Errorf("mapping: authenc enc subkey: %w", err)
		}
		composite := cipher.ComposeAuthencKey(mac, enc)
		// The CBC half takes only the encryption subkey, which is the
		// composite's trailing len(enc) bytes.
		if err := engines[0].SetKey(composite[len(composite)-len(enc):]); err != nil {
			clearBytes(composite)
			return nil, err
		}
		clearBytes(composite)
		integrity = cipher.NewHMACProfile(append([]byte(nil), mac...), cfg.IntegrityTagBytes)
	case cfg.IntegrityTagBytes > 0 && !trueAEAD && cfg.IntegrityProfile != "none" && cfg.IntegrityProfile != "aead":
		// A bare hash name (e.g. "sha256") names a non-AEAD integrity
		// profile layered over an ordinary block cipher: the whole key
		// keys both the cipher subkeys and the HMAC, since the cipher
		// spec carries no separate MAC-key length for this form.
		for i := range engines {
			sub, err := key.Subkey(i, engineCount, keyExtra)
			if err != nil {
				return nil, fmt.Errorf("mapping: subkey %d: %w", i, err)
			}
			if err := engines[i].SetKey(sub); err != nil {
				return nil, fmt.Errorf("mapping: setkey engine %d: %w", i, err)
			}
		}
		integrity = cipher.NewHMACProfile(append([]byte(nil), key.Full()...), cfg.IntegrityTagBytes)
	default:
		for i := range engines {
			sub, err := key.Subkey(i, engineCount, keyExtra)
			if err != nil {
				return nil, fmt.Errorf("mapping: subkey %d: %w", i, err)
			}
			if err := engines[i].SetKey(sub); err != nil {
				return nil, fmt.Errorf("mapping: setkey engine %d: %w", i, err)
			}
		}
	}

	if initer, ok := gen.(iv.Initializer); ok {
		var initKey []byte
		var err error
		if _, extraOK := gen.(iv.KeyExtraSizer); extraOK {
			initKey, err = key.Tail(keyExtra)
		} else {
			initKey = key.Full()
		}
		if err != nil {
			return nil, err
		}
		if err := initer.Init(initKey); err != nil {
			return nil, fmt.Errorf("mapping: iv init: %w", err)
		}
	}
	return integrity, nil
}

func blockSizeForSpec(spec *cipher.Spec) (int, error) {
	switch spec.Chain {
	case cipher.ChainCBC, cipher.ChainXTS:
		return blockSizeFor(spec.Cipher)
	default:
		// capi grammar: every wired capi cipher is aes-based.
		return aes.BlockSize, nil
	}
}

func ivSizeForSpec(spec *cipher.Spec) int {
	switch {
	case spec.AuthAlg != "":
		// authenc's cipher half is CBC(AES): IV size is the AES block size.
		return aes.BlockSize
	case spec.AEAD:
		// gcm(aes) and chacha20poly1305 both use a 12-byte nonce.
		return 12
	case spec.Chain == cipher.ChainXTS || strings.Contains(spec.Cipher, "xts"):
		return aes.BlockSize
	default:
		return aes.BlockSize
	}
}

func clearBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
