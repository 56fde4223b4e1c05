package iv

import (
	"bytes"
	"crypto/aes"
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/require"
)

func newAESBlock(key []byte) (BlockCipher, error) {
	return aes.NewCipher(key)
}

func newSHA256(name string) (HashFunc, error) {
	return func() interface {
		Write([]byte) (int, error)
		Sum([]byte) []byte
		Reset()
		Size() int
	} {
		return sha256.New()
	}, nil
}

func TestPlainFamilyDependsOnlyOnSector(t *testing.T) {
	for _, mode := range []Mode{ModePlain, ModePlain64, ModePlain64BE, ModeNull} {
		g, err := New(mode, 16, "", 16, nil, nil)
		require.NoError(t, err)

		iv1 := make([]byte, 16)
		iv2 := make([]byte, 16)
		require.NoError(t, g.Generate(iv1, Request{Sector: 42, SectorSize: 512, Write: true}))
		require.NoError(t, g.Generate(iv2, Request{Sector: 42, SectorSize: 512, Write: true}))
		require.Equal(t, iv1, iv2, "mode %s must be idempotent for the same sector", mode)

		iv3 := make([]byte, 16)
		require.NoError(t, g.Generate(iv3, Request{Sector: 43, SectorSize: 512, Write: true}))
		if mode != ModeNull {
			require.NotEqual(t, iv1, iv3, "mode %s must vary with sector", mode)
		}
	}
}

func TestPlain64BEIsBigEndianTail(t *testing.T) {
	g, err := New(ModePlain64BE, 16, "", 16, nil, nil)
	require.NoError(t, err)
	iv := make([]byte, 16)
	require.NoError(t, g.Generate(iv, Request{Sector: 0x0102030405060708, SectorSize: 512, Write: true}))
	require.True(t, bytes.HasPrefix(iv, make([]byte, 8)))
	require.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, iv[8:])
}

func TestESSIVRequiresMatchingBlockSize(t *testing.T) {
	_, err := New(ModeESSIV, 8, "sha256", 16, newSHA256, newAESBlock)
	require.Error(t, err)
}

func TestESSIVGenerateIsKeyDependent(t *testing.T) {
	g, err := New(ModeESSIV, 16, "sha256", 16, newSHA256, newAESBlock)
	require.NoError(t, err)
	initer := g.(Initializer)
	require.NoError(t, initer.Init(bytes.Repeat([]byte{0x11}, 32)))

	iv1 := make([]byte, 16)
	require.NoError(t, g.Generate(iv1, Request{Sector: 7, SectorSize: 512, Write: true}))

	g2, err := New(ModeESSIV, 16, "sha256", 16, newSHA256, newAESBlock)
	require.NoError(t, err)
	require.NoError(t, g2.(Initializer).Init(bytes.Repeat([]byte{0x22}, 32)))
	iv2 := make([]byte, 16)
	require.NoError(t, g2.Generate(iv2, Request{Sector: 7, SectorSize: 512, Write: true}))

	require.NotEqual(t, iv1, iv2)
}

func TestBenbiShiftFromBlockSize(t *testing.T) {
	g, err := New(ModeBenbi, 16, "", 8, nil, nil)
	require.NoError(t, err)
	iv := make([]byte, 16)
	require.NoError(t, g.Generate(iv, Request{Sector: 1, SectorSize: 512, Write: true}))
	// shift = 9 - log2(8) = 6, so (1<<6)+1 = 65
	require.Equal(t, byte(65), iv[15])
}

func TestBenbiRejectsNonPowerOfTwoBlockSize(t *testing.T) {
	_, err := New(ModeBenbi, 16, "", 24, nil, nil)
	require.Error(t, err)
}

func TestTCWRoundTrip(t *testing.T) {
	g := newTCW(16)
	tail := bytes.Repeat([]byte{0xAB}, g.KeyExtraSize())
	require.NoError(t, g.Init(tail))

	plaintext := bytes.Repeat([]byte{0xCD}, 512)
	buf := append([]byte(nil), plaintext...)

	iv := make([]byte, 16)
	require.NoError(t, g.Generate(iv, Request{Sector: 99, SectorSize: 512, Data: buf, Write: true}))
	// simulate encryption in place with a trivial reversible transform
	xorAll(buf, 0x5A)
	require.NoError(t, g.Post(iv, Request{Sector: 99, SectorSize: 512, Data: buf, Write: true}))

	// read path: strip whitening, derive iv, decrypt
	iv2 := make([]byte, 16)
	require.NoError(t, g.Generate(iv2, Request{Sector: 99, SectorSize: 512, Data: buf, Write: false}))
	require.Equal(t, iv, iv2)
	xorAll(buf, 0x5A)
	require.Equal(t, plaintext, buf)
}

func TestLMKWriteThenReadTweak(t *testing.T) {
	g := newLMK(16, "")
	plaintext := bytes.Repeat([]byte{0x42}, 512)
	iv := make([]byte, 16)
	require.NoError(t, g.Generate(iv, Request{Sector: 5, SectorSize: 512, Data: plaintext, Write: true}))
	require.NotEqual(t, make([]byte, 16), iv)

	// read side: Generate yields a zero IV; the sector tweak is applied
	// to the decrypted data afterwards by Post, which this test does not
	// call.
	riv := make([]byte, 16)
	require.NoError(t, g.Generate(riv, Request{Sector: 5, SectorSize: 512, Write: false}))
	require.Equal(t, make([]byte, 16), riv)
}

func TestLMKSeedFromKeyTailChangesDigest(t *testing.T) {
	unseeded := newLMK(16, "")
	plaintext := bytes.Repeat([]byte{0x42}, 512)
	ivUnseeded := make([]byte, 16)
	require.NoError(t, unseeded.Generate(ivUnseeded, Request{Sector: 5, SectorSize: 512, Data: plaintext, Write: true}))

	seeded := newLMK(16, "")
	require.Equal(t, 16, seeded.KeyExtraSize())
	require.NoError(t, seeded.Init(bytes.Repeat([]byte{0x11}, seeded.KeyExtraSize())))
	ivSeeded := make([]byte, 16)
	require.NoError(t, seeded.Generate(ivSeeded, Request{Sector: 5, SectorSize: 512, Data: plaintext, Write: true}))

	require.NotEqual(t, ivUnseeded, ivSeeded, "a seed installed via Init must change the derived IV")
}

func xorAll(b []byte, k byte) {
	for i := range b {
		b[i] ^= k
	}
}
