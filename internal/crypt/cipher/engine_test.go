package cipher

import (
	"bytes"
	"testing"

	"github.com/ehrlich-b/go-ublk/internal/crypt/request"
	"github.com/stretchr/testify/require"
)

func TestCBCEngineRoundTrip(t *testing.T) {
	e := NewCBCEngine(AESBlock)
	require.NoError(t, e.SetKey(bytes.Repeat([]byte{0x01}, 32)))

	plaintext := bytes.Repeat([]byte{0x42}, 512)
	buf := append([]byte(nil), plaintext...)
	req := &request.Request{IV: make([]byte, e.IVSize()), Data: buf}

	_, err := e.Encrypt(req, nil)
	require.NoError(t, err)
	require.NotEqual(t, plaintext, buf)

	req2 := &request.Request{IV: append([]byte(nil), req.IV...), Data: buf}
	_, err = e.Decrypt(req2, nil)
	require.NoError(t, err)
	require.Equal(t, plaintext, buf)
}

func TestXTSEngineRoundTripDifferentSectorsDiffer(t *testing.T) {
	e := NewXTSEngine(AESBlock)
	require.NoError(t, e.SetKey(bytes.Repeat([]byte{0x02}, 64)))

	plaintext := bytes.Repeat([]byte{0x99}, 512)

	buf1 := append([]byte(nil), plaintext...)
	req1 := &request.Request{Sector: 0, Data: buf1}
	_, err := e.Encrypt(req1, nil)
	require.NoError(t, err)

	buf2 := append([]byte(nil), plaintext...)
	req2 := &request.Request{Sector: 1, Data: buf2}
	_, err = e.Encrypt(req2, nil)
	require.NoError(t, err)

	require.NotEqual(t, buf1, buf2)

	_, err = e.Decrypt(req1, nil)
	require.NoError(t, err)
	require.Equal(t, plaintext, buf1)
}

func TestAEADEngineRoundTripAndTamperDetection(t *testing.T) {
	e := NewAEADEngine(NewAESGCM)
	require.NoError(t, e.SetKey(bytes.Repeat([]byte{0x03}, 32)))

	plaintext := bytes.Repeat([]byte{0x77}, 512)
	buf := append([]byte(nil), plaintext...)
	tag := make([]byte, e.TagSize())
	iv := make([]byte, e.IVSize())
	req := &request.Request{Sector: 5, IV: iv, OrgIV: append([]byte(nil), iv...), Data: buf, Tag: tag, AEAD: true}

	_, err := e.Encrypt(req, nil)
	require.NoError(t, err)

	// tamper with the tag: read must fail with ErrIntegrity.
	tampered := append([]byte(nil), tag...)
	tampered[0] ^= 0xFF
	badReq := &request.Request{Sector: 5, IV: iv, OrgIV: append([]byte(nil), iv...), Data: append([]byte(nil), buf...), Tag: tampered, AEAD: true}
	_, err = e.Decrypt(badReq, nil)
	require.ErrorIs(t, err, ErrIntegrity)

	goodReq := &request.Request{Sector: 5, IV: iv, OrgIV: append([]byte(nil), iv...), Data: buf, Tag: tag, AEAD: true}
	_, err = e.Decrypt(goodReq, nil)
	require.NoError(t, err)
	require.Equal(t, plaintext, goodReq.Data)
}

func TestHMACIntegrityProfileDetectsTamper(t *testing.T) {
	p := NewHMACProfile(bytes.Repeat([]byte{0x09}, 32), 32)
	var sectorLE [8]byte
	sectorLE[0] = 7
	ciphertext := bytes.Repeat([]byte{0x55}, 512)

	tag := make([]byte, p.TagSize())
	p.Authenticate(tag, sectorLE, ciphertext)
	require.True(t, p.Verify(tag, sectorLE, ciphertext))

	ciphertext[0] ^= 1
	require.False(t, p.Verify(tag, sectorLE, ciphertext))
}
