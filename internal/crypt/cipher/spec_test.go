package cipher

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseBareCipherShim(t *testing.T) {
	s, err := Parse("aes")
	require.NoError(t, err)
	require.Equal(t, "aes", s.Cipher)
	require.Equal(t, ChainCBC, s.Chain)
	require.Equal(t, "plain", s.IVMode)
}

func TestParseLegacyWithKeycount(t *testing.T) {
	s, err := Parse("aes:4-cbc-essiv:sha256")
	require.NoError(t, err)
	require.Equal(t, "aes", s.Cipher)
	require.Equal(t, ChainCBC, s.Chain)
	require.Equal(t, "essiv", s.IVMode)
	require.Equal(t, "sha256", s.IVOpts)
	require.Equal(t, 4, s.TfmsCount)
	require.Equal(t, 4, s.KeyParts)
}

func TestParseLegacyRejectsNonPowerOfTwoKeycount(t *testing.T) {
	_, err := Parse("aes:3-cbc-plain")
	require.Error(t, err)
}

func TestParseLegacyXTS(t *testing.T) {
	s, err := Parse("aes-xts-plain64")
	require.NoError(t, err)
	require.Equal(t, ChainXTS, s.Chain)
	require.Equal(t, "plain64", s.IVMode)
}

func TestParseOffloadChainMode(t *testing.T) {
	s, err := Parse("aes-disk-plain64")
	require.NoError(t, err)
	require.True(t, s.Offload)
}

func TestParseCapiAEAD(t *testing.T) {
	s, err := Parse("capi:authenc(hmac(sha256),cbc(aes))-essiv:sha256")
	require.NoError(t, err)
	require.Equal(t, GrammarCapi, s.Grammar)
	require.True(t, s.AEAD)
	require.Equal(t, "sha256", s.AuthAlg)
	require.Equal(t, "essiv", s.IVMode)
	require.Equal(t, "sha256", s.IVOpts)
}

func TestParseCapiGCM(t *testing.T) {
	s, err := Parse("capi:gcm(aes)-random")
	require.NoError(t, err)
	require.True(t, s.AEAD)
	require.Equal(t, "random", s.IVMode)
}

func TestParseCapiRejectsMissingIVMode(t *testing.T) {
	_, err := Parse("capi:cbc(aes)")
	require.Error(t, err)
}
