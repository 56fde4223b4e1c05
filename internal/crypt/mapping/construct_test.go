package mapping

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-ublk/backend"
)

func TestParseLineDecodesPositionalFields(t *testing.T) {
	underlying := backend.NewMemory(1 << 20)
	cfg, err := ParseLine("aes-cbc-plain64 000102030405060708090a0b0c0d0e0f 0 crypt1 0", underlying, nil, nil)
	require.NoError(t, err)
	require.Equal(t, "aes-cbc-plain64", cfg.CipherSpec)
	require.Equal(t, "000102030405060708090a0b0c0d0e0f", cfg.KeyToken)
	require.Equal(t, uint64(0), cfg.IVOffset)
	require.Equal(t, "crypt1", cfg.DeviceName)
	require.Equal(t, uint64(0), cfg.Start)
}

func TestParseLineDecodesFeatureArguments(t *testing.T) {
	underlying := backend.NewMemory(1 << 20)
	line := "aes-xts-plain64 - 0 crypt1 0 4 allow_discards same_cpu_crypt sector_size:4096 integrity:16:aead"
	cfg, err := ParseLine(line, underlying, nil, nil)
	require.NoError(t, err)
	require.True(t, cfg.AllowDiscards)
	require.True(t, cfg.SameCPUCrypt)
	require.Equal(t, 4096, cfg.SectorSize)
	require.Equal(t, 16, cfg.IntegrityTagBytes)
	require.Equal(t, "aead", cfg.IntegrityProfile)
}

func TestParseLineRejectsMismatchedFeatureCount(t *testing.T) {
	underlying := backend.NewMemory(1 << 20)
	_, err := ParseLine("aes-cbc-plain64 - 0 crypt1 0 2 allow_discards", underlying, nil, nil)
	require.Error(t, err)
}

func TestParseLineRejectsTooFewFields(t *testing.T) {
	_, err := ParseLine("aes-cbc-plain64 - 0", nil, nil, nil)
	require.Error(t, err)
}

func TestNewRejectsOffloadChainMode(t *testing.T) {
	underlying := backend.NewMemory(1 << 20)
	cfg := &Config{
		CipherSpec: "aes-disk-plain",
		KeyToken:   "-",
		DeviceName: "crypt1",
		Underlying: underlying,
	}
	_, err := New(cfg)
	require.Error(t, err)
}

func TestNewWithDeferredKeyLeavesKeyInvalid(t *testing.T) {
	underlying := backend.NewMemory(1 << 20)
	cfg := &Config{
		CipherSpec: "aes-cbc-plain64",
		KeyToken:   "-",
		DeviceName: "crypt1",
		Underlying: underlying,
	}
	m, err := New(cfg)
	require.NoError(t, err)
	defer m.Close()

	require.False(t, m.flags.has(FlagKeyValid))
	_, err = m.ReadAt(make([]byte, 512), 0)
	require.Error(t, err)
}
