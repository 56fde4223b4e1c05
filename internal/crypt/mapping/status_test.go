package mapping

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-ublk/backend"
)

func TestStatusRoundTripsPositionalFields(t *testing.T) {
	m := newTestMapping(t, "aes-cbc-plain64", "000102030405060708090a0b0c0d0e0f", &Config{
		AllowDiscards: true,
	})

	line := m.Status()
	fields := strings.Fields(line)
	require.Equal(t, "aes-cbc-plain64", fields[0])
	require.Equal(t, "test-device", fields[3])
	require.Contains(t, line, "allow_discards")
}

func TestStatusNeverRevealsInlineKey(t *testing.T) {
	m := newTestMapping(t, "aes-cbc-plain64", "000102030405060708090a0b0c0d0e0f", nil)
	line := m.Status()
	require.NotContains(t, line, "000102030405060708090a0b0c0d0e0f")
}

func TestStatusRoundTripsThroughParseStatus(t *testing.T) {
	m := newTestMapping(t, "aes-cbc-essiv:sha256", "000102030405060708090a0b0c0d0e0f", &Config{
		AllowDiscards: true,
		SameCPUCrypt:  true,
	})

	line := m.Status()
	cfg, err := ParseStatus(line, backend.NewMemory(1<<20), nil, nil)
	require.NoError(t, err)

	require.Equal(t, "aes-cbc-essiv:sha256", cfg.CipherSpec)
	require.Equal(t, "test-device", cfg.DeviceName)
	require.True(t, cfg.AllowDiscards)
	require.True(t, cfg.SameCPUCrypt)
}

func TestStatusShowsDashForUnkeyedMapping(t *testing.T) {
	m, err := New(&Config{
		CipherSpec: "aes-cbc-plain64",
		KeyToken:   "-",
		DeviceName: "test-device",
		Underlying: backend.NewMemory(1 << 20),
	})
	require.NoError(t, err)
	defer m.Close()

	fields := strings.Fields(m.Status())
	require.Equal(t, "-", fields[1])
}
