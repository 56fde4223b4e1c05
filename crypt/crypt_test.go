package crypt

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-ublk/backend"
)

func TestNewFromLineRoundTrips(t *testing.T) {
	underlying := backend.NewMemory(1 << 20)
	m, err := NewFromLine("aes-cbc-plain64 000102030405060708090a0b0c0d0e0f 0 crypt1 0", underlying, nil, nil)
	require.NoError(t, err)
	defer m.Close()

	plain := make([]byte, 512)
	for i := range plain {
		plain[i] = byte(i)
	}
	_, err = m.WriteAt(plain, 0)
	require.NoError(t, err)

	back := make([]byte, 512)
	_, err = m.ReadAt(back, 0)
	require.NoError(t, err)
	require.Equal(t, plain, back)
}

func TestNewFromLineRejectsMalformedLine(t *testing.T) {
	underlying := backend.NewMemory(1 << 20)
	_, err := NewFromLine("aes-cbc-plain64 - 0", underlying, nil, nil)
	require.Error(t, err)
}
