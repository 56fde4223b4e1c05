package mapping

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-ublk/backend"
)

func TestSuspendRejectsIO(t *testing.T) {
	m := newTestMapping(t, "aes-cbc-plain64", "000102030405060708090a0b0c0d0e0f", nil)
	m.Suspend()

	_, err := m.WriteAt(make([]byte, 512), 0)
	require.ErrorIs(t, err, ErrSuspended)

	_, err = m.ReadAt(make([]byte, 512), 0)
	require.ErrorIs(t, err, ErrSuspended)
}

func TestResumeRequiresValidKey(t *testing.T) {
	underlying := backend.NewMemory(1 << 20)
	m, err := New(&Config{
		CipherSpec: "aes-cbc-plain64",
		KeyToken:   "-",
		DeviceName: "crypt1",
		Underlying: underlying,
	})
	require.NoError(t, err)
	defer m.Close()

	m.Suspend()
	require.ErrorIs(t, m.Resume(), ErrKeyInvalid)
}

func TestSetKeyRequiresSuspended(t *testing.T) {
	underlying := backend.NewMemory(1 << 20)
	m, err := New(&Config{
		CipherSpec: "aes-cbc-plain64",
		KeyToken:   "-",
		DeviceName: "crypt1",
		Underlying: underlying,
	})
	require.NoError(t, err)
	defer m.Close()

	require.ErrorIs(t, m.SetKey("000102030405060708090a0b0c0d0e0f"), ErrNotSuspended)
}

func TestSetKeyThenResumeAllowsIO(t *testing.T) {
	underlying := backend.NewMemory(1 << 20)
	m, err := New(&Config{
		CipherSpec: "aes-cbc-plain64",
		KeyToken:   "-",
		DeviceName: "crypt1",
		Underlying: underlying,
	})
	require.NoError(t, err)
	defer m.Close()

	m.Suspend()
	require.NoError(t, m.SetKey("000102030405060708090a0b0c0d0e0f"))
	require.NoError(t, m.Resume())

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

func TestWipeKeyRequiresSuspendedAndInvalidatesKey(t *testing.T) {
	m := newTestMapping(t, "aes-cbc-plain64", "000102030405060708090a0b0c0d0e0f", nil)

	require.ErrorIs(t, m.WipeKey(), ErrNotSuspended)

	m.Suspend()
	require.NoError(t, m.WipeKey())
	require.False(t, m.flags.has(FlagKeyValid))
	require.ErrorIs(t, m.Resume(), ErrKeyInvalid)

	_, err := m.ReadAt(make([]byte, 512), 0)
	require.ErrorIs(t, err, ErrSuspended)
}
