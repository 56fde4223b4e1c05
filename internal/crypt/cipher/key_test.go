package cipher

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeySubkeySplit(t *testing.T) {
	k := NewKey(bytes.Repeat([]byte{0}, 64))
	for i := range k.bytes {
		k.bytes[i] = byte(i)
	}
	sub0, err := k.Subkey(0, 4, 0)
	require.NoError(t, err)
	sub1, err := k.Subkey(1, 4, 0)
	require.NoError(t, err)
	require.Len(t, sub0, 16)
	require.Equal(t, byte(0), sub0[0])
	require.Equal(t, byte(16), sub1[0])
}

func TestKeySubkeyWithExtra(t *testing.T) {
	k := NewKey(make([]byte, 48)) // 32 usable + 16 extra (tcw-style, N=16)
	sub, err := k.Subkey(0, 2, 16)
	require.NoError(t, err)
	require.Len(t, sub, 16)
	tail, err := k.Tail(16)
	require.NoError(t, err)
	require.Len(t, tail, 16)
}

func TestKeyWipeInvalidates(t *testing.T) {
	k := NewKey([]byte{1, 2, 3, 4})
	require.True(t, k.Valid())
	k.Wipe()
	require.False(t, k.Valid())
}

func TestParseInlineHexAndNone(t *testing.T) {
	b, err := ParseInlineHex("00ff")
	require.NoError(t, err)
	require.Equal(t, []byte{0x00, 0xff}, b)

	none, err := ParseInlineHex("-")
	require.NoError(t, err)
	require.Nil(t, none)

	_, err = ParseInlineHex("not-hex!")
	require.Error(t, err)
}

func TestParseKeyringRef(t *testing.T) {
	ref, ok, err := ParseKeyringRef(":32:logon:my-disk-key")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 32, ref.Size)
	require.Equal(t, "logon", ref.Type)
	require.Equal(t, "my-disk-key", ref.Description)

	_, ok, err = ParseKeyringRef("deadbeef")
	require.NoError(t, err)
	require.False(t, ok)

	_, _, err = ParseKeyringRef(":32:logon:has space")
	require.Error(t, err)
}

func TestComposeAuthencKeyLayout(t *testing.T) {
	mac := []byte{0xAA, 0xAA}
	enc := []byte{0xBB, 0xBB, 0xBB, 0xBB}
	composite := ComposeAuthencKey(mac, enc)
	require.Len(t, composite, 4+4+len(mac)+len(enc))
	require.Equal(t, mac, composite[8:10])
	require.Equal(t, enc, composite[10:14])
}
