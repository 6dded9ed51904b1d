package store

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestItemRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		item LogItem
	}{
		{"normal", LogItem{Index: 42, Term: 7, PrevLogTerm: 6, Type: TypeNormal, Data: []byte("put k v")}},
		{"heartbeat", LogItem{Index: 1, Term: 1, Type: TypeHeartbeat}},
		{"config", LogItem{Index: 1 << 40, Term: 1 << 31, PrevLogTerm: 3, Type: TypeCommitConfigChange, Data: make([]byte, 4096)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame := EncodeItem(nil, &tt.item)
			require.Len(t, frame, ItemHeaderSize+len(tt.item.Data))

			got, n, err := DecodeItem(frame)
			require.NoError(t, err)
			require.Equal(t, len(frame), n)
			require.Equal(t, tt.item.Index, got.Index)
			require.Equal(t, tt.item.Term, got.Term)
			require.Equal(t, tt.item.PrevLogTerm, got.PrevLogTerm)
			require.Equal(t, tt.item.Type, got.Type)
			require.Equal(t, len(tt.item.Data), len(got.Data))
			if len(tt.item.Data) > 0 {
				require.Equal(t, tt.item.Data, got.Data)
			}
		})
	}
}

func TestItemLayout(t *testing.T) {
	frame := EncodeItem(nil, &LogItem{Index: 0x0102030405060708, Term: 0x0A0B0C0D, PrevLogTerm: 0x11121314, Type: TypeDropConfigChange, Data: []byte{0xFF}})

	require.Equal(t, []byte{0, 0, 0, 26}, frame[4:8], "total length")
	require.Equal(t, byte(TypeDropConfigChange), frame[8])
	require.Equal(t, []byte{0x0A, 0x0B, 0x0C, 0x0D}, frame[9:13])
	require.Equal(t, []byte{0x11, 0x12, 0x13, 0x14}, frame[13:17])
	require.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, frame[17:25])
	require.Equal(t, byte(0xFF), frame[25])
}

func TestItemChecksum(t *testing.T) {
	frame := EncodeItem(nil, &LogItem{Index: 3, Term: 2, PrevLogTerm: 2, Data: []byte("hello")})

	for _, off := range []int{4, 8, 9, 13, 17, ItemHeaderSize} {
		bad := append([]byte(nil), frame...)
		bad[off] ^= 0x40
		_, _, err := DecodeItem(bad)
		require.Error(t, err, "flip at %d", off)
	}

	_, _, err := DecodeItem(frame[:10])
	require.ErrorIs(t, err, ErrShortItem)
	_, _, err = DecodeItem(frame[:len(frame)-1])
	require.ErrorIs(t, err, ErrShortItem)
}

func TestSegmentHeader(t *testing.T) {
	hdr := encodeSegmentHeader()
	require.Equal(t, []byte{0x7C, 0x3F, 0xA7, 0xB6, 0, 0, 0, 1}, hdr)
	require.NoError(t, checkSegmentHeader(hdr))

	hdr[7] = 2
	require.ErrorIs(t, checkSegmentHeader(hdr), ErrBadVersion)
	hdr[0] = 0
	require.ErrorIs(t, checkSegmentHeader(hdr), ErrBadMagic)
}

func TestItemTypeString(t *testing.T) {
	require.Equal(t, "heartbeat", TypeHeartbeat.String())
	require.Equal(t, "prepareConfigChange", TypePrepareConfigChange.String())
	require.Equal(t, "unknown", ItemType(99).String())
}
