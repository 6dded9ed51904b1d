package store

import (
	"encoding/binary"
	"hash/crc32"
)

// ItemType identifies the kind of a log item.
type ItemType uint8

const (
	// TypeNormal carries a state machine command.
	TypeNormal ItemType = iota
	// TypeHeartbeat is appended by a new leader and replicated as keepalive. Never applied.
	TypeHeartbeat
	// TypePrepareConfigChange starts a joint consensus round.
	TypePrepareConfigChange
	// TypeDropConfigChange aborts the prepared configuration.
	TypeDropConfigChange
	// TypeCommitConfigChange makes the prepared configuration current.
	TypeCommitConfigChange
)

// String returns the string representation of an ItemType.
func (t ItemType) String() string {
	switch t {
	case TypeNormal:
		return "normal"
	case TypeHeartbeat:
		return "heartbeat"
	case TypePrepareConfigChange:
		return "prepareConfigChange"
	case TypeDropConfigChange:
		return "dropConfigChange"
	case TypeCommitConfigChange:
		return "commitConfigChange"
	default:
		return "unknown"
	}
}

// LogItem is one record of the replicated log.
type LogItem struct {
	Index       uint64   `msgpack:"i"`
	Term        uint32   `msgpack:"t"`
	PrevLogTerm uint32   `msgpack:"p"`
	Type        ItemType `msgpack:"y"`
	Timestamp   int64    `msgpack:"ts"`
	Data        []byte   `msgpack:"d"`
}

// Size returns the number of bytes the item occupies in a segment.
func (it *LogItem) Size() int {
	return ItemHeaderSize + len(it.Data)
}

// Segment and item layout.
//
// Segment header:
//
//	magic:u32 version:u32
//
// Item:
//
//	crc32c:u32 totalLen:u32 type:u8 term:u32 prevLogTerm:u32 index:u64 payload
//
// All integers are big-endian. totalLen includes the header. The checksum
// covers every byte after the crc field up to the end of the payload.
const (
	SegmentMagic      uint32 = 0x7C3FA7B6
	SegmentVersion    uint32 = 1
	SegmentHeaderSize        = 8
	ItemHeaderSize           = 25
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// EncodeItem appends the framed form of it to dst.
func EncodeItem(dst []byte, it *LogItem) []byte {
	start := len(dst)
	total := it.Size()
	dst = append(dst, make([]byte, total)...)
	b := dst[start:]
	binary.BigEndian.PutUint32(b[4:], uint32(total))
	b[8] = byte(it.Type)
	binary.BigEndian.PutUint32(b[9:], it.Term)
	binary.BigEndian.PutUint32(b[13:], it.PrevLogTerm)
	binary.BigEndian.PutUint64(b[17:], it.Index)
	copy(b[ItemHeaderSize:], it.Data)
	binary.BigEndian.PutUint32(b[0:], crc32.Checksum(b[4:total], castagnoli))
	return dst
}

// itemHeader is the decoded fixed part of an item frame.
type itemHeader struct {
	crc         uint32
	totalLen    uint32
	typ         ItemType
	term        uint32
	prevLogTerm uint32
	index       uint64
}

func decodeHeader(b []byte) itemHeader {
	return itemHeader{
		crc:         binary.BigEndian.Uint32(b[0:]),
		totalLen:    binary.BigEndian.Uint32(b[4:]),
		typ:         ItemType(b[8]),
		term:        binary.BigEndian.Uint32(b[9:]),
		prevLogTerm: binary.BigEndian.Uint32(b[13:]),
		index:       binary.BigEndian.Uint64(b[17:]),
	}
}

// empty reports whether the header marks the end of written data.
func (h itemHeader) empty() bool {
	return h.crc == 0 && h.totalLen == 0
}

// DecodeItem decodes one framed item from b, which must hold at least the
// whole frame. It returns the item and the frame length.
func DecodeItem(b []byte) (*LogItem, int, error) {
	if len(b) < ItemHeaderSize {
		return nil, 0, ErrShortItem
	}
	h := decodeHeader(b)
	if h.totalLen < ItemHeaderSize || int(h.totalLen) > len(b) {
		return nil, 0, ErrShortItem
	}
	if crc32.Checksum(b[4:h.totalLen], castagnoli) != h.crc {
		return nil, 0, ErrChecksum
	}
	it := &LogItem{
		Index:       h.index,
		Term:        h.term,
		PrevLogTerm: h.prevLogTerm,
		Type:        h.typ,
	}
	if n := int(h.totalLen) - ItemHeaderSize; n > 0 {
		it.Data = make([]byte, n)
		copy(it.Data, b[ItemHeaderSize:h.totalLen])
	}
	return it, int(h.totalLen), nil
}

func encodeSegmentHeader() []byte {
	b := make([]byte, SegmentHeaderSize)
	binary.BigEndian.PutUint32(b[0:], SegmentMagic)
	binary.BigEndian.PutUint32(b[4:], SegmentVersion)
	return b
}

func checkSegmentHeader(b []byte) error {
	if binary.BigEndian.Uint32(b[0:]) != SegmentMagic {
		return ErrBadMagic
	}
	if v := binary.BigEndian.Uint32(b[4:]); v != SegmentVersion {
		return ErrBadVersion
	}
	return nil
}
