package store

import "errors"

// Store errors.
var (
	// ErrChecksum is returned when an item or status file fails its checksum.
	// It is never retried.
	ErrChecksum = errors.New("store: checksum mismatch")

	// ErrShortItem is returned when a buffer does not hold a complete item.
	ErrShortItem = errors.New("store: incomplete item")

	// ErrBadMagic is returned when a segment does not start with the segment magic.
	ErrBadMagic = errors.New("store: bad segment magic")

	// ErrBadVersion is returned for segments written by an unknown format version.
	ErrBadVersion = errors.New("store: unsupported segment version")

	// ErrItemTooLarge is returned when an item cannot fit in an empty segment.
	ErrItemTooLarge = errors.New("store: item larger than segment")

	// ErrIndexGap is returned when appended items do not continue the log.
	ErrIndexGap = errors.New("store: non-contiguous append")

	// ErrIndexDeleted is returned when the requested index was removed by retention.
	ErrIndexDeleted = errors.New("store: index already deleted")

	// ErrIndexOutOfRange is returned when reading past the last index.
	ErrIndexOutOfRange = errors.New("store: index out of range")

	// ErrTruncateCommitted is returned when truncating below the first index.
	ErrTruncateCommitted = errors.New("store: truncate below first index")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("store: closed")

	// ErrInstalling is returned while a snapshot install is in progress.
	ErrInstalling = errors.New("store: snapshot install in progress")
)
