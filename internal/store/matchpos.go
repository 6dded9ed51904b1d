package store

import "context"

// TermSource exposes the terms of a contiguous range of log indexes.
// The in-memory tail cache and the on-disk log both implement it, so the
// match search runs unchanged over either.
type TermSource interface {
	FirstIndex() uint64
	LastIndex() uint64
	TermAt(ctx context.Context, index uint64) (uint32, error)
}

// MatchCandidate reports whether a local entry (term, index) may be the
// match position for a follower whose log ends at (suggestTerm,
// suggestIndex). Entries of a later term never match. An entry of the same
// term matches up to suggestIndex; an entry of an earlier term matches only
// strictly before it.
func MatchCandidate(term uint32, index uint64, suggestTerm uint32, suggestIndex uint64) bool {
	switch {
	case term > suggestTerm:
		return false
	case term == suggestTerm:
		return index <= suggestIndex
	default:
		return index < suggestIndex
	}
}

// SearchMatchPos binary searches src for the highest index satisfying
// MatchCandidate. Terms are non-decreasing along the log, so the
// candidates form a prefix of the range.
func SearchMatchPos(ctx context.Context, src TermSource, suggestTerm uint32, suggestIndex uint64) (uint32, uint64, bool, error) {
	lo := src.FirstIndex()
	hi := src.LastIndex()
	if hi > suggestIndex {
		hi = suggestIndex
	}
	if lo == 0 || lo > hi {
		return 0, 0, false, nil
	}
	loTerm, err := src.TermAt(ctx, lo)
	if err != nil {
		return 0, 0, false, err
	}
	if !MatchCandidate(loTerm, lo, suggestTerm, suggestIndex) {
		return 0, 0, false, nil
	}
	return searchRange(ctx, src.TermAt, lo, loTerm, hi, suggestTerm, suggestIndex)
}

// searchRange finds the last candidate in [lo, hi] given that lo is one.
func searchRange(ctx context.Context, termAt func(context.Context, uint64) (uint32, error),
	lo uint64, loTerm uint32, hi uint64, suggestTerm uint32, suggestIndex uint64) (uint32, uint64, bool, error) {
	for lo < hi {
		if err := ctx.Err(); err != nil {
			return 0, 0, false, err
		}
		mid := (lo + hi + 1) / 2
		t, err := termAt(ctx, mid)
		if err != nil {
			return 0, 0, false, err
		}
		if MatchCandidate(t, mid, suggestTerm, suggestIndex) {
			lo, loTerm = mid, t
		} else {
			hi = mid - 1
		}
	}
	return loTerm, lo, true, nil
}
