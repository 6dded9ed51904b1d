// Package store implements the durable, segmented raft log.
//
// The log lives in a linear position space cut into fixed-size segment
// files. Each file begins with an 8-byte header (magic, version) followed by
// framed items. An item never straddles two files: when it does not fit in
// the space left, writing continues at the start of the next segment. A
// second set of files records the position of every index so that random
// reads and truncation need no scanning.
//
// Progress markers (term, vote, persisted idx, snapshot install markers)
// are kept by StatusManager in a small properties file that is replaced
// atomically on every change.
//
// FileRaftLog ties these together behind the RaftLog interface. MemRaftLog
// is an in-memory implementation for tests.
package store
