package raft

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/KilimcininKorOglu/raftkv/internal/logging"
	"github.com/KilimcininKorOglu/raftkv/internal/store"
)

// newFollower returns node 2 of a two node group that never elects, so
// the test drives it through HandleAppendEntries alone.
func newFollower(t *testing.T) (*Server, *store.MemRaftLog, *recordSM) {
	t.Helper()
	log := store.NewMemRaftLog()
	sm := &recordSM{}
	srv := NewServer(ServerOptions{
		NodeID:       2,
		Servers:      []int{1, 2},
		ElectTimeout: time.Hour,
	}, NewInMemoryNetwork().Transport(2), logging.NewNop())
	_, err := srv.AddGroup(context.Background(), GroupOptions{
		GroupID:      testGroup,
		Members:      []int{1, 2},
		StateMachine: sm,
		OpenLog:      func(store.Progress) (store.RaftLog, error) { return log, nil },
	})
	require.NoError(t, err)
	t.Cleanup(srv.Stop)
	return srv, log, sm
}

func entries(from, to uint64, term, prevTerm uint32) []*store.LogItem {
	var out []*store.LogItem
	for i := from; i <= to; i++ {
		out = append(out, &store.LogItem{
			Index:       i,
			Term:        term,
			PrevLogTerm: prevTerm,
			Type:        store.TypeNormal,
			Data:        []byte(fmt.Sprintf("%d@%d", i, term)),
		})
		prevTerm = term
	}
	return out
}

func appendReq(term uint32, prevIndex uint64, prevTerm uint32, commit uint64, items []*store.LogItem) *AppendEntriesRequest {
	return &AppendEntriesRequest{
		GroupID:      testGroup,
		Term:         term,
		LeaderID:     1,
		PrevLogIndex: prevIndex,
		PrevLogTerm:  prevTerm,
		LeaderCommit: commit,
		Entries:      items,
	}
}

func TestHandleAppendEntries(t *testing.T) {
	srv, log, sm := newFollower(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	send := func(req *AppendEntriesRequest) *AppendEntriesResponse {
		t.Helper()
		resp, err := srv.HandleAppendEntries(ctx, req)
		require.NoError(t, err)
		return resp
	}
	status := func() *ShareStatus {
		ss, err := srv.Status(testGroup)
		require.NoError(t, err)
		return ss
	}

	resp := send(appendReq(1, 0, 0, 5, entries(1, 5, 1, 0)))
	require.True(t, resp.Success)
	require.Equal(t, AppendCodeSuccess, resp.AppendCode)
	require.Eventually(t, func() bool {
		return len(sm.records()) == 5 && status().LeaderID == 1
	}, 5*time.Second, 5*time.Millisecond)
	require.Equal(t, uint64(5), status().CommitIndex)

	resp = send(appendReq(2, 5, 1, 5, entries(6, 8, 2, 1)))
	require.True(t, resp.Success)
	require.Equal(t, uint32(2), resp.Term)
	require.Equal(t, uint64(8), status().LastLogIndex)

	t.Run("prev term differs at last index", func(t *testing.T) {
		resp := send(appendReq(3, 8, 3, 5, entries(9, 9, 3, 3)))
		require.False(t, resp.Success)
		require.Equal(t, AppendCodeLogNotMatch, resp.AppendCode)
		require.Equal(t, uint64(8), resp.MaxLogIndex)
		require.Equal(t, uint32(2), resp.MaxLogTerm)
	})

	t.Run("prev index beyond last", func(t *testing.T) {
		resp := send(appendReq(3, 10, 3, 5, entries(11, 11, 3, 3)))
		require.Equal(t, AppendCodeLogNotMatch, resp.AppendCode)
		require.Equal(t, uint64(8), resp.MaxLogIndex)
		require.Equal(t, uint32(2), resp.MaxLogTerm)
	})

	t.Run("conflicting suffix is replaced", func(t *testing.T) {
		resp := send(appendReq(3, 5, 1, 5, entries(6, 7, 3, 1)))
		require.True(t, resp.Success)
		ss := status()
		require.Equal(t, uint64(7), ss.LastLogIndex)
		require.Equal(t, uint64(7), ss.LastForceLogIndex)

		term, err := log.TermAt(ctx, 7)
		require.NoError(t, err)
		require.Equal(t, uint32(3), term)
		_, err = log.TermAt(ctx, 8)
		require.ErrorIs(t, err, store.ErrIndexOutOfRange)
	})

	t.Run("prev index below commit", func(t *testing.T) {
		resp := send(appendReq(3, 3, 1, 5, entries(4, 4, 1, 1)))
		require.False(t, resp.Success)
		require.Equal(t, AppendCodePrevLogIndexLessThanLocalCommit, resp.AppendCode)
		require.Equal(t, uint64(5), resp.MaxLogIndex)
	})

	t.Run("empty entries", func(t *testing.T) {
		resp := send(appendReq(3, 7, 3, 5, nil))
		require.Equal(t, AppendCodeClientReqError, resp.AppendCode)
	})

	t.Run("entries with a gap", func(t *testing.T) {
		items := entries(8, 10, 3, 3)
		items = append(items[:1], items[2:]...)
		resp := send(appendReq(3, 7, 3, 5, items))
		require.Equal(t, AppendCodeClientReqError, resp.AppendCode)
	})

	t.Run("stale term", func(t *testing.T) {
		resp := send(appendReq(2, 7, 3, 7, entries(8, 8, 2, 3)))
		require.False(t, resp.Success)
		require.Equal(t, uint32(3), resp.Term)
		require.Equal(t, uint64(7), status().LastLogIndex)
	})

	t.Run("resend of known entries is idempotent", func(t *testing.T) {
		resp := send(appendReq(3, 5, 1, 7, entries(6, 7, 3, 1)))
		require.True(t, resp.Success)
		require.Eventually(t, func() bool {
			return status().LastApplied == 7
		}, 5*time.Second, 5*time.Millisecond)
		require.Equal(t, []string{"1@1", "2@1", "3@1", "4@1", "5@1", "6@3", "7@3"}, sm.records())
	})
}

func TestHandleAppendEntriesCommitCappedByEntries(t *testing.T) {
	srv, _, sm := newFollower(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := srv.HandleAppendEntries(ctx, appendReq(1, 0, 0, 100, entries(1, 3, 1, 0)))
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.Eventually(t, func() bool {
		return len(sm.records()) == 3
	}, 5*time.Second, 5*time.Millisecond)
	ss, err := srv.Status(testGroup)
	require.NoError(t, err)
	require.Equal(t, uint64(3), ss.CommitIndex)
}

func TestHandleRequestVote(t *testing.T) {
	srv, _, _ := newFollower(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := srv.HandleAppendEntries(ctx, appendReq(2, 0, 0, 0, entries(1, 3, 2, 0)))
	require.NoError(t, err)

	vote := func(req RequestVoteRequest) *RequestVoteResponse {
		t.Helper()
		req.GroupID = testGroup
		resp, err := srv.HandleRequestVote(ctx, &req)
		require.NoError(t, err)
		return resp
	}

	// The leader was just heard from.
	resp := vote(RequestVoteRequest{Term: 3, CandidateID: 1, LastLogIndex: 3, LastLogTerm: 2, PreVote: true})
	require.False(t, resp.VoteGranted)

	resp = vote(RequestVoteRequest{Term: 1, CandidateID: 1, LastLogIndex: 3, LastLogTerm: 2})
	require.False(t, resp.VoteGranted)
	require.Equal(t, uint32(2), resp.Term)

	// Behind on log.
	resp = vote(RequestVoteRequest{Term: 3, CandidateID: 1, LastLogIndex: 2, LastLogTerm: 2})
	require.False(t, resp.VoteGranted)
	require.Equal(t, uint32(3), resp.Term)

	resp = vote(RequestVoteRequest{Term: 3, CandidateID: 1, LastLogIndex: 3, LastLogTerm: 2})
	require.True(t, resp.VoteGranted)

	// Only one vote per term.
	resp = vote(RequestVoteRequest{Term: 3, CandidateID: 3, LastLogIndex: 9, LastLogTerm: 3})
	require.False(t, resp.VoteGranted)
}
