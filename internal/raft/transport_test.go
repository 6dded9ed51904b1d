package raft

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/KilimcininKorOglu/raftkv/internal/logging"
	"github.com/KilimcininKorOglu/raftkv/internal/store"
)

// stubHandler answers every request and keeps the last AppendEntries.
type stubHandler struct {
	id    int
	last  atomic.Pointer[AppendEntriesRequest]
	pings atomic.Int32
}

func (h *stubHandler) HandleAppendEntries(_ context.Context, req *AppendEntriesRequest) (*AppendEntriesResponse, error) {
	h.last.Store(req)
	return &AppendEntriesResponse{Term: req.Term, Success: true, MaxLogIndex: uint64(len(req.Entries))}, nil
}

func (h *stubHandler) HandleRequestVote(_ context.Context, req *RequestVoteRequest) (*RequestVoteResponse, error) {
	return &RequestVoteResponse{Term: req.Term, VoteGranted: req.CandidateID == 1}, nil
}

func (h *stubHandler) HandleInstallSnapshot(_ context.Context, req *InstallSnapshotRequest) (*InstallSnapshotResponse, error) {
	return &InstallSnapshotResponse{Term: req.Term, Success: req.Done}, nil
}

func (h *stubHandler) HandleTransferLeader(_ context.Context, req *TransferLeaderRequest) (*TransferLeaderResponse, error) {
	return &TransferLeaderResponse{Term: req.Term, Success: true}, nil
}

func (h *stubHandler) HandlePing(_ context.Context, req *PingRequest) (*PingResponse, error) {
	h.pings.Add(1)
	return &PingResponse{NodeID: h.id, UUID: "stub"}, nil
}

func sampleAppend() *AppendEntriesRequest {
	return &AppendEntriesRequest{
		GroupID:      3,
		Term:         7,
		LeaderID:     1,
		PrevLogIndex: 10,
		PrevLogTerm:  6,
		LeaderCommit: 9,
		Entries: []*store.LogItem{
			{Index: 11, Term: 7, PrevLogTerm: 6, Type: store.TypeNormal, Data: []byte("a")},
			{Index: 12, Term: 7, PrevLogTerm: 7, Type: store.TypeHeartbeat},
		},
	}
}

func TestInMemoryTransportDelivers(t *testing.T) {
	net := NewInMemoryNetwork()
	a, b := net.Transport(1), net.Transport(2)
	h := &stubHandler{id: 2}
	require.NoError(t, b.Start(h))
	ctx := context.Background()

	req := sampleAppend()
	resp, err := a.AppendEntries(ctx, 2, req)
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.Equal(t, uint64(2), resp.MaxLogIndex)

	got := h.last.Load()
	require.NotSame(t, req, got)
	require.Equal(t, req.PrevLogIndex, got.PrevLogIndex)
	require.Equal(t, uint64(12), got.Entries[1].Index)
	require.Equal(t, store.TypeHeartbeat, got.Entries[1].Type)
	got.Entries[0].Data[0] = 'z'
	require.Equal(t, byte('a'), req.Entries[0].Data[0])

	vote, err := a.RequestVote(ctx, 2, &RequestVoteRequest{Term: 3, CandidateID: 1})
	require.NoError(t, err)
	require.True(t, vote.VoteGranted)

	ping, err := a.Ping(ctx, 2, &PingRequest{NodeID: 1})
	require.NoError(t, err)
	require.Equal(t, 2, ping.NodeID)
}

func TestInMemoryTransportFaults(t *testing.T) {
	net := NewInMemoryNetwork()
	a, b, c := net.Transport(1), net.Transport(2), net.Transport(3)
	require.NoError(t, b.Start(&stubHandler{id: 2}))
	require.NoError(t, c.Start(&stubHandler{id: 3}))
	ctx := context.Background()

	_, err := a.Ping(ctx, 4, &PingRequest{NodeID: 1})
	require.ErrorIs(t, err, ErrConnectFailed)

	net.Isolate(2)
	_, err = a.Ping(ctx, 2, &PingRequest{NodeID: 1})
	require.ErrorIs(t, err, ErrConnectFailed)
	_, err = a.Ping(ctx, 3, &PingRequest{NodeID: 1})
	require.NoError(t, err)

	net.Cut(1, 3)
	_, err = a.Ping(ctx, 3, &PingRequest{NodeID: 1})
	require.ErrorIs(t, err, ErrConnectFailed)

	// The reply direction is cut, the request still arrives.
	net.Heal()
	net.Cut(3, 1)
	h := &stubHandler{id: 3}
	c = net.Transport(3)
	require.NoError(t, c.Start(h))
	_, err = a.Ping(ctx, 3, &PingRequest{NodeID: 1})
	require.ErrorIs(t, err, ErrConnectFailed)
	require.Equal(t, int32(1), h.pings.Load())

	net.Heal()
	_, err = a.Ping(ctx, 2, &PingRequest{NodeID: 1})
	require.NoError(t, err)

	net.SetFaults(1, 0, 0)
	_, err = a.Ping(ctx, 2, &PingRequest{NodeID: 1})
	require.ErrorIs(t, err, ErrConnectFailed)

	net.SetFaults(0, 50*time.Millisecond, 50*time.Millisecond)
	short, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err = a.Ping(short, 2, &PingRequest{NodeID: 1})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, a.Close())
	_, err = a.Ping(ctx, 2, &PingRequest{NodeID: 1})
	require.ErrorIs(t, err, ErrTransportClosed)
	require.ErrorIs(t, a.Start(&stubHandler{}), ErrTransportClosed)
}

func TestServerWaitsForQuorumOfNodes(t *testing.T) {
	net := NewInMemoryNetwork()
	opts := func(id int) ServerOptions {
		return ServerOptions{NodeID: id, Servers: []int{1, 2, 3}, PingInterval: 20 * time.Millisecond, RPCTimeout: 100 * time.Millisecond}
	}
	s1 := NewServer(opts(1), net.Transport(1), nil)
	require.Error(t, s1.WaitReady(context.Background()))
	require.NoError(t, s1.Start(context.Background()))
	defer s1.Stop()

	short, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, s1.WaitReady(short), context.DeadlineExceeded)

	s2 := NewServer(opts(2), net.Transport(2), nil)
	require.NoError(t, s2.Start(context.Background()))
	defer s2.Stop()

	ctx, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	require.NoError(t, s1.WaitReady(ctx))
	require.NoError(t, s2.WaitReady(ctx))
	require.True(t, s1.nodes.isReady(2))
	require.False(t, s1.nodes.isReady(3))
}

func TestNodeManagerMarksFailedNodes(t *testing.T) {
	net := NewInMemoryNetwork()
	m := newNodeManager(1, []int{1, 2, 3}, net.Transport(1), time.Hour, 50*time.Millisecond, logging.NewNop())
	m.markSeen(2, "a")
	require.True(t, m.isReady(2))
	require.NoError(t, m.waitReady(context.Background()))

	for i := 0; i < 2; i++ {
		m.markFailed(2, ErrConnectFailed)
	}
	require.True(t, m.isReady(2))
	m.markFailed(2, ErrConnectFailed)
	require.False(t, m.isReady(2))

	resp := m.handlePing(&PingRequest{NodeID: 2, UUID: "b"})
	require.Equal(t, 1, resp.NodeID)
	require.Equal(t, m.uuid, resp.UUID)
	require.True(t, m.isReady(2))
}

func TestServerAddRemoveNode(t *testing.T) {
	net := NewInMemoryNetwork()
	srv := NewServer(ServerOptions{
		NodeID:       1,
		Servers:      []int{1, 2, 3},
		PingInterval: 20 * time.Millisecond,
		RPCTimeout:   50 * time.Millisecond,
	}, net.Transport(1), nil)
	require.ErrorIs(t, srv.AddNode(4, ""), ErrNotStarted)
	require.ErrorIs(t, srv.RemoveNode(4), ErrNotStarted)

	log := store.NewMemRaftLog()
	_, err := srv.AddGroup(context.Background(), GroupOptions{
		GroupID:      7,
		Members:      []int{1, 2},
		Observers:    []int{3},
		StateMachine: &recordSM{},
		OpenLog:      func(store.Progress) (store.RaftLog, error) { return log, nil },
	})
	require.NoError(t, err)
	require.NoError(t, srv.Start(context.Background()))
	defer srv.Stop()

	tests := []struct {
		name    string
		op      func() error
		wantErr error
	}{
		{"add invalid id", func() error { return srv.AddNode(0, "") }, ErrInvalidConfig},
		{"add new", func() error { return srv.AddNode(4, "") }, nil},
		{"add again", func() error { return srv.AddNode(4, "") }, nil},
		{"remove member", func() error { return srv.RemoveNode(2) }, ErrNodeInUse},
		{"remove observer", func() error { return srv.RemoveNode(3) }, ErrNodeInUse},
		{"remove self", func() error { return srv.RemoveNode(1) }, ErrInvalidConfig},
		{"remove unused", func() error { return srv.RemoveNode(4) }, nil},
		{"remove again", func() error { return srv.RemoveNode(4) }, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.op()
			if tt.wantErr == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
	require.False(t, srv.nodes.known(4))
	require.True(t, srv.nodes.known(2))

	_, err = srv.LeaderPrepareJointConsensus(context.Background(), 7, []int{1, 2, 4}, nil)
	require.ErrorIs(t, err, ErrUnknownNode)
	require.NoError(t, srv.AddNode(4, ""))
	_, err = srv.LeaderPrepareJointConsensus(context.Background(), 7, []int{1, 2, 4}, nil)
	require.ErrorIs(t, err, ErrNotLeader)
}
