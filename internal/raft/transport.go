package raft

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Transport sends raft messages to other nodes. Implementations must be
// safe for concurrent use.
type Transport interface {
	AppendEntries(ctx context.Context, to int, req *AppendEntriesRequest) (*AppendEntriesResponse, error)
	RequestVote(ctx context.Context, to int, req *RequestVoteRequest) (*RequestVoteResponse, error)
	InstallSnapshot(ctx context.Context, to int, req *InstallSnapshotRequest) (*InstallSnapshotResponse, error)
	TransferLeader(ctx context.Context, to int, req *TransferLeaderRequest) (*TransferLeaderResponse, error)
	Ping(ctx context.Context, to int, req *PingRequest) (*PingResponse, error)

	// Start begins delivering incoming messages to h.
	Start(h Handler) error
	Close() error
}

// Handler receives raft messages. Server implements it.
type Handler interface {
	HandleAppendEntries(ctx context.Context, req *AppendEntriesRequest) (*AppendEntriesResponse, error)
	HandleRequestVote(ctx context.Context, req *RequestVoteRequest) (*RequestVoteResponse, error)
	HandleInstallSnapshot(ctx context.Context, req *InstallSnapshotRequest) (*InstallSnapshotResponse, error)
	HandleTransferLeader(ctx context.Context, req *TransferLeaderRequest) (*TransferLeaderResponse, error)
	HandlePing(ctx context.Context, req *PingRequest) (*PingResponse, error)
}

// InMemoryNetwork connects in-memory transports for testing. Messages are
// encoded with msgpack on the way so that no memory is shared between
// nodes. Links can be cut and messages dropped or delayed.
type InMemoryNetwork struct {
	mu         sync.RWMutex
	transports map[int]*InMemoryTransport
	isolated   map[int]bool
	cut        map[[2]int]bool
	dropRate   float64
	minDelay   time.Duration
	maxDelay   time.Duration
	rnd        *rand.Rand
}

// NewInMemoryNetwork creates a new in-memory network.
func NewInMemoryNetwork() *InMemoryNetwork {
	return &InMemoryNetwork{
		transports: make(map[int]*InMemoryTransport),
		isolated:   make(map[int]bool),
		cut:        make(map[[2]int]bool),
		rnd:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Transport creates the transport of nodeID, replacing any earlier one.
func (n *InMemoryNetwork) Transport(nodeID int) *InMemoryTransport {
	t := &InMemoryTransport{id: nodeID, network: n}
	n.mu.Lock()
	n.transports[nodeID] = t
	n.mu.Unlock()
	return t
}

// SetFaults drops each message with probability dropRate and delays the
// rest by a random duration in [minDelay, maxDelay].
func (n *InMemoryNetwork) SetFaults(dropRate float64, minDelay, maxDelay time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dropRate = dropRate
	n.minDelay = minDelay
	n.maxDelay = maxDelay
}

// Isolate cuts nodeID off from every other node.
func (n *InMemoryNetwork) Isolate(nodeID int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.isolated[nodeID] = true
}

// Cut drops messages from one node to another.
func (n *InMemoryNetwork) Cut(from, to int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cut[[2]int{from, to}] = true
}

// Heal removes every isolation and cut link.
func (n *InMemoryNetwork) Heal() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.isolated = make(map[int]bool)
	n.cut = make(map[[2]int]bool)
}

// route decides the fate of one message.
func (n *InMemoryNetwork) route(from, to int) (*InMemoryTransport, time.Duration, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.isolated[from] || n.isolated[to] || n.cut[[2]int{from, to}] {
		return nil, 0, false
	}
	if n.dropRate > 0 && n.rnd.Float64() < n.dropRate {
		return nil, 0, false
	}
	delay := n.minDelay
	if n.maxDelay > n.minDelay {
		delay += time.Duration(n.rnd.Int63n(int64(n.maxDelay - n.minDelay)))
	}
	return n.transports[to], delay, true
}

// InMemoryTransport implements Transport on an InMemoryNetwork.
type InMemoryTransport struct {
	id      int
	network *InMemoryNetwork

	mu      sync.RWMutex
	handler Handler
	closed  bool
}

// Start implements Transport.
func (t *InMemoryTransport) Start(h Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTransportClosed
	}
	t.handler = h
	return nil
}

// Close implements Transport.
func (t *InMemoryTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.handler = nil
	return nil
}

func (t *InMemoryTransport) target(to int) (Handler, time.Duration, error) {
	t.mu.RLock()
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return nil, 0, ErrTransportClosed
	}
	peer, delay, ok := t.network.route(t.id, to)
	if !ok || peer == nil {
		return nil, 0, ErrConnectFailed
	}
	peer.mu.RLock()
	h := peer.handler
	peer.mu.RUnlock()
	if h == nil {
		return nil, 0, ErrConnectFailed
	}
	return h, delay, nil
}

// deliver copies req through msgpack, hands it to the remote handler and
// copies the response back. The response can be lost like the request.
func deliver[Req, Resp any](ctx context.Context, t *InMemoryTransport, to int, req *Req,
	handle func(Handler, context.Context, *Req) (*Resp, error)) (*Resp, error) {
	h, delay, err := t.target(to)
	if err != nil {
		return nil, err
	}
	if err := sleepCtx(ctx, delay); err != nil {
		return nil, err
	}
	in := new(Req)
	if err := roundTrip(req, in); err != nil {
		return nil, err
	}
	resp, err := handle(h, ctx, in)
	if err != nil {
		return nil, err
	}
	if _, delay, ok := t.network.route(to, t.id); !ok {
		return nil, ErrConnectFailed
	} else if err := sleepCtx(ctx, delay); err != nil {
		return nil, err
	}
	out := new(Resp)
	if err := roundTrip(resp, out); err != nil {
		return nil, err
	}
	return out, nil
}

func roundTrip(src, dst interface{}) error {
	b, err := msgpack.Marshal(src)
	if err != nil {
		return err
	}
	return msgpack.Unmarshal(b, dst)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AppendEntries implements Transport.
func (t *InMemoryTransport) AppendEntries(ctx context.Context, to int, req *AppendEntriesRequest) (*AppendEntriesResponse, error) {
	return deliver(ctx, t, to, req, Handler.HandleAppendEntries)
}

// RequestVote implements Transport.
func (t *InMemoryTransport) RequestVote(ctx context.Context, to int, req *RequestVoteRequest) (*RequestVoteResponse, error) {
	return deliver(ctx, t, to, req, Handler.HandleRequestVote)
}

// InstallSnapshot implements Transport.
func (t *InMemoryTransport) InstallSnapshot(ctx context.Context, to int, req *InstallSnapshotRequest) (*InstallSnapshotResponse, error) {
	return deliver(ctx, t, to, req, Handler.HandleInstallSnapshot)
}

// TransferLeader implements Transport.
func (t *InMemoryTransport) TransferLeader(ctx context.Context, to int, req *TransferLeaderRequest) (*TransferLeaderResponse, error) {
	return deliver(ctx, t, to, req, Handler.HandleTransferLeader)
}

// Ping implements Transport.
func (t *InMemoryTransport) Ping(ctx context.Context, to int, req *PingRequest) (*PingResponse, error) {
	return deliver(ctx, t, to, req, Handler.HandlePing)
}
