package raft

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/smallnest/rpcx/client"
	"github.com/smallnest/rpcx/server"

	"github.com/KilimcininKorOglu/raftkv/internal/logging"
)

const rpcxServicePath = "Raft"

// RPCXOptions configures an RPCXTransport.
type RPCXOptions struct {
	// Address is the host:port the server listens on.
	Address string
	// Peers maps node ids to their addresses.
	Peers          map[int]string
	ConnectTimeout time.Duration
	// IdleTimeout closes clients not used for this long.
	IdleTimeout time.Duration
	Logger      logging.Logger
}

// RPCXTransport implements Transport over rpcx with msgpack encoding.
type RPCXTransport struct {
	opts    RPCXOptions
	logger  logging.Logger
	srv     *server.Server
	clients *cache.Cache

	mu      sync.Mutex
	peers   map[int]string
	started bool
	closed  bool
}

// NewRPCXTransport creates a transport. Nothing listens until Start.
func NewRPCXTransport(opts RPCXOptions) *RPCXTransport {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 3 * time.Second
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 5 * time.Minute
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	clients := cache.New(opts.IdleTimeout, opts.IdleTimeout/2)
	clients.OnEvicted(func(_ string, v interface{}) {
		if xc, ok := v.(client.XClient); ok {
			_ = xc.Close()
		}
	})
	peers := make(map[int]string, len(opts.Peers))
	for id, addr := range opts.Peers {
		peers[id] = addr
	}
	return &RPCXTransport{
		opts:    opts,
		peers:   peers,
		logger:  logger,
		srv:     server.NewServer(),
		clients: clients,
	}
}

// RegisterService exposes another rpcx service on the same listener. It
// must be called before Start.
func (t *RPCXTransport) RegisterService(name string, rcvr interface{}) error {
	return t.srv.RegisterName(name, rcvr, "")
}

// Start implements Transport.
func (t *RPCXTransport) Start(h Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTransportClosed
	}
	if t.started {
		return nil
	}
	if err := t.srv.RegisterName(rpcxServicePath, &rpcxService{h: h}, ""); err != nil {
		return err
	}
	t.started = true
	go func() {
		if err := t.srv.Serve("tcp", t.opts.Address); err != nil && !errors.Is(err, server.ErrServerClosed) {
			t.logger.Error("rpcx server stopped", "address", t.opts.Address, "error", err)
		}
	}()
	t.logger.Info("rpcx transport listening", "address", t.opts.Address)
	return nil
}

// Close implements Transport.
func (t *RPCXTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	started := t.started
	t.mu.Unlock()

	for key := range t.clients.Items() {
		t.clients.Delete(key)
	}
	if started {
		return t.srv.Close()
	}
	return nil
}

// AddPeer implements PeerRegistry. A changed address drops the cached
// client.
func (t *RPCXTransport) AddPeer(id int, addr string) {
	t.mu.Lock()
	old, ok := t.peers[id]
	t.peers[id] = addr
	t.mu.Unlock()
	if ok && old != addr {
		t.clients.Delete(strconv.Itoa(id))
	}
}

// RemovePeer implements PeerRegistry.
func (t *RPCXTransport) RemovePeer(id int) {
	t.mu.Lock()
	delete(t.peers, id)
	t.mu.Unlock()
	t.clients.Delete(strconv.Itoa(id))
}

func (t *RPCXTransport) client(to int) (client.XClient, error) {
	key := strconv.Itoa(to)
	if v, ok := t.clients.Get(key); ok {
		t.clients.SetDefault(key, v)
		return v.(client.XClient), nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrTransportClosed
	}
	if v, ok := t.clients.Get(key); ok {
		return v.(client.XClient), nil
	}
	addr, ok := t.peers[to]
	if !ok {
		return nil, fmt.Errorf("%w: no address for node %d", ErrConnectFailed, to)
	}
	d, err := client.NewPeer2PeerDiscovery("tcp@"+addr, "")
	if err != nil {
		return nil, err
	}
	opt := client.DefaultOption
	opt.ConnectTimeout = t.opts.ConnectTimeout
	xc := client.NewXClient(rpcxServicePath, client.Failtry, client.RandomSelect, d, opt)
	t.clients.SetDefault(key, xc)
	return xc, nil
}

func rpcxCall[Req, Resp any](ctx context.Context, t *RPCXTransport, to int, method string, req *Req) (*Resp, error) {
	xc, err := t.client(to)
	if err != nil {
		return nil, err
	}
	resp := new(Resp)
	if err := xc.Call(ctx, method, req, resp); err != nil {
		if errors.Is(err, client.ErrShutdown) {
			t.clients.Delete(strconv.Itoa(to))
		}
		return nil, fmt.Errorf("%w: %s to node %d: %v", ErrConnectFailed, method, to, err)
	}
	return resp, nil
}

// AppendEntries implements Transport.
func (t *RPCXTransport) AppendEntries(ctx context.Context, to int, req *AppendEntriesRequest) (*AppendEntriesResponse, error) {
	return rpcxCall[AppendEntriesRequest, AppendEntriesResponse](ctx, t, to, "AppendEntries", req)
}

// RequestVote implements Transport.
func (t *RPCXTransport) RequestVote(ctx context.Context, to int, req *RequestVoteRequest) (*RequestVoteResponse, error) {
	return rpcxCall[RequestVoteRequest, RequestVoteResponse](ctx, t, to, "RequestVote", req)
}

// InstallSnapshot implements Transport.
func (t *RPCXTransport) InstallSnapshot(ctx context.Context, to int, req *InstallSnapshotRequest) (*InstallSnapshotResponse, error) {
	return rpcxCall[InstallSnapshotRequest, InstallSnapshotResponse](ctx, t, to, "InstallSnapshot", req)
}

// TransferLeader implements Transport.
func (t *RPCXTransport) TransferLeader(ctx context.Context, to int, req *TransferLeaderRequest) (*TransferLeaderResponse, error) {
	return rpcxCall[TransferLeaderRequest, TransferLeaderResponse](ctx, t, to, "TransferLeader", req)
}

// Ping implements Transport.
func (t *RPCXTransport) Ping(ctx context.Context, to int, req *PingRequest) (*PingResponse, error) {
	return rpcxCall[PingRequest, PingResponse](ctx, t, to, "Ping", req)
}

// rpcxService adapts a Handler to the rpcx method signature.
type rpcxService struct {
	h Handler
}

func (s *rpcxService) AppendEntries(ctx context.Context, req *AppendEntriesRequest, resp *AppendEntriesResponse) error {
	r, err := s.h.HandleAppendEntries(ctx, req)
	if err != nil {
		return err
	}
	*resp = *r
	return nil
}

func (s *rpcxService) RequestVote(ctx context.Context, req *RequestVoteRequest, resp *RequestVoteResponse) error {
	r, err := s.h.HandleRequestVote(ctx, req)
	if err != nil {
		return err
	}
	*resp = *r
	return nil
}

func (s *rpcxService) InstallSnapshot(ctx context.Context, req *InstallSnapshotRequest, resp *InstallSnapshotResponse) error {
	r, err := s.h.HandleInstallSnapshot(ctx, req)
	if err != nil {
		return err
	}
	*resp = *r
	return nil
}

func (s *rpcxService) TransferLeader(ctx context.Context, req *TransferLeaderRequest, resp *TransferLeaderResponse) error {
	r, err := s.h.HandleTransferLeader(ctx, req)
	if err != nil {
		return err
	}
	*resp = *r
	return nil
}

func (s *rpcxService) Ping(ctx context.Context, req *PingRequest, resp *PingResponse) error {
	r, err := s.h.HandlePing(ctx, req)
	if err != nil {
		return err
	}
	*resp = *r
	return nil
}
