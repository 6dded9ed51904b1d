package kv

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/smallnest/rpcx/client"

	"github.com/KilimcininKorOglu/raftkv/internal/raft"
)

// RPCServicePath is the rpcx service name of the KV API.
const RPCServicePath = "KV"

// Request is a KV call over rpcx.
type Request struct {
	Key   string `msgpack:"k"`
	Value []byte `msgpack:"v,omitempty"`
}

// Response is the answer to a Request. A request sent to a follower
// returns NotLeader with the leader it knows, 0 if none.
type Response struct {
	Code      BizCode `msgpack:"c"`
	Value     []byte  `msgpack:"v,omitempty"`
	NotLeader bool    `msgpack:"nl,omitempty"`
	LeaderID  int     `msgpack:"l,omitempty"`
}

// RPCService exposes a Service through rpcx.
type RPCService struct {
	svc *Service
}

// NewRPCService wraps svc for registration with rpcx.
func NewRPCService(svc *Service) *RPCService {
	return &RPCService{svc: svc}
}

func fillError(resp *Response, err error) error {
	var nle *raft.NotLeaderError
	if errors.As(err, &nle) {
		resp.NotLeader = true
		resp.LeaderID = nle.LeaderID
		return nil
	}
	return err
}

// Put handles a put call.
func (s *RPCService) Put(ctx context.Context, req *Request, resp *Response) error {
	code, err := s.svc.Put(ctx, req.Key, req.Value)
	if err != nil {
		return fillError(resp, err)
	}
	resp.Code = code
	return nil
}

// Get handles a get call.
func (s *RPCService) Get(ctx context.Context, req *Request, resp *Response) error {
	v, code, err := s.svc.Get(ctx, req.Key)
	if err != nil {
		return fillError(resp, err)
	}
	resp.Code = code
	resp.Value = v
	return nil
}

// Remove handles a remove call.
func (s *RPCService) Remove(ctx context.Context, req *Request, resp *Response) error {
	code, err := s.svc.Remove(ctx, req.Key)
	if err != nil {
		return fillError(resp, err)
	}
	resp.Code = code
	return nil
}

// Client calls the KV API of a cluster and follows leader redirects.
type Client struct {
	peers   map[int]string
	ids     []int
	timeout time.Duration

	mu      sync.Mutex
	clients map[int]client.XClient
	leader  int
}

// NewClient creates a client for the servers in peers.
func NewClient(peers map[int]string, timeout time.Duration) *Client {
	ids := make([]int, 0, len(peers))
	for id := range peers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{peers: peers, ids: ids, timeout: timeout, clients: make(map[int]client.XClient)}
}

// Close closes every connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	for id, xc := range c.clients {
		errs = append(errs, xc.Close())
		delete(c.clients, id)
	}
	return errors.Join(errs...)
}

func (c *Client) conn(id int) (client.XClient, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if xc, ok := c.clients[id]; ok {
		return xc, nil
	}
	addr, ok := c.peers[id]
	if !ok {
		return nil, fmt.Errorf("kv: unknown server %d", id)
	}
	d, err := client.NewPeer2PeerDiscovery("tcp@"+addr, "")
	if err != nil {
		return nil, err
	}
	xc := client.NewXClient(RPCServicePath, client.Failtry, client.RandomSelect, d, client.DefaultOption)
	c.clients[id] = xc
	return xc, nil
}

// call tries the known leader first, then every server in turn.
func (c *Client) call(ctx context.Context, method string, req *Request) (*Response, error) {
	c.mu.Lock()
	order := make([]int, 0, len(c.ids)+1)
	if c.leader != 0 {
		order = append(order, c.leader)
	}
	order = append(order, c.ids...)
	c.mu.Unlock()

	var lastErr error
	tried := make(map[int]bool)
	for len(order) > 0 {
		id := order[0]
		order = order[1:]
		if tried[id] {
			continue
		}
		tried[id] = true
		xc, err := c.conn(id)
		if err != nil {
			lastErr = err
			continue
		}
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		resp := &Response{}
		err = xc.Call(callCtx, method, req, resp)
		cancel()
		if err != nil {
			lastErr = err
			continue
		}
		if resp.NotLeader {
			lastErr = &raft.NotLeaderError{LeaderID: resp.LeaderID}
			if resp.LeaderID != 0 && !tried[resp.LeaderID] {
				order = append([]int{resp.LeaderID}, order...)
			}
			continue
		}
		c.mu.Lock()
		c.leader = id
		c.mu.Unlock()
		return resp, nil
	}
	if lastErr == nil {
		lastErr = errors.New("kv: no servers")
	}
	return nil, lastErr
}

// Put stores value under key.
func (c *Client) Put(ctx context.Context, key string, value []byte) (BizCode, error) {
	resp, err := c.call(ctx, "Put", &Request{Key: key, Value: value})
	if err != nil {
		return 0, err
	}
	return resp.Code, nil
}

// Get reads key.
func (c *Client) Get(ctx context.Context, key string) ([]byte, BizCode, error) {
	resp, err := c.call(ctx, "Get", &Request{Key: key})
	if err != nil {
		return nil, 0, err
	}
	return resp.Value, resp.Code, nil
}

// Remove deletes key.
func (c *Client) Remove(ctx context.Context, key string) (BizCode, error) {
	resp, err := c.call(ctx, "Remove", &Request{Key: key})
	if err != nil {
		return 0, err
	}
	return resp.Code, nil
}
