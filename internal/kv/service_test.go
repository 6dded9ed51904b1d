package kv

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/KilimcininKorOglu/raftkv/internal/logging"
	"github.com/KilimcininKorOglu/raftkv/internal/raft"
	"github.com/KilimcininKorOglu/raftkv/internal/store"
)

var testGroups = []int{1, 2, 3}

// startNode runs a single node server with one kv group per id in
// testGroups and waits until it leads all of them.
func startNode(t *testing.T, tr raft.Transport, register func(*Service)) (*raft.Server, *Service) {
	t.Helper()
	srv := raft.NewServer(raft.ServerOptions{
		NodeID:            1,
		Servers:           []int{1},
		ElectTimeout:      300 * time.Millisecond,
		HeartbeatInterval: 50 * time.Millisecond,
		RPCTimeout:        200 * time.Millisecond,
		PingInterval:      50 * time.Millisecond,
	}, tr, logging.NewNop())

	root := t.TempDir()
	machines := make(map[int]*StateMachine)
	for _, gid := range testGroups {
		sm, err := NewStateMachine(filepath.Join(root, fmt.Sprintf("group-%d", gid)), nil)
		require.NoError(t, err)
		machines[gid] = sm
		log := store.NewMemRaftLog()
		_, err = srv.AddGroup(context.Background(), raft.GroupOptions{
			GroupID:      gid,
			Members:      []int{1},
			StateMachine: sm,
			OpenLog:      func(store.Progress) (store.RaftLog, error) { return log, nil },
		})
		require.NoError(t, err)
	}
	svc, err := NewService(srv, machines, nil)
	require.NoError(t, err)
	if register != nil {
		register(svc)
	}
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(srv.Stop)

	require.Eventually(t, func() bool {
		for _, gid := range testGroups {
			ss, err := srv.Status(gid)
			if err != nil || !ss.LeaseValid(time.Now()) {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)
	return srv, svc
}

func TestNewServiceNeedsGroups(t *testing.T) {
	_, err := NewService(nil, nil, nil)
	require.ErrorIs(t, err, ErrNoGroups)
}

func TestServicePutGetRemove(t *testing.T) {
	_, svc := startNode(t, raft.NewInMemoryNetwork().Transport(1), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	code, err := svc.Put(ctx, "alpha", []byte("1"))
	require.NoError(t, err)
	require.Equal(t, CodeSuccess, code)
	code, err = svc.Put(ctx, "alpha", []byte("2"))
	require.NoError(t, err)
	require.Equal(t, CodeSuccessOverwrite, code)

	v, code, err := svc.Get(ctx, "alpha")
	require.NoError(t, err)
	require.Equal(t, CodeSuccess, code)
	require.Equal(t, []byte("2"), v)

	code, err = svc.Remove(ctx, "alpha")
	require.NoError(t, err)
	require.Equal(t, CodeSuccess, code)
	code, err = svc.Remove(ctx, "alpha")
	require.NoError(t, err)
	require.Equal(t, CodeNotFound, code)

	_, code, err = svc.Get(ctx, "alpha")
	require.NoError(t, err)
	require.Equal(t, CodeNotFound, code)

	_, err = svc.Put(ctx, "", []byte("x"))
	require.ErrorIs(t, err, ErrEmptyKey)
	_, _, err = svc.Get(ctx, "")
	require.ErrorIs(t, err, ErrEmptyKey)
}

func TestServiceSpreadsKeysOverGroups(t *testing.T) {
	_, svc := startNode(t, raft.NewInMemoryNetwork().Transport(1), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for i := 0; i < 60; i++ {
		key := fmt.Sprintf("key-%d", i)
		_, err := svc.Put(ctx, key, []byte(key))
		require.NoError(t, err)
		require.Equal(t, svc.GroupFor(key), svc.GroupFor(key))
	}
	total := 0
	for _, gid := range testGroups {
		n := svc.machines[gid].Len()
		require.NotZero(t, n, "group %d got no keys", gid)
		total += n
	}
	require.Equal(t, 60, total)

	for i := 0; i < 60; i++ {
		key := fmt.Sprintf("key-%d", i)
		v, ok := svc.machines[svc.GroupFor(key)].Get(key)
		require.True(t, ok)
		require.Equal(t, []byte(key), v)
	}
}

func TestServiceSnapshotKeepsData(t *testing.T) {
	srv, svc := startNode(t, raft.NewInMemoryNetwork().Transport(1), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := svc.Put(ctx, "snap", []byte("shot"))
	require.NoError(t, err)
	gid := svc.GroupFor("snap")
	meta, err := srv.SaveSnapshot(ctx, gid)
	require.NoError(t, err)

	latest, err := svc.machines[gid].snaps.Latest()
	require.NoError(t, err)
	require.Equal(t, meta.LastIncludedIndex, latest.LastIncludedIndex)

	_, err = svc.Put(ctx, "snap", []byte("after"))
	require.NoError(t, err)
	v, _, err := svc.Get(ctx, "snap")
	require.NoError(t, err)
	require.Equal(t, []byte("after"), v)
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestClientOverRPCX(t *testing.T) {
	if testing.Short() {
		t.Skip("opens sockets")
	}
	addr := freeAddr(t)
	tr := raft.NewRPCXTransport(raft.RPCXOptions{Address: addr, Peers: map[int]string{1: addr}})
	startNode(t, tr, func(svc *Service) {
		require.NoError(t, tr.RegisterService(RPCServicePath, NewRPCService(svc)))
	})

	c := NewClient(map[int]string{1: addr}, 2*time.Second)
	defer c.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.Eventually(t, func() bool {
		_, code, err := c.Get(ctx, "remote")
		return err == nil && code == CodeNotFound
	}, 5*time.Second, 50*time.Millisecond)

	code, err := c.Put(ctx, "remote", []byte("value"))
	require.NoError(t, err)
	require.Equal(t, CodeSuccess, code)

	v, code, err := c.Get(ctx, "remote")
	require.NoError(t, err)
	require.Equal(t, CodeSuccess, code)
	require.Equal(t, []byte("value"), v)

	code, err = c.Remove(ctx, "remote")
	require.NoError(t, err)
	require.Equal(t, CodeSuccess, code)
	_, code, err = c.Get(ctx, "remote")
	require.NoError(t, err)
	require.Equal(t, CodeNotFound, code)
}
