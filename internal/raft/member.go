package raft

import (
	"context"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/KilimcininKorOglu/raftkv/internal/fiber"
	"github.com/KilimcininKorOglu/raftkv/internal/store"
)

type transferState struct {
	target   int
	deadline time.Time
	sent     bool
	future   *fiber.Future[struct{}]
}

// appendConfigChange appends a membership item as leader. The future
// resolves once the item is applied.
func (g *Group) appendConfigChange(typ store.ItemType, members, observers []int, prepareIndex uint64) *fiber.Future[*RaftOutput] {
	st := &g.st
	if st.Role != RoleLeader {
		return fiber.Completed[*RaftOutput](nil, &NotLeaderError{LeaderID: st.LeaderID})
	}
	if st.HoldRequest {
		return fiber.Completed[*RaftOutput](nil, ErrTransferInProgress)
	}
	switch typ {
	case store.TypePrepareConfigChange:
		if st.joint() {
			return fiber.Completed[*RaftOutput](nil, ErrJointInProgress)
		}
		if len(members) == 0 {
			return fiber.Completed[*RaftOutput](nil, fmt.Errorf("%w: empty member list", ErrInvalidConfig))
		}
		for _, id := range observers {
			if contains(members, id) {
				return fiber.Completed[*RaftOutput](nil, fmt.Errorf("%w: node %d is both member and observer", ErrInvalidConfig, id))
			}
		}
	case store.TypeCommitConfigChange:
		if !st.joint() {
			return fiber.Completed[*RaftOutput](nil, ErrNoPreparedConfig)
		}
		if prepareIndex != st.PrepareIndex {
			return fiber.Completed[*RaftOutput](nil, fmt.Errorf("%w: prepared at %d, not %d",
				ErrPrepareIndexMismatch, st.PrepareIndex, prepareIndex))
		}
	default:
		if !st.joint() {
			return fiber.Completed[*RaftOutput](nil, ErrNoPreparedConfig)
		}
		prepareIndex = st.PrepareIndex
	}
	data, err := msgpack.Marshal(&configChange{Members: members, Observers: observers, PrepareIndex: prepareIndex})
	if err != nil {
		return fiber.Completed[*RaftOutput](nil, err)
	}
	t := newRaftTask(&RaftInput{Data: data, itemType: typ})
	g.leaderAppend(t)
	g.logger.Info("append config change", "type", typ.String(), "index", t.Item.Index, "members", members, "observers", observers)
	return t.future
}

// startTransfer holds new requests until target has everything and then
// hands leadership over.
func (g *Group) startTransfer(target int, timeout time.Duration) *fiber.Future[struct{}] {
	st := &g.st
	switch {
	case st.Role != RoleLeader:
		return fiber.Completed(struct{}{}, &NotLeaderError{LeaderID: st.LeaderID})
	case g.transfer != nil:
		return fiber.Completed(struct{}{}, ErrTransferInProgress)
	case target == g.nodeID:
		return fiber.Completed(struct{}{}, nil)
	case !contains(st.Members, target) || (st.joint() && !contains(st.PreparedMembers, target)):
		return fiber.Completed(struct{}{}, fmt.Errorf("%w: node %d is not a voter", ErrInvalidConfig, target))
	}
	g.transfer = &transferState{
		target:   target,
		deadline: time.Now().Add(timeout),
		future:   fiber.NewFuture[struct{}](),
	}
	st.HoldRequest = true
	g.logger.Info("start leadership transfer", "target", target, "timeout", timeout)
	f := g.transfer.future
	g.checkTransfer()
	return f
}

func (g *Group) checkTransfer() {
	st := &g.st
	tr := g.transfer
	if tr == nil || tr.sent || st.Role != RoleLeader {
		return
	}
	p := g.repl.peer(tr.target)
	if p == nil {
		return
	}
	if st.CommitIndex != st.LastLogIndex || st.LastForceLogIndex != st.LastLogIndex ||
		p.matchIndex != st.LastLogIndex || len(g.unwritten) > 0 {
		g.repl.replicate(p)
		return
	}

	tr.sent = true
	req := &TransferLeaderRequest{
		GroupID:     g.id,
		Term:        st.CurrentTerm,
		OldLeaderID: g.nodeID,
		LogIndex:    st.LastLogIndex,
	}
	g.logger.Info("send leadership transfer", "target", tr.target, "logIndex", req.LogIndex)
	g.becomeFollower(st.CurrentTerm, 0)
	g.transfer = nil
	future := tr.future

	g.goAsync(func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, g.timing.rpcTimeout)
		defer cancel()
		resp, err := g.transport.TransferLeader(ctx, tr.target, req)
		switch {
		case err != nil:
			future.Fail(err)
		case !resp.Success:
			future.Fail(fmt.Errorf("transfer rejected by %d: %s", tr.target, resp.Reason))
		default:
			future.Complete(struct{}{}, nil)
		}
	})
}

func (g *Group) tickTransfer(now time.Time) {
	tr := g.transfer
	if tr == nil || tr.sent || now.Before(tr.deadline) {
		g.checkTransfer()
		return
	}
	g.logger.Warn("leadership transfer timed out", "target", tr.target)
	g.transfer = nil
	g.st.HoldRequest = false
	held := g.held
	g.held = nil
	for _, t := range held {
		g.submit(t)
	}
	tr.future.Fail(ErrTimeout)
}

// leaseRead returns an index that is safe to read at once it is applied.
func (g *Group) leaseRead(ctx context.Context) (uint64, error) {
	ss := g.Status()
	if ss == nil || ss.Role != RoleLeader {
		leader := 0
		if ss != nil {
			leader = ss.LeaderID
		}
		return 0, &NotLeaderError{LeaderID: leader}
	}
	if ss.Err != nil {
		return 0, fmt.Errorf("%w: %v", ErrGroupFailed, ss.Err)
	}
	if !ss.LeaseValid(time.Now()) {
		return 0, &NotLeaderError{}
	}
	select {
	case <-ss.FirstCommitOfApplied:
	case <-ctx.Done():
		return 0, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
	}
	ss = g.Status()
	if ss.Role != RoleLeader {
		return 0, &NotLeaderError{LeaderID: ss.LeaderID}
	}
	return ss.LastApplied, nil
}
