package raft

import (
	"context"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/KilimcininKorOglu/raftkv/internal/store"
)

// configChange is the payload of membership log items.
type configChange struct {
	Members   []int `msgpack:"m"`
	Observers []int `msgpack:"o"`

	// PrepareIndex names the prepare item a commit or drop acts on.
	PrepareIndex uint64 `msgpack:"p,omitempty"`
}

// leaderTryCommit advances the commit index to what a quorum of every
// active configuration has fsynced. Only entries of the current term are
// committed by counting.
func (g *Group) leaderTryCommit() {
	st := &g.st
	if st.Role != RoleLeader {
		return
	}
	idx := quorumIndex(st.Members, g.repl.matchOf)
	if st.joint() {
		if p := quorumIndex(st.PreparedMembers, g.repl.matchOf); p < idx {
			idx = p
		}
	}
	if idx <= st.CommitIndex || idx < st.FirstIndexOfTerm {
		return
	}
	st.CommitIndex = idx
	g.applyCommitted()
}

// applyCommitted executes committed entries in order. Entries no longer in
// the tail cache are read from disk first.
func (g *Group) applyCommitted() {
	st := &g.st
	for st.LastApplied < st.CommitIndex && st.Err == nil {
		idx := st.LastApplied + 1
		t := g.tail.Get(idx)
		if t == nil {
			if idx < g.tail.FirstIndex() {
				g.loadForApply(idx)
			} else {
				g.fatal(&RaftError{Msg: fmt.Sprintf("committed entry %d is missing", idx)})
			}
			return
		}
		g.execItem(t.Item, t)
	}
	g.fireApplyWaiters()
	g.evictTail()
}

// whenApplied calls fn once index is applied.
func (g *Group) whenApplied(index uint64, fn func(ok bool)) {
	if g.st.LastApplied >= index {
		fn(true)
		return
	}
	g.applyWaiters = append(g.applyWaiters, forceWaiter{index: index, fn: fn})
}

func (g *Group) fireApplyWaiters() {
	applied := g.st.LastApplied
	kept := g.applyWaiters[:0]
	var ready []forceWaiter
	for _, w := range g.applyWaiters {
		if w.index <= applied {
			ready = append(ready, w)
		} else {
			kept = append(kept, w)
		}
	}
	g.applyWaiters = kept
	for _, w := range ready {
		w.fn(true)
	}
}

func (g *Group) loadForApply(idx uint64) {
	st := &g.st
	if g.applyLoading {
		return
	}
	g.applyLoading = true
	limit := st.CommitIndex - st.LastApplied
	if limit > applyBatchItems {
		limit = applyBatchItems
	}
	g.goAsync(func(ctx context.Context) {
		it := g.log.OpenIterator()
		items, err := it.Next(ctx, idx, int(limit), applyBatchBytes)
		it.Close()
		g.post(func() {
			g.applyLoading = false
			if err != nil {
				if ctx.Err() == nil {
					g.fatal(&RaftError{Msg: "load committed entries", Cause: err})
				}
				return
			}
			for _, item := range items {
				if item.Index != st.LastApplied+1 || item.Index > st.CommitIndex {
					break
				}
				g.execItem(item, nil)
				if st.Err != nil {
					return
				}
			}
			g.applyCommitted()
		})
	})
}

func (g *Group) execItem(item *store.LogItem, t *RaftTask) {
	st := &g.st
	var (
		result interface{}
		err    error
	)
	switch item.Type {
	case store.TypeNormal:
		var cmd interface{}
		if cmd, err = g.sm.Decode(item.Data); err == nil {
			result, err = g.sm.Exec(item.Index, cmd)
		}
		if err != nil {
			g.logger.Warn("exec failed", "index", item.Index, "error", err)
		}
	case store.TypeHeartbeat:
	default:
		if cerr := g.applyConfigChange(item); cerr != nil {
			g.fatal(&RaftError{Msg: "apply config change", Cause: cerr})
			return
		}
	}
	st.LastApplied = item.Index
	st.LastAppliedTerm = item.Term
	if t != nil {
		t.complete(&RaftOutput{Index: item.Index, Result: result}, err)
	}
	if st.Role == RoleLeader && item.Index >= st.FirstIndexOfTerm {
		g.closeFirstCommit()
	}
}

func (g *Group) closeFirstCommit() {
	select {
	case <-g.firstCommitCh:
	default:
		close(g.firstCommitCh)
	}
}

func (g *Group) applyConfigChange(item *store.LogItem) error {
	st := &g.st
	var cc configChange
	if err := msgpack.Unmarshal(item.Data, &cc); err != nil {
		return err
	}
	switch item.Type {
	case store.TypePrepareConfigChange:
		st.PreparedMembers = copyIDs(cc.Members)
		st.PreparedObservers = copyIDs(cc.Observers)
		st.PrepareIndex = item.Index
	case store.TypeDropConfigChange:
		st.PreparedMembers, st.PreparedObservers = nil, nil
		st.PrepareIndex = 0
	case store.TypeCommitConfigChange:
		if !st.joint() || (cc.PrepareIndex != 0 && cc.PrepareIndex != st.PrepareIndex) {
			g.logger.Warn("commit config change does not match prepared config",
				"index", item.Index, "prepareIndex", cc.PrepareIndex, "prepared", st.PrepareIndex)
			return nil
		}
		st.Members, st.Observers = st.PreparedMembers, st.PreparedObservers
		st.PreparedMembers, st.PreparedObservers = nil, nil
		st.PrepareIndex = 0
	default:
		return fmt.Errorf("unknown item type %d", item.Type)
	}
	g.logger.Info("membership changed",
		"type", item.Type.String(),
		"index", item.Index,
		"members", st.Members,
		"observers", st.Observers,
		"preparedMembers", st.PreparedMembers)

	switch {
	case st.Role == RoleLeader && !st.isVoter(g.nodeID):
		g.logger.Info("leader removed from configuration, step down")
		g.becomeFollower(st.CurrentTerm, 0)
	case st.Role == RoleLeader:
		g.repl.sync(time.Now())
	}
	isObserver := !st.isVoter(g.nodeID) && (contains(st.Observers, g.nodeID) || contains(st.PreparedObservers, g.nodeID))
	switch {
	case isObserver && st.Role != RoleObserver:
		g.vote.cancel()
		st.Role = RoleObserver
	case !isObserver && st.Role == RoleObserver:
		st.Role = RoleFollower
		g.resetElectDeadline(time.Now())
	}
	return nil
}

func (g *Group) tickSnapshot(now time.Time) {
	if g.opts.SnapshotInterval <= 0 || g.snapshotting || g.st.Installing {
		return
	}
	if now.Sub(g.lastSnapshotTime) < g.opts.SnapshotInterval || g.st.LastApplied <= g.lastSnapshotIndex {
		return
	}
	g.saveSnapshot(func(meta *SnapshotMeta, err error) {
		if err != nil {
			g.logger.Warn("periodic snapshot failed", "error", err)
		}
	})
}

// saveSnapshot captures the applied state and persists it in the
// background. Segments covered by it are scheduled for deletion.
func (g *Group) saveSnapshot(done func(*SnapshotMeta, error)) {
	st := &g.st
	switch {
	case g.snapshotting:
		done(nil, ErrSnapshotRunning)
		return
	case st.Installing:
		done(nil, ErrSnapshotRunning)
		return
	case st.LastApplied == 0:
		done(nil, ErrNoSnapshot)
		return
	}
	meta := SnapshotMeta{
		LastIncludedIndex: st.LastApplied,
		LastIncludedTerm:  st.LastAppliedTerm,
		Members:           copyIDs(st.Members),
		Observers:         copyIDs(st.Observers),
		PreparedMembers:   copyIDs(st.PreparedMembers),
		PreparedObservers: copyIDs(st.PreparedObservers),
		PrepareIndex:      st.PrepareIndex,
	}
	persist, err := g.sm.SaveSnapshot(meta)
	if err != nil {
		done(nil, err)
		return
	}
	g.snapshotting = true
	g.lastSnapshotTime = time.Now()
	g.goAsync(func(ctx context.Context) {
		err := persist(ctx)
		g.post(func() {
			g.snapshotting = false
			if err == nil {
				g.lastSnapshotIndex = meta.LastIncludedIndex
				g.log.MarkTruncateByIndex(meta.LastIncludedIndex, g.opts.DeleteDelay)
				g.logger.Info("snapshot saved", "index", meta.LastIncludedIndex)
			}
			done(&meta, err)
		})
	})
}
