package raft

import (
	"context"
	"time"

	"github.com/KilimcininKorOglu/raftkv/internal/store"
)

type installState struct {
	meta       SnapshotMeta
	nextOffset uint64
}

// acceptLeader applies the term rules shared by every leader request. It
// returns false when the request must be rejected.
func (g *Group) acceptLeader(term uint32, leaderID int) bool {
	st := &g.st
	switch {
	case term < st.CurrentTerm:
		return false
	case term == st.CurrentTerm && st.Role == RoleLeader:
		g.logger.Error("two leaders in one term", "term", term, "other", leaderID, "bug", true)
		return false
	case term > st.CurrentTerm || st.Role == RoleCandidate || st.LeaderID != leaderID:
		g.becomeFollower(term, leaderID)
	}
	now := time.Now()
	st.LastLeaderContact = now
	g.resetElectDeadline(now)
	g.vote.cancel()
	return true
}

// localTerm returns the term of the local entry at index. Entries below the
// tail cache are committed and reported as matching.
func (g *Group) localTerm(index uint64) (term uint32, committed bool) {
	st := &g.st
	switch {
	case index == 0:
		return 0, false
	case index == st.LastLogIndex:
		return st.LastLogTerm, false
	}
	if t := g.tail.Get(index); t != nil {
		return t.Item.Term, false
	}
	return 0, index < g.tail.FirstIndex()
}

func (g *Group) handleAppend(req *AppendEntriesRequest, reply func(*AppendEntriesResponse)) {
	st := &g.st
	resp := func(code AppendCode) *AppendEntriesResponse {
		return &AppendEntriesResponse{Term: st.CurrentTerm, AppendCode: code, Success: code == AppendCodeSuccess}
	}
	if !g.acceptLeader(req.Term, req.LeaderID) {
		reply(resp(AppendCodeServerSysError))
		return
	}
	if st.Installing || st.Err != nil {
		reply(resp(AppendCodeServerSysError))
		return
	}

	if req.PrevLogIndex > st.LastLogIndex {
		r := resp(AppendCodeLogNotMatch)
		r.MaxLogIndex, r.MaxLogTerm = st.LastLogIndex, st.LastLogTerm
		reply(r)
		return
	}
	if term, committed := g.localTerm(req.PrevLogIndex); !committed && req.PrevLogIndex > 0 && term != req.PrevLogTerm {
		g.replyNotMatch(req, reply)
		return
	}
	if req.PrevLogIndex < st.CommitIndex {
		g.logger.Warn("append before local commit", "prevLogIndex", req.PrevLogIndex, "commitIndex", st.CommitIndex)
		r := resp(AppendCodePrevLogIndexLessThanLocalCommit)
		r.MaxLogIndex = st.CommitIndex
		reply(r)
		return
	}
	if len(req.Entries) == 0 {
		reply(resp(AppendCodeClientReqError))
		return
	}
	for i, e := range req.Entries {
		if e.Index != req.PrevLogIndex+uint64(i)+1 {
			g.logger.Warn("append entries are not contiguous", "prevLogIndex", req.PrevLogIndex, "at", i, "index", e.Index)
			reply(resp(AppendCodeClientReqError))
			return
		}
	}

	entries := req.Entries
	for len(entries) > 0 {
		e := entries[0]
		if e.Index > st.LastLogIndex {
			break
		}
		if term, committed := g.localTerm(e.Index); committed || term == e.Term {
			entries = entries[1:]
			continue
		}
		if e.Index <= st.CommitIndex {
			g.logger.Error("leader conflicts with committed entry", "index", e.Index, "commitIndex", st.CommitIndex, "bug", true)
			g.fatal(&RaftError{Msg: "leader conflicts with committed entry"})
			reply(resp(AppendCodeServerSysError))
			return
		}
		g.truncateAfter(e.Index-1, e.PrevLogTerm)
		break
	}

	if len(entries) > 0 {
		for _, e := range entries {
			g.tail.Put(&RaftTask{Item: e})
		}
		last := entries[len(entries)-1]
		st.LastLogIndex = last.Index
		st.LastLogTerm = last.Term
		g.writeItems(entries)
	}

	newLast := req.PrevLogIndex + uint64(len(req.Entries))
	commit := req.LeaderCommit
	if commit > newLast {
		commit = newLast
	}
	if commit > st.CommitIndex {
		st.CommitIndex = commit
		g.applyCommitted()
	}

	term := st.CurrentTerm
	g.whenForced(newLast, func(ok bool) {
		if !ok {
			reply(&AppendEntriesResponse{Term: term, AppendCode: AppendCodeServerSysError})
			return
		}
		reply(&AppendEntriesResponse{Term: term, Success: true, AppendCode: AppendCodeSuccess})
	})
}

// replyNotMatch suggests a position the leader can search from. The tail
// cache is searched first, the log on disk after.
func (g *Group) replyNotMatch(req *AppendEntriesRequest, reply func(*AppendEntriesResponse)) {
	st := &g.st
	term := st.CurrentTerm
	notMatch := func(t uint32, i uint64) {
		reply(&AppendEntriesResponse{Term: term, AppendCode: AppendCodeLogNotMatch, MaxLogTerm: t, MaxLogIndex: i})
	}
	if req.PrevLogIndex == st.LastLogIndex {
		notMatch(st.LastLogTerm, st.LastLogIndex)
		return
	}
	if t, i, ok, err := store.SearchMatchPos(g.ctx, g.tail, req.PrevLogTerm, req.PrevLogIndex); err == nil && ok {
		notMatch(t, i)
		return
	}
	g.goAsync(func(ctx context.Context) {
		t, i, ok, err := g.log.TryFindMatchPos(ctx, req.PrevLogTerm, req.PrevLogIndex)
		if err != nil || !ok {
			t, i = 0, 0
		}
		g.post(func() { notMatch(t, i) })
	})
}

// truncateAfter drops every entry after index. prevTerm is the term the
// kept tail ends with.
func (g *Group) truncateAfter(index uint64, prevTerm uint32) {
	st := &g.st
	g.logger.Info("truncate log", "after", index, "lastIndex", st.LastLogIndex)
	g.writeEpoch++
	for _, t := range g.tail.TruncateAfter(index) {
		t.fail(&NotLeaderError{LeaderID: st.LeaderID})
	}
	kept := g.forceWaiters[:0]
	for _, w := range g.forceWaiters {
		if w.index > index {
			w.fn(false)
		} else {
			kept = append(kept, w)
		}
	}
	g.forceWaiters = kept

	st.LastLogIndex = index
	st.LastLogTerm = prevTerm
	if st.LastForceLogIndex > index {
		st.LastForceLogIndex = index
	}
	g.submitIO("truncate log", func(ctx context.Context) error {
		return g.log.TruncateTail(ctx, index)
	}, nil)
}

func (g *Group) handleInstallSnapshot(req *InstallSnapshotRequest, reply func(*InstallSnapshotResponse)) {
	st := &g.st
	fail := func() { reply(&InstallSnapshotResponse{Term: st.CurrentTerm}) }
	if !g.acceptLeader(req.Term, req.LeaderID) || st.Err != nil {
		fail()
		return
	}

	if req.Start {
		g.logger.Info("begin snapshot install", "index", req.Meta.LastIncludedIndex, "leader", req.LeaderID)
		g.flushWrites()
		g.writeEpoch++
		for _, w := range g.forceWaiters {
			w.fn(false)
		}
		g.forceWaiters = nil
		st.Installing = true
		g.install = &installState{meta: req.Meta}
		meta := req.Meta
		g.submitIO("begin install", func(ctx context.Context) error {
			if err := g.log.BeginInstall(ctx); err != nil {
				return err
			}
			return g.sm.InstallSnapshot(ctx, meta, 0, true, false, nil)
		}, nil)
	}
	in := g.install
	if in == nil || !st.Installing || in.meta.LastIncludedIndex != req.Meta.LastIncludedIndex || in.nextOffset != req.Offset {
		g.logger.Warn("unexpected snapshot chunk", "offset", req.Offset, "start", req.Start)
		fail()
		return
	}
	in.nextOffset += uint64(len(req.Data))

	meta, offset, data, done := req.Meta, req.Offset, req.Data, req.Done
	term := st.CurrentTerm
	g.submitIO("install snapshot chunk", func(ctx context.Context) error {
		if err := g.sm.InstallSnapshot(ctx, meta, offset, false, done, data); err != nil {
			return err
		}
		if done {
			// Positions are local to this node's files. The log was wiped
			// at the start, so the next item opens a fresh first segment.
			return g.log.FinishInstall(ctx, meta.LastIncludedIndex+1, 0)
		}
		return nil
	}, func(err error) {
		if err != nil {
			reply(&InstallSnapshotResponse{Term: term})
			return
		}
		if done {
			g.finishInstall(meta)
		}
		reply(&InstallSnapshotResponse{Term: term, Success: true})
	})
}

func (g *Group) finishInstall(meta SnapshotMeta) {
	st := &g.st
	idx := meta.LastIncludedIndex
	for _, t := range g.tail.Reset(idx + 1) {
		t.fail(&NotLeaderError{LeaderID: st.LeaderID})
	}
	st.LastLogIndex = idx
	st.LastLogTerm = meta.LastIncludedTerm
	st.CommitIndex = idx
	st.LastApplied = idx
	st.LastAppliedTerm = meta.LastIncludedTerm
	st.LastForceLogIndex = idx
	if len(meta.Members) > 0 {
		st.Members = copyIDs(meta.Members)
		st.Observers = copyIDs(meta.Observers)
		st.PreparedMembers = copyIDs(meta.PreparedMembers)
		st.PreparedObservers = copyIDs(meta.PreparedObservers)
		st.PrepareIndex = meta.PrepareIndex
	}
	g.lastSnapshotIndex = idx
	st.Installing = false
	g.install = nil
	g.fireForceWaiters()
	g.fireApplyWaiters()
	g.persistStatus(nil)
	g.logger.Info("snapshot installed", "index", idx, "term", meta.LastIncludedTerm)
}

// handleTransferLeader makes this follower take over immediately once its
// log has everything the old leader had.
func (g *Group) handleTransferLeader(req *TransferLeaderRequest, reply func(*TransferLeaderResponse)) {
	st := &g.st
	reject := func(reason string) {
		g.logger.Warn("reject leadership transfer", "from", req.OldLeaderID, "reason", reason)
		reply(&TransferLeaderResponse{Term: st.CurrentTerm, Reason: reason})
	}
	switch {
	case st.Role != RoleFollower:
		reject("not a follower")
		return
	case req.Term != st.CurrentTerm:
		reject("term mismatch")
		return
	case st.LeaderID != 0 && st.LeaderID != req.OldLeaderID:
		reject("leader mismatch")
		return
	case st.LastLogIndex != req.LogIndex || st.LastForceLogIndex != req.LogIndex:
		reject("log is behind")
		return
	case !st.isVoter(g.nodeID):
		reject("not a voter")
		return
	}
	if req.LogIndex > st.CommitIndex {
		st.CommitIndex = req.LogIndex
		g.applyCommitted()
	}
	g.logger.Info("take over leadership", "from", req.OldLeaderID, "term", st.CurrentTerm+1)
	reply(&TransferLeaderResponse{Term: st.CurrentTerm, Success: true})
	g.vote.startVote()
}
