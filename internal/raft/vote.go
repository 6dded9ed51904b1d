package raft

import (
	"context"
	"time"
)

// voteManager runs pre-vote and vote rounds. A round is identified by
// voteID so that late responses of an old round are dropped.
type voteManager struct {
	g       *Group
	voting  bool
	preVote bool
	voteID  uint64
	term    uint32
	granted map[int]bool
}

func (v *voteManager) cancel() {
	if v.voting {
		v.voting = false
		v.granted = nil
		v.voteID++
	}
}

func (v *voteManager) onElectTimeout(now time.Time) {
	g := v.g
	g.resetElectDeadline(now)
	v.cancel()
	v.tryStartPreVote(now)
}

func (v *voteManager) tryStartPreVote(now time.Time) {
	g := v.g
	st := &g.st
	switch {
	case st.Role == RoleLeader || st.Role == RoleObserver:
		return
	case v.voting:
		return
	case st.Err != nil || st.Installing:
		return
	case !st.isVoter(g.nodeID):
		return
	case st.LeaderID != 0 && now.Sub(st.LastLeaderContact) < g.timing.electTimeout:
		return
	}
	g.logger.Debug("start pre-vote", "term", st.CurrentTerm)
	v.startRound(true, st.CurrentTerm)
}

// startVote increments the term, votes for self and, once that is
// durable, asks the others.
func (v *voteManager) startVote() {
	g := v.g
	st := &g.st
	v.cancel()
	st.CurrentTerm++
	st.VotedFor = g.nodeID
	st.Role = RoleCandidate
	st.LeaderID = 0
	g.resetElectDeadline(time.Now())
	term := st.CurrentTerm
	g.logger.Info("start election", "term", term)

	v.voting = true
	v.voteID++
	id := v.voteID
	g.persistStatus(func(err error) {
		if err != nil || v.voteID != id || st.CurrentTerm != term || st.Role != RoleCandidate {
			return
		}
		v.voting = false
		v.startRound(false, term)
	})
}

func (v *voteManager) startRound(preVote bool, term uint32) {
	g := v.g
	st := &g.st
	v.voting = true
	v.preVote = preVote
	v.voteID++
	v.term = term
	v.granted = map[int]bool{g.nodeID: true}
	id := v.voteID

	if v.checkQuorum() {
		return
	}

	req := &RequestVoteRequest{
		GroupID:      g.id,
		Term:         term,
		CandidateID:  g.nodeID,
		LastLogIndex: st.LastLogIndex,
		LastLogTerm:  st.LastLogTerm,
		PreVote:      preVote,
	}
	for _, peer := range v.voters() {
		if peer == g.nodeID {
			continue
		}
		peer := peer
		g.goAsync(func(ctx context.Context) {
			ctx, cancel := context.WithTimeout(ctx, g.timing.rpcTimeout)
			defer cancel()
			resp, err := g.transport.RequestVote(ctx, peer, req)
			g.post(func() { v.onResponse(id, peer, resp, err) })
		})
	}
}

func (v *voteManager) voters() []int {
	st := &v.g.st
	out := copyIDs(st.Members)
	for _, id := range st.PreparedMembers {
		if !contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}

func (v *voteManager) onResponse(id uint64, peer int, resp *RequestVoteResponse, err error) {
	g := v.g
	st := &g.st
	if !v.voting || id != v.voteID {
		return
	}
	if err != nil {
		g.logger.Debug("vote request failed", "peer", peer, "preVote", v.preVote, "error", err)
		return
	}
	if resp.Term > st.CurrentTerm {
		g.logger.Info("vote response has higher term", "peer", peer, "term", resp.Term)
		g.becomeFollower(resp.Term, 0)
		return
	}
	if !resp.VoteGranted {
		return
	}
	v.granted[peer] = true
	v.checkQuorum()
}

// checkQuorum finishes the round once both configurations agree.
func (v *voteManager) checkQuorum() bool {
	g := v.g
	st := &g.st
	if !hasQuorum(st.Members, v.granted) {
		return false
	}
	if st.joint() && !hasQuorum(st.PreparedMembers, v.granted) {
		return false
	}
	if v.preVote {
		g.logger.Debug("pre-vote succeeded", "term", st.CurrentTerm)
		v.startVote()
		return true
	}
	v.cancel()
	g.becomeLeader()
	return true
}

// logUpToDate reports whether a candidate log at (term, index) is at least
// as new as the local one.
func (g *Group) logUpToDate(term uint32, index uint64) bool {
	st := &g.st
	if term != st.LastLogTerm {
		return term > st.LastLogTerm
	}
	return index >= st.LastLogIndex
}

// handleVote answers a vote or pre-vote request. reply runs once any state
// change the answer depends on is durable.
func (g *Group) handleVote(req *RequestVoteRequest, reply func(*RequestVoteResponse)) {
	st := &g.st
	now := time.Now()

	if req.PreVote {
		grant := req.Term >= st.CurrentTerm &&
			st.Role != RoleLeader &&
			!(st.LeaderID != 0 && now.Sub(st.LastLeaderContact) < g.timing.electTimeout) &&
			g.logUpToDate(req.LastLogTerm, req.LastLogIndex)
		reply(&RequestVoteResponse{Term: st.CurrentTerm, VoteGranted: grant})
		return
	}

	if req.Term < st.CurrentTerm {
		reply(&RequestVoteResponse{Term: st.CurrentTerm})
		return
	}
	if req.Term > st.CurrentTerm {
		g.becomeFollower(req.Term, 0)
	}
	if (st.VotedFor != 0 && st.VotedFor != req.CandidateID) || !g.logUpToDate(req.LastLogTerm, req.LastLogIndex) {
		g.logger.Debug("reject vote", "candidate", req.CandidateID, "term", req.Term, "votedFor", st.VotedFor)
		reply(&RequestVoteResponse{Term: st.CurrentTerm})
		return
	}

	st.VotedFor = req.CandidateID
	g.resetElectDeadline(now)
	term := st.CurrentTerm
	g.persistStatus(func(err error) {
		reply(&RequestVoteResponse{Term: term, VoteGranted: err == nil})
	})
	g.logger.Info("grant vote", "candidate", req.CandidateID, "term", term)
}
