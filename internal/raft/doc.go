// Package raft implements multi-group Raft consensus on top of the
// segmented log in package store.
//
// # Overview
//
// A Server hosts any number of groups. Each Group is an independent Raft
// instance with its own log, status file and state machine:
//   - Leader election with pre-vote and randomized timeouts
//   - Log replication with one in-flight batch per follower
//   - Commit on quorum fsync, sequential apply in index order
//   - Joint consensus membership change
//   - Leadership transfer and lease based reads
//   - Snapshot installation for followers behind the retained log
//
// # Execution model
//
// All consensus state of a group lives in RaftStatus and is only touched by
// the group dispatcher goroutine (package fiber). Disk writes run on an
// ordered IO worker, reads and RPCs on their own goroutines, and every
// completion is posted back to the dispatcher. Other goroutines observe the
// group through ShareStatus, an immutable copy published after each step.
//
// # Usage
//
//	network := raft.NewInMemoryNetwork()
//	srv := raft.NewServer(raft.ServerOptions{NodeID: 1, Servers: []int{1, 2, 3}},
//	    network.Transport(1), logger)
//	srv.AddGroup(ctx, raft.GroupOptions{GroupID: 0, Members: []int{1, 2, 3},
//	    OpenLog: openLog, Status: status, StateMachine: sm})
//	srv.Start(ctx)
//
//	out, err := srv.SubmitLinearTask(ctx, 0, &raft.RaftInput{Data: cmd})
//
// # Failure Handling
//
// A group of N voting members tolerates (N-1)/2 failures. Storage
// corruption is fatal for the affected group only: it stops accepting work
// and reports ErrGroupFailed while other groups keep running.
package raft
