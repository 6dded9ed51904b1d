package raft

import (
	"time"

	"github.com/KilimcininKorOglu/raftkv/internal/fiber"
	"github.com/KilimcininKorOglu/raftkv/internal/store"
)

// RaftInput is a command submitted to a group leader.
type RaftInput struct {
	Data []byte
	// Deadline, when set, fails the task with ErrTimeout if it has not been
	// appended by then.
	Deadline time.Time

	itemType store.ItemType
}

// RaftOutput is the outcome of an applied task.
type RaftOutput struct {
	Index  uint64
	Result interface{}
}

// RaftTask is one log entry known to the group together with the caller
// waiting for it, if any.
type RaftTask struct {
	Input *RaftInput
	Item  *store.LogItem

	future  *fiber.Future[*RaftOutput]
	release func()
}

func newRaftTask(input *RaftInput) *RaftTask {
	return &RaftTask{Input: input, future: fiber.NewFuture[*RaftOutput]()}
}

// Future returns the future resolved when the task is applied or failed.
func (t *RaftTask) Future() *fiber.Future[*RaftOutput] {
	return t.future
}

func (t *RaftTask) expired(now time.Time) bool {
	return t.Input != nil && !t.Input.Deadline.IsZero() && now.After(t.Input.Deadline)
}

func (t *RaftTask) complete(out *RaftOutput, err error) {
	if t.future == nil {
		return
	}
	if t.future.Complete(out, err) && t.release != nil {
		t.release()
	}
}

func (t *RaftTask) fail(err error) {
	t.complete(nil, err)
}
