package kv

import (
	"context"
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"

	"github.com/KilimcininKorOglu/raftkv/internal/logging"
	"github.com/KilimcininKorOglu/raftkv/internal/raft"
)

// Service routes key operations to the raft group owning the key.
type Service struct {
	srv      *raft.Server
	groups   []int
	machines map[int]*StateMachine
	logger   logging.Logger
}

// NewService creates a service over the given groups of srv. machines maps
// group ids to their state machines.
func NewService(srv *raft.Server, machines map[int]*StateMachine, logger logging.Logger) (*Service, error) {
	if len(machines) == 0 {
		return nil, ErrNoGroups
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	groups := make([]int, 0, len(machines))
	for id := range machines {
		groups = append(groups, id)
	}
	sort.Ints(groups)
	return &Service{srv: srv, groups: groups, machines: machines, logger: logger}, nil
}

// GroupFor returns the group owning key.
func (s *Service) GroupFor(key string) int {
	return s.groups[xxhash.Sum64String(key)%uint64(len(s.groups))]
}

// Put stores value under key.
func (s *Service) Put(ctx context.Context, key string, value []byte) (BizCode, error) {
	return s.write(ctx, &Command{Op: OpPut, Key: key, Value: value})
}

// Remove deletes key.
func (s *Service) Remove(ctx context.Context, key string) (BizCode, error) {
	return s.write(ctx, &Command{Op: OpRemove, Key: key})
}

func (s *Service) write(ctx context.Context, cmd *Command) (BizCode, error) {
	data, err := EncodeCommand(cmd)
	if err != nil {
		return 0, err
	}
	groupID := s.GroupFor(cmd.Key)
	out, err := s.srv.SubmitLinearTask(ctx, groupID, &raft.RaftInput{Data: data})
	if err != nil {
		return 0, err
	}
	res, ok := out.Result.(*Result)
	if !ok {
		return 0, fmt.Errorf("kv: unexpected result %T at index %d", out.Result, out.Index)
	}
	s.logger.Debug("write applied", "op", cmd.Op.String(), "group", groupID, "index", out.Index, "code", res.Code.String())
	return res.Code, nil
}

// Get reads key on the leader. The read is linearizable: it observes every
// write acknowledged before it started.
func (s *Service) Get(ctx context.Context, key string) ([]byte, BizCode, error) {
	if key == "" {
		return nil, 0, ErrEmptyKey
	}
	groupID := s.GroupFor(key)
	idx, err := s.srv.GetLogIndexForRead(ctx, groupID)
	if err != nil {
		return nil, 0, err
	}
	if err := s.srv.WaitApplied(ctx, groupID, idx); err != nil {
		return nil, 0, err
	}
	v, ok := s.machines[groupID].Get(key)
	if !ok {
		return nil, CodeNotFound, nil
	}
	return v, CodeSuccess, nil
}
