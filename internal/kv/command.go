package kv

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Op is the kind of a write command.
type Op uint8

const (
	OpPut Op = iota + 1
	OpRemove
)

// String returns the string representation of an Op.
func (o Op) String() string {
	switch o {
	case OpPut:
		return "put"
	case OpRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// BizCode is the business outcome of a command.
type BizCode int

const (
	CodeSuccess BizCode = iota
	CodeSuccessOverwrite
	CodeNotFound
)

// String returns the string representation of a BizCode.
func (c BizCode) String() string {
	switch c {
	case CodeSuccess:
		return "success"
	case CodeSuccessOverwrite:
		return "success_overwrite"
	case CodeNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Errors.
var (
	ErrEmptyKey   = errors.New("kv: empty key")
	ErrUnknownOp  = errors.New("kv: unknown operation")
	ErrBadCommand = errors.New("kv: malformed command")
	ErrNoGroups   = errors.New("kv: no groups")
)

// Command is a write replicated through the log.
type Command struct {
	Op    Op     `msgpack:"o"`
	Key   string `msgpack:"k"`
	Value []byte `msgpack:"v,omitempty"`
}

// Result is what Exec returns for a command.
type Result struct {
	Code BizCode
}

// EncodeCommand serializes a command for the log.
func EncodeCommand(cmd *Command) ([]byte, error) {
	if cmd.Key == "" {
		return nil, ErrEmptyKey
	}
	return msgpack.Marshal(cmd)
}

// DecodeCommand parses a command written by EncodeCommand.
func DecodeCommand(data []byte) (*Command, error) {
	var cmd Command
	if err := msgpack.Unmarshal(data, &cmd); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadCommand, err)
	}
	if cmd.Op != OpPut && cmd.Op != OpRemove {
		return nil, fmt.Errorf("%w: %d", ErrUnknownOp, cmd.Op)
	}
	return &cmd, nil
}
