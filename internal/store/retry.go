package store

import (
	"context"
	"errors"
	"time"

	"github.com/KilimcininKorOglu/raftkv/internal/logging"
)

// IoRetry carries the retry state of one local disk operation across
// attempts. The zero value never retries.
type IoRetry struct {
	Intervals []time.Duration
	Logger    logging.Logger

	attempt int
}

// NewIoRetry creates a retry state using the given backoff table.
func NewIoRetry(intervals []time.Duration, logger logging.Logger) *IoRetry {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &IoRetry{Intervals: intervals, Logger: logger}
}

// Retryable reports whether err may succeed on a later attempt.
// Cancellation and corruption are final.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, ErrChecksum), errors.Is(err, ErrBadMagic), errors.Is(err, ErrBadVersion):
		return false
	case errors.Is(err, ErrClosed), errors.Is(err, ErrIndexGap), errors.Is(err, ErrItemTooLarge),
		errors.Is(err, ErrTruncateCommitted), errors.Is(err, ErrIndexOutOfRange), errors.Is(err, ErrIndexDeleted):
		return false
	}
	return true
}

// Attempts returns the number of failed attempts recorded so far.
func (r *IoRetry) Attempts() int {
	return r.attempt
}

// Next records a failed attempt and returns how long to wait before the
// next one. The last interval of the table repeats forever.
func (r *IoRetry) Next(err error) (time.Duration, bool) {
	if len(r.Intervals) == 0 || !Retryable(err) {
		return 0, false
	}
	i := r.attempt
	if i >= len(r.Intervals) {
		i = len(r.Intervals) - 1
	}
	r.attempt++
	return r.Intervals[i], true
}

// Reset clears the attempt counter after a successful operation.
func (r *IoRetry) Reset() {
	r.attempt = 0
}

// Run calls op until it succeeds, fails with a final error, or ctx is done.
// When ctx ends while waiting the last operation error is returned wrapped
// with the context error.
func (r *IoRetry) Run(ctx context.Context, name string, op func() error) error {
	for {
		err := op()
		if err == nil {
			r.Reset()
			return nil
		}
		wait, ok := r.Next(err)
		if !ok {
			return err
		}
		r.Logger.Warn("io error, retry after", "op", name, "attempt", r.attempt, "wait", wait, "error", err)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(ctx.Err(), err)
		case <-timer.C:
		}
	}
}
