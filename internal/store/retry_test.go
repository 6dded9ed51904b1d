package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIoRetryBackoffTable(t *testing.T) {
	r := NewIoRetry([]time.Duration{100 * time.Millisecond, time.Second, 3 * time.Second}, nil)
	ioErr := errors.New("disk busy")

	var got []time.Duration
	for i := 0; i < 5; i++ {
		d, ok := r.Next(ioErr)
		require.True(t, ok)
		got = append(got, d)
	}
	require.Equal(t, []time.Duration{
		100 * time.Millisecond, time.Second, 3 * time.Second, 3 * time.Second, 3 * time.Second,
	}, got)
	require.Equal(t, 5, r.Attempts())

	r.Reset()
	d, _ := r.Next(ioErr)
	require.Equal(t, 100*time.Millisecond, d)
}

func TestIoRetryFinalErrors(t *testing.T) {
	r := NewIoRetry([]time.Duration{time.Millisecond}, nil)

	for _, err := range []error{
		context.Canceled,
		fmt.Errorf("wrapped: %w", context.DeadlineExceeded),
		fmt.Errorf("item 4: %w", ErrChecksum),
		ErrClosed,
	} {
		_, ok := r.Next(err)
		require.False(t, ok, "%v must not be retried", err)
	}
	require.False(t, Retryable(nil))

	_, ok := (&IoRetry{}).Next(errors.New("io"))
	require.False(t, ok, "an empty table never retries")
}

func TestIoRetryRun(t *testing.T) {
	r := NewIoRetry([]time.Duration{time.Millisecond, 2 * time.Millisecond}, nil)
	calls := 0
	err := r.Run(context.Background(), "append", func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
	require.Equal(t, 0, r.Attempts())

	calls = 0
	err = r.Run(context.Background(), "append", func() error {
		calls++
		return ErrChecksum
	})
	require.ErrorIs(t, err, ErrChecksum)
	require.Equal(t, 1, calls)
}

func TestIoRetryRunCancelled(t *testing.T) {
	r := NewIoRetry([]time.Duration{time.Hour}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	ioErr := errors.New("disk gone")

	done := make(chan error, 1)
	go func() {
		done <- r.Run(ctx, "sync", func() error { return ioErr })
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
		require.ErrorIs(t, err, ioErr)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not observe cancellation")
	}
}
