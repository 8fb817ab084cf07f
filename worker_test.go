package esb

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPoolProcessesAll(t *testing.T) {
	var (
		mu        sync.Mutex
		processed []string
	)
	pool := NewWorkerPool(4, 8, func(_ context.Context, id string) error {
		mu.Lock()
		defer mu.Unlock()
		processed = append(processed, id)
		if id == "msg_3" {
			return errors.New("processing failed")
		}
		return nil
	})
	pool.Start(context.Background())

	for i := 0; i < 50; i++ {
		require.NoError(t, pool.Submit(context.Background(), fmt.Sprintf("msg_%d", i)))
	}
	pool.Stop()

	assert.Len(t, processed, 50)
}

func TestWorkerPoolSubmitBlocksWhenFull(t *testing.T) {
	pool := NewWorkerPool(1, 1, func(context.Context, string) error { return nil })

	// no workers started, the queue fills up after one message
	require.NoError(t, pool.Submit(context.Background(), "msg_1"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := pool.Submit(ctx, "msg_2")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	pool.Stop()
}

func TestWorkerPoolRejectsAfterStop(t *testing.T) {
	pool := NewWorkerPool(2, 2, func(context.Context, string) error { return nil })
	pool.Start(context.Background())
	pool.Stop()
	pool.Stop()

	assert.ErrorIs(t, pool.Submit(context.Background(), "msg_1"), ErrPoolStopped)
}

func TestWorkerPoolStopWaitsForHandlers(t *testing.T) {
	release := make(chan struct{})
	done := make(chan struct{})
	pool := NewWorkerPool(1, 1, func(context.Context, string) error {
		<-release
		close(done)
		return nil
	})
	pool.Start(context.Background())
	require.NoError(t, pool.Submit(context.Background(), "msg_1"))

	stopped := make(chan struct{})
	go func() {
		pool.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a handler was running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	<-stopped
	select {
	case <-done:
	default:
		t.Fatal("handler did not finish before Stop returned")
	}
}

func TestWorkerPoolProcessWaitsForHandler(t *testing.T) {
	release := make(chan struct{})
	pool := NewWorkerPool(1, 4, func(_ context.Context, id string) error {
		<-release
		if id == "msg_bad" {
			return errors.New("storage unavailable")
		}
		return nil
	})
	pool.Start(context.Background())
	defer pool.Stop()

	result := make(chan error, 1)
	go func() { result <- pool.Process(context.Background(), "msg_1") }()

	select {
	case <-result:
		t.Fatal("Process returned before the handler finished")
	case <-time.After(50 * time.Millisecond):
	}

	release <- struct{}{}
	assert.NoError(t, <-result)

	go func() { result <- pool.Process(context.Background(), "msg_bad") }()
	release <- struct{}{}
	assert.EqualError(t, <-result, "storage unavailable")
}

func TestWorkerPoolProcessGivesUpWithContext(t *testing.T) {
	release := make(chan struct{})
	pool := NewWorkerPool(1, 1, func(context.Context, string) error {
		<-release
		return nil
	})
	pool.Start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, pool.Process(ctx, "msg_1"), context.DeadlineExceeded)

	close(release)
	pool.Stop()
	assert.ErrorIs(t, pool.Process(context.Background(), "msg_2"), ErrPoolStopped)
}
