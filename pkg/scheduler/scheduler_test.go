package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWriteTicketExcludesConcurrentWriters(t *testing.T) {
	s := New(4, nil)
	var active int32
	var maxActive int32
	var wg sync.WaitGroup

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.WithWriteTicket(context.Background(), "col", func(ctx context.Context) error {
				n := atomic.AddInt32(&active, 1)
				for {
					cur := atomic.LoadInt32(&maxActive)
					if n <= cur || atomic.CompareAndSwapInt32(&maxActive, cur, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&active, -1)
				return nil
			})
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), maxActive, "only one writer should hold the ticket at a time")
}

func TestReadTicketsRunConcurrently(t *testing.T) {
	s := New(4, nil)
	var active int32
	var maxActive int32
	var wg sync.WaitGroup

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.WithReadTicket(context.Background(), "col", func(ctx context.Context) error {
				n := atomic.AddInt32(&active, 1)
				for {
					cur := atomic.LoadInt32(&maxActive)
					if n <= cur || atomic.CompareAndSwapInt32(&maxActive, cur, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				atomic.AddInt32(&active, -1)
				return nil
			})
		}()
	}
	wg.Wait()
	require.Greater(t, maxActive, int32(1), "readers should overlap")
}

func TestSubmitRunsJobInBackground(t *testing.T) {
	s := New(2, nil)
	done := make(chan struct{})
	err := s.Submit(context.Background(), Job{Kind: JobSnapshot, Collection: "col", Run: func(ctx context.Context) error {
		close(done)
		return nil
	}})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("job did not run")
	}
	s.Close()
}

func TestSubmitAndWaitReturnsError(t *testing.T) {
	s := New(2, nil)
	err := s.SubmitAndWait(context.Background(), Job{Kind: JobCompaction, Collection: "col", Run: func(ctx context.Context) error {
		return context.DeadlineExceeded
	}})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRunAllReturnsFirstError(t *testing.T) {
	s := New(4, nil)
	var ran int32
	jobs := []Job{
		{Kind: JobDiscovery, Collection: "a", Run: func(ctx context.Context) error {
			atomic.AddInt32(&ran, 1)
			return nil
		}},
		{Kind: JobDiscovery, Collection: "b", Run: func(ctx context.Context) error {
			return context.Canceled
		}},
	}
	err := s.RunAll(context.Background(), jobs)
	require.ErrorIs(t, err, context.Canceled)
}

func TestWorkerPoolBoundsConcurrency(t *testing.T) {
	s := New(2, nil)
	var active int32
	var maxActive int32
	var wg sync.WaitGroup

	for i := 0; i < 6; i++ {
		wg.Add(1)
		require.NoError(t, s.Submit(context.Background(), Job{Kind: JobRequantize, Collection: "col", Run: func(ctx context.Context) error {
			defer wg.Done()
			n := atomic.AddInt32(&active, 1)
			for {
				cur := atomic.LoadInt32(&maxActive)
				if n <= cur || atomic.CompareAndSwapInt32(&maxActive, cur, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt32(&active, -1)
			return nil
		}}))
	}
	wg.Wait()
	require.LessOrEqual(t, maxActive, int32(2))
}
