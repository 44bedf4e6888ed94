// Package scheduler implements the concurrency model of §5: a bounded
// background-worker pool for snapshot/compaction/discovery/re-quantization
// jobs, and a per-collection write ticket enforcing the single-writer,
// multi-reader discipline that keeps WAL-LSN ordering intact within a
// collection.
//
// Grounded on the teacher pack's errgroup+channel-semaphore pattern in
// Aman-CERP-amanmcp's internal/search/multi_query.go (parallelSubSearch:
// errgroup.WithContext plus a buffered channel used as a semaphore), here
// repurposed from fanning out read-only sub-searches to bounding
// background job concurrency and serializing writers per collection.
package scheduler

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/vecdb-io/vecdb/pkg/logging"
	"github.com/vecdb-io/vecdb/pkg/vecerr"
)

// JobKind labels a background job for logging and metrics.
type JobKind string

const (
	JobSnapshot   JobKind = "snapshot"
	JobCompaction JobKind = "compaction"
	JobDiscovery  JobKind = "discovery"
	JobRequantize JobKind = "requantize"
)

// Job is one unit of background work submitted to the Scheduler.
type Job struct {
	Kind       JobKind
	Collection string
	Run        func(ctx context.Context) error
}

// Scheduler runs background jobs on a bounded worker pool and hands out
// per-collection write tickets. It does not own the request-handling pool
// (§5's "dedicated pool of request-handling goroutines ~ CPU cores");
// that pool is the ordinary goroutine-per-request model of whatever
// front-end calls the engine, which is outside this module.
type Scheduler struct {
	log     logging.Logger
	sem     *semaphore.Weighted
	group   singleflight.Group
	mu      sync.Mutex
	writers map[string]*writeTicket
	closed  bool
	wg      sync.WaitGroup
}

// writeTicket serializes writers for one collection while allowing
// concurrent readers (§5: "single-writer, multi-reader per collection").
// It is a thin wrapper around sync.RWMutex named for the role it plays
// rather than its mechanism, since "ticket" is the vocabulary the spec
// uses for this discipline.
type writeTicket struct {
	mu sync.RWMutex
}

// New creates a Scheduler whose background-worker pool admits at most
// maxWorkers concurrent jobs (§5: "a separate, smaller pool of background
// workers"). A maxWorkers <= 0 defaults to 4.
func New(maxWorkers int, log logging.Logger) *Scheduler {
	if maxWorkers <= 0 {
		maxWorkers = 4
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Scheduler{
		log:     log,
		sem:     semaphore.NewWeighted(int64(maxWorkers)),
		writers: make(map[string]*writeTicket),
	}
}

// ticketFor returns the write ticket for a collection, creating it on
// first use.
func (s *Scheduler) ticketFor(collection string) *writeTicket {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.writers[collection]
	if !ok {
		t = &writeTicket{}
		s.writers[collection] = t
	}
	return t
}

// WithWriteTicket runs fn while holding the exclusive write ticket for
// collection, blocking out concurrent writers (and, per §5, not
// concurrent readers of already-applied state — callers that need
// read/write exclusion at the same granularity use WithReadTicket).
// fn must not hold the ticket across a suspension point longer than the
// single WAL-append-plus-apply it protects (§5: "suspension points ...
// without holding locks across them").
func (s *Scheduler) WithWriteTicket(ctx context.Context, collection string, fn func(ctx context.Context) error) error {
	t := s.ticketFor(collection)
	t.mu.Lock()
	defer t.mu.Unlock()
	return fn(ctx)
}

// WithReadTicket runs fn while holding a shared read ticket for
// collection, allowed to run concurrently with other readers but not
// with a writer.
func (s *Scheduler) WithReadTicket(ctx context.Context, collection string, fn func(ctx context.Context) error) error {
	t := s.ticketFor(collection)
	t.mu.RLock()
	defer t.mu.RUnlock()
	return fn(ctx)
}

// Submit runs job on the bounded background-worker pool, blocking until a
// slot is free or ctx is cancelled. It returns once the job has been
// dispatched to a worker goroutine, not once it completes; callers that
// need the result should use SubmitAndWait.
func (s *Scheduler) Submit(ctx context.Context, job Job) error {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return vecerr.New("scheduler.submit", vecerr.Unavailable, "acquire worker slot: %v", err)
	}
	s.wg.Add(1)
	go func() {
		defer s.sem.Release(1)
		defer s.wg.Done()
		if err := job.Run(ctx); err != nil {
			s.log.Error("background job failed", "kind", job.Kind, "collection", job.Collection, "err", err)
		}
	}()
	return nil
}

// SubmitAndWait runs job on the worker pool and blocks for its result.
// Concurrent callers submitting the same (kind, collection) key
// de-duplicate via singleflight, so e.g. two callers racing to trigger a
// snapshot of the same collection share one run rather than doing the
// work twice (§5 does not require this, but it follows naturally from
// the single-writer discipline: a second snapshot started before the
// first finishes would contend for the same write ticket anyway).
func (s *Scheduler) SubmitAndWait(ctx context.Context, job Job) error {
	key := string(job.Kind) + ":" + job.Collection
	_, err, _ := s.group.Do(key, func() (any, error) {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return nil, vecerr.New("scheduler.submit_and_wait", vecerr.Unavailable, "acquire worker slot: %v", err)
		}
		defer s.sem.Release(1)
		return nil, job.Run(ctx)
	})
	return err
}

// RunAll runs jobs concurrently (bounded by the worker pool) and returns
// the first error encountered, cancelling the remaining jobs' context,
// mirroring the errgroup.WithContext fan-out named in the package comment.
func (s *Scheduler) RunAll(ctx context.Context, jobs []Job) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, job := range jobs {
		job := job
		g.Go(func() error {
			if err := s.sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer s.sem.Release(1)
			return job.Run(gctx)
		})
	}
	return g.Wait()
}

// Close waits for in-flight background jobs dispatched via Submit to
// finish. It does not cancel them; callers needing cancellation should
// cancel the ctx they passed to Submit.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wg.Wait()
}
