// Package executor implements the flush/compaction executor: bounded
// worker pools for flush and compaction tasks, plus a single-threaded
// signal stage that delivers onMemtableFlush(replayPosition) callbacks in
// monotone commit-log order regardless of which worker finishes first.
//
// Flush and compaction each run on a dedicated bounded pool of goroutines
// fed by buffered channels, with a coalescing "maybe schedule" dispatch
// pattern. Because N flushes can complete out of order across a pool,
// their onMemtableFlush callbacks pass through a small reorder buffer so
// the commit log only ever learns about a monotonically advancing replay
// position.
package executor

import (
	"sync"

	"github.com/columnforge/ctable/internal/logging"
	"github.com/columnforge/ctable/internal/walpos"
)

// FlushTask runs one flush to completion and returns the replay position
// captured when its memtable became active. An error aborts the task; no
// signal is emitted for a failed flush.
type FlushTask func() (walpos.Position, error)

// CompactionTask runs one compaction job to completion.
type CompactionTask func() error

type flushJob struct {
	seq  uint64
	task FlushTask
}

type flushResult struct {
	seq uint64
	pos walpos.Position
	err error
}

// Executor runs flush and compaction tasks on bounded worker pools.
//
// Flush tasks must be submitted (via SubmitFlush) in the same order
// their memtables became the flushing one — i.e. in non-decreasing
// replayPosition order. The executor assigns each submission a
// sequence number in that call order and the signal stage delivers
// onMemtableFlush callbacks strictly in sequence order, even though
// flushJobs themselves may complete on the worker pool out of order.
type Executor struct {
	logger logging.Logger

	onMemtableFlush func(walpos.Position)

	flushTasks chan flushJob
	flushWG    sync.WaitGroup

	compactionTasks chan CompactionTask
	compactionWG    sync.WaitGroup

	submitMu sync.Mutex
	nextSeq  uint64

	signalCh chan flushResult
	signalWG sync.WaitGroup

	closeOnce sync.Once
}

// New starts an Executor with the given pool sizes. onMemtableFlush is
// called from the single signal-stage goroutine — it must not block
// indefinitely or later flushes will back up behind it. A nil logger
// defaults to logging.Discard; a nil onMemtableFlush is a no-op.
func New(flushPoolSize, flushQueueSize, compactionPoolSize int, onMemtableFlush func(walpos.Position), logger logging.Logger) *Executor {
	if flushPoolSize <= 0 {
		flushPoolSize = 1
	}
	if compactionPoolSize <= 0 {
		compactionPoolSize = 1
	}
	if flushQueueSize < 0 {
		flushQueueSize = 0
	}
	if logging.IsNil(logger) {
		logger = logging.Discard
	}
	if onMemtableFlush == nil {
		onMemtableFlush = func(walpos.Position) {}
	}

	e := &Executor{
		logger:          logger,
		onMemtableFlush: onMemtableFlush,
		flushTasks:      make(chan flushJob, flushQueueSize),
		compactionTasks: make(chan CompactionTask, compactionPoolSize),
		signalCh:        make(chan flushResult, flushQueueSize+flushPoolSize),
	}

	for i := 0; i < flushPoolSize; i++ {
		e.flushWG.Add(1)
		go e.runFlushWorker()
	}
	for i := 0; i < compactionPoolSize; i++ {
		e.compactionWG.Add(1)
		go e.runCompactionWorker()
	}
	e.signalWG.Add(1)
	go e.runSignalStage()

	return e
}

// SubmitFlush enqueues a flush task, blocking if the flush queue is at
// capacity (backpressure). Must not be called after Close.
func (e *Executor) SubmitFlush(task FlushTask) {
	e.submitMu.Lock()
	seq := e.nextSeq
	e.nextSeq++
	e.submitMu.Unlock()

	e.flushTasks <- flushJob{seq: seq, task: task}
}

// SubmitCompaction enqueues a compaction task, blocking if the
// compaction pool's queue is at capacity. Must not be called after
// Close.
func (e *Executor) SubmitCompaction(task CompactionTask) {
	e.compactionTasks <- task
}

func (e *Executor) runFlushWorker() {
	defer e.flushWG.Done()
	for job := range e.flushTasks {
		pos, err := job.task()
		if err != nil {
			e.logger.Errorf(logging.NSExecutor+"flush task (seq %d) failed: %v", job.seq, err)
		}
		e.signalCh <- flushResult{seq: job.seq, pos: pos, err: err}
	}
}

func (e *Executor) runCompactionWorker() {
	defer e.compactionWG.Done()
	for task := range e.compactionTasks {
		if err := task(); err != nil {
			e.logger.Errorf(logging.NSExecutor+"compaction task failed: %v", err)
		}
	}
}

// runSignalStage is the single goroutine that reorders flush results
// back into sequence order before invoking onMemtableFlush. A failed
// flush's sequence number is consumed without a callback, since it
// never settled on a usable replay position; the caller is expected to
// resubmit the same flush after a backoff.
func (e *Executor) runSignalStage() {
	defer e.signalWG.Done()

	pending := make(map[uint64]flushResult)
	var next uint64

	for res := range e.signalCh {
		pending[res.seq] = res
		for {
			r, ok := pending[next]
			if !ok {
				break
			}
			delete(pending, next)
			next++
			if r.err == nil {
				e.onMemtableFlush(r.pos)
			}
		}
	}
}

// Close stops accepting new work, drains everything already queued, and
// waits for the signal stage to finish delivering callbacks for
// whatever completed before Close was called. Submitting after Close
// panics, since it sends on a closed channel.
func (e *Executor) Close() {
	e.closeOnce.Do(func() {
		close(e.flushTasks)
		close(e.compactionTasks)
	})
	e.flushWG.Wait()
	e.compactionWG.Wait()
	close(e.signalCh)
	e.signalWG.Wait()
}
