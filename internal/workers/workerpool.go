package workers

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// WorkerPool manages a pool of workers that execute jobs concurrently.
type WorkerPool struct {
	jobCh   chan func()
	wg      sync.WaitGroup
	workers sync.WaitGroup
	log     *zap.Logger

	stopOnce sync.Once
	stopped  atomic.Bool
	mu       sync.RWMutex // guards jobCh sends against Stop
	dropped  atomic.Int64
}

// NewWorkerPool initializes a worker pool with a fixed number of workers.
func NewWorkerPool(workerCount, jobBufferSize int, log *zap.Logger) *WorkerPool {
	if workerCount < 1 {
		workerCount = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	wp := &WorkerPool{
		jobCh: make(chan func(), jobBufferSize),
		log:   log,
	}
	wp.workers.Add(workerCount)
	for i := 0; i < workerCount; i++ {
		go wp.worker()
	}
	return wp
}

func (wp *WorkerPool) worker() {
	defer wp.workers.Done()
	for job := range wp.jobCh {
		wp.run(job)
	}
}

func (wp *WorkerPool) run(job func()) {
	defer wp.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			wp.log.Error("Recovered from panic in worker job", zap.Any("panic", r))
		}
	}()
	job()
}

// AddJob enqueues a job without blocking. It returns false when the queue
// is full or the pool is stopped.
func (wp *WorkerPool) AddJob(job func()) bool {
	wp.mu.RLock()
	defer wp.mu.RUnlock()

	if wp.stopped.Load() {
		return false
	}
	wp.wg.Add(1)
	select {
	case wp.jobCh <- job:
		return true
	default:
		wp.wg.Done()
		wp.dropped.Add(1)
		return false
	}
}

// Dropped returns how many jobs were rejected because the queue was full.
func (wp *WorkerPool) Dropped() int64 {
	return wp.dropped.Load()
}

// Wait blocks until all queued jobs are completed.
func (wp *WorkerPool) Wait() {
	wp.wg.Wait()
}

// Stop rejects new jobs, drains the queue and waits for the workers to exit.
func (wp *WorkerPool) Stop() {
	wp.stopOnce.Do(func() {
		wp.mu.Lock()
		wp.stopped.Store(true)
		close(wp.jobCh)
		wp.mu.Unlock()
		wp.workers.Wait()
	})
}
