// Package workerpool runs long administrative jobs on a bounded set of
// goroutines and keeps their status for polling.
package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// JobFunc does the work of a job. The returned summary is stored with the job.
type JobFunc func(ctx context.Context) (string, error)

// JobState is the lifecycle state of a job
type JobState string

const (
	JobQueued    JobState = "queued"
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
)

// JobInfo is a point-in-time copy of a job's status
type JobInfo struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	State       JobState  `json:"state"`
	Summary     string    `json:"summary,omitempty"`
	Error       string    `json:"error,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	FinishedAt  time.Time `json:"finished_at,omitempty"`
}

type job struct {
	info JobInfo
	fn   JobFunc
}

// Config holds worker pool configuration
type Config struct {
	Name       string
	MaxWorkers int
	QueueSize  int
	Logger     *zap.Logger
}

// WorkerPool executes jobs on a fixed number of workers
type WorkerPool struct {
	name       string
	maxWorkers int
	queue      chan *job
	logger     *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stopOnce sync.Once
	stopped  atomic.Bool

	mu   sync.RWMutex
	jobs map[string]*job

	activeWorkers atomic.Int32
	completedJobs atomic.Uint64
	failedJobs    atomic.Uint64
	rejectedJobs  atomic.Uint64
}

// NewWorkerPool creates and starts a worker pool
func NewWorkerPool(cfg *Config) *WorkerPool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	pool := &WorkerPool{
		name:       cfg.Name,
		maxWorkers: cfg.MaxWorkers,
		queue:      make(chan *job, cfg.QueueSize),
		logger:     cfg.Logger,
		ctx:        ctx,
		cancel:     cancel,
		jobs:       make(map[string]*job),
	}

	for i := 0; i < pool.maxWorkers; i++ {
		pool.wg.Add(1)
		go pool.worker(i)
	}

	pool.logger.Info("Worker pool started",
		zap.String("name", pool.name),
		zap.Int("max_workers", pool.maxWorkers),
		zap.Int("queue_size", cfg.QueueSize))

	return pool
}

func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case j := <-p.queue:
			p.execute(id, j)
		}
	}
}

func (p *WorkerPool) execute(workerID int, j *job) {
	p.activeWorkers.Add(1)
	defer p.activeWorkers.Add(-1)

	p.update(j, func(info *JobInfo) {
		info.State = JobRunning
		info.StartedAt = time.Now()
	})

	summary, err := p.safeExecute(j)

	p.update(j, func(info *JobInfo) {
		info.FinishedAt = time.Now()
		info.Summary = summary
		if err != nil {
			info.State = JobFailed
			info.Error = err.Error()
		} else {
			info.State = JobSucceeded
		}
	})

	if err != nil {
		p.failedJobs.Add(1)
		p.logger.Error("Job failed",
			zap.String("pool", p.name),
			zap.Int("worker_id", workerID),
			zap.String("job_id", j.info.ID),
			zap.String("job", j.info.Name),
			zap.Error(err))
		return
	}
	p.completedJobs.Add(1)
	p.logger.Info("Job completed",
		zap.String("pool", p.name),
		zap.String("job_id", j.info.ID),
		zap.String("job", j.info.Name),
		zap.String("summary", summary))
}

func (p *WorkerPool) safeExecute(j *job) (summary string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
			p.logger.Error("Job panic recovered",
				zap.String("pool", p.name),
				zap.String("job_id", j.info.ID),
				zap.Any("panic", r))
		}
	}()
	return j.fn(p.ctx)
}

func (p *WorkerPool) update(j *job, fn func(info *JobInfo)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(&j.info)
}

// Submit queues a job and returns its id. It fails when the queue is full
// or the pool is stopped.
func (p *WorkerPool) Submit(name string, fn JobFunc) (string, error) {
	if p.stopped.Load() {
		p.rejectedJobs.Add(1)
		return "", fmt.Errorf("worker pool '%s' is stopped", p.name)
	}

	j := &job{
		info: JobInfo{ID: uuid.NewString(), Name: name, State: JobQueued, SubmittedAt: time.Now()},
		fn:   fn,
	}

	p.mu.Lock()
	p.jobs[j.info.ID] = j
	p.mu.Unlock()

	select {
	case p.queue <- j:
		return j.info.ID, nil
	default:
		p.mu.Lock()
		delete(p.jobs, j.info.ID)
		p.mu.Unlock()
		p.rejectedJobs.Add(1)
		return "", fmt.Errorf("worker pool '%s' queue is full", p.name)
	}
}

// Job returns the status of a job
func (p *WorkerPool) Job(id string) (JobInfo, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	j, ok := p.jobs[id]
	if !ok {
		return JobInfo{}, false
	}
	return j.info, true
}

// Stop cancels running jobs and waits for workers to exit
func (p *WorkerPool) Stop(timeout time.Duration) error {
	var err error
	p.stopOnce.Do(func() {
		p.logger.Info("Stopping worker pool", zap.String("name", p.name))
		p.stopped.Store(true)
		p.cancel()

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			p.logger.Info("Worker pool stopped gracefully", zap.String("name", p.name))
		case <-time.After(timeout):
			err = fmt.Errorf("worker pool '%s' stop timeout after %v", p.name, timeout)
			p.logger.Warn("Worker pool stop timeout", zap.String("name", p.name))
		}
	})
	return err
}

// Stats represents worker pool statistics
type Stats struct {
	Name          string
	MaxWorkers    int
	ActiveWorkers int
	QueuedJobs    int
	CompletedJobs uint64
	FailedJobs    uint64
	RejectedJobs  uint64
}

// Stats returns current worker pool statistics
func (p *WorkerPool) Stats() Stats {
	return Stats{
		Name:          p.name,
		MaxWorkers:    p.maxWorkers,
		ActiveWorkers: int(p.activeWorkers.Load()),
		QueuedJobs:    len(p.queue),
		CompletedJobs: p.completedJobs.Load(),
		FailedJobs:    p.failedJobs.Load(),
		RejectedJobs:  p.rejectedJobs.Load(),
	}
}
