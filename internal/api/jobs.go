package api

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// JobStatus is the state of an async indexing job.
type JobStatus string

const (
	StatusQueued    JobStatus = "queued"
	StatusIndexing  JobStatus = "indexing"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
)

// Job tracks one uploaded document through indexing. The raw upload bytes
// are kept for the preview endpoint until the job is evicted.
type Job struct {
	mu sync.Mutex

	ID       string    `json:"job_id"`
	Filename string    `json:"filename"`
	Status   JobStatus `json:"status"`
	Chunks   int       `json:"chunks"`
	Error    string    `json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	data []byte
}

func newJob(filename string, data []byte) *Job {
	now := time.Now()
	return &Job{
		ID:        uuid.NewString(),
		Filename:  filename,
		Status:    StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
		data:      data,
	}
}

func (j *Job) setStatus(status JobStatus) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Status = status
	j.UpdatedAt = time.Now()
}

func (j *Job) complete(chunks int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Status = StatusCompleted
	j.Chunks = chunks
	j.UpdatedAt = time.Now()
}

func (j *Job) fail(err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Status = StatusFailed
	j.Error = err.Error()
	j.UpdatedAt = time.Now()
}

// Data returns the raw upload bytes.
func (j *Job) Data() []byte {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.data
}

// JobSnapshot is a JSON-safe copy of job state.
type JobSnapshot struct {
	ID        string    `json:"job_id"`
	Filename  string    `json:"filename"`
	Status    JobStatus `json:"status"`
	Chunks    int       `json:"chunks"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Snapshot returns a copy safe to serialize while workers mutate the job.
func (j *Job) Snapshot() JobSnapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	return JobSnapshot{
		ID:        j.ID,
		Filename:  j.Filename,
		Status:    j.Status,
		Chunks:    j.Chunks,
		Error:     j.Error,
		CreatedAt: j.CreatedAt,
		UpdatedAt: j.UpdatedAt,
	}
}

// JobStore is a thread-safe in-memory job registry with TTL eviction.
type JobStore struct {
	mu   sync.Mutex
	jobs map[string]*Job
	ttl  time.Duration
}

// NewJobStore creates a store evicting jobs untouched for ttl.
func NewJobStore(ttl time.Duration) *JobStore {
	return &JobStore{
		jobs: make(map[string]*Job),
		ttl:  ttl,
	}
}

func (s *JobStore) Put(job *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
}

func (s *JobStore) Get(id string) *Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[id]
}

func (s *JobStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return false
	}
	delete(s.jobs, id)
	return true
}

// List returns snapshots of all jobs, newest first.
func (s *JobStore) List() []JobSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobSnapshot, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Cleanup removes jobs whose last update is older than the TTL.
func (s *JobStore) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for id, job := range s.jobs {
		snap := job.Snapshot()
		if now.Sub(snap.UpdatedAt) > s.ttl {
			delete(s.jobs, id)
		}
	}
}

// Runner processes queued jobs on a bounded worker pool.
type Runner struct {
	jobs    *JobStore
	queue   chan *Job
	process func(ctx context.Context, job *Job)
	workers int
	log     *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRunner creates a runner with the given pool size and queue depth.
func NewRunner(workers, queueSize int, ttl time.Duration, process func(ctx context.Context, job *Job), log *slog.Logger) *Runner {
	if workers < 1 {
		workers = 1
	}
	return &Runner{
		jobs:    NewJobStore(ttl),
		queue:   make(chan *Job, queueSize),
		process: process,
		workers: workers,
		log:     log,
	}
}

// Start launches the worker goroutines and the eviction ticker.
func (r *Runner) Start(ctx context.Context) {
	workerCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	for range r.workers {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			for {
				select {
				case <-workerCtx.Done():
					return
				case job, ok := <-r.queue:
					if !ok {
						return
					}
					job.setStatus(StatusIndexing)
					r.process(workerCtx, job)
				}
			}
		}()
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C:
				r.jobs.Cleanup()
			}
		}
	}()
}

// Stop drains the pool and waits for in-flight jobs.
func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	close(r.queue)
	r.wg.Wait()
}

// Submit registers and queues a job. A full queue fails the job immediately.
func (r *Runner) Submit(job *Job) error {
	r.jobs.Put(job)
	select {
	case r.queue <- job:
		return nil
	default:
		err := fmt.Errorf("job queue is full (%d)", cap(r.queue))
		job.fail(err)
		return err
	}
}

func (r *Runner) Job(id string) *Job       { return r.jobs.Get(id) }
func (r *Runner) Jobs() []JobSnapshot      { return r.jobs.List() }
func (r *Runner) DeleteJob(id string) bool { return r.jobs.Delete(id) }
