// Package queue is an in-memory retry queue for work that failed and should be
// attempted again later.
package queue

import (
	"sync"
	"time"
)

type Job struct {
	// Key identifies the work; a key is queued at most once.
	Key         string
	RetryAt     time.Time
	Attempts    int
	MaxAttempts int
	LastError   string
}

// Exhausted reports whether the job has used all of its attempts.
func (j *Job) Exhausted() bool {
	return j.MaxAttempts > 0 && j.Attempts >= j.MaxAttempts
}

type Queue struct {
	mu    sync.Mutex
	items []*Job
}

func New() *Queue {
	return &Queue{}
}

// Enqueue adds job, or replaces the queued job with the same key.
func (q *Queue) Enqueue(job *Job) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, existing := range q.items {
		if existing.Key == job.Key {
			q.items[i] = job
			return
		}
	}
	q.items = append(q.items, job)
}

// DequeueDue removes and returns every job whose RetryAt is not after now,
// in enqueue order.
func (q *Queue) DequeueDue(now time.Time) []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	var due []*Job
	kept := q.items[:0]
	for _, job := range q.items {
		if job.RetryAt.After(now) {
			kept = append(kept, job)
			continue
		}
		due = append(due, job)
	}
	for i := len(kept); i < len(q.items); i++ {
		q.items[i] = nil
	}
	q.items = kept
	return due
}

func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Snapshot returns copies of the queued jobs.
func (q *Queue) Snapshot() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Job, len(q.items))
	for i, job := range q.items {
		out[i] = *job
	}
	return out
}
