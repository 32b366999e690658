package images

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"grimoire/pkg/queue"
)

// Cleanup outcomes reported to the janitor's observer.
const (
	OutcomeDeleted   = "deleted"
	OutcomeRetrying  = "retrying"
	OutcomeAbandoned = "abandoned"
)

// Janitor retries image deletions that failed, backing off linearly, until
// they succeed or run out of attempts.
type Janitor struct {
	backend     Backend
	queue       *queue.Queue
	interval    time.Duration
	maxAttempts int
	log         logrus.FieldLogger
	now         func() time.Time
	observer    func(outcome string)
}

func NewJanitor(backend Backend, interval time.Duration, maxAttempts int, log logrus.FieldLogger) *Janitor {
	return &Janitor{
		backend:     backend,
		queue:       queue.New(),
		interval:    interval,
		maxAttempts: maxAttempts,
		log:         log,
		now:         time.Now,
	}
}

// OnOutcome registers fn to be called with every cleanup outcome.
func (j *Janitor) OnOutcome(fn func(outcome string)) {
	j.observer = fn
}

// Schedule queues url for another deletion attempt after the first one
// failed with err.
func (j *Janitor) Schedule(url string, err error) {
	j.requeue(&queue.Job{Key: url, Attempts: 1, MaxAttempts: j.maxAttempts}, err)
}

func (j *Janitor) Pending() int {
	return j.queue.Size()
}

// Run drains due jobs every interval until ctx is done.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.log.WithField("interval", j.interval).Info("Image cleanup janitor started")
	for {
		select {
		case <-ctx.Done():
			if n := j.queue.Size(); n > 0 {
				j.log.WithField("pending", n).Warn("Image cleanup janitor stopped with pending deletions")
			}
			return
		case <-ticker.C:
			j.Drain(ctx)
		}
	}
}

// Drain makes one attempt at every job that is due.
func (j *Janitor) Drain(ctx context.Context) {
	for _, job := range j.queue.DequeueDue(j.now()) {
		if ctx.Err() != nil {
			j.queue.Enqueue(job)
			continue
		}

		err := j.backend.Delete(ctx, job.Key)
		if err == nil {
			j.log.WithFields(logrus.Fields{"image_url": job.Key, "attempts": job.Attempts + 1}).Info("Deleted image on retry")
			j.observe(OutcomeDeleted)
			continue
		}
		job.Attempts++
		j.requeue(job, err)
	}
}

func (j *Janitor) requeue(job *queue.Job, err error) {
	job.LastError = err.Error()
	entry := j.log.WithError(err).WithFields(logrus.Fields{"image_url": job.Key, "attempts": job.Attempts})

	if job.Exhausted() {
		entry.Error("Giving up on deleting image")
		j.observe(OutcomeAbandoned)
		return
	}

	job.RetryAt = j.now().Add(time.Duration(job.Attempts) * j.interval)
	j.queue.Enqueue(job)
	entry.Warn("Image deletion failed, will retry")
	j.observe(OutcomeRetrying)
}

func (j *Janitor) observe(outcome string) {
	if j.observer != nil {
		j.observer(outcome)
	}
}
