package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/kit/log"

	"github.com/signapse/shipyard/pkg/metrics"
)

// Dispatcher drains a queue and runs each job in its own goroutine,
// keeping the status cache current. Jobs for the same target still
// serialize inside the pipeline; the dispatcher doesn't need to know
// about targets.
type Dispatcher struct {
	logger log.Logger
	jobs   *Queue
	status *StatusCache
}

func NewDispatcher(logger log.Logger, jobs *Queue, status *StatusCache) *Dispatcher {
	return &Dispatcher{logger: logger, jobs: jobs, status: status}
}

// Submit queues a job and marks it queued. The returned ID is how
// callers ask after it later; a job without one gets one.
func (d *Dispatcher) Submit(j *Job) JobID {
	if j.ID == "" {
		j.ID = NewJobID()
	}
	j.enqueuedAt = time.Now()
	d.status.SetStatus(j.ID, Status{StatusString: StatusQueued})
	d.jobs.Enqueue(j)
	queueLength.Set(float64(d.jobs.Len()))
	return j.ID
}

// RunNow executes a job synchronously, skipping the queue. Dry runs
// take this path: they mutate nothing, and the caller wants the
// answer on this request, not a poll later.
func (d *Dispatcher) RunNow(j *Job) (JobID, error) {
	if j.ID == "" {
		j.ID = NewJobID()
	}
	return j.ID, d.run(j)
}

// Status reports where a job is. ok is false for IDs the cache never
// saw, or saw so long ago they've been evicted.
func (d *Dispatcher) Status(id JobID) (Status, bool) {
	return d.status.Status(id)
}

// Loop runs until stop closes; run it in its own goroutine.
func (d *Dispatcher) Loop(stop chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case <-stop:
			return
		case j, ok := <-d.jobs.Ready():
			if !ok {
				return
			}
			queueLength.Set(float64(d.jobs.Len()))
			wg.Add(1)
			go func(j *Job) {
				defer wg.Done()
				d.run(j)
			}(j)
		}
	}
}

func (d *Dispatcher) run(j *Job) error {
	logger := log.With(d.logger, "jobID", j.ID)
	if !j.enqueuedAt.IsZero() {
		queueDuration.Observe(time.Since(j.enqueuedAt).Seconds())
	}
	d.status.SetStatus(j.ID, Status{StatusString: StatusRunning})
	logger.Log("state", "in-progress")

	start := time.Now()
	result, err := j.Do(context.Background(), logger)
	jobDuration.With(
		metrics.LabelSuccess, fmt.Sprint(err == nil),
	).Observe(time.Since(start).Seconds())

	if err != nil {
		d.status.SetStatus(j.ID, Status{StatusString: StatusFailed, Err: err.Error(), Result: result})
		logger.Log("state", "done", "success", "false", "err", err)
		return err
	}
	d.status.SetStatus(j.ID, Status{StatusString: StatusSucceeded, Result: result})
	logger.Log("state", "done", "success", "true")
	return nil
}
