package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/kit/log"

	"github.com/signapse/shipyard/pkg/guid"
)

type JobID string

// NewJobID returns a fresh random job ID.
func NewJobID() JobID {
	return JobID(guid.New())
}

// Job is a deferred pipeline run. Do gets a logger scoped to the
// job's ID so its output can be found again.
type Job struct {
	ID JobID
	Do func(ctx context.Context, logger log.Logger) (*Outcome, error)

	enqueuedAt time.Time
}

// Queue is an unbounded queue of jobs. Enqueuing always proceeds;
// dequeuing is done by receiving from Ready. It is also possible to
// iterate over the jobs currently waiting.
type Queue struct {
	ready       chan *Job
	incoming    chan *Job
	waiting     []*Job
	waitingLock sync.Mutex
	syncC       chan struct{}
}

func NewQueue(stop <-chan struct{}, wg *sync.WaitGroup) *Queue {
	q := &Queue{
		ready:    make(chan *Job),
		incoming: make(chan *Job),
		waiting:  make([]*Job, 0),
		syncC:    make(chan struct{}),
	}
	wg.Add(1)
	go q.loop(stop, wg)
	return q
}

func (q *Queue) Len() int {
	q.waitingLock.Lock()
	defer q.waitingLock.Unlock()
	return len(q.waiting)
}

// Enqueue puts a job onto the queue. It blocks until the queue's
// loop accepts the job, which does not depend on a job being
// dequeued.
func (q *Queue) Enqueue(j *Job) {
	q.incoming <- j
}

// Ready returns a channel that can be used to dequeue jobs. Note
// that dequeuing is not atomic: you may still see the dequeued job
// with ForEach, for a time.
func (q *Queue) Ready() <-chan *Job {
	return q.ready
}

// Sync blocks until the queue's loop has digested everything
// enqueued before the call. Tests use it instead of sleeping.
func (q *Queue) Sync() {
	q.syncC <- struct{}{}
}

func (q *Queue) ForEach(fn func(int, *Job) bool) {
	q.waitingLock.Lock()
	jobs := q.waiting
	q.waitingLock.Unlock()
	for i, job := range jobs {
		if !fn(i, job) {
			return
		}
	}
}

func (q *Queue) loop(stop <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	defer q.drain()
	for {
		var out chan *Job
		if q.Len() > 0 {
			out = q.ready
		}

		select {
		case <-stop:
			return
		case <-q.syncC:
		case in := <-q.incoming:
			q.waitingLock.Lock()
			q.waiting = append(q.waiting, in)
			q.waitingLock.Unlock()
		case out <- q.nextOrNil(): // cannot proceed if out is nil
			q.waitingLock.Lock()
			q.waiting = q.waiting[1:]
			q.waitingLock.Unlock()
		}
	}
}

func (q *Queue) drain() {
	// unblock anyone waiting on a value
	close(q.ready)
	// unblock anyone waiting to enqueue (possibly discarding a
	// value)
	select {
	case <-q.incoming:
	default:
	}
}

// nextOrNil returns the job that will be made ready next, or nil if
// the queue is empty.
func (q *Queue) nextOrNil() *Job {
	q.waitingLock.Lock()
	defer q.waitingLock.Unlock()
	if len(q.waiting) > 0 {
		return q.waiting[0]
	}
	return nil
}
