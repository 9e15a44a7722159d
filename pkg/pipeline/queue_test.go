package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue(t *testing.T) {
	shutdown := make(chan struct{})
	wg := &sync.WaitGroup{}
	defer func() {
		close(shutdown)
		wg.Wait()
	}()
	q := NewQueue(shutdown, wg)
	if q.Len() != 0 {
		t.Errorf("fresh queue has length %d (!= 0)", q.Len())
	}

	select {
	case <-q.Ready():
		t.Error("value from q.Ready before any jobs enqueued")
	default:
	}

	// When this proceeds, the job is in the queue
	q.Enqueue(&Job{ID: "job-1"})
	q.Sync()
	if q.Len() != 1 {
		t.Errorf("queue has length %d (!= 1) after enqueuing one job (and sync)", q.Len())
	}

	// This should proceed eventually
	j := <-q.Ready()
	if j.ID != "job-1" {
		t.Errorf("dequeued odd job: %#v", j)
	}
	q.Sync()
	if q.Len() != 0 {
		t.Errorf("queue has length %d (!= 0) after dequeuing only job (and sync)", q.Len())
	}

	// This should not proceed, because the queue is empty
	select {
	case j = <-q.Ready():
		t.Errorf("dequeued from empty queue: %#v", j)
	default:
	}
}

func TestStatusCacheEvictsOldest(t *testing.T) {
	c := &StatusCache{Size: 2}
	c.SetStatus("a", Status{StatusString: StatusQueued})
	c.SetStatus("b", Status{StatusString: StatusQueued})
	c.SetStatus("c", Status{StatusString: StatusQueued})

	_, ok := c.Status("a")
	assert.False(t, ok, "oldest entry should have been evicted")
	for _, id := range []JobID{"b", "c"} {
		_, ok := c.Status(id)
		assert.True(t, ok)
	}

	// updating an entry does not evict anything
	c.SetStatus("b", Status{StatusString: StatusRunning})
	st, ok := c.Status("b")
	require.True(t, ok)
	assert.Equal(t, StatusRunning, st.StatusString)
	_, ok = c.Status("c")
	assert.True(t, ok)
}

func TestDispatcherRunsJobs(t *testing.T) {
	shutdown := make(chan struct{})
	wg := &sync.WaitGroup{}
	q := NewQueue(shutdown, wg)
	d := NewDispatcher(log.NewNopLogger(), q, &StatusCache{Size: 10})

	wg.Add(1)
	go d.Loop(shutdown, wg)

	id := d.Submit(&Job{Do: func(context.Context, log.Logger) (*Outcome, error) {
		return &Outcome{RecordID: "rec-1"}, nil
	}})
	st, ok := d.Status(id)
	require.True(t, ok)
	require.Contains(t, []StatusString{StatusQueued, StatusRunning, StatusSucceeded}, st.StatusString)

	require.Eventually(t, func() bool {
		st, ok := d.Status(id)
		return ok && st.StatusString == StatusSucceeded
	}, time.Second, time.Millisecond)
	st, _ = d.Status(id)
	require.NotNil(t, st.Result)
	assert.Equal(t, "rec-1", st.Result.RecordID)

	failID := d.Submit(&Job{Do: func(context.Context, log.Logger) (*Outcome, error) {
		return nil, errors.New("did not work")
	}})
	require.Eventually(t, func() bool {
		st, ok := d.Status(failID)
		return ok && st.StatusString == StatusFailed
	}, time.Second, time.Millisecond)
	st, _ = d.Status(failID)
	assert.Equal(t, "did not work", st.Err)

	close(shutdown)
	wg.Wait()
}
