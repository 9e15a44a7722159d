package pipeline

import (
	"sync"
)

type StatusString string

const (
	StatusQueued    StatusString = "queued"
	StatusRunning   StatusString = "running"
	StatusFailed    StatusString = "failed"
	StatusSucceeded StatusString = "succeeded"
)

// Status is where a job has got to and, once done, how it went. A
// failed job may still carry a result, e.g. the partial outcome of a
// deployment that stopped midway.
type Status struct {
	StatusString StatusString `json:"status"`
	Err          string       `json:"err,omitempty"`
	Result       *Outcome     `json:"result,omitempty"`
}

// StatusCache remembers recent job outcomes so the API can answer
// questions about them. When full, the oldest entries are evicted to
// make room.
type StatusCache struct {
	// Size is the number of statuses to keep.
	Size int

	// Entries live in a slice to make FIFO eviction easy. Efficiency
	// doesn't matter; the cache is small and computers are fast.
	cache []statusEntry
	sync.RWMutex
}

type statusEntry struct {
	ID     JobID
	Status Status
}

func (c *StatusCache) SetStatus(id JobID, status Status) {
	if c.Size <= 0 {
		return
	}
	c.Lock()
	defer c.Unlock()
	if i := c.statusIndex(id); i >= 0 {
		c.cache[i].Status = status
		return
	}
	// Evict before appending, so append only copies what's kept.
	if c.Size <= len(c.cache) {
		c.cache = c.cache[len(c.cache)-(c.Size-1):]
	}
	c.cache = append(c.cache, statusEntry{
		ID:     id,
		Status: status,
	})
}

func (c *StatusCache) Status(id JobID) (Status, bool) {
	c.RLock()
	defer c.RUnlock()
	i := c.statusIndex(id)
	if i < 0 {
		return Status{}, false
	}
	return c.cache[i].Status, true
}

func (c *StatusCache) statusIndex(id JobID) int {
	// entries are ordered by arrival, not ID, so no binary search
	for i := range c.cache {
		if c.cache[i].ID == id {
			return i
		}
	}
	return -1
}
