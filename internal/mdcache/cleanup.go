package mdcache

import (
	"context"

	log "github.com/sirupsen/logrus"
)

// CleanupQueue receives entries whose last reference and last export
// association are gone. The queue alone performs final destruction; once
// an entry is pushed the lifecycle code never dereferences it again.
//
// TryPush may decline (bounded queue). A declined entry stays allocated
// and unreferenced until the surrounding system retries via ReapDetached;
// the cache itself never retries.
type CleanupQueue interface {
	TryPush(e *Entry) bool
}

// cleanupQueue is the default bounded-channel queue with a single worker
// goroutine draining it.
type cleanupQueue struct {
	cache *Cache
	ch    chan *Entry
	done  chan struct{}
}

func newCleanupQueue(c *Cache, size int) *cleanupQueue {
	if size <= 0 {
		size = 1024
	}
	q := &cleanupQueue{
		cache: c,
		ch:    make(chan *Entry, size),
		done:  make(chan struct{}),
	}
	go q.run()
	return q
}

// TryPush hands an entry to the worker. Never blocks: callers sit on the
// release fast path and must not wait on a full queue.
func (q *cleanupQueue) TryPush(e *Entry) bool {
	select {
	case q.ch <- e:
		return true
	default:
		log.WithField("key", e.key).Debug("cleanup queue full, deferring entry")
		return false
	}
}

func (q *cleanupQueue) run() {
	defer close(q.done)
	for e := range q.ch {
		q.cache.destroy(context.Background(), e)
	}
}

// close stops the worker after draining queued entries.
func (q *cleanupQueue) close() {
	close(q.ch)
	<-q.done
}
