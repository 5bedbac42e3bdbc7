package stats

import (
	"sync"

	"github.com/bkartel1/btcpool/internal/share"
	"github.com/bkartel1/btcpool/internal/util"
)

// Registry is the two-level share index: one accumulator per
// (userId, workerId), one user-total accumulator per (userId, 0), and
// a pool-wide accumulator at (0, 0) kept outside the map.
//
// A single ingestion goroutine writes; HTTP handlers read. The map and
// counters sit behind a readers-writer lock held only for lookups,
// installs and sweeps; per-worker mutation happens under each
// accumulator's own lock.
type Registry struct {
	mu sync.RWMutex

	workers         map[WorkerKey]*WorkerShares
	userWorkerCount map[int32]int32

	totalWorkerCount uint64
	totalUserCount   uint64

	poolWorker *WorkerShares
	now        Clock
}

// NewRegistry creates an empty registry. A nil clock means wall clock.
func NewRegistry(now Clock) *Registry {
	if now == nil {
		now = systemClock
	}
	return &Registry{
		workers:         make(map[WorkerKey]*WorkerShares),
		userWorkerCount: make(map[int32]int32),
		poolWorker:      NewWorkerShares(0, 0, now),
		now:             now,
	}
}

// ProcessShare routes one share to the pool, worker and user-total
// accumulators. Shares already outside the window are a no-op.
func (r *Registry) ProcessShare(s *share.Share) {
	if r.now() > int64(s.Timestamp)+WindowSeconds {
		return
	}

	r.poolWorker.ProcessShare(s)

	k1 := WorkerKey{UserID: s.UserID, WorkerID: s.WorkerHashID}
	k2 := WorkerKey{UserID: s.UserID, WorkerID: 0}

	r.mu.RLock()
	w1 := r.workers[k1]
	w2 := r.workers[k2]
	r.mu.RUnlock()

	// First share for a key: build the accumulator outside the write
	// lock, feed it, then install. Two concurrent first inserts may
	// race: the later install replaces the earlier entry, whose single
	// sample is lost.
	var n1, n2 *WorkerShares

	if w1 != nil {
		w1.ProcessShare(s)
	} else {
		n1 = NewWorkerShares(s.WorkerHashID, s.UserID, r.now)
		n1.ProcessShare(s)
	}

	if w2 != nil {
		w2.ProcessShare(s)
	} else {
		n2 = NewWorkerShares(s.WorkerHashID, s.UserID, r.now)
		n2.ProcessShare(s)
	}

	if n1 == nil && n2 == nil {
		return
	}

	r.mu.Lock()
	if n1 != nil {
		r.workers[k1] = n1
		r.totalWorkerCount++
		r.userWorkerCount[k1.UserID]++
	}
	if n2 != nil {
		r.workers[k2] = n2
		r.totalUserCount++
	}
	r.mu.Unlock()
}

// SnapshotBatch resolves keys to accumulators under the read lock,
// then snapshots each without it, so a sweep racing with the read
// cannot invalidate a handle already taken. Unknown keys yield a zero
// status.
func (r *Registry) SnapshotBatch(keys []WorkerKey) []WorkerStatus {
	handles := make([]*WorkerShares, len(keys))

	r.mu.RLock()
	for i, k := range keys {
		handles[i] = r.workers[k]
	}
	r.mu.RUnlock()

	statuses := make([]WorkerStatus, len(keys))
	for i, w := range handles {
		if w != nil {
			statuses[i] = w.Status()
		}
	}
	return statuses
}

// SweepExpired drops every accumulator silent for a full window,
// keeping the counters symmetric with insertion. Returns the number
// removed. Safe to call at any cadence; it only bounds memory.
func (r *Registry) SweepExpired() int {
	expired := 0

	r.mu.Lock()
	for key, w := range r.workers {
		if !w.Expired() {
			continue
		}
		if key.WorkerID == 0 {
			r.totalUserCount--
		} else {
			r.totalWorkerCount--
			r.userWorkerCount[key.UserID]--
			if r.userWorkerCount[key.UserID] == 0 {
				delete(r.userWorkerCount, key.UserID)
			}
		}
		delete(r.workers, key)
		expired++
	}
	r.mu.Unlock()

	util.Infof("removed expired workers: %d", expired)
	return expired
}

// PoolSnapshot snapshots the pool-wide accumulator.
func (r *Registry) PoolSnapshot() WorkerStatus {
	return r.poolWorker.Status()
}

// WorkerCount returns the number of live worker entries.
func (r *Registry) WorkerCount() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.totalWorkerCount
}

// UserCount returns the number of live user-total entries.
func (r *Registry) UserCount() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.totalUserCount
}

// UserWorkerCount returns how many live workers a user has, not
// counting the user-total entry.
func (r *Registry) UserWorkerCount(userID int32) int32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.userWorkerCount[userID]
}
