package stats

import (
	"sync"
	"time"

	"github.com/bkartel1/btcpool/internal/share"
)

// WindowSeconds is the span of the sliding window. Shares older than
// this relative to the wall clock are dropped, and workers silent for
// longer are expired.
const WindowSeconds = 900

// Clock supplies the current time in epoch seconds. It is injectable
// so tests can pin "now".
type Clock func() int64

func systemClock() int64 {
	return time.Now().Unix()
}

// WorkerKey identifies one accumulator: a worker of a user, the user
// total (WorkerID 0), or the pool total (0, 0).
type WorkerKey struct {
	UserID   int32
	WorkerID int64
}

// WorkerStatus is a point-in-time copy of a worker's observable
// counters. It is produced under the worker's lock and never stored.
type WorkerStatus struct {
	Accept1m      uint64
	Accept5m      uint64
	Accept15m     uint64
	Reject15m     uint64
	AcceptCount   uint32
	LastShareIP   uint32
	LastShareTime uint32
}

// WorkerShares accumulates one worker's shares: accepted difficulty in
// per-second buckets, rejected difficulty in per-minute buckets, plus
// last-seen metadata. Ingestion writes and HTTP snapshots read it
// concurrently, so every access goes through the instance lock.
type WorkerShares struct {
	mu sync.Mutex

	workerID int64
	userID   int32

	acceptCount   uint32
	lastShareIP   uint32
	lastShareTime uint32

	acceptShareSec *Window
	rejectShareMin *Window

	now Clock
}

// NewWorkerShares creates an empty accumulator. A nil clock means wall
// clock.
func NewWorkerShares(workerID int64, userID int32, now Clock) *WorkerShares {
	if now == nil {
		now = systemClock
	}
	return &WorkerShares{
		workerID:       workerID,
		userID:         userID,
		acceptShareSec: NewWindow(WindowSeconds),
		rejectShareMin: NewWindow(WindowSeconds / 60),
		now:            now,
	}
}

// ProcessShare folds one share into the accumulator. Shares whose
// timestamp has already aged out of the window are dropped.
func (w *WorkerShares) ProcessShare(s *share.Share) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	if now > int64(s.Timestamp)+WindowSeconds {
		return
	}

	if s.Result == share.Accept {
		w.acceptCount++
		w.acceptShareSec.Insert(int64(s.Timestamp), s.Share)
	} else {
		w.rejectShareMin.Insert(int64(s.Timestamp)/60, s.Share)
	}

	w.lastShareIP = s.IP
	w.lastShareTime = s.Timestamp
}

// Status snapshots the accumulator.
func (w *WorkerShares) Status() WorkerStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	return WorkerStatus{
		Accept1m:      w.acceptShareSec.Sum(now, 60),
		Accept5m:      w.acceptShareSec.Sum(now, 300),
		Accept15m:     w.acceptShareSec.Sum(now, WindowSeconds),
		Reject15m:     w.rejectShareMin.Sum(now/60, WindowSeconds/60),
		AcceptCount:   w.acceptCount,
		LastShareIP:   w.lastShareIP,
		LastShareTime: w.lastShareTime,
	}
}

// Expired reports whether the worker has been silent for a full window.
func (w *WorkerShares) Expired() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return int64(w.lastShareTime)+WindowSeconds < w.now()
}

// Merge sums a set of statuses into one. Accept and reject figures add;
// the last-seen fields come from the member with the newest share
// (first wins on ties).
func Merge(statuses []WorkerStatus) WorkerStatus {
	var m WorkerStatus
	for _, s := range statuses {
		m.Accept1m += s.Accept1m
		m.Accept5m += s.Accept5m
		m.Accept15m += s.Accept15m
		m.Reject15m += s.Reject15m
		m.AcceptCount += s.AcceptCount

		if s.LastShareTime > m.LastShareTime {
			m.LastShareTime = s.LastShareTime
			m.LastShareIP = s.LastShareIP
		}
	}
	return m
}
