package server

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bkartel1/btcpool/internal/api"
	"github.com/bkartel1/btcpool/internal/config"
	"github.com/bkartel1/btcpool/internal/share"
	"github.com/bkartel1/btcpool/internal/sharelog"
	"github.com/bkartel1/btcpool/internal/stats"
)

const testNow = int64(1500000000)

// fakeSource replays a scripted sequence of records and errors, then
// reports timeouts forever.
type fakeSource struct {
	mu       sync.Mutex
	records  []*sharelog.Record
	errs     []error
	pos      int
	started  bool
	startErr error
	backlog  int64
	closed   bool
	drained  chan struct{}
	once     sync.Once
}

func newFakeSource() *fakeSource {
	return &fakeSource{drained: make(chan struct{})}
}

func (f *fakeSource) push(value []byte) {
	f.records = append(f.records, &sharelog.Record{Value: value})
	f.errs = append(f.errs, nil)
}

func (f *fakeSource) pushErr(err error) {
	f.records = append(f.records, nil)
	f.errs = append(f.errs, err)
}

func (f *fakeSource) Start(backlog int64, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	f.backlog = backlog
	return f.startErr
}

func (f *fakeSource) Fetch(timeout time.Duration) (*sharelog.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.pos >= len(f.records) {
		f.once.Do(func() { close(f.drained) })
		return nil, nil
	}

	rec, err := f.records[f.pos], f.errs[f.pos]
	f.pos++
	return rec, err
}

func (f *fakeSource) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func testConfig() *config.Config {
	return &config.Config{
		Kafka: config.KafkaConfig{
			Brokers: "127.0.0.1:9092",
			Topic:   "ShareLog",
			Backlog: 900000,
		},
		HTTP: config.HTTPConfig{
			Host:         "127.0.0.1",
			Port:         0,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
		},
		Stats: config.StatsConfig{
			SweepInterval: 30 * time.Minute,
			PollTimeout:   time.Millisecond,
		},
	}
}

func encodeShare(t *testing.T, ts int64, userID int32, workerID int64, diff uint64, result share.Result) []byte {
	t.Helper()

	s := share.Share{
		Timestamp:    uint32(ts),
		UserID:       userID,
		WorkerHashID: workerID,
		IP:           0x7f000001,
		Share:        diff,
		Result:       result,
	}
	data, err := s.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func runServer(t *testing.T, source *fakeSource) (*Server, *stats.Registry) {
	t.Helper()

	cfg := testConfig()
	registry := stats.NewRegistry(func() int64 { return testNow })
	apiServer := api.NewServer(cfg, registry, nil)
	s := New(cfg, registry, source, apiServer, nil)
	s.now = func() int64 { return testNow }

	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(s.Stop)

	return s, registry
}

func waitDrained(t *testing.T, source *fakeSource) {
	t.Helper()
	select {
	case <-source.drained:
	case <-time.After(5 * time.Second):
		t.Fatal("ingestion loop did not drain the source")
	}
}

func TestServerIngestsShares(t *testing.T) {
	source := newFakeSource()
	source.push(encodeShare(t, testNow-5, 1, 100, 2, share.Accept))
	source.push(encodeShare(t, testNow-5, 1, 100, 2, share.Accept))
	source.push(encodeShare(t, testNow-60, 2, 200, 7, share.Reject))

	_, registry := runServer(t, source)
	waitDrained(t, source)

	statuses := registry.SnapshotBatch([]stats.WorkerKey{
		{UserID: 1, WorkerID: 100},
		{UserID: 2, WorkerID: 200},
	})

	if statuses[0].Accept15m != 4 || statuses[0].AcceptCount != 2 {
		t.Errorf("worker 100 = %+v, want accept 4 / count 2", statuses[0])
	}
	if statuses[1].Reject15m != 7 {
		t.Errorf("worker 200 Reject15m = %d, want 7", statuses[1].Reject15m)
	}

	pool := registry.PoolSnapshot()
	if pool.Accept15m != 4 || pool.Reject15m != 7 {
		t.Errorf("pool = %+v", pool)
	}
}

func TestServerStartSeatsBacklog(t *testing.T) {
	source := newFakeSource()
	runServer(t, source)

	source.mu.Lock()
	defer source.mu.Unlock()
	if !source.started {
		t.Error("source was not started")
	}
	if source.backlog != 900000 {
		t.Errorf("backlog = %d, want 900000", source.backlog)
	}
}

func TestServerStartFailsWithoutBroker(t *testing.T) {
	source := newFakeSource()
	source.startErr = errors.New("broker down")

	cfg := testConfig()
	registry := stats.NewRegistry(func() int64 { return testNow })
	apiServer := api.NewServer(cfg, registry, nil)
	s := New(cfg, registry, source, apiServer, nil)

	if err := s.Start(); err == nil {
		t.Fatal("Start() should fail when the broker is unreachable")
	}
}

// A payload of the wrong length is logged and skipped.
func TestServerSkipsMalformedRecord(t *testing.T) {
	source := newFakeSource()
	source.push(make([]byte, share.RecordSize-1))
	source.push(make([]byte, share.RecordSize+3))
	source.push(encodeShare(t, testNow, 1, 100, 5, share.Accept))

	_, registry := runServer(t, source)
	waitDrained(t, source)

	if got := registry.WorkerCount(); got != 1 {
		t.Errorf("WorkerCount = %d, want 1 (malformed records dropped)", got)
	}
	pool := registry.PoolSnapshot()
	if pool.Accept15m != 5 {
		t.Errorf("pool Accept15m = %d, want 5", pool.Accept15m)
	}
}

// A record that decodes but fails validation is dropped.
func TestServerSkipsInvalidShare(t *testing.T) {
	source := newFakeSource()
	source.push(encodeShare(t, testNow, 0, 100, 5, share.Accept))  // no user
	source.push(encodeShare(t, testNow, 1, 0, 5, share.Accept))    // reserved worker id
	source.push(encodeShare(t, testNow, 1, 100, 0, share.Accept))  // no difficulty
	source.push(encodeShare(t, testNow, 1, 100, 11, share.Accept)) // good

	_, registry := runServer(t, source)
	waitDrained(t, source)

	pool := registry.PoolSnapshot()
	if pool.AcceptCount != 1 || pool.Accept15m != 11 {
		t.Errorf("pool = %+v, want one accepted share of 11", pool)
	}
}

// Stale shares pass validation but the freshness gate drops them.
func TestServerDropsStaleShare(t *testing.T) {
	source := newFakeSource()
	source.push(encodeShare(t, testNow-901, 1, 100, 5, share.Accept))

	_, registry := runServer(t, source)
	waitDrained(t, source)

	if got := registry.WorkerCount(); got != 0 {
		t.Errorf("WorkerCount = %d, want 0", got)
	}
}

// End-of-partition and transient errors keep the loop alive.
func TestServerSurvivesTransientErrors(t *testing.T) {
	source := newFakeSource()
	source.pushErr(sharelog.ErrEndOfLog)
	source.pushErr(errors.New("request timed out"))
	source.push(encodeShare(t, testNow, 1, 100, 3, share.Accept))

	_, registry := runServer(t, source)
	waitDrained(t, source)

	if got := registry.WorkerCount(); got != 1 {
		t.Errorf("WorkerCount = %d, want 1", got)
	}
}

func TestServerStopClosesSource(t *testing.T) {
	source := newFakeSource()
	s, _ := runServer(t, source)
	waitDrained(t, source)

	s.Stop()

	source.mu.Lock()
	defer source.mu.Unlock()
	if !source.closed {
		t.Error("Stop() must close the source")
	}

	// Stop is idempotent
	s.Stop()
}
