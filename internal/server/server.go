// Package server wires the share-log consumer, the stats registry and
// the query API into one service.
package server

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bkartel1/btcpool/internal/api"
	"github.com/bkartel1/btcpool/internal/config"
	"github.com/bkartel1/btcpool/internal/newrelic"
	"github.com/bkartel1/btcpool/internal/share"
	"github.com/bkartel1/btcpool/internal/sharelog"
	"github.com/bkartel1/btcpool/internal/stats"
	"github.com/bkartel1/btcpool/internal/util"
)

// Server owns the registry and runs the ingestion loop against the
// share log. Exactly one goroutine writes to the registry; the HTTP
// handlers only read.
type Server struct {
	cfg      *config.Config
	registry *stats.Registry
	source   sharelog.Source
	api      *api.Server
	agent    *newrelic.Agent

	running atomic.Bool
	wg      sync.WaitGroup
	now     stats.Clock
}

// New assembles the service around an already-constructed registry,
// share-log source and API server. The agent may be nil.
func New(cfg *config.Config, registry *stats.Registry, source sharelog.Source, apiServer *api.Server, agent *newrelic.Agent) *Server {
	return &Server{
		cfg:      cfg,
		registry: registry,
		source:   source,
		api:      apiServer,
		agent:    agent,
		now:      func() int64 { return time.Now().Unix() },
	}
}

// Start seats the consumer at the bounded backlog behind the log tail,
// spawns the ingestion worker and brings up the HTTP server. A broker
// setup failure aborts startup before any HTTP is served.
func (s *Server) Start() error {
	if err := s.source.Start(s.cfg.Kafka.Backlog, 10*time.Second); err != nil {
		return fmt.Errorf("share log setup: %w", err)
	}

	s.running.Store(true)

	s.wg.Add(1)
	go s.consumeLoop()

	if err := s.api.Start(); err != nil {
		s.running.Store(false)
		s.wg.Wait()
		return err
	}

	return nil
}

// Stop shuts the service down: the API stops accepting requests, the
// ingestion worker observes the flag on its next poll and exits, and
// the consumer is closed once it has.
func (s *Server) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}

	if err := s.api.Stop(); err != nil {
		util.Warnf("stats API stop: %v", err)
	}

	s.wg.Wait()

	if err := s.source.Close(); err != nil {
		util.Warnf("share log close: %v", err)
	}
}

// consumeLoop pulls the share log until Stop. Transient broker errors
// are logged and skipped; an unknown topic or partition is fatal.
func (s *Server) consumeLoop() {
	defer s.wg.Done()

	util.Info("start sharelog consume thread")
	lastClean := s.now()

	for s.running.Load() {
		rec, err := s.source.Fetch(s.cfg.Stats.PollTimeout)
		switch {
		case err == nil:
			if rec != nil {
				s.consumeRecord(rec)
			}
		case errors.Is(err, sharelog.ErrEndOfLog):
			// caught up with the producer, keep polling
		case sharelog.IsFatal(err):
			util.Fatalf("share log consume: %v", err)
		default:
			util.Errorf("share log consume: %v", err)
		}

		if lastClean+int64(s.cfg.Stats.SweepInterval/time.Second) < s.now() {
			s.registry.SweepExpired()
			lastClean = s.now()

			if s.agent != nil {
				s.agent.RecordRegistrySize(s.registry.WorkerCount(), s.registry.UserCount())
			}
		}
	}

	util.Info("stop sharelog consume thread")
}

// consumeRecord validates and dispatches one framed share
func (s *Server) consumeRecord(rec *sharelog.Record) {
	if len(rec.Value) != share.RecordSize {
		util.Errorf("sharelog message size(%d) is not: %d", len(rec.Value), share.RecordSize)
		return
	}

	var sh share.Share
	if err := sh.UnmarshalBinary(rec.Value); err != nil {
		util.Errorf("decode share: %v", err)
		return
	}

	if !sh.IsValid() {
		util.Errorf("invalid share: %s", sh.String())
		return
	}

	s.registry.ProcessShare(&sh)
}
