// Package api serves the share-stats query endpoints.
package api

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"

	"github.com/bkartel1/btcpool/internal/config"
	"github.com/bkartel1/btcpool/internal/newrelic"
	"github.com/bkartel1/btcpool/internal/stats"
	"github.com/bkartel1/btcpool/internal/util"
)

// Server exposes the registry over HTTP: a status snapshot at / and a
// batched worker query at /worker_status. Application errors are
// reported inside the JSON body; the HTTP status is always 200.
type Server struct {
	cfg      *config.Config
	registry *stats.Registry
	agent    *newrelic.Agent

	router *gin.Engine
	server *http.Server

	startTime int64
	now       stats.Clock

	requestCount  atomic.Uint64
	responseBytes atomic.Uint64
}

type statusResponse struct {
	ErrorNo  int          `json:"error_no"`
	ErrorMsg string       `json:"error_msg"`
	Result   statusResult `json:"result"`
}

type statusResult struct {
	Uptime   string     `json:"uptime"`
	Request  uint64     `json:"request"`
	RepBytes uint64     `json:"repbytes"`
	Pool     poolStatus `json:"pool"`
}

type poolStatus struct {
	Accept      [3]uint64 `json:"accept"`
	Reject      [3]uint64 `json:"reject"`
	AcceptCount uint32    `json:"accept_count"`
	Workers     uint64    `json:"workers"`
	Users       uint64    `json:"users"`
}

type workerStatusResponse struct {
	ErrorNo  int         `json:"error_no"`
	ErrorMsg string      `json:"error_msg"`
	Result   []workerRow `json:"result"`
}

type workerRow struct {
	WorkerID      int64     `json:"worker_id"`
	Accept        [3]uint64 `json:"accept"`
	Reject        [3]uint64 `json:"reject"`
	AcceptCount   uint32    `json:"accept_count"`
	LastShareIP   string    `json:"last_share_ip"`
	LastShareTime uint32    `json:"last_share_time"`
	// Workers is present only on a non-merged user-total row.
	Workers *int32 `json:"workers,omitempty"`
}

type errorResponse struct {
	ErrorNo  int    `json:"error_no"`
	ErrorMsg string `json:"error_msg"`
}

// NewServer creates the API server. The agent may be nil.
func NewServer(cfg *config.Config, registry *stats.Registry, agent *newrelic.Agent) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.RedirectTrailingSlash = false

	now := func() int64 { return time.Now().Unix() }

	s := &Server{
		cfg:       cfg,
		registry:  registry,
		agent:     agent,
		router:    router,
		startTime: now(),
		now:       now,
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the endpoints
func (s *Server) setupRoutes() {
	s.router.Use(s.countRequests())

	for _, method := range []string{http.MethodGet, http.MethodHead} {
		s.router.Handle(method, "/", s.handleStatus)
	}
	for _, method := range []string{http.MethodGet, http.MethodPost, http.MethodHead} {
		s.router.Handle(method, "/worker_status", s.handleWorkerStatus)
		s.router.Handle(method, "/worker_status/", s.handleWorkerStatus)
	}
}

// countRequests tracks request volume and reports to APM when enabled
func (s *Server) countRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		s.requestCount.Add(1)

		if s.agent != nil && s.agent.IsEnabled() {
			txn := s.agent.StartTransaction(c.Request.Method + " " + c.Request.URL.Path)
			defer txn.End()
		}

		c.Next()
	}
}

// Start begins serving
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.cfg.Bind(),
		Handler:      s.router,
		ReadTimeout:  s.cfg.HTTP.ReadTimeout,
		WriteTimeout: s.cfg.HTTP.WriteTimeout,
	}

	util.Infof("stats API listening on %s", s.cfg.Bind())

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			util.Errorf("stats API server error: %v", err)
		}
	}()

	return nil
}

// Stop shuts down the server
func (s *Server) Stop() error {
	if s.server != nil {
		return s.server.Close()
	}
	return nil
}

// Router returns the underlying handler, for tests
func (s *Server) Router() http.Handler {
	return s.router
}

// handleStatus serves the server-wide snapshot
func (s *Server) handleStatus(c *gin.Context) {
	uptime := s.now() - s.startTime
	pool := s.registry.PoolSnapshot()

	resp := statusResponse{
		Result: statusResult{
			Uptime: fmt.Sprintf("%02d d %02d h %02d m %02d s",
				uptime/86400, (uptime%86400)/3600, (uptime%3600)/60, uptime%60),
			Request:  s.requestCount.Load(),
			RepBytes: s.responseBytes.Load(),
			Pool: poolStatus{
				Accept:      [3]uint64{pool.Accept1m, pool.Accept5m, pool.Accept15m},
				Reject:      [3]uint64{0, 0, pool.Reject15m},
				AcceptCount: pool.AcceptCount,
				Workers:     s.registry.WorkerCount(),
				Users:       s.registry.UserCount(),
			},
		},
	}

	s.writeJSON(c, resp)
}

// handleWorkerStatus serves the batched worker query
func (s *Server) handleWorkerStatus(c *gin.Context) {
	params, err := s.requestParams(c)
	if err != nil {
		s.writeJSON(c, errorResponse{ErrorNo: 1, ErrorMsg: "invalid args"})
		return
	}

	userIDStr, hasUserID := params["user_id"]
	workerIDStr, hasWorkerID := params["worker_id"]
	if !hasUserID || !hasWorkerID || len(userIDStr) == 0 || len(workerIDStr) == 0 {
		s.writeJSON(c, errorResponse{ErrorNo: 1, ErrorMsg: "invalid args"})
		return
	}

	userID64, _ := strconv.ParseInt(userIDStr[0], 10, 32)
	userID := int32(userID64)

	isMerge := false
	if v := params.Get("is_merge"); v != "" && (v[0] == 'T' || v[0] == 't') {
		isMerge = true
	}

	idStrs := strings.Split(workerIDStr[0], ",")
	keys := make([]stats.WorkerKey, 0, len(idStrs))
	for _, idStr := range idStrs {
		workerID, _ := strconv.ParseInt(strings.TrimSpace(idStr), 10, 64)
		keys = append(keys, stats.WorkerKey{UserID: userID, WorkerID: workerID})
	}

	statuses := s.registry.SnapshotBatch(keys)
	if isMerge {
		statuses = []stats.WorkerStatus{stats.Merge(statuses)}
	}

	rows := make([]workerRow, 0, len(statuses))
	for i, status := range statuses {
		row := workerRow{
			Accept:        [3]uint64{status.Accept1m, status.Accept5m, status.Accept15m},
			Reject:        [3]uint64{0, 0, status.Reject15m},
			AcceptCount:   status.AcceptCount,
			LastShareIP:   util.IPv4String(status.LastShareIP),
			LastShareTime: status.LastShareTime,
		}
		if !isMerge {
			row.WorkerID = keys[i].WorkerID
			if keys[i].WorkerID == 0 {
				count := s.registry.UserWorkerCount(userID)
				row.Workers = &count
			}
		}
		rows = append(rows, row)
	}

	s.writeJSON(c, workerStatusResponse{Result: rows})
}

// requestParams extracts url-encoded parameters from the URI on GET
// and from the body on POST.
func (s *Server) requestParams(c *gin.Context) (url.Values, error) {
	if c.Request.Method == http.MethodPost {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			return nil, err
		}
		return url.ParseQuery(string(body))
	}
	return c.Request.URL.Query(), nil
}

// writeJSON renders v and accounts the response size
func (s *Server) writeJSON(c *gin.Context, v interface{}) {
	data, err := sonic.Marshal(v)
	if err != nil {
		util.Errorf("marshal response: %v", err)
		c.Status(http.StatusOK)
		return
	}

	s.responseBytes.Add(uint64(len(data)))
	c.Data(http.StatusOK, "text/json", data)
}
