package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"computepay/internal/config"
	"computepay/internal/domain"
	"computepay/internal/logger"
	"computepay/internal/metrics"
	"computepay/internal/opsauth"
	"computepay/internal/settlement"
)

// Settlements is the settlement worker as the operator surface sees it.
type Settlements interface {
	Pending(ctx context.Context) ([]domain.Settlement, error)
	Reconcile(ctx context.Context) (settlement.Report, error)
}

type StatsSource interface {
	Stats(ctx context.Context) (domain.Stats, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Store       Pinger
	Network     Pinger
	Settlements Settlements
	Ledger      StatsSource
	Metrics     *metrics.Registry
	Logger      *logger.Logger
}

type Server struct {
	settlements Settlements
	ledger      StatsSource
	ops         *opsauth.Verifier
	httpServer  *http.Server
	metrics     *metrics.Registry
	log         *logger.Logger
	checks      []dependencyCheck
	// overdueAfter is how far past its due time a settlement may slip before
	// the queue is reported as lagging.
	overdueAfter time.Duration
}

type dependencyCheck struct {
	name string
	dep  Pinger
}

func NewServer(cfg *config.AppConfig, deps Deps) *Server {
	log := deps.Logger
	if log == nil {
		log = logger.Nop()
	}
	s := &Server{
		settlements: deps.Settlements,
		ledger:      deps.Ledger,
		metrics:     deps.Metrics,
		log:         log,
		ops: &opsauth.Verifier{
			Secret:  cfg.Service.HMACSecret,
			MaxSkew: cfg.Service.HMACClockSkew,
			Logger:  log,
		},
	}
	if deps.Store != nil {
		s.checks = append(s.checks, dependencyCheck{name: "database", dep: deps.Store})
	}
	if deps.Network != nil {
		s.checks = append(s.checks, dependencyCheck{name: "network", dep: deps.Network})
	}
	s.overdueAfter = 4 * cfg.Settlement.ReconcileInterval
	if s.overdueAfter <= 0 {
		s.overdueAfter = time.Minute
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/health", s.handleHealth)
	mux.Handle("/api/v1/metrics", s.metrics.Handler())
	mux.Handle("/api/v1/admin/settlements", s.ops.Middleware(http.HandlerFunc(s.handleSettlements)))
	mux.Handle("/api/v1/admin/reconcile", s.ops.Middleware(http.HandlerFunc(s.handleReconcile)))
	mux.Handle("/api/v1/admin/stats", s.ops.Middleware(http.HandlerFunc(s.handleStats)))

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           requestIDMiddleware(mux),
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

// Handler exposes the routed handler, including middleware.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Start() error {
	s.log.Info("API listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleSettlements(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	pending, err := s.settlements.Pending(r.Context())
	if err != nil {
		s.fail(w, r, "list settlements", err)
		return
	}
	if pending == nil {
		pending = []domain.Settlement{}
	}
	writeJSON(w, http.StatusOK, struct {
		Count       int                 `json:"count"`
		Settlements []domain.Settlement `json:"settlements"`
	}{len(pending), pending})
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rep, err := s.settlements.Reconcile(r.Context())
	if err != nil {
		s.fail(w, r, "reconcile", err)
		return
	}
	s.log.Info("manual reconcile", "request_id", r.Header.Get("X-Request-Id"),
		"broadcast", rep.Broadcast, "failed", rep.Failed, "rechecked", rep.Rechecked)
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	stats, err := s.ledger.Stats(r.Context())
	if err != nil {
		s.fail(w, r, "escrow stats", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, what string, err error) {
	s.log.Error(what+" failed", "request_id", r.Header.Get("X-Request-Id"), "error", err)
	http.Error(w, what+" failed", http.StatusInternalServerError)
}

type dependencyHealth struct {
	Connected bool    `json:"connected"`
	LatencyMs float64 `json:"latency_ms"`
	Error     string  `json:"error,omitempty"`
}

// queueHealth describes the unsettled part of the settlement queue. Overdue
// counts settlements the reconcile loop should already have picked up.
type queueHealth struct {
	Depth            int     `json:"depth"`
	Queued           int     `json:"queued"`
	Broadcast        int     `json:"broadcast"`
	Overdue          int     `json:"overdue"`
	OldestAgeSeconds float64 `json:"oldest_age_seconds"`
	Error            string  `json:"error,omitempty"`
}

// handleHealth answers 503 when a dependency is unreachable. A lagging
// settlement queue is reported but keeps the service in rotation.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := struct {
		Status      string                      `json:"status"`
		Checks      map[string]dependencyHealth `json:"checks"`
		Settlements queueHealth                 `json:"settlements"`
	}{Status: "healthy", Checks: make(map[string]dependencyHealth, len(s.checks))}

	code := http.StatusOK
	for _, c := range s.checks {
		h := pingDependency(ctx, c.dep)
		resp.Checks[c.name] = h
		if !h.Connected {
			code = http.StatusServiceUnavailable
			resp.Status = "degraded"
		}
	}

	resp.Settlements = s.settlementQueue(ctx, time.Now().UTC())
	if resp.Settlements.Overdue > 0 && code == http.StatusOK {
		resp.Status = "lagging"
	}
	writeJSON(w, code, resp)
}

func pingDependency(ctx context.Context, dep Pinger) dependencyHealth {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	start := time.Now()
	if err := dep.Ping(ctx); err != nil {
		return dependencyHealth{Error: err.Error()}
	}
	return dependencyHealth{Connected: true, LatencyMs: float64(time.Since(start).Microseconds()) / 1000.0}
}

func (s *Server) settlementQueue(ctx context.Context, now time.Time) queueHealth {
	var q queueHealth
	if s.settlements == nil {
		return q
	}
	pending, err := s.settlements.Pending(ctx)
	if err != nil {
		s.log.Warn("health: list settlements", "error", err)
		q.Error = err.Error()
		return q
	}
	q.Depth = len(pending)
	s.metrics.SetPendingSettlements(q.Depth)
	for _, stl := range pending {
		switch stl.State {
		case domain.SettlementQueued:
			q.Queued++
		case domain.SettlementBroadcast:
			q.Broadcast++
		}
		if now.Sub(stl.NextAttemptAt) > s.overdueAfter {
			q.Overdue++
		}
		if age := now.Sub(stl.CreatedAt).Seconds(); age > q.OldestAgeSeconds {
			q.OldestAgeSeconds = age
		}
	}
	return q
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
			r.Header.Set("X-Request-Id", id)
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r)
	})
}
