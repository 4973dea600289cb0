// Package server exposes the agent's runtime-status HTTP probe (§6, §7):
// a single process, reachable over loopback or a private network, that
// reports OK/DEGRADED/CRITICAL plus the host/process health an operator
// needs to decide whether to intervene.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/osiristrader/agent/internal/agent"
	"github.com/osiristrader/agent/internal/domain"
	"github.com/osiristrader/agent/internal/reconcile"
)

// Level is the probe's overall health verdict.
type Level string

const (
	LevelOK       Level = "OK"
	LevelDegraded Level = "DEGRADED"
	LevelCritical Level = "CRITICAL"
)

// StatusProvider is the narrow slice of the Agent Loop the probe needs.
// Implemented by *agent.Agent; kept as an interface so the server package
// never needs the loop's full Deps graph.
type StatusProvider interface {
	Status() agent.Status
}

// StatusResponse is the JSON body served at GET /api/status.
type StatusResponse struct {
	Level            Level     `json:"level"`
	Mode             string    `json:"mode"`
	Regime           string    `json:"regime"`
	CycleCount       int       `json:"cycle_count"`
	LastCycleAt      time.Time `json:"last_cycle_at"`
	OpenPositions    int       `json:"open_positions"`
	ConsecutiveLoss  int       `json:"consecutive_loss"`
	DailyRealizedPnL float64   `json:"daily_realized_pnl"`
	ReconcileLevel   string    `json:"reconcile_level"`
	ReconcileAt      time.Time `json:"reconcile_at"`
	Findings         []string  `json:"findings,omitempty"`
	Uptime           string    `json:"uptime"`
	Goroutines       int       `json:"goroutines"`
	MemUsedPercent   float64   `json:"mem_used_percent"`
}

// Config controls the probe's bind address.
type Config struct {
	Addr string // e.g. ":8090"
}

// Server wraps the chi router and http.Server for the runtime-status
// probe. Grounded on the teacher's own Start/Shutdown shape.
type Server struct {
	router      *chi.Mux
	httpServer  *http.Server
	log         zerolog.Logger
	status      StatusProvider
	startupTime time.Time
}

// New constructs a Server. startupTime anchors the reported uptime.
func New(cfg Config, status StatusProvider, startupTime time.Time, log zerolog.Logger) *Server {
	s := &Server{
		router:      chi.NewRouter(),
		log:         log.With().Str("component", "server").Logger(),
		status:      status,
		startupTime: startupTime,
	}

	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(10 * time.Second))
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET"},
	}))

	s.router.Get("/health", s.handleHealth)
	s.router.Get("/api/status", s.handleStatus)

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start serves until the process is asked to stop. Blocks; run in a
// goroutine and pair with Shutdown.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.httpServer.Addr).Msg("starting runtime-status probe")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully drains in-flight requests within ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down runtime-status probe")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.status.Status()

	level := LevelOK
	switch {
	case st.LastReconcile.Level == reconcile.LevelCritical:
		level = LevelCritical
	case st.Mode == domain.ModeObserving, st.LastReconcile.Level == reconcile.LevelWarn:
		level = LevelDegraded
	}

	var memPercent float64
	if vm, err := mem.VirtualMemory(); err == nil {
		memPercent = vm.UsedPercent
	} else {
		s.log.Warn().Err(err).Msg("failed to read host memory stats")
	}

	resp := StatusResponse{
		Level:            level,
		Mode:             string(st.Mode),
		Regime:           string(st.Regime),
		CycleCount:       st.CycleCount,
		LastCycleAt:      st.LastCycleAt,
		OpenPositions:    st.OpenPositions,
		ConsecutiveLoss:  st.ConsecutiveLoss,
		DailyRealizedPnL: st.DailyRealizedPnL,
		ReconcileLevel:   string(st.LastReconcile.Level),
		ReconcileAt:      st.LastReconcile.ComputedAt,
		Findings:         st.LastReconcile.Findings,
		Uptime:           time.Since(s.startupTime).Round(time.Second).String(),
		Goroutines:       runtime.NumGoroutine(),
		MemUsedPercent:   memPercent,
	}

	s.writeJSON(w, resp)
}

func (s *Server) writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("failed to encode JSON response")
	}
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}
