// Package api provides the HTTP status server.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/vectorfund/strategy-engine/internal/engine"
	"github.com/vectorfund/strategy-engine/internal/reconcile"
	"github.com/vectorfund/strategy-engine/pkg/types"
)

// Server exposes engine status, the last tick's snapshots and prometheus
// metrics. It is read-only except for the emergency stop endpoint.
type Server struct {
	logger     *zap.Logger
	cfg        *types.Config
	engine     *engine.Engine
	handler    *reconcile.Handler
	router     *mux.Router
	httpServer *http.Server
}

// NewServer creates the status server. The gatherer should be the same
// registry the engine's metrics were registered on.
func NewServer(logger *zap.Logger, cfg *types.Config, eng *engine.Engine, handler *reconcile.Handler, gatherer prometheus.Gatherer) *Server {
	s := &Server{
		logger:  logger.Named("api"),
		cfg:     cfg,
		engine:  eng,
		handler: handler,
		router:  mux.NewRouter(),
	}
	s.setupRoutes(gatherer)
	return s
}

func (s *Server) setupRoutes(gatherer prometheus.Gatherer) {
	s.router.HandleFunc("/api/v1/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/api/v1/status", s.handleStatus).Methods("GET")
	s.router.HandleFunc("/api/v1/tick", s.handleTick).Methods("GET")
	s.router.HandleFunc("/api/v1/positions", s.handlePositions).Methods("GET")
	s.router.HandleFunc("/api/v1/halt", s.handleHalt).Methods("POST")
	s.router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
}

// Start serves until the listener fails or Stop is called.
func (s *Server) Start() error {
	handler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}).Handler(s.router)

	s.httpServer = &http.Server{
		Addr:         s.cfg.StatusListen,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.logger.Info("Starting status server", zap.String("addr", s.cfg.StatusListen))
	return s.httpServer.ListenAndServe()
}

// Stop gracefully stops the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]interface{}{
		"mode":     s.cfg.Mode,
		"state":    s.handler.State(),
		"progress": s.engine.Progress(),
	})
}

func (s *Server) handleTick(w http.ResponseWriter, r *http.Request) {
	last := s.engine.Last()
	if last == nil {
		http.Error(w, "no tick processed yet", http.StatusNotFound)
		return
	}
	json.NewEncoder(w).Encode(last)
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	last := s.engine.Last()
	if last == nil || last.Positions == nil {
		http.Error(w, "no position snapshot yet", http.StatusNotFound)
		return
	}
	json.NewEncoder(w).Encode(last.Positions)
}

func (s *Server) handleHalt(w http.ResponseWriter, r *http.Request) {
	s.engine.Halt()
	json.NewEncoder(w).Encode(map[string]interface{}{
		"halted": true,
	})
}
