// Package api provides the HTTP status API and WebSocket event stream.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/atlas-desktop/decision-engine/internal/engine"
	"github.com/atlas-desktop/decision-engine/internal/metrics"
	"github.com/atlas-desktop/decision-engine/internal/risk"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

// Headers used by the breaker endpoints
const (
	HeaderOperator   = "X-Operator"
	HeaderResetToken = "X-Reset-Token"
)

// Config configures the API server
type Config struct {
	Host           string        `mapstructure:"host" default:"0.0.0.0"`
	Port           int           `mapstructure:"port" default:"8080" validate:"gte=1,lte=65535"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout" default:"15s"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout" default:"15s"`
	WebSocketPath  string        `mapstructure:"websocket_path" default:"/ws"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Host:           "0.0.0.0",
		Port:           8080,
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   15 * time.Second,
		WebSocketPath:  "/ws",
		AllowedOrigins: []string{"*"},
	}
}

// Server is the HTTP/WebSocket API server
type Server struct {
	logger     *zap.Logger
	config     *Config
	router     *mux.Router
	httpServer *http.Server
	engine     *engine.Engine
	hub        *Hub
	recorder   *metrics.Recorder
	gatherer   prometheus.Gatherer
}

// Option customizes a Server
type Option func(*Server)

// WithMetrics instruments requests through rec and serves gatherer on
// /metrics.
func WithMetrics(rec *metrics.Recorder, gatherer prometheus.Gatherer) Option {
	return func(s *Server) {
		s.recorder = rec
		s.gatherer = gatherer
	}
}

// WithHub serves the WebSocket stream.
func WithHub(hub *Hub) Option {
	return func(s *Server) { s.hub = hub }
}

// NewServer creates a new API server
func NewServer(logger *zap.Logger, config *Config, eng *engine.Engine, opts ...Option) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		logger: logger.Named("api"),
		config: config,
		router: mux.NewRouter(),
		engine: eng,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.instrument)

	v1 := s.router.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/health", s.handleHealth).Methods("GET")
	v1.HandleFunc("/status", s.handleStatus).Methods("GET")
	v1.HandleFunc("/positions", s.handlePositions).Methods("GET")
	v1.HandleFunc("/positions/{symbol}", s.handlePosition).Methods("GET")
	v1.HandleFunc("/trades", s.handleTrades).Methods("GET")
	v1.HandleFunc("/signals", s.handleSignals).Methods("GET")
	v1.HandleFunc("/signals/{symbol}", s.handleSignal).Methods("GET")
	v1.HandleFunc("/regime", s.handleRegime).Methods("GET")
	v1.HandleFunc("/metrics/risk", s.handleRiskMetrics).Methods("GET")
	v1.HandleFunc("/circuit-breaker", s.handleBreaker).Methods("GET")
	v1.HandleFunc("/circuit-breaker/trip", s.handleBreakerTrip).Methods("POST")
	v1.HandleFunc("/circuit-breaker/reset", s.handleBreakerReset).Methods("POST")

	if s.gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods("GET")
	}
	if s.hub != nil {
		s.router.HandleFunc(s.config.WebSocketPath, s.hub.ServeWS)
	}
}

// Router returns the HTTP handler, including CORS.
func (s *Server) Router() http.Handler {
	origins := s.config.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", HeaderOperator, HeaderResetToken},
	}).Handler(s.router)
}

// Start starts the HTTP server
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info("Starting API server", zap.String("addr", addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets the WebSocket upgrade pass through the middleware.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return h.Hijack()
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		if s.recorder != nil && route != s.config.WebSocketPath {
			s.recorder.ObserveHTTP(route, r.Method, rec.status, time.Since(start))
		}
		s.logger.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)))
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Status())
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Ledger().Positions())
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	pos, ok := s.engine.Ledger().Position(symbol)
	if !ok {
		writeError(w, http.StatusNotFound, "no open position for "+symbol)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, s.engine.Ledger().History(limit))
}

func (s *Server) handleSignals(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Decisions())
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	d, ok := s.engine.Decisions()[symbol]
	if !ok {
		writeError(w, http.StatusNotFound, "no decision for "+symbol)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleRegime(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Classifier().Statistics())
}

func (s *Server) handleRiskMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Ledger().Metrics())
}

func (s *Server) handleBreaker(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Breaker().State())
}

type tripRequest struct {
	Detail          string `json:"detail"`
	DurationMinutes int    `json:"durationMinutes"`
}

func (s *Server) handleBreakerTrip(w http.ResponseWriter, r *http.Request) {
	var req tripRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.DurationMinutes <= 0 {
		writeError(w, http.StatusBadRequest, "durationMinutes must be positive")
		return
	}

	operator := r.Header.Get(HeaderOperator)
	detail := req.Detail
	if detail == "" {
		detail = "manual halt"
	}
	if operator != "" {
		detail += " by " + operator
	}

	state := s.engine.Breaker().Trip(detail, time.Duration(req.DurationMinutes)*time.Minute, time.Now())
	s.logger.Warn("Circuit breaker tripped via API",
		zap.String("operator", operator),
		zap.String("detail", detail))
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleBreakerReset(w http.ResponseWriter, r *http.Request) {
	operator := r.Header.Get(HeaderOperator)
	if operator == "" {
		operator = r.RemoteAddr
	}

	err := s.engine.Breaker().Reset(operator, r.Header.Get(HeaderResetToken), time.Now())
	switch {
	case errors.Is(err, risk.ErrResetDisabled):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, risk.ErrResetUnauthorized):
		writeError(w, http.StatusUnauthorized, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, s.engine.Breaker().State())
	}
}
