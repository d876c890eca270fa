package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"vaultpay/internal/auth"
	"vaultpay/internal/config"
	"vaultpay/internal/disburse"
	"vaultpay/internal/hmacauth"
)

// Disburser executes and looks up disbursements.
type Disburser interface {
	Disburse(ctx context.Context, intent disburse.PaymentIntent) (*disburse.Outcome, error)
	Lookup(ctx context.Context, key string) (*disburse.Disbursement, error)
}

type Reconciler interface {
	RunOnce(ctx context.Context) (disburse.ReconcileReport, error)
}

// HealthProbes are optional dependency checks reported by /api/v1/health.
type HealthProbes struct {
	Ledger func(context.Context) error
	Store  func(context.Context) error
	Lock   func(context.Context) error
}

type Deps struct {
	Disburser  Disburser
	Reconciler Reconciler
	Sessions   *auth.Verifier
	Registry   *prometheus.Registry
	Health     HealthProbes
	Log        logrus.FieldLogger
}

type Server struct {
	cfg        *config.AppConfig
	disburser  Disburser
	reconciler Reconciler
	sessions   *auth.Verifier
	hmac       *hmacauth.Verifier
	limiter    *rateLimiter
	metrics    *metricsRegistry
	health     HealthProbes
	log        logrus.FieldLogger
	router     chi.Router
	httpServer *http.Server
}

func NewServer(cfg *config.AppConfig, deps Deps) *Server {
	log := deps.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	log = log.WithField("component", "http")

	s := &Server{
		cfg:        cfg,
		disburser:  deps.Disburser,
		reconciler: deps.Reconciler,
		sessions:   deps.Sessions,
		hmac: &hmacauth.Verifier{
			Secret:  cfg.Admin.HMACSecret,
			MaxSkew: cfg.Admin.ClockSkew,
			Log:     log,
		},
		limiter: newRateLimiter(cfg.Service.RateLimitPerMinute, cfg.Service.RateLimitBurst),
		metrics: newMetricsRegistry(deps.Registry),
		health:  deps.Health,
		log:     log,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	if cfg.Service.TrustProxyHeaders {
		r.Use(middleware.RealIP)
	}
	r.Use(middleware.Recoverer)
	r.Use(s.metrics.instrument)
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", req.Method+" is not supported on "+req.URL.Path)
	})
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "no such route")
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.With(s.sessions.Middleware(cfg.Auth.AllowAnonymousTips), s.rateLimit("tip")).
			Post("/tip", s.handleTip)
		r.With(s.sessions.Middleware(false), s.rateLimit("book")).
			Post("/book", s.handleBook)
		r.With(s.sessions.Middleware(false), s.rateLimit("adopt")).
			Post("/adopt", s.handleAdopt)
		r.With(s.sessions.Middleware(true)).
			Get("/disbursements/{key}", s.handleLookup)
		r.Method(http.MethodGet, "/metrics", s.metrics.handler())
		r.Get("/health", s.handleHealth)
	})
	if s.reconciler != nil {
		r.With(s.hmac.Middleware).Post("/internal/reconcile", s.handleReconcile)
	}
	s.router = r

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           otelhttp.NewHandler(r, "vaultpay.http"),
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

// Handler exposes the routed handler without tracing, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Start() error {
	s.log.WithField("addr", s.httpServer.Addr).Info("API listening")
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type probeResult struct {
	Connected bool    `json:"connected"`
	LatencyMs float64 `json:"latency_ms,omitempty"`
	Error     string  `json:"error,omitempty"`
}

func probe(ctx context.Context, fn func(context.Context) error) probeResult {
	if fn == nil {
		return probeResult{Connected: true}
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	start := time.Now()
	if err := fn(ctx); err != nil {
		return probeResult{Error: err.Error()}
	}
	return probeResult{Connected: true, LatencyMs: float64(time.Since(start).Microseconds()) / 1000.0}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	resp := struct {
		Status   string       `json:"status"`
		RPC      probeResult  `json:"rpc"`
		Database probeResult  `json:"database"`
		Lock     *probeResult `json:"lock,omitempty"`
	}{
		RPC:      probe(ctx, s.health.Ledger),
		Database: probe(ctx, s.health.Store),
	}
	healthy := resp.RPC.Connected && resp.Database.Connected
	if s.health.Lock != nil {
		lock := probe(ctx, s.health.Lock)
		resp.Lock = &lock
		healthy = healthy && lock.Connected
	}

	resp.Status = "healthy"
	status := http.StatusOK
	if !healthy {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	report, err := s.reconciler.RunOnce(r.Context())
	if err != nil {
		s.metrics.incReconcile("error")
		s.log.WithError(err).Error("reconcile pass failed")
		writeError(w, http.StatusInternalServerError, "internal", "reconcile pass failed")
		return
	}
	s.metrics.incReconcile("ok")
	writeJSON(w, http.StatusOK, report)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(middleware.RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(middleware.RequestIDHeader, id)
		}
		w.Header().Set(middleware.RequestIDHeader, id)
		ctx := context.WithValue(r.Context(), middleware.RequestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{OK: false, Error: code, Message: message})
}

type errorResponse struct {
	OK             bool   `json:"ok"`
	Error          string `json:"error"`
	Message        string `json:"message,omitempty"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
	Signature      string `json:"signature,omitempty"`
}
