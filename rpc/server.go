// Package rpc exposes the payment engine over HTTP. It is the hosting
// surface of the engine: every operation, including scheduler-fired
// auto-cancels, runs under a single mutex so operations against the same
// record never execute concurrently.
package rpc

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"escrowpay/escrow"
	"escrowpay/escrow/memledger"
)

// Options wires the collaborators of the HTTP surface.
type Options struct {
	Engine   *escrow.Engine
	Registry *escrow.Registry
	Events   *escrow.EventLog
	// Ledger, when set, enables the development funding endpoint.
	Ledger *memledger.Ledger
	Logger *slog.Logger
	// Persist, when set, runs after every committed state change.
	Persist            func() error
	RateLimitPerMinute float64
	RateLimitBurst     int
}

// Server hosts the payment engine.
type Server struct {
	mu       sync.Mutex
	engine   *escrow.Engine
	registry *escrow.Registry
	events   *escrow.EventLog
	ledger   *memledger.Ledger
	logger   *slog.Logger
	persist  func() error
	limiter  *visitorLimiter
	metrics  *metrics
}

// NewServer builds the HTTP host around an engine.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		engine:   opts.Engine,
		registry: opts.Registry,
		events:   opts.Events,
		ledger:   opts.Ledger,
		logger:   logger,
		persist:  opts.Persist,
		limiter:  newVisitorLimiter(opts.RateLimitPerMinute, opts.RateLimitBurst),
		metrics:  newMetrics(),
	}
}

const visitorTTL = 5 * time.Minute

// visitorLimiter keys token buckets by client so one noisy caller cannot
// starve the others. Idle entries expire after visitorTTL.
type visitorLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	visitors map[string]*rate.Limiter
}

func newVisitorLimiter(perMinute float64, burst int) *visitorLimiter {
	if perMinute <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &visitorLimiter{
		limit:    rate.Limit(perMinute / 60),
		burst:    burst,
		visitors: make(map[string]*rate.Limiter),
	}
}

func (l *visitorLimiter) obtain(id string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.visitors[id]
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.visitors[id] = limiter
		time.AfterFunc(visitorTTL, func() {
			l.mu.Lock()
			delete(l.visitors, id)
			l.mu.Unlock()
		})
	}
	return limiter
}

// clientID identifies the rate-limit bucket for a request: the caller header
// when present, otherwise the client IP.
func clientID(r *http.Request) string {
	if caller := strings.TrimSpace(r.Header.Get(CallerHeader)); caller != "" {
		return strings.ToLower(strings.TrimPrefix(caller, "0x"))
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		if comma := strings.IndexByte(ip, ','); comma > 0 {
			ip = strings.TrimSpace(ip[:comma])
		}
		if parsed := net.ParseIP(ip); parsed != nil {
			return parsed.String()
		}
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// SerializedScheduler wraps a scheduler so deferred actions execute under the
// server's operation mutex and persist their effects, giving the auto-cancel
// the same hosting guarantees as a caller-initiated operation.
func (s *Server) SerializedScheduler(inner escrow.Scheduler) escrow.Scheduler {
	return serializedScheduler{server: s, inner: inner}
}

type serializedScheduler struct {
	server *Server
	inner  escrow.Scheduler
}

func (w serializedScheduler) ScheduleNamed(name string, at time.Time, priority int, run func()) error {
	return w.inner.ScheduleNamed(name, at, priority, func() {
		w.server.mu.Lock()
		defer w.server.mu.Unlock()
		run()
		w.server.persistLocked()
	})
}

func (w serializedScheduler) CancelNamed(name string) { w.inner.CancelNamed(name) }

func (s *Server) persistLocked() {
	if s.persist == nil {
		return
	}
	if err := s.persist(); err != nil {
		s.logger.Error("persist registry snapshot", "error", err)
	}
}

// withOperation serializes an engine call, records metrics and persists the
// registry afterwards.
func (s *Server) withOperation(operation string, fn func() error) error {
	start := time.Now()
	s.mu.Lock()
	err := fn()
	if err == nil {
		s.persistLocked()
	}
	s.mu.Unlock()
	s.metrics.observe(operation, start, err)
	return err
}

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(withRequestID(r.Context(), id)))
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.obtain(clientID(r)).Allow() {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Router assembles the HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestID)
	r.Use(s.rateLimit)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Post("/payments", s.handlePay)
		r.Post("/payment-requests", s.handleRequestPayment)
		r.Route("/payments/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetPayment)
			r.Post("/release", s.handleRelease)
			r.Post("/refund-request", s.handleRequestRefund)
			r.Post("/dispute", s.handleDispute)
			r.Post("/resolve", s.handleResolve)
			r.Post("/cancel", s.handleCancel)
			r.Post("/accept", s.handleAcceptAndPay)
		})
		r.Get("/events", s.handleEvents)
		if s.ledger != nil {
			r.Post("/funding", s.handleFunding)
		}
	})
	return r
}
