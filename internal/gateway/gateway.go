package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/crosslogic/metering/internal/metering"
	"github.com/crosslogic/metering/pkg/metrics"
	"github.com/crosslogic/metering/pkg/models"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// Meter is the metering engine as seen by the HTTP layer.
type Meter interface {
	Admit(ctx context.Context, userID string) metering.Decision
	Settle(ctx context.Context, req metering.SettleRequest) (*metering.SettlementResult, error)
	PeriodSummary(ctx context.Context, userID string) (*metering.PeriodSummary, error)
}

// EventLister lists recorded usage events, newest first.
type EventLister interface {
	ListEvents(ctx context.Context, userID string, since time.Time, limit int) ([]models.UsageEvent, error)
}

// TransactionLister lists wallet ledger entries, newest first.
type TransactionLister interface {
	Transactions(ctx context.Context, userID string, limit int) ([]models.WalletTransaction, error)
}

// HealthChecker reports whether a dependency is reachable.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Options configures the gateway.
type Options struct {
	Meter      Meter
	Logger     *zap.Logger
	AdminToken string

	// Optional read-only ledger views. Nil disables the route.
	Events EventLister
	Ledger TransactionLister

	// Dependencies probed by /ready and the dependency_up gauge. Nil entries are skipped.
	Database HealthChecker
	Cache    HealthChecker

	MetricsEnabled bool
	MetricsPath    string
	AllowedOrigins []string
}

// Gateway handles metering API requests
type Gateway struct {
	meter      Meter
	logger     *zap.Logger
	adminToken string
	deps       map[string]HealthChecker
	router     *chi.Mux
	opts       Options
}

// NewGateway creates a new metering API gateway
func NewGateway(opts Options) *Gateway {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.MetricsPath == "" {
		opts.MetricsPath = "/metrics"
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"http://localhost:3000"}
	}

	deps := make(map[string]HealthChecker)
	if opts.Database != nil {
		deps["postgres"] = opts.Database
	}
	if opts.Cache != nil {
		deps["redis"] = opts.Cache
	}

	g := &Gateway{
		meter:      opts.Meter,
		logger:     opts.Logger,
		adminToken: opts.AdminToken,
		deps:       deps,
		router:     chi.NewRouter(),
		opts:       opts,
	}

	g.setupRoutes()
	return g
}

// setupRoutes configures the HTTP routes
func (g *Gateway) setupRoutes() {
	g.router.Use(middleware.RequestID)
	g.router.Use(middleware.RealIP)
	g.router.Use(g.loggerMiddleware)
	g.router.Use(g.metricsMiddleware)
	g.router.Use(middleware.Recoverer)
	g.router.Use(middleware.Timeout(60 * time.Second))
	g.router.Use(SecurityMiddleware(DefaultSecurityConfig()))

	g.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   g.opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Admin-Token", "X-User-ID"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if g.opts.MetricsEnabled {
		g.registerMetrics()
	}

	// Health check (no auth required)
	g.router.Get("/health", g.handleHealth)
	g.router.Get("/ready", g.handleReady)

	g.router.Route("/v1/metering", func(r chi.Router) {
		r.Use(g.adminAuthMiddleware)
		r.Use(APISecurityMiddleware())
		r.Use(RequestSizeLimitMiddleware(1 << 20))

		r.Post("/admit", g.handleAdmit)
		r.Post("/settle", g.handleSettle)
		r.Get("/usage/{user_id}", g.handleUsage)
		if g.opts.Events != nil {
			r.Get("/usage/{user_id}/events", g.handleUsageEvents)
		}
		if g.opts.Ledger != nil {
			r.Get("/wallet/{user_id}/transactions", g.handleWalletTransactions)
		}

		// Subrequest target for reverse proxies (e.g. nginx auth_request).
		r.With(RequireAdmission(g.meter, g.logger)).Get("/authorize", g.handleAuthorize)
	})
}

// ServeHTTP implements http.Handler
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.router.ServeHTTP(w, r)
}

// StartHealthMetrics updates the dependency_up gauge every 15 seconds until ctx is done
func (g *Gateway) StartHealthMetrics(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		g.updateHealthMetrics(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.updateHealthMetrics(ctx)
			}
		}
	}()
}

func (g *Gateway) updateHealthMetrics(ctx context.Context) {
	for name, dep := range g.deps {
		checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		metrics.SetDependency(name, dep.Health(checkCtx) == nil)
		cancel()
	}
}

// Middleware implementations

func (g *Gateway) loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		g.logger.Info("request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote_addr", r.RemoteAddr),
		)
	})
}

func (g *Gateway) adminAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("X-Admin-Token")
		if token == "" {
			if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
				token = strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
			}
		}
		if token == "" {
			g.writeError(w, http.StatusUnauthorized, "missing admin token")
			return
		}

		// Constant-time comparison to prevent timing attacks
		if g.adminToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(g.adminToken)) != 1 {
			g.logger.Warn("invalid admin token attempt",
				zap.String("remote_addr", r.RemoteAddr),
				zap.String("path", r.URL.Path),
			)
			g.writeError(w, http.StatusUnauthorized, "invalid admin token")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Handler implementations

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}

func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	for name, dep := range g.deps {
		if err := dep.Health(ctx); err != nil {
			g.logger.Warn("dependency not ready", zap.String("service", name), zap.Error(err))
			g.writeError(w, http.StatusServiceUnavailable, name+" not ready")
			return
		}
	}

	g.writeJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}

// Utility methods

func (g *Gateway) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	writeJSON(w, statusCode, data)
}

func (g *Gateway) writeError(w http.ResponseWriter, statusCode int, message string) {
	writeError(w, statusCode, message)
}

func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]interface{}{
		"error": map[string]string{
			"message": message,
			"type":    "invalid_request_error",
		},
	})
}
