package api

import (
	"encoding/json"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/arbiterlabs/arbiter/internal/api/handlers"
	mw "github.com/arbiterlabs/arbiter/internal/api/middleware"
	"github.com/arbiterlabs/arbiter/internal/audit"
	"github.com/arbiterlabs/arbiter/internal/backoff"
	"github.com/arbiterlabs/arbiter/internal/buildconfig"
	"github.com/arbiterlabs/arbiter/internal/classify"
	"github.com/arbiterlabs/arbiter/internal/config"
	"github.com/arbiterlabs/arbiter/internal/domain"
	"github.com/arbiterlabs/arbiter/internal/embedding"
	"github.com/arbiterlabs/arbiter/internal/escalate"
	"github.com/arbiterlabs/arbiter/internal/orchestrator"
	"github.com/arbiterlabs/arbiter/internal/policy"
	"github.com/arbiterlabs/arbiter/internal/reasoning"
	"github.com/arbiterlabs/arbiter/internal/repair"
	"github.com/arbiterlabs/arbiter/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// App holds the router and background services for lifecycle management.
type App struct {
	Router       *chi.Mux
	Orchestrator *orchestrator.Orchestrator
	Trail        *audit.Trail
	Escalation   *escalate.Manager
	Rules        *policy.RuleSetProvider
	startTime    time.Time
	requestCount atomic.Int64
	errorCount   atomic.Int64
}

// NewApp wires every component and returns the application. db may be nil,
// in which case sessions and audit entries live in memory only and pending
// escalations do not survive a restart.
func NewApp(db *pgxpool.Pool, logger *zap.Logger) (*App, error) {
	// Stores (optional)
	var sessionStore domain.SessionStore
	var auditStore domain.AuditStore
	if db != nil {
		sessionStore = store.NewSessionStore(db)
		auditStore = store.NewAuditStore(db)
	}

	// External clients via provider factories
	classifierProvider := config.ClassifierProvider()
	backend, err := classify.NewBackend(classifierProvider, config.ClassifierAPIKey())
	if err != nil {
		logger.Warn("classifier backend initialization failed, using lexical fallback only",
			zap.String("provider", classifierProvider), zap.Error(err))
		backend = nil
	} else {
		logger.Info("classifier backend initialized", zap.String("provider", classifierProvider))
	}

	embeddingProvider := config.EmbeddingProvider()
	embedder, err := embedding.NewClient(embeddingProvider, config.EmbeddingAPIKey())
	if err != nil {
		logger.Warn("embedding client initialization failed, precedent recall disabled",
			zap.String("provider", embeddingProvider), zap.Error(err))
		embedder = nil
	} else {
		logger.Info("embedding client initialized", zap.String("provider", embeddingProvider))
	}

	var reasoner domain.ReasoningClient
	if url := config.ReasoningServiceURL(); url != "" {
		reasoner = reasoning.NewHTTPClient(url)
		logger.Info("reasoning service configured", zap.String("url", url))
	}

	var notifier domain.Notifier
	if url := config.EscalationWebhookURL(); url != "" {
		notifier = escalate.NewWebhookNotifier(url)
	} else {
		notifier = escalate.NewLogNotifier(logger)
	}

	// Rules
	rules, err := policy.NewRuleSetProvider(config.RulesPath(), logger)
	if err != nil {
		return nil, err
	}

	// Core services
	ring := audit.NewRing(config.AuditRingCapacity())
	trail := audit.NewTrail(ring, auditStore, nil, logger)

	converter := policy.NewConverter(config.BaseCurrency(), config.CurrencyRates())
	engine := policy.NewEngine(converter, trail, logger)

	classifier := classify.New(backend, classify.NewLexicalBackend(), classify.DefaultThresholds(), backoff.Default(), logger)

	repairer := repair.NewEngine(repair.DefaultConfig(), nil, logger)

	escalation := escalate.NewManager(notifier, config.EscalationTimeout(), logger)

	orchCfg := orchestrator.Config{
		MaxReflections:      config.MaxReflections(),
		TimeoutTerminates:   config.EscalationTimeoutTerminates(),
		ExternalConcurrency: int64(config.ExternalConcurrency()),
		PrecedentLimit:      config.PrecedentLimit(),
	}
	orch := orchestrator.New(orchCfg, classifier, engine, rules, repairer, escalation, reasoner, sessionStore, embedder, logger)

	// Handlers
	sessionHandler := handlers.NewSessionHandler(orch)
	rulesHandler := handlers.NewRulesHandler(rules)
	auditHandler := handlers.NewAuditHandler(trail, auditStore)

	r := chi.NewRouter()

	app := &App{
		Router:       r,
		Orchestrator: orch,
		Trail:        trail,
		Escalation:   escalation,
		Rules:        rules,
		startTime:    time.Now(),
	}

	// Metrics collector for middleware
	metricsCollector := mw.NewMetricsCollector(&app.requestCount, &app.errorCount)

	// Global middleware (order matters)
	r.Use(mw.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metricsCollector.Middleware)
	r.Use(mw.Logging(logger))
	r.Use(middleware.Recoverer)
	r.Use(mw.RateLimit(config.RateLimitRPS(), config.RateLimitBurst()))

	r.Get("/health", healthHandler(db))
	r.Get("/metrics", app.metricsHandler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", sessionHandler.Submit)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", sessionHandler.GetByID)
				r.Post("/resume", sessionHandler.Resume)
				r.Post("/abort", sessionHandler.Abort)
			})
		})

		r.Route("/rules", func(r chi.Router) {
			r.Get("/", rulesHandler.Get)
			r.Post("/reload", rulesHandler.Reload)
		})

		r.Get("/audit", auditHandler.List)
	})

	return app, nil
}

func healthHandler(db *pgxpool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if db != nil {
			if err := db.Ping(r.Context()); err != nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusServiceUnavailable)
				_ = json.NewEncoder(w).Encode(map[string]string{"status": "error", "error": err.Error()})
				return
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}
}

func (app *App) metricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var memStats runtime.MemStats
		runtime.ReadMemStats(&memStats)

		uptime := time.Since(app.startTime)

		response := map[string]any{
			"uptime_seconds":      uptime.Seconds(),
			"uptime_human":        uptime.Round(time.Second).String(),
			"request_count":       app.requestCount.Load(),
			"error_count":         app.errorCount.Load(),
			"pending_escalations": app.Escalation.PendingCount(),
			"goroutines":          runtime.NumGoroutine(),
			"memory": map[string]any{
				"alloc_mb":       float64(memStats.Alloc) / 1024 / 1024,
				"total_alloc_mb": float64(memStats.TotalAlloc) / 1024 / 1024,
				"sys_mb":         float64(memStats.Sys) / 1024 / 1024,
				"num_gc":         memStats.NumGC,
			},
			"go_version": runtime.Version(),
			"version":    buildconfig.Version(),
			"commit":     buildconfig.Commit(),
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(response)
	}
}

// Ensure stores and clients satisfy interfaces at compile time.
var (
	_ domain.SessionStore          = (*store.SessionStore)(nil)
	_ domain.AuditStore            = (*store.AuditStore)(nil)
	_ domain.ClassificationBackend = (*classify.OpenAIBackend)(nil)
	_ domain.ClassificationBackend = (*classify.AnthropicBackend)(nil)
	_ domain.ClassificationBackend = (*classify.LexicalBackend)(nil)
	_ domain.ClassificationBackend = (*classify.MockBackend)(nil)
	_ domain.EmbeddingClient       = (*embedding.OpenAIClient)(nil)
	_ domain.EmbeddingClient       = (*embedding.MockClient)(nil)
	_ domain.ReasoningClient       = (*reasoning.HTTPClient)(nil)
	_ domain.ReasoningClient       = (*reasoning.MockClient)(nil)
	_ domain.Notifier              = (*escalate.WebhookNotifier)(nil)
	_ domain.Notifier              = (*escalate.LogNotifier)(nil)
	_ domain.Notifier              = (*escalate.MockNotifier)(nil)
	_ domain.RepairBackend         = (*repair.StubBackend)(nil)
	_ orchestrator.RuleSetSource   = (*policy.RuleSetProvider)(nil)
	_ orchestrator.RepairEngine    = (*repair.Engine)(nil)
	_ policy.Recorder              = (*audit.Trail)(nil)
)
