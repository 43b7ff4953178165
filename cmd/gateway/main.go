package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	goredisv8 "github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredisv9 "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/crestline-ai/llmgateway/cmd/gateway/internal/gateway"
	"github.com/crestline-ai/llmgateway/cmd/gateway/internal/middleware"
	authpkg "github.com/crestline-ai/llmgateway/internal/auth"
	"github.com/crestline-ai/llmgateway/internal/circuitbreaker"
	cfg "github.com/crestline-ai/llmgateway/internal/config"
	"github.com/crestline-ai/llmgateway/internal/db"
	"github.com/crestline-ai/llmgateway/internal/health"
	"github.com/crestline-ai/llmgateway/internal/job"
	"github.com/crestline-ai/llmgateway/internal/ledger"
	"github.com/crestline-ai/llmgateway/internal/session"
	"github.com/crestline-ai/llmgateway/internal/streaming"
	"github.com/crestline-ai/llmgateway/internal/tracker"
	"github.com/crestline-ai/llmgateway/internal/workflow"
)

func main() {
	featuresCfg, cfgErr := cfg.Load()
	if cfgErr != nil {
		featuresCfg = nil
	}

	logger, err := buildLogger(featuresCfg)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync()
	if cfgErr != nil {
		logger.Warn("failed to load feature configuration, using env/defaults", zap.Error(cfgErr))
	}

	var gatewaySkipAuthDefault *bool
	if featuresCfg != nil && featuresCfg.Gateway.SkipAuth != nil {
		gatewaySkipAuthDefault = featuresCfg.Gateway.SkipAuth
	}
	if envVal := os.Getenv("GATEWAY_SKIP_AUTH"); envVal != "" {
		logger.Warn("environment variable overrides gateway authentication setting",
			zap.String("env", "GATEWAY_SKIP_AUTH"), zap.String("value", envVal))
	} else if gatewaySkipAuthDefault != nil {
		if *gatewaySkipAuthDefault {
			_ = os.Setenv("GATEWAY_SKIP_AUTH", "1")
		} else {
			_ = os.Setenv("GATEWAY_SKIP_AUTH", "0")
		}
	}

	budgetCfg := cfg.BudgetFromEnvOrDefaults(featuresCfg)
	runtimeCfg := cfg.ResolveWorkflowRuntime(featuresCfg)

	dbConfig := &db.Config{
		Host:            getEnvOrDefault("POSTGRES_HOST", "postgres"),
		Port:            getEnvOrDefaultInt("POSTGRES_PORT", 5432),
		User:            getEnvOrDefault("POSTGRES_USER", "gateway"),
		Password:        getEnvOrDefault("POSTGRES_PASSWORD", ""),
		Database:        getEnvOrDefault("POSTGRES_DB", "gateway"),
		MaxConnections:  getEnvOrDefaultInt("POSTGRES_MAX_CONNECTIONS", 25),
		IdleConnections: getEnvOrDefaultInt("POSTGRES_IDLE_CONNECTIONS", 5),
		MaxLifetime:     time.Duration(getEnvOrDefaultInt("POSTGRES_MAX_LIFETIME_MINUTES", 30)) * time.Minute,
		SSLMode:         getEnvOrDefault("POSTGRES_SSL_MODE", "disable"),
	}
	dbClient, err := db.NewClient(dbConfig, logger)
	if err != nil {
		logger.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer dbClient.Close()

	redisAddr := getEnvOrDefault("REDIS_ADDR", "redis:6379")
	redisV9 := goredisv9.NewClient(&goredisv9.Options{Addr: redisAddr, Password: os.Getenv("REDIS_PASSWORD")})
	defer redisV9.Close()
	redisV8 := goredisv8.NewClient(&goredisv8.Options{Addr: redisAddr, Password: os.Getenv("REDIS_PASSWORD")})
	defer redisV8.Close()
	streaming.InitializeRedis(redisV8, logger)
	streaming.InitializeEventStore(dbClient, logger)

	sqlxDB := sqlx.NewDb(dbClient.GetDB(), "postgres")
	jwtSecret := getEnvOrDefault("JWT_SECRET", "dev-secret-change-me")
	authService := authpkg.NewService(sqlxDB, logger, jwtSecret)
	jwtManager := authpkg.NewJWTManager(jwtSecret, 30*time.Minute, 7*24*time.Hour)

	authMiddleware := middleware.NewAuthMiddlewareWithJWT(authService, jwtManager, logger)
	rateLimiter := middleware.NewRateLimiterWithLimits(redisV9, logger, rateLimitPerMinute(budgetCfg), budgetCfg.RateLimit.Requests)
	idempotency := middleware.NewIdempotencyMiddleware(redisV9, logger)
	tracingMw := middleware.NewTracingMiddleware(logger)
	validationMw := middleware.NewValidationMiddleware(logger)

	billingLedger := ledger.New(dbClient, logger)
	requestTracker := tracker.New(logger)
	jobRepo := job.New(dbClient, logger)

	executor := &gateway.StageExecutor{Jobs: jobRepo, Tracker: requestTracker, Logger: logger}
	orchestrator := workflow.New(executor, runtimeCfg.ToolParallelism, logger)
	executor.SetOrchestrator(orchestrator)
	for _, def := range gateway.Definitions() {
		orchestrator.RegisterDefinition(def)
	}

	sessionRepo := session.NewRepository(dbClient, logger)
	sessionCache := session.NewCache(sessionRepo, logger)
	flushCtx, stopFlush := context.WithCancel(context.Background())
	defer stopFlush()
	go sessionCache.StartFlushLoop(flushCtx, getEnvOrDefaultDuration("SESSION_FLUSH_INTERVAL", 5*time.Second))

	sequencerActors := gateway.NewActorRegistry(sessionCache, logger)

	workflowEvents, stopWorkflowEvents := orchestrator.Subscribe()
	go republishWorkflowEvents(workflowEvents, logger)
	defer stopWorkflowEvents()

	healthManager := health.NewManager(logger)
	if err := healthManager.RegisterChecker(health.NewDatabaseHealthChecker(dbClient.GetDB(), dbClient.Wrapper(), logger)); err != nil {
		logger.Warn("failed to register database health checker", zap.Error(err))
	}
	redisWrapper := circuitbreaker.NewRedisWrapper(redisV8, logger)
	if err := healthManager.RegisterChecker(health.NewRedisHealthChecker(redisV8, redisWrapper, logger)); err != nil {
		logger.Warn("failed to register redis health checker", zap.Error(err))
	}
	healthCtx, stopHealth := context.WithCancel(context.Background())
	defer stopHealth()
	if err := healthManager.Start(healthCtx); err != nil {
		logger.Warn("failed to start health manager background checks", zap.Error(err))
	}
	healthHTTP := health.NewHTTPHandler(healthManager, logger)

	upstreamCBConfig := circuitbreaker.GetHTTPConfig()
	upstreamCBConfig.FailureThreshold = uint32(budgetCfg.CircuitBreaker.FailureThreshold)
	upstreamCBConfig.MaxRequests = uint32(budgetCfg.CircuitBreaker.HalfOpenRequests)
	upstreamCBConfig.Timeout = time.Duration(budgetCfg.CircuitBreaker.ResetTimeoutMs) * time.Millisecond
	upstreamHTTP := circuitbreaker.NewHTTPWrapperWithConfig(
		&http.Client{Timeout: 5 * time.Minute},
		"upstream-provider", "chat-completions", upstreamCBConfig, logger,
	)

	if configManager, err := cfg.NewConfigManager(cfg.ConfigDir(), logger); err != nil {
		logger.Warn("failed to start config hot-reload watcher", zap.Error(err))
	} else {
		configManager.RegisterHandler("features.yaml", func(cfg.ChangeEvent) error {
			reloaded, loadErr := cfg.Load()
			if loadErr != nil {
				return loadErr
			}
			newBudget := cfg.BudgetFromEnvOrDefaults(reloaded)
			newRuntime := cfg.ResolveWorkflowRuntime(reloaded)
			rateLimiter.SetLimits(rateLimitPerMinute(newBudget), newBudget.RateLimit.Requests)
			orchestrator.SetMaxConcurrent(newRuntime.ToolParallelism)
			return nil
		})
		hotReloadCtx, stopHotReload := context.WithCancel(context.Background())
		defer stopHotReload()
		if err := configManager.Start(hotReloadCtx); err != nil {
			logger.Warn("failed to start config hot-reload watcher", zap.Error(err))
		} else {
			defer configManager.Stop()
		}
	}

	chatHandler := &gateway.ChatHandler{
		Models:  gateway.NewModelRegistry(),
		Ledger:  billingLedger,
		Tracker: requestTracker,
		Client:  upstreamHTTP,
		Logger:  logger,
	}
	workflowHandler := &gateway.WorkflowHandler{
		Orchestrator: orchestrator,
		Jobs:         jobRepo,
		Executor:     executor,
		Logger:       logger,
	}
	sessionHandler := &gateway.SessionHandler{
		Actors: sequencerActors,
		Cache:  sessionCache,
		Logger: logger,
	}
	wsHandler := &gateway.WorkflowEventsHandler{Logger: logger}
	billingHandler := &gateway.BillingHandler{
		Ledger: billingLedger,
		Fees:   ledger.LoadFeeTierConfig(),
		Logger: logger,
	}

	scoped := func(scope string, h http.Handler) http.Handler {
		return middleware.RequireScope(logger, scope, h)
	}
	scopedFunc := func(scope string, h http.HandlerFunc) http.Handler {
		return middleware.RequireScope(logger, scope, h)
	}

	mux := http.NewServeMux()
	mux.Handle("/v1/chat/completions", scoped(authpkg.ScopeChatCompletions, chatHandler))
	mux.Handle("/v1/billing/stats", scopedFunc(authpkg.ScopeBillingRead, billingHandler.ServeStats))
	mux.Handle("/v1/billing/transactions", scopedFunc(authpkg.ScopeBillingRead, billingHandler.ServeHistory))
	mux.Handle("/v1/billing/checkout", scopedFunc(authpkg.ScopeBillingCheckout, billingHandler.ServeCheckout))
	mux.Handle("/v1/billing/checkout/confirm", scopedFunc(authpkg.ScopeBillingCheckout, billingHandler.ConfirmCheckout))
	mux.Handle("/v1/workflows/find-relevant-files", scopedFunc(authpkg.ScopeWorkflowsWrite, workflowHandler.FindRelevantFiles))
	mux.Handle("/v1/workflows/deep-research", scopedFunc(authpkg.ScopeWorkflowsWrite, workflowHandler.DeepResearch))
	mux.Handle("/v1/jobs/implementation-plan", scopedFunc(authpkg.ScopeWorkflowsWrite, workflowHandler.CreateImplementationPlan))
	mux.Handle("/v1/jobs/merge-plans", scopedFunc(authpkg.ScopeWorkflowsWrite, workflowHandler.MergePlans))
	mux.Handle("/v1/workflows/{workflowId}/stages/{jobId}/retry", scopedFunc(authpkg.ScopeWorkflowsWrite, workflowHandler.RetryWorkflowStage))
	mux.Handle("/v1/workflows/{workflowId}/stages/{jobId}/cancel", scopedFunc(authpkg.ScopeWorkflowsWrite, workflowHandler.CancelWorkflowStage))
	mux.Handle("/v1/workflows/{workflowId}/cancel", scopedFunc(authpkg.ScopeWorkflowsWrite, workflowHandler.CancelWorkflow))
	mux.Handle("/v1/sessions/{sessionId}/task-description", scopedFunc(authpkg.ScopeSessionsWrite, sessionHandler.UpdateTaskDescription))
	mux.Handle("/v1/ws/workflows/{workflowId}", wsHandler)
	healthHTTP.RegisterRoutes(mux)
	mux.Handle("/metrics", promhttp.Handler())

	var handler http.Handler = mux
	handler = authMiddleware.Middleware(handler)
	handler = idempotency.Middleware(handler)
	handler = rateLimiter.Middleware(handler)
	handler = validationMw.Middleware(handler)
	handler = tracingMw.Middleware(handler)
	handler = corsMiddleware(handler)

	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(getEnvOrDefaultInt("GATEWAY_PORT", 8080)),
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streaming responses run open-ended
	}

	maintenanceCron := gateway.NewMaintenanceScheduler(billingLedger, requestTracker, logger)
	maintenanceCron.Start()
	defer maintenanceCron.Stop()

	go func() {
		logger.Info("gateway listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("gateway server failed", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("shutting down gateway")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
	sessionCache.Flush(shutdownCtx)
	if err := healthManager.Stop(); err != nil {
		logger.Warn("health manager stop failed", zap.Error(err))
	}
	if err := streaming.Get().Shutdown(shutdownCtx); err != nil {
		logger.Warn("streaming manager shutdown failed", zap.Error(err))
	}
}

// republishWorkflowEvents bridges the orchestrator's in-process Event
// channel (§4.I) onto the cross-process streaming.Manager (§4.H-adjacent
// workflow fanout), keyed by workflow id the same way job events are keyed
// by job id.
func republishWorkflowEvents(events <-chan workflow.Event, logger *zap.Logger) {
	for ev := range events {
		eventType := "WORKFLOW_" + strings.ToUpper(string(ev.Status))
		if ev.StageName != "" {
			eventType = "STAGE_" + strings.ToUpper(string(ev.Status))
		}
		streaming.Get().Publish(ev.WorkflowID, streaming.Event{
			WorkflowID: ev.WorkflowID,
			Type:       eventType,
			AgentID:    ev.StageName,
			Message:    string(ev.Status),
			Payload: map[string]interface{}{
				"status": string(ev.Status),
				"stage":  ev.StageName,
			},
		})
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		isStreaming := strings.HasPrefix(r.URL.Path, "/v1/chat/completions")

		allowedHeaders := "Content-Type, Authorization, X-API-Key, X-User-Id, Idempotency-Key, traceparent, tracestate, Cache-Control, Last-Event-ID"

		w.Header().Set("Access-Control-Allow-Origin", "*")
		if !isStreaming {
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		} else {
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		}
		w.Header().Set("Access-Control-Allow-Headers", allowedHeaders)
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// buildLogger builds the gateway's zap.Logger from
// Features.Observability.Logging (features.yaml), defaulting to the
// teacher's zap.NewProduction() shape when unset.
func buildLogger(f *cfg.Features) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	format := "json"
	if f != nil {
		if f.Observability.Logging.Level != "" {
			var parsed zapcore.Level
			if err := parsed.UnmarshalText([]byte(f.Observability.Logging.Level)); err == nil {
				level = parsed
			}
		}
		if f.Observability.Logging.Format != "" {
			format = strings.ToLower(f.Observability.Logging.Format)
		}
	}

	zapCfg := zap.NewProductionConfig()
	if format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	return zapCfg.Build()
}

// rateLimitPerMinute converts BudgetConfig.RateLimit's requests-per-interval
// shape into the requests-per-minute the rate limiter's window actually
// uses (middleware.RateLimiter.checkRateLimit keys on a 1-minute window).
func rateLimitPerMinute(bc cfg.BudgetConfig) int {
	if bc.RateLimit.Requests <= 0 || bc.RateLimit.IntervalMs <= 0 {
		return 0
	}
	return int(float64(bc.RateLimit.Requests) * 60000.0 / float64(bc.RateLimit.IntervalMs))
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvOrDefaultDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
