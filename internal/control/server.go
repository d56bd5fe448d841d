// Package control wires every rolloutd component into the three HTTP
// surfaces the spec names (§4.2 Reconciliation Endpoint, §4.9 Webhook
// Intake, the admin API) plus the periodic Monitor tick, the way
// fleetd's platform-api control server wires its Connect-RPC services
// and background metrics collector.
package control

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/prometheus/client_golang/prometheus/promhttp"
	redis "github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	_ "modernc.org/sqlite" // SQLite driver

	"fleetd.sh/internal/config"
	"fleetd.sh/internal/currentstate"
	"fleetd.sh/internal/database"
	"fleetd.sh/internal/domain"
	"fleetd.sh/internal/events"
	"fleetd.sh/internal/ferrors"
	"fleetd.sh/internal/healthcheck"
	"fleetd.sh/internal/lock"
	"fleetd.sh/internal/metrics"
	"fleetd.sh/internal/middleware"
	"fleetd.sh/internal/policy"
	"fleetd.sh/internal/reconcile"
	"fleetd.sh/internal/registry"
	"fleetd.sh/internal/repository"
	"fleetd.sh/internal/rollback"
	"fleetd.sh/internal/rollout"
	"fleetd.sh/internal/security"
	"fleetd.sh/internal/targetstate"
	"fleetd.sh/internal/version"
	"fleetd.sh/internal/webhook"
)

// Server is the rolloutd control plane: the Reconciliation Endpoint,
// Webhook Intake, and admin API, plus the Rollout Monitor's scheduler.
type Server struct {
	config     *config.Config
	db         *sql.DB
	dbInstance *database.DB

	devices   repository.DeviceRepository
	policies  *policy.Store
	gate      *registry.Gate
	rollouts  *rollout.Store
	planner   *rollout.Planner
	targets   *targetstate.Service
	current   *currentstate.Store
	publisher events.Publisher

	health   *healthcheck.Evaluator
	rollbk   *rollback.Coordinator
	monitor  *rollout.Monitor
	intake   *webhook.Intake
	reconcil *reconcile.Handler

	jwtManager      *security.JWTManager
	valkeyLimiter   *middleware.ValkeyRateLimiter
	inMemoryLimiter *middleware.RateLimiter
	redisClient     *redis.Client

	cron       *cron.Cron
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer builds every component named in §4 and wires them
// together. Redis is optional: when cfg.Redis.Addr is empty, the
// Monitor's advisory lock and the rate limiter both fall back to
// in-process implementations, matching the teacher's
// Valkey-with-in-memory-fallback pattern.
func NewServer(cfg *config.Config) (*Server, error) {
	logger := slog.Default().With("component", "control-server")

	dbConfig := database.DefaultConfig(cfg.Database.Driver)
	dbConfig.DSN = cfg.Database.DSN
	dbConfig.MaxOpenConns = cfg.Database.MaxOpenConns
	dbConfig.MaxIdleConns = cfg.Database.MaxIdleConns
	dbConfig.ConnMaxLifetime = cfg.Database.ConnMaxLifetime
	dbConfig.MigrationsPath = "internal/migrations"

	dbInstance, err := database.New(dbConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	db := dbInstance.DB

	publisher := events.NewPublisher(db, "rolloutd", events.NoSampling)

	devices := repository.NewDeviceRepository(dbInstance)
	policies := policy.New(dbInstance)
	gate := registry.New(dbInstance, []string{"internal.example.com/"})
	rollouts := rollout.NewStore(dbInstance)
	planner := rollout.NewPlanner(dbInstance)
	targets := targetstate.New(dbInstance, publisher)
	current := currentstate.New(dbInstance)

	healthWorkers := cfg.Rollout.HealthCheckWorkers
	if healthWorkers <= 0 {
		healthWorkers = 5
	}
	healthEval := healthcheck.New(rollouts, devices, current, publisher, healthWorkers)

	rollbackWorkers := cfg.Rollout.RollbackWorkers
	if rollbackWorkers <= 0 {
		rollbackWorkers = 10
	}
	rollbk := rollback.New(rollouts, targets, publisher, rollbackWorkers)

	var redisClient *redis.Client
	var monitorLock rollout.Lock
	var valkeyLimiter *middleware.ValkeyRateLimiter
	var inMemoryLimiter *middleware.RateLimiter

	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			logger.Warn("failed to connect to Redis, Monitor lock and rate limiting fall back to in-process", "error", err)
			redisClient = nil
		} else {
			monitorLock = lock.NewRedisLock(redisClient)
			if vl, err := middleware.NewValkeyRateLimiter(cfg.Redis.Addr, 600, 60); err != nil {
				logger.Warn("failed to initialize Valkey rate limiter, falling back to in-memory", "error", err)
			} else {
				valkeyLimiter = vl
			}
		}
	}
	if monitorLock == nil {
		monitorLock = inProcessLock{}
	}
	if valkeyLimiter == nil {
		inMemoryLimiter = middleware.NewRateLimiter(config.ProductionRateLimitConfig().ToMiddlewareConfig(), zap.NewNop())
	}

	monitor := rollout.NewMonitor(rollouts, policies, targets, healthEval, rollbk, publisher, monitorLock, rollout.MonitorConfig{
		LockTTL: cfg.Monitor.LockTTL,
	})

	intake := webhook.New(policies, gate, planner, rollouts, publisher)
	reconcil := reconcile.New(targets, current, devices, rollouts, publisher)

	jwtKey := []byte(cfg.Auth.JWTSecret)
	jwtConfig := &security.JWTConfig{SigningKey: jwtKey, Issuer: "rolloutd", TTL: cfg.Auth.JWTTTL}
	if len(jwtKey) == 0 {
		jwtConfig = nil // NewJWTManager generates a random key when nil
	}
	jwtManager, err := security.NewJWTManager(jwtConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize JWT manager: %w", err)
	}

	return &Server{
		config:          cfg,
		db:              db,
		dbInstance:      dbInstance,
		devices:         devices,
		policies:        policies,
		gate:            gate,
		rollouts:        rollouts,
		planner:         planner,
		targets:         targets,
		current:         current,
		publisher:       publisher,
		health:          healthEval,
		rollbk:          rollbk,
		monitor:         monitor,
		intake:          intake,
		reconcil:        reconcil,
		jwtManager:      jwtManager,
		valkeyLimiter:   valkeyLimiter,
		inMemoryLimiter: inMemoryLimiter,
		redisClient:     redisClient,
		logger:          logger,
	}, nil
}

// inProcessLock is the single-instance fallback used when no Redis is
// configured: always granted, since there is only one process to
// coordinate with.
type inProcessLock struct{}

func (inProcessLock) TryAcquire(ctx context.Context, name string, ttl time.Duration) (func(), bool, error) {
	return func() {}, true, nil
}

// Run builds the router, starts the Monitor's cron scheduler, and
// serves until SIGINT/SIGTERM, then drains in-flight requests before
// returning.
func (s *Server) Run() error {
	router := mux.NewRouter()

	s.reconcil.Register(router)
	router.HandleFunc("/v1/webhooks/{provider}", s.handleWebhook).Methods(http.MethodPost)
	s.registerAdminRoutes(router)

	router.HandleFunc("/health", s.handleHealth)
	router.HandleFunc("/health/live", s.handleHealthLive)
	router.HandleFunc("/health/ready", s.handleHealthReady)
	router.Handle("/metrics", promhttp.Handler())

	corsConfig := middleware.ProductionCORSConfig(s.corsOrigins())
	if err := middleware.ValidateCORSConfig(corsConfig); err != nil {
		return fmt.Errorf("invalid CORS configuration: %w", err)
	}

	var handler http.Handler = router
	handler = middleware.RequestIDMiddleware(handler)
	handler = middleware.LoggingMiddleware(s.logger)(handler)
	handler = middleware.NewMetricsMiddleware("rolloutd")(handler)
	handler = middleware.SecurityHeaders()(handler)
	if s.valkeyLimiter != nil {
		handler = s.valkeyLimiter.HTTPMiddleware(handler)
	} else if s.inMemoryLimiter != nil {
		handler = s.inMemoryLimiter.Middleware(handler)
	}
	handler = middleware.CORSMiddleware(corsConfig)(handler)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port),
		Handler:      handler,
		ReadTimeout:  s.config.Server.ReadTimeout,
		WriteTimeout: s.config.Server.WriteTimeout,
		IdleTimeout:  s.config.Server.IdleTimeout,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.collectSystemMetrics(ctx)

	s.cron = cron.New()
	if _, err := s.cron.AddFunc(s.config.Monitor.TickSchedule, func() {
		tickCtx, tickCancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer tickCancel()
		if err := s.monitor.Tick(tickCtx); err != nil {
			s.logger.Error("monitor tick failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule monitor tick %q: %w", s.config.Monitor.TickSchedule, err)
	}
	s.cron.Start()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	go func() {
		s.logger.Info("rolloutd listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("server error", "error", err)
		}
	}()

	<-stop
	cancel()
	s.logger.Info("shutting down")

	cronCtx := s.cron.Stop()
	<-cronCtx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("server shutdown error", "error", err)
	}
	return nil
}

func (s *Server) corsOrigins() []string {
	if len(s.config.Server.CORSOrigins) > 0 {
		return s.config.Server.CORSOrigins
	}
	return []string{}
}

// handleWebhook is the Webhook Intake's HTTP adapter (§4.9): verifies
// the signature when a webhook secret is configured, then hands the
// raw payload to Intake.Receive.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	provider := mux.Vars(r)["provider"]
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	if secret := s.config.Auth.WebhookSecret; secret != "" {
		sig := r.Header.Get("X-fleetd-Signature")
		if sig == "" {
			http.Error(w, "missing signature", http.StatusUnauthorized)
			return
		}
		if err := webhook.NewSignatureVerifier(secret).Verify(body, sig); err != nil {
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}
	}

	result, err := s.intake.Receive(r.Context(), provider, body)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch ferrors.GetCode(err) {
	case ferrors.CodeNotFound:
		status = http.StatusNotFound
	case ferrors.CodeInvalidArgument, ferrors.CodePolicyNotMatched:
		status = http.StatusBadRequest
	case ferrors.CodePermissionDenied, ferrors.CodeUnauthenticated, ferrors.CodeImageNotApproved, ferrors.CodeImageTagDeprecated:
		status = http.StatusForbidden
	case ferrors.CodeConflict, ferrors.CodeAlreadyExists:
		status = http.StatusConflict
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.checkHealth()
	if health["status"] != "healthy" {
		s.writeJSON(w, http.StatusServiceUnavailable, health)
		return
	}
	s.writeJSON(w, http.StatusOK, health)
}

func (s *Server) handleHealthLive(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "alive", "service": "rolloutd"})
}

func (s *Server) handleHealthReady(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"checks": map[string]string{"database": fmt.Sprintf("unhealthy: %v", err)},
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
		"checks": map[string]string{"database": "healthy"},
	})
}

func (s *Server) checkHealth() map[string]any {
	checks := make(map[string]string)
	status := "healthy"

	if err := s.db.Ping(); err != nil {
		checks["database"] = fmt.Sprintf("unhealthy: %v", err)
		status = "unhealthy"
	} else {
		checks["database"] = "healthy"
	}

	if s.redisClient != nil {
		if err := s.redisClient.Ping(context.Background()).Err(); err != nil {
			checks["redis"] = fmt.Sprintf("unhealthy: %v", err)
			if status == "healthy" {
				status = "degraded"
			}
		} else {
			checks["redis"] = "healthy"
		}
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	checks["memory"] = fmt.Sprintf("%d MB", m.Alloc/1024/1024)

	return map[string]any{
		"status":    status,
		"checks":    checks,
		"timestamp": time.Now().Unix(),
		"version":   version.Version,
		"service":   "rolloutd",
	}
}

// collectSystemMetrics mirrors the teacher's background metrics
// ticker, scoped to rolloutd's process/DB-pool stats.
func (s *Server) collectSystemMetrics(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	startTime := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.SystemUptime.WithLabelValues("rolloutd").Set(time.Since(startTime).Seconds())

			var m runtime.MemStats
			runtime.ReadMemStats(&m)
			metrics.SystemMemoryUsage.WithLabelValues("rolloutd", "alloc").Set(float64(m.Alloc))
			metrics.SystemMemoryUsage.WithLabelValues("rolloutd", "heap").Set(float64(m.HeapAlloc))
			metrics.SystemGoroutines.WithLabelValues("rolloutd").Set(float64(runtime.NumGoroutine()))

			stats := s.db.Stats()
			metrics.DBConnectionsActive.WithLabelValues("rolloutd").Set(float64(stats.OpenConnections))
		}
	}
}

// Close releases the database connection. Safe to call after Run
// returns.
func (s *Server) Close() error {
	if s.redisClient != nil {
		s.redisClient.Close()
	}
	if s.dbInstance != nil {
		return s.dbInstance.Close()
	}
	return nil
}

// registerAdminRoutes mounts the operator-facing admin API: rollout
// inspection and lifecycle control, policy CRUD, and the subset of
// image registry actions registry.Gate exposes (approve/reject/
// deprecate-tag — there is no list endpoint to mirror).
func (s *Server) registerAdminRoutes(router *mux.Router) {
	admin := router.PathPrefix("/v1/admin").Subrouter()
	admin.Use(middleware.AdminAuth(s.jwtManager))

	admin.HandleFunc("/rollouts", s.listRollouts).Methods(http.MethodGet)
	admin.HandleFunc("/rollouts/{id}", s.getRollout).Methods(http.MethodGet)
	admin.HandleFunc("/rollouts/{id}/pause", s.pauseRollout).Methods(http.MethodPost)
	admin.HandleFunc("/rollouts/{id}/resume", s.resumeRollout).Methods(http.MethodPost)
	admin.HandleFunc("/rollouts/{id}/cancel", s.cancelRollout).Methods(http.MethodPost)
	admin.HandleFunc("/rollouts/{id}/rollback", s.rollbackRollout).Methods(http.MethodPost)
	admin.HandleFunc("/rollouts/{id}/devices/{uuid}/rollback", s.rollbackDevice).Methods(http.MethodPost)

	admin.HandleFunc("/policies", s.listPolicies).Methods(http.MethodGet)
	admin.HandleFunc("/policies", s.createPolicy).Methods(http.MethodPost)
	admin.HandleFunc("/policies/{id}", s.getPolicy).Methods(http.MethodGet)
	admin.HandleFunc("/policies/{id}", s.updatePolicy).Methods(http.MethodPut)
	admin.HandleFunc("/policies/{id}", s.deletePolicy).Methods(http.MethodDelete)

	admin.HandleFunc("/registry/approve", s.approveImage).Methods(http.MethodPost)
	admin.HandleFunc("/registry/reject", s.rejectImage).Methods(http.MethodPost)
	admin.HandleFunc("/registry/deprecate-tag", s.deprecateTag).Methods(http.MethodPost)
}

func (s *Server) listRollouts(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)
	rollouts, err := s.rollouts.List(r.Context(), limit, offset)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rollouts)
}

func (s *Server) getRollout(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ro, err := s.rollouts.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	rows, err := s.rollouts.Rows(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"rollout": ro, "devices": rows})
}

func (s *Server) pauseRollout(w http.ResponseWriter, r *http.Request) {
	s.setRolloutStatus(w, r, domain.RolloutPaused, "paused by operator")
}

func (s *Server) resumeRollout(w http.ResponseWriter, r *http.Request) {
	s.setRolloutStatus(w, r, domain.RolloutInProgress, "")
}

func (s *Server) cancelRollout(w http.ResponseWriter, r *http.Request) {
	s.setRolloutStatus(w, r, domain.RolloutCancelled, "cancelled by operator")
}

func (s *Server) setRolloutStatus(w http.ResponseWriter, r *http.Request, status domain.RolloutStatus, reason string) {
	id := mux.Vars(r)["id"]
	if err := s.rollouts.UpdateRolloutStatus(r.Context(), id, status, nil, reason); err != nil {
		s.writeError(w, err)
		return
	}
	s.publisher.Publish(r.Context(), domain.DomainEvent{
		Type: "rollout." + string(status), AggregateType: "rollout", AggregateID: id,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) rollbackRollout(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.rollbk.RollbackRollout(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) rollbackDevice(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.rollbk.RollbackRow(r.Context(), vars["id"], vars["uuid"]); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listPolicies(w http.ResponseWriter, r *http.Request) {
	pols, err := s.policies.List(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, pols)
}

func (s *Server) getPolicy(w http.ResponseWriter, r *http.Request) {
	p, err := s.policies.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

func (s *Server) createPolicy(w http.ResponseWriter, r *http.Request) {
	var p domain.Policy
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, "invalid policy body", http.StatusBadRequest)
		return
	}
	if err := s.policies.Create(r.Context(), &p); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, p)
}

func (s *Server) updatePolicy(w http.ResponseWriter, r *http.Request) {
	var p domain.Policy
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, "invalid policy body", http.StatusBadRequest)
		return
	}
	p.ID = mux.Vars(r)["id"]
	if err := s.policies.Update(r.Context(), &p); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

func (s *Server) deletePolicy(w http.ResponseWriter, r *http.Request) {
	if err := s.policies.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type registryActionRequest struct {
	Registry string `json:"registry"`
	Image    string `json:"image"`
	Tag      string `json:"tag"`
}

func (s *Server) approveImage(w http.ResponseWriter, r *http.Request) {
	var req registryActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.gate.Approve(r.Context(), req.Registry, req.Image); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) rejectImage(w http.ResponseWriter, r *http.Request) {
	var req registryActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.gate.Reject(r.Context(), req.Registry, req.Image); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deprecateTag(w http.ResponseWriter, r *http.Request) {
	var req registryActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.gate.DeprecateTag(r.Context(), req.Registry, req.Image, req.Tag); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func pageParams(r *http.Request) (limit, offset int32) {
	limit, offset = 50, 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = int32(n)
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = int32(n)
		}
	}
	return limit, offset
}
