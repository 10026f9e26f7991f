// FlowCatalyst Message Router
//
// Standalone message router binary for production deployments.
// Consumes messages from queue (embedded NATS, NATS, SQS or ActiveMQ) and
// delivers via HTTP mediation.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"go.flowcatalyst.tech/internal/common/health"
	"go.flowcatalyst.tech/internal/common/lifecycle"
	"go.flowcatalyst.tech/internal/config"
	"go.flowcatalyst.tech/internal/queue"
	natsqueue "go.flowcatalyst.tech/internal/queue/nats"
	sqsqueue "go.flowcatalyst.tech/internal/queue/sqs"
	stompqueue "go.flowcatalyst.tech/internal/queue/stomp"
	"go.flowcatalyst.tech/internal/router/manager"
	"go.flowcatalyst.tech/internal/router/mediator"
	"go.flowcatalyst.tech/internal/router/standby"
	"go.flowcatalyst.tech/internal/router/traffic"
	"go.flowcatalyst.tech/internal/router/warning"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	// Configure logging
	setupLogging()

	slog.Info("Starting FlowCatalyst Message Router",
		"version", version,
		"build_time", buildTime,
		"component", "router")

	ctx := context.Background()

	// ========================================
	// 1. INFRASTRUCTURE INITIALIZATION
	// ========================================
	// Router doesn't need MongoDB, just config
	app, cleanup, err := lifecycle.Initialize(ctx, lifecycle.AppOptions{
		NeedsMongoDB: false,
	})
	if err != nil {
		slog.Error("Failed to initialize", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	// ========================================
	// 2. QUEUE SETUP
	// ========================================
	queueConsumer, queueHealthChecks, err := setupQueue(ctx, app)
	if err != nil {
		slog.Error("Failed to setup queue", "error", err)
		os.Exit(1)
	}

	// ========================================
	// 3. COMPONENT WIRING
	// ========================================
	// Create components by passing ready infrastructure

	// Health checker
	healthChecker := health.NewChecker()
	for _, check := range queueHealthChecks {
		healthChecker.AddReadinessCheck(check)
	}

	// Message router
	mediatorCfg := mediator.DefaultHTTPMediatorConfig()
	messageRouter := manager.NewRouter(queueConsumer, app.Config.Queue.Type, mediatorCfg)
	routerService := manager.NewRouterService(messageRouter)

	// Traffic management (load-balancer registration on PRIMARY/STANDBY
	// transitions) composed with leader election below.
	trafficService := traffic.NewService(&traffic.Config{
		Enabled:    app.Config.Traffic.Enabled,
		Strategy:   app.Config.Traffic.Strategy,
		RedisURL:   app.Config.Traffic.RedisURL,
		InstanceID: app.Config.Leader.InstanceID,
	})

	// Standby service for leader election
	standbyService := setupStandbyService(app.Config, routerService, trafficService)

	// Warning service
	warningService := warning.NewInMemoryService()
	warningHandler := warning.NewHandler(warningService)

	// HTTP Router
	httpRouter := setupHTTPRouter(healthChecker, standbyService, trafficService, warningHandler, messageRouter.Manager(), app.Config.HTTP.CORSOrigins)

	// HTTP Server
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", app.Config.HTTP.Port),
		Handler:      httpRouter,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// ========================================
	// 4. SERVICE STARTUP
	// ========================================
	// Build the service list based on configuration
	var services []lifecycle.Service

	// HTTP service (always runs)
	httpService := lifecycle.NewHTTPService("http-server", httpServer)
	services = append(services, httpService)

	// Standby service wraps router lifecycle when leader election is enabled
	if app.Config.Leader.Enabled {
		standbyServiceWrapper := newStandbyServiceWrapper(standbyService)
		services = append(services, standbyServiceWrapper)
	} else {
		// No leader election - run router directly
		services = append(services, routerService)
	}

	slog.Info("Router ready",
		"port", app.Config.HTTP.Port,
		"queueType", app.Config.Queue.Type,
		"leaderElection", app.Config.Leader.Enabled)

	// ========================================
	// 5. RUN UNTIL SHUTDOWN
	// ========================================
	if err := lifecycle.Run(ctx, services...); err != nil {
		slog.Error("Service error", "error", err)
		os.Exit(1)
	}

	slog.Info("FlowCatalyst Message Router stopped")
}

// setupLogging configures the slog default logger.
func setupLogging() {
	logLevel := slog.LevelInfo
	if os.Getenv("FLOWCATALYST_DEV") == "true" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

// setupQueue initializes the queue consumer based on configuration.
// Returns the consumer, its health checks (broker connectivity plus, where
// the consumer implements queue.HealthReporter, its own poll-loop
// liveness), and any error.
func setupQueue(ctx context.Context, app *lifecycle.App) (queue.Consumer, []health.CheckFunc, error) {
	factory := queue.NewFactory(&queue.Config{Type: app.Config.Queue.Type})

	switch {
	case factory.IsNATS():
		return setupNATSQueue(ctx, app)
	case factory.IsSQS():
		return setupSQSQueue(ctx, app)
	case factory.IsActiveMQ():
		return setupActiveMQQueue(ctx, app)
	case factory.IsEmbedded():
		return setupEmbeddedQueue(ctx, app)
	default:
		return nil, nil, fmt.Errorf("unknown queue type: %s (use 'embedded', 'nats', 'sqs', or 'activemq')", factory.Type())
	}
}

// pollHealthCheck returns a poll-loop liveness check for consumer when it
// implements queue.HealthReporter, or nil otherwise. Currently all four
// broker consumers implement it.
func pollHealthCheck(name string, consumer queue.Consumer) health.CheckFunc {
	reporter, ok := consumer.(queue.HealthReporter)
	if !ok {
		return nil
	}
	return health.ConsumerPollCheck(name+" poll loop",
		func() bool { return reporter.GetHealth().IsHealthy },
		func() int64 { return reporter.GetHealth().TimeSinceLastPollMs },
	)
}

// setupEmbeddedQueue starts an embedded, on-disk NATS JetStream server and
// returns a consumer bound to it. Used when no external broker is
// configured, e.g. local development or a single-instance deployment.
func setupEmbeddedQueue(ctx context.Context, app *lifecycle.App) (queue.Consumer, []health.CheckFunc, error) {
	cfg := app.Config

	dataDir := cfg.Queue.NATS.DataDir
	if dataDir == "" {
		dataDir = cfg.DataDir + "/nats"
	}

	embeddedCfg := natsqueue.DefaultEmbeddedConfig()
	embeddedCfg.DataDir = dataDir

	slog.Info("Starting embedded NATS JetStream server", "dataDir", dataDir)

	embedded, err := natsqueue.NewEmbeddedServer(embeddedCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to start embedded NATS server: %w", err)
	}

	app.AddCleanup(func() error {
		slog.Info("Stopping embedded NATS server")
		return embedded.Close()
	})

	consumer, err := embedded.CreateConsumer(ctx, "router-consumer", "dispatch.>", &queue.NATSConfig{
		StreamName: embeddedCfg.StreamName,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create embedded consumer: %w", err)
	}

	healthCheck := health.NATSCheck(func() bool {
		return embedded.Connection() != nil && embedded.Connection().IsConnected()
	})
	checks := []health.CheckFunc{healthCheck}
	if pollCheck := pollHealthCheck("embedded NATS", consumer); pollCheck != nil {
		checks = append(checks, pollCheck)
	}

	slog.Info("Embedded NATS server ready", "port", embedded.Port())
	return consumer, checks, nil
}

// setupActiveMQQueue connects to a STOMP broker (ActiveMQ, ActiveMQ
// Artemis, or any STOMP 1.2 endpoint).
func setupActiveMQQueue(ctx context.Context, app *lifecycle.App) (queue.Consumer, []health.CheckFunc, error) {
	cfg := app.Config

	slog.Info("Connecting to ActiveMQ/STOMP broker",
		"addr", cfg.Queue.ActiveMQ.Addr,
		"destination", cfg.Queue.ActiveMQ.Destination)

	stompCfg := stompqueue.DefaultConfig()
	stompCfg.Addr = cfg.Queue.ActiveMQ.Addr
	stompCfg.Login = cfg.Queue.ActiveMQ.Login
	stompCfg.Passcode = cfg.Queue.ActiveMQ.Passcode
	stompCfg.Destination = cfg.Queue.ActiveMQ.Destination

	stompClient, err := stompqueue.NewClient(stompCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to ActiveMQ: %w", err)
	}

	app.AddCleanup(func() error {
		slog.Info("Disconnecting from ActiveMQ")
		return stompClient.Close()
	})

	consumer := stompClient.Consumer(cfg.Queue.ActiveMQ.Destination)

	healthCheck := health.ActiveMQCheck(stompClient.IsConnected)
	checks := []health.CheckFunc{healthCheck}
	if pollCheck := pollHealthCheck("ActiveMQ", consumer); pollCheck != nil {
		checks = append(checks, pollCheck)
	}

	slog.Info("Connected to ActiveMQ/STOMP broker")
	return consumer, checks, nil
}

func setupNATSQueue(ctx context.Context, app *lifecycle.App) (queue.Consumer, []health.CheckFunc, error) {
	cfg := app.Config

	slog.Info("Connecting to NATS server", "url", cfg.Queue.NATS.URL)

	natsClient, err := natsqueue.NewClient(&queue.NATSConfig{
		URL:        cfg.Queue.NATS.URL,
		StreamName: "DISPATCH",
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	// Register cleanup
	app.AddCleanup(func() error {
		slog.Info("Disconnecting from NATS")
		return natsClient.Close()
	})

	consumer, err := natsClient.CreateConsumer(ctx, "router-consumer", "dispatch.>")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create NATS consumer: %w", err)
	}

	healthCheck := health.NATSCheck(natsClient.IsConnected)
	checks := []health.CheckFunc{healthCheck}
	if pollCheck := pollHealthCheck("NATS", consumer); pollCheck != nil {
		checks = append(checks, pollCheck)
	}

	slog.Info("Connected to NATS server")
	return consumer, checks, nil
}

func setupSQSQueue(ctx context.Context, app *lifecycle.App) (queue.Consumer, []health.CheckFunc, error) {
	cfg := app.Config

	slog.Info("Connecting to AWS SQS",
		"region", cfg.Queue.SQS.Region,
		"queueURL", cfg.Queue.SQS.QueueURL)

	sqsCfg := &queue.SQSConfig{
		QueueURL:            cfg.Queue.SQS.QueueURL,
		Region:              cfg.Queue.SQS.Region,
		WaitTimeSeconds:     int32(cfg.Queue.SQS.WaitTimeSeconds),
		VisibilityTimeout:   int32(cfg.Queue.SQS.VisibilityTimeout),
		MaxNumberOfMessages: 10,
	}

	sqsClient, err := sqsqueue.NewClient(ctx, sqsCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create SQS client: %w", err)
	}

	// Register cleanup
	app.AddCleanup(func() error {
		slog.Info("Disconnecting from SQS")
		return sqsClient.Close()
	})

	consumer, err := sqsClient.CreateConsumer(ctx, "router-consumer", "")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create SQS consumer: %w", err)
	}

	healthCheck := health.SQSCheck(func() error {
		checkCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return sqsClient.HealthCheck(checkCtx)
	})
	checks := []health.CheckFunc{healthCheck}
	if pollCheck := pollHealthCheck("SQS", consumer); pollCheck != nil {
		checks = append(checks, pollCheck)
	}

	slog.Info("Connected to AWS SQS")
	return consumer, checks, nil
}

// newLockProvider builds the distributed lock backing leader election. A
// configured RedisURL gets a real Redis-backed lock; otherwise every
// instance just declares itself PRIMARY via NoOpLockProvider (single-instance
// deployments, or explicit opt-out of distributed coordination).
func newLockProvider(cfg *standby.Config) standby.LockProvider {
	if cfg.RedisURL == "" {
		slog.Warn("Leader election enabled but no LEADER_REDIS_URL configured - running standalone")
		return standby.NewNoOpLockProvider(cfg.InstanceID)
	}

	provider, err := standby.NewRedisLockProvider(cfg.RedisURL)
	if err != nil {
		slog.Error("Failed to connect to Redis for leader election - falling back to standalone", "error", err)
		return standby.NewNoOpLockProvider(cfg.InstanceID)
	}
	return provider
}

// setupStandbyService configures leader election. Becoming PRIMARY resumes
// message processing and registers this instance with the load balancer via
// trafficService; becoming STANDBY does the reverse.
func setupStandbyService(cfg *config.Config, routerService *manager.RouterService, trafficService *traffic.Service) *standby.Service {
	standbyCfg := &standby.Config{
		Enabled:         cfg.Leader.Enabled,
		InstanceID:      cfg.Leader.InstanceID,
		LockKey:         "flowcatalyst:router:leader",
		LockTTL:         cfg.Leader.TTL,
		RefreshInterval: cfg.Leader.RefreshInterval,
		RedisURL:        cfg.Leader.RedisURL,
	}

	svc := standby.NewService(standbyCfg, nil)

	if standbyCfg.Enabled {
		svc.SetLockProvider(newLockProvider(standbyCfg))
	}

	svc.AddModeChangeListener(func(role standby.Role) {
		switch role {
		case standby.RolePrimary:
			slog.Info("Became PRIMARY - starting message processing")
			routerService.Resume()
		case standby.RoleStandby:
			slog.Info("Became STANDBY - stopping message processing")
			routerService.Pause()
		}
	})

	svc.AddModeChangeListener(func(role standby.Role) {
		switch role {
		case standby.RolePrimary:
			trafficService.RegisterAsActive()
		case standby.RoleStandby:
			trafficService.DeregisterFromActive()
		}
	})

	return svc
}

// setupHTTPRouter creates the HTTP router with health/metrics endpoints.
func setupHTTPRouter(healthChecker *health.Checker, standbyService *standby.Service, trafficService *traffic.Service, warningHandler *warning.Handler, queueManager *manager.QueueManager, corsOrigins []string) http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health endpoints
	r.Get("/q/health", healthChecker.HandleHealth)
	r.Get("/q/health/live", healthChecker.HandleLive)
	r.Get("/q/health/ready", healthChecker.HandleReady)

	// Prometheus metrics
	r.Handle("/metrics", promhttp.Handler())
	r.Handle("/q/metrics", promhttp.Handler())

	r.Route("/router", func(r chi.Router) {
		// Standby status endpoint
		r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
			status := standbyService.GetStatus()
			trafficStatus := trafficService.GetStatus()
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"role":"%s","instanceId":"%s","standbyEnabled":%v,"trafficRegistered":%v}`,
				standbyService.GetRole(), standbyService.GetInstanceID(), status.StandbyEnabled, trafficStatus.Registered)
		})

		// Read-only pool stats, one entry per active pool
		r.Get("/pools", func(w http.ResponseWriter, req *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(queueManager.AllPoolStats())
		})

		// Warning endpoints
		warningHandler.RegisterRoutes(r)
	})

	return r
}

// standbyServiceWrapper wraps standby.Service to implement lifecycle.Service.
type standbyServiceWrapper struct {
	service *standby.Service
}

func newStandbyServiceWrapper(svc *standby.Service) *standbyServiceWrapper {
	return &standbyServiceWrapper{service: svc}
}

func (s *standbyServiceWrapper) Name() string { return "standby-service" }

func (s *standbyServiceWrapper) Start(ctx context.Context) error {
	if err := s.service.Start(); err != nil {
		return err
	}
	// Block until context cancelled
	<-ctx.Done()
	return nil
}

func (s *standbyServiceWrapper) Stop(ctx context.Context) error {
	s.service.Stop()
	return nil
}

func (s *standbyServiceWrapper) Health() error {
	return nil
}
