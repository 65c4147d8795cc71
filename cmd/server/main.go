package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/tusharkarmokar24-ai/AeroView/internal/config"
	"github.com/tusharkarmokar24-ai/AeroView/internal/database"
	"github.com/tusharkarmokar24-ai/AeroView/internal/handlers"
	"github.com/tusharkarmokar24-ai/AeroView/internal/jobs"
	"github.com/tusharkarmokar24-ai/AeroView/internal/logging"
	"github.com/tusharkarmokar24-ai/AeroView/internal/middleware"
	"github.com/tusharkarmokar24-ai/AeroView/internal/mqttbridge"
	"github.com/tusharkarmokar24-ai/AeroView/internal/preflight"
	"github.com/tusharkarmokar24-ai/AeroView/internal/services"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	// Load .env file (ignore error if file doesn't exist)
	if err := godotenv.Load(); err != nil {
		log.Printf("⚠️  No .env file found or error loading it: %v", err)
	} else {
		log.Println("✅ .env file loaded successfully")
	}

	// Initialize structured logging (JSON in production, text in dev)
	logging.Init()

	log.Println("🚀 Starting AeroView ingest server...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Invalid configuration: %v", err)
	}
	log.Printf("📋 Configuration loaded (Port: %s, Store: %s, Threshold: %d)", cfg.Port, cfg.StoreBackend, cfg.SummaryThreshold)

	store, closeStore, err := openSessionStore(cfg)
	if err != nil {
		log.Fatalf("❌ Failed to open session store: %v", err)
	}
	defer closeStore()

	// os.Exit skips deferred calls, so the store is closed explicitly first
	exitWithError := func(format string, args ...interface{}) {
		log.Printf(format, args...)
		closeStore()
		os.Exit(1)
	}

	// Redis is optional: it adds the cross-instance summary lock and session events
	var redisService *services.RedisService
	var redisPinger preflight.Pinger
	if cfg.RedisURL != "" {
		redisService, err = services.NewRedisService(cfg.RedisURL)
		if err != nil {
			log.Printf("⚠️ Failed to connect to Redis: %v (summary lock and events disabled)", err)
			redisService = nil
		} else {
			defer redisService.Close()
			redisPinger = redisService
		}
	} else {
		log.Println("⚠️ REDIS_URL not set - summary lock and session events disabled")
	}

	// Run preflight checks
	checker := preflight.NewChecker(cfg, store, redisPinger)
	results := checker.RunAll()

	// Exit if critical checks failed
	if preflight.HasFailures(results) {
		exitWithError("❌ Pre-flight checks failed. Please fix the issues above before starting the server.")
	}

	log.Println("✅ All pre-flight checks passed")

	llmService := services.NewLLMService(services.LLMConfig{
		BaseURL: cfg.LLMBaseURL,
		APIKey:  cfg.LLMAPIKey,
		Model:   cfg.LLMModel,
		Timeout: time.Duration(cfg.LLMTimeoutSeconds) * time.Second,
		MaxRPS:  cfg.LLMMaxRPS,
	})
	log.Printf("🤖 Summary model: %s", llmService.Model())

	ingestService := services.NewIngestService(store, llmService, cfg.SummaryThreshold)
	ingestService.SetMetrics(services.NewMetrics(prometheus.DefaultRegisterer))
	if redisService != nil {
		instanceID := uuid.New().String()
		ingestService.SetLocker(redisService, time.Duration(cfg.SummaryLockTTLSeconds)*time.Second)
		ingestService.SetEventPublisher(services.NewSessionEventPublisher(redisService, instanceID))
		log.Printf("🔒 Summary lock and session events enabled (instance: %s)", instanceID)
	}

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		AppName:      "AeroView v1.0",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: time.Duration(cfg.LLMTimeoutSeconds+30) * time.Second, // ingest may wait on summary generation
		IdleTimeout:  120 * time.Second,
		BodyLimit:    1 * 1024 * 1024,

		DisableStartupMessage: cfg.IsProduction(),
	})

	// Middleware
	app.Use(recover.New())
	app.Use(logger.New())

	// Prometheus metrics middleware
	prom := fiberprometheus.New("aeroview")
	prom.RegisterAt(app, "/metrics")
	app.Use(prom.Middleware)
	log.Println("📊 Prometheus metrics endpoint enabled at /metrics")

	rateLimitConfig := middleware.LoadRateLimitConfig()
	log.Printf("🛡️  [RATE-LIMIT] Loaded config: Global=%d/min, Ingest=%d/min",
		rateLimitConfig.GlobalAPIMax,
		rateLimitConfig.IngestMax,
	)

	app.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     "GET,POST,OPTIONS",
		AllowHeaders:     "Origin,Content-Type,Accept",
		AllowCredentials: false,
	}))
	log.Printf("🔒 [SECURITY] CORS allowed origins: %s", cfg.AllowedOrigins)

	// Initialize handlers
	var healthRedis handlers.Pinger
	if redisService != nil {
		healthRedis = redisService
	}
	healthHandler := handlers.NewHealthHandler(store, healthRedis)
	logHandler := handlers.NewLogHandler(ingestService)

	// Retention deletes through the cache so evicted days are never served
	var sessionDeleter jobs.SessionDeleter = store
	if cfg.SessionCacheTTLMinutes > 0 {
		sessionCache := services.NewSessionCache(store, time.Duration(cfg.SessionCacheTTLMinutes)*time.Minute)
		logHandler.SetSessionCache(sessionCache)
		sessionDeleter = sessionCache
		log.Printf("🗄️  Session read cache enabled (TTL %d min)", cfg.SessionCacheTTLMinutes)
	}

	app.Get("/health", healthHandler.Handle)

	api := app.Group("/api")

	// Device ingest
	ingestLimiter := middleware.IngestRateLimiter(rateLimitConfig)
	api.Post("/brain", ingestLimiter, logHandler.Ingest)
	api.Post("/logs", ingestLimiter, logHandler.Ingest)

	// Session reads
	machines := api.Group("/machines", middleware.GlobalAPIRateLimiter(rateLimitConfig))
	machines.Get("/:machineID/sessions", logHandler.ListSessions)
	machines.Get("/:machineID/sessions/:day", logHandler.GetSession)

	// MQTT ingest bridge
	var bridge *mqttbridge.Bridge
	if cfg.MQTTBrokerURL != "" {
		bridge = mqttbridge.New(mqttbridge.Config{
			BrokerURL:   cfg.MQTTBrokerURL,
			Topic:       cfg.MQTTTopic,
			ClientID:    cfg.MQTTClientID,
			Timeout:     time.Duration(cfg.LLMTimeoutSeconds+30) * time.Second,
			MaxInFlight: cfg.MQTTMaxInFlight,
		}, ingestService)
		if err := bridge.Start(); err != nil {
			log.Printf("⚠️ MQTT bridge disabled: %v", err)
			bridge = nil
		}
	} else {
		log.Println("⚠️ MQTT_BROKER_URL not set - MQTT ingest disabled")
	}

	// Background jobs
	var jobScheduler *jobs.JobScheduler
	if cfg.RetentionDays > 0 {
		jobScheduler, err = jobs.NewJobScheduler()
		if err != nil {
			exitWithError("❌ Failed to create job scheduler: %v", err)
		}
		retentionJob := jobs.NewSessionRetentionJob(sessionDeleter, cfg.RetentionDays, cfg.RetentionCron)
		if err := jobScheduler.Register("session_retention", retentionJob); err != nil {
			exitWithError("❌ Failed to register retention job: %v", err)
		}
		jobScheduler.Start()
		for name, status := range jobScheduler.GetStatus() {
			log.Printf("🕐 Background job %s (%s) next run at %s", name, status.Schedule, status.NextRunTime.Format(time.RFC3339))
		}
	}

	log.Printf("✅ Server ready on port %s", cfg.Port)
	log.Printf("📥 Ingest endpoint: http://localhost:%s/api/brain", cfg.Port)
	log.Printf("📡 Health check: http://localhost:%s/health", cfg.Port)

	// Handle graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("🛑 Shutting down server...")

		if bridge != nil {
			bridge.Stop()
		}

		if jobScheduler != nil {
			jobScheduler.Stop()
		}

		// Shutdown Fiber
		if err := app.Shutdown(); err != nil {
			log.Printf("⚠️ Error shutting down server: %v", err)
		}
	}()

	if err := app.Listen(":" + cfg.Port); err != nil {
		exitWithError("❌ Failed to start server: %v", err)
	}
}

// openSessionStore builds the configured session store and its close function
func openSessionStore(cfg *config.Config) (services.SessionStore, func(), error) {
	switch cfg.StoreBackend {
	case config.StoreBackendMongo:
		mongodb, err := database.NewMongoDB(cfg.StoreCredentials.URI, database.Credentials{
			Database:   cfg.StoreCredentials.Database,
			Username:   cfg.StoreCredentials.Username,
			Password:   cfg.StoreCredentials.Password,
			AuthSource: cfg.StoreCredentials.AuthSource,
		})
		if err != nil {
			return nil, nil, err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := mongodb.Initialize(ctx); err != nil {
			mongodb.Close(context.Background())
			return nil, nil, err
		}
		log.Printf("📦 Session store: MongoDB database %s", mongodb.Name())

		closeFn := func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := mongodb.Close(ctx); err != nil {
				log.Printf("⚠️ Error closing MongoDB: %v", err)
			}
		}
		return services.NewMongoSessionStore(mongodb), closeFn, nil

	default:
		if err := os.MkdirAll(cfg.PebblePath, 0o755); err != nil {
			return nil, nil, err
		}
		store, err := services.OpenPebbleSessionStore(cfg.PebblePath, nil)
		if err != nil {
			return nil, nil, err
		}
		closeFn := func() {
			if err := store.Close(); err != nil {
				log.Printf("⚠️ Error closing Pebble store: %v", err)
			}
		}
		return store, closeFn, nil
	}
}
