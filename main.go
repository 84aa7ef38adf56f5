package main

import (
	"context"
	"log"
	"os"

	"github.com/getsentry/sentry-go"
	"github.com/gofiber/fiber/v2"

	"memberflow/automation"
	"memberflow/config"
	"memberflow/content"
	controller "memberflow/controllers"
	"memberflow/middleware"
	"memberflow/routes"
	"memberflow/worker"
)

func main() {
	// Initialize logger
	logger := log.New(os.Stdout, "MEMBERFLOW: ", log.Ldate|log.Ltime|log.Lshortfile)

	// Load configuration
	if err := config.LoadConfig(); err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize database connection
	if err := config.ConnectDB(); err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}

	// Redis is optional; without it course-structure lookups just skip the cache
	if err := config.ConnectRedis(); err != nil {
		logger.Fatalf("Failed to connect to redis: %v", err)
	}

	if config.AppConfig.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         config.AppConfig.SentryDSN,
			Environment: config.AppConfig.Environment,
		}); err != nil {
			logger.Fatalf("Failed to initialize sentry: %v", err)
		}
	}

	// Assemble the automation engine
	contentClient := content.NewClient(
		config.AppConfig.ContentAPI.BaseURL,
		config.AppConfig.ContentAPI.APIToken,
		config.Redis,
	)
	registry := automation.NewRegistry()
	progress := automation.NewProgressStore(config.DB)
	extractor := automation.NewExtractor(contentClient)
	watches := automation.NewWatchReconciler(config.DB, contentClient, progress, registry)
	orchestrator := automation.NewOrchestrator(config.DB, registry, extractor, progress, watches)

	// Create Fiber app
	app := fiber.New()

	// Add CORS middleware
	app.Use(middleware.CORS())

	// Initialize and start the deadline sweeper
	sweeper := worker.NewWatchSweeper(
		config.DB,
		orchestrator,
		config.AppConfig.WatchSweepInterval,
		log.New(os.Stdout, "SWEEPER: ", log.LstdFlags),
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sweeper.Start(ctx)

	// Setup routes
	triggerController := controller.NewTriggerController(config.DB, registry, orchestrator)
	routes.SetupRoutes(app, triggerController)

	// Health check endpoint
	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "running",
			"version": "1.0.0",
		})
	})

	// Start server
	logger.Printf("🚀 Server starting on port %s", config.AppConfig.ServerPort)
	if err := app.Listen(":" + config.AppConfig.ServerPort); err != nil {
		logger.Fatalf("Failed to start server: %v", err)
	}
}
