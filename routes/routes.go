package routes

import (
	"log"
	"os"

	controller "memberflow/controllers"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
)

// SetupRoutes wires the webhook ingestion endpoints.
func SetupRoutes(app *fiber.App, tc *controller.TriggerController) {
	routeLogger := log.New(os.Stdout, "ROUTES: ", log.Ldate|log.Ltime|log.Lshortfile)

	webhooks := app.Group("/webhooks", logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))

	webhooks.Post("/lifecycle", tc.HandleLifecycleWebhook)
	webhooks.Post("/stripe", tc.HandleStripeWebhook)

	routeLogger.Println("Webhook routes initialized successfully")
}
