package utils

import (
	"io"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"

	"memberflow/config"
)

// ConstructStripeEvent securely constructs and verifies a Stripe webhook event
func ConstructStripeEvent(c *fiber.Ctx) (stripe.Event, error) {
	payload, err := io.ReadAll(c.Request().BodyStream())
	if err != nil {
		logrus.WithError(err).Error("Failed to read webhook payload")
		return stripe.Event{}, fiber.NewError(fiber.StatusBadRequest, "Failed to read request body")
	}

	signature := c.Get("Stripe-Signature")
	if signature == "" {
		logrus.Error("Missing Stripe-Signature header")
		return stripe.Event{}, fiber.NewError(fiber.StatusBadRequest, "Missing Stripe-Signature header")
	}

	// Verify the webhook signature with tolerance for clock drift
	event, err := webhook.ConstructEventWithTolerance(
		payload,
		signature,
		config.AppConfig.StripeWebhookSecret,
		5*time.Minute,
	)
	if err != nil {
		logrus.WithError(err).Error("Failed to verify webhook signature")
		return stripe.Event{}, fiber.NewError(fiber.StatusBadRequest, "Invalid webhook signature")
	}

	logrus.WithFields(logrus.Fields{
		"event_id":   event.ID,
		"event_type": event.Type,
	}).Info("Stripe webhook event verified")

	return event, nil
}
