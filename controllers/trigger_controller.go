package controller

import (
	"encoding/json"

	"github.com/getsentry/sentry-go"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v76"
	"gorm.io/gorm"

	"memberflow/automation"
	"memberflow/config"
	"memberflow/utils"
)

// TriggerController is the ingestion boundary: it turns inbound webhooks
// into normalized trigger codes and hands them to the orchestrator.
type TriggerController struct {
	DB           *gorm.DB
	Registry     *automation.Registry
	Orchestrator *automation.Orchestrator
}

func NewTriggerController(db *gorm.DB, registry *automation.Registry, orchestrator *automation.Orchestrator) *TriggerController {
	return &TriggerController{
		DB:           db,
		Registry:     registry,
		Orchestrator: orchestrator,
	}
}

// LifecycleEventInput is the generic webhook body the platform's event bus
// posts for every lifecycle event.
type LifecycleEventInput struct {
	Action      string                 `json:"action" validate:"required"`
	CommunityID string                 `json:"community_id" validate:"required"`
	MemberID    string                 `json:"member_id" validate:"required"`
	Data        map[string]interface{} `json:"data"`
}

// HandleLifecycleWebhook processes one lifecycle event. Malformed or
// unmatchable events are acknowledged with an "ignored" outcome so the
// upstream bus never retries them.
func (tc *TriggerController) HandleLifecycleWebhook(c *fiber.Ctx) error {
	if secret := config.AppConfig.WebhookSharedSecret; secret != "" && c.Get("X-Webhook-Secret") != secret {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Invalid webhook secret",
		})
	}

	var input LifecycleEventInput
	if err := c.BodyParser(&input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if err := utils.ValidateStruct(input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	code, ok := tc.Registry.Normalize(input.Action)
	if !ok {
		logrus.WithField("action", input.Action).Debug("dropping unmapped lifecycle action")
		return c.JSON(fiber.Map{
			"outcome": automation.OutcomeIgnored,
			"reason":  "unknown action",
		})
	}

	result, err := tc.Orchestrator.HandleTrigger(c.Context(), code, input.CommunityID, input.MemberID, input.Data)
	if err != nil {
		sentry.CaptureException(err)
		logrus.WithFields(logrus.Fields{
			"action":       input.Action,
			"community_id": input.CommunityID,
			"member_id":    input.MemberID,
		}).WithError(err).Error("trigger handling failed")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to process event",
		})
	}

	return c.JSON(result)
}

// HandleStripeWebhook translates billing events from Stripe into payment and
// membership trigger codes. Community and member identity ride in the Stripe
// object metadata, stamped there by the checkout service.
func (tc *TriggerController) HandleStripeWebhook(c *fiber.Ctx) error {
	event, err := utils.ConstructStripeEvent(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid webhook payload",
		})
	}

	var code automation.TriggerCode
	var metadata map[string]string

	switch event.Type {
	case "invoice.payment_succeeded":
		var invoice stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Error parsing invoice",
			})
		}
		code, metadata = automation.TriggerPaymentSucceeded, invoice.Metadata

	case "invoice.payment_failed":
		var invoice stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Error parsing invoice",
			})
		}
		code, metadata = automation.TriggerPaymentFailed, invoice.Metadata

	case "customer.subscription.created", "customer.subscription.resumed":
		var subscription stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &subscription); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Error parsing subscription",
			})
		}
		code, metadata = automation.TriggerMembershipWentValid, subscription.Metadata

	case "customer.subscription.deleted":
		var subscription stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &subscription); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Error parsing subscription",
			})
		}
		code, metadata = automation.TriggerMembershipWentInvalid, subscription.Metadata

	default:
		// Not a lifecycle-relevant event; acknowledge so Stripe stops
		// retrying.
		return c.SendStatus(fiber.StatusOK)
	}

	payload := map[string]interface{}{
		"stripe_event_id":   event.ID,
		"stripe_event_type": string(event.Type),
	}
	for k, v := range metadata {
		payload[k] = v
	}

	result, err := tc.Orchestrator.HandleTrigger(c.Context(), code, metadata["community_id"], metadata["member_id"], payload)
	if err != nil {
		sentry.CaptureException(err)
		logrus.WithField("stripe_event", event.ID).WithError(err).Error("stripe trigger handling failed")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to process event",
		})
	}

	return c.JSON(result)
}
