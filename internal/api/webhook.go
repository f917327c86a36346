package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/rcourtman/voicegate/pkg/entitlement"
)

const webhookBodyLimit = 1024 * 1024 // 1 MiB

// errNoUser marks events that carry no usable user id. They are
// acknowledged so Stripe stops redelivering them.
var errNoUser = errors.New("event has no usable user_id")

// StripeWebhookHandler turns Stripe checkout and subscription events into
// purchase and restore writes on the user's cached entitlement.
type StripeWebhookHandler struct {
	secret string
	dir    *entitlement.Directory
}

type webhookErrorResponse struct {
	Error string `json:"error"`
}

type webhookReceivedResponse struct {
	Received bool `json:"received"`
}

// CheckoutSession is the subset of a Stripe checkout session we read.
type CheckoutSession struct {
	ID                string            `json:"id"`
	Mode              string            `json:"mode"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
}

// Subscription is the subset of a Stripe subscription we read.
type Subscription struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Items  struct {
		Data []struct {
			Price struct {
				ID        string `json:"id"`
				LookupKey string `json:"lookup_key"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
	Metadata map[string]string `json:"metadata"`
}

// ProductID prefers explicit metadata, then the first price's lookup key,
// then its id.
func (s *Subscription) ProductID() string {
	if id := strings.TrimSpace(s.Metadata["product_id"]); id != "" {
		return id
	}
	for _, item := range s.Items.Data {
		if key := strings.TrimSpace(item.Price.LookupKey); key != "" {
			return key
		}
		if id := strings.TrimSpace(item.Price.ID); id != "" {
			return id
		}
	}
	return ""
}

// subscriptionActive reports whether a Stripe status still grants access.
// past_due keeps access during Stripe's retry window.
func subscriptionActive(status string) bool {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "active", "trialing", "past_due":
		return true
	default:
		return false
	}
}

// NewStripeWebhookHandler creates the webhook handler.
func NewStripeWebhookHandler(secret string, dir *entitlement.Directory) *StripeWebhookHandler {
	return &StripeWebhookHandler{secret: secret, dir: dir}
}

// ServeHTTP verifies the Stripe signature and dispatches the event.
func (h *StripeWebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.TrimSpace(h.secret) == "" {
		writeJSON(w, http.StatusServiceUnavailable, webhookErrorResponse{Error: "webhook secret not configured"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, webhookErrorResponse{Error: "failed to read request body"})
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sigHeader) == "" {
		writeJSON(w, http.StatusBadRequest, webhookErrorResponse{Error: "missing Stripe signature"})
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, h.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		recordWebhookEvent("unknown", "invalid_signature")
		writeJSON(w, http.StatusBadRequest, webhookErrorResponse{Error: "invalid Stripe signature"})
		return
	}
	eventType := string(event.Type)

	if err := h.handleEvent(&event); err != nil {
		if errors.Is(err, errNoUser) {
			log.Warn().Err(err).Str("event_id", event.ID).Str("type", eventType).Msg("Stripe webhook skipped")
			recordWebhookEvent(eventType, "skipped")
			writeJSON(w, http.StatusOK, webhookReceivedResponse{Received: true})
			return
		}
		log.Error().Err(err).
			Str("event_id", event.ID).
			Str("type", eventType).
			Msg("Stripe webhook processing failed")
		recordWebhookEvent(eventType, "failed")
		writeJSON(w, http.StatusInternalServerError, webhookErrorResponse{Error: "processing failed"})
		return
	}

	recordWebhookEvent(eventType, "applied")
	writeJSON(w, http.StatusOK, webhookReceivedResponse{Received: true})
}

func (h *StripeWebhookHandler) handleEvent(event *stripelib.Event) error {
	switch event.Type {
	case "checkout.session.completed":
		var session CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return fmt.Errorf("decode checkout.session: %w", err)
		}
		userID := strings.TrimSpace(session.Metadata["user_id"])
		if userID == "" {
			userID = strings.TrimSpace(session.ClientReferenceID)
		}
		e, err := h.engine(userID)
		if err != nil {
			return err
		}
		return e.RecordPurchase(strings.TrimSpace(session.Metadata["product_id"]), e.Now())

	case "customer.subscription.created", "customer.subscription.updated":
		var sub Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return fmt.Errorf("decode subscription: %w", err)
		}
		e, err := h.engine(sub.Metadata["user_id"])
		if err != nil {
			return err
		}
		return e.RecordRestore(subscriptionActive(sub.Status), sub.ProductID(), e.Now())

	case "customer.subscription.deleted":
		var sub Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return fmt.Errorf("decode subscription: %w", err)
		}
		e, err := h.engine(sub.Metadata["user_id"])
		if err != nil {
			return err
		}
		return e.RecordRestore(false, sub.ProductID(), e.Now())

	default:
		log.Info().
			Str("type", string(event.Type)).
			Str("event_id", event.ID).
			Msg("Stripe webhook ignored (unhandled type)")
		return nil
	}
}

func (h *StripeWebhookHandler) engine(userID string) (*entitlement.Engine, error) {
	e, err := h.dir.For(userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", errNoUser, userID)
	}
	return e, nil
}
