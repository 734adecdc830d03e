// Package stripe verifies and applies billing provider webhook events.
package stripe

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/subsentry/subsentry/internal/engine/billmetrics"
	"github.com/subsentry/subsentry/internal/engine/orgstore"
)

const webhookBodyLimit = 1024 * 1024 // 1 MiB

// errPayloadMalformed marks a verified event whose payload does not
// decode into the expected shape. Answered 400: redelivering the same
// bytes can never succeed, so the provider must not retry forever.
var errPayloadMalformed = errors.New("malformed event payload")

// WebhookHandler handles incoming Stripe webhook events.
type WebhookHandler struct {
	secret string
	store  *orgstore.Store
	sync   *Synchronizer
}

type webhookErrorResponse struct {
	Error string `json:"error"`
}

type webhookReceivedResponse struct {
	Received bool `json:"received"`
}

// NewWebhookHandler creates a Stripe webhook HTTP handler.
func NewWebhookHandler(secret string, store *orgstore.Store, sync *Synchronizer) *WebhookHandler {
	return &WebhookHandler{
		secret: secret,
		store:  store,
		sync:   sync,
	}
}

// ServeHTTP verifies the Stripe signature and dispatches the event.
// Signature and payload problems are the caller's fault (4xx); anything
// that fails after verification answers 5xx so the provider retries.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	eventType := "unknown"
	status := http.StatusOK
	defer func() {
		billmetrics.WebhookRequestsTotal.WithLabelValues(eventType, strconv.Itoa(status)).Inc()
		billmetrics.WebhookDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		status = http.StatusMethodNotAllowed
		writeJSON(w, http.StatusMethodNotAllowed, webhookErrorResponse{Error: "method not allowed"})
		return
	}
	if strings.TrimSpace(h.secret) == "" {
		status = http.StatusServiceUnavailable
		writeJSON(w, http.StatusServiceUnavailable, webhookErrorResponse{Error: "webhook secret not configured"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		status = http.StatusBadRequest
		writeJSON(w, http.StatusBadRequest, webhookErrorResponse{Error: "failed to read request body"})
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sigHeader) == "" {
		status = http.StatusBadRequest
		writeJSON(w, http.StatusBadRequest, webhookErrorResponse{Error: "missing Stripe signature"})
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, h.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		status = http.StatusBadRequest
		writeJSON(w, http.StatusBadRequest, webhookErrorResponse{Error: "invalid Stripe signature"})
		return
	}
	eventType = string(event.Type)

	seen, err := h.store.SeenEvent(event.ID)
	if err != nil {
		log.Error().Err(err).Str("event_id", event.ID).Msg("Stripe webhook dedupe lookup failed")
	} else if seen {
		log.Info().
			Str("event_id", event.ID).
			Str("type", eventType).
			Msg("Stripe webhook already processed, acknowledging")
		status = http.StatusOK
		writeJSON(w, http.StatusOK, webhookReceivedResponse{Received: true})
		return
	}

	if err := h.handleEvent(r, &event); err != nil {
		if errors.Is(err, errPayloadMalformed) {
			log.Warn().Err(err).
				Str("event_id", event.ID).
				Str("type", eventType).
				Msg("Stripe webhook payload malformed")
			status = http.StatusBadRequest
			writeJSON(w, http.StatusBadRequest, webhookErrorResponse{Error: "malformed event payload"})
			return
		}
		log.Error().Err(err).
			Str("event_id", event.ID).
			Str("type", eventType).
			Msg("Stripe webhook processing failed")
		status = http.StatusInternalServerError
		writeJSON(w, http.StatusInternalServerError, webhookErrorResponse{Error: "processing failed"})
		return
	}

	// Record only successful processing so a failed event retries.
	if err := h.store.MarkEventApplied(event.ID, eventType); err != nil {
		log.Error().Err(err).Str("event_id", event.ID).Msg("Stripe webhook dedupe record failed")
	}

	status = http.StatusOK
	writeJSON(w, http.StatusOK, webhookReceivedResponse{Received: true})
}

func (h *WebhookHandler) handleEvent(r *http.Request, event *stripelib.Event) error {
	eventTime := time.Unix(event.Created, 0).UTC()

	switch event.Type {
	case "checkout.session.completed":
		var session CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return fmt.Errorf("%w: decode checkout.session: %v", errPayloadMalformed, err)
		}
		return h.sync.HandleCheckout(r.Context(), session, eventTime)

	case "customer.subscription.created", "customer.subscription.updated":
		var sub Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return fmt.Errorf("%w: decode subscription: %v", errPayloadMalformed, err)
		}
		return h.sync.HandleSubscriptionUpdated(r.Context(), sub, eventTime)

	case "customer.subscription.deleted":
		var sub Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return fmt.Errorf("%w: decode subscription: %v", errPayloadMalformed, err)
		}
		return h.sync.HandleSubscriptionDeleted(r.Context(), sub, eventTime)

	case "invoice.paid", "invoice.payment_succeeded":
		var inv Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return fmt.Errorf("%w: decode invoice: %v", errPayloadMalformed, err)
		}
		return h.sync.HandleInvoicePaid(r.Context(), inv, eventTime)

	case "invoice.payment_failed":
		var inv Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return fmt.Errorf("%w: decode invoice: %v", errPayloadMalformed, err)
		}
		return h.sync.HandleInvoicePaymentFailed(r.Context(), inv, eventTime)

	default:
		log.Info().
			Str("type", string(event.Type)).
			Str("event_id", event.ID).
			Msg("Stripe webhook ignored (unhandled type)")
		return nil
	}
}

// CheckoutSession is a minimal representation of a Stripe checkout.session event.
type CheckoutSession struct {
	ID              string `json:"id"`
	Mode            string `json:"mode"`
	Customer        string `json:"customer"`
	Subscription    string `json:"subscription"`
	ClientReference string `json:"client_reference_id"`
	CustomerEmail   string `json:"customer_email"`
	CustomerDetails struct {
		Email string `json:"email"`
	} `json:"customer_details"`
	Metadata map[string]string `json:"metadata"`
}

// Subscription is a minimal representation of a Stripe subscription event.
type Subscription struct {
	ID                string `json:"id"`
	Customer          string `json:"customer"`
	Status            string `json:"status"`
	CancelAtPeriodEnd bool   `json:"cancel_at_period_end"`
	CurrentPeriodEnd  int64  `json:"current_period_end"`
	Items             struct {
		Data []struct {
			CurrentPeriodEnd int64 `json:"current_period_end"`
			Price            struct {
				ID       string            `json:"id"`
				Metadata map[string]string `json:"metadata"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
	Metadata map[string]string `json:"metadata"`
}

// FirstPriceID returns the price ID from the first subscription item.
func (s *Subscription) FirstPriceID() string {
	for _, item := range s.Items.Data {
		if priceID := strings.TrimSpace(item.Price.ID); priceID != "" {
			return priceID
		}
	}
	return ""
}

// PeriodEnd returns the subscription's period end, preferring the
// top-level field and falling back to the latest item period.
func (s *Subscription) PeriodEnd() *time.Time {
	end := s.CurrentPeriodEnd
	for _, item := range s.Items.Data {
		if item.CurrentPeriodEnd > end {
			end = item.CurrentPeriodEnd
		}
	}
	if end <= 0 {
		return nil
	}
	t := time.Unix(end, 0).UTC()
	return &t
}

// Invoice is a minimal representation of a Stripe invoice event.
type Invoice struct {
	ID               string `json:"id"`
	Customer         string `json:"customer"`
	Subscription     string `json:"subscription"`
	Status           string `json:"status"`
	AttemptCount     int64  `json:"attempt_count"`
	AmountDue        int64  `json:"amount_due"`
	Currency         string `json:"currency"`
	DueDate          int64  `json:"due_date"`
	HostedInvoiceURL string `json:"hosted_invoice_url"`
	CustomerEmail    string `json:"customer_email"`
	CustomerName     string `json:"customer_name"`
	BillingReason    string `json:"billing_reason"`
	Lines            struct {
		Data []struct {
			Subscription string `json:"subscription"`
			Period       struct {
				End int64 `json:"end"`
			} `json:"period"`
		} `json:"data"`
	} `json:"lines"`
}

// SubscriptionID returns the invoice's subscription reference, falling
// back to the first line that carries one.
func (i *Invoice) SubscriptionID() string {
	if id := strings.TrimSpace(i.Subscription); id != "" {
		return id
	}
	for _, line := range i.Lines.Data {
		if id := strings.TrimSpace(line.Subscription); id != "" {
			return id
		}
	}
	return ""
}

// DueTime returns the invoice due date, nil when unset.
func (i *Invoice) DueTime() *time.Time {
	if i.DueDate <= 0 {
		return nil
	}
	t := time.Unix(i.DueDate, 0).UTC()
	return &t
}

// PeriodEnd returns the latest line period end, nil when absent.
func (i *Invoice) PeriodEnd() *time.Time {
	var end int64
	for _, line := range i.Lines.Data {
		if line.Period.End > end {
			end = line.Period.End
		}
	}
	if end <= 0 {
		return nil
	}
	t := time.Unix(end, 0).UTC()
	return &t
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("engine.stripe: encode webhook response")
	}
}
