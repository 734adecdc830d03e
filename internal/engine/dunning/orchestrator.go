// Package dunning turns failed payment events into escalating reminder
// emails. Every outbound attempt leaves an audit record whether or not
// the email could be generated or delivered.
package dunning

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/subsentry/subsentry/internal/engine/billmetrics"
	"github.com/subsentry/subsentry/internal/engine/email"
	"github.com/subsentry/subsentry/internal/engine/orgstore"
	"github.com/subsentry/subsentry/internal/llm"
	"github.com/subsentry/subsentry/pkg/audit"
)

// FailedInvoice carries the invoice fields a reminder email is built
// from, plus the display name of the plan the organization is on.
type FailedInvoice struct {
	InvoiceID        string
	SubscriptionID   string
	PlanName         string
	AttemptCount     int64
	AmountDueCents   int64
	Currency         string
	DueDate          *time.Time
	HostedInvoiceURL string
	CustomerEmail    string
	CustomerName     string
}

// Orchestrator composes and sends payment reminder emails. All failures
// inside NotifyPaymentFailed are logged and swallowed: dunning is
// best-effort and must never block status synchronization.
type Orchestrator struct {
	provider llm.Provider // nil disables generated copy
	model    string
	sender   email.Sender
	from     string
}

// NewOrchestrator creates an Orchestrator. provider may be nil, in which
// case static reminder copy is used.
func NewOrchestrator(provider llm.Provider, model string, sender email.Sender, from string) *Orchestrator {
	return &Orchestrator{
		provider: provider,
		model:    model,
		sender:   sender,
		from:     strings.TrimSpace(from),
	}
}

type dunningAuditDetails struct {
	InvoiceID  string `json:"invoice_id"`
	Attempt    int64  `json:"attempt"`
	MessageRef string `json:"message_ref"`
	Recipient  string `json:"recipient"`
	AmountDue  string `json:"amount_due"`
	Outcome    string `json:"outcome"`
	Error      string `json:"error,omitempty"`
}

// NotifyPaymentFailed generates and sends a reminder for one failed
// payment attempt. The attempt number comes straight from the invoice's
// attempt_count; the orchestrator keeps no counter of its own.
func (o *Orchestrator) NotifyPaymentFailed(ctx context.Context, org *orgstore.Organization, inv FailedInvoice) {
	if org == nil {
		return
	}

	messageRef := ulid.Make().String()
	recipient := strings.TrimSpace(inv.CustomerEmail)
	if recipient == "" {
		recipient = strings.TrimSpace(org.Email)
	}

	subject, body, generated := o.composeEmail(ctx, org, inv)

	outcome := "sent"
	var sendErr error
	if recipient == "" {
		outcome = "skipped_no_email"
		log.Warn().
			Str("org_id", org.ID).
			Str("invoice_id", inv.InvoiceID).
			Msg("Dunning: no recipient address, skipping send")
	} else {
		sendErr = o.send(ctx, recipient, subject, body, inv)
		if sendErr != nil {
			outcome = "send_failed"
			log.Error().Err(sendErr).
				Str("org_id", org.ID).
				Str("invoice_id", inv.InvoiceID).
				Int64("attempt", inv.AttemptCount).
				Msg("Dunning: failed to send reminder email")
		}
	}
	billmetrics.DunningEmailsTotal.WithLabelValues(outcome).Inc()

	details := dunningAuditDetails{
		InvoiceID:  inv.InvoiceID,
		Attempt:    inv.AttemptCount,
		MessageRef: messageRef,
		Recipient:  recipient,
		AmountDue:  formatAmount(inv.AmountDueCents, inv.Currency),
		Outcome:    outcome,
	}
	if sendErr != nil {
		details.Error = sendErr.Error()
	}
	o.recordAudit(org.ID, outcome == "sent", details)

	log.Info().
		Str("org_id", org.ID).
		Str("invoice_id", inv.InvoiceID).
		Int64("attempt", inv.AttemptCount).
		Str("message_ref", messageRef).
		Bool("generated_copy", generated).
		Str("outcome", outcome).
		Msg("Dunning reminder processed")
}

// composeEmail returns subject and body, preferring generated copy and
// falling back to static templates when the provider is absent or errors.
func (o *Orchestrator) composeEmail(ctx context.Context, org *orgstore.Organization, inv FailedInvoice) (subject, body string, generated bool) {
	subject = subjectForAttempt(inv.AttemptCount)

	if o.provider != nil {
		genCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()

		resp, err := o.provider.Chat(genCtx, llm.ChatRequest{
			Model:       o.model,
			System:      dunningSystemPrompt,
			Temperature: 0.7,
			MaxTokens:   400,
			Messages: []llm.Message{
				{Role: "user", Content: buildDunningPrompt(org, inv)},
			},
		})
		if err != nil {
			log.Warn().Err(err).
				Str("org_id", org.ID).
				Int64("attempt", inv.AttemptCount).
				Msg("Dunning: copy generation failed, using fallback text")
		} else if text := strings.TrimSpace(resp.Content); text != "" {
			return subject, text, true
		}
	}

	return subject, fallbackBody(org, inv), false
}

func (o *Orchestrator) send(ctx context.Context, recipient, subject, body string, inv FailedInvoice) error {
	if o.sender == nil {
		return fmt.Errorf("no email sender configured")
	}

	data := email.DunningData{
		Subject:    subject,
		Body:       body,
		AmountDue:  formatAmount(inv.AmountDueCents, inv.Currency),
		PaymentURL: strings.TrimSpace(inv.HostedInvoiceURL),
	}
	if inv.DueDate != nil {
		data.DueDate = inv.DueDate.UTC().Format("January 2, 2006")
	}
	htmlBody, textBody, err := email.RenderDunningEmail(data)
	if err != nil {
		return err
	}

	sendCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	return o.sender.Send(sendCtx, email.Message{
		From:    o.from,
		To:      recipient,
		Subject: subject,
		HTML:    htmlBody,
		Text:    textBody,
	})
}

func (o *Orchestrator) recordAudit(orgID string, success bool, details dunningAuditDetails) {
	payload, err := json.Marshal(details)
	if err != nil {
		payload = []byte(fmt.Sprintf(`{"invoice_id":%q}`, details.InvoiceID))
	}
	event := audit.NewEvent(audit.EventDunningEmailSent, "system", orgID, success, string(payload))
	if err := audit.GetLogger().Log(event); err != nil {
		log.Error().Err(err).
			Str("org_id", orgID).
			Str("invoice_id", details.InvoiceID).
			Msg("Dunning: failed to write audit record")
	}
}

func formatAmount(cents int64, currency string) string {
	cur := strings.ToUpper(strings.TrimSpace(currency))
	if cur == "" {
		cur = "USD"
	}
	return fmt.Sprintf("%.2f %s", float64(cents)/100, cur)
}
