package dunning

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/subsentry/subsentry/internal/engine/email"
	"github.com/subsentry/subsentry/internal/engine/orgstore"
	"github.com/subsentry/subsentry/internal/llm"
	"github.com/subsentry/subsentry/pkg/audit"
)

type stubProvider struct {
	requests []llm.ChatRequest
	reply    string
	err      error
}

func (p *stubProvider) Chat(_ context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	p.requests = append(p.requests, req)
	if p.err != nil {
		return nil, p.err
	}
	return &llm.ChatResponse{Content: p.reply}, nil
}

func (p *stubProvider) Name() string { return "stub" }

type stubSender struct {
	sent []email.Message
	err  error
}

func (s *stubSender) Send(_ context.Context, msg email.Message) error {
	s.sent = append(s.sent, msg)
	return s.err
}

// memAuditLogger captures audit events in memory.
type memAuditLogger struct {
	events []audit.Event
}

func (m *memAuditLogger) Log(event audit.Event) error {
	m.events = append(m.events, event)
	return nil
}

func (m *memAuditLogger) Query(audit.QueryFilter) ([]audit.Event, error) { return m.events, nil }
func (m *memAuditLogger) Count(audit.QueryFilter) (int, error)           { return len(m.events), nil }
func (m *memAuditLogger) Close() error                                   { return nil }

func installAuditCapture(t *testing.T) *memAuditLogger {
	t.Helper()
	m := &memAuditLogger{}
	audit.SetLogger(m)
	t.Cleanup(func() { audit.SetLogger(nil) })
	return m
}

func dunningOrg() *orgstore.Organization {
	return &orgstore.Organization{
		ID:    "org_DUNNING001",
		Name:  "Acme Corp",
		Email: "owner@acme.test",
	}
}

func failedInvoice(attempt int64) FailedInvoice {
	due := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	return FailedInvoice{
		InvoiceID:        "in_test",
		SubscriptionID:   "sub_test",
		PlanName:         "Pro",
		AttemptCount:     attempt,
		AmountDueCents:   2900,
		Currency:         "usd",
		DueDate:          &due,
		HostedInvoiceURL: "https://pay.example/in_test",
		CustomerEmail:    "billing@acme.test",
	}
}

func TestNotifySendsGeneratedCopy(t *testing.T) {
	auditLog := installAuditCapture(t)
	provider := &stubProvider{reply: "Your payment did not go through. Please update your card."}
	sender := &stubSender{}
	o := NewOrchestrator(provider, "test-model", sender, "billing@subsentry.io")

	o.NotifyPaymentFailed(context.Background(), dunningOrg(), failedInvoice(1))

	if len(provider.requests) != 1 {
		t.Fatalf("provider calls = %d, want 1", len(provider.requests))
	}
	req := provider.requests[0]
	if req.Model != "test-model" {
		t.Errorf("model = %q, want test-model", req.Model)
	}
	if req.System == "" {
		t.Error("system prompt not set")
	}

	if len(sender.sent) != 1 {
		t.Fatalf("emails sent = %d, want 1", len(sender.sent))
	}
	msg := sender.sent[0]
	if msg.To != "billing@acme.test" {
		t.Errorf("recipient = %q, want the invoice's customer email", msg.To)
	}
	if msg.From != "billing@subsentry.io" {
		t.Errorf("from = %q", msg.From)
	}
	if !strings.Contains(msg.Text, provider.reply) {
		t.Error("generated copy missing from the rendered email")
	}
	if !strings.Contains(msg.Text, "29.00 USD") {
		t.Error("amount due missing from the rendered email")
	}

	if len(auditLog.events) != 1 {
		t.Fatalf("audit events = %d, want exactly 1", len(auditLog.events))
	}
	ev := auditLog.events[0]
	if ev.EventType != audit.EventDunningEmailSent {
		t.Errorf("audit event type = %q", ev.EventType)
	}
	if !ev.Success {
		t.Error("audit event should record success for a delivered email")
	}
	var details map[string]any
	if err := json.Unmarshal([]byte(ev.Details), &details); err != nil {
		t.Fatalf("audit details not JSON: %v", err)
	}
	if details["invoice_id"] != "in_test" || details["outcome"] != "sent" {
		t.Errorf("audit details = %v", details)
	}
	if details["message_ref"] == "" {
		t.Error("audit details missing message reference")
	}
}

func TestNotifyToneEscalatesWithAttempts(t *testing.T) {
	tests := []struct {
		attempt     int64
		subjectWant string
		toneWant    string
	}{
		{1, "Payment reminder", "Friendly"},
		{2, "Second notice", "firm"},
		{3, "Urgent", "suspended"},
		{5, "Urgent", "suspended"},
	}
	for _, tt := range tests {
		t.Run(subjectForAttempt(tt.attempt), func(t *testing.T) {
			auditLog := installAuditCapture(t)
			provider := &stubProvider{reply: "body"}
			sender := &stubSender{}
			o := NewOrchestrator(provider, "m", sender, "billing@subsentry.io")

			o.NotifyPaymentFailed(context.Background(), dunningOrg(), failedInvoice(tt.attempt))

			if len(sender.sent) != 1 {
				t.Fatalf("emails sent = %d", len(sender.sent))
			}
			if !strings.HasPrefix(sender.sent[0].Subject, tt.subjectWant) {
				t.Errorf("subject = %q, want prefix %q", sender.sent[0].Subject, tt.subjectWant)
			}
			prompt := provider.requests[0].Messages[0].Content
			if !strings.Contains(prompt, tt.toneWant) {
				t.Errorf("prompt for attempt %d lacks %q:\n%s", tt.attempt, tt.toneWant, prompt)
			}
			if !strings.Contains(prompt, "Plan: Pro") {
				t.Errorf("prompt for attempt %d lacks the plan name:\n%s", tt.attempt, prompt)
			}
			if len(auditLog.events) != 1 {
				t.Errorf("audit events = %d, want 1", len(auditLog.events))
			}
		})
	}
}

func TestNotifyFallsBackWhenGenerationFails(t *testing.T) {
	installAuditCapture(t)
	provider := &stubProvider{err: errors.New("model overloaded")}
	sender := &stubSender{}
	o := NewOrchestrator(provider, "m", sender, "billing@subsentry.io")

	o.NotifyPaymentFailed(context.Background(), dunningOrg(), failedInvoice(1))

	if len(sender.sent) != 1 {
		t.Fatalf("emails sent = %d, want 1 (fallback copy)", len(sender.sent))
	}
	if !strings.Contains(sender.sent[0].Text, "expired card") {
		t.Error("fallback body not used after generation failure")
	}
	if !strings.Contains(sender.sent[0].Text, "Pro subscription") {
		t.Error("fallback body should name the plan")
	}
}

func TestNotifyWithoutProviderUsesStaticCopy(t *testing.T) {
	installAuditCapture(t)
	sender := &stubSender{}
	o := NewOrchestrator(nil, "", sender, "billing@subsentry.io")

	o.NotifyPaymentFailed(context.Background(), dunningOrg(), failedInvoice(3))

	if len(sender.sent) != 1 {
		t.Fatalf("emails sent = %d, want 1", len(sender.sent))
	}
	if !strings.Contains(sender.sent[0].Text, "suspended") {
		t.Error("third-attempt fallback should mention suspension")
	}
}

func TestNotifySendFailureIsSwallowedAndAudited(t *testing.T) {
	auditLog := installAuditCapture(t)
	sender := &stubSender{err: errors.New("smtp down")}
	o := NewOrchestrator(nil, "", sender, "billing@subsentry.io")

	// Must not panic or propagate the send error.
	o.NotifyPaymentFailed(context.Background(), dunningOrg(), failedInvoice(2))

	if len(auditLog.events) != 1 {
		t.Fatalf("audit events = %d, want 1", len(auditLog.events))
	}
	ev := auditLog.events[0]
	if ev.Success {
		t.Error("audit event should record failure when the send fails")
	}
	var details map[string]any
	if err := json.Unmarshal([]byte(ev.Details), &details); err != nil {
		t.Fatalf("audit details not JSON: %v", err)
	}
	if details["outcome"] != "send_failed" {
		t.Errorf("outcome = %v, want send_failed", details["outcome"])
	}
	if !strings.Contains(details["error"].(string), "smtp down") {
		t.Errorf("error detail = %v", details["error"])
	}
}

func TestNotifySkipsWhenNoRecipient(t *testing.T) {
	auditLog := installAuditCapture(t)
	sender := &stubSender{}
	o := NewOrchestrator(nil, "", sender, "billing@subsentry.io")

	org := dunningOrg()
	org.Email = ""
	inv := failedInvoice(1)
	inv.CustomerEmail = ""
	o.NotifyPaymentFailed(context.Background(), org, inv)

	if len(sender.sent) != 0 {
		t.Errorf("emails sent = %d, want 0", len(sender.sent))
	}
	if len(auditLog.events) != 1 {
		t.Fatalf("audit events = %d, want 1 even when the send is skipped", len(auditLog.events))
	}
	var details map[string]any
	_ = json.Unmarshal([]byte(auditLog.events[0].Details), &details)
	if details["outcome"] != "skipped_no_email" {
		t.Errorf("outcome = %v, want skipped_no_email", details["outcome"])
	}
}

func TestNotifyFallsBackToOrgEmail(t *testing.T) {
	installAuditCapture(t)
	sender := &stubSender{}
	o := NewOrchestrator(nil, "", sender, "billing@subsentry.io")

	inv := failedInvoice(1)
	inv.CustomerEmail = ""
	o.NotifyPaymentFailed(context.Background(), dunningOrg(), inv)

	if len(sender.sent) != 1 {
		t.Fatalf("emails sent = %d, want 1", len(sender.sent))
	}
	if sender.sent[0].To != "owner@acme.test" {
		t.Errorf("recipient = %q, want the organization's email", sender.sent[0].To)
	}
}

func TestFormatAmount(t *testing.T) {
	tests := []struct {
		cents    int64
		currency string
		want     string
	}{
		{2900, "usd", "29.00 USD"},
		{150, "EUR", "1.50 EUR"},
		{0, "", "0.00 USD"},
	}
	for _, tt := range tests {
		if got := formatAmount(tt.cents, tt.currency); got != tt.want {
			t.Errorf("formatAmount(%d, %q) = %q, want %q", tt.cents, tt.currency, got, tt.want)
		}
	}
}
