package dunning

import (
	"fmt"
	"strings"

	"github.com/subsentry/subsentry/internal/engine/orgstore"
)

const dunningSystemPrompt = `You write short payment reminder emails for a subscription software product.
Write only the email body, no subject line and no signature block.
Keep it under 150 words, plain text, addressed to the billing contact.
Never invent account details beyond what the prompt provides.`

// subjectForAttempt returns a subject line whose urgency tracks the
// provider-reported attempt number.
func subjectForAttempt(attempt int64) string {
	switch {
	case attempt <= 1:
		return "Payment reminder: we couldn't process your payment"
	case attempt == 2:
		return "Second notice: your payment is still outstanding"
	default:
		return "Urgent: your subscription is at risk of suspension"
	}
}

// buildDunningPrompt describes the failed payment to the copy generator.
// Tone escalates with the attempt number reported by the billing provider.
func buildDunningPrompt(org *orgstore.Organization, inv FailedInvoice) string {
	var tone string
	switch {
	case inv.AttemptCount <= 1:
		tone = "Friendly and understanding. This is the first failed attempt, so assume it is an oversight such as an expired card."
	case inv.AttemptCount == 2:
		tone = "Polite but firm. This is the second failed attempt; make clear the payment needs attention soon."
	default:
		tone = "Urgent and direct. Payment has failed three or more times; state that service will be suspended if the balance is not settled, and mention that they can reply to this email to reach support."
	}

	name := strings.TrimSpace(inv.CustomerName)
	if name == "" {
		name = strings.TrimSpace(org.Name)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Write a payment reminder email body.\n")
	fmt.Fprintf(&b, "Tone: %s\n", tone)
	fmt.Fprintf(&b, "Customer: %s\n", name)
	if plan := strings.TrimSpace(inv.PlanName); plan != "" {
		fmt.Fprintf(&b, "Plan: %s\n", plan)
	}
	fmt.Fprintf(&b, "Amount due: %s\n", formatAmount(inv.AmountDueCents, inv.Currency))
	fmt.Fprintf(&b, "Failed attempts so far: %d\n", inv.AttemptCount)
	if inv.DueDate != nil {
		fmt.Fprintf(&b, "Original due date: %s\n", inv.DueDate.UTC().Format("January 2, 2006"))
	}
	if strings.TrimSpace(inv.HostedInvoiceURL) != "" {
		b.WriteString("Tell them a payment link is included below the message; do not write out a URL.\n")
	}
	return b.String()
}

// fallbackBody is used when no provider is configured or generation fails.
func fallbackBody(org *orgstore.Organization, inv FailedInvoice) string {
	name := strings.TrimSpace(inv.CustomerName)
	if name == "" {
		name = strings.TrimSpace(org.Name)
	}
	greeting := "Hi,"
	if name != "" {
		greeting = fmt.Sprintf("Hi %s,", name)
	}
	amount := formatAmount(inv.AmountDueCents, inv.Currency)
	subscription := "subscription"
	if plan := strings.TrimSpace(inv.PlanName); plan != "" {
		subscription = plan + " subscription"
	}

	switch {
	case inv.AttemptCount <= 1:
		return fmt.Sprintf("%s\n\nWe couldn't process your latest %s payment of %s. This is often just an expired card. Please update your payment method at your convenience and we'll retry automatically.\n\nThanks for being a customer.", greeting, subscription, amount)
	case inv.AttemptCount == 2:
		return fmt.Sprintf("%s\n\nOur second attempt to collect your %s payment of %s did not go through. Please update your payment details soon so your service continues without interruption.", greeting, subscription, amount)
	default:
		return fmt.Sprintf("%s\n\nAfter %d attempts we still haven't been able to collect your %s payment of %s. Your subscription will be suspended if the balance is not settled. If you need help, reply to this email to reach support.", greeting, inv.AttemptCount, subscription, amount)
	}
}
