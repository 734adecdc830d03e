package email

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderDunningEmail(t *testing.T) {
	html, text, err := RenderDunningEmail(DunningData{
		Subject:    "Payment reminder",
		Body:       "Hi Acme,\n\nWe couldn't process your payment.",
		AmountDue:  "29.00 USD",
		DueDate:    "April 1, 2026",
		PaymentURL: "https://pay.example/in_1",
	})
	require.NoError(t, err)

	assert.Contains(t, html, "Payment reminder")
	assert.Contains(t, html, "We couldn&#39;t process your payment.")
	assert.Contains(t, html, "29.00 USD")
	assert.Contains(t, html, `href="https://pay.example/in_1"`)
	assert.Contains(t, html, "April 1, 2026")

	assert.Contains(t, text, "Hi Acme,")
	assert.Contains(t, text, "Amount due: 29.00 USD (due April 1, 2026)")
	assert.Contains(t, text, "https://pay.example/in_1")
}

func TestRenderDunningEmailWithoutOptionalFields(t *testing.T) {
	html, text, err := RenderDunningEmail(DunningData{
		Subject:   "Second notice",
		Body:      "Please update your card.",
		AmountDue: "19.00 EUR",
	})
	require.NoError(t, err)

	assert.NotContains(t, html, "href=", "no payment button without a URL")
	assert.NotContains(t, text, "due ")
	assert.Contains(t, text, "Amount due: 19.00 EUR")
}

func TestRenderDunningEmailEscapesBody(t *testing.T) {
	html, _, err := RenderDunningEmail(DunningData{
		Subject:   "s",
		Body:      `<script>alert("x")</script>`,
		AmountDue: "1.00 USD",
	})
	require.NoError(t, err)
	assert.NotContains(t, html, "<script>")
}

func TestLogSender(t *testing.T) {
	var gotTo, gotSubject, gotBody string
	s := NewLogSender(func(to, subject, body string) {
		gotTo, gotSubject, gotBody = to, subject, body
	})

	err := s.Send(context.Background(), Message{
		To:      "owner@acme.test",
		Subject: "Payment reminder",
		Text:    strings.Repeat("x", 10),
	})
	require.NoError(t, err)
	assert.Equal(t, "owner@acme.test", gotTo)
	assert.Equal(t, "Payment reminder", gotSubject)
	assert.Equal(t, strings.Repeat("x", 10), gotBody)
}
