package email

import (
	"bytes"
	"fmt"
	"html/template"
)

var dunningTemplate = template.Must(template.New("dunning").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Subject}}</title>
</head>
<body style="font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; margin: 0; padding: 0; background-color: #f5f5f5;">
<table role="presentation" style="width: 100%; border: 0; cellpadding: 0; cellspacing: 0;">
<tr><td style="padding: 40px 0; text-align: center;">
<table role="presentation" style="max-width: 520px; margin: 0 auto; background: #ffffff; border-radius: 8px; overflow: hidden; box-shadow: 0 1px 3px rgba(0,0,0,0.1);">
<tr><td style="padding: 32px 40px; text-align: left;">
<h1 style="margin: 0 0 16px; font-size: 22px; color: #1a1a1a;">{{.Subject}}</h1>
<div style="margin: 0 0 24px; color: #444; font-size: 15px; line-height: 1.6; white-space: pre-line;">{{.Body}}</div>
{{if .PaymentURL}}<a href="{{.PaymentURL}}" style="display: inline-block; padding: 12px 32px; background: #2563eb; color: #ffffff; text-decoration: none; border-radius: 6px; font-size: 15px; font-weight: 500;">
Update payment method
</a>{{end}}
<p style="margin: 24px 0 0; color: #999; font-size: 13px; line-height: 1.5;">
Amount due: {{.AmountDue}}{{if .DueDate}} &middot; Due {{.DueDate}}{{end}}
</p>
</td></tr>
</table>
</td></tr>
</table>
</body>
</html>`))

// DunningData holds template data for a payment reminder email.
type DunningData struct {
	Subject    string
	Body       string
	AmountDue  string
	DueDate    string
	PaymentURL string
}

// RenderDunningEmail renders a payment reminder as HTML plus a plain-text
// alternative.
func RenderDunningEmail(data DunningData) (html, text string, err error) {
	var buf bytes.Buffer
	if err := dunningTemplate.Execute(&buf, data); err != nil {
		return "", "", fmt.Errorf("render dunning template: %w", err)
	}

	textBody := data.Body + "\n\nAmount due: " + data.AmountDue
	if data.DueDate != "" {
		textBody += " (due " + data.DueDate + ")"
	}
	if data.PaymentURL != "" {
		textBody += fmt.Sprintf("\nUpdate your payment method: %s", data.PaymentURL)
	}

	return buf.String(), textBody, nil
}
