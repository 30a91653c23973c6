package notify

import (
	"bytes"
	"fmt"
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"
	"time"

	"github.com/agentworkforce/billbridge/internal/billing"
	"github.com/agentworkforce/billbridge/internal/mapping"
)

// Rendered is a message ready for any strategy: every strategy sends the same
// subject and bodies.
type Rendered struct {
	Recipient string
	Subject   string
	HTML      string
	Text      string
}

type view struct {
	BusinessName  string
	CustomerName  string
	InvoiceNumber string
	Amount        string
	DueDate       string
	PaymentURL    string
	CustomMessage string
}

var htmlBody = htmltemplate.Must(htmltemplate.New("invoice.html").Parse(`<!doctype html>
<html>
<body style="font-family: sans-serif; color: #222;">
<p>Hi {{if .CustomerName}}{{.CustomerName}}{{else}}there{{end}},</p>
{{- if .CustomMessage}}
<p>{{.CustomMessage}}</p>
{{- end}}
<p>Invoice <strong>{{.InvoiceNumber}}</strong>{{if .BusinessName}} from {{.BusinessName}}{{end}} for <strong>{{.Amount}}</strong>{{if .DueDate}} is due on {{.DueDate}}{{end}}.</p>
{{- if .PaymentURL}}
<p><a href="{{.PaymentURL}}">View and pay your invoice</a></p>
{{- end}}
<p>Thank you{{if .BusinessName}},<br>{{.BusinessName}}{{end}}</p>
</body>
</html>
`))

var textBody = texttemplate.Must(texttemplate.New("invoice.txt").Parse(`Hi {{if .CustomerName}}{{.CustomerName}}{{else}}there{{end}},
{{if .CustomMessage}}
{{.CustomMessage}}
{{end}}
Invoice {{.InvoiceNumber}}{{if .BusinessName}} from {{.BusinessName}}{{end}} for {{.Amount}}{{if .DueDate}} is due on {{.DueDate}}{{end}}.
{{if .PaymentURL}}
Pay online: {{.PaymentURL}}
{{end}}
Thank you{{if .BusinessName}},
{{.BusinessName}}{{end}}
`))

// Render resolves defaults and renders both bodies. The recipient falls back
// to the invoice's customer email and the payment link to the hosted invoice
// page.
func Render(msg Message, businessName string) (Rendered, error) {
	inv := msg.Invoice
	v := view{
		BusinessName:  strings.TrimSpace(businessName),
		CustomerName:  customerName(inv),
		InvoiceNumber: invoiceNumber(inv),
		Amount:        mapping.Display(inv.AmountDue, inv.Currency),
		PaymentURL:    firstNonEmpty(msg.PaymentURL, inv.HostedInvoiceURL),
		CustomMessage: strings.TrimSpace(msg.CustomMessage),
	}
	if inv.DueDate > 0 {
		v.DueDate = time.Unix(inv.DueDate, 0).UTC().Format("January 2, 2006")
	}

	subject := strings.TrimSpace(msg.Subject)
	if subject == "" {
		subject = "Invoice " + v.InvoiceNumber
		if v.BusinessName != "" {
			subject += " from " + v.BusinessName
		}
	}

	var html, text bytes.Buffer
	if err := htmlBody.Execute(&html, v); err != nil {
		return Rendered{}, fmt.Errorf("render html body: %w", err)
	}
	if err := textBody.Execute(&text, v); err != nil {
		return Rendered{}, fmt.Errorf("render text body: %w", err)
	}
	return Rendered{
		Recipient: recipient(msg),
		Subject:   subject,
		HTML:      html.String(),
		Text:      text.String(),
	}, nil
}

func recipient(msg Message) string {
	email := firstNonEmpty(msg.RecipientEmail, msg.Invoice.CustomerEmail)
	if email == "" && msg.Invoice.Customer != nil {
		email = msg.Invoice.Customer.Email
	}
	return strings.ToLower(strings.TrimSpace(email))
}

func customerName(inv billing.Invoice) string {
	if inv.Customer != nil && strings.TrimSpace(inv.Customer.Name) != "" {
		return strings.TrimSpace(inv.Customer.Name)
	}
	return strings.TrimSpace(inv.CustomerName)
}

func invoiceNumber(inv billing.Invoice) string {
	return firstNonEmpty(inv.Number, inv.ID)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
