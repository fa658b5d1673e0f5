// Package notify tells users and the app backend about applied payments:
// receipts go out by Brevo email, activations by signed HTTP callback.
package notify

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"journal-billing/internal/models"
	"journal-billing/pkg/logging"

	brevo "github.com/getbrevo/brevo-go/lib"
)

// UserLookup resolves the recipient of a receipt.
type UserLookup interface {
	Get(ctx context.Context, id string) (*models.User, error)
}

// Mailer sends purchase receipts. A Mailer without an API key is disabled
// and every send is a no-op.
type Mailer struct {
	cfg       *brevo.Configuration
	client    *brevo.APIClient
	fromEmail string
	fromName  string
	users     UserLookup
}

func NewMailer(apiKey, fromEmail, fromName string, users UserLookup) *Mailer {
	m := &Mailer{fromEmail: fromEmail, fromName: fromName, users: users}
	if apiKey == "" {
		logging.Infof("BREVO_API_KEY not set, receipt emails disabled")
		return m
	}

	m.cfg = brevo.NewConfiguration()
	m.cfg.AddDefaultHeader("api-key", apiKey)
	m.cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	m.client = brevo.NewAPIClient(m.cfg)
	return m
}

// WithBasePath points the client at another API root; used by tests.
func (m *Mailer) WithBasePath(basePath string) *Mailer {
	if m.cfg != nil {
		m.cfg.BasePath = basePath
	}
	return m
}

// Enabled reports whether an API key was configured.
func (m *Mailer) Enabled() bool {
	return m.client != nil
}

// SendReceipt mails the user a summary of the activation.
func (m *Mailer) SendReceipt(ctx context.Context, userID string, sub *models.Subscription, amount float64) error {
	if !m.Enabled() {
		return nil
	}

	user, err := m.users.Get(ctx, userID)
	if err != nil {
		return err
	}
	if user.Email == "" {
		logging.Infof("No email on file, receipt skipped - user: %s", userID)
		return nil
	}

	subject, html, text := receiptContent(sub, amount)
	email := brevo.SendSmtpEmail{
		Sender:      &brevo.SendSmtpEmailSender{Name: m.fromName, Email: m.fromEmail},
		To:          []brevo.SendSmtpEmailTo{{Email: user.Email}},
		Subject:     subject,
		HtmlContent: html,
		TextContent: text,
	}

	result, resp, err := m.client.TransactionalEmailsApi.SendTransacEmail(ctx, email)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("failed to send receipt: %w", err)
	}

	logging.Infof("Receipt email sent - user: %s, message_id: %s", userID, result.MessageId)
	return nil
}

func receiptContent(sub *models.Subscription, amount float64) (subject, html, text string) {
	end := sub.EndDate.UTC().Format("2006-01-02")
	subject = "Your Trading Journal subscription is active"

	html = fmt.Sprintf(`<!DOCTYPE html>
<html>
<head><meta charset="UTF-8"><title>%s</title></head>
<body style="font-family: Arial, sans-serif; max-width: 600px; margin: 0 auto; padding: 20px;">
	<div style="background-color: #f8f9fa; padding: 30px; border-radius: 10px;">
		<h1 style="color: #333;">Thank you for your purchase</h1>
		<p style="color: #666; font-size: 16px;">Plan: <strong>%s</strong></p>
		<p style="color: #666; font-size: 16px;">Amount paid: <strong>¥%.2f</strong></p>
		<p style="color: #666; font-size: 16px;">Access until: <strong>%s</strong></p>
		<p style="color: #999; font-size: 12px; margin-top: 30px;">Payment reference: %s</p>
	</div>
</body>
</html>`, subject, sub.PlanID, amount, end, sub.PaymentID)

	text = fmt.Sprintf("Thank you for your purchase.\n\nPlan: %s\nAmount paid: ¥%.2f\nAccess until: %s\nPayment reference: %s\n",
		sub.PlanID, amount, end, sub.PaymentID)
	return subject, html, text
}
