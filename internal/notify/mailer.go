// Package notify sends transactional email through the mail relay. Delivery
// failures never propagate to callers: losing an email must not roll back the
// state change that triggered it. Everything is logged at WARN instead.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// Mailer posts messages to the mail relay.
type Mailer struct {
	relayURL   string
	httpClient *http.Client
}

func NewMailer(relayURL string, timeoutMS int) *Mailer {
	return &Mailer{
		relayURL: relayURL,
		httpClient: &http.Client{
			Timeout: time.Duration(timeoutMS) * time.Millisecond,
		},
	}
}

type relayPayload struct {
	To       string         `json:"to"`
	Template string         `json:"template"`
	Vars     map[string]any `json:"vars"`
}

// SendInvitation mails an invitation link carrying the single-use token.
func (m *Mailer) SendInvitation(ctx context.Context, email, orgName, inviteURL string) {
	m.post(ctx, relayPayload{
		To:       email,
		Template: "invitation",
		Vars: map[string]any{
			"org_name":   orgName,
			"invite_url": inviteURL,
		},
	})
}

// SendVerification mails the email-verification link.
func (m *Mailer) SendVerification(ctx context.Context, email, verifyURL string) {
	m.post(ctx, relayPayload{
		To:       email,
		Template: "email_verification",
		Vars: map[string]any{
			"verify_url": verifyURL,
		},
	})
}

// SendPasswordReset mails the password-reset link.
func (m *Mailer) SendPasswordReset(ctx context.Context, email, resetURL string) {
	m.post(ctx, relayPayload{
		To:       email,
		Template: "password_reset",
		Vars: map[string]any{
			"reset_url": resetURL,
		},
	})
}

// SendExpiryWarning tells an organization admin their licenses lapse soon.
func (m *Mailer) SendExpiryWarning(ctx context.Context, email, orgName string, expiresAt time.Time) {
	m.post(ctx, relayPayload{
		To:       email,
		Template: "license_expiry_warning",
		Vars: map[string]any{
			"org_name":   orgName,
			"expires_at": expiresAt.Format("2006-01-02"),
			"days_left":  fmt.Sprintf("%d", int(time.Until(expiresAt).Hours()/24)),
		},
	})
}

func (m *Mailer) post(ctx context.Context, payload relayPayload) {
	if m.relayURL == "" {
		log.Debug().Str("template", payload.Template).Msg("Mail relay not configured, dropping email")
		return
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		log.Warn().Err(err).Str("template", payload.Template).Msg("Failed to marshal mail payload")
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.relayURL, bytes.NewBuffer(jsonData))
	if err != nil {
		log.Warn().Err(err).Str("template", payload.Template).Msg("Failed to create mail relay request")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		var netErr net.Error
		if ctx.Err() == context.DeadlineExceeded || (errors.As(err, &netErr) && netErr.Timeout()) {
			log.Warn().Err(err).Str("template", payload.Template).Msg("Mail relay request timed out")
		} else {
			log.Warn().Err(err).Str("template", payload.Template).Msg("Failed to reach mail relay")
		}
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		log.Warn().
			Int("status_code", resp.StatusCode).
			Str("template", payload.Template).
			Msg("Mail relay rejected message")
	}
}
