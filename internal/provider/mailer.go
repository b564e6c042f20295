package provider

import (
	"context"
	"fmt"
	"net/mail"
	"strings"
)

// Mailer is the outbound port that delivers rendered manifests.
type Mailer interface {
	Send(ctx context.Context, msg Mail) (*SendResult, error)
}

// Mail is a plaintext message addressed to one or more recipients.
type Mail struct {
	From    string
	To      []string
	Subject string
	Body    string
}

func (m Mail) Validate() error {
	if _, err := mail.ParseAddress(m.From); err != nil {
		return fmt.Errorf("invalid sender %q: %w", m.From, err)
	}
	if len(m.To) == 0 {
		return fmt.Errorf("at least one recipient is required")
	}
	for _, to := range m.To {
		if _, err := mail.ParseAddress(to); err != nil {
			return fmt.Errorf("invalid recipient %q: %w", to, err)
		}
	}
	if strings.TrimSpace(m.Subject) == "" {
		return fmt.Errorf("subject is required")
	}
	return nil
}

// SendResult stores relay call metadata for the attempt log.
type SendResult struct {
	StatusCode int
	Body       string
	MessageID  string
}
