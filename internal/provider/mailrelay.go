package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const defaultRelayTimeout = 10 * time.Second

type relayRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	Text    string   `json:"text"`
}

// HTTPMailRelay posts manifests to an HTTP mail relay as JSON.
type HTTPMailRelay struct {
	client   *resty.Client
	endpoint string
}

func NewHTTPMailRelay(endpoint string) (*HTTPMailRelay, error) {
	client := resty.New()
	client.SetTimeout(defaultRelayTimeout)
	client.SetRetryCount(0)

	return NewHTTPMailRelayWithClient(endpoint, client)
}

func NewHTTPMailRelayWithClient(endpoint string, client *resty.Client) (*HTTPMailRelay, error) {
	trimmedEndpoint := strings.TrimSpace(endpoint)
	if trimmedEndpoint == "" {
		return nil, fmt.Errorf("mail relay endpoint is required")
	}
	if _, err := url.ParseRequestURI(trimmedEndpoint); err != nil {
		return nil, fmt.Errorf("invalid mail relay endpoint: %w", err)
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}

	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultRelayTimeout)
	}
	// Retries are scheduled by the manifest worker, never inside a single attempt.
	client.SetRetryCount(0)

	return &HTTPMailRelay{
		client:   client,
		endpoint: trimmedEndpoint,
	}, nil
}

func (r *HTTPMailRelay) Send(ctx context.Context, msg Mail) (*SendResult, error) {
	if r == nil || r.client == nil {
		return nil, fmt.Errorf("mail relay is not initialized")
	}
	if err := msg.Validate(); err != nil {
		return nil, &RelayError{Reason: "invalid mail", Cause: err}
	}

	response, err := r.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json; charset=utf-8").
		SetBody(relayRequest{
			From:    msg.From,
			To:      msg.To,
			Subject: msg.Subject,
			Text:    msg.Body,
		}).
		Post(r.endpoint)
	if err != nil {
		return nil, &RelayError{
			Reason:    "request failed",
			Retryable: !errors.Is(err, context.Canceled),
			Cause:     err,
		}
	}
	if response == nil {
		return nil, &RelayError{Reason: "empty response", Retryable: true}
	}

	statusCode := response.StatusCode()
	responseBody := strings.TrimSpace(response.String())

	if statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices {
		return &SendResult{
			StatusCode: statusCode,
			Body:       responseBody,
			MessageID:  relayMessageID(response),
		}, nil
	}

	return nil, statusError(statusCode, responseBody)
}

func relayMessageID(response *resty.Response) string {
	for _, key := range []string{"X-Message-ID", "X-Request-ID", "X-Correlation-ID"} {
		if value := strings.TrimSpace(response.Header().Get(key)); value != "" {
			return value
		}
	}
	return ""
}
