package announcer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const webhookAnnouncePath = "/announcements"

const defaultTimeout = 10 * time.Second

type Option func(*webhookAnnouncer)

// Service posts a short run summary somewhere people will see it.
type Service interface {
	Announce(ctx context.Context, message string) error
}

func WithWebhookURL(webhookURL string) Option {
	return func(a *webhookAnnouncer) {
		a.baseURL = strings.TrimSpace(webhookURL)
	}
}

func WithHTTPClient(client *http.Client) Option {
	return func(a *webhookAnnouncer) {
		a.client = client
	}
}

type webhookAnnouncer struct {
	baseURL string
	client  *http.Client
}

func New(opts ...Option) Service {
	a := &webhookAnnouncer{}
	for _, opt := range opts {
		opt(a)
	}
	if a.client == nil {
		a.client = &http.Client{
			Timeout:   defaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return a
}

// Announce is a no-op when no webhook URL is configured.
func (a *webhookAnnouncer) Announce(ctx context.Context, message string) error {
	if a.baseURL == "" {
		return nil
	}
	payload, err := json.Marshal(struct {
		Message string `json:"message"`
	}{Message: message})
	if err != nil {
		return errors.Wrap(err, "encoding announcement")
	}

	url := strings.TrimRight(a.baseURL, "/") + webhookAnnouncePath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "building announcement request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "posting announcement")
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("reporting webhook returned status %s", resp.Status)
	}
	return nil
}

// RunSummary formats the message sent after a fetch run over one source.
func RunSummary(kind, source string, loaded, failed int) string {
	return fmt.Sprintf("fetch: %s %q loaded %d reports, %d failed", kind, source, loaded, failed)
}
