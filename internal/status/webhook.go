package status

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/banshee-data/proximity.report/internal/eventbus"
	"github.com/banshee-data/proximity.report/internal/httputil"
)

// WebhookPublisher POSTs each event as JSON to a fixed URL. Any non-2xx
// reply counts as a failed send.
type WebhookPublisher struct {
	url    string
	client httputil.HTTPClient
}

// NewWebhookPublisher validates target. A nil client uses httputil.NewClient.
func NewWebhookPublisher(target string, client httputil.HTTPClient) (*WebhookPublisher, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("invalid webhook url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.New("webhook url must be http or https")
	}
	if client == nil {
		client = httputil.NewClient(0)
	}
	return &WebhookPublisher{url: u.String(), client: client}, nil
}

// Name implements Sink.
func (p *WebhookPublisher) Name() string { return "webhook" }

// Send implements Sink.
func (p *WebhookPublisher) Send(ctx context.Context, rec eventbus.Record) error {
	payload, err := rec.JSON()
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Proximity-Event", string(rec.Kind))

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook post: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook post: unexpected status %d", resp.StatusCode)
	}
	return nil
}
