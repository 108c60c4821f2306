// Package webhook delivers the coalesced post-processing job and other
// operational notifications to an external HTTP sink: a JSON envelope,
// HMAC-SHA256 signed when a secret is configured, sent with exponential
// backoff on transient failure. Shape follows this stack's existing webhook
// sinks (domwatch's retrying sink, channels' signed inbound/outbound pair).
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hazyhaar/uploadguard/horosafe"
)

// Envelope is the outbound payload shape: a type tag plus opaque data.
type Envelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Dispatcher POSTs signed JSON envelopes to a configured URL with retry and
// exponential backoff.
type Dispatcher struct {
	url        string
	secret     string
	client     *http.Client
	maxRetries int
	logger     *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithSecret enables HMAC-SHA256 signing of every outbound body, carried in
// the X-Signature-256 header (same header name and "sha256=" framing this
// stack's inbound webhook channel expects).
func WithSecret(secret string) Option { return func(d *Dispatcher) { d.secret = secret } }

// WithRetries sets the maximum number of retries. Default: 3.
func WithRetries(n int) Option { return func(d *Dispatcher) { d.maxRetries = n } }

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option { return func(d *Dispatcher) { d.logger = l } }

// WithHTTPClient overrides the HTTP client (tests inject one with a short
// timeout pointed at an httptest server).
func WithHTTPClient(c *http.Client) Option { return func(d *Dispatcher) { d.client = c } }

// New creates a Dispatcher targeting url. url is validated against SSRF
// (private/loopback targets) at construction time, since it is normally
// sourced from configuration rather than per-call caller input.
func New(url string, opts ...Option) (*Dispatcher, error) {
	if err := horosafe.ValidateURL(url); err != nil {
		return nil, fmt.Errorf("webhook: %w", err)
	}
	d := &Dispatcher{
		url:        url,
		client:     &http.Client{Timeout: 10 * time.Second},
		maxRetries: 3,
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(d)
	}
	return d, nil
}

// Dispatch sends one envelope of the given type, retrying transient failures
// with exponential backoff (1s, 2s, 4s, ...).
func (d *Dispatcher) Dispatch(ctx context.Context, typ string, data any) error {
	body, err := json.Marshal(Envelope{Type: typ, Data: data})
	if err != nil {
		return fmt.Errorf("webhook: marshal: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= d.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * time.Second
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("webhook: new request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if d.secret != "" {
			mac := hmac.New(sha256.New, []byte(d.secret))
			mac.Write(body)
			req.Header.Set("X-Signature-256", "sha256="+hex.EncodeToString(mac.Sum(nil)))
		}

		resp, err := d.client.Do(req)
		if err != nil {
			lastErr = err
			d.logger.WarnContext(ctx, "webhook: request failed", "attempt", attempt+1, "type", typ, "error", err)
			continue
		}
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("webhook: status %d", resp.StatusCode)
		d.logger.WarnContext(ctx, "webhook: bad status", "attempt", attempt+1, "type", typ, "status", resp.StatusCode)
	}
	return fmt.Errorf("webhook: all retries exhausted: %w", lastErr)
}

// Nop is a Dispatcher-shaped no-op for deployments with no configured sink.
type Nop struct{}

func (Nop) Dispatch(ctx context.Context, typ string, data any) error { return nil }

// Sender is implemented by both Dispatcher and Nop.
type Sender interface {
	Dispatch(ctx context.Context, typ string, data any) error
}
