package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ent0n29/rehearsal/internal/reliability"
)

const scoringService = "scoring"

// HTTPClient posts handoffs to the scoring collaborator. The session id is
// sent as the idempotency key so a redelivered handoff is scored once.
type HTTPClient struct {
	url        string
	token      string
	client     *http.Client
	initial    time.Duration
	max        time.Duration
	maxRetries uint64
}

type HTTPClientConfig struct {
	URL            string
	Token          string
	Timeout        time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxRetries     int
}

func NewHTTPClient(cfg HTTPClientConfig) *HTTPClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 250 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &HTTPClient{
		url:        strings.TrimSpace(cfg.URL),
		token:      strings.TrimSpace(cfg.Token),
		client:     &http.Client{Timeout: cfg.Timeout},
		initial:    cfg.InitialBackoff,
		max:        cfg.MaxBackoff,
		maxRetries: uint64(cfg.MaxRetries),
	}
}

func (c *HTTPClient) Deliver(ctx context.Context, h Handoff) error {
	body, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("marshal handoff: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initial
	b.MaxInterval = c.max
	b.MaxElapsedTime = 0

	attempt := 0
	op := func() error {
		attempt++
		return c.post(ctx, h.SessionID, body)
	}
	notify := func(err error, wait time.Duration) {
		log.Printf("scoring delivery retry session_id=%s attempt=%d wait=%s err=%v", h.SessionID, attempt, wait, err)
	}
	return backoff.RetryNotify(op, backoff.WithContext(backoff.WithMaxRetries(b, c.maxRetries), ctx), notify)
}

func (c *HTTPClient) post(ctx context.Context, sessionID string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("build scoring request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", sessionID)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return reliability.Transient(scoringService, err)
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusConflict:
		// Already accepted under this idempotency key.
		return nil
	}
	detail := strings.TrimSpace(string(snippet))
	if detail == "" {
		detail = http.StatusText(resp.StatusCode)
	}
	statusErr := reliability.FromHTTPStatus(scoringService, resp.StatusCode, errors.New(detail))
	if reliability.IsTransient(statusErr) {
		return statusErr
	}
	return backoff.Permanent(statusErr)
}

// LogClient records handoffs in the process log. Used when no scoring
// endpoint is configured.
type LogClient struct{}

func (LogClient) Deliver(_ context.Context, h Handoff) error {
	log.Printf("scoring handoff session_id=%s status=%s incomplete=%t turns=%d duration_s=%.1f",
		h.SessionID, h.CompletionStatus, h.Incomplete, len(h.OrderedTurns), h.DurationSeconds)
	return nil
}
