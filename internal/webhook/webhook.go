// Package webhook posts job transition events to an operator-configured
// URL.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/jobagent/jobagent/internal/job"
	"github.com/jobagent/jobagent/internal/transport"
)

const (
	retryAttempts = 8
	retryBase     = time.Second
	retryCap      = 5 * time.Minute
)

// Event is the JSON body of a notification.
type Event struct {
	JobID     string    `json:"job_id"`
	From      job.State `json:"from"`
	To        job.State `json:"to"`
	Simulated bool      `json:"simulated"`
	TxHash    string    `json:"tx_hash,omitempty"`
	ContentID string    `json:"content_id,omitempty"`
	At        time.Time `json:"at"`
}

// Notifier delivers events asynchronously with full-jitter exponential
// backoff.
type Notifier struct {
	url    string
	http   *transport.Client
	logger *slog.Logger

	attempts int
	base     time.Duration
	cap      time.Duration

	wg sync.WaitGroup
}

// NewNotifier returns a Notifier posting to callbackURL.
func NewNotifier(callbackURL string, http *transport.Client, logger *slog.Logger) (*Notifier, error) {
	if err := validateURL(callbackURL); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		url:      callbackURL,
		http:     http,
		logger:   logger,
		attempts: retryAttempts,
		base:     retryBase,
		cap:      retryCap,
	}, nil
}

// validateURL accepts absolute http and https URLs.
func validateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("unsupported scheme: %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("URL has no host")
	}
	return nil
}

// Notify queues tr for delivery and returns immediately. ctx should
// outlive the cycle (context.WithoutCancel) so retries survive it.
func (n *Notifier) Notify(ctx context.Context, tr job.Transition) {
	payload, err := json.Marshal(Event{
		JobID:     tr.JobID,
		From:      tr.From,
		To:        tr.To,
		Simulated: tr.To.IsSimulated(),
		TxHash:    tr.TxHash,
		ContentID: tr.ContentID,
		At:        tr.At.UTC(),
	})
	if err != nil {
		n.logger.Error("webhook: encode event", "job_id", tr.JobID, "error", err)
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.send(ctx, tr.JobID, payload)
	}()
}

// Wait blocks until queued notifications finish or give up.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

func (n *Notifier) send(ctx context.Context, jobID string, payload []byte) {
	for attempt := 1; attempt <= n.attempts; attempt++ {
		if ctx.Err() != nil {
			return
		}
		err := n.post(ctx, payload)
		if err == nil {
			return
		}
		n.logger.Warn("webhook attempt failed", "attempt", attempt, "job_id", jobID, "error", err)
		if attempt < n.attempts {
			select {
			case <-ctx.Done():
				return
			case <-time.After(n.jitter(attempt)):
			}
		}
	}
	n.logger.Error("webhook: all retries exhausted", "job_id", jobID, "url", n.url)
}

// jitter returns a random duration between 0 and min(cap, base * 2^attempt).
func (n *Notifier) jitter(attempt int) time.Duration {
	exp := n.base * (1 << attempt)
	if exp > n.cap || exp <= 0 {
		exp = n.cap
	}
	return time.Duration(rand.Int63n(int64(exp)))
}

func (n *Notifier) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	_, err = n.http.Fetch(req)
	return err
}
