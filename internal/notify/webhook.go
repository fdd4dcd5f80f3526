// Package notify delivers terminal job states to HTTP callbacks.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/reframe/reframe-render/internal/jobs"
	"github.com/reframe/reframe-render/internal/logging"
)

// DeliveryError is a non-2xx response from a callback endpoint.
type DeliveryError struct {
	StatusCode int
	Body       string
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("webhook delivery failed: HTTP %d: %s", e.StatusCode, e.Body)
}

// IsRetryable returns true for server errors (5xx) and 429.
// Other client errors are considered permanent.
func (e *DeliveryError) IsRetryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

type Config struct {
	DefaultURL  string // used when a job carries no callback URL
	Secret      string // signs the body when set
	MaxAttempts int
	Backoff     time.Duration
	Timeout     time.Duration // per attempt
	Logger      *slog.Logger
}

// Payload is the JSON body POSTed to the callback.
type Payload struct {
	Event     string          `json:"event"`
	Job       *jobs.ExportJob `json:"job"`
	Delivered time.Time       `json:"delivered_at"`
}

// Webhook implements jobs.Notifier.
type Webhook struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
}

var _ jobs.Notifier = (*Webhook)(nil)

func NewWebhook(cfg Config) *Webhook {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Webhook{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     cfg.Logger.With("component", "webhook"),
	}
}

// Notify is best-effort: failures are logged, never returned.
func (w *Webhook) Notify(ctx context.Context, job *jobs.ExportJob) {
	url := job.CallbackURL
	if url == "" {
		url = w.cfg.DefaultURL
	}
	if url == "" {
		return
	}
	if err := w.Deliver(ctx, url, job); err != nil {
		w.logger.Warn("webhook not delivered", "job_id", job.ID, "url", logging.SanitizeURL(url), "error", err)
	}
}

// Deliver POSTs job to url, retrying network failures and retryable
// responses up to MaxAttempts.
func (w *Webhook) Deliver(ctx context.Context, url string, job *jobs.ExportJob) error {
	body, err := json.Marshal(Payload{
		Event:     "export." + string(job.Status),
		Job:       job,
		Delivered: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	deliveryID := uuid.NewString()
	for attempt := 1; ; attempt++ {
		err = w.post(ctx, url, deliveryID, job, body)
		if err == nil {
			w.logger.Info("webhook delivered", "job_id", job.ID, "status", job.Status, "attempt", attempt)
			return nil
		}

		var de *DeliveryError
		if errors.As(err, &de) && !de.IsRetryable() {
			return err
		}
		if attempt >= w.cfg.MaxAttempts {
			return fmt.Errorf("after %d attempts: %w", attempt, err)
		}

		w.logger.Debug("webhook attempt failed", "job_id", job.ID, "attempt", attempt, "error", err)
		t := time.NewTimer(w.cfg.Backoff * time.Duration(1<<(attempt-1)))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (w *Webhook) post(ctx context.Context, url, deliveryID string, job *jobs.ExportJob, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Reframe-Delivery", deliveryID)
	req.Header.Set("X-Reframe-Event", "export."+string(job.Status))
	if w.cfg.Secret != "" {
		req.Header.Set("X-Reframe-Signature", "sha256="+Sign(w.cfg.Secret, body))
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return &DeliveryError{StatusCode: resp.StatusCode, Body: string(respBody)}
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
