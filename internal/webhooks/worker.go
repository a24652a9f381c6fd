package webhooks

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"fleetdispatch/internal/metrics"
	"fleetdispatch/internal/store"
)

type Worker struct {
	Store       store.Store
	HTTP        *http.Client
	MaxAttempts int
	Interval    time.Duration
	BatchSize   int
	Log         zerolog.Logger
}

func NewWorker(s store.Store, cfg Config, log zerolog.Logger) *Worker {
	cfg.SetDefaults()
	return &Worker{
		Store:       s,
		HTTP:        &http.Client{Timeout: cfg.Timeout},
		MaxAttempts: cfg.MaxAttempts,
		Interval:    cfg.PollInterval,
		BatchSize:   cfg.BatchSize,
		Log:         log,
	}
}

// Run polls for due deliveries until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.processOnce(ctx)
		}
	}
}

func (w *Worker) processOnce(parent context.Context) {
	ctx, cancel := context.WithTimeout(parent, 10*time.Second)
	defer cancel()
	items, err := w.Store.FetchDueWebhookDeliveries(ctx, w.BatchSize)
	if err != nil {
		w.Log.Warn().Err(err).Msg("fetch due webhook deliveries")
		return
	}
	for _, it := range items {
		success := false
		next := time.Now().Add(nextBackoff(it.Attempts))
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, it.URL, bytes.NewReader(it.Payload))
		if err != nil {
			_ = w.Store.FailWebhookDelivery(ctx, it.ID, err.Error(), 0, 0)
			continue
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Event-Type", it.EventType)
		if it.Secret != "" {
			req.Header.Set("X-Signature", SignHMAC(it.Secret, it.Payload))
		}
		start := time.Now()
		resp, err := w.HTTP.Do(req)
		latency := int(time.Since(start).Milliseconds())
		code := 0
		if err == nil && resp != nil {
			code = resp.StatusCode
			if resp.Body != nil {
				_ = resp.Body.Close()
			}
			if code >= 200 && code < 300 {
				success = true
			}
		}
		lastErr := ""
		switch {
		case err != nil:
			lastErr = err.Error()
		case !success:
			lastErr = fmt.Sprintf("unexpected status %d", code)
		}
		status := "delivered"
		if !success {
			status = "retry"
		}
		if !success && it.Attempts+1 >= w.MaxAttempts {
			status = "failed"
			if err := w.Store.FailWebhookDelivery(ctx, it.ID, lastErr, code, latency); err != nil {
				w.Log.Warn().Err(err).Str("delivery_id", it.ID).Msg("mark webhook failed")
			}
		} else if err := w.Store.MarkWebhookDelivery(ctx, it.ID, success, &next, lastErr, code, latency); err != nil {
			w.Log.Warn().Err(err).Str("delivery_id", it.ID).Msg("mark webhook delivery")
		}
		metrics.WebhookDeliveries.WithLabelValues(it.EventType, status).Inc()
		metrics.WebhookLatency.WithLabelValues(it.EventType, status).Observe(float64(latency))
		w.Log.Debug().Str("delivery_id", it.ID).Str("event_type", it.EventType).Str("status", status).Int("code", code).Int("latency_ms", latency).Msg("webhook attempt")
	}
}

func nextBackoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 12 {
		attempts = 12
	}
	base := time.Second * time.Duration(1<<attempts)
	if base > time.Hour {
		base = time.Hour
	}
	return base
}
