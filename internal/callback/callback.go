// Package callback posts job states to the URL a job was submitted with.
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/dojocodes/sandbox/internal/apperr"
	"github.com/dojocodes/sandbox/internal/metrics"
	"github.com/dojocodes/sandbox/internal/schema"
)

// Config bounds delivery retries. A zero MaxDelay takes the default.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Timeout     time.Duration // per request
}

// DefaultConfig returns the delivery settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 5,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		Timeout:     10 * time.Second,
	}
}

// Dispatcher delivers notifications in the background. Every state is
// delivered independently; receivers must treat the status field, not the
// arrival order, as the truth.
type Dispatcher struct {
	client *http.Client
	cfg    Config
	logger *zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(cfg Config, logger *zerolog.Logger) *Dispatcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultConfig().MaxDelay
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		client: &http.Client{Timeout: cfg.Timeout},
		cfg:    cfg,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Notify delivers st to cb asynchronously. It is a no-op when cb is nil.
// The state is copied before Notify returns.
func (d *Dispatcher) Notify(cb *schema.Callback, st *schema.JobState) {
	if cb == nil {
		return
	}
	body, err := json.Marshal(st)
	if err != nil {
		d.logger.Error().Err(err).Str("job", st.ID).Msg("encoding callback payload")
		return
	}
	target := *cb
	id, status := st.ID, st.Status

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.deliver(d.ctx, target, id, status, body); err != nil {
			d.logger.Warn().Err(err).Str("job", id).Str("status", string(status)).Msg("callback not delivered")
		}
	}()
}

// Deliver posts st to cb, retrying with capped exponential backoff. The
// error, when not nil, is an apperr.CallbackDelivery.
func (d *Dispatcher) Deliver(ctx context.Context, cb schema.Callback, st *schema.JobState) error {
	body, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encoding callback payload: %w", err)
	}
	return d.deliver(ctx, cb, st.ID, st.Status, body)
}

func (d *Dispatcher) deliver(ctx context.Context, cb schema.Callback, id string, status schema.Status, body []byte) error {
	attempts := 0
	op := func() (struct{}, error) {
		attempts++
		return struct{}{}, d.post(ctx, cb, id, status, body)
	}
	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(newBackOff(d.cfg)),
		backoff.WithMaxTries(uint(d.cfg.MaxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			d.logger.Debug().Err(err).Str("job", id).Int("attempt", attempts).Dur("retry_in", next).Msg("callback attempt failed")
		}),
	)
	metrics.CallbackAttempts.Observe(float64(attempts))

	switch {
	case err == nil:
		metrics.CallbacksTotal.WithLabelValues("delivered").Inc()
		d.logger.Debug().Str("job", id).Str("status", string(status)).Int("attempt", attempts).Msg("callback delivered")
		return nil
	case ctx.Err() != nil:
		metrics.CallbacksTotal.WithLabelValues("failed").Inc()
		return apperr.Wrap(ctx.Err(), apperr.CallbackDelivery, "callback cancelled")
	}
	metrics.CallbacksTotal.WithLabelValues("failed").Inc()
	return apperr.Wrapf(err, apperr.CallbackDelivery, "callback to %s failed after %d attempts", cb.URL, attempts)
}

// newBackOff doubles the delay from BaseDelay up to MaxDelay, with jitter.
func newBackOff(cfg Config) *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     cfg.BaseDelay,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          2,
		MaxInterval:         cfg.MaxDelay,
	}
	b.Reset()
	return b
}

func (d *Dispatcher) post(ctx context.Context, cb schema.Callback, id string, status schema.Status, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cb.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Sandbox-Job", id)
	req.Header.Set("X-Sandbox-Status", string(status))
	if cb.Token != nil && *cb.Token != "" {
		req.Header.Set("Authorization", "Bearer "+*cb.Token)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("callback returned status %d", resp.StatusCode)
	}
	return nil
}

// Wait blocks until every in-flight notification has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Close abandons pending retries and waits for in-flight notifications.
func (d *Dispatcher) Close() {
	d.cancel()
	d.wg.Wait()
}
