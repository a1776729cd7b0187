// Package notify sends out-of-band push alerts through the push-token
// backend when the live channel cannot reach the worker.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"cosmossdk.io/log"

	"driverlink/internal/api"
	"driverlink/internal/backoff"
	"driverlink/internal/metrics"
)

// Backend is the push-token registration service.
type Backend interface {
	RegisterToken(ctx context.Context, req api.RegisterToken) error
	SendNotification(ctx context.Context, n api.Notification) error
}

type Alerter struct {
	backend     Backend
	pushToken   string
	maxAttempts int
	delay       backoff.DelayFunc
	logger      log.Logger
}

func New(b Backend, pushToken string, maxAttempts int, logger log.Logger) *Alerter {
	if maxAttempts < 1 {
		maxAttempts = 3
	}
	return &Alerter{
		backend:     b,
		pushToken:   pushToken,
		maxAttempts: maxAttempts,
		delay:       nextBackoff,
		logger:      logger.With("module", "notify"),
	}
}

// Register binds the device push token to the worker.
func (a *Alerter) Register(ctx context.Context, userID, platform string) error {
	if a.pushToken == "" {
		return nil
	}
	return a.retry(ctx, func(ctx context.Context) error {
		return a.backend.RegisterToken(ctx, api.RegisterToken{UserID: userID, Token: a.pushToken, Platform: platform})
	})
}

// Send delivers one alert, retrying transient failures.
func (a *Alerter) Send(ctx context.Context, title, body string, data map[string]string) error {
	if a.pushToken == "" {
		return errors.New("notify: no push token configured")
	}
	err := a.retry(ctx, func(ctx context.Context) error {
		return a.backend.SendNotification(ctx, api.Notification{Token: a.pushToken, Title: title, Body: body, Data: data})
	})
	status := "sent"
	if err != nil {
		status = "failed"
		a.logger.Error("alert not delivered", "title", title, "err", err)
	}
	metrics.Alerts.WithLabelValues(status).Inc()
	return err
}

func (a *Alerter) retry(ctx context.Context, fn func(context.Context) error) error {
	return backoff.Retry(ctx, a.maxAttempts, a.delay, func(ctx context.Context, attempt int) error {
		err := fn(ctx)
		var apiErr *api.APIError
		if errors.As(err, &apiErr) && !apiErr.Temporary() {
			return backoff.Permanent(err)
		}
		return err
	})
}

func nextBackoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 5 {
		attempts = 5
	}
	d := time.Second * time.Duration(1<<attempts)
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}

// Outage tracks how long both delivery paths (channel and poll) have been
// failing and fires once per outage after the threshold.
type Outage struct {
	threshold time.Duration

	mu          sync.Mutex
	channelDown time.Time
	pollDown    time.Time
	fired       bool
}

func NewOutage(threshold time.Duration) *Outage {
	return &Outage{threshold: threshold}
}

// Channel records the live channel's health at now.
func (o *Outage) Channel(up bool, now time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.channelDown = mark(o.channelDown, up, now)
	o.resetIfRecovered()
}

// Poll records the outcome of a fallback poll at now.
func (o *Outage) Poll(ok bool, now time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pollDown = mark(o.pollDown, ok, now)
	o.resetIfRecovered()
}

// Due reports true exactly once per outage, when both paths have been down
// for at least the threshold.
func (o *Outage) Due(now time.Time) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.fired || o.channelDown.IsZero() || o.pollDown.IsZero() {
		return false
	}
	since := o.channelDown
	if o.pollDown.After(since) {
		since = o.pollDown
	}
	if now.Sub(since) < o.threshold {
		return false
	}
	o.fired = true
	return true
}

// Describe is a short human summary for the alert body.
func (o *Outage) Describe(now time.Time) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.channelDown.IsZero() {
		return "connection healthy"
	}
	return fmt.Sprintf("offline for %s", now.Sub(o.channelDown).Round(time.Second))
}

func mark(since time.Time, up bool, now time.Time) time.Time {
	if up {
		return time.Time{}
	}
	if since.IsZero() {
		return now
	}
	return since
}

func (o *Outage) resetIfRecovered() {
	if o.channelDown.IsZero() || o.pollDown.IsZero() {
		o.fired = false
	}
}
