// Package poll is the REST fallback that re-delivers open offers when the
// live channel misses them.
package poll

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cosmossdk.io/log"
	"golang.org/x/time/rate"

	"driverlink/internal/api"
	"driverlink/internal/metrics"
	"driverlink/internal/model"
)

type Mode string

const (
	// Always polls on every tick.
	Always Mode = "always"
	// Degraded polls only while the session is not connected.
	Degraded Mode = "degraded"
)

type Client interface {
	PollRides(ctx context.Context, driverID string) (api.PollResponse, error)
}

// Sink receives every offer a poll returns; dedup is its job.
type Sink interface {
	DeliverPolled(p model.OfferPayload)
}

type Session interface {
	Snapshot() model.Session
}

// PollError is a failed poll. It is logged and never escalated on its own.
type PollError struct {
	DriverID string
	Err      error
}

func (e *PollError) Error() string {
	return fmt.Sprintf("poll rides for %s: %v", e.DriverID, e.Err)
}

func (e *PollError) Unwrap() error { return e.Err }

type Options struct {
	DriverID string
	Interval time.Duration
	Timeout  time.Duration
	Mode     Mode
}

// Result summarises one poll.
type Result struct {
	At           time.Time
	Rides        int
	DriverStatus string
	Message      string
	Skipped      bool
}

type Poller struct {
	opts    Options
	client  Client
	sink    Sink
	session Session
	logger  log.Logger

	trigger chan struct{}
	limiter *rate.Limiter

	mu       sync.Mutex
	observer func(Result, error)
	last     Result
	lastErr  error
}

// New builds a poller. session may be nil, in which case Degraded behaves
// like Always.
func New(opts Options, client Client, sink Sink, session Session, logger log.Logger) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 4 * time.Second
	}
	if opts.Mode == "" {
		opts.Mode = Always
	}
	return &Poller{
		opts:    opts,
		client:  client,
		sink:    sink,
		session: session,
		logger:  logger.With("module", "poll"),
		trigger: make(chan struct{}, 1),
		limiter: rate.NewLimiter(rate.Every(time.Second), 1),
	}
}

// OnResult registers fn to see every poll outcome.
func (p *Poller) OnResult(fn func(Result, error)) {
	p.mu.Lock()
	p.observer = fn
	p.mu.Unlock()
}

func (p *Poller) Last() (Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last, p.lastErr
}

// Trigger asks for an immediate poll, for example right after a reconnect.
// Requests beyond one per second are dropped.
func (p *Poller) Trigger() {
	if !p.limiter.Allow() {
		return
	}
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// Run polls every interval until ctx ends.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if p.skip() {
				continue
			}
		case <-p.trigger:
		}
		if _, err := p.Once(ctx); err != nil && ctx.Err() == nil {
			p.logger.Info("poll failed", "err", err)
		}
	}
}

func (p *Poller) skip() bool {
	return p.opts.Mode == Degraded && p.session != nil && p.session.Snapshot().Connected()
}

// Once performs a single poll and hands every returned offer to the sink.
func (p *Poller) Once(ctx context.Context) (Result, error) {
	pctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()

	start := time.Now()
	resp, err := p.client.PollRides(pctx, p.opts.DriverID)
	metrics.PollLatency.Observe(time.Since(start).Seconds())
	res := Result{At: start}
	if err != nil {
		metrics.PollRequests.WithLabelValues("error").Inc()
		err = &PollError{DriverID: p.opts.DriverID, Err: err}
		p.record(res, err)
		return res, err
	}
	metrics.PollRequests.WithLabelValues("ok").Inc()

	res.Rides = len(resp.Rides)
	res.DriverStatus = resp.DriverStatus
	res.Message = resp.Message
	switch resp.DriverStatus {
	case api.DriverUnavailable, api.DriverOnRide, api.DriverRechargeExpired:
		p.logger.Info("server reports driver status", "status", resp.DriverStatus, "message", resp.Message)
	}
	if p.sink != nil {
		for _, r := range resp.Rides {
			p.sink.DeliverPolled(r)
		}
	}
	p.record(res, nil)
	return res, nil
}

func (p *Poller) record(res Result, err error) {
	p.mu.Lock()
	p.last, p.lastErr = res, err
	fn := p.observer
	p.mu.Unlock()
	if fn != nil {
		fn(res, err)
	}
}
