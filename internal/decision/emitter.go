// Package decision delivers accept and reject decisions to the dispatch
// server and waits for their acknowledgement.
package decision

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"cosmossdk.io/log"

	"driverlink/internal/api"
	"driverlink/internal/conn"
	"driverlink/internal/metrics"
	"driverlink/internal/model"
)

type Status int

const (
	// Acked: the server confirmed the decision over the channel.
	Acked Status = iota + 1
	// Fallback: delivered through the REST fallback while disconnected.
	Fallback
	// Queued: stored in the outbox until the next Connected.
	Queued
	// Dropped: not delivered and not retried.
	Dropped
	// Conflict: the offer went to someone else.
	Conflict
	// TimedOut: connected but never acknowledged.
	TimedOut
	// Failed: the server refused the decision for another reason.
	Failed
)

func (s Status) String() string {
	switch s {
	case Acked:
		return "acked"
	case Fallback:
		return "fallback"
	case Queued:
		return "queued"
	case Dropped:
		return "dropped"
	case Conflict:
		return "conflict"
	case TimedOut:
		return "timeout"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result is the outcome of one Submit or one flushed outbox entry.
type Result struct {
	Status   Status
	Decision model.Decision
	Err      error
}

// Delivered reports whether the server has the decision.
func (r Result) Delivered() bool { return r.Status == Acked || r.Status == Fallback }

type Channel interface {
	Send(ctx context.Context, event string, payload any) error
	Snapshot() model.Session
}

// FallbackClient delivers an accept over REST.
type FallbackClient interface {
	AcceptFallback(ctx context.Context, rideID, userID string) error
}

type Outbox interface {
	EnqueueDecision(ctx context.Context, d model.Decision) error
	PendingDecisions(ctx context.Context) ([]model.Decision, error)
	MarkDecisionAttempt(ctx context.Context, id string) error
	DeleteDecision(ctx context.Context, id string) error
}

type Options struct {
	AckTimeout   time.Duration
	RESTFallback bool
}

type Emitter struct {
	opts     Options
	ch       Channel
	fallback FallbackClient
	outbox   Outbox
	logger   log.Logger
	now      func() time.Time

	mu      sync.Mutex
	waiters map[string]*waiter
}

type waiter struct {
	kind model.DecisionKind
	ch   chan conn.Event
}

// New builds an emitter. fallback and outbox may be nil.
func New(opts Options, ch Channel, fallback FallbackClient, outbox Outbox, logger log.Logger) *Emitter {
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = 2 * time.Second
	}
	return &Emitter{
		opts:     opts,
		ch:       ch,
		fallback: fallback,
		outbox:   outbox,
		logger:   logger.With("module", "decision"),
		now:      time.Now,
		waiters:  make(map[string]*waiter),
	}
}

// Submit delivers d. While connected it waits for the acknowledgement and
// retries once; while disconnected accepts go to the REST fallback or the
// outbox and rejects are dropped.
func (e *Emitter) Submit(ctx context.Context, d model.Decision) Result {
	var res Result
	if !e.ch.Snapshot().Connected() {
		res = e.offline(ctx, d)
	} else {
		res = e.deliver(ctx, d)
	}
	e.observe(res)
	return res
}

// HandleAck hands a channel acknowledgement to the waiting Submit. It
// returns false when nobody is waiting, so the caller can treat it as late.
// Replies that name no known offer go to the only waiter they could answer.
func (e *Emitter) HandleAck(ev conn.Event) bool {
	e.mu.Lock()
	id, w := e.claim(ev)
	if w != nil {
		delete(e.waiters, id)
	}
	e.mu.Unlock()
	if w == nil {
		return false
	}
	w.ch <- ev
	return true
}

// claim finds the waiter ev answers. Callers hold e.mu.
func (e *Emitter) claim(ev conn.Event) (string, *waiter) {
	if w, ok := e.waiters[ev.OfferID]; ok && answers(w, ev) {
		return ev.OfferID, w
	}
	var (
		id    string
		found *waiter
	)
	for k, w := range e.waiters {
		if !answers(w, ev) {
			continue
		}
		if found != nil {
			return "", nil
		}
		id, found = k, w
	}
	return id, found
}

// answers reports whether ev can be the reply to w. A conflict only ever
// answers an accept.
func answers(w *waiter, ev conn.Event) bool {
	switch {
	case ev.Kind == conn.EventDecisionAck:
		return w.kind == ev.Decision
	case ev.Conflict:
		return w.kind == model.DecisionAccept
	default:
		return true
	}
}

// Flush resends queued accepts after a reconnect. Entries whose offer has
// expired are discarded.
func (e *Emitter) Flush(ctx context.Context) ([]Result, error) {
	if e.outbox == nil {
		return nil, nil
	}
	pending, err := e.outbox.PendingDecisions(ctx)
	if err != nil {
		return nil, err
	}
	var out []Result
	for _, d := range pending {
		if !d.OfferExpiresAt.IsZero() && !e.now().Before(d.OfferExpiresAt) {
			e.logger.Info("dropping expired queued decision", "offer", d.OfferID, "decision", d.ID)
			if err := e.outbox.DeleteDecision(ctx, d.ID); err != nil {
				return out, err
			}
			res := Result{Status: Dropped, Decision: d}
			e.observe(res)
			out = append(out, res)
			continue
		}
		if !e.ch.Snapshot().Connected() {
			break
		}
		if err := e.outbox.MarkDecisionAttempt(ctx, d.ID); err != nil {
			e.logger.Error("mark outbox attempt", "decision", d.ID, "err", err)
		}
		res := e.deliver(ctx, d)
		e.observe(res)
		out = append(out, res)
		switch res.Status {
		case Acked, Conflict, Failed:
			if err := e.outbox.DeleteDecision(ctx, d.ID); err != nil {
				return out, err
			}
		}
	}
	return out, nil
}

func (e *Emitter) deliver(ctx context.Context, d model.Decision) Result {
	const attempts = 2
	for i := 0; i < attempts; i++ {
		d.Attempts++
		w := e.register(d)
		if err := e.send(ctx, d); err != nil {
			e.unregister(d.OfferID, w)
			if errors.Is(err, conn.ErrNotConnected) {
				return e.offline(ctx, d)
			}
			e.logger.Error("decision send failed", "offer", d.OfferID, "kind", d.Kind, "err", err)
			continue
		}

		timer := time.NewTimer(e.opts.AckTimeout)
		select {
		case ev := <-w.ch:
			timer.Stop()
			return e.acknowledged(d, ev)
		case <-timer.C:
			e.unregister(d.OfferID, w)
			if !e.ch.Snapshot().Connected() {
				return e.offline(ctx, d)
			}
			e.logger.Info("decision not acknowledged", "offer", d.OfferID, "kind", d.Kind, "attempt", d.Attempts)
		case <-ctx.Done():
			timer.Stop()
			e.unregister(d.OfferID, w)
			return Result{Status: TimedOut, Decision: d, Err: ctx.Err()}
		}
	}
	return Result{Status: TimedOut, Decision: d, Err: &TimeoutError{OfferID: d.OfferID, Kind: d.Kind, Attempts: d.Attempts, Wait: e.opts.AckTimeout}}
}

func (e *Emitter) acknowledged(d model.Decision, ev conn.Event) Result {
	if ev.Kind == conn.EventDecisionAck {
		d.Acknowledged = true
		return Result{Status: Acked, Decision: d}
	}
	if ev.Conflict {
		return Result{Status: Conflict, Decision: d, Err: &DecisionConflictError{OfferID: d.OfferID, Message: ev.Message}}
	}
	return Result{Status: Failed, Decision: d, Err: &RejectedError{OfferID: d.OfferID, Message: ev.Message}}
}

func (e *Emitter) offline(ctx context.Context, d model.Decision) Result {
	if d.Kind == model.DecisionReject {
		e.logger.Debug("reject dropped while disconnected", "offer", d.OfferID)
		return Result{Status: Dropped, Decision: d, Err: conn.ErrNotConnected}
	}
	var fbErr error
	if e.opts.RESTFallback && e.fallback != nil {
		userID := ""
		if d.Accept != nil {
			userID = d.Accept.UserID
		}
		fbErr = e.fallback.AcceptFallback(ctx, d.OfferID, userID)
		if fbErr == nil {
			d.Acknowledged = true
			return Result{Status: Fallback, Decision: d}
		}
		var apiErr *api.APIError
		if errors.As(fbErr, &apiErr) && (apiErr.Status == http.StatusConflict || conn.IsConflict(apiErr.Message)) {
			return Result{Status: Conflict, Decision: d, Err: &DecisionConflictError{OfferID: d.OfferID, Message: apiErr.Message}}
		}
		e.logger.Info("accept fallback failed, queueing", "offer", d.OfferID, "err", fbErr)
	}
	if e.outbox == nil {
		return Result{Status: Dropped, Decision: d, Err: errors.Join(conn.ErrNotConnected, fbErr)}
	}
	if err := e.outbox.EnqueueDecision(ctx, d); err != nil {
		return Result{Status: Dropped, Decision: d, Err: err}
	}
	return Result{Status: Queued, Decision: d, Err: fbErr}
}

func (e *Emitter) send(ctx context.Context, d model.Decision) error {
	if d.Kind == model.DecisionAccept {
		data := model.AcceptData{RideRequestID: d.OfferID, RiderID: d.WorkerID}
		if d.Accept != nil {
			data = *d.Accept
		}
		return e.ch.Send(ctx, model.EventRideAccepted, model.RideAccepted{Data: data})
	}
	return e.ch.Send(ctx, model.EventRideRejected, model.RideRejected{RideID: d.OfferID, DriverID: d.WorkerID, Reason: d.Reason})
}

func (e *Emitter) register(d model.Decision) *waiter {
	w := &waiter{kind: d.Kind, ch: make(chan conn.Event, 1)}
	e.mu.Lock()
	e.waiters[d.OfferID] = w
	e.mu.Unlock()
	return w
}

func (e *Emitter) unregister(offerID string, w *waiter) {
	e.mu.Lock()
	if e.waiters[offerID] == w {
		delete(e.waiters, offerID)
	}
	e.mu.Unlock()
}

func (e *Emitter) observe(r Result) {
	metrics.Decisions.WithLabelValues(string(r.Decision.Kind), r.Status.String()).Inc()
}
