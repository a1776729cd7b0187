// Package offer owns the lifecycle of dispatch offers: dedup across push and
// poll, the countdown, the worker's decision and the display grace period.
package offer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"cosmossdk.io/log"

	"driverlink/internal/decision"
	"driverlink/internal/metrics"
	"driverlink/internal/model"
	"driverlink/internal/notice"
)

type Submitter interface {
	Submit(ctx context.Context, d model.Decision) decision.Result
}

// Alerter plays the sound or raises the notification for a new offer.
type Alerter interface {
	OfferArrived(o model.Offer)
}

type Ledger interface {
	RecordOffer(ctx context.Context, rec model.OfferRecord) error
	TerminalOffers(ctx context.Context, since time.Time) ([]string, error)
}

type Publisher interface {
	Publish(topic string, n notice.Notice)
}

type Options struct {
	TTL       time.Duration
	Grace     time.Duration
	Policy    Policy
	WorkerID  string
	Retention time.Duration
}

// Controller is a single goroutine state machine. Every input goes through
// one ordered inbox; readers see published snapshots.
type Controller struct {
	opts    Options
	submit  Submitter
	alerter Alerter
	ledger  Ledger
	notices Publisher
	logger  log.Logger
	now     func() time.Time

	inbox   chan command
	updates chan Snapshot
	snap    atomic.Pointer[Snapshot]
	done    chan struct{}
	wg      sync.WaitGroup

	// owned by the run goroutine
	state     State
	current   *model.Offer
	deciding  model.DecisionKind
	message   string
	terminal  map[string]time.Time
	countdown *time.Timer
	grace     *time.Timer
	// unconfirmed is an offer that expired with its accept still in flight.
	unconfirmed *model.Offer
}

// New builds a controller. alerter, ledger and notices may be nil.
func New(opts Options, submit Submitter, alerter Alerter, ledger Ledger, notices Publisher, logger log.Logger) *Controller {
	if opts.TTL <= 0 {
		opts.TTL = model.DefaultOfferTTL
	}
	if opts.Policy == "" {
		opts.Policy = FirstWins
	}
	if opts.Retention <= 0 {
		opts.Retention = 30 * time.Minute
	}
	c := &Controller{
		opts:     opts,
		submit:   submit,
		alerter:  alerter,
		ledger:   ledger,
		notices:  notices,
		logger:   logger.With("module", "offer"),
		now:      time.Now,
		inbox:    make(chan command, 64),
		updates:  make(chan Snapshot, 16),
		done:     make(chan struct{}),
		terminal: make(map[string]time.Time),
	}
	c.snap.Store(&Snapshot{State: Idle})
	return c
}

func (c *Controller) Snapshot() Snapshot { return *c.snap.Load() }

// Updates streams snapshots as they change. The oldest pending update is
// dropped when the reader falls behind.
func (c *Controller) Updates() <-chan Snapshot { return c.updates }

// Deliver feeds a raw ride_come payload from the live channel.
func (c *Controller) Deliver(raw json.RawMessage) {
	c.enqueue(delivered{raw: raw, src: model.SourcePush})
}

// DeliverPolled feeds an offer returned by the poll fallback.
func (c *Controller) DeliverPolled(p model.OfferPayload) {
	c.enqueue(delivered{payload: &p, src: model.SourcePoll})
}

// Accept answers the pending offer. It fails with ErrNoPendingOffer when
// there is nothing to answer.
func (c *Controller) Accept(ctx context.Context) error {
	return c.ask(ctx, model.DecisionAccept)
}

func (c *Controller) Reject(ctx context.Context) error {
	return c.ask(ctx, model.DecisionReject)
}

// Superseded closes offerID without a decision.
func (c *Controller) Superseded(offerID, reason string) {
	c.enqueue(superseded{offerID: offerID, reason: reason})
}

// Acknowledged routes a decision acknowledgement that arrived after its
// waiter gave up.
func (c *Controller) Acknowledged(offerID string, kind model.DecisionKind) {
	c.enqueue(decided{offerID: offerID, res: decision.Result{Status: decision.Acked, Decision: model.Decision{OfferID: offerID, Kind: kind, Acknowledged: true}}})
}

// Decided reports the outcome of a decision delivered outside Accept and
// Reject, such as a flushed outbox entry.
func (c *Controller) Decided(res decision.Result) {
	c.enqueue(decided{offerID: res.Decision.OfferID, res: res})
}

// Run owns the offer state until ctx ends. Terminal ids inside the retention
// window are loaded from the ledger first.
func (c *Controller) Run(ctx context.Context) error {
	defer close(c.done)
	if c.ledger != nil {
		ids, err := c.ledger.TerminalOffers(ctx, c.now().Add(-c.opts.Retention))
		if err != nil {
			c.logger.Error("load offer ledger", "err", err)
		}
		for _, id := range ids {
			c.terminal[id] = c.now()
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		c.stopTimers()
		c.wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd := <-c.inbox:
			cmd.apply(runCtx, c)
		case <-c.timerC(c.countdown):
			c.expire(runCtx)
		case <-c.timerC(c.grace):
			c.grace = nil
			c.state, c.current, c.message = Idle, nil, ""
			c.prune()
		}
		c.publish()
	}
}

func (c *Controller) timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func (c *Controller) enqueue(cmd command) {
	select {
	case c.inbox <- cmd:
	case <-c.done:
	}
}

func (c *Controller) ask(ctx context.Context, kind model.DecisionKind) error {
	reply := make(chan error, 1)
	select {
	case c.inbox <- decide{kind: kind, reply: reply}:
	case <-c.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-c.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

type command interface {
	apply(ctx context.Context, c *Controller)
}

type delivered struct {
	raw     json.RawMessage
	payload *model.OfferPayload
	src     model.Source
}

func (d delivered) apply(ctx context.Context, c *Controller) {
	now := c.now()
	var (
		o   model.Offer
		err error
	)
	if d.payload != nil {
		o, err = model.NewOffer(*d.payload, d.src, now, c.opts.TTL)
	} else {
		o, err = model.ParseOffer(d.raw, d.src, now, c.opts.TTL)
	}
	if err != nil {
		c.logger.Error("invalid offer", "source", d.src, "err", err)
		metrics.Offers.WithLabelValues(string(d.src), "invalid").Inc()
		return
	}
	c.offer(ctx, o)
}

func (c *Controller) offer(ctx context.Context, o model.Offer) {
	src := string(o.Source)
	if _, ok := c.terminal[o.ID]; ok {
		metrics.Offers.WithLabelValues(src, "terminal").Inc()
		c.logger.Debug("ignoring resolved offer", "offer", o.ID, "source", src)
		return
	}
	if c.current != nil && c.current.ID == o.ID {
		metrics.Offers.WithLabelValues(src, "duplicate").Inc()
		return
	}
	if o.Remaining(c.now()) <= 0 {
		metrics.Offers.WithLabelValues(src, "expired").Inc()
		o.Status = model.OfferExpired
		c.remember(ctx, o)
		return
	}

	switch c.state {
	case Pending:
		if c.opts.Policy == LatestWins {
			displaced := *c.current
			c.logger.Info("offer replaced", "offer", displaced.ID, "by", o.ID)
			c.emit(ctx, displaced, model.DecisionReject, model.ReasonReplaced, false)
			c.resolve(ctx, model.OfferRejected)
			c.stopGrace()
			break
		}
		fallthrough
	case Deciding:
		metrics.Offers.WithLabelValues(src, "busy").Inc()
		c.logger.Info("offer ignored while another is open", "offer", o.ID, "current", c.current.ID)
		return
	case Resolved:
		c.stopGrace()
	}
	c.pend(o)
}

func (c *Controller) pend(o model.Offer) {
	c.state = Pending
	c.current = &o
	c.deciding = ""
	c.message = ""
	c.countdown = time.NewTimer(o.Remaining(c.now()))
	metrics.Offers.WithLabelValues(string(o.Source), "new").Inc()
	c.logger.Info("offer pending", "offer", o.ID, "source", o.Source, "expires", o.ExpiresAt)
	if c.alerter != nil {
		c.alerter.OfferArrived(o)
	}
	c.notify(notice.Notice{Kind: notice.KindOffer, OfferID: o.ID, Message: o.Payload.PickupDesc + " to " + o.Payload.DropDesc})
}

type decide struct {
	kind  model.DecisionKind
	reply chan error
}

func (d decide) apply(ctx context.Context, c *Controller) {
	if c.state != Pending {
		d.reply <- ErrNoPendingOffer
		return
	}
	reason := ""
	if d.kind == model.DecisionReject {
		reason = model.ReasonManual
	}
	c.state = Deciding
	c.deciding = d.kind
	if d.kind == model.DecisionAccept {
		c.unconfirmed = nil
	}
	c.emit(ctx, *c.current, d.kind, reason, true)
	d.reply <- nil
}

// expire handles the countdown reaching zero.
func (c *Controller) expire(ctx context.Context) {
	c.countdown = nil
	if c.current == nil {
		return
	}
	inFlight := c.state == Deciding && c.deciding == model.DecisionAccept
	if c.state == Pending {
		c.emit(ctx, *c.current, model.DecisionReject, model.ReasonTimeout, false)
	}
	c.resolve(ctx, model.OfferExpired)
	if inFlight {
		o := *c.current
		c.unconfirmed = &o
	}
}

type superseded struct {
	offerID string
	reason  string
}

func (s superseded) apply(ctx context.Context, c *Controller) {
	if c.unconfirmed != nil && c.unconfirmed.ID == s.offerID {
		c.unconfirmed = nil
	}
	if c.current == nil || c.current.ID != s.offerID || (c.state != Pending && c.state != Deciding) {
		if _, ok := c.terminal[s.offerID]; !ok && s.offerID != "" {
			c.remember(ctx, model.Offer{ID: s.offerID, Status: model.OfferSuperseded, Source: model.SourcePush})
		}
		return
	}
	c.logger.Info("offer superseded", "offer", s.offerID, "reason", s.reason)
	c.resolve(ctx, model.OfferSuperseded)
}

type decided struct {
	offerID string
	res     decision.Result
}

// An outcome without an offer id belongs to the offer being decided, since
// only one offer is ever open.
func (d decided) apply(ctx context.Context, c *Controller) {
	if c.confirmLate(ctx, d) {
		return
	}
	if c.current == nil || c.state != Deciding || (d.offerID != "" && c.current.ID != d.offerID) {
		c.logger.Debug("decision outcome for closed offer", "offer", d.offerID, "status", d.res.Status)
		return
	}
	kind := d.res.Decision.Kind
	switch d.res.Status {
	case decision.Acked, decision.Fallback:
		if kind != c.deciding {
			return
		}
		if kind == model.DecisionAccept {
			c.resolve(ctx, model.OfferAccepted)
		} else {
			c.resolve(ctx, model.OfferRejected)
		}
	case decision.Conflict:
		c.notify(notice.Notice{Kind: notice.KindLostRace, OfferID: c.current.ID, Message: "This ride was taken by another driver"})
		c.resolve(ctx, model.OfferSuperseded)
	case decision.Failed:
		c.state = Pending
		c.deciding = ""
		if d.res.Err != nil {
			c.message = d.res.Err.Error()
		}
	case decision.Dropped, decision.TimedOut:
		if kind == model.DecisionReject {
			c.resolve(ctx, model.OfferRejected)
		}
		// an undelivered accept stays open until acked or the countdown ends
	case decision.Queued:
	}
}

// confirmLate settles an accept that was still in flight when its countdown
// ran out. A confirmation turns the Expired offer into Accepted.
func (c *Controller) confirmLate(ctx context.Context, d decided) bool {
	u := c.unconfirmed
	if u == nil || d.res.Decision.Kind != model.DecisionAccept || (d.offerID != "" && d.offerID != u.ID) {
		return false
	}
	switch d.res.Status {
	case decision.Acked, decision.Fallback:
		c.unconfirmed = nil
		o := *u
		o.Status = model.OfferAccepted
		if c.current != nil && c.current.ID == o.ID {
			c.current = &o
		}
		c.remember(ctx, o)
		metrics.OffersResolved.WithLabelValues(string(o.Status)).Inc()
		c.logger.Info("accept confirmed after expiry", "offer", o.ID)
		c.notify(notice.Notice{Kind: notice.KindOfferClosed, OfferID: o.ID, Message: string(o.Status)})
		return true
	case decision.Conflict, decision.Failed:
		c.unconfirmed = nil
		return true
	}
	return false
}

// emit submits a decision off the run goroutine. track routes the outcome
// back through the inbox.
func (c *Controller) emit(ctx context.Context, o model.Offer, kind model.DecisionKind, reason string, track bool) {
	if c.submit == nil {
		return
	}
	d := model.NewDecision(o, kind, reason, c.opts.WorkerID, c.now())
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		res := c.submit.Submit(ctx, d)
		if !track {
			return
		}
		select {
		case c.inbox <- decided{offerID: d.OfferID, res: res}:
		case <-ctx.Done():
		}
	}()
}

func (c *Controller) resolve(ctx context.Context, status model.OfferStatus) {
	if c.countdown != nil {
		c.countdown.Stop()
		c.countdown = nil
	}
	o := *c.current
	o.Status = status
	c.current = &o
	c.state = Resolved
	c.deciding = ""
	c.remember(ctx, o)
	metrics.OffersResolved.WithLabelValues(string(status)).Inc()
	c.logger.Info("offer resolved", "offer", o.ID, "status", status)
	c.notify(notice.Notice{Kind: notice.KindOfferClosed, OfferID: o.ID, Message: string(status)})
	c.grace = time.NewTimer(c.opts.Grace)
}

// remember marks o terminal in memory and in the ledger.
func (c *Controller) remember(ctx context.Context, o model.Offer) {
	at := c.now()
	c.terminal[o.ID] = at
	if c.ledger == nil {
		return
	}
	rctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := c.ledger.RecordOffer(rctx, o.Record(at)); err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Error("record offer", "offer", o.ID, "err", err)
	}
}

func (c *Controller) prune() {
	cutoff := c.now().Add(-c.opts.Retention)
	for id, at := range c.terminal {
		if at.Before(cutoff) {
			delete(c.terminal, id)
		}
	}
}

func (c *Controller) stopGrace() {
	if c.grace != nil {
		c.grace.Stop()
		c.grace = nil
	}
}

func (c *Controller) stopTimers() {
	if c.countdown != nil {
		c.countdown.Stop()
		c.countdown = nil
	}
	c.stopGrace()
}

func (c *Controller) notify(n notice.Notice) {
	if c.notices == nil {
		return
	}
	n.At = c.now()
	c.notices.Publish(c.opts.WorkerID, n)
}

func (c *Controller) publish() {
	s := &Snapshot{State: c.state, Decision: c.deciding, Message: c.message, At: c.now()}
	if c.current != nil {
		o := *c.current
		s.Offer = &o
	}
	c.snap.Store(s)
	for {
		select {
		case c.updates <- *s:
			return
		default:
		}
		select {
		case <-c.updates:
		default:
		}
	}
}
