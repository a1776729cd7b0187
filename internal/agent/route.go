package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"driverlink/internal/conn"
	"driverlink/internal/decision"
	"driverlink/internal/model"
	"driverlink/internal/notice"
)

// route consumes manager events until ctx ends.
func (a *Agent) route(ctx context.Context) {
	events := a.manager.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			a.handle(ctx, ev)
		}
	}
}

func (a *Agent) handle(ctx context.Context, ev conn.Event) {
	switch ev.Kind {
	case conn.EventConnected:
		a.monitor.Start(ev.Session)
		a.outage.Channel(true, time.Now())
		a.recovered()
		a.spawn(func() { a.flush(ctx) })
		if a.poller != nil {
			// catch offers pushed while the channel was down
			a.poller.Trigger()
		}

	case conn.EventDisconnected:
		a.monitor.Stop()
		a.outage.Channel(false, time.Now())
		a.lost()

	case conn.EventConnectError:
		a.outage.Channel(false, time.Now())
		var authErr *conn.AuthError
		if errors.As(ev.Err, &authErr) {
			a.monitor.Stop()
			a.sessionFailed(authErr)
			return
		}
		a.lost()

	case conn.EventOfferReceived:
		a.offers.Deliver(ev.Payload)

	case conn.EventDecisionAck, conn.EventDecisionFailed:
		if a.emitter.HandleAck(ev) {
			return
		}
		a.late(ev)

	case conn.EventSuperseded:
		a.offers.Superseded(ev.OfferID, ev.Reason)

	case conn.EventPong:
		a.monitor.HandlePong(ev.Pong)
	}
}

// late hands an acknowledgement nobody waited for to the offer controller.
func (a *Agent) late(ev conn.Event) {
	switch {
	case ev.Kind == conn.EventDecisionAck:
		a.offers.Acknowledged(ev.OfferID, ev.Decision)
	case ev.Conflict:
		a.offers.Decided(decision.Result{
			Status:   decision.Conflict,
			Decision: model.Decision{OfferID: ev.OfferID, Kind: model.DecisionAccept},
			Err:      &decision.DecisionConflictError{OfferID: ev.OfferID, Message: ev.Message},
		})
	default:
		a.logger.Info("late ride error", "offer", ev.OfferID, "message", ev.Message)
	}
}

func (a *Agent) flush(ctx context.Context) {
	results, err := a.emitter.Flush(ctx)
	if err != nil && ctx.Err() == nil {
		a.logger.Error("flush decision outbox", "err", err)
	}
	for _, res := range results {
		a.offers.Decided(res)
	}
}

func (a *Agent) lost() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.streak.since.IsZero() {
		a.streak.since = time.Now()
	}
}

func (a *Agent) recovered() {
	a.mu.Lock()
	surfaced := a.streak.surfaced
	a.streak = streak{}
	a.mu.Unlock()
	if surfaced {
		a.publish(notice.Notice{Kind: notice.KindConnected, Message: "Back online"})
	}
}

func (a *Agent) sessionFailed(err *conn.AuthError) {
	a.mu.Lock()
	already := a.streak.failed
	a.streak.failed = true
	a.mu.Unlock()
	if already {
		return
	}
	a.publish(notice.Notice{Kind: notice.KindSessionFailed, Message: "Signed out: " + err.Reason})
}

// surface turns long outages into worker-facing notices and, when both the
// channel and the poll are down, one out-of-band alert.
func (a *Agent) surface(ctx context.Context) {
	every := a.cfg.Surface.ConnectionStreak / 6
	if every <= 0 || every > 5*time.Second {
		every = 5 * time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			a.checkStreak(now)
			if !a.outage.Due(now) {
				continue
			}
			body := "Dispatch unreachable, " + a.outage.Describe(now)
			a.publish(notice.Notice{Kind: notice.KindUnreachable, Message: body})
			if a.alerts != nil {
				a.spawn(func() {
					_ = a.alerts.Send(ctx, "Connection problem", body, map[string]string{"kind": "outage"})
				})
			}
		}
	}
}

func (a *Agent) checkStreak(now time.Time) {
	a.mu.Lock()
	since := a.streak.since
	due := !since.IsZero() && !a.streak.surfaced && !a.streak.failed && now.Sub(since) >= a.cfg.Surface.ConnectionStreak
	if due {
		a.streak.surfaced = true
	}
	a.mu.Unlock()
	if due {
		a.publish(notice.Notice{
			Kind:    notice.KindReconnecting,
			Message: fmt.Sprintf("Reconnecting (offline %s)", now.Sub(since).Round(time.Second)),
		})
	}
}

func (a *Agent) publish(n notice.Notice) {
	a.notices.Publish(a.identity.UserID, n)
}
