package decision

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"cosmossdk.io/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"driverlink/internal/api"
	"driverlink/internal/conn"
	"driverlink/internal/model"
	"driverlink/internal/store"
)

type sent struct {
	event   string
	payload any
}

type fakeChannel struct {
	mu        sync.Mutex
	connected bool
	frames    []sent
	// reply, when set, is run for every send
	reply func(event string, payload any)
}

func (c *fakeChannel) Send(_ context.Context, event string, payload any) error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return conn.ErrNotConnected
	}
	c.frames = append(c.frames, sent{event, payload})
	reply := c.reply
	c.mu.Unlock()
	if reply != nil {
		go reply(event, payload)
	}
	return nil
}

func (c *fakeChannel) Snapshot() model.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return model.Session{State: model.SessionConnected}
	}
	return model.Session{State: model.SessionReconnecting}
}

func (c *fakeChannel) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

func (c *fakeChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

type fakeFallback struct {
	mu    sync.Mutex
	calls [][2]string
	err   error
}

func (f *fakeFallback) AcceptFallback(_ context.Context, rideID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, [2]string{rideID, userID})
	return f.err
}

func testOffer(t *testing.T, ttl time.Duration) model.Offer {
	t.Helper()
	raw := json.RawMessage(`{"requestId":"r1","pickup_desc":"A","drop_desc":"B","price":"12.5","user":{"_id":"u9"},
		"riders":[{"id":"w1","name":"Sam","vehicleName":"Swift","vehicleNumber":"KA01","vehicleType":"cab","price":12.5,"eta":4}]}`)
	o, err := model.ParseOffer(raw, model.SourcePush, time.Now(), ttl)
	require.NoError(t, err)
	return o
}

func ackAll(e **Emitter) func(string, any) {
	return func(event string, payload any) {
		switch p := payload.(type) {
		case model.RideAccepted:
			(*e).HandleAck(conn.Event{Kind: conn.EventDecisionAck, Decision: model.DecisionAccept, OfferID: p.Data.RideRequestID})
		case model.RideRejected:
			(*e).HandleAck(conn.Event{Kind: conn.EventDecisionAck, Decision: model.DecisionReject, OfferID: p.RideID})
		}
	}
}

func newEmitter(ch *fakeChannel, fb FallbackClient, ob Outbox, restFallback bool) *Emitter {
	return New(Options{AckTimeout: 40 * time.Millisecond, RESTFallback: restFallback}, ch, fb, ob, log.NewNopLogger())
}

func TestAcceptAcknowledged(t *testing.T) {
	ch := &fakeChannel{connected: true}
	var e *Emitter
	e = newEmitter(ch, nil, nil, false)
	ch.reply = ackAll(&e)

	d := model.NewDecision(testOffer(t, time.Minute), model.DecisionAccept, "", "w1", time.Now())
	res := e.Submit(context.Background(), d)
	require.Equal(t, Acked, res.Status, res.Err)
	assert.True(t, res.Decision.Acknowledged)
	assert.Equal(t, 1, res.Decision.Attempts)
	assert.True(t, res.Delivered())

	frame := ch.frames[0]
	assert.Equal(t, model.EventRideAccepted, frame.event)
	data := frame.payload.(model.RideAccepted).Data
	assert.Equal(t, "r1", data.RideRequestID)
	assert.Equal(t, "w1", data.RiderID)
	assert.Equal(t, "u9", data.UserID)
	assert.Equal(t, "Sam", data.RiderName)
}

func TestRetriedOnceWithoutAck(t *testing.T) {
	ch := &fakeChannel{connected: true}
	e := newEmitter(ch, nil, nil, false)

	d := model.NewDecision(testOffer(t, time.Minute), model.DecisionReject, model.ReasonManual, "w1", time.Now())
	res := e.Submit(context.Background(), d)
	require.Equal(t, TimedOut, res.Status)
	assert.Equal(t, 2, ch.count())
	var te *TimeoutError
	require.ErrorAs(t, res.Err, &te)
	assert.Equal(t, 2, te.Attempts)

	frame := ch.frames[0].payload.(model.RideRejected)
	assert.Equal(t, "r1", frame.RideID)
	assert.Equal(t, "w1", frame.DriverID)
	assert.Equal(t, model.ReasonManual, frame.Reason)
}

func TestSecondAttemptAcknowledged(t *testing.T) {
	ch := &fakeChannel{connected: true}
	var e *Emitter
	e = newEmitter(ch, nil, nil, false)
	var n int
	var mu sync.Mutex
	ch.reply = func(event string, payload any) {
		mu.Lock()
		n++
		first := n == 1
		mu.Unlock()
		if !first {
			ackAll(&e)(event, payload)
		}
	}
	d := model.NewDecision(testOffer(t, time.Minute), model.DecisionAccept, "", "w1", time.Now())
	res := e.Submit(context.Background(), d)
	require.Equal(t, Acked, res.Status)
	assert.Equal(t, 2, res.Decision.Attempts)
}

func TestConflictReported(t *testing.T) {
	ch := &fakeChannel{connected: true}
	var e *Emitter
	e = newEmitter(ch, nil, nil, false)
	ch.reply = func(string, any) {
		e.HandleAck(conn.Event{Kind: conn.EventDecisionFailed, OfferID: "r1", Message: "Ride has already been accepted", Conflict: true})
	}
	res := e.Submit(context.Background(), model.NewDecision(testOffer(t, time.Minute), model.DecisionAccept, "", "w1", time.Now()))
	require.Equal(t, Conflict, res.Status)
	var ce *DecisionConflictError
	require.ErrorAs(t, res.Err, &ce)
	assert.Equal(t, "r1", ce.OfferID)
}

func TestRideErrorWithoutConflict(t *testing.T) {
	ch := &fakeChannel{connected: true}
	var e *Emitter
	e = newEmitter(ch, nil, nil, false)
	ch.reply = func(string, any) {
		e.HandleAck(conn.Event{Kind: conn.EventDecisionFailed, OfferID: "r1", Message: "wallet empty"})
	}
	res := e.Submit(context.Background(), model.NewDecision(testOffer(t, time.Minute), model.DecisionAccept, "", "w1", time.Now()))
	require.Equal(t, Failed, res.Status)
	var re *RejectedError
	require.ErrorAs(t, res.Err, &re)
}

func TestLateAckNotClaimed(t *testing.T) {
	e := newEmitter(&fakeChannel{connected: true}, nil, nil, false)
	assert.False(t, e.HandleAck(conn.Event{Kind: conn.EventDecisionAck, Decision: model.DecisionAccept, OfferID: "r1"}))
}

func TestRejectDroppedWhileDisconnected(t *testing.T) {
	ch := &fakeChannel{}
	mem := store.NewMemory()
	e := newEmitter(ch, &fakeFallback{}, mem, true)
	res := e.Submit(context.Background(), model.NewDecision(testOffer(t, time.Minute), model.DecisionReject, model.ReasonTimeout, "w1", time.Now()))
	assert.Equal(t, Dropped, res.Status)
	assert.Zero(t, ch.count())
	pending, err := mem.PendingDecisions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestAcceptUsesRESTFallbackWhileDisconnected(t *testing.T) {
	fb := &fakeFallback{}
	e := newEmitter(&fakeChannel{}, fb, store.NewMemory(), true)
	res := e.Submit(context.Background(), model.NewDecision(testOffer(t, time.Minute), model.DecisionAccept, "", "w1", time.Now()))
	require.Equal(t, Fallback, res.Status)
	assert.Equal(t, [][2]string{{"r1", "u9"}}, fb.calls)
}

func TestFallbackConflict(t *testing.T) {
	fb := &fakeFallback{err: &api.APIError{Method: http.MethodPost, Path: "/x", Status: http.StatusConflict, Message: "taken"}}
	e := newEmitter(&fakeChannel{}, fb, store.NewMemory(), true)
	res := e.Submit(context.Background(), model.NewDecision(testOffer(t, time.Minute), model.DecisionAccept, "", "w1", time.Now()))
	assert.Equal(t, Conflict, res.Status)
}

func TestAcceptQueuedAndFlushedOnReconnect(t *testing.T) {
	ctx := context.Background()
	ch := &fakeChannel{}
	mem := store.NewMemory()
	fb := &fakeFallback{err: errors.New("offline")}
	var e *Emitter
	e = newEmitter(ch, fb, mem, true)
	ch.reply = ackAll(&e)

	res := e.Submit(ctx, model.NewDecision(testOffer(t, time.Minute), model.DecisionAccept, "", "w1", time.Now()))
	require.Equal(t, Queued, res.Status)
	pending, err := mem.PendingDecisions(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	ch.setConnected(true)
	out, err := e.Flush(ctx)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, Acked, out[0].Status)
	pending, err = mem.PendingDecisions(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestFlushDropsExpiredEntries(t *testing.T) {
	ctx := context.Background()
	ch := &fakeChannel{}
	mem := store.NewMemory()
	e := newEmitter(ch, nil, mem, false)

	o := testOffer(t, time.Minute)
	d := model.NewDecision(o, model.DecisionAccept, "", "w1", time.Now())
	require.Equal(t, Queued, e.Submit(ctx, d).Status)

	e.now = func() time.Time { return o.ExpiresAt.Add(time.Second) }
	ch.setConnected(true)
	out, err := e.Flush(ctx)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, Dropped, out[0].Status)
	assert.Zero(t, ch.count())
}

func TestSendFailureMidSessionFallsBackOffline(t *testing.T) {
	ch := &fakeChannel{connected: true}
	mem := store.NewMemory()
	e := newEmitter(ch, nil, mem, false)
	ch.reply = func(string, any) { ch.setConnected(false) }

	res := e.Submit(context.Background(), model.NewDecision(testOffer(t, time.Minute), model.DecisionAccept, "", "w1", time.Now()))
	assert.Equal(t, Queued, res.Status)
}

func TestServerRepliesWithoutOfferID(t *testing.T) {
	cases := []struct {
		name  string
		reply conn.Event
		want  Status
	}{
		{"confirm", conn.Event{Kind: conn.EventDecisionAck, Decision: model.DecisionAccept, Message: "You have successfully accepted the ride!"}, Acked},
		{"confirm for the ride request", conn.Event{Kind: conn.EventDecisionAck, Decision: model.DecisionAccept, OfferID: "T9"}, Acked},
		{"lost race", conn.Event{Kind: conn.EventDecisionFailed, Message: "Ride has already been accepted by another rider", Conflict: true}, Conflict},
		{"refused", conn.Event{Kind: conn.EventDecisionFailed, Message: "wallet empty"}, Failed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ch := &fakeChannel{connected: true}
			var e *Emitter
			e = newEmitter(ch, nil, nil, false)
			ch.reply = func(string, any) { e.HandleAck(tc.reply) }

			res := e.Submit(context.Background(), model.NewDecision(testOffer(t, time.Minute), model.DecisionAccept, "", "w1", time.Now()))
			require.Equal(t, tc.want, res.Status, res.Err)
			assert.Equal(t, 1, ch.count())
			assert.Equal(t, "r1", res.Decision.OfferID)
		})
	}
}

func TestAnonymousReplyNeedsOneCandidate(t *testing.T) {
	e := newEmitter(&fakeChannel{connected: true}, nil, nil, false)
	o := testOffer(t, time.Minute)
	reject := e.register(model.NewDecision(o, model.DecisionReject, model.ReasonReplaced, "w1", time.Now()))

	// a confirmation for an accept cannot answer a pending reject
	assert.False(t, e.HandleAck(conn.Event{Kind: conn.EventDecisionAck, Decision: model.DecisionAccept}))
	assert.False(t, e.HandleAck(conn.Event{Kind: conn.EventDecisionFailed, Conflict: true, Message: "already been accepted"}))

	o2 := o
	o2.ID = "r2"
	accept := e.register(model.NewDecision(o2, model.DecisionAccept, "", "w1", time.Now()))
	// two waiters, but only one is an accept
	require.True(t, e.HandleAck(conn.Event{Kind: conn.EventDecisionAck, Decision: model.DecisionAccept}))
	assert.Len(t, accept.ch, 1)
	assert.Empty(t, reject.ch)

	// an unnamed refusal could answer either of two waiters
	e.register(model.NewDecision(o2, model.DecisionAccept, "", "w1", time.Now()))
	assert.False(t, e.HandleAck(conn.Event{Kind: conn.EventDecisionFailed, Message: "wallet empty"}))
}
