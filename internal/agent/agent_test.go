package agent

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"cosmossdk.io/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"driverlink/internal/config"
	"driverlink/internal/conn"
	"driverlink/internal/dispatchtest"
	"driverlink/internal/model"
	"driverlink/internal/netobs"
	"driverlink/internal/notice"
	"driverlink/internal/offer"
	"driverlink/internal/store"
)

func testConfig(hs *httptest.Server) *config.Config {
	cfg := config.Default()
	cfg.Server.ChannelURL = dispatchtest.WSURL(hs)
	cfg.Server.APIBase = hs.URL
	cfg.Auth.Token = "test-token"
	cfg.Connection.HandshakeTimeout = time.Second
	cfg.Connection.BackoffBase = 20 * time.Millisecond
	cfg.Connection.BackoffMax = 80 * time.Millisecond
	cfg.Connection.WakeInterval = 10 * time.Millisecond
	cfg.Heartbeat.Interval = time.Hour
	cfg.Heartbeat.PongTimeout = time.Second
	cfg.Network.Debounce = 5 * time.Millisecond
	cfg.Offer.Grace = time.Hour
	cfg.Decision.AckTimeout = 200 * time.Millisecond
	cfg.Poll.Interval = time.Hour
	cfg.Surface.ConnectionStreak = 50 * time.Millisecond
	return cfg
}

func startAgent(t *testing.T, cfg *config.Config, deps Deps) *Agent {
	t.Helper()
	a := New(cfg, deps, log.NewNopLogger())
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(a.Stop)
	return a
}

func waitConnected(t *testing.T, a *Agent) model.Session {
	t.Helper()
	require.Eventually(t, func() bool { return a.Status().Session.Connected() }, 2*time.Second, 5*time.Millisecond)
	return a.Status().Session
}

func waitOffer(t *testing.T, a *Agent, cond func(offer.Snapshot) bool) offer.Snapshot {
	t.Helper()
	require.Eventually(t, func() bool { return cond(a.Status().Offer) }, 2*time.Second, 5*time.Millisecond)
	return a.Status().Offer
}

func ride(id string) map[string]any {
	return map[string]any{"requestId": id, "pickup_desc": "Central Station", "drop_desc": "Airport T2", "price": "21.00"}
}

func pendingWith(id string) func(offer.Snapshot) bool {
	return func(s offer.Snapshot) bool { return s.State == offer.Pending && s.Offer != nil && s.Offer.ID == id }
}

func TestStartResolvesWorkerAndConnects(t *testing.T) {
	srv, hs := dispatchtest.Start(t)
	a := startAgent(t, testConfig(hs), Deps{})
	s := waitConnected(t, a)
	assert.Equal(t, "driver-1", s.UserID)
	assert.Equal(t, "driver-1", a.Status().Identity.UserID)
	assert.Equal(t, 1, srv.Handshakes())
}

func TestPushedOfferAcceptedAndAcknowledged(t *testing.T) {
	srv, hs := dispatchtest.Start(t)
	cfg := testConfig(hs)
	cfg.Auth.WorkerID = "w1"
	a := startAgent(t, cfg, Deps{})
	waitConnected(t, a)

	srv.PushOffer(ride("o1"))
	waitOffer(t, a, pendingWith("o1"))
	require.NoError(t, a.Accept(context.Background()))
	snap := waitOffer(t, a, func(s offer.Snapshot) bool { return s.State == offer.Resolved })
	assert.Equal(t, model.OfferAccepted, snap.Offer.Status)

	frames := srv.Frames(model.EventRideAccepted)
	require.Len(t, frames, 1)
	assert.Contains(t, string(frames[0].Data), `"ride_request_id":"o1"`)
	assert.Contains(t, string(frames[0].Data), `"rider_id":"w1"`)
}

func TestAcceptAcknowledgedByMessageOnlyConfirm(t *testing.T) {
	srv, hs := dispatchtest.Start(t)
	srv.SetBareConfirm(true)
	a := startAgent(t, testConfig(hs), Deps{})
	waitConnected(t, a)

	srv.PushOffer(ride("o1"))
	waitOffer(t, a, pendingWith("o1"))
	require.NoError(t, a.Accept(context.Background()))
	snap := waitOffer(t, a, func(s offer.Snapshot) bool { return s.State == offer.Resolved })
	assert.Equal(t, "o1", snap.Offer.ID)
	assert.Equal(t, model.OfferAccepted, snap.Offer.Status)
	assert.Len(t, srv.Frames(model.EventRideAccepted), 1)
}

func TestPollDuplicateIgnored(t *testing.T) {
	srv, hs := dispatchtest.Start(t)
	cfg := testConfig(hs)
	cfg.Poll.Interval = 20 * time.Millisecond
	a := startAgent(t, cfg, Deps{})
	waitConnected(t, a)

	srv.PushOffer(ride("o1"))
	first := waitOffer(t, a, pendingWith("o1"))
	srv.SetPollRides("", ride("o1"))
	require.Eventually(t, func() bool { return srv.Polls() >= 2 }, 2*time.Second, 5*time.Millisecond)

	now := a.Status().Offer
	assert.Equal(t, offer.Pending, now.State)
	assert.Equal(t, model.SourcePush, now.Offer.Source)
	assert.Equal(t, first.Offer.ExpiresAt, now.Offer.ExpiresAt)
}

func TestDropMidCountdownPollRedeliveryIsNoop(t *testing.T) {
	srv, hs := dispatchtest.Start(t)
	cfg := testConfig(hs)
	cfg.Poll.Interval = 20 * time.Millisecond
	a := startAgent(t, cfg, Deps{})
	first := waitConnected(t, a)

	srv.PushOffer(ride("o1"))
	pending := waitOffer(t, a, pendingWith("o1"))
	srv.SetPollRides("", ride("o1"))
	srv.DropAll()

	require.Eventually(t, func() bool {
		s := a.Status().Session
		return s.Connected() && s.ID != first.ID
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return srv.Polls() >= 2 }, 2*time.Second, 5*time.Millisecond)

	now := a.Status().Offer
	assert.Equal(t, offer.Pending, now.State)
	assert.Equal(t, pending.Offer.ExpiresAt, now.Offer.ExpiresAt)
	assert.Equal(t, 2, srv.Handshakes())
}

func TestConflictSurfacesLostRace(t *testing.T) {
	srv, hs := dispatchtest.Start(t)
	a := startAgent(t, testConfig(hs), Deps{})
	waitConnected(t, a)
	notices, unsub := a.Notices()
	defer unsub()

	srv.SetConflict("o1")
	srv.PushOffer(ride("o1"))
	waitOffer(t, a, pendingWith("o1"))
	require.NoError(t, a.Accept(context.Background()))
	snap := waitOffer(t, a, func(s offer.Snapshot) bool { return s.State == offer.Resolved })
	assert.Equal(t, model.OfferSuperseded, snap.Offer.Status)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case n := <-notices:
			if n.Kind == notice.KindLostRace {
				assert.Equal(t, "o1", n.OfferID)
				return
			}
		case <-deadline:
			t.Fatal("no lost race notice")
		}
	}
}

func TestRideCancelledSupersedes(t *testing.T) {
	srv, hs := dispatchtest.Start(t)
	a := startAgent(t, testConfig(hs), Deps{})
	waitConnected(t, a)

	srv.PushOffer(ride("o1"))
	waitOffer(t, a, pendingWith("o1"))
	srv.Push(model.EventRideCancelled, model.RideCancelled{RideRequestID: "o1", Reason: "rider cancelled"})
	snap := waitOffer(t, a, func(s offer.Snapshot) bool { return s.State == offer.Resolved })
	assert.Equal(t, model.OfferSuperseded, snap.Offer.Status)
	assert.Empty(t, srv.Frames(model.EventRideRejected))
}

func TestCountdownExpirySendsTimeoutReject(t *testing.T) {
	srv, hs := dispatchtest.Start(t)
	cfg := testConfig(hs)
	cfg.Offer.TTL = 100 * time.Millisecond
	a := startAgent(t, cfg, Deps{})
	waitConnected(t, a)

	srv.PushOffer(ride("o1"))
	snap := waitOffer(t, a, func(s offer.Snapshot) bool { return s.State == offer.Resolved })
	assert.Equal(t, model.OfferExpired, snap.Offer.Status)
	frames := srv.WaitFrames(model.EventRideRejected, 1, 2*time.Second)
	require.Len(t, frames, 1)
	assert.Contains(t, string(frames[0].Data), `"reason":"timeout"`)
}

func TestStaleHeartbeatForcesReconnect(t *testing.T) {
	srv, hs := dispatchtest.Start(t)
	srv.SetAutoPong(false)
	cfg := testConfig(hs)
	cfg.Heartbeat.Interval = 30 * time.Millisecond
	cfg.Heartbeat.PongTimeout = 10 * time.Millisecond
	a := startAgent(t, cfg, Deps{})
	first := waitConnected(t, a)

	require.Eventually(t, func() bool { return srv.Handshakes() >= 2 }, 3*time.Second, 5*time.Millisecond)
	srv.SetAutoPong(true)
	require.Eventually(t, func() bool {
		s := a.Status().Session
		return s.Connected() && s.ID != first.ID
	}, 2*time.Second, 5*time.Millisecond)
}

func TestAuthRejectionFailsStart(t *testing.T) {
	srv, hs := dispatchtest.Start(t)
	srv.SetRejectAuth(true)
	cfg := testConfig(hs)
	a := New(cfg, Deps{}, log.NewNopLogger())
	err := a.Start(context.Background())
	var authErr *conn.AuthError
	require.ErrorAs(t, err, &authErr)
	a.Stop()
}

func TestOfflineStartConnectsWhenNetworkReturns(t *testing.T) {
	srv, hs := dispatchtest.Start(t)
	net := netobs.NewChanSource()
	cfg := testConfig(hs)
	a := New(cfg, Deps{Network: net}, log.NewNopLogger())
	net.Push(model.NetworkState{Reachable: false, TransportType: model.TransportNone})
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(a.Stop)

	// the first sample may land before or after the initial connect
	require.Eventually(t, func() bool { return !a.Status().Network.Reachable }, time.Second, 2*time.Millisecond)
	net.Push(model.NetworkState{Reachable: true, InternetReachable: true, TransportType: model.TransportWifi})
	waitConnected(t, a)
	assert.GreaterOrEqual(t, srv.Handshakes(), 1)
}

func TestAcceptWhileDisconnectedUsesRESTFallback(t *testing.T) {
	srv, hs := dispatchtest.Start(t)
	cfg := testConfig(hs)
	cfg.Connection.BackoffBase = time.Hour
	cfg.Connection.BackoffMax = time.Hour
	a := startAgent(t, cfg, Deps{})
	waitConnected(t, a)

	srv.PushOffer(ride("o1"))
	waitOffer(t, a, pendingWith("o1"))
	srv.DropAll()
	require.Eventually(t, func() bool { return !a.Status().Session.Connected() }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, a.Accept(context.Background()))
	snap := waitOffer(t, a, func(s offer.Snapshot) bool { return s.State == offer.Resolved })
	assert.Equal(t, model.OfferAccepted, snap.Offer.Status)
	assert.Equal(t, []string{"o1"}, srv.Fallbacks())
}

func TestQueuedAcceptFlushedOnReconnect(t *testing.T) {
	srv, hs := dispatchtest.Start(t)
	cfg := testConfig(hs)
	cfg.Decision.RESTFallback = false
	mem := store.NewMemory()
	a := startAgent(t, cfg, Deps{Store: mem})
	waitConnected(t, a)

	srv.PushOffer(ride("o1"))
	waitOffer(t, a, pendingWith("o1"))
	srv.SetUpgradeStatus(503)
	srv.DropAll()
	require.Eventually(t, func() bool { return !a.Status().Session.Connected() }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, a.Accept(context.Background()))
	require.Eventually(t, func() bool {
		p, _ := mem.PendingDecisions(context.Background())
		return len(p) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, offer.Deciding, a.Status().Offer.State)

	srv.SetUpgradeStatus(0)
	snap := waitOffer(t, a, func(s offer.Snapshot) bool { return s.State == offer.Resolved })
	assert.Equal(t, model.OfferAccepted, snap.Offer.Status)
	require.Len(t, srv.Frames(model.EventRideAccepted), 1)
}

func TestLongOutageSurfacesReconnectingNotice(t *testing.T) {
	srv, hs := dispatchtest.Start(t)
	cfg := testConfig(hs)
	a := startAgent(t, cfg, Deps{})
	waitConnected(t, a)
	notices, unsub := a.Notices()
	defer unsub()

	srv.SetUpgradeStatus(503)
	srv.DropAll()

	deadline := time.After(3 * time.Second)
	for got := false; !got; {
		select {
		case n := <-notices:
			got = n.Kind == notice.KindReconnecting
		case <-deadline:
			t.Fatal("no reconnecting notice")
		}
	}

	srv.SetUpgradeStatus(0)
	for {
		select {
		case n := <-notices:
			if n.Kind == notice.KindConnected {
				return
			}
		case <-deadline:
			t.Fatal("no connected notice")
		}
	}
}

func TestOutageSendsOneAlert(t *testing.T) {
	srv, hs := dispatchtest.Start(t)
	cfg := testConfig(hs)
	cfg.Poll.Interval = 10 * time.Millisecond
	cfg.Notify.Enabled = true
	cfg.Notify.PushToken = "device-token"
	cfg.Notify.Secret = "s3cret"
	a := startAgent(t, cfg, Deps{})
	waitConnected(t, a)
	notices, unsub := a.Notices()
	defer unsub()

	srv.SetPollFailing(true)
	srv.SetUpgradeStatus(503)
	srv.DropAll()

	require.Eventually(t, func() bool { return len(srv.Notifications()) == 1 }, 3*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	require.Len(t, srv.Notifications(), 1)
	assert.Equal(t, "device-token", srv.Notifications()[0].Token)

	unreachable := 0
	for len(notices) > 0 {
		if n := <-notices; n.Kind == notice.KindUnreachable {
			unreachable++
		}
	}
	assert.Equal(t, 1, unreachable)
}
