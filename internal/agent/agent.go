// Package agent assembles the dispatch client: network observer, session,
// heartbeat, offer controller, decision emitter, poll fallback and the
// worker-facing notices. Start and Stop bound the lifetime of everything.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"cosmossdk.io/log"

	"driverlink/internal/api"
	"driverlink/internal/auth"
	"driverlink/internal/backoff"
	"driverlink/internal/config"
	"driverlink/internal/conn"
	"driverlink/internal/decision"
	"driverlink/internal/heartbeat"
	"driverlink/internal/location"
	"driverlink/internal/model"
	"driverlink/internal/netobs"
	"driverlink/internal/notice"
	"driverlink/internal/notify"
	"driverlink/internal/offer"
	"driverlink/internal/poll"
	"driverlink/internal/store"
)

// Deps overrides the collaborators the agent would otherwise build from
// config. Every field is optional.
type Deps struct {
	Network    netobs.Source
	Store      store.Store
	Notices    notice.EventBroker
	Sound      offer.Alerter
	HTTPClient *http.Client
}

// Status is a point-in-time view for status output.
type Status struct {
	Identity  model.Identity        `json:"identity"`
	Session   model.Session         `json:"session"`
	Network   model.NetworkState    `json:"network"`
	Heartbeat model.HeartbeatRecord `json:"heartbeat"`
	Offer     offer.Snapshot        `json:"offer"`
}

type Agent struct {
	cfg    *config.Config
	deps   Deps
	logger log.Logger

	tokens   *auth.Holder
	api      *api.Client
	store    store.Store
	notices  notice.EventBroker
	observer *netobs.Observer
	manager  *conn.Manager
	monitor  *heartbeat.Monitor
	emitter  *decision.Emitter
	offers   *offer.Controller
	poller   *poll.Poller
	reporter *location.Reporter
	alerts   *notify.Alerter
	outage   *notify.Outage

	mu       sync.Mutex
	identity model.Identity
	started  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	streak   streak
	closers  []func() error
}

// streak tracks an unbroken run of not-connected time.
type streak struct {
	since    time.Time
	surfaced bool
	failed   bool
}

func New(cfg *config.Config, deps Deps, logger log.Logger) *Agent {
	return &Agent{cfg: cfg, deps: deps, logger: logger.With("module", "agent")}
}

// Start resolves the worker, opens the store and the session and starts
// every background loop. It returns an *conn.AuthError when the server
// rejects the worker; transient connection failures are retried in the
// background.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return errors.New("agent: already started")
	}
	a.started = true
	a.mu.Unlock()

	if err := a.build(ctx); err != nil {
		a.closeAll()
		a.mu.Lock()
		a.started = false
		a.mu.Unlock()
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	a.mu.Lock()
	a.cancel = cancel
	a.mu.Unlock()

	a.spawn(func() { _ = a.observer.Run(runCtx) })
	a.spawn(func() { _ = a.offers.Run(runCtx) })
	a.spawn(func() { a.route(runCtx) })
	a.spawn(func() { a.surface(runCtx) })
	if a.poller != nil {
		a.spawn(func() { _ = a.poller.Run(runCtx) })
	}
	if a.reporter != nil {
		a.spawn(func() { _ = a.reporter.Run(runCtx) })
	}
	if a.alerts != nil {
		a.spawn(func() {
			if err := a.alerts.Register(runCtx, a.identity.UserID, "driverlink"); err != nil && runCtx.Err() == nil {
				a.logger.Error("push token registration failed", "err", err)
			}
		})
	}

	_, err := a.manager.Connect(ctx, a.identity)
	var (
		authErr    *conn.AuthError
		offlineErr *conn.NetworkUnavailableError
	)
	switch {
	case err == nil:
	case errors.As(err, &authErr):
		a.Stop()
		return err
	case errors.As(err, &offlineErr):
		a.logger.Info("offline, waiting for network before connecting")
		ch, unsub := a.observer.Subscribe()
		a.spawn(func() {
			defer unsub()
			a.connectWhenReachable(runCtx, ch)
		})
	default:
		a.logger.Info("first connect attempt failed, retrying", "err", err)
	}
	return nil
}

// Stop ends the session and waits for every goroutine Start launched.
func (a *Agent) Stop() {
	a.mu.Lock()
	if !a.started {
		a.mu.Unlock()
		return
	}
	a.started = false
	cancel := a.cancel
	a.cancel = nil
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	a.manager.Disconnect()
	a.monitor.Stop()
	a.wg.Wait()
	a.closeAll()
	a.logger.Info("agent stopped")
}

func (a *Agent) Status() Status {
	a.mu.Lock()
	id := a.identity
	a.mu.Unlock()
	return Status{
		Identity:  id,
		Session:   a.manager.Snapshot(),
		Network:   a.observer.Current(),
		Heartbeat: a.monitor.Record(),
		Offer:     a.offers.Snapshot(),
	}
}

func (a *Agent) Accept(ctx context.Context) error { return a.offers.Accept(ctx) }

func (a *Agent) Reject(ctx context.Context) error { return a.offers.Reject(ctx) }

// Offers streams offer snapshots.
func (a *Agent) Offers() <-chan offer.Snapshot { return a.offers.Updates() }

// Notices subscribes to the worker's notices; call the returned func to
// unsubscribe.
func (a *Agent) Notices() (<-chan notice.Notice, func()) {
	topic := a.identity.UserID
	ch := a.notices.Subscribe(topic)
	return ch, func() { a.notices.Unsubscribe(topic, ch) }
}

// ForceReconnect drops the current transport by hand.
func (a *Agent) ForceReconnect() bool {
	s := a.manager.Snapshot()
	return a.manager.ForceReconnect(s.ID, errors.New("manual reconnect"))
}

func (a *Agent) build(ctx context.Context) error {
	cfg := a.cfg
	token, err := auth.LoadToken(cfg.Auth.Token, cfg.Auth.TokenFile)
	if err != nil {
		return err
	}
	a.tokens = auth.NewHolder(token)

	opts := []api.Option{api.WithTokenSource(a.tokens), api.WithLogger(a.logger)}
	if a.deps.HTTPClient != nil {
		opts = append(opts, api.WithHTTPClient(a.deps.HTTPClient))
	}
	a.api = api.New(cfg.Server.APIBase, opts...)

	id, err := auth.Resolve(ctx, token, cfg.Auth.WorkerID, cfg.Server.UserType, a.api)
	if err != nil {
		return err
	}
	a.identity = id
	a.logger.Info("worker resolved", "worker", id.UserID, "name", id.Name)

	if err := a.openStore(ctx); err != nil {
		return err
	}
	if err := a.openNotices(); err != nil {
		return err
	}
	a.buildNetwork()

	a.manager = conn.New(conn.Options{
		URL:              cfg.Server.ChannelURL,
		HandshakeTimeout: cfg.Connection.HandshakeTimeout,
		Backoff: backoff.Policy{
			Base:          cfg.Connection.BackoffBase,
			Max:           cfg.Connection.BackoffMax,
			Randomization: cfg.Connection.Randomization,
		},
		WakeInterval: cfg.Connection.WakeInterval,
		WakeBurst:    cfg.Connection.WakeBurst,
		Tokens:       a.tokens,
	}, a.observer, a.logger)

	a.monitor = heartbeat.New(heartbeat.Options{
		Interval:       cfg.Heartbeat.Interval,
		PongTimeout:    cfg.Heartbeat.PongTimeout,
		StaleThreshold: cfg.Heartbeat.StaleThreshold,
	}, a.manager, a.manager, a.observer, a.logger)

	a.emitter = decision.New(decision.Options{
		AckTimeout:   cfg.Decision.AckTimeout,
		RESTFallback: cfg.Decision.RESTFallback,
	}, a.manager, a.api, a.store, a.logger)

	a.offers = offer.New(offer.Options{
		TTL:       cfg.Offer.TTL,
		Grace:     cfg.Offer.Grace,
		Policy:    offer.Policy(cfg.Offer.Policy),
		WorkerID:  id.UserID,
		Retention: cfg.Store.Retention,
	}, a.emitter, a.deps.Sound, a.store, a.notices, a.logger)

	a.outage = notify.NewOutage(cfg.Surface.ConnectionStreak)
	if cfg.Poll.Enabled {
		a.poller = poll.New(poll.Options{
			DriverID: id.UserID,
			Interval: cfg.Poll.Interval,
			Timeout:  cfg.Poll.Timeout,
			Mode:     poll.Mode(cfg.Poll.Mode),
		}, a.api, a.offers, a.manager, a.logger)
		a.poller.OnResult(func(_ poll.Result, err error) {
			a.outage.Poll(err == nil, time.Now())
		})
	}

	if cfg.Location.Enabled {
		a.reporter = location.New(location.Options{
			Interval:  cfg.Location.Interval,
			Retries:   cfg.Location.Retries,
			RetryStep: cfg.Location.RetryStep,
		}, a.api, location.File(cfg.Location.File), a.logger)
	}

	if cfg.Notify.Enabled {
		base := cfg.Notify.BaseURL
		if base == "" {
			base = cfg.Server.APIBase
		}
		nopts := []api.Option{api.WithSigningSecret(cfg.Notify.Secret), api.WithLogger(a.logger)}
		if a.deps.HTTPClient != nil {
			nopts = append(nopts, api.WithHTTPClient(a.deps.HTTPClient))
		}
		a.alerts = notify.New(api.New(base, nopts...), cfg.Notify.PushToken, cfg.Notify.Attempts, a.logger)
	}
	return nil
}

func (a *Agent) openStore(ctx context.Context) error {
	if a.deps.Store != nil {
		a.store = a.deps.Store
	} else {
		st, err := store.Open(a.cfg.Store.DSN)
		if err != nil {
			return err
		}
		a.store = st
		a.closers = append(a.closers, st.Close)
	}
	if err := a.store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}
	if n, err := a.store.PruneOffers(ctx, time.Now().Add(-a.cfg.Store.Retention)); err != nil {
		a.logger.Error("prune offer ledger", "err", err)
	} else if n > 0 {
		a.logger.Debug("pruned offer ledger", "rows", n)
	}
	return nil
}

func (a *Agent) openNotices() error {
	switch {
	case a.deps.Notices != nil:
		a.notices = a.deps.Notices
	case a.cfg.Notice.RedisURL != "":
		rb, err := notice.NewRedisBroker(a.cfg.Notice.RedisURL, a.cfg.Notice.Channel, a.logger)
		if err != nil {
			return fmt.Errorf("notice broker: %w", err)
		}
		a.notices = rb
		a.closers = append(a.closers, rb.Close)
	default:
		a.notices = notice.NewBroker()
	}
	return nil
}

func (a *Agent) buildNetwork() {
	src := a.deps.Network
	initial := netobs.Online
	if src == nil && a.cfg.Network.StateFile != "" {
		fs := netobs.NewFileSource(a.cfg.Network.StateFile, a.logger)
		if ns, err := fs.ReadState(); err == nil {
			initial = ns
		} else {
			a.logger.Info("network state file unreadable, assuming online", "err", err)
		}
		src = fs
	}
	if src == nil {
		src = netobs.NewChanSource()
	}
	a.observer = netobs.New(src, a.cfg.Network.Debounce, initial, a.logger)
}

func (a *Agent) closeAll() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Error("close", "err", err)
		}
	}
	a.closers = nil
}

func (a *Agent) spawn(fn func()) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		fn()
	}()
}

// connectWhenReachable retries Connect each time the network comes back
// until one attempt gets past the reachability check.
func (a *Agent) connectWhenReachable(ctx context.Context, ch <-chan model.NetworkState) {
	ns := a.observer.Current()
	for {
		if ns.Reachable {
			_, err := a.manager.Connect(ctx, a.identity)
			var offline *conn.NetworkUnavailableError
			if !errors.As(err, &offline) {
				if err != nil && !errors.Is(err, context.Canceled) {
					a.logger.Info("connect after network restore", "err", err)
				}
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case ns = <-ch:
		}
	}
}
