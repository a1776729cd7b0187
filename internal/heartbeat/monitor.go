// Package heartbeat detects wedged transports with an application level
// ping/pong and asks the connection manager to reconnect.
package heartbeat

import (
	"context"
	"sync"
	"time"

	"cosmossdk.io/log"

	"driverlink/internal/conn"
	"driverlink/internal/metrics"
	"driverlink/internal/model"
)

type Sender interface {
	Send(ctx context.Context, event string, payload any) error
}

type Reconnector interface {
	ForceReconnect(sessionID string, reason error) bool
}

type NetworkState interface {
	Current() model.NetworkState
}

type Options struct {
	Interval       time.Duration
	PongTimeout    time.Duration
	StaleThreshold uint
}

// Monitor runs one ping loop per session. Start on Connected, Stop on
// Disconnected.
type Monitor struct {
	opts   Options
	sender Sender
	reconn Reconnector
	net    NetworkState
	logger log.Logger

	mu          sync.Mutex
	rec         model.HeartbeatRecord
	outstanding int64
	lastSent    int64
	sessionID   string
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

func New(opts Options, sender Sender, reconn Reconnector, net NetworkState, logger log.Logger) *Monitor {
	if opts.StaleThreshold == 0 {
		opts.StaleThreshold = 3
	}
	return &Monitor{
		opts:   opts,
		sender: sender,
		reconn: reconn,
		net:    net,
		logger: logger.With("module", "heartbeat"),
		rec:    model.HeartbeatRecord{StaleThreshold: opts.StaleThreshold},
	}
}

// Start begins pinging for session, replacing any previous loop.
func (m *Monitor) Start(session model.Session) {
	m.Stop()
	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.cancel = cancel
	m.sessionID = session.ID
	m.outstanding = 0
	m.rec = model.HeartbeatRecord{StaleThreshold: m.opts.StaleThreshold}
	m.wg.Add(1)
	m.mu.Unlock()
	go m.loop(ctx, session)
}

// Stop halts the loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}

func (m *Monitor) Record() model.HeartbeatRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rec
}

// HandlePong clears the outstanding ping when p echoes it. Pongs for older
// pings are ignored.
func (m *Monitor) HandlePong(p model.Pong) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.outstanding == 0 || p.Echo.Time != m.outstanding {
		return
	}
	m.outstanding = 0
	m.rec.MissedPongCount = 0
	m.rec.LastPongReceivedAt = now
	m.rec.LastRTT = now.Sub(time.UnixMilli(p.Echo.Time))
	metrics.HeartbeatRTT.Observe(float64(m.rec.LastRTT.Milliseconds()))
}

func (m *Monitor) loop(ctx context.Context, session model.Session) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()
	pongTimer := time.NewTimer(time.Hour)
	pongTimer.Stop()
	defer pongTimer.Stop()

	var sent int64
	ping := func() {
		sent = m.ping(ctx, session)
		if sent != 0 {
			pongTimer.Reset(m.opts.PongTimeout)
		}
	}
	ping()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ping()
		case <-pongTimer.C:
			if m.missed(sent) {
				m.logger.Info("transport stale, forcing reconnect", "session", session.ID, "missed", m.opts.StaleThreshold)
				metrics.StaleDetections.Inc()
				m.reconn.ForceReconnect(session.ID, &conn.StaleTransportError{SessionID: session.ID, Missed: m.opts.StaleThreshold})
				// idle until restarted for the next session
				<-ctx.Done()
				return
			}
		}
	}
}

// ping sends one ping-custom and returns its time.
func (m *Monitor) ping(ctx context.Context, session model.Session) int64 {
	now := time.Now()
	m.mu.Lock()
	t := now.UnixMilli()
	if t <= m.lastSent {
		t = m.lastSent + 1
	}
	m.lastSent = t
	m.outstanding = t
	m.rec.LastPingSentAt = now
	m.mu.Unlock()

	ns := m.net.Current()
	msg := model.Ping{
		Time:          t,
		TransportInfo: model.TransportInfo{Name: session.TransportName, ReadyState: "open"},
		NetworkState: model.PingNetworkState{
			IsConnected:         ns.Reachable,
			IsInternetReachable: ns.InternetReachable,
			Type:                string(ns.TransportType),
		},
	}
	sendCtx, cancel := context.WithTimeout(ctx, m.opts.PongTimeout)
	defer cancel()
	if err := m.sender.Send(sendCtx, model.EventPing, msg); err != nil {
		// an unsendable ping counts as unanswered
		m.logger.Debug("ping not sent", "err", err)
	}
	return t
}

// missed settles ping t after its timeout and reports whether the stale
// threshold has been reached.
func (m *Monitor) missed(t int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.outstanding != t {
		return false
	}
	m.outstanding = 0
	m.rec.MissedPongCount++
	metrics.MissedPongs.Inc()
	m.logger.Debug("pong missed", "ping", t, "missed", m.rec.MissedPongCount)
	return m.rec.MissedPongCount >= m.opts.StaleThreshold
}
