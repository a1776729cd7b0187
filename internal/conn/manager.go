// Package conn owns the single logical session to the dispatch server.
package conn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"cosmossdk.io/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"driverlink/internal/backoff"
	"driverlink/internal/buildinfo"
	"driverlink/internal/metrics"
	"driverlink/internal/model"
)

const (
	writeTimeout = 10 * time.Second
	maxFrameSize = 1 << 20
	eventBuffer  = 256
)

// Reachability is the network observer as seen by the manager.
type Reachability interface {
	Current() model.NetworkState
	Subscribe() (<-chan model.NetworkState, func())
}

type TokenSource interface {
	Token() string
}

type Options struct {
	URL              string
	HandshakeTimeout time.Duration
	Backoff          backoff.Policy
	// WakeInterval and WakeBurst bound how often restored reachability may
	// cut a backoff wait short.
	WakeInterval time.Duration
	WakeBurst    int
	Tokens       TokenSource
	Dialer       *websocket.Dialer
}

// Manager is the only writer of the Session. Other components read
// snapshots and consume Events.
type Manager struct {
	opts    Options
	reach   Reachability
	logger  log.Logger
	seq     *backoff.Sequence
	limiter *rate.Limiter
	events  chan Event
	forceCh chan string

	mu       sync.Mutex
	session  model.Session
	identity model.Identity
	conn     *websocket.Conn
	forcedID string
	running  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	writeMu sync.Mutex
}

func New(opts Options, reach Reachability, logger log.Logger) *Manager {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 20 * time.Second
	}
	if opts.WakeInterval <= 0 {
		opts.WakeInterval = time.Second
	}
	if opts.WakeBurst <= 0 {
		opts.WakeBurst = 1
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.HandshakeTimeout,
		}
	}
	m := &Manager{
		opts:    opts,
		reach:   reach,
		logger:  logger.With("module", "conn"),
		seq:     backoff.New(opts.Backoff),
		limiter: rate.NewLimiter(rate.Every(opts.WakeInterval), opts.WakeBurst),
		events:  make(chan Event, eventBuffer),
		forceCh: make(chan string, 1),
		session: model.Session{State: model.SessionDisconnected},
	}
	metrics.SetSessionState(string(model.SessionDisconnected))
	return m
}

// Events delivers lifecycle and routed channel events in arrival order.
func (m *Manager) Events() <-chan Event { return m.events }

func (m *Manager) Snapshot() model.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// Connect opens the session for id. It returns after the first attempt:
// nil on success, *AuthError when rejected, or *ConnectionError while the
// manager keeps retrying in the background. It fails fast with
// *NetworkUnavailableError when the device is offline.
func (m *Manager) Connect(ctx context.Context, id model.Identity) (model.Session, error) {
	if ns := m.reach.Current(); !ns.Reachable {
		metrics.ConnectErrors.WithLabelValues("network").Inc()
		return m.Snapshot(), &NetworkUnavailableError{State: ns}
	}

	m.mu.Lock()
	if m.running {
		s := m.session
		m.mu.Unlock()
		return s, ErrAlreadyOpen
	}
	if m.cancel != nil {
		// left over from a session that failed on its own
		m.cancel()
	}
	runCtx, cancel := context.WithCancel(context.Background())
	m.running = true
	m.cancel = cancel
	m.identity = id
	m.session = model.Session{UserID: id.UserID}
	m.setStateLocked(model.SessionConnecting, "")
	m.wg.Add(1)
	m.mu.Unlock()

	m.seq.Reset()
	first := make(chan error, 1)
	go m.run(runCtx, first)

	select {
	case err := <-first:
		return m.Snapshot(), err
	case <-ctx.Done():
		return m.Snapshot(), ctx.Err()
	}
}

// Disconnect ends the session and waits for every goroutine the manager
// started. It is safe to call more than once.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	cancel := m.cancel
	c := m.conn
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if c != nil {
		_ = c.Close()
	}
	m.wg.Wait()

	m.mu.Lock()
	m.running = false
	m.cancel = nil
	m.conn = nil
	if m.session.State != model.SessionFailed {
		m.setStateLocked(model.SessionDisconnected, "")
	}
	m.mu.Unlock()
}

// ForceReconnect drops the transport of session sessionID. Requests for an
// older session, or repeated ones for the same session, are ignored.
func (m *Manager) ForceReconnect(sessionID string, reason error) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session.State != model.SessionConnected || m.session.ID != sessionID || m.forcedID == sessionID {
		return false
	}
	m.forcedID = sessionID
	why := "forced"
	if reason != nil {
		why = reason.Error()
	}
	select {
	case m.forceCh <- why:
	default:
	}
	m.logger.Info("forced reconnect", "session", sessionID, "reason", why)
	return true
}

// Send writes one event on the live channel.
func (m *Manager) Send(ctx context.Context, event string, payload any) error {
	m.mu.Lock()
	c := m.conn
	ok := m.session.State == model.SessionConnected
	m.mu.Unlock()
	if !ok || c == nil {
		return ErrNotConnected
	}
	return m.write(ctx, c, event, payload)
}

func (m *Manager) run(ctx context.Context, first chan<- error) {
	defer m.wg.Done()
	netCh, unsub := m.reach.Subscribe()
	defer unsub()

	report := func(err error) {
		if first != nil {
			first <- err
			first = nil
		}
	}
	defer report(ErrClosed)

	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			return
		}
		if ns := m.reach.Current(); !ns.Reachable {
			m.setState(model.SessionReconnecting, "network unavailable")
			report(&NetworkUnavailableError{State: ns})
			if !m.waitReachable(ctx, netCh) {
				return
			}
		}
		if attempt > 0 {
			metrics.ReconnectAttempts.Inc()
		}

		c, early, err := m.open(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			var authErr *AuthError
			if errors.As(err, &authErr) {
				metrics.ConnectErrors.WithLabelValues("auth").Inc()
				snap := m.fail(err)
				m.logger.Error("session failed", "err", err)
				m.emit(ctx, Event{Kind: EventConnectError, Err: err, Session: snap})
				report(err)
				return
			}
			cerr := &ConnectionError{Attempt: m.seq.Attempt() + 1, Err: err}
			metrics.ConnectErrors.WithLabelValues("transient").Inc()
			snap := m.setState(model.SessionReconnecting, cerr.Error())
			m.logger.Info("connect failed", "attempt", cerr.Attempt, "err", err)
			m.emit(ctx, Event{Kind: EventConnectError, Err: cerr, Session: snap})
			report(cerr)
			if !m.waitBackoff(ctx, netCh) {
				return
			}
			continue
		}

		m.seq.Reset()
		snap := m.connected(c)
		m.logger.Info("connected", "session", snap.ID, "user", snap.UserID)
		m.emit(ctx, Event{Kind: EventConnected, Session: snap})
		report(nil)
		for _, f := range early {
			m.route(ctx, f)
		}

		reason := m.serve(ctx, c)
		stopping := ctx.Err() != nil
		state := model.SessionReconnecting
		if stopping {
			state = model.SessionDisconnected
		}
		snap = m.disconnected(state, reason)
		m.logger.Info("disconnected", "session", snap.ID, "reason", reason)
		m.emit(ctx, Event{Kind: EventDisconnected, Reason: reason, Session: snap})
		if stopping || !m.waitBackoff(ctx, netCh) {
			return
		}
	}
}

// open dials and performs the driver_connect handshake. Frames that arrive
// before the confirmation are returned for routing once Connected is out.
func (m *Manager) open(ctx context.Context) (*websocket.Conn, []model.Frame, error) {
	hdr := http.Header{}
	hdr.Set("User-Agent", buildinfo.UserAgent())
	if m.opts.Tokens != nil {
		if tok := m.opts.Tokens.Token(); tok != "" {
			hdr.Set("Authorization", "Bearer "+tok)
		}
	}
	dialCtx, cancel := context.WithTimeout(ctx, m.opts.HandshakeTimeout)
	defer cancel()
	c, resp, err := m.opts.Dialer.DialContext(dialCtx, m.opts.URL, hdr)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, nil, &AuthError{Status: resp.StatusCode, Reason: http.StatusText(resp.StatusCode)}
		}
		return nil, nil, fmt.Errorf("dial: %w", err)
	}
	c.SetReadLimit(maxFrameSize)

	m.mu.Lock()
	m.conn = c
	id := m.identity
	m.mu.Unlock()
	if ctx.Err() != nil {
		_ = c.Close()
		return nil, nil, ctx.Err()
	}

	early, err := m.handshake(ctx, c, id)
	if err != nil {
		_ = c.Close()
		m.mu.Lock()
		m.conn = nil
		m.mu.Unlock()
		return nil, nil, err
	}
	return c, early, nil
}

func (m *Manager) handshake(ctx context.Context, c *websocket.Conn, id model.Identity) ([]model.Frame, error) {
	_ = c.SetReadDeadline(time.Now().Add(m.opts.HandshakeTimeout))
	if err := m.write(ctx, c, model.EventDriverConnect, model.DriverConnect{UserType: id.UserType, UserID: id.UserID}); err != nil {
		return nil, fmt.Errorf("handshake: %w", err)
	}
	var early []model.Frame
	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("handshake: %w", err)
		}
		var f model.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			m.logger.Debug("dropping malformed frame", "err", err)
			continue
		}
		switch f.Event {
		case model.EventConnectionConfirmed:
			_ = c.SetReadDeadline(time.Time{})
			return early, nil
		case model.EventConnectionError:
			var msg model.ConnectionErrorMessage
			_ = json.Unmarshal(f.Data, &msg)
			reason := msg.Error
			if reason == "" {
				reason = msg.Message
			}
			return nil, &AuthError{Reason: reason}
		default:
			early = append(early, f)
		}
	}
}

// serve reads until the transport dies, a reconnect is forced or ctx ends,
// and returns the reason.
func (m *Manager) serve(ctx context.Context, c *websocket.Conn) string {
	readerDone := make(chan error, 1)
	go func() {
		for {
			_, data, err := c.ReadMessage()
			if err != nil {
				readerDone <- err
				return
			}
			var f model.Frame
			if err := json.Unmarshal(data, &f); err != nil {
				m.logger.Debug("dropping malformed frame", "err", err)
				continue
			}
			m.route(ctx, f)
		}
	}()

	var reason string
	select {
	case err := <-readerDone:
		reason = "transport closed: " + err.Error()
		_ = c.Close()
		return reason
	case why := <-m.forceCh:
		reason = why
	case <-ctx.Done():
		reason = "client disconnect"
	}
	_ = c.Close()
	<-readerDone
	return reason
}

func (m *Manager) route(ctx context.Context, f model.Frame) {
	ev, ok := decode(f)
	if !ok {
		m.logger.Debug("unhandled event", "event", f.Event)
		return
	}
	ev.Session = m.Snapshot()
	m.emit(ctx, ev)
}

func (m *Manager) write(ctx context.Context, c *websocket.Conn, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	frame, err := json.Marshal(model.Frame{Event: event, Data: data})
	if err != nil {
		return err
	}
	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_ = c.SetWriteDeadline(deadline)
	if err := c.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("send %s: %w", event, err)
	}
	return nil
}

func (m *Manager) waitReachable(ctx context.Context, netCh <-chan model.NetworkState) bool {
	for !m.reach.Current().Reachable {
		select {
		case <-ctx.Done():
			return false
		case <-netCh:
		}
	}
	return m.limiter.Wait(ctx) == nil
}

// waitBackoff sleeps for the next delay. Restored reachability cuts the wait
// short, subject to the wake limiter; losing reachability ends it so the
// caller parks without consuming further delays.
func (m *Manager) waitBackoff(ctx context.Context, netCh <-chan model.NetworkState) bool {
	d := m.seq.Next()
	m.mu.Lock()
	m.session.ReconnectAttempt = m.seq.Attempt()
	m.mu.Unlock()
	m.logger.Debug("reconnect scheduled", "in", d, "attempt", m.seq.Attempt())

	t := time.NewTimer(d)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-t.C:
			return true
		case ns := <-netCh:
			if !ns.Reachable {
				return true
			}
			if m.limiter.Allow() {
				m.logger.Info("network restored, reconnecting now")
				return true
			}
		}
	}
}

func (m *Manager) emit(ctx context.Context, ev Event) {
	select {
	case m.events <- ev:
	case <-ctx.Done():
		select {
		case m.events <- ev:
		default:
		}
	}
}

func (m *Manager) connected(c *websocket.Conn) model.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	// drop a force request aimed at the previous transport
	select {
	case <-m.forceCh:
	default:
	}
	now := time.Now()
	m.conn = c
	m.session.ID = uuid.NewString()
	m.session.TransportName = "websocket"
	m.session.ConnectedAt = &now
	m.session.ReconnectAttempt = 0
	m.session.LastError = ""
	m.setStateLocked(model.SessionConnected, "")
	return m.session
}

func (m *Manager) disconnected(state model.SessionState, reason string) model.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	m.conn = nil
	m.session.ConnectedAt = nil
	m.session.LastDisconnectAt = &now
	m.setStateLocked(state, reason)
	return m.session
}

func (m *Manager) fail(err error) model.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = false
	m.conn = nil
	m.setStateLocked(model.SessionFailed, err.Error())
	return m.session
}

func (m *Manager) setState(state model.SessionState, lastErr string) model.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setStateLocked(state, lastErr)
	return m.session
}

func (m *Manager) setStateLocked(state model.SessionState, lastErr string) {
	m.session.State = state
	if lastErr != "" {
		m.session.LastError = lastErr
	}
	metrics.SetSessionState(string(state))
}
