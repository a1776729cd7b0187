// Package dispatchtest is an in-process dispatch server speaking the channel
// and REST protocols, for tests and local demos.
package dispatchtest

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"driverlink/internal/api"
	"driverlink/internal/model"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}

type peer struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (p *peer) send(event string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return p.conn.WriteJSON(model.Frame{Event: event, Data: raw})
}

// Server records every inbound frame and answers like the real dispatch
// server. Behaviour switches are safe to flip while clients are connected.
type Server struct {
	mu            sync.Mutex
	peers         map[*peer]struct{}
	frames        []model.Frame
	notify        chan struct{}
	handshakes    int
	upgradeStatus int
	rejectAuth    bool
	skipConfirm   bool
	autoPong      bool
	autoAck       bool
	bareConfirm   bool
	conflicts     map[string]bool
	pollRides     []map[string]any
	pollStatus    string
	pollFailing   bool
	polls         int
	fallbacks     []string
	locations     []api.Location
	notifications []api.Notification
	tokens        []api.RegisterToken
	partner       api.Partner
}

func New() *Server {
	return &Server{
		peers:     map[*peer]struct{}{},
		notify:    make(chan struct{}),
		autoPong:  true,
		autoAck:   true,
		conflicts: map[string]bool{},
		partner:   api.Partner{ID: "driver-1", Name: "Test Driver"},
	}
}

// Handler serves /ws plus the REST endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("POST /api/v1/rides/driver/poll-rides", s.handlePoll)
	mux.HandleFunc("POST /api/v1/rider/rider-end-fallback/{rideId}", s.handleFallback)
	mux.HandleFunc("GET /api/v1/rider/user-details", s.handleUserDetails)
	mux.HandleFunc("POST /webhook/cab-receive-location", s.handleLocation)
	mux.HandleFunc("POST /register-token", s.handleRegisterToken)
	mux.HandleFunc("POST /send-notification", s.handleNotification)
	return mux
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	status := s.upgradeStatus
	s.mu.Unlock()
	if status != 0 {
		http.Error(w, http.StatusText(status), status)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	p := &peer{conn: conn}
	s.mu.Lock()
	s.peers[p] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.peers, p)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	conn.SetReadLimit(1 << 20)
	for {
		var f model.Frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		s.record(f)
		s.answer(p, f)
	}
}

func (s *Server) answer(p *peer, f model.Frame) {
	s.mu.Lock()
	rejectAuth, skipConfirm, autoPong, autoAck, bareConfirm := s.rejectAuth, s.skipConfirm, s.autoPong, s.autoAck, s.bareConfirm
	s.mu.Unlock()

	switch f.Event {
	case model.EventDriverConnect:
		var dc model.DriverConnect
		_ = json.Unmarshal(f.Data, &dc)
		s.mu.Lock()
		s.handshakes++
		s.mu.Unlock()
		switch {
		case rejectAuth:
			_ = p.send(model.EventConnectionError, model.ConnectionErrorMessage{Error: "invalid driver"})
		case !skipConfirm:
			_ = p.send(model.EventConnectionConfirmed, model.ConnectionConfirmed{Status: "ok", UserID: dc.UserID})
		}
	case model.EventPing:
		if !autoPong {
			return
		}
		var ping model.Ping
		_ = json.Unmarshal(f.Data, &ping)
		var pong model.Pong
		pong.Echo.Time = ping.Time
		pong.Authenticated = true
		_ = p.send(model.EventPong, pong)
	case model.EventRideAccepted:
		var ra model.RideAccepted
		_ = json.Unmarshal(f.Data, &ra)
		s.mu.Lock()
		conflict := s.conflicts[ra.Data.RideRequestID]
		s.mu.Unlock()
		if conflict {
			_ = p.send(model.EventRideError, model.RideError{Message: "Ride has already been accepted by another rider"})
			return
		}
		if !autoAck {
			return
		}
		confirm := model.RiderConfirm{Message: "You have successfully accepted the ride!"}
		if !bareConfirm {
			confirm.RideDetails = &model.RideDetails{ID: ra.Data.RideRequestID, RideStatus: "accepted", TempRideID: "tmp-" + ra.Data.RideRequestID}
		}
		_ = p.send(model.EventRiderConfirm, confirm)
	case model.EventRideRejected:
		var rr model.RideRejected
		_ = json.Unmarshal(f.Data, &rr)
		if autoAck {
			_ = p.send(model.EventRejectionConfirmed, model.RejectionConfirmed{RideID: rr.RideID, Message: "Ride rejected"})
		}
	}
}

func (s *Server) record(f model.Frame) {
	s.mu.Lock()
	s.frames = append(s.frames, f)
	close(s.notify)
	s.notify = make(chan struct{})
	s.mu.Unlock()
}

// Push sends an event to every connected client.
func (s *Server) Push(event string, data any) int {
	s.mu.Lock()
	peers := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()
	n := 0
	for _, p := range peers {
		if p.send(event, data) == nil {
			n++
		}
	}
	return n
}

// PushOffer sends ride_come.
func (s *Server) PushOffer(offer map[string]any) int {
	return s.Push(model.EventRideCome, offer)
}

// DropAll closes every client connection from the server side.
func (s *Server) DropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for p := range s.peers {
		_ = p.conn.Close()
	}
}

// Peers is the number of open client connections.
func (s *Server) Peers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// Frames returns the inbound frames named event, in arrival order.
func (s *Server) Frames(event string) []model.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Frame
	for _, f := range s.frames {
		if f.Event == event {
			out = append(out, f)
		}
	}
	return out
}

// WaitFrames blocks until at least n frames named event arrived or timeout.
func (s *Server) WaitFrames(event string, n int, timeout time.Duration) []model.Frame {
	deadline := time.After(timeout)
	for {
		s.mu.Lock()
		ch := s.notify
		s.mu.Unlock()
		if got := s.Frames(event); len(got) >= n {
			return got
		}
		select {
		case <-ch:
		case <-deadline:
			return s.Frames(event)
		}
	}
}

func (s *Server) Handshakes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handshakes
}

func (s *Server) SetUpgradeStatus(code int) { s.set(func() { s.upgradeStatus = code }) }
func (s *Server) SetRejectAuth(v bool)      { s.set(func() { s.rejectAuth = v }) }
func (s *Server) SetSkipConfirm(v bool)     { s.set(func() { s.skipConfirm = v }) }
func (s *Server) SetAutoPong(v bool)        { s.set(func() { s.autoPong = v }) }
func (s *Server) SetAutoAck(v bool)         { s.set(func() { s.autoAck = v }) }

// SetBareConfirm makes accept confirmations carry only the message.
func (s *Server) SetBareConfirm(v bool) { s.set(func() { s.bareConfirm = v }) }
func (s *Server) SetConflict(offerID string) {
	s.set(func() { s.conflicts[offerID] = true })
}
func (s *Server) SetPollFailing(v bool) { s.set(func() { s.pollFailing = v }) }
func (s *Server) SetPollRides(status string, rides ...map[string]any) {
	s.set(func() {
		s.pollStatus = status
		s.pollRides = rides
	})
}

func (s *Server) set(fn func()) {
	s.mu.Lock()
	fn()
	s.mu.Unlock()
}

func (s *Server) Polls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.polls
}

func (s *Server) Fallbacks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.fallbacks...)
}

func (s *Server) Locations() []api.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]api.Location(nil), s.locations...)
}

func (s *Server) Notifications() []api.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]api.Notification(nil), s.notifications...)
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.polls++
	failing := s.pollFailing
	rides := append([]map[string]any{}, s.pollRides...)
	resp := map[string]any{"success": true, "rides": rides, "driverStatus": s.pollStatus}
	s.mu.Unlock()
	if failing {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"success": false, "message": "poll unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleFallback(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("rideId")
	s.mu.Lock()
	conflict := s.conflicts[id]
	if !conflict {
		s.fallbacks = append(s.fallbacks, id)
	}
	s.mu.Unlock()
	if conflict {
		writeJSON(w, http.StatusConflict, map[string]any{"message": "Ride has already been accepted"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleUserDetails(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"message": "missing token"})
		return
	}
	s.mu.Lock()
	p := s.partner
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, api.UserDetails{Partner: p})
}

func (s *Server) handleLocation(w http.ResponseWriter, r *http.Request) {
	var loc api.Location
	if err := json.NewDecoder(r.Body).Decode(&loc); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": err.Error()})
		return
	}
	s.set(func() { s.locations = append(s.locations, loc) })
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRegisterToken(w http.ResponseWriter, r *http.Request) {
	var req api.RegisterToken
	_ = json.NewDecoder(r.Body).Decode(&req)
	s.set(func() { s.tokens = append(s.tokens, req) })
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleNotification(w http.ResponseWriter, r *http.Request) {
	var n api.Notification
	_ = json.NewDecoder(r.Body).Decode(&n)
	s.set(func() { s.notifications = append(s.notifications, n) })
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
