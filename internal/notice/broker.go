// Package notice carries worker-facing notices (status changes, lost races)
// to whatever renders them.
package notice

import (
	"sync"
	"time"

	"driverlink/internal/metrics"
)

type Kind string

const (
	KindReconnecting  Kind = "reconnecting"
	KindConnected     Kind = "connected"
	KindSessionFailed Kind = "session_failed"
	KindLostRace      Kind = "lost_race"
	KindOffer         Kind = "offer"
	KindOfferClosed   Kind = "offer_closed"
	KindUnreachable   Kind = "unreachable"
)

type Notice struct {
	Kind    Kind           `json:"kind"`
	Message string         `json:"message"`
	OfferID string         `json:"offerId,omitempty"`
	At      time.Time      `json:"at"`
	Data    map[string]any `json:"data,omitempty"`
}

// EventBroker fans notices out per topic (the worker id). Publish never
// blocks; a subscriber that falls behind loses notices.
type EventBroker interface {
	Subscribe(topic string) chan Notice
	Unsubscribe(topic string, ch chan Notice)
	Publish(topic string, n Notice)
}

type Broker struct {
	mu   sync.Mutex
	subs map[string]map[chan Notice]struct{}
}

func NewBroker() *Broker {
	return &Broker{subs: map[string]map[chan Notice]struct{}{}}
}

func (b *Broker) Subscribe(topic string) chan Notice {
	ch := make(chan Notice, 8)
	b.mu.Lock()
	if b.subs[topic] == nil {
		b.subs[topic] = map[chan Notice]struct{}{}
	}
	b.subs[topic][ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Broker) Unsubscribe(topic string, ch chan Notice) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.subs[topic]
	if _, ok := m[ch]; !ok {
		return
	}
	delete(m, ch)
	if len(m) == 0 {
		delete(b.subs, topic)
	}
	close(ch)
}

func (b *Broker) Publish(topic string, n Notice) {
	if n.At.IsZero() {
		n.At = time.Now()
	}
	metrics.Notices.WithLabelValues(string(n.Kind)).Inc()
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[topic] {
		select {
		case ch <- n:
		default:
		}
	}
}
