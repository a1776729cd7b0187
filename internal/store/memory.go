package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"driverlink/internal/model"
)

// Memory is an in-process Store; nothing survives a restart.
type Memory struct {
	mu        sync.Mutex
	offers    map[string]model.OfferRecord
	decisions map[string]model.Decision
}

func NewMemory() *Memory {
	return &Memory{offers: map[string]model.OfferRecord{}, decisions: map[string]model.Decision{}}
}

func (m *Memory) RecordOffer(ctx context.Context, rec model.OfferRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	// the first terminal status sticks, except that a confirmed accept
	// replaces an expiry
	if prev, ok := m.offers[rec.OfferID]; ok && !model.ConfirmsExpired(prev.Status, rec.Status) {
		return nil
	}
	m.offers[rec.OfferID] = rec
	return nil
}

func (m *Memory) TerminalOffers(ctx context.Context, since time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []string{}
	for id, r := range m.offers {
		if !r.ResolvedAt.Before(since) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) ListOffers(ctx context.Context, limit int) ([]model.OfferRecord, error) {
	m.mu.Lock()
	out := make([]model.OfferRecord, 0, len(m.offers))
	for _, r := range m.offers {
		out = append(out, r)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ResolvedAt.After(out[j].ResolvedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) PruneOffers(ctx context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, r := range m.offers {
		if r.ResolvedAt.Before(before) {
			delete(m.offers, id)
			n++
		}
	}
	return n, nil
}

func (m *Memory) EnqueueDecision(ctx context.Context, d model.Decision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decisions[d.ID] = d
	return nil
}

func (m *Memory) PendingDecisions(ctx context.Context) ([]model.Decision, error) {
	m.mu.Lock()
	out := make([]model.Decision, 0, len(m.decisions))
	for _, d := range m.decisions {
		out = append(out, d)
	}
	m.mu.Unlock()
	// ulid ids sort by submission time
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) MarkDecisionAttempt(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.decisions[id]
	if !ok {
		return ErrNotFound
	}
	d.Attempts++
	m.decisions[id] = d
	return nil
}

func (m *Memory) DeleteDecision(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.decisions[id]; !ok {
		return ErrNotFound
	}
	delete(m.decisions, id)
	return nil
}

func (m *Memory) Migrate(ctx context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
