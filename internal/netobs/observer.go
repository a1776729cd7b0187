// Package netobs tracks device network reachability and reports debounced
// transitions to subscribers.
package netobs

import (
	"context"
	"strconv"
	"sync"
	"time"

	"cosmossdk.io/log"

	"driverlink/internal/metrics"
	"driverlink/internal/model"
)

// Source delivers raw, possibly flapping, platform samples until ctx ends.
type Source interface {
	Run(ctx context.Context, out chan<- model.NetworkState) error
}

// Observer debounces samples from a Source. Current and Subscribe are safe
// for concurrent use; Run must be called once.
type Observer struct {
	logger   log.Logger
	src      Source
	debounce time.Duration

	mu      sync.RWMutex
	current model.NetworkState
	subs    map[int]chan model.NetworkState
	nextID  int
}

// Online is the assumed state before the first sample arrives.
var Online = model.NetworkState{Reachable: true, InternetReachable: true, TransportType: model.TransportUnknown}

func New(src Source, debounce time.Duration, initial model.NetworkState, logger log.Logger) *Observer {
	if initial.ChangedAt.IsZero() {
		initial.ChangedAt = time.Now()
	}
	return &Observer{
		logger:   logger.With("module", "netobs"),
		src:      src,
		debounce: debounce,
		current:  initial,
		subs:     make(map[int]chan model.NetworkState),
	}
}

func (o *Observer) Current() model.NetworkState {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.current
}

// Subscribe returns a channel of stable transitions and its cancel func.
// Slow subscribers only ever miss intermediate states, never the latest one.
func (o *Observer) Subscribe() (<-chan model.NetworkState, func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	id := o.nextID
	o.nextID++
	ch := make(chan model.NetworkState, 4)
	o.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.subs, id)
			o.mu.Unlock()
		})
	}
}

// Run consumes samples until ctx is cancelled.
func (o *Observer) Run(ctx context.Context) error {
	samples := make(chan model.NetworkState, 16)
	srcDone := make(chan error, 1)
	go func() { srcDone <- o.src.Run(ctx, samples) }()

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()
	var pending *model.NetworkState

	for {
		select {
		case <-ctx.Done():
			<-srcDone
			return nil
		case err := <-srcDone:
			if err != nil && ctx.Err() == nil {
				o.logger.Error("network source stopped", "err", err)
				return err
			}
			return nil
		case s := <-samples:
			if o.debounce <= 0 {
				o.apply(s)
				continue
			}
			pending = &s
			timer.Reset(o.debounce)
		case <-timer.C:
			if pending != nil {
				o.apply(*pending)
				pending = nil
			}
		}
	}
}

func (o *Observer) apply(s model.NetworkState) {
	o.mu.Lock()
	if !s.Differs(o.current) {
		o.mu.Unlock()
		return
	}
	prev := o.current
	s.ChangedAt = time.Now()
	o.current = s
	subs := make([]chan model.NetworkState, 0, len(o.subs))
	for _, ch := range o.subs {
		subs = append(subs, ch)
	}
	o.mu.Unlock()

	metrics.NetworkTransitions.WithLabelValues(string(s.TransportType), strconv.FormatBool(s.Reachable)).Inc()
	o.logger.Info("network changed",
		"reachable", s.Reachable, "internet", s.InternetReachable, "type", s.TransportType,
		"was_reachable", prev.Reachable)
	for _, ch := range subs {
		deliverLatest(ch, s)
	}
}

// deliverLatest never blocks: when ch is full the oldest state is dropped.
func deliverLatest(ch chan model.NetworkState, s model.NetworkState) {
	for {
		select {
		case ch <- s:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// Restored reports whether next brings back reachability that prev lacked.
func Restored(prev, next model.NetworkState) bool {
	return !prev.Reachable && next.Reachable
}
