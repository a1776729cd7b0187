package notice

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"cosmossdk.io/log"
	redis "github.com/redis/go-redis/v9"

	"driverlink/internal/metrics"
)

// RedisBroker implements EventBroker over Redis Pub/Sub so notices reach a
// UI process running outside the agent.
type RedisBroker struct {
	rdb    *redis.Client
	prefix string
	logger log.Logger

	mu  sync.Mutex
	pss map[chan Notice]*redis.PubSub
}

func NewRedisBroker(url, prefix string, logger log.Logger) (*RedisBroker, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return &RedisBroker{
		rdb:    redis.NewClient(opt),
		prefix: prefix,
		logger: logger.With("module", "notice"),
		pss:    map[chan Notice]*redis.PubSub{},
	}, nil
}

func (b *RedisBroker) Subscribe(topic string) chan Notice {
	ch := make(chan Notice, 16)
	ctx := context.Background()
	ps := b.rdb.Subscribe(ctx, b.chanName(topic))
	// initial consume to ensure subscription
	if _, err := ps.Receive(ctx); err != nil {
		b.logger.Error("redis subscribe", "topic", topic, "err", err)
	}
	b.mu.Lock()
	b.pss[ch] = ps
	b.mu.Unlock()
	go func() {
		defer close(ch)
		for msg := range ps.Channel() {
			var n Notice
			if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
				continue
			}
			select {
			case ch <- n:
			default:
			}
		}
	}()
	return ch
}

// Unsubscribe closes the subscription; ch is closed once the reader drains.
func (b *RedisBroker) Unsubscribe(topic string, ch chan Notice) {
	b.mu.Lock()
	ps, ok := b.pss[ch]
	delete(b.pss, ch)
	b.mu.Unlock()
	if ok {
		_ = ps.Close()
	}
}

func (b *RedisBroker) Publish(topic string, n Notice) {
	if n.At.IsZero() {
		n.At = time.Now()
	}
	metrics.Notices.WithLabelValues(string(n.Kind)).Inc()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, _ := json.Marshal(n)
	if err := b.rdb.Publish(ctx, b.chanName(topic), data).Err(); err != nil {
		b.logger.Error("redis publish", "topic", topic, "kind", n.Kind, "err", err)
	}
}

func (b *RedisBroker) Close() error {
	b.mu.Lock()
	for ch, ps := range b.pss {
		_ = ps.Close()
		delete(b.pss, ch)
	}
	b.mu.Unlock()
	return b.rdb.Close()
}

func (b *RedisBroker) chanName(topic string) string { return b.prefix + ":" + topic }
