package store

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"driverlink/internal/model"
)

// Store persists what a restarted client needs to resume: terminal offer ids
// and accepts that could not be delivered yet.
type Store interface {
	// Offer ledger
	RecordOffer(ctx context.Context, rec model.OfferRecord) error
	TerminalOffers(ctx context.Context, since time.Time) ([]string, error)
	ListOffers(ctx context.Context, limit int) ([]model.OfferRecord, error)
	PruneOffers(ctx context.Context, before time.Time) (int, error)

	// Decision outbox
	EnqueueDecision(ctx context.Context, d model.Decision) error
	PendingDecisions(ctx context.Context) ([]model.Decision, error)
	MarkDecisionAttempt(ctx context.Context, id string) error
	DeleteDecision(ctx context.Context, id string) error

	Migrate(ctx context.Context) error
	Close() error
}

var ErrNotFound = errors.New("not found")

// Open picks a backend from the DSN scheme: memory://, sqlite://<path>,
// postgres:// or postgresql://.
func Open(dsn string) (Store, error) {
	if dsn == "" || dsn == "memory://" || dsn == "memory" {
		return NewMemory(), nil
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("store dsn: %w", err)
	}
	switch u.Scheme {
	case "sqlite", "file":
		path := strings.TrimPrefix(dsn, u.Scheme+"://")
		return NewSQLite(path)
	case "postgres", "postgresql":
		return NewPostgres(dsn)
	default:
		return nil, fmt.Errorf("store dsn: unsupported scheme %q", u.Scheme)
	}
}
