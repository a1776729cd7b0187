// Package location reports the worker's position to the dispatch server
// while the agent runs.
package location

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"cosmossdk.io/log"

	"driverlink/internal/api"
	"driverlink/internal/backoff"
	"driverlink/internal/metrics"
)

type Poster interface {
	PostLocation(ctx context.Context, loc api.Location) error
}

// Provider yields the current position.
type Provider interface {
	Location(ctx context.Context) (api.Location, error)
}

// Fixed always reports the same position.
type Fixed api.Location

func (f Fixed) Location(context.Context) (api.Location, error) { return api.Location(f), nil }

// File reads {"latitude":..,"longitude":..} from a file the host keeps
// current.
type File string

func (f File) Location(context.Context) (api.Location, error) {
	raw, err := os.ReadFile(string(f))
	if err != nil {
		return api.Location{}, err
	}
	var loc api.Location
	if err := json.Unmarshal(raw, &loc); err != nil {
		return api.Location{}, fmt.Errorf("location file %s: %w", string(f), err)
	}
	return loc, nil
}

type Options struct {
	Interval  time.Duration
	Retries   int
	RetryStep time.Duration
}

type Reporter struct {
	opts     Options
	poster   Poster
	provider Provider
	logger   log.Logger
}

func New(opts Options, poster Poster, provider Provider, logger log.Logger) *Reporter {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.Retries < 1 {
		opts.Retries = 3
	}
	if opts.RetryStep <= 0 {
		opts.RetryStep = 2 * time.Second
	}
	return &Reporter{opts: opts, poster: poster, provider: provider, logger: logger.With("module", "location")}
}

// Run reports once immediately and then every interval until ctx ends.
func (r *Reporter) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()
	for {
		if err := r.Report(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("location report failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Report posts the current position, retrying failures with a linearly
// growing delay.
func (r *Reporter) Report(ctx context.Context) error {
	loc, err := r.provider.Location(ctx)
	if err != nil {
		metrics.LocationPosts.WithLabelValues("no_fix").Inc()
		return fmt.Errorf("read location: %w", err)
	}
	err = backoff.Retry(ctx, r.opts.Retries, backoff.Linear(r.opts.RetryStep), func(ctx context.Context, attempt int) error {
		err := r.poster.PostLocation(ctx, loc)
		if err != nil {
			r.logger.Debug("location post failed", "attempt", attempt+1, "err", err)
			var apiErr *api.APIError
			if errors.As(err, &apiErr) && !apiErr.Temporary() {
				return backoff.Permanent(err)
			}
		}
		return err
	})
	if err != nil {
		metrics.LocationPosts.WithLabelValues("error").Inc()
		return err
	}
	metrics.LocationPosts.WithLabelValues("ok").Inc()
	return nil
}
