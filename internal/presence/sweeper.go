// Package presence keeps the users' online flags honest across instances.
//
// Every instance periodically refreshes the last-seen timestamp of the users
// connected to it and clears the online flag of users nobody has refreshed
// for a while, such as those left online by an instance that crashed.
package presence

import (
	"context"
	"log/slog"
	"time"
)

// Store is the persistence the sweeper needs.
type Store interface {
	TouchPresence(ctx context.Context, userIDs []string, at time.Time) error
	ExpirePresence(ctx context.Context, cutoff time.Time) (int64, error)
}

// Source lists the users connected to this instance.
type Source interface {
	Present() []string
}

// Sweeper refreshes and expires presence on an interval.
type Sweeper struct {
	store      Store
	source     Source
	interval   time.Duration
	staleAfter time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// NewSweeper creates a sweeper. staleAfter should span several intervals so
// a peer instance that is merely slow is not expired.
func NewSweeper(store Store, source Source, interval, staleAfter time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:      store,
		source:     source,
		interval:   interval,
		staleAfter: staleAfter,
		logger:     logger.With("component", "presence"),
		now:        time.Now,
	}
}

// Start runs the sweeper in a background goroutine until ctx is done.
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	go func() {
		defer ticker.Stop()
		s.logger.Info("Presence sweeper started", "interval", s.interval, "stale_after", s.staleAfter)

		for {
			select {
			case <-ticker.C:
				s.Sweep(ctx)
			case <-ctx.Done():
				s.logger.Info("Presence sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// Sweep runs one refresh and expiry pass.
func (s *Sweeper) Sweep(ctx context.Context) {
	now := s.now()

	if users := s.source.Present(); len(users) > 0 {
		if err := s.store.TouchPresence(ctx, users, now); err != nil {
			s.logger.Warn("Failed to refresh presence", "error", err, "users", len(users))
		}
	}

	expired, err := s.store.ExpirePresence(ctx, now.Add(-s.staleAfter))
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("Failed to expire presence", "error", err)
		}
		return
	}
	if expired > 0 {
		s.logger.Info("Expired stale presence", "count", expired)
	}
}
