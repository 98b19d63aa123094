package presence

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/chatline/internal/domain"
	"github.com/ashureev/chatline/internal/store"
)

type staticSource []string

func (s staticSource) Present() []string { return s }

type fakeStore struct {
	mu      sync.Mutex
	touched [][]string
	cutoffs []time.Time
	err     error
}

func (f *fakeStore) TouchPresence(_ context.Context, ids []string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched = append(f.touched, ids)
	return f.err
}

func (f *fakeStore) ExpirePresence(_ context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoffs = append(f.cutoffs, cutoff)
	return 0, f.err
}

func (f *fakeStore) passes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cutoffs)
}

func TestSweepRefreshesConnectedAndExpiresStale(t *testing.T) {
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	defer func() { _ = repo.Close() }()

	ctx := context.Background()
	start := time.UnixMilli(1_700_000_000_000)
	for _, id := range []string{"here", "crashed"} {
		_ = repo.UpsertUser(ctx, &domain.User{UserID: id, Username: id})
		_ = repo.SetPresence(ctx, id, true, start)
	}

	s := NewSweeper(repo, staticSource{"here"}, time.Minute, 3*time.Minute, nil)
	s.now = func() time.Time { return start.Add(10 * time.Minute) }
	s.Sweep(ctx)

	here, _ := repo.GetUser(ctx, "here")
	crashed, _ := repo.GetUser(ctx, "crashed")
	if !here.IsOnline || !here.LastSeenAt.Equal(start.Add(10*time.Minute)) {
		t.Errorf("connected user = %+v", here)
	}
	if crashed.IsOnline {
		t.Error("stale user still online")
	}
}

func TestSweepSkipsTouchWithoutSessions(t *testing.T) {
	f := &fakeStore{}
	s := NewSweeper(f, staticSource(nil), time.Minute, 3*time.Minute, nil)
	now := time.UnixMilli(1_700_000_000_000)
	s.now = func() time.Time { return now }

	s.Sweep(context.Background())

	if len(f.touched) != 0 {
		t.Errorf("touched %v with no sessions", f.touched)
	}
	if len(f.cutoffs) != 1 || !f.cutoffs[0].Equal(now.Add(-3*time.Minute)) {
		t.Errorf("cutoffs = %v", f.cutoffs)
	}
}

func TestSweepStoreErrorsAreNotFatal(t *testing.T) {
	f := &fakeStore{err: errors.New("database is locked")}
	s := NewSweeper(f, staticSource{"u"}, time.Minute, time.Minute, nil)

	s.Sweep(context.Background())
	s.Sweep(context.Background())

	if f.passes() != 2 {
		t.Errorf("passes = %d, want 2", f.passes())
	}
}

func TestStartStopsWithContext(t *testing.T) {
	f := &fakeStore{}
	s := NewSweeper(f, staticSource{"u"}, 5*time.Millisecond, time.Minute, nil)
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for f.passes() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if f.passes() < 2 {
		t.Fatalf("sweeper ran %d times", f.passes())
	}

	time.Sleep(20 * time.Millisecond)
	settled := f.passes()
	time.Sleep(30 * time.Millisecond)
	if f.passes() != settled {
		t.Errorf("sweeper kept running after cancel: %d -> %d", settled, f.passes())
	}
}
