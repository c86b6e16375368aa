package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/energizer-project/blockbridge/internal/config"
	"github.com/energizer-project/blockbridge/internal/store"
)

type fakePruner struct {
	store.Nop
	before time.Time
	n      int64
	err    error
}

func (f *fakePruner) Prune(_ context.Context, before time.Time) (int64, error) {
	f.before = before
	return f.n, f.err
}

func TestNextCleanupTime(t *testing.T) {
	loc := time.UTC
	cases := []struct {
		now, want time.Time
		at        string
	}{
		{time.Date(2026, 5, 1, 2, 0, 0, 0, loc), time.Date(2026, 5, 1, 4, 0, 0, 0, loc), "04:00"},
		{time.Date(2026, 5, 1, 4, 0, 0, 0, loc), time.Date(2026, 5, 2, 4, 0, 0, 0, loc), "04:00"},
		{time.Date(2026, 5, 31, 23, 0, 0, 0, loc), time.Date(2026, 6, 1, 22, 30, 0, 0, loc), "22:30"},
		{time.Date(2026, 5, 1, 1, 0, 0, 0, loc), time.Date(2026, 5, 1, 4, 0, 0, 0, loc), "garbage"},
	}
	for _, c := range cases {
		now := c.now
		s := NewScheduler(config.StoreConfig{CleanupTime: c.at}, nil)
		s.now = func() time.Time { return now }
		if got := s.nextCleanupTime(); !got.Equal(c.want) {
			t.Errorf("at %s from %s: got %s, want %s", c.at, c.now, got, c.want)
		}
	}
}

func TestRunRetention(t *testing.T) {
	now := time.Date(2026, 5, 10, 4, 0, 0, 0, time.UTC)
	p := &fakePruner{n: 12}
	s := NewScheduler(config.StoreConfig{RetentionDays: 7, CleanupTime: "04:00"}, p)
	s.now = func() time.Time { return now }

	if !s.Enabled() {
		t.Fatal("scheduler should be enabled")
	}
	if got := s.RunRetention(context.Background()); got != 12 {
		t.Fatalf("removed = %d", got)
	}
	if want := now.AddDate(0, 0, -7); !p.before.Equal(want) {
		t.Fatalf("cutoff = %s, want %s", p.before, want)
	}

	p.err = errors.New("disk full")
	if got := s.RunRetention(context.Background()); got != 0 {
		t.Fatalf("removed on error = %d", got)
	}
}

func TestDisabledWithoutPrunerOrRetention(t *testing.T) {
	if NewScheduler(config.StoreConfig{RetentionDays: 7}, store.Nop{}).Enabled() {
		t.Fatal("Nop recorder cannot prune")
	}
	if NewScheduler(config.StoreConfig{RetentionDays: 0}, &fakePruner{}).Enabled() {
		t.Fatal("zero retention keeps records forever")
	}
}

func TestStartReturnsOnCancel(t *testing.T) {
	s := NewScheduler(config.StoreConfig{RetentionDays: 1, CleanupTime: "04:00"}, &fakePruner{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start ignored cancellation")
	}
}
