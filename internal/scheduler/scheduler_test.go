package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BTreeMap/Coo/internal/store"
)

func TestSchedulerAddJob(t *testing.T) {
	s := NewScheduler()
	// Should add a valid cron job without error
	if err := s.AddJob("noop", "* * * * *", func(context.Context) error { return nil }); err != nil {
		t.Errorf("Expected no error adding job, got %v", err)
	}
	if err := s.AddJob("daily", "@daily", func(context.Context) error { return nil }); err != nil {
		t.Errorf("Expected descriptor to be accepted, got %v", err)
	}
}

func TestSchedulerAddJobInvalidExpression(t *testing.T) {
	s := NewScheduler()
	if err := s.AddJob("bad", "not a cron", func(context.Context) error { return nil }); err == nil {
		t.Error("Expected error for invalid cron expression")
	}
}

func TestSchedulerRunFiresJobsUntilCancelled(t *testing.T) {
	s := NewScheduler()
	var runs atomic.Int32
	fired := make(chan struct{}, 1)
	if err := s.AddJob("tick", "@every 1s", func(ctx context.Context) error {
		runs.Add(1)
		select {
		case fired <- struct{}{}:
		default:
		}
		return errors.New("logged, not fatal")
	}); err != nil {
		t.Fatalf("AddJob failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("job did not fire")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if runs.Load() < 1 {
		t.Errorf("expected at least one run, got %d", runs.Load())
	}
}

func TestPruneTask(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	if _, err := st.RecordInbound(ctx, "SM1", "+15550001111"); err != nil {
		t.Fatalf("RecordInbound failed: %v", err)
	}

	// Retention measured from a clock two weeks ahead makes the record stale.
	future := func() time.Time { return time.Now().Add(14 * 24 * time.Hour) }
	if err := PruneTask(st, DefaultRetention, future)(ctx); err != nil {
		t.Fatalf("PruneTask failed: %v", err)
	}
	if dup, _ := st.IsDuplicate(ctx, "SM1"); dup {
		t.Error("expected stale dedup record to be pruned")
	}
}

func TestPruneTaskKeepsRecentRecords(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	if _, err := st.RecordInbound(ctx, "SM2", "+15550001111"); err != nil {
		t.Fatalf("RecordInbound failed: %v", err)
	}
	if err := PruneTask(st, DefaultRetention, nil)(ctx); err != nil {
		t.Fatalf("PruneTask failed: %v", err)
	}
	if dup, _ := st.IsDuplicate(ctx, "SM2"); !dup {
		t.Error("recent dedup record must be kept")
	}
}

type failingPruner struct{}

func (failingPruner) PruneInbound(context.Context, time.Time) (int, error) {
	return 0, errors.New("db down")
}

func (failingPruner) PruneOutbox(context.Context, time.Time) (int, error) { return 0, nil }

func TestPruneTaskReportsErrors(t *testing.T) {
	if err := PruneTask(failingPruner{}, time.Hour, nil)(context.Background()); err == nil {
		t.Error("expected error from failing pruner")
	}
}
