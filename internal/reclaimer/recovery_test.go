package reclaimer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type stubReconciler struct {
	mu sync.Mutex

	requeueGrace    []time.Duration
	abandonLiveness []time.Duration
	requeueErr      error
	requeuedCount   int64
	abandonedCount  int64
}

func (s *stubReconciler) RequeueStuckPending(ctx context.Context, grace time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requeueGrace = append(s.requeueGrace, grace)
	return s.requeuedCount, s.requeueErr
}

func (s *stubReconciler) FailAbandoned(ctx context.Context, liveness time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.abandonLiveness = append(s.abandonLiveness, liveness)
	return s.abandonedCount, nil
}

func TestRecoveryPass_RunsBothQueries(t *testing.T) {
	stub := &stubReconciler{requeuedCount: 2, abandonedCount: 1}
	rec := NewRecovery(stub, RecoveryConfig{
		Grace:    90 * time.Second,
		Liveness: 15 * time.Minute,
	}, testLogger())

	rec.Pass(context.Background())

	if len(stub.requeueGrace) != 1 || stub.requeueGrace[0] != 90*time.Second {
		t.Errorf("requeue calls = %v, want one call with 90s grace", stub.requeueGrace)
	}
	if len(stub.abandonLiveness) != 1 || stub.abandonLiveness[0] != 15*time.Minute {
		t.Errorf("abandon calls = %v, want one call with 15m liveness", stub.abandonLiveness)
	}
}

func TestRecoveryPass_RequeueErrorDoesNotSkipAbandonScan(t *testing.T) {
	stub := &stubReconciler{requeueErr: errors.New("db down")}
	rec := NewRecovery(stub, RecoveryConfig{}, testLogger())

	rec.Pass(context.Background())

	if len(stub.abandonLiveness) != 1 {
		t.Fatalf("abandon calls = %d, want 1 even after requeue failure", len(stub.abandonLiveness))
	}
}

func TestNewRecovery_Defaults(t *testing.T) {
	rec := NewRecovery(&stubReconciler{}, RecoveryConfig{}, testLogger())

	if rec.config.Interval != time.Minute {
		t.Errorf("Interval = %v, want 1m", rec.config.Interval)
	}
	if rec.config.Grace != 2*time.Minute {
		t.Errorf("Grace = %v, want 2m", rec.config.Grace)
	}
	if rec.config.Liveness != 10*time.Minute {
		t.Errorf("Liveness = %v, want 10m", rec.config.Liveness)
	}
}

func TestRecoveryRun_StopsOnCancel(t *testing.T) {
	stub := &stubReconciler{}
	rec := NewRecovery(stub, RecoveryConfig{Interval: 5 * time.Millisecond}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rec.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}

	stub.mu.Lock()
	defer stub.mu.Unlock()
	if len(stub.requeueGrace) == 0 {
		t.Error("expected at least one recovery pass before cancel")
	}
}
