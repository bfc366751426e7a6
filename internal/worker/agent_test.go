package worker

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"stagepool/internal/store"
	"stagepool/internal/store/storetest"

	"github.com/google/uuid"
)

// recordingHandler captures the items it is asked to process.
type recordingHandler struct {
	mu    sync.Mutex
	items []store.QueueItem
	block chan struct{}
}

func (h *recordingHandler) Process(ctx context.Context, item store.QueueItem) error {
	if h.block != nil {
		<-h.block
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.items = append(h.items, item)
	return nil
}

func (h *recordingHandler) processed() []store.QueueItem {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]store.QueueItem(nil), h.items...)
}

func agentConfig() AgentConfig {
	return AgentConfig{
		ID:           "test-worker",
		Concurrency:  2,
		PollInterval: 5 * time.Millisecond,
		MaxBackoff:   20 * time.Millisecond,
	}
}

func TestAgent_UnwrapsQueuePayload(t *testing.T) {
	queue := storetest.NewQueue()
	jobID := uuid.New()
	wrapped, _ := json.Marshal(queuePayload{Payload: json.RawMessage(`{"customer_id":"acme"}`)})
	queue.Push(store.QueueItem{JobID: jobID, Kind: store.JobKindClone, Attempt: 1, Payload: wrapped})

	handler := &recordingHandler{}
	agent := New(queue, handler, agentConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	go agent.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(handler.processed()) == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-agent.Done()

	items := handler.processed()
	if len(items) != 1 {
		t.Fatalf("expected one processed item, got %d", len(items))
	}
	if items[0].JobID != jobID {
		t.Errorf("unexpected job id %s", items[0].JobID)
	}
	if string(items[0].Payload) != `{"customer_id":"acme"}` {
		t.Errorf("expected inner payload handed to the handler, got %s", items[0].Payload)
	}
}

func TestAgent_DrainsInFlightOnShutdown(t *testing.T) {
	queue := storetest.NewQueue()
	wrapped, _ := json.Marshal(queuePayload{Payload: json.RawMessage(`{}`)})
	queue.Push(store.QueueItem{JobID: uuid.New(), Kind: store.JobKindClone, Payload: wrapped})

	handler := &recordingHandler{block: make(chan struct{})}
	agent := New(queue, handler, agentConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	go agent.Run(ctx)

	// Wait until the item is claimed, then shut down mid-flight.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if n, _ := queue.Count(context.Background()); n == 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case <-agent.Done():
		t.Fatal("expected shutdown to wait for the in-flight job")
	case <-time.After(50 * time.Millisecond):
	}

	close(handler.block)
	select {
	case <-agent.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("expected agent to stop once the job finished")
	}

	if len(handler.processed()) != 1 {
		t.Errorf("expected in-flight job to finish, got %d", len(handler.processed()))
	}
}
