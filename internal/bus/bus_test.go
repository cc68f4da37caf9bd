package bus

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/talon/internal/domain"
)

// waitFor blocks until the wait group is done or the timeout elapses.
func waitFor(t *testing.T, wg *sync.WaitGroup, timeout time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatal("timeout waiting for messages")
	}
}

func TestChannelBus(t *testing.T) {
	eventBus := NewChannelBus(100)
	defer eventBus.Close()

	ctx := context.Background()
	tenantID := "tenant-001"

	t.Run("DeliversRunCompletedEvent", func(t *testing.T) {
		var got *domain.Message
		var wg sync.WaitGroup
		wg.Add(1)

		_, err := eventBus.Subscribe(ctx, tenantID, domain.TopicRunCompleted, func(ctx context.Context, msg *domain.Message) error {
			got = msg
			wg.Done()
			return nil
		})
		if err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}

		time.Sleep(10 * time.Millisecond)

		payload := []byte(`{"batchId":"batch-001","planId":"plan-001","totalPayout":"1250.75"}`)
		if err := eventBus.Publish(ctx, tenantID, domain.TopicRunCompleted, payload); err != nil {
			t.Fatalf("publish failed: %v", err)
		}

		waitFor(t, &wg, time.Second)

		if got.TenantID != tenantID {
			t.Errorf("expected tenantID %q, got %q", tenantID, got.TenantID)
		}
		if got.Topic != domain.TopicRunCompleted {
			t.Errorf("expected topic %q, got %q", domain.TopicRunCompleted, got.Topic)
		}

		var event struct {
			BatchID     string `json:"batchId"`
			TotalPayout string `json:"totalPayout"`
		}
		if err := json.Unmarshal(got.Payload, &event); err != nil {
			t.Fatalf("failed to decode payload: %v", err)
		}
		if event.BatchID != "batch-001" || event.TotalPayout != "1250.75" {
			t.Errorf("unexpected event payload: %+v", event)
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		// Two tenants subscribed to the same topic must never see each
		// other's batches.
		var acme, globex atomic.Int32

		eventBus.Subscribe(ctx, "acme", domain.TopicBatchSuperseded, func(ctx context.Context, msg *domain.Message) error {
			acme.Add(1)
			return nil
		})
		eventBus.Subscribe(ctx, "globex", domain.TopicBatchSuperseded, func(ctx context.Context, msg *domain.Message) error {
			globex.Add(1)
			return nil
		})

		time.Sleep(10 * time.Millisecond)

		eventBus.Publish(ctx, "acme", domain.TopicBatchSuperseded, []byte(`{"batchId":"b1","supersededBy":"b2"}`))
		time.Sleep(50 * time.Millisecond)

		if acme.Load() != 1 {
			t.Errorf("acme should receive 1 message, got %d", acme.Load())
		}
		if globex.Load() != 0 {
			t.Errorf("globex should receive 0 messages, got %d", globex.Load())
		}
	})

	t.Run("RequiresTenantID", func(t *testing.T) {
		if err := eventBus.Publish(ctx, "", domain.TopicRunRequested, []byte("{}")); err == nil {
			t.Error("expected error for empty tenantID on publish")
		}

		_, err := eventBus.Subscribe(ctx, "", domain.TopicRunRequested, func(ctx context.Context, msg *domain.Message) error {
			return nil
		})
		if err == nil {
			t.Error("expected error for empty tenantID on subscribe")
		}
	})

	t.Run("UnsubscribeStopsDelivery", func(t *testing.T) {
		var count atomic.Int32

		sub, _ := eventBus.Subscribe(ctx, tenantID, domain.TopicAnomaly, func(ctx context.Context, msg *domain.Message) error {
			count.Add(1)
			return nil
		})

		time.Sleep(10 * time.Millisecond)

		eventBus.Publish(ctx, tenantID, domain.TopicAnomaly, []byte(`{"batchId":"b1","anomalyCount":2}`))
		time.Sleep(50 * time.Millisecond)

		if count.Load() != 1 {
			t.Fatalf("expected 1 message before unsubscribe, got %d", count.Load())
		}

		sub.Unsubscribe()
		time.Sleep(10 * time.Millisecond)

		eventBus.Publish(ctx, tenantID, domain.TopicAnomaly, []byte(`{"batchId":"b2","anomalyCount":1}`))
		time.Sleep(50 * time.Millisecond)

		if count.Load() != 1 {
			t.Errorf("expected 1 message after unsubscribe, got %d", count.Load())
		}
	})

	t.Run("FanOutToAllSubscribers", func(t *testing.T) {
		// A run.failed event fans out to every listener for the tenant,
		// e.g. a retry worker and an alerting hook.
		var retry, alert atomic.Int32

		eventBus.Subscribe(ctx, tenantID, domain.TopicRunFailed, func(ctx context.Context, msg *domain.Message) error {
			retry.Add(1)
			return nil
		})
		eventBus.Subscribe(ctx, tenantID, domain.TopicRunFailed, func(ctx context.Context, msg *domain.Message) error {
			alert.Add(1)
			return nil
		})

		time.Sleep(10 * time.Millisecond)

		eventBus.Publish(ctx, tenantID, domain.TopicRunFailed, []byte(`{"periodId":"2026-08","planId":"plan-001"}`))
		time.Sleep(50 * time.Millisecond)

		if retry.Load() != 1 || alert.Load() != 1 {
			t.Errorf("expected both subscribers to receive, got %d and %d", retry.Load(), alert.Load())
		}
	})

	t.Run("Ping", func(t *testing.T) {
		if err := eventBus.Ping(ctx); err != nil {
			t.Errorf("ping failed: %v", err)
		}
	})

	t.Run("SubscriptionTopic", func(t *testing.T) {
		sub, _ := eventBus.Subscribe(ctx, tenantID, domain.TopicRunRequested, func(ctx context.Context, msg *domain.Message) error {
			return nil
		})

		if sub.Topic() != domain.TopicRunRequested {
			t.Errorf("expected topic %q, got %q", domain.TopicRunRequested, sub.Topic())
		}
	})
}

func TestChannelBusClose(t *testing.T) {
	eventBus := NewChannelBus(100)

	ctx := context.Background()
	tenantID := "tenant-001"

	eventBus.Subscribe(ctx, tenantID, domain.TopicRunCompleted, func(ctx context.Context, msg *domain.Message) error {
		return nil
	})

	if err := eventBus.Close(); err != nil {
		t.Errorf("close failed: %v", err)
	}

	if err := eventBus.Publish(ctx, tenantID, domain.TopicRunCompleted, []byte("{}")); err == nil {
		t.Error("expected publish error after close")
	}
	if err := eventBus.Ping(ctx); err == nil {
		t.Error("expected ping error after close")
	}

	// Close is idempotent.
	if err := eventBus.Close(); err != nil {
		t.Errorf("second close failed: %v", err)
	}
}

func TestNewBus(t *testing.T) {
	t.Run("ChannelType", func(t *testing.T) {
		cfg := domain.EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 50,
		}

		eventBus, err := New(cfg)
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer eventBus.Close()

		if _, ok := eventBus.(*ChannelBus); !ok {
			t.Error("expected ChannelBus for channel type")
		}
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		_, err := New(domain.EventBusConfig{Type: "kafka"})
		if err == nil {
			t.Error("expected error for unsupported type")
		}
	})
}

func TestChannelBusHighLoad(t *testing.T) {
	eventBus := NewChannelBus(1000)
	defer eventBus.Close()

	ctx := context.Background()
	tenantID := "tenant-load"

	var received atomic.Int32
	const messageCount = 100

	var wg sync.WaitGroup
	wg.Add(messageCount)

	eventBus.Subscribe(ctx, tenantID, domain.TopicRunRequested, func(ctx context.Context, msg *domain.Message) error {
		received.Add(1)
		wg.Done()
		return nil
	})

	time.Sleep(10 * time.Millisecond)

	for i := 0; i < messageCount; i++ {
		eventBus.Publish(ctx, tenantID, domain.TopicRunRequested, []byte(`{"periodId":"2026-08","planId":"plan-001"}`))
	}

	waitFor(t, &wg, 5*time.Second)

	if received.Load() != messageCount {
		t.Errorf("expected %d messages, got %d", messageCount, received.Load())
	}
}
