package event

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/Iron-Ham/cadence/internal/logging"
)

func TestBus_Publish(t *testing.T) {
	bus := NewBus(nil)

	var received Event
	bus.Subscribe(TypePhaseStarted, func(e Event) {
		received = e
	})

	bus.Publish(NewPhaseStartedEvent("s", "step-1", "strategy", 1))

	if received == nil {
		t.Fatal("handler should have received the event")
	}
	started, ok := received.(PhaseStartedEvent)
	if !ok {
		t.Fatalf("unexpected event type %T", received)
	}
	if started.StepID != "step-1" || started.Phase != "strategy" {
		t.Errorf("unexpected payload: %+v", started)
	}
}

func TestBus_OrderSpecificBeforeWildcard(t *testing.T) {
	bus := NewBus(nil)

	var order []string
	bus.SubscribeAll(func(Event) { order = append(order, "all") })
	bus.Subscribe(TypeStepCompleted, func(Event) { order = append(order, "first") })
	bus.Subscribe(TypeStepCompleted, func(Event) { order = append(order, "second") })

	bus.Publish(NewStepCompletedEvent("s", "a", "abc123"))

	want := "first,second,all"
	if got := strings.Join(order, ","); got != want {
		t.Errorf("dispatch order = %s, want %s", got, want)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(nil)

	calls := 0
	id := bus.Subscribe(TypeStepAborted, func(Event) { calls++ })
	if !bus.Unsubscribe(id) {
		t.Fatal("Unsubscribe should find the subscription")
	}
	if bus.Unsubscribe(id) {
		t.Error("second Unsubscribe should report false")
	}

	bus.Publish(NewStepAbortedEvent("s", "a", "commit", "tracker", true))
	if calls != 0 {
		t.Errorf("handler called %d times after unsubscribe", calls)
	}
	if bus.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount() = %d, want 0", bus.SubscriptionCount())
	}
}

func TestBus_PanicRecovery(t *testing.T) {
	var buf bytes.Buffer
	bus := NewBus(logging.NewWriterLogger(&buf, logging.LevelError))

	delivered := false
	bus.Subscribe(TypeSessionHalted, func(Event) { panic("boom") })
	bus.Subscribe(TypeSessionHalted, func(Event) { delivered = true })

	bus.Publish(NewSessionHaltedEvent("s", "a", "drift_gate", "decision required"))

	if !delivered {
		t.Error("a panicking handler must not stop delivery")
	}
	if !strings.Contains(buf.String(), "event handler panicked") {
		t.Errorf("expected panic to be logged, got %q", buf.String())
	}
}

func TestBus_ConcurrentPublish(t *testing.T) {
	bus := NewBus(nil)

	var mu sync.Mutex
	count := 0
	bus.SubscribeAll(func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Publish(NewPhaseCompletedEvent("s", "a", "logging", "approve"))
		}()
	}
	wg.Wait()

	if count != 50 {
		t.Errorf("count = %d, want 50", count)
	}
}

func TestJournal(t *testing.T) {
	var buf bytes.Buffer
	bus := NewBus(nil)
	Journal(bus, logging.NewWriterLogger(&buf, logging.LevelInfo))

	bus.Publish(NewDriftAssessedEvent("s", "a", "major", 0, 2, 2, true))

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("journal line is not JSON: %v", err)
	}
	if entry["event_type"] != TypeDriftAssessed {
		t.Errorf("event_type = %v", entry["event_type"])
	}
	if entry["severity"] != "major" || entry["early"] != true {
		t.Errorf("unexpected journal entry: %v", entry)
	}
}
