package bus

import (
	"fmt"
	"sync"
	"testing"

	"github.com/agentmoor/moor/internal/event"
)

func logEvent(msg string) event.SessionEvent {
	return event.New(event.TypeLog, event.LogPayload{Message: msg}, event.Context{
		ConversationID: event.MainConversationID,
		Source:         "test",
	})
}

func TestAllListenersSeeEventsInIdenticalOrder(t *testing.T) {
	t.Parallel()

	b := New()
	var first, second []string
	b.On(func(ev event.SessionEvent) {
		var p event.LogPayload
		_ = ev.Decode(&p)
		first = append(first, p.Message)
	})
	b.On(func(ev event.SessionEvent) {
		var p event.LogPayload
		_ = ev.Decode(&p)
		second = append(second, p.Message)
	})

	// Concurrent producers; publishes are serialized, so both listeners must
	// observe the exact same sequence.
	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				b.Publish(logEvent(fmt.Sprintf("producer-%d-%d", p, i)))
			}
		}()
	}
	wg.Wait()

	if len(first) != 100 || len(second) != 100 {
		t.Fatalf("expected 100 deliveries each, got %d and %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("listener order diverged at %d: %q vs %q", i, first[i], second[i])
		}
	}
}

func TestTypeFilteredSubscription(t *testing.T) {
	t.Parallel()

	b := New()
	var got []event.Type
	b.On(func(ev event.SessionEvent) {
		got = append(got, ev.Type)
	}, event.TypeError)

	b.Publish(logEvent("ignored"))
	b.Publish(event.New(event.TypeError, event.ErrorPayload{Message: "boom"}, event.Context{}))

	if len(got) != 1 || got[0] != event.TypeError {
		t.Fatalf("filter failed: %v", got)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	t.Parallel()

	b := New()
	count := 0
	unsubscribe := b.On(func(event.SessionEvent) { count++ })

	b.Publish(logEvent("one"))
	unsubscribe()
	b.Publish(logEvent("two"))

	if count != 1 {
		t.Fatalf("expected 1 delivery, got %d", count)
	}
}

func TestPanickingHandlerDoesNotStopSiblings(t *testing.T) {
	t.Parallel()

	b := New()
	delivered := false
	b.On(func(event.SessionEvent) { panic("handler bug") })
	b.On(func(event.SessionEvent) { delivered = true })

	b.Publish(logEvent("survives"))

	if !delivered {
		t.Fatal("sibling handler did not run after panic")
	}
}

func TestDestroyDropsSubscribersAndFutureEvents(t *testing.T) {
	t.Parallel()

	b := New()
	count := 0
	b.On(func(event.SessionEvent) { count++ })

	b.Publish(logEvent("before"))
	b.Destroy()
	b.Publish(logEvent("after"))

	if count != 1 {
		t.Fatalf("expected 1 delivery, got %d", count)
	}
	if !b.Destroyed() {
		t.Fatal("bus should report destroyed")
	}
}

func TestSubscribeAfterDestroyIsInert(t *testing.T) {
	t.Parallel()

	b := New()
	b.Destroy()

	count := 0
	unsubscribe := b.On(func(event.SessionEvent) { count++ })
	b.Publish(logEvent("late"))
	unsubscribe()

	if count != 0 {
		t.Fatalf("handler ran on destroyed bus: %d", count)
	}
}
