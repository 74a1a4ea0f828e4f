package events

import (
	"testing"
)

func TestBusDeliversByType(t *testing.T) {
	b := NewBus()

	var opened, closed int
	b.Subscribe(EventTradeOpened, func(e Event) { opened++ })
	b.Subscribe(EventTradeClosed, func(e Event) { closed++ })

	b.Emit(EventTradeOpened, nil)
	b.Emit(EventTradeOpened, nil)
	b.Emit(EventTradeClosed, nil)

	if opened != 2 || closed != 1 {
		t.Errorf("opened=%d closed=%d, want 2 and 1", opened, closed)
	}
}

func TestBusCatchAllSeesEverything(t *testing.T) {
	b := NewBus()

	var seen []EventType
	b.SubscribeAll(func(e Event) { seen = append(seen, e.Type) })

	b.Emit(EventSignalDetected, map[string]interface{}{"direction": "long"})
	b.Emit(EventBreakerTripped, nil)

	if len(seen) != 2 || seen[0] != EventSignalDetected || seen[1] != EventBreakerTripped {
		t.Errorf("catch-all saw %v", seen)
	}
}

func TestBusStampsTimestamp(t *testing.T) {
	b := NewBus()
	b.Subscribe(EventError, func(e Event) {
		if e.Timestamp.IsZero() {
			t.Error("published event has zero timestamp")
		}
	})
	b.Emit(EventError, nil)
}
