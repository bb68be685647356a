package events

import (
	"errors"
	"sync"
	"testing"
	"time"
)

// memStorage is an in-memory sink for assertions.
type memStorage struct {
	mu       sync.Mutex
	events   []Event
	storeErr error
	queryErr error
}

func (m *memStorage) Store(event Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.storeErr != nil {
		return m.storeErr
	}
	m.events = append(m.events, event)
	return nil
}

func (m *memStorage) Query(filters EventFilters) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.queryErr != nil {
		return nil, m.queryErr
	}
	return append([]Event(nil), m.events...), nil
}

func (m *memStorage) stored() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

type chanStream struct {
	ch chan Event
}

func (s *chanStream) PublishEvent(event Event) {
	s.ch <- event
}

func TestPublishFillsDefaults(t *testing.T) {
	mem := &memStorage{}
	bus := NewEventBus(mem)

	bus.Publish(Event{Type: EventInstancePooled, Source: "lifecycle_reactor"})

	stored := mem.stored()
	if len(stored) != 1 {
		t.Fatalf("stored %d events, want 1", len(stored))
	}
	event := stored[0]
	if event.ID == "" {
		t.Error("event ID not assigned")
	}
	if event.Timestamp.IsZero() {
		t.Error("event timestamp not assigned")
	}
	if event.Data == nil {
		t.Error("event data left nil")
	}
}

func TestSubscribersReceiveMatchingEvents(t *testing.T) {
	bus := NewEventBus(nil)
	matched := make(chan Event, 1)
	other := make(chan Event, 1)
	bus.Subscribe(EventWorkspaceReaped, func(event Event) { matched <- event })
	bus.Subscribe(EventCapacityChanged, func(event Event) { other <- event })

	bus.Publish(Event{Type: EventWorkspaceReaped, UserID: "alice", InstanceID: "i-1"})

	select {
	case event := <-matched:
		if event.UserID != "alice" || event.InstanceID != "i-1" {
			t.Errorf("event = %+v, want alice/i-1", event)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber never received the event")
	}

	select {
	case event := <-other:
		t.Fatalf("unrelated subscriber received %+v", event)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPanickedHandlerDoesNotSinkTheBus(t *testing.T) {
	bus := NewEventBus(nil)
	received := make(chan Event, 1)
	bus.Subscribe(EventPoolRepaired, func(event Event) { panic("handler bug") })
	bus.Subscribe(EventPoolRepaired, func(event Event) { received <- event })

	bus.Publish(Event{Type: EventPoolRepaired, InstanceID: "i-1"})

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("second subscriber starved by panicking first")
	}
}

func TestStreamPublisherSeesEveryEvent(t *testing.T) {
	stream := &chanStream{ch: make(chan Event, 4)}
	SetStreamPublisher(stream)
	t.Cleanup(func() { SetStreamPublisher(nil) })

	PublishAllocationCompleted("alice", "i-1", "198.51.100.7", false)
	PublishWorkspaceReaped("bob", "i-2", 7200000)

	for _, want := range []EventType{EventAllocationCompleted, EventWorkspaceReaped} {
		select {
		case event := <-stream.ch:
			if event.Type != want {
				t.Errorf("event type = %s, want %s", event.Type, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("stream never received %s", want)
		}
	}
}

func TestQueryWithoutStorage(t *testing.T) {
	bus := NewEventBus(nil)

	results, err := bus.Query(EventFilters{Limit: 10})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if results != nil {
		t.Errorf("results = %v, want nil", results)
	}
}

func TestGlobalStorageWiring(t *testing.T) {
	mem := &memStorage{}
	SetEventStorage(mem)
	t.Cleanup(func() { SetEventStorage(nil) })

	PublishCapacityChanged(1, 3, 1, 0)

	stored := mem.stored()
	if len(stored) != 1 {
		t.Fatalf("stored %d events, want 1", len(stored))
	}
	if stored[0].Type != EventCapacityChanged {
		t.Errorf("type = %s, want %s", stored[0].Type, EventCapacityChanged)
	}
	if stored[0].Data["from"] != int32(1) || stored[0].Data["to"] != int32(3) {
		t.Errorf("data = %v, want from=1 to=3", stored[0].Data)
	}

	results, err := GetEventBus().Query(EventFilters{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(results) != 1 {
		t.Errorf("query returned %d events, want 1", len(results))
	}
}

func TestStoreFailureDoesNotBlockPublish(t *testing.T) {
	mem := &memStorage{storeErr: errors.New("sink down")}
	bus := NewEventBus(mem)
	received := make(chan Event, 1)
	bus.Subscribe(EventInstanceTerminated, func(event Event) { received <- event })

	bus.Publish(Event{Type: EventInstanceTerminated, InstanceID: "i-1"})

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber starved by failing storage")
	}
}
