package protect

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jdtait/nest-protect-gateway/internal/pkg/logging"
)

// EventListener receives device events.  Listeners run synchronously
// on the emitting goroutine and must not block for long.
type EventListener func(Event)

type listenerRegistry struct {
	mu        sync.Mutex
	nextID    int
	listeners map[int]EventListener
}

func newListenerRegistry() *listenerRegistry {
	return &listenerRegistry{
		listeners: make(map[int]EventListener),
	}
}

func (r *listenerRegistry) add(l EventListener) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	r.listeners[r.nextID] = l
	return r.nextID
}

func (r *listenerRegistry) remove(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.listeners, id)
}

// emit fans the event out to every listener, best effort.  A
// panicking listener is logged and does not block the others or
// change the outcome of the command that emitted the event.
func (r *listenerRegistry) emit(ev Event) {
	r.mu.Lock()
	snapshot := make([]EventListener, 0, len(r.listeners))
	for _, l := range r.listeners {
		snapshot = append(snapshot, l)
	}
	r.mu.Unlock()

	for _, l := range snapshot {
		func() {
			defer func() {
				if p := recover(); p != nil {
					logging.Logger(nil).Errorf("event listener panic: %v", p)
				}
			}()
			l(ev)
		}()
	}
}

func newEvent(deviceID, eventType string, data map[string]interface{}) Event {
	return Event{
		EventID:   uuid.New().String(),
		DeviceID:  deviceID,
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		EventData: data,
	}
}
