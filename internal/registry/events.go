package registry

import (
	"encoding/json"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/danmuck/xprocbus/internal/protocol/session"
	"github.com/rs/zerolog"
)

// Event is what a listener receives.
type Event struct {
	ID      string
	Payload json.RawMessage
	// OriginProcessID is the process that emitted the event.
	OriginProcessID string
}

// Listener handles one event. Local emits run listeners on the emitting
// goroutine. Events from a channel run on that channel's delivery goroutine,
// in arrival order, so a listener may call commands on the same peer but
// delays every later event from it while it runs.
type Listener func(Event)

type ListenerID uint64

// Subscription identifies one listener registration.
type Subscription struct {
	EventID string
	ID      ListenerID
	cancel  func()
}

// Unsubscribe removes the listener. Calling it more than once is a no-op.
func (s Subscription) Unsubscribe() {
	if s.cancel != nil {
		s.cancel()
	}
}

type listener struct {
	id ListenerID
	fn Listener
}

// eventBus is the local half of event delivery: listeners keyed by event id,
// panic-safe dispatch in registration order.
type eventBus struct {
	mu        sync.RWMutex
	listeners map[string][]listener
	nextID    atomic.Uint64
	log       zerolog.Logger
}

func newEventBus(log zerolog.Logger) *eventBus {
	return &eventBus{
		listeners: make(map[string][]listener),
		log:       log,
	}
}

// subscribe registers fn and reports whether it is the first listener for
// eventID.
func (b *eventBus) subscribe(eventID string, fn Listener) (ListenerID, bool) {
	id := ListenerID(b.nextID.Add(1))
	b.mu.Lock()
	defer b.mu.Unlock()
	first := len(b.listeners[eventID]) == 0
	b.listeners[eventID] = append(b.listeners[eventID], listener{id: id, fn: fn})
	return id, first
}

// unsubscribe removes a listener and reports whether it existed and whether
// eventID has no listeners left.
func (b *eventBus) unsubscribe(eventID string, id ListenerID) (removed bool, last bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.listeners[eventID]
	for i, l := range subs {
		if l.id != id {
			continue
		}
		next := make([]listener, 0, len(subs)-1)
		next = append(next, subs[:i]...)
		next = append(next, subs[i+1:]...)
		if len(next) == 0 {
			delete(b.listeners, eventID)
			return true, true
		}
		b.listeners[eventID] = next
		return true, false
	}
	return false, false
}

func (b *eventBus) publish(ev Event) int {
	b.mu.RLock()
	subs := make([]listener, len(b.listeners[ev.ID]))
	copy(subs, b.listeners[ev.ID])
	b.mu.RUnlock()

	for _, l := range subs {
		b.safeCall(l.fn, ev)
	}
	return len(subs)
}

func (b *eventBus) safeCall(fn Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().
				Str("event_id", ev.ID).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("registry.eventBus listener panicked")
		}
	}()
	fn(ev)
}

// publicIDs returns event ids with at least one listener, excluding private ones.
func (b *eventBus) publicIDs() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.listeners))
	for id := range b.listeners {
		if session.IsPrivate(id) {
			continue
		}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (b *eventBus) count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, subs := range b.listeners {
		n += len(subs)
	}
	return n
}

// AddEventListener subscribes fn to id. Subscribing the first listener of a
// public event updates the catalog sent to peers.
func (r *Registry) AddEventListener(id string, fn Listener) Subscription {
	if fn == nil {
		return Subscription{EventID: id}
	}
	lid, first := r.bus.subscribe(id, fn)
	if first && !session.IsPrivate(id) {
		r.announceAsync("")
	}
	return Subscription{
		EventID: id,
		ID:      lid,
		cancel:  func() { r.removeListener(id, lid) },
	}
}

// RemoveEventListener removes sub. Unknown subscriptions are ignored.
func (r *Registry) RemoveEventListener(sub Subscription) {
	r.removeListener(sub.EventID, sub.ID)
}

func (r *Registry) removeListener(id string, lid ListenerID) {
	removed, last := r.bus.unsubscribe(id, lid)
	if removed && last && !session.IsPrivate(id) {
		r.announceAsync("")
	}
}

// ListEvents returns public event ids with at least one local listener.
func (r *Registry) ListEvents() []string {
	return r.bus.publicIDs()
}

// ListenerCount reports how many listeners are subscribed across all events.
func (r *Registry) ListenerCount() int {
	return r.bus.count()
}

// eventQueue hands events read from one channel to a delivery goroutine so a
// slow listener never stalls the channel reader. Unbounded; order preserved.
type eventQueue struct {
	mu     sync.Mutex
	items  []Event
	closed bool
	wake   chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{wake: make(chan struct{}, 1)}
}

func (q *eventQueue) push(ev Event) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, ev)
	q.mu.Unlock()
	q.signal()
}

// close stops accepting events. Queued events are still delivered.
func (q *eventQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

func (q *eventQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// run delivers queued events until the queue is closed and drained.
func (q *eventQueue) run(deliver func(Event)) {
	for {
		q.mu.Lock()
		batch := q.items
		q.items = nil
		closed := q.closed
		q.mu.Unlock()
		for _, ev := range batch {
			deliver(ev)
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-q.wake
	}
}
