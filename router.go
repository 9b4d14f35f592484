package unimart

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/unimart/sdk/golang/internal/logger"
)

// Handler receives one decoded event.
type Handler func(Event)

// HandlerID identifies a registration for RemoveMessageHandler. The zero
// value is never issued.
type HandlerID uint64

type registration struct {
	id   HandlerID
	fn   Handler
	live atomic.Bool
}

// Router dispatches events by kind to registered handlers. Handlers for one
// kind run synchronously in registration order. The per-kind tables are
// copy-on-write, so handlers may add or remove registrations (including their
// own) while a dispatch is in progress; a removed handler is never invoked
// again, not even later in the dispatch that removed it.
type Router struct {
	mu       sync.Mutex
	nextID   HandlerID
	handlers map[EventKind][]*registration
	log      *slog.Logger
}

// NewRouter creates an empty router. A nil logger uses the package default.
func NewRouter(log *slog.Logger) *Router {
	return &Router{
		handlers: make(map[EventKind][]*registration),
		log:      logger.Or(log),
	}
}

// AddMessageHandler registers h for every event of the given kind and returns
// the id needed to remove it. A nil handler is ignored and yields 0.
func (r *Router) AddMessageHandler(kind EventKind, h Handler) HandlerID {
	if h == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	reg := &registration{id: r.nextID, fn: h}
	reg.live.Store(true)

	cur := r.handlers[kind]
	next := make([]*registration, len(cur), len(cur)+1)
	copy(next, cur)
	r.handlers[kind] = append(next, reg)
	return reg.id
}

// RemoveMessageHandler deregisters a handler. It reports whether a live
// registration was found.
func (r *Router) RemoveMessageHandler(kind EventKind, id HandlerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.handlers[kind]
	for i, reg := range cur {
		if reg.id != id {
			continue
		}
		reg.live.Store(false)
		next := make([]*registration, 0, len(cur)-1)
		next = append(next, cur[:i]...)
		next = append(next, cur[i+1:]...)
		if len(next) == 0 {
			delete(r.handlers, kind)
		} else {
			r.handlers[kind] = next
		}
		return true
	}
	return false
}

// Subscribe is AddMessageHandler returning a func that removes the handler.
func (r *Router) Subscribe(kind EventKind, h Handler) (unsubscribe func()) {
	id := r.AddMessageHandler(kind, h)
	var once sync.Once
	return func() {
		once.Do(func() { r.RemoveMessageHandler(kind, id) })
	}
}

// HandlerCount returns the number of live handlers for kind.
func (r *Router) HandlerCount(kind EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handlers[kind])
}

// Dispatch invokes every live handler registered for ev.Kind() and returns
// how many ran. Events without handlers are dropped.
func (r *Router) Dispatch(ev Event) int {
	if ev == nil {
		return 0
	}
	r.mu.Lock()
	snapshot := r.handlers[ev.Kind()]
	r.mu.Unlock()

	invoked := 0
	for _, reg := range snapshot {
		if !reg.live.Load() {
			continue
		}
		r.invoke(reg, ev)
		invoked++
	}
	if invoked == 0 && ev.Kind() == KindUnknown {
		if u, ok := ev.(UnknownEvent); ok {
			r.log.Debug("dropping frame of unknown type", "type", u.Type)
		}
	}
	return invoked
}

func (r *Router) invoke(reg *registration, ev Event) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("event handler panicked", "kind", ev.Kind().String(), "handler", uint64(reg.id), "panic", p)
		}
	}()
	reg.fn(ev)
}
