package mqtt

import (
	"sort"
	"sync"
	"time"
)

// MessageHandler is the callback signature for received messages.
//
// Handlers run on the client's message goroutine, one message at a time and
// in broker order. They should not block for extended periods.
//
// Parameters:
//   - topic: The topic the message was received on (wildcards expanded)
//   - payload: The raw message payload (typically JSON)
//   - meta: Delivery metadata
//
// Returns:
//   - error: Logged and reported; does not affect delivery to other handlers
type MessageHandler func(topic string, payload []byte, meta Metadata) error

// Metadata describes how a message was delivered.
type Metadata struct {
	QoS        byte
	Retained   bool
	Duplicate  bool
	MessageID  uint16
	ReceivedAt time.Time
}

// Handler is a registered MessageHandler. Subscriptions are keyed by the
// *Handler pointer, so keep the value returned by NewHandler to remove the
// handler later.
type Handler struct {
	fn MessageHandler
}

// NewHandler wraps fn for use with Subscribe and Unsubscribe.
func NewHandler(fn MessageHandler) *Handler {
	return &Handler{fn: fn}
}

// router maps exact topic strings to ordered handler sets.
// Wildcard filters are stored under the filter string itself; per-device
// fan-out for device filters is done by the device registry.
type router struct {
	mu     sync.RWMutex
	routes map[string][]*Handler
}

func newRouter() *router {
	return &router{routes: make(map[string][]*Handler)}
}

// add puts h in the topic's set. Adding a handler that is already present is
// a no-op and returns false.
func (r *router) add(topic string, h *Handler) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.routes[topic] {
		if existing == h {
			return false
		}
	}
	r.routes[topic] = append(r.routes[topic], h)
	return true
}

// remove deletes h from the topic's set and prunes the entry once empty.
// removed reports whether h was present; empty reports whether the topic
// has no handlers left.
func (r *router) remove(topic string, h *Handler) (removed, empty bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.routes[topic]
	for i, existing := range set {
		if existing == h {
			set = append(set[:i:i], set[i+1:]...)
			removed = true
			break
		}
	}

	if len(set) == 0 {
		delete(r.routes, topic)
		return removed, true
	}
	r.routes[topic] = set
	return removed, false
}

// clear drops every handler registered for topic.
func (r *router) clear(topic string) {
	r.mu.Lock()
	delete(r.routes, topic)
	r.mu.Unlock()
}

// reset drops every route.
func (r *router) reset() {
	r.mu.Lock()
	r.routes = make(map[string][]*Handler)
	r.mu.Unlock()
}

// handlers returns a copy of the topic's handler set in registration order.
func (r *router) handlers(topic string) []*Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.routes[topic]
	if len(set) == 0 {
		return nil
	}
	out := make([]*Handler, len(set))
	copy(out, set)
	return out
}

// topics returns the routed topics, sorted.
func (r *router) topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.routes))
	for t := range r.routes {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
