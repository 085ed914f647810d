package mqtt

import "sync"

// Status is the connection state of a Client.
type Status string

// Connection states.
//
//	disconnected → connecting → connected
//	connected → reconnecting → connected   (transient network loss)
//	any → error                            (connect failure, reconnect limit)
//	any → disconnected                     (Disconnect, ForceDisconnect)
const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusError        Status = "error"
)

// String implements fmt.Stringer.
func (s Status) String() string { return string(s) }

// StatusListener is notified after every status change.
// Calls are synchronous and ordered. A listener must not call Connect,
// Disconnect or ForceDisconnect directly; start a goroutine instead.
type StatusListener func(current, previous Status)

// observers is an ordered set of callbacks. Each registration gets its own
// slot, so the same func value may be registered twice.
type observers[T any] struct {
	mu      sync.RWMutex
	nextID  uint64
	entries []observer[T]
}

type observer[T any] struct {
	id uint64
	fn T
}

// add registers fn and returns a func that removes it. The remove func is
// idempotent.
func (o *observers[T]) add(fn T) func() {
	o.mu.Lock()
	o.nextID++
	id := o.nextID
	o.entries = append(o.entries, observer[T]{id: id, fn: fn})
	o.mu.Unlock()

	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		for i, e := range o.entries {
			if e.id == id {
				o.entries = append(o.entries[:i:i], o.entries[i+1:]...)
				return
			}
		}
	}
}

// snapshot returns the callbacks in registration order.
func (o *observers[T]) snapshot() []T {
	o.mu.RLock()
	defer o.mu.RUnlock()
	fns := make([]T, len(o.entries))
	for i, e := range o.entries {
		fns[i] = e.fn
	}
	return fns
}

func (o *observers[T]) len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.entries)
}
