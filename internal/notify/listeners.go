// Package notify provides the listener list used to push state snapshots from
// the price feed, the ledger and the engine to their consumers.
package notify

import "sync"

// Listeners is an ordered set of callbacks. Notify delivers the latest value
// synchronously; there is no queue, so a consumer only ever sees what it is
// handed on each call.
type Listeners[T any] struct {
	mu    sync.RWMutex
	next  uint64
	order []uint64
	fns   map[uint64]func(T)
}

// Add registers fn and returns a cancel func removing exactly this
// registration. Once cancel returns, fn is not invoked again. Cancel must not
// be called synchronously from inside fn.
func (l *Listeners[T]) Add(fn func(T)) (cancel func()) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.fns == nil {
		l.fns = make(map[uint64]func(T))
	}
	l.next++
	id := l.next
	l.fns[id] = fn
	l.order = append(l.order, id)

	var once sync.Once
	return func() {
		once.Do(func() { l.remove(id) })
	}
}

func (l *Listeners[T]) remove(id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.fns, id)
	for i, v := range l.order {
		if v == id {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
}

// Notify calls every registered callback with v in registration order.
func (l *Listeners[T]) Notify(v T) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for _, id := range l.order {
		l.fns[id](v)
	}
}

// Len reports the number of active registrations.
func (l *Listeners[T]) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.order)
}
