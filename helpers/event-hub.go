package helpers

import "sync"

// EventHub fans events out to every watcher. Each watcher sees the events in
// the order they were broadcast, a slow watcher delays the others.
type EventHub[T any] struct {
	mu       sync.Mutex
	sendMu   sync.Mutex
	watchers map[int]*watcher[T]
	next     int
}

type watcher[T any] struct {
	ch   chan T
	done chan struct{}
	once sync.Once
}

// Watch registers a watcher. The returned func unregisters it, events sent
// after that are dropped for this watcher.
func (h *EventHub[T]) Watch(buffer int) (<-chan T, func()) {
	w := &watcher[T]{
		ch:   make(chan T, buffer),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	if h.watchers == nil {
		h.watchers = make(map[int]*watcher[T])
	}
	id := h.next
	h.next++
	h.watchers[id] = w
	h.mu.Unlock()

	return w.ch, func() {
		w.once.Do(func() {
			close(w.done)
			h.mu.Lock()
			delete(h.watchers, id)
			h.mu.Unlock()
		})
	}
}

func (h *EventHub[T]) Broadcast(event T) {
	h.sendMu.Lock()
	defer h.sendMu.Unlock()

	h.mu.Lock()
	watchers := make([]*watcher[T], 0, len(h.watchers))
	for _, w := range h.watchers {
		watchers = append(watchers, w)
	}
	h.mu.Unlock()

	for _, w := range watchers {
		select {
		case w.ch <- event:
		case <-w.done:
		}
	}
}

func (h *EventHub[T]) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.watchers)
}
