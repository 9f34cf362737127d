package domain

import "github.com/gammazero/deque"

// UpdateBuffer holds batches that arrived before the book had a baseline,
// ordered by FirstSequence. Batches with equal starts keep arrival order.
type UpdateBuffer struct {
	queue deque.Deque[ProcessBufferEntry]
}

func NewUpdateBuffer() *UpdateBuffer {
	return &UpdateBuffer{
		queue: deque.Deque[ProcessBufferEntry]{},
	}
}

func (b *UpdateBuffer) Push(entry ProcessBufferEntry) {
	b.queue.PushBack(entry)

	// batches mostly arrive in order, so this rarely moves anything
	for i := b.queue.Len() - 1; i > 0; i-- {
		prev := b.queue.At(i - 1)
		if prev.FirstSequence <= entry.FirstSequence {
			break
		}
		b.queue.Set(i, prev)
		b.queue.Set(i-1, entry)
	}
}

func (b *UpdateBuffer) Len() int {
	return b.queue.Len()
}

func (b *UpdateBuffer) Front() ProcessBufferEntry {
	return b.queue.Front()
}

func (b *UpdateBuffer) PopFront() ProcessBufferEntry {
	return b.queue.PopFront()
}

func (b *UpdateBuffer) Clear() {
	b.queue.Clear()
}

// Entries returns a copy of the buffered batches in drain order.
func (b *UpdateBuffer) Entries() []ProcessBufferEntry {
	result := make([]ProcessBufferEntry, b.queue.Len())
	for i := range result {
		result[i] = b.queue.At(i)
	}
	return result
}
