// Package ring provides a fixed-capacity FIFO that evicts its oldest item on overflow.
package ring

// Ring is not safe for concurrent use; callers guard it with their own lock.
type Ring[T any] struct {
	items []T
	head  int // next write position
	size  int
}

// New returns an empty ring. Capacities below 1 are raised to 1.
func New[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{items: make([]T, capacity)}
}

// Push appends item. When the ring is full the oldest item is evicted and
// returned with evicted=true.
func (r *Ring[T]) Push(item T) (old T, evicted bool) {
	if r.size == len(r.items) {
		old = r.items[r.head]
		evicted = true
	} else {
		r.size++
	}
	r.items[r.head] = item
	r.head = (r.head + 1) % len(r.items)
	return old, evicted
}

// Pop removes and returns the oldest item.
func (r *Ring[T]) Pop() (item T, ok bool) {
	if r.size == 0 {
		return item, false
	}
	tail := (r.head - r.size + len(r.items)) % len(r.items)
	item = r.items[tail]
	var zero T
	r.items[tail] = zero
	r.size--
	return item, true
}

// Items returns a copy of the contents, oldest first.
func (r *Ring[T]) Items() []T {
	out := make([]T, 0, r.size)
	tail := (r.head - r.size + len(r.items)) % len(r.items)
	for i := 0; i < r.size; i++ {
		out = append(out, r.items[(tail+i)%len(r.items)])
	}
	return out
}

// Last returns the newest item.
func (r *Ring[T]) Last() (item T, ok bool) {
	if r.size == 0 {
		return item, false
	}
	return r.items[(r.head-1+len(r.items))%len(r.items)], true
}

func (r *Ring[T]) Len() int { return r.size }
func (r *Ring[T]) Cap() int { return len(r.items) }

// Reset drops every item.
func (r *Ring[T]) Reset() {
	var zero T
	for i := range r.items {
		r.items[i] = zero
	}
	r.head, r.size = 0, 0
}
