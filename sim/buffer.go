package sim

import "log"

// A Buffer is a bounded FIFO.
type Buffer interface {
	Named

	CanPush() bool
	Push(e interface{})
	Pop() interface{}
	Peek() interface{}
	Capacity() int
	Size() int
	Clear()
}

// NewBuffer creates a buffer that holds up to capacity elements.
func NewBuffer(name string, capacity int) Buffer {
	NameMustBeValid(name)

	return &fifo{name: name, capacity: capacity}
}

type fifo struct {
	name     string
	capacity int
	elements []interface{}
}

func (b *fifo) Name() string {
	return b.name
}

func (b *fifo) CanPush() bool {
	return len(b.elements) < b.capacity
}

// Push panics when the buffer is full.
func (b *fifo) Push(e interface{}) {
	if !b.CanPush() {
		log.Panicf("buffer %s overflow", b.name)
	}

	b.elements = append(b.elements, e)
}

// Pop returns nil when the buffer is empty.
func (b *fifo) Pop() interface{} {
	if len(b.elements) == 0 {
		return nil
	}

	e := b.elements[0]
	b.elements[0] = nil
	b.elements = b.elements[1:]

	return e
}

func (b *fifo) Peek() interface{} {
	if len(b.elements) == 0 {
		return nil
	}

	return b.elements[0]
}

func (b *fifo) Capacity() int {
	return b.capacity
}

func (b *fifo) Size() int {
	return len(b.elements)
}

func (b *fifo) Clear() {
	b.elements = nil
}
