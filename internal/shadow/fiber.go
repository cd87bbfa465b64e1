// Package shadow maintains per-thread, per-fiber shadow call stacks.
//
// Every fiber is a LIFO of (return address, stack pointer) frames plus a
// reverse index from stack pointer to position, so a return can be matched to
// its call by the stack slot it unwinds through rather than by address alone.
package shadow

import "errors"

var (
	// ErrEmptyStack is returned when popping an empty fiber.
	ErrEmptyStack = errors.New("shadow stack empty")

	// ErrIndexRange is returned when PopToIndex is given a position that is
	// not on the stack.
	ErrIndexRange = errors.New("shadow stack index out of range")
)

// DefaultCapacity bounds a fiber's depth. A push at capacity resets it.
const DefaultCapacity = 8192

// Frame is one shadow-stack entry.
type Frame struct {
	Addr uint32 // expected return address
	SP   uint32 // stack pointer at the call, before the return address is pushed
}

// Fiber is one shadow call stack.
type Fiber struct {
	ID uint32

	frames   []Frame
	index    map[uint32]int
	capacity int
	resets   int
}

func newFiber(id uint32, capacity int) *Fiber {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Fiber{
		ID:       id,
		index:    make(map[uint32]int),
		capacity: capacity,
	}
}

// Len returns the stack depth.
func (f *Fiber) Len() int { return len(f.frames) }

// Empty reports whether the stack holds no frames.
func (f *Fiber) Empty() bool { return len(f.frames) == 0 }

// Resets returns how many times the fiber overflowed and was cleared.
func (f *Fiber) Resets() int { return f.resets }

// Top returns the most recent frame.
func (f *Fiber) Top() (Frame, bool) {
	if len(f.frames) == 0 {
		return Frame{}, false
	}
	return f.frames[len(f.frames)-1], true
}

// Frames returns a copy of the stack, bottom first.
func (f *Fiber) Frames() []Frame {
	return append([]Frame(nil), f.frames...)
}

// Push records a call. It reports whether the fiber was at capacity and had
// to be cleared first.
func (f *Fiber) Push(addr, sp uint32) (reset bool) {
	if len(f.frames) >= f.capacity {
		f.Reset()
		f.resets++
		reset = true
	}
	f.index[sp] = len(f.frames)
	f.frames = append(f.frames, Frame{Addr: addr, SP: sp})
	return reset
}

// Reset drops every frame and index mapping.
func (f *Fiber) Reset() {
	f.frames = f.frames[:0]
	clear(f.index)
}

func (f *Fiber) drop() Frame {
	i := len(f.frames) - 1
	fr := f.frames[i]
	if j, ok := f.index[fr.SP]; ok && j == i {
		delete(f.index, fr.SP)
	}
	f.frames = f.frames[:i]
	return fr
}

// Pop removes and returns the top frame.
func (f *Fiber) Pop() (Frame, error) {
	if len(f.frames) == 0 {
		return Frame{}, ErrEmptyStack
	}
	return f.drop(), nil
}

// PopUntil pops frames until one whose address equals target has been
// popped. If no frame matches the stack is drained and found is false.
func (f *Fiber) PopUntil(target uint32) (last Frame, found bool) {
	for len(f.frames) > 0 {
		last = f.drop()
		if last.Addr == target {
			return last, true
		}
	}
	return last, false
}

// PopToIndex pops every frame from the top down to and including position i
// and returns the frame that was at i.
func (f *Fiber) PopToIndex(i int) (Frame, error) {
	if i < 0 || i >= len(f.frames) {
		return Frame{}, ErrIndexRange
	}
	var last Frame
	for len(f.frames) > i {
		last = f.drop()
	}
	return last, nil
}

// Lookup returns the position of the frame recorded with stack pointer sp.
func (f *Fiber) Lookup(sp uint32) (int, bool) {
	i, ok := f.index[sp]
	if !ok || i >= len(f.frames) || f.frames[i].SP != sp {
		return 0, false
	}
	return i, true
}

// Holds reports whether any frame expects a return to addr.
func (f *Fiber) Holds(addr uint32) bool {
	for i := len(f.frames) - 1; i >= 0; i-- {
		if f.frames[i].Addr == addr {
			return true
		}
	}
	return false
}
