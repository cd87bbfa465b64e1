package shadow

import "sort"

// Mode selects the kernel or user fiber arena of a thread.
type Mode int

const (
	User Mode = iota
	Kernel
)

// ModeOf maps a kernel flag to a Mode.
func ModeOf(kernel bool) Mode {
	if kernel {
		return Kernel
	}
	return User
}

func (m Mode) String() string {
	if m == Kernel {
		return "kernel"
	}
	return "user"
}

// arena holds the fibers of one thread in one mode, in creation order.
type arena struct {
	fibers []*Fiber
	byID   map[uint32]*Fiber
}

func (a *arena) add(f *Fiber) {
	if a.byID == nil {
		a.byID = make(map[uint32]*Fiber)
	}
	a.fibers = append(a.fibers, f)
	a.byID[f.ID] = f
}

func (a *arena) remove(f *Fiber) {
	delete(a.byID, f.ID)
	for i, g := range a.fibers {
		if g == f {
			a.fibers = append(a.fibers[:i], a.fibers[i+1:]...)
			return
		}
	}
}

// Thread is the shadow state of one guest thread.
type Thread struct {
	TID uint32

	arenas [2]arena
	pages  [2]uint32 // last known stack page per mode
}

// StackPage returns the last recorded stack page for the mode.
func (t *Thread) StackPage(m Mode) uint32 { return t.pages[m] }

// SetStackPage records the stack page last seen for the mode.
func (t *Thread) SetStackPage(m Mode, page uint32) { t.pages[m] = page }

// Fibers returns the fibers of a mode in creation order.
func (t *Thread) Fibers(m Mode) []*Fiber {
	return append([]*Fiber(nil), t.arenas[m].fibers...)
}

// Fiber returns the fiber with the given id. An unknown id falls back to the
// first-created fiber of the arena; nil means the arena is empty.
func (t *Thread) Fiber(m Mode, id uint32) *Fiber {
	a := &t.arenas[m]
	if f, ok := a.byID[id]; ok {
		return f
	}
	if len(a.fibers) > 0 {
		return a.fibers[0]
	}
	return nil
}

// Prune removes f from its arena when it is empty, unless it is the last
// fiber of that mode. It reports whether f was removed.
func (t *Thread) Prune(m Mode, f *Fiber) bool {
	a := &t.arenas[m]
	if f == nil || !f.Empty() || len(a.fibers) <= 1 {
		return false
	}
	if a.byID[f.ID] != f {
		return false
	}
	a.remove(f)
	return true
}

// Manager owns the threads of one address space.
type Manager struct {
	threads  map[uint32]*Thread
	capacity int
	resets   int
}

// NewManager returns a manager whose fibers hold at most capacity frames.
// A non-positive capacity selects DefaultCapacity.
func NewManager(capacity int) *Manager {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Manager{
		threads:  make(map[uint32]*Thread),
		capacity: capacity,
	}
}

// Thread returns the thread with the given id, creating it when create is set.
func (m *Manager) Thread(tid uint32, create bool) *Thread {
	t, ok := m.threads[tid]
	if !ok && create {
		t = &Thread{TID: tid}
		m.threads[tid] = t
	}
	return t
}

// Push records a call on the identified fiber, creating it when the thread
// has none by that id.
func (m *Manager) Push(tid, fiberID uint32, kernel bool, addr, sp uint32) *Fiber {
	t := m.Thread(tid, true)
	mode := ModeOf(kernel)
	a := &t.arenas[mode]
	f, ok := a.byID[fiberID]
	if !ok {
		f = newFiber(fiberID, m.capacity)
		a.add(f)
	}
	if f.Push(addr, sp) {
		m.resets++
	}
	return f
}

// Current returns the fiber for a lookup on the return path, following the
// fallback rule of Thread.Fiber. It returns nil when nothing was recorded.
func (m *Manager) Current(tid, fiberID uint32, kernel bool) *Fiber {
	t, ok := m.threads[tid]
	if !ok {
		return nil
	}
	return t.Fiber(ModeOf(kernel), fiberID)
}

// RemoveThread drops a thread and all its fibers.
func (m *Manager) RemoveThread(tid uint32) {
	delete(m.threads, tid)
}

// Resets returns how many fiber overflows the manager has seen.
func (m *Manager) Resets() int { return m.resets }

// Len returns the number of tracked threads.
func (m *Manager) Len() int { return len(m.threads) }

// Threads returns the tracked threads ordered by id.
func (m *Manager) Threads() []*Thread {
	out := make([]*Thread, 0, len(m.threads))
	for _, t := range m.threads {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TID < out[j].TID })
	return out
}
