// Package process tracks the guest address spaces the engine knows about.
package process

import (
	"sort"
	"strings"

	"github.com/zboralski/cfiwatch/internal/interval"
	"github.com/zboralski/cfiwatch/internal/shadow"
	"github.com/zboralski/cfiwatch/internal/whitelist"
)

// Init bits. A process is judged only once both are set.
const (
	NameKnown        uint8 = 0x1
	NtdllLoaded      uint8 = 0x2
	FullyInitialized       = NameKnown | NtdllLoaded
)

// SystemPID is the pid of the System process.
const SystemPID = 4

// Module is one loaded image.
type Module struct {
	Name   string
	Base   uint32
	Size   uint32
	Path   string // guest path as reported by the host
	Record *whitelist.ModuleRecord
}

// Cursor remembers the thread and fiber last resolved in one mode. The
// thread's recorded stack page decides when the guest is asked again.
type Cursor struct {
	Valid bool
	TID   uint32
	Fiber uint32
}

// Entry is the state of one address space.
type Entry struct {
	ASID uint32
	PID  uint32
	Name string
	Init uint8

	Modules  interval.Set
	byStart  map[uint32]*Module
	Misc     *whitelist.AddressSet // absolute addresses
	Dynamic  interval.Set          // executable allocations
	Threads  *shadow.Manager
	Cursors  [2]Cursor
	Priority bool // set for the System process
}

func newEntry(asid uint32, capacity int) *Entry {
	return &Entry{
		ASID:    asid,
		byStart: make(map[uint32]*Module),
		Misc:    whitelist.NewAddressSet(0),
		Threads: shadow.NewManager(capacity),
	}
}

// Initialized reports whether both init bits are set.
func (e *Entry) Initialized() bool {
	return e.Init&FullyInitialized == FullyInitialized
}

// AddModule inserts the module's range. It returns false when the range
// overlaps a module already mapped.
func (e *Entry) AddModule(m *Module) bool {
	if !e.Modules.Insert(m.Base, m.Size) {
		return false
	}
	e.byStart[m.Base] = m
	return true
}

// RemoveModule unmaps the module starting at base.
func (e *Entry) RemoveModule(base uint32) bool {
	if !e.Modules.Remove(base) {
		return false
	}
	delete(e.byStart, base)
	return true
}

// ModuleAt returns the module whose range covers addr.
func (e *Entry) ModuleAt(addr uint32) (*Module, bool) {
	iv, ok := e.Modules.Find(addr)
	if !ok {
		return nil, false
	}
	m, ok := e.byStart[uint32(iv.Start)]
	return m, ok
}

// ModuleByName returns the first loaded module with the given base name.
func (e *Entry) ModuleByName(name string) (*Module, bool) {
	key := whitelist.Normalize(name)
	for _, iv := range e.Modules.Intervals() {
		if m := e.byStart[uint32(iv.Start)]; m != nil && whitelist.Normalize(m.Name) == key {
			return m, true
		}
	}
	return nil, false
}

// ModuleList returns the loaded modules in address order.
func (e *Entry) ModuleList() []*Module {
	ivs := e.Modules.Intervals()
	out := make([]*Module, 0, len(ivs))
	for _, iv := range ivs {
		if m := e.byStart[uint32(iv.Start)]; m != nil {
			out = append(out, m)
		}
	}
	return out
}

// Whitelisted reports whether addr is a legitimate target of the entry's own
// modules or its misc set.
func (e *Entry) Whitelisted(addr uint32) bool {
	if e.Misc.Contains(addr) {
		return true
	}
	m, ok := e.ModuleAt(addr)
	return ok && m.Record.Contains(addr-m.Base)
}

// InDynamic reports whether addr falls inside an executable allocation.
func (e *Entry) InDynamic(addr uint32) bool {
	return e.Dynamic.Contains(addr)
}

// IsSystem reports whether pid/name identify the System process.
func IsSystem(pid uint32, name string) bool {
	return pid == SystemPID || strings.EqualFold(name, "System")
}

// Registry maps address-space ids to entries.
type Registry struct {
	entries    map[uint32]*Entry
	systemASID uint32
	hasSystem  bool
	capacity   int
}

// NewRegistry returns an empty registry. capacity is passed to every
// process's shadow stack manager.
func NewRegistry(capacity int) *Registry {
	return &Registry{
		entries:  make(map[uint32]*Entry),
		capacity: capacity,
	}
}

// Get returns the entry for asid.
func (r *Registry) Get(asid uint32) (*Entry, bool) {
	e, ok := r.entries[asid]
	return e, ok
}

// Ensure returns the entry for asid, creating an empty one if unseen.
func (r *Registry) Ensure(asid uint32) *Entry {
	e, ok := r.entries[asid]
	if !ok {
		e = newEntry(asid, r.capacity)
		r.entries[asid] = e
	}
	return e
}

// SetName records the pid and name of asid and sets NameKnown. It registers
// the System process when pid/name identify it.
func (r *Registry) SetName(asid, pid uint32, name string) *Entry {
	e := r.Ensure(asid)
	e.PID = pid
	e.Name = name
	e.Init |= NameKnown
	if IsSystem(pid, name) {
		e.Priority = true
		r.systemASID = asid
		r.hasSystem = true
	}
	return e
}

// System returns the System process entry, if registered.
func (r *Registry) System() (*Entry, bool) {
	if !r.hasSystem {
		return nil, false
	}
	return r.Get(r.systemASID)
}

// Remove tears down asid.
func (r *Registry) Remove(asid uint32) bool {
	if _, ok := r.entries[asid]; !ok {
		return false
	}
	delete(r.entries, asid)
	if r.hasSystem && r.systemASID == asid {
		r.hasSystem = false
	}
	return true
}

// Len returns the number of tracked address spaces.
func (r *Registry) Len() int { return len(r.entries) }

// Entries returns all entries ordered by address-space id.
func (r *Registry) Entries() []*Entry {
	out := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ASID < out[j].ASID })
	return out
}
