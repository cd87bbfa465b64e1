// Package cfi is the control-flow integrity validation engine. It judges
// every call, indirect branch and return of the monitored guest processes
// against per-module whitelists, dynamic code regions and per-thread shadow
// call stacks.
//
// Events are delivered synchronously by the host. All entry points take the
// engine's write lock; introspection methods take the read lock and return
// snapshots.
package cfi

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zboralski/cfiwatch/internal/apihook"
	"github.com/zboralski/cfiwatch/internal/log"
	"github.com/zboralski/cfiwatch/internal/process"
	"github.com/zboralski/cfiwatch/internal/shadow"
	"github.com/zboralski/cfiwatch/internal/trace"
	"github.com/zboralski/cfiwatch/internal/whitelist"
)

const pageMask = 0xfff

// maxRecent bounds the violations kept for introspection.
const maxRecent = 256

// Config configures an Engine.
type Config struct {
	Store  *whitelist.Store  // nil creates a private store
	Guest  Guest             // nil treats every event as thread 0, fiber 0
	Host   Host              // nil ignores return-hook removal
	Hooks  *apihook.Registry // nil uses apihook.DefaultRegistry
	Logger *log.Logger

	MountRoot         string
	Monitor           string // process name to judge, empty judges all
	KernelEnforcement bool
	ShadowCapacity    int
	HeapExecutable    bool

	// OnViolation receives every violation as a trace event.
	OnViolation func(*trace.Event)
}

// Engine is the validation engine.
type Engine struct {
	mu sync.RWMutex

	store   *whitelist.Store
	guest   Guest
	host    Host
	hooks   *apihook.Registry
	procs   *process.Registry
	pending *apihook.Pending
	log     *log.Logger
	session string

	mountRoot   string
	monitor     string
	kernel      bool
	hookOptions apihook.Options
	onViolation func(*trace.Event)

	stats  Stats
	recent []Violation
	halted error
}

// New creates an engine.
func New(cfg Config) *Engine {
	id := uuid.NewString()
	l := log.OrNop(cfg.Logger).WithCategory("cfi").WithSession(id)

	e := &Engine{
		store:       cfg.Store,
		guest:       cfg.Guest,
		host:        cfg.Host,
		hooks:       cfg.Hooks,
		procs:       process.NewRegistry(cfg.ShadowCapacity),
		pending:     apihook.NewPending(),
		log:         l,
		session:     id,
		mountRoot:   cfg.MountRoot,
		monitor:     cfg.Monitor,
		kernel:      cfg.KernelEnforcement,
		hookOptions: apihook.Options{HeapExecutable: cfg.HeapExecutable},
		onViolation: cfg.OnViolation,
	}
	if e.store == nil {
		e.store = whitelist.NewStore(cfg.Logger)
	}
	if e.hooks == nil {
		e.hooks = apihook.DefaultRegistry
	}
	return e
}

// Session returns the id of this analysis session.
func (e *Engine) Session() string { return e.session }

// Store returns the module whitelist store.
func (e *Engine) Store() *whitelist.Store { return e.store }

// fatal halts the engine with an invariant violation.
func (e *Engine) fatal(event string, asid, addr uint32, err error) error {
	ie := &InvariantError{Event: event, ASID: asid, Addr: addr, Err: err}
	e.halted = ie
	e.log.Invariant(event, asid, addr, err)
	if e.onViolation != nil {
		ev := trace.NewEvent(trace.Invariant, asid, addr, addr)
		ev.Detail = ie.Error()
		e.onViolation(ev)
	}
	return ie
}

// Halted returns the error that halted the engine, or nil.
func (e *Engine) Halted() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.halted
}

func (e *Engine) monitored(p *process.Entry) bool {
	return e.monitor == "" || strings.EqualFold(e.monitor, p.Name)
}

// judged reports whether branches of p in the given mode are validated.
func (e *Engine) judged(p *process.Entry, kernel bool) bool {
	if !p.Initialized() || !e.monitored(p) {
		return false
	}
	return !kernel || e.kernel
}

// resolve returns the thread and fiber executing b. The guest is queried
// only when the stack pointer has left the current thread's stack page.
func (e *Engine) resolve(p *process.Entry, b Branch) (*shadow.Thread, uint32) {
	mode := shadow.ModeOf(b.Kernel)
	page := b.ESP &^ pageMask
	c := &p.Cursors[mode]
	var th *shadow.Thread
	if c.Valid {
		th = p.Threads.Thread(c.TID, false)
	}
	if th != nil && th.StackPage(mode) == page {
		return th, c.Fiber
	}

	c.TID, c.Fiber = 0, 0
	if e.guest != nil {
		c.TID = e.guest.ThreadID(b.Kernel)
		c.Fiber = e.guest.FiberID(b.Kernel)
	}
	c.Valid = true
	th = p.Threads.Thread(c.TID, true)
	th.SetStackPage(mode, page)
	return th, c.Fiber
}

// whitelisted reports whether target is authorized for p, and by which
// source: the process's own modules, the System process or a dynamic region.
func (e *Engine) whitelisted(p *process.Entry, target uint32) (trace.Tag, bool) {
	if p.Whitelisted(target) {
		return trace.Module, true
	}
	if sys, ok := e.procs.System(); ok && sys != p && sys.Whitelisted(target) {
		return trace.System, true
	}
	if p.InDynamic(target) {
		return trace.Dynamic, true
	}
	return "", false
}

func (e *Engine) violate(p *process.Entry, b Branch, kind, category string, tags ...trace.Tag) {
	v := Violation{
		Kind:     kind,
		Category: category,
		Process:  p.Name,
		ASID:     p.ASID,
		Src:      b.EIP,
		Dst:      b.Target,
	}
	e.stats.Violations++
	if len(e.recent) == maxRecent {
		copy(e.recent, e.recent[1:])
		e.recent = e.recent[:maxRecent-1]
	}
	e.recent = append(e.recent, v)
	e.log.Miss(kind, category, p.Name, p.ASID, b.EIP, b.Target)

	if e.onViolation == nil {
		return
	}
	ev := trace.NewEvent(trace.Miss, p.ASID, b.EIP, b.Target)
	ev.Process = p.Name
	ev.Detail = category
	ev.Annotate("kind", kind)
	ev.Annotate("mode", shadow.ModeOf(b.Kernel).String())
	for _, t := range tags {
		ev.AddTag(t)
	}
	trace.DefaultEnricher(ev)
	e.onViolation(ev)
}

func (e *Engine) event(tag trace.Tag, pc uint32, name, detail string) {
	e.log.Event(uint64(pc), string(tag), name, detail)
}

func hex(v uint32) string {
	return fmt.Sprintf("0x%x", v)
}

func debugBranch(b Branch) []zap.Field {
	return []zap.Field{
		log.ASID(b.ASID),
		log.Src(b.EIP),
		log.Dst(b.Target),
		log.Ptr("esp", uint64(b.ESP)),
		zap.Stringer("op", b.Op),
		zap.Bool("kernel", b.Kernel),
	}
}
