package cfi

import (
	"github.com/zboralski/cfiwatch/internal/interval"
	"github.com/zboralski/cfiwatch/internal/process"
	"github.com/zboralski/cfiwatch/internal/shadow"
)

// SetMonitor selects the process name to judge. Empty judges every process.
func (e *Engine) SetMonitor(name string) {
	e.mu.Lock()
	e.monitor = name
	e.mu.Unlock()
}

// Monitor returns the monitored process name.
func (e *Engine) Monitor() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.monitor
}

// SetKernelEnforcement toggles validation of kernel-mode branches.
func (e *Engine) SetKernelEnforcement(on bool) {
	e.mu.Lock()
	e.kernel = on
	e.mu.Unlock()
}

// KernelEnforcement reports whether kernel-mode branches are validated.
func (e *Engine) KernelEnforcement() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.kernel
}

// SetMountRoot sets the host directory the guest disk is mounted under.
func (e *Engine) SetMountRoot(dir string) {
	e.mu.Lock()
	e.mountRoot = dir
	e.mu.Unlock()
}

// MountRoot returns the guest disk mount root.
func (e *Engine) MountRoot() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.mountRoot
}

// Stats returns a copy of the counters.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.stats
}

// Violations returns the most recent violations, oldest first.
func (e *Engine) Violations() []Violation {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]Violation(nil), e.recent...)
}

// Processes returns a snapshot of every tracked address space.
func (e *Engine) Processes() []ProcessInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()
	entries := e.procs.Entries()
	out := make([]ProcessInfo, 0, len(entries))
	for _, p := range entries {
		out = append(out, e.processInfo(p))
	}
	return out
}

// Process returns a snapshot of one address space.
func (e *Engine) Process(asid uint32) (ProcessInfo, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.procs.Get(asid)
	if !ok {
		return ProcessInfo{}, false
	}
	return e.processInfo(p), true
}

func (e *Engine) processInfo(p *process.Entry) ProcessInfo {
	info := ProcessInfo{
		ASID:    p.ASID,
		PID:     p.PID,
		Name:    p.Name,
		Init:    p.Init,
		System:  p.Priority,
		Judged:  p.Initialized() && e.monitored(p),
		Regions: p.Dynamic.Len(),
		Misc:    p.Misc.Len(),
		Threads: p.Threads.Len(),
	}
	for _, m := range p.ModuleList() {
		mi := ModuleInfo{Name: m.Name, Base: m.Base, Size: m.Size}
		if m.Record != nil {
			mi.Whitelisted = true
			mi.Entries = m.Record.Set.Len()
		}
		info.Modules = append(info.Modules, mi)
	}
	return info
}

// Regions returns the dynamic executable regions of an address space.
func (e *Engine) Regions(asid uint32) ([]interval.Interval, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.procs.Get(asid)
	if !ok {
		return nil, false
	}
	return p.Dynamic.Intervals(), true
}

// Threads returns the shadow-stack state of an address space.
func (e *Engine) Threads(asid uint32) ([]ThreadInfo, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.procs.Get(asid)
	if !ok {
		return nil, false
	}
	var out []ThreadInfo
	for _, th := range p.Threads.Threads() {
		for _, mode := range []shadow.Mode{shadow.User, shadow.Kernel} {
			fibers := th.Fibers(mode)
			if len(fibers) == 0 {
				continue
			}
			ti := ThreadInfo{TID: th.TID, Mode: mode.String(), StackPage: th.StackPage(mode)}
			for _, f := range fibers {
				fi := FiberInfo{ID: f.ID, Depth: f.Len(), Resets: f.Resets()}
				if top, ok := f.Top(); ok {
					fi.Top = top.Addr
				}
				ti.Fibers = append(ti.Fibers, fi)
			}
			out = append(out, ti)
		}
	}
	return out, true
}

// CurrentThread asks the guest for the running thread ids.
func (e *Engine) CurrentThread() (user, kernel uint32, ok bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.guest == nil {
		return 0, 0, false
	}
	return e.guest.ThreadID(false), e.guest.ThreadID(true), true
}
