package cfi

import (
	"go.uber.org/zap"

	"github.com/zboralski/cfiwatch/internal/apihook"
	"github.com/zboralski/cfiwatch/internal/log"
	"github.com/zboralski/cfiwatch/internal/process"
	"github.com/zboralski/cfiwatch/internal/shadow"
	"github.com/zboralski/cfiwatch/internal/trace"
	"github.com/zboralski/cfiwatch/internal/whitelist"
)

// OnCall handles a direct call: the return address is pushed on the current
// fiber and added to the process's misc whitelist.
func (e *Engine) OnCall(b Branch) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.halted != nil {
		return ErrHalted
	}
	p, ok := e.procs.Get(b.ASID)
	if !ok {
		e.stats.Skipped++
		return nil
	}
	e.stats.Calls++
	e.push(p, b)
	return nil
}

func (e *Engine) push(p *process.Entry, b Branch) {
	th, fid := e.resolve(p, b)
	ret := b.ReturnAddr()
	before := p.Threads.Resets()
	f := p.Threads.Push(th.TID, fid, b.Kernel, ret, b.ESP)
	if p.Threads.Resets() != before {
		e.stats.StackResets++
		e.log.Debug("shadow stack overflow, fiber reset",
			log.ASID(p.ASID), zap.Uint32("tid", th.TID), zap.Uint32("fiber", f.ID))
		e.event(trace.Overflow, b.EIP, p.Name, "fiber="+hex(f.ID))
	}
	p.Misc.Add(ret)
}

// OnIndirect handles FF /2../5 and 9A. Calls also push like a direct call.
// The target is authorized by the process's own whitelist, then the System
// process's, then the dynamic regions.
func (e *Engine) OnIndirect(b Branch) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.halted != nil {
		return ErrHalted
	}
	if b.Op == OpCallFar {
		return e.fatal("indirect", b.ASID, b.EIP, ErrFarCall)
	}
	p, ok := e.procs.Get(b.ASID)
	if !ok {
		e.stats.Skipped++
		return nil
	}
	e.stats.Indirect++
	if b.Op.IsCall() {
		e.stats.Calls++
		e.push(p, b)
	}
	if !e.judged(p, b.Kernel) {
		return nil
	}

	src, ok := e.whitelisted(p, b.Target)
	switch {
	case !ok:
		e.stats.Misses++
		e.violate(p, b, "indirect", b.Op.String(), trace.Indirect)
	case src == trace.Module:
		e.stats.HitModule++
	case src == trace.System:
		e.stats.HitSystem++
	case src == trace.Dynamic:
		e.stats.HitDynamic++
	}
	return nil
}

// OnReturn matches a ret against the shadow stack. The slot key is the stack
// pointer just above the return address, which equals the ESP recorded at
// the call.
func (e *Engine) OnReturn(b Branch) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.halted != nil {
		return ErrHalted
	}
	p, ok := e.procs.Get(b.ASID)
	if !ok {
		e.stats.Skipped++
		return nil
	}
	e.stats.Returns++

	th, fid := e.resolve(p, b)
	mode := shadow.ModeOf(b.Kernel)
	f := th.Fiber(mode, fid)
	judged := e.judged(p, b.Kernel)
	key := b.ESP + 4

	if f != nil {
		if i, ok := f.Lookup(key); ok {
			fr, err := f.PopToIndex(i)
			if err != nil {
				return e.fatal("ret", b.ASID, b.EIP, err)
			}
			th.Prune(mode, f)
			if fr.Addr == b.Target {
				e.stats.RetMatched++
				return nil
			}
			e.mismatch(p, b, fr.Addr, judged)
			return nil
		}
		if f.Holds(b.Target) {
			f.PopUntil(b.Target)
			th.Prune(mode, f)
			e.stats.RetMatched++
			e.stats.RetResynced++
			if e.log.Core().Enabled(zap.DebugLevel) {
				e.log.Debug("shadow stack resynchronized", debugBranch(b)...)
			}
			return nil
		}
	}

	if _, ok := e.whitelisted(p, b.Target); ok {
		e.stats.RetWhitelistFallback++
		return nil
	}
	e.stats.RetUnresolved++
	if judged {
		e.violate(p, b, "ret", "unresolved", trace.Return)
	}
	return nil
}

func (e *Engine) mismatch(p *process.Entry, b Branch, expected uint32, judged bool) {
	if _, ok := e.whitelisted(p, b.Target); ok {
		e.stats.RetWhitelistedMismatch++
		e.event(trace.Mismatch, b.EIP, p.Name, "expected="+hex(expected)+" got="+hex(b.Target))
		return
	}
	e.stats.RetUnresolved++
	if judged {
		e.violate(p, b, "ret", "mismatch expected="+hex(expected), trace.Mismatch)
	}
}

// OnAllocReturn records an executable allocation of the process.
func (e *Engine) OnAllocReturn(asid, base, size uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.halted != nil {
		return ErrHalted
	}
	return e.alloc(asid, base, size)
}

func (e *Engine) alloc(asid, base, size uint32) error {
	p, ok := e.procs.Get(asid)
	if !ok {
		return e.fatal("alloc", asid, base, ErrUnknownProcess)
	}
	e.stats.Allocs++
	if !p.Dynamic.Insert(base, size) {
		e.log.Debug("dynamic region rejected", log.ASID(asid), log.Addr(uint64(base)), log.Size(uint64(size)))
		return nil
	}
	e.event(trace.Alloc, base, p.Name, "size="+hex(size))
	return nil
}

// OnFree removes the dynamic region starting at base.
func (e *Engine) OnFree(asid, base uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.halted != nil {
		return ErrHalted
	}
	return e.free(asid, base)
}

func (e *Engine) free(asid, base uint32) error {
	p, ok := e.procs.Get(asid)
	if !ok {
		return e.fatal("free", asid, base, ErrUnknownProcess)
	}
	e.stats.Frees++
	if p.Dynamic.Remove(base) {
		e.event(trace.Free, base, p.Name, "")
	}
	return nil
}

// OnModuleLoad maps a module into the process and resolves its whitelist.
// A module that cannot be resolved stays mapped but unwhitelisted.
func (e *Engine) OnModuleLoad(asid uint32, name string, base, size uint32, fullPath string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.halted != nil {
		return ErrHalted
	}
	p := e.procs.Ensure(asid)
	key := whitelist.Normalize(name)
	if key == "" || key == "." {
		key = whitelist.Normalize(fullPath)
	}

	m := &process.Module{Name: key, Base: base, Size: size, Path: fullPath}
	rec, err := e.store.Resolve(key, whitelist.Candidates(e.mountRoot, fullPath, key))
	if err != nil {
		e.log.Debug("module not whitelisted", zap.String("module", key), zap.Error(err))
	} else {
		m.Record = rec
	}
	if !p.AddModule(m) {
		e.log.Warn("module range overlaps a loaded module",
			log.ASID(asid), zap.String("module", key), log.Addr(uint64(base)), log.Size(uint64(size)))
	}
	if key == "ntdll.dll" {
		p.Init |= process.NtdllLoaded
	}
	e.event(trace.Module, base, p.Name, key)
	return nil
}

// OnModuleUnload unmaps the module starting at base.
func (e *Engine) OnModuleUnload(asid, base uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.halted != nil {
		return ErrHalted
	}
	if p, ok := e.procs.Get(asid); ok {
		p.RemoveModule(base)
	}
	return nil
}

// OnProcessCreate names an address space.
func (e *Engine) OnProcessCreate(asid, pid uint32, name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.halted != nil {
		return ErrHalted
	}
	p := e.procs.SetName(asid, pid, name)
	e.log.Info("process", log.ASID(asid), log.PID(pid), log.Proc(name), zap.Bool("system", p.Priority))
	return nil
}

// OnProcessExit tears an address space down, dropping its pending API calls.
func (e *Engine) OnProcessExit(asid uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.halted != nil {
		return ErrHalted
	}
	for _, ret := range e.pending.DropASID(asid) {
		if e.host != nil {
			e.host.RemoveReturnHook(ret)
		}
	}
	e.procs.Remove(asid)
	return nil
}

// ForceInitialized marks an address space fully initialized, creating it if
// needed. Standalone hosts without a process-creation notification use it.
func (e *Engine) ForceInitialized(asid uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.procs.Ensure(asid).Init |= process.FullyInitialized
}

// OnAPICall decodes the arguments of a hooked API at its entry. When the
// call is tracked it returns the return address and whether the host must
// install a return hook there (false when one is already pending).
func (e *Engine) OnAPICall(asid uint32, name string, esp uint32) (ret uint32, install bool, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.halted != nil {
		return 0, false, ErrHalted
	}
	def, ok := e.hooks.Lookup(name)
	if !ok {
		return 0, false, nil
	}
	if _, ok := e.procs.Get(asid); !ok || e.guest == nil {
		return 0, false, nil
	}
	c, err := def.Begin(asid, esp, e.guest.ReadU32, e.hookOptions)
	if err != nil {
		e.log.Debug("api arguments unreadable", log.Fn(name), zap.Error(err))
		return 0, false, nil
	}
	install = e.pending.Add(c)
	return c.RetAddr, install, nil
}

// OnAPIReturn completes the pending call returning to retAddr and applies
// its effect on the dynamic regions.
func (e *Engine) OnAPIReturn(asid, retAddr, eax, esp uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.halted != nil {
		return ErrHalted
	}
	c, ok := e.pending.Take(asid, retAddr)
	if !ok {
		return nil
	}
	if !e.pending.Waiting(retAddr) && e.host != nil {
		e.host.RemoveReturnHook(retAddr)
	}
	def, ok := e.hooks.Lookup(c.API)
	if !ok || !def.Finish(c, eax) {
		return nil
	}
	e.log.Debug("api return", log.Fn(c.API), log.Ptr("eax", uint64(eax)), log.Ptr("esp", uint64(esp)))

	switch c.Kind {
	case apihook.Alloc:
		return e.alloc(asid, c.Base, c.Size)
	case apihook.Free:
		return e.free(asid, c.Base)
	}
	return nil
}
