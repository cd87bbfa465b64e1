// Package stubs provides a registry for self-registering Windows API stubs.
// Each stub package uses init() to register its hooks. Install binds every
// import of a loaded image to a stub in the emulator's stub region.
//
// A stub is a "ret N" instruction with an address hook in front of it: the
// hook computes the result into EAX, then the ret pops the stdcall frame.
package stubs

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/zboralski/cfiwatch/internal/emulator"
	glog "github.com/zboralski/cfiwatch/internal/log"
)

// HookFunc is the signature for stub hook functions.
// Returns true to stop emulation, false to continue.
type HookFunc func(emu *emulator.Emulator) bool

// StubDef defines a stub with its symbol name and hook function.
type StubDef struct {
	Name     string   // Symbol name (e.g., "VirtualAlloc")
	Aliases  []string // Alternative symbol names
	Argc     int      // stdcall argument count popped by the stub's ret
	Hook     HookFunc
	Category string // For logging: "memory", "heap", "process"
}

// EnterFunc is called at a stub's entry, before its hook, with the stack
// pointer still at the return address.
type EnterFunc func(emu *emulator.Emulator, name string)

// Registry holds all registered stub definitions.
type Registry struct {
	mu    sync.RWMutex
	stubs map[string]*StubDef // lower-cased symbol name -> stub definition

	// Callbacks
	OnEnter EnterFunc
	OnCall  func(category, name, detail string)
}

// DefaultRegistry is the global registry used by init() functions.
var DefaultRegistry = NewRegistry()

// NewRegistry creates a new stub registry.
func NewRegistry() *Registry {
	return &Registry{stubs: make(map[string]*StubDef)}
}

// Register adds a stub definition to the registry.
// Called from init() functions in stub packages.
func (r *Registry) Register(def StubDef) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stubs[strings.ToLower(def.Name)] = &def
	for _, alias := range def.Aliases {
		r.stubs[strings.ToLower(alias)] = &def
	}

	if Debug && glog.L != nil {
		glog.L.Debug("registered",
			zap.String("cat", def.Category),
			zap.String("fn", def.Name),
			zap.Strings("aliases", def.Aliases),
		)
	}
}

// Lookup returns the stub registered under name.
func (r *Registry) Lookup(name string) (*StubDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.stubs[strings.ToLower(name)]
	return def, ok
}

// Binding records the stubs installed for one emulator.
type Binding struct {
	Stubs map[uint32]string // stub address -> symbol
	bySym map[string]uint32
}

// Addresses returns every stub address, sorted.
func (b *Binding) Addresses() []uint32 {
	out := make([]uint32, 0, len(b.Stubs))
	for a := range b.Stubs {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// NewBinding creates an empty binding.
func NewBinding() *Binding {
	return &Binding{Stubs: make(map[uint32]string), bySym: make(map[string]uint32)}
}

// retCode encodes the stdcall return of a stub.
func retCode(argc int) []byte {
	if argc <= 0 {
		return []byte{0xc3}
	}
	n := uint16(argc * 4)
	return []byte{0xc2, byte(n), byte(n >> 8)}
}

// Install binds every import of img to a stub. Imports without a registered
// stub get a fallback returning 0 when InstallFallbacks is set; otherwise
// their IAT slot is left untouched. Returns the number of slots bound.
func (r *Registry) Install(emu *emulator.Emulator, img *emulator.Image, b *Binding) (int, error) {
	installed := 0
	for _, imp := range img.Imports {
		name := imp.Name
		if name == "" {
			name = imp.Symbol()
		}
		addr, ok := b.bySym[strings.ToLower(name)]
		if !ok {
			def, found := r.Lookup(name)
			if !found && !InstallFallbacks {
				continue
			}
			var err error
			addr, err = r.installStub(emu, name, def)
			if err != nil {
				return installed, fmt.Errorf("stub %s: %w", imp.Symbol(), err)
			}
			b.Stubs[addr] = name
			b.bySym[strings.ToLower(name)] = addr
		}
		if err := emu.BindImport(img, imp, addr); err != nil {
			return installed, fmt.Errorf("bind %s: %w", imp.Symbol(), err)
		}
		installed++
	}
	return installed, nil
}

func (r *Registry) installStub(emu *emulator.Emulator, name string, def *StubDef) (uint32, error) {
	argc := 0
	if def != nil {
		argc = def.Argc
	}
	addr, err := emu.AllocStub(retCode(argc))
	if err != nil {
		return 0, err
	}

	emu.HookAddress(addr, func(e *emulator.Emulator) bool {
		r.mu.RLock()
		enter := r.OnEnter
		r.mu.RUnlock()
		if enter != nil {
			enter(e, name)
		}
		if def == nil {
			r.Log("fallback", name, "")
			e.SetEAX(0)
			return false
		}
		return def.Hook(e)
	})

	if Debug && glog.L != nil {
		source := "registered"
		if def == nil {
			source = "fallback"
		}
		glog.L.Debug("installed stub", zap.String("fn", name), glog.Addr(uint64(addr)), zap.String("source", source))
	}
	return addr, nil
}

// SetOnEnter sets the entry callback.
func (r *Registry) SetOnEnter(fn EnterFunc) {
	r.mu.Lock()
	r.OnEnter = fn
	r.mu.Unlock()
}

// Log calls the OnCall callback and logs via zap.
// This is the primary method for stubs to report their activity.
func (r *Registry) Log(category, name, detail string) {
	r.mu.RLock()
	cb := r.OnCall
	r.mu.RUnlock()

	if cb != nil {
		cb(category, name, detail)
	}
	if glog.L != nil {
		glog.L.Event(0, category, name, detail)
	}
}

// Count returns the number of registered stubs.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.stubs)
}

// List returns all registered stub names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.stubs))
	seen := make(map[*StubDef]bool)
	for _, def := range r.stubs {
		if seen[def] {
			continue
		}
		seen[def] = true
		names = append(names, def.Name)
	}
	sort.Strings(names)
	return names
}

// Debug enables verbose logging during installation.
var Debug = false

// InstallFallbacks enables fallback stubs for unstubbed imports.
// When true, all unknown imports get a stub that returns 0.
var InstallFallbacks = true

// Convenience functions for the default registry

// Register adds a stub to the default registry.
func Register(def StubDef) {
	DefaultRegistry.Register(def)
}

// Install binds imports using the default registry.
func Install(emu *emulator.Emulator, img *emulator.Image, b *Binding) (int, error) {
	return DefaultRegistry.Install(emu, img, b)
}

// Helper functions for stubs

// Arg reads stdcall argument i at a stub's entry.
func Arg(emu *emulator.Emulator, i int) uint32 {
	v, _ := emu.ReadU32(emu.ESP() + 4 + 4*uint32(i))
	return v
}

// FormatHex formats a value as hex string.
func FormatHex(v uint32) string {
	if v == 0 {
		return "0"
	}
	return fmt.Sprintf("0x%x", v)
}

// FormatPtr formats name=value pairs.
func FormatPtr(name string, val uint32) string {
	return name + "=" + FormatHex(val)
}

// FormatPtrPair formats two name=value pairs.
func FormatPtrPair(name1 string, val1 uint32, name2 string, val2 uint32) string {
	if name2 == "" {
		return FormatPtr(name1, val1)
	}
	return FormatPtr(name1, val1) + " " + FormatPtr(name2, val2)
}
