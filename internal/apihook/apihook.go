// Package apihook provides a registry of self-registering API hook
// definitions. Each definition decodes the stdcall arguments of one guest
// API at entry and completes the resulting context when the API returns.
//
// Definition packages register from init(); blank-import apihook/memapi to
// pull in the memory-allocation hooks.
package apihook

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Kind classifies what a completed call does to the dynamic regions.
type Kind int

const (
	Alloc Kind = iota
	Free
)

func (k Kind) String() string {
	if k == Free {
		return "free"
	}
	return "alloc"
}

// Options tune how arguments are interpreted.
type Options struct {
	// HeapExecutable treats heap blocks as executable. Heap pages on the
	// targets of interest are mapped RWX.
	HeapExecutable bool
}

// Call is the typed context of one in-flight API call.
type Call struct {
	API     string
	Kind    Kind
	ASID    uint32
	RetAddr uint32
	Args    []uint32

	Base uint32 // allocation base once known, free base at entry
	Size uint32
	Exec bool
}

func (c *Call) String() string {
	return fmt.Sprintf("%s base=0x%x size=0x%x exec=%v", c.API, c.Base, c.Size, c.Exec)
}

// DecodeFunc fills c from c.Args at API entry.
type DecodeFunc func(c *Call, opt Options)

// CompleteFunc finishes c with the API's return value. It reports whether the
// call had an effect that the engine must apply.
type CompleteFunc func(c *Call, eax uint32) bool

// Def defines a hook with its export name.
type Def struct {
	Name     string
	Aliases  []string
	Category string // "virtual", "heap", "pool", "section"
	Kind     Kind
	Argc     int // stdcall argument count
	Decode   DecodeFunc
	Complete CompleteFunc
}

// Registry holds hook definitions by lower-cased name.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*Def
}

// DefaultRegistry is the global registry used by init() functions.
var DefaultRegistry = NewRegistry()

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]*Def)}
}

// Register adds a definition under its name and aliases.
func (r *Registry) Register(def Def) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := &def
	r.defs[strings.ToLower(def.Name)] = d
	for _, a := range def.Aliases {
		r.defs[strings.ToLower(a)] = d
	}
}

// Lookup returns the definition for an export name, case-insensitively.
func (r *Registry) Lookup(name string) (*Def, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[strings.ToLower(name)]
	return d, ok
}

// Names returns the primary names of all definitions, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	seen := make(map[*Def]bool)
	var out []string
	for _, d := range r.defs {
		if !seen[d] {
			seen[d] = true
			out = append(out, d.Name)
		}
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Count returns the number of distinct definitions.
func (r *Registry) Count() int {
	return len(r.Names())
}

// Begin builds the context for an API entry. read fetches a guest dword;
// esp points at the return address.
func (d *Def) Begin(asid, esp uint32, read func(addr uint32) (uint32, bool), opt Options) (*Call, error) {
	ret, ok := read(esp)
	if !ok {
		return nil, fmt.Errorf("%s: read return address at 0x%x", d.Name, esp)
	}
	c := &Call{
		API:     d.Name,
		Kind:    d.Kind,
		ASID:    asid,
		RetAddr: ret,
		Args:    make([]uint32, d.Argc),
	}
	for i := range c.Args {
		addr := esp + 4 + 4*uint32(i)
		v, ok := read(addr)
		if !ok {
			return nil, fmt.Errorf("%s: read argument %d at 0x%x", d.Name, i, addr)
		}
		c.Args[i] = v
	}
	if d.Decode != nil {
		d.Decode(c, opt)
	}
	return c, nil
}

// Finish applies the API's return value to c.
func (d *Def) Finish(c *Call, eax uint32) bool {
	if d.Complete == nil {
		return true
	}
	return d.Complete(c, eax)
}

// Register adds a definition to the default registry.
func Register(def Def) {
	DefaultRegistry.Register(def)
}

// Lookup finds a definition in the default registry.
func Lookup(name string) (*Def, bool) {
	return DefaultRegistry.Lookup(name)
}
