// Package trace provides tagged events for control-flow policy decisions.
package trace

import (
	"fmt"
	"time"
)

// Tag represents a trace event category.
// Tags are stored without # prefix; the prefix is added on rendering.
type Tag string

// Standard tags for trace events.
const (
	Call      Tag = "call"
	Indirect  Tag = "indirect"
	Return    Tag = "ret"
	Miss      Tag = "miss"
	Mismatch  Tag = "mismatch"
	Fallback  Tag = "fallback"
	Resync    Tag = "resync"
	Dynamic   Tag = "dynamic"
	System    Tag = "system"
	Alloc     Tag = "alloc"
	Free      Tag = "free"
	Module    Tag = "module"
	Overflow  Tag = "overflow"
	Kernel    Tag = "kernel"
	Invariant Tag = "invariant"
)

// Tags is a collection of tags with helper methods.
type Tags []Tag

// Has returns true if the tag collection contains the given tag.
func (t Tags) Has(tag Tag) bool {
	for _, x := range t {
		if x == tag {
			return true
		}
	}
	return false
}

// Add adds a tag if not already present.
func (t *Tags) Add(tag Tag) {
	if !t.Has(tag) {
		*t = append(*t, tag)
	}
}

// Strings returns tags as strings with # prefix for display.
func (t Tags) Strings() []string {
	out := make([]string, len(t))
	for i, tag := range t {
		out[i] = "#" + string(tag)
	}
	return out
}

// Primary returns the first tag or empty string if none.
func (t Tags) Primary() Tag {
	if len(t) > 0 {
		return t[0]
	}
	return ""
}

// Annotations holds key-value metadata for trace events.
type Annotations map[string]string

// Event is one policy decision worth reporting.
type Event struct {
	PC          uint32 // branch source
	Target      uint32 // branch destination
	ASID        uint32
	Process     string
	Tags        Tags   // first is primary
	Detail      string // free-form context, e.g. "expected=0x401005"
	Annotations Annotations
	Timestamp   time.Time
}

// NewEvent creates an event tagged with category.
func NewEvent(category Tag, asid, pc, target uint32) *Event {
	return &Event{
		PC:          pc,
		Target:      target,
		ASID:        asid,
		Tags:        Tags{category},
		Annotations: make(Annotations),
		Timestamp:   time.Now(),
	}
}

// AddTag adds a tag to the event.
func (e *Event) AddTag(tag Tag) {
	e.Tags.Add(tag)
}

// Annotate sets an annotation on the event.
func (e *Event) Annotate(k, v string) {
	if e.Annotations == nil {
		e.Annotations = make(Annotations)
	}
	e.Annotations[k] = v
}

// PrimaryTag returns the primary (first) tag with # prefix.
func (e *Event) PrimaryTag() string {
	if len(e.Tags) > 0 {
		return "#" + string(e.Tags[0])
	}
	return ""
}

func (e *Event) String() string {
	s := fmt.Sprintf("%s %s asid=0x%x 0x%08x -> 0x%08x", e.Timestamp.Format(time.TimeOnly),
		e.PrimaryTag(), e.ASID, e.PC, e.Target)
	if e.Process != "" {
		s += " proc=" + e.Process
	}
	if e.Detail != "" {
		s += " " + e.Detail
	}
	return s
}

// Enricher enriches trace events after the engine emits them.
type Enricher func(e *Event)

// DefaultEnricher adds secondary tags derived from the primary one.
func DefaultEnricher(e *Event) {
	switch e.Tags.Primary() {
	case Miss:
		if e.Annotations["kind"] == "ret" {
			e.AddTag(Return)
		} else {
			e.AddTag(Indirect)
		}
	case Mismatch, Fallback, Resync:
		e.AddTag(Return)
	case Alloc, Free:
		e.AddTag(Dynamic)
	}
	if e.Annotations["mode"] == "kernel" {
		e.AddTag(Kernel)
	}
}
