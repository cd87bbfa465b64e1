package apihook

import (
	"reflect"
	"testing"
)

func TestPendingKeyedByReturnAddress(t *testing.T) {
	p := NewPending()
	a := &Call{API: "VirtualAlloc", ASID: 1, RetAddr: 0x401000}
	b := &Call{API: "VirtualAlloc", ASID: 2, RetAddr: 0x401000}
	c := &Call{API: "RtlAllocateHeap", ASID: 1, RetAddr: 0x402000}

	if !p.Add(a) {
		t.Error("first call on 0x401000 did not request a hook")
	}
	if p.Add(b) {
		t.Error("second call on 0x401000 requested another hook")
	}
	p.Add(c)
	if p.Len() != 3 {
		t.Fatalf("Len = %d", p.Len())
	}

	if got, ok := p.Take(2, 0x401000); !ok || got != b {
		t.Errorf("Take(2) = %v, %v", got, ok)
	}
	if !p.Waiting(0x401000) {
		t.Error("0x401000 no longer waiting")
	}
	if _, ok := p.Take(2, 0x401000); ok {
		t.Error("Take for drained asid succeeded")
	}
	if got, _ := p.Take(1, 0x401000); got != a {
		t.Errorf("Take(1) = %v", got)
	}
	if p.Waiting(0x401000) {
		t.Error("0x401000 still waiting")
	}

	if freed := p.DropASID(1); !reflect.DeepEqual(freed, []uint32{0x402000}) {
		t.Errorf("DropASID freed %#x", freed)
	}
	if p.Len() != 0 {
		t.Errorf("Len = %d after drop", p.Len())
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register(Def{Name: "Foo", Aliases: []string{"FooEx"}, Argc: 1})
	d1, ok1 := r.Lookup("foo")
	d2, ok2 := r.Lookup("FOOEX")
	if !ok1 || !ok2 || d1 != d2 {
		t.Fatal("alias does not share the definition")
	}
	if !reflect.DeepEqual(r.Names(), []string{"Foo"}) || r.Count() != 1 {
		t.Errorf("Names = %v", r.Names())
	}
	if !d1.Finish(&Call{}, 0) {
		t.Error("Finish without completer should apply")
	}
	if Free.String() != "free" || Alloc.String() != "alloc" {
		t.Error("Kind strings")
	}
}
