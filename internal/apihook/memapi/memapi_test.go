package memapi

import (
	"testing"

	"github.com/zboralski/cfiwatch/internal/apihook"
)

// stack lays out a stdcall frame: return address then arguments.
func stack(esp, ret uint32, args ...uint32) func(uint32) (uint32, bool) {
	mem := map[uint32]uint32{esp: ret}
	for i, a := range args {
		mem[esp+4+4*uint32(i)] = a
	}
	return func(addr uint32) (uint32, bool) {
		v, ok := mem[addr]
		return v, ok
	}
}

func begin(t *testing.T, name string, opt apihook.Options, args ...uint32) (*apihook.Def, *apihook.Call) {
	t.Helper()
	def, ok := apihook.Lookup(name)
	if !ok {
		t.Fatalf("%s not registered", name)
	}
	c, err := def.Begin(0xAAAA, 0x12f000, stack(0x12f000, 0x401234, args...), opt)
	if err != nil {
		t.Fatalf("Begin(%s): %v", name, err)
	}
	if c.RetAddr != 0x401234 || c.ASID != 0xAAAA {
		t.Fatalf("context = %+v", c)
	}
	return def, c
}

func TestAllocations(t *testing.T) {
	tests := []struct {
		name     string
		opt      apihook.Options
		args     []uint32
		eax      uint32
		wantSize uint32
		wantExec bool
		apply    bool
	}{
		{"VirtualAlloc", apihook.Options{}, []uint32{0, 0x2000, 0x3000, PageExecuteReadWrite}, 0x900000, 0x2000, true, true},
		{"VirtualAlloc", apihook.Options{}, []uint32{0, 0x2000, 0x3000, 0x04}, 0x900000, 0x2000, false, false},
		{"VirtualAlloc", apihook.Options{}, []uint32{0, 0x2000, 0x3000, PageExecute}, 0, 0x2000, true, false},
		{"VirtualAllocEx", apihook.Options{}, []uint32{0xffffffff, 0, 0x1000, 0x1000, PageExecuteRead}, 0x910000, 0x1000, true, true},
		{"RtlAllocateHeap", apihook.Options{HeapExecutable: true}, []uint32{0x150000, 0, 0x40}, 0x152000, 0x40, true, true},
		{"HeapAlloc", apihook.Options{}, []uint32{0x150000, 0, 0x40}, 0x152000, 0x40, false, false},
		{"ExAllocatePoolWithTag", apihook.Options{}, []uint32{0, 0x100, 0x656e6f4e}, 0x81000000, 0x100, true, true},
		{"ExAllocatePoolWithTag", apihook.Options{}, []uint32{512, 0x100, 0x656e6f4e}, 0x81000000, 0x100, false, false},
		{"ExAllocatePool", apihook.Options{}, []uint32{1, 0x80}, 0x82000000, 0x80, true, true},
		{"MapViewOfFile", apihook.Options{}, []uint32{0x44, FileMapExecute | 4, 0, 0, 0}, 0x920000, PageSize, true, true},
		{"MapViewOfFileEx", apihook.Options{}, []uint32{0x44, 4, 0, 0, 0x3000, 0x930000}, 0x930000, 0x3000, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def, c := begin(t, tt.name, tt.opt, tt.args...)
			if c.Kind != apihook.Alloc {
				t.Errorf("Kind = %v", c.Kind)
			}
			if c.Size != tt.wantSize || c.Exec != tt.wantExec {
				t.Errorf("decoded size=%#x exec=%v, want %#x %v", c.Size, c.Exec, tt.wantSize, tt.wantExec)
			}
			if got := def.Finish(c, tt.eax); got != tt.apply {
				t.Errorf("Finish = %v, want %v", got, tt.apply)
			}
			if tt.apply && c.Base != tt.eax {
				t.Errorf("Base = %#x, want %#x", c.Base, tt.eax)
			}
		})
	}
}

func TestFrees(t *testing.T) {
	tests := []struct {
		name     string
		args     []uint32
		eax      uint32
		wantBase uint32
		apply    bool
	}{
		{"VirtualFree", []uint32{0x900000, 0, 0x8000}, 1, 0x900000, true},
		{"VirtualFree", []uint32{0x900000, 0, 0x8000}, 0, 0x900000, false},
		{"VirtualFreeEx", []uint32{0xffffffff, 0x910000, 0, 0x8000}, 1, 0x910000, true},
		{"RtlFreeHeap", []uint32{0x150000, 0, 0x152000}, 1, 0x152000, true},
		{"ExFreePoolWithTag", []uint32{0x81000000, 0x656e6f4e}, 0, 0x81000000, true},
		{"ExFreePool", []uint32{0x82000000}, 0, 0x82000000, true},
		{"UnmapViewOfFile", []uint32{0x920000}, 1, 0x920000, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def, c := begin(t, tt.name, apihook.Options{}, tt.args...)
			if c.Kind != apihook.Free || c.Base != tt.wantBase {
				t.Errorf("context = %+v", c)
			}
			if got := def.Finish(c, tt.eax); got != tt.apply {
				t.Errorf("Finish = %v, want %v", got, tt.apply)
			}
		})
	}
}

func TestBeginUnreadableStack(t *testing.T) {
	def, _ := apihook.Lookup("VirtualAlloc")
	read := stack(0x1000, 0x401000, 0, 0x1000) // two of four args
	if _, err := def.Begin(1, 0x1000, read, apihook.Options{}); err == nil {
		t.Fatal("Begin succeeded with missing arguments")
	}
}

func TestLookupCaseInsensitive(t *testing.T) {
	if _, ok := apihook.Lookup("virtualalloc"); !ok {
		t.Error("lower-case lookup failed")
	}
	if _, ok := apihook.Lookup("CreateFileA"); ok {
		t.Error("unexpected definition")
	}
	if n := apihook.DefaultRegistry.Count(); n != 13 {
		t.Errorf("Count = %d, want 13", n)
	}
}
