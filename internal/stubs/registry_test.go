package stubs

import (
	"encoding/binary"
	"testing"

	"github.com/zboralski/cfiwatch/internal/emulator"
	"github.com/zboralski/cfiwatch/internal/pe/petest"
)

func callSlot(base, slot uint32) []byte {
	b := []byte{0xff, 0x15, 0, 0, 0, 0}
	binary.LittleEndian.PutUint32(b[2:], base+slot)
	return b
}

func TestRetCode(t *testing.T) {
	if got := retCode(0); len(got) != 1 || got[0] != 0xc3 {
		t.Errorf("retCode(0) = % x", got)
	}
	if got := retCode(4); len(got) != 3 || got[0] != 0xc2 || got[1] != 16 || got[2] != 0 {
		t.Errorf("retCode(4) = % x", got)
	}
}

func TestLookupAliases(t *testing.T) {
	r := NewRegistry()
	r.Register(StubDef{Name: "HeapAlloc", Aliases: []string{"RtlAllocateHeap"}, Argc: 3, Hook: func(*emulator.Emulator) bool { return false }})

	for _, name := range []string{"HeapAlloc", "heapalloc", "RtlAllocateHeap"} {
		def, ok := r.Lookup(name)
		if !ok || def.Name != "HeapAlloc" {
			t.Errorf("Lookup(%q) = %v, %v", name, def, ok)
		}
	}
	if r.Count() != 2 {
		t.Errorf("Count = %d", r.Count())
	}
	if list := r.List(); len(list) != 1 || list[0] != "HeapAlloc" {
		t.Errorf("List = %v", list)
	}
}

func TestInstallBindsImports(t *testing.T) {
	r := NewRegistry()
	r.Register(StubDef{Name: "Twice", Argc: 1, Category: "test", Hook: func(e *emulator.Emulator) bool {
		e.SetEAX(Arg(e, 0) * 2)
		return false
	}})

	desc := petest.Image{Imports: []petest.ImportedDLL{{DLL: "test.dll", Names: []string{"Twice", "Missing"}}}}
	slots := desc.Slots()
	var code []byte
	code = append(code, 0x6a, 0x05) // push 5
	code = append(code, callSlot(0x400000, slots["test.dll!Twice"])...)
	code = append(code, 0x89, 0xc3) // mov ebx, eax
	code = append(code, callSlot(0x400000, slots["test.dll!Missing"])...)
	code = append(code, 0xc3)
	desc.Text = code

	emu, err := emulator.New()
	if err != nil {
		t.Fatal(err)
	}
	defer emu.Close()
	img, err := emu.LoadPE(desc.Write(t, t.TempDir(), "t.exe"))
	if err != nil {
		t.Fatal(err)
	}

	var entered []string
	r.SetOnEnter(func(_ *emulator.Emulator, name string) { entered = append(entered, name) })
	var logged []string
	r.OnCall = func(category, name, detail string) { logged = append(logged, category+":"+name) }

	b := NewBinding()
	n, err := r.Install(emu, img, b)
	if err != nil || n != 2 {
		t.Fatalf("Install = %d, %v", n, err)
	}
	if len(b.Addresses()) != 2 {
		t.Fatalf("stubs = %v", b.Stubs)
	}

	sp := emu.ESP()
	if err := emu.Call(img.Entry, 1000); err != nil {
		t.Fatal(err)
	}
	if emu.GPR(3) != 10 {
		t.Errorf("Twice(5) = %d", emu.GPR(3))
	}
	if emu.EAX() != 0 {
		t.Errorf("fallback EAX = %d", emu.EAX())
	}
	if emu.ESP() != sp {
		t.Errorf("stack unbalanced: 0x%x != 0x%x", emu.ESP(), sp)
	}
	if len(entered) != 2 || entered[0] != "Twice" || entered[1] != "Missing" {
		t.Errorf("entered = %v", entered)
	}
	if len(logged) != 1 || logged[0] != "fallback:Missing" {
		t.Errorf("logged = %v", logged)
	}

	// A second image importing the same symbol reuses the stub.
	again, _ := r.Install(emu, img, b)
	if again != 2 || len(b.Stubs) != 2 {
		t.Errorf("reinstall = %d, stubs %d", again, len(b.Stubs))
	}
}

func TestInstallWithoutFallbacks(t *testing.T) {
	InstallFallbacks = false
	defer func() { InstallFallbacks = true }()

	desc := petest.Image{Text: []byte{0xc3}, Imports: []petest.ImportedDLL{{DLL: "x.dll", Names: []string{"Nope"}}}}
	emu, err := emulator.New()
	if err != nil {
		t.Fatal(err)
	}
	defer emu.Close()
	img, err := emu.LoadPE(desc.Write(t, t.TempDir(), "x.exe"))
	if err != nil {
		t.Fatal(err)
	}
	b := NewBinding()
	if n, err := NewRegistry().Install(emu, img, b); err != nil || n != 0 {
		t.Errorf("Install = %d, %v", n, err)
	}
}

func TestFormatHelpers(t *testing.T) {
	if FormatHex(0) != "0" || FormatHex(0x10) != "0x10" {
		t.Error("FormatHex")
	}
	if got := FormatPtrPair("size", 0x20, "->", 0x1000); got != "size=0x20 ->=0x1000" {
		t.Errorf("FormatPtrPair = %q", got)
	}
}
