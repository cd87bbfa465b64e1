package kernel32

import (
	"encoding/binary"
	"testing"

	"github.com/zboralski/cfiwatch/internal/emulator"
	"github.com/zboralski/cfiwatch/internal/pe/petest"
	"github.com/zboralski/cfiwatch/internal/stubs"
)

const imageBase = 0x400000

type program struct {
	desc  petest.Image
	slots map[string]uint32
	code  []byte
}

func newProgram(names ...string) *program {
	p := &program{desc: petest.Image{Imports: []petest.ImportedDLL{{DLL: "kernel32.dll", Names: names}}}}
	p.slots = p.desc.Slots()
	return p
}

func (p *program) emit(b ...byte) { p.code = append(p.code, b...) }

func (p *program) push(v uint32) {
	p.emit(0x68)
	p.code = binary.LittleEndian.AppendUint32(p.code, v)
}

func (p *program) call(name string) {
	p.emit(0xff, 0x15)
	p.code = binary.LittleEndian.AppendUint32(p.code, imageBase+p.slots["kernel32.dll!"+name])
}

func (p *program) run(t *testing.T) *emulator.Emulator {
	t.Helper()
	p.emit(0xc3)
	p.desc.Text = p.code

	emu, err := emulator.New()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { emu.Close() })
	img, err := emu.LoadPE(p.desc.Write(t, t.TempDir(), "k.exe"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := stubs.Install(emu, img, stubs.NewBinding()); err != nil {
		t.Fatal(err)
	}
	sp := emu.ESP()
	if err := emu.Call(img.Entry, 10000); err != nil {
		t.Fatal(err)
	}
	if emu.EIP() == emulator.Sentinel && emu.ESP() != sp {
		t.Errorf("stack unbalanced: 0x%x != 0x%x", emu.ESP(), sp)
	}
	return emu
}

func TestVirtualAlloc(t *testing.T) {
	p := newProgram("VirtualAlloc")
	p.push(PageExecuteReadWrite)
	p.push(0x1000) // MEM_COMMIT
	p.push(0x2000)
	p.push(0)
	p.call("VirtualAlloc")
	emu := p.run(t)

	ptr := emu.EAX()
	if ptr == 0 || ptr%emulator.PageSize != 0 || ptr < emulator.HeapBase {
		t.Errorf("VirtualAlloc = 0x%x", ptr)
	}
}

func TestVirtualAllocLeavesGap(t *testing.T) {
	p := newProgram("VirtualAlloc")
	for i := 0; i < 2; i++ {
		p.push(PageExecuteReadWrite)
		p.push(0x1000)
		p.push(0x1000)
		p.push(0)
		p.call("VirtualAlloc")
		if i == 0 {
			p.emit(0x89, 0xc6) // mov esi, eax
		}
	}
	emu := p.run(t)

	first, second := emu.GPR(6), emu.EAX()
	if first == 0 || second <= first+0x1000 {
		t.Errorf("allocations touch: 0x%x then 0x%x", first, second)
	}
}

func TestHeapAllocAndFree(t *testing.T) {
	p := newProgram("GetProcessHeap", "HeapAlloc", "HeapFree")
	p.call("GetProcessHeap")
	p.emit(0x89, 0xc6) // mov esi, eax
	p.push(100)
	p.push(0)
	p.emit(0x56) // push esi
	p.call("HeapAlloc")
	p.emit(0x89, 0xc7) // mov edi, eax
	p.emit(0x57)       // push edi
	p.push(0)
	p.emit(0x56)
	p.call("HeapFree")
	emu := p.run(t)

	if emu.GPR(6) != ProcessHeap {
		t.Errorf("heap handle = 0x%x", emu.GPR(6))
	}
	if ptr := emu.GPR(7); ptr == 0 || ptr%16 != 0 {
		t.Errorf("HeapAlloc = 0x%x", ptr)
	}
	if emu.EAX() != 1 {
		t.Errorf("HeapFree = %d", emu.EAX())
	}
}

func TestVirtualProtectWritesOldProtection(t *testing.T) {
	p := newProgram("VirtualProtect")
	old := uint32(emulator.StackBase + 0x100)
	p.push(old)
	p.push(PageExecuteReadWrite)
	p.push(0x1000)
	p.push(imageBase)
	p.call("VirtualProtect")
	emu := p.run(t)

	if emu.EAX() != 1 {
		t.Errorf("VirtualProtect = %d", emu.EAX())
	}
	if v, _ := emu.ReadU32(old); v != PageReadWrite {
		t.Errorf("old protection = 0x%x", v)
	}
}

func TestExitProcessStops(t *testing.T) {
	p := newProgram("ExitProcess", "GetCurrentThreadId")
	p.push(3)
	p.call("ExitProcess")
	p.call("GetCurrentThreadId")
	emu := p.run(t)

	if emu.EIP() == emulator.Sentinel {
		t.Error("emulation ran past ExitProcess")
	}
	if !emu.Stopped() {
		t.Error("not stopped")
	}
}

func TestGetModuleHandle(t *testing.T) {
	p := newProgram("GetModuleHandleA")
	p.push(0)
	p.call("GetModuleHandleA")
	emu := p.run(t)

	if emu.EAX() != imageBase {
		t.Errorf("GetModuleHandleA(NULL) = 0x%x", emu.EAX())
	}
}
