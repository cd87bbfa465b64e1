package kernel32

import (
	"github.com/zboralski/cfiwatch/internal/emulator"
	"github.com/zboralski/cfiwatch/internal/stubs"
)

// ProcessHeap is the handle GetProcessHeap returns.
const ProcessHeap = emulator.HeapBase

func init() {
	stubs.Register(stubs.StubDef{Name: "GetProcessHeap", Hook: stubGetProcessHeap, Category: "heap"})
	stubs.Register(stubs.StubDef{Name: "HeapCreate", Argc: 3, Hook: stubGetProcessHeap, Category: "heap"})
	stubs.Register(stubs.StubDef{
		Name:     "HeapAlloc",
		Aliases:  []string{"RtlAllocateHeap"},
		Argc:     3,
		Hook:     stubHeapAlloc,
		Category: "heap",
	})
	stubs.Register(stubs.StubDef{
		Name:     "HeapFree",
		Aliases:  []string{"RtlFreeHeap"},
		Argc:     3,
		Hook:     stubHeapFree,
		Category: "heap",
	})
	stubs.Register(stubs.StubDef{Name: "LocalAlloc", Aliases: []string{"GlobalAlloc"}, Argc: 2, Hook: stubLocalAlloc, Category: "heap"})
	stubs.Register(stubs.StubDef{Name: "LocalFree", Aliases: []string{"GlobalFree"}, Argc: 1, Hook: stubLocalFree, Category: "heap"})
}

func heapAlloc(emu *emulator.Emulator, size uint32) uint32 {
	ptr, err := emu.Malloc(size)
	if err != nil {
		return 0
	}
	zeros := make([]byte, min(size, 4096))
	emu.MemWrite(ptr, zeros)
	return ptr
}

func stubGetProcessHeap(emu *emulator.Emulator) bool {
	emu.SetEAX(ProcessHeap)
	return false
}

// HeapAlloc(hHeap, dwFlags, dwBytes)
func stubHeapAlloc(emu *emulator.Emulator) bool {
	size := stubs.Arg(emu, 2)
	ptr := heapAlloc(emu, size)
	stubs.DefaultRegistry.Log("heap", "HeapAlloc", stubs.FormatPtrPair("size", size, "->", ptr))
	emu.SetEAX(ptr)
	return false
}

// HeapFree(hHeap, dwFlags, lpMem)
func stubHeapFree(emu *emulator.Emulator) bool {
	stubs.DefaultRegistry.Log("heap", "HeapFree", stubs.FormatPtr("ptr", stubs.Arg(emu, 2)))
	emu.SetEAX(1)
	return false
}

// LocalAlloc(uFlags, uBytes)
func stubLocalAlloc(emu *emulator.Emulator) bool {
	size := stubs.Arg(emu, 1)
	ptr := heapAlloc(emu, size)
	stubs.DefaultRegistry.Log("heap", "LocalAlloc", stubs.FormatPtrPair("size", size, "->", ptr))
	emu.SetEAX(ptr)
	return false
}

// LocalFree returns NULL on success.
func stubLocalFree(emu *emulator.Emulator) bool {
	emu.SetEAX(0)
	return false
}
