// Package kernel32 provides stub implementations for the kernel32 and
// ntdll memory, heap and process functions a guest image imports.
package kernel32

import (
	"github.com/zboralski/cfiwatch/internal/emulator"
	"github.com/zboralski/cfiwatch/internal/stubs"
)

// Page protection constants
const (
	PageReadWrite        = 0x04
	PageExecuteReadWrite = 0x40
)

func init() {
	stubs.Register(stubs.StubDef{Name: "VirtualAlloc", Argc: 4, Hook: stubVirtualAlloc, Category: "memory"})
	stubs.Register(stubs.StubDef{Name: "VirtualAllocEx", Argc: 5, Hook: stubVirtualAllocEx, Category: "memory"})
	stubs.Register(stubs.StubDef{Name: "VirtualFree", Argc: 3, Hook: stubVirtualFree, Category: "memory"})
	stubs.Register(stubs.StubDef{Name: "VirtualFreeEx", Argc: 4, Hook: stubVirtualFreeEx, Category: "memory"})
	stubs.Register(stubs.StubDef{Name: "VirtualProtect", Argc: 4, Hook: stubVirtualProtect, Category: "memory"})

	// File mappings are backed by fresh pages
	stubs.Register(stubs.StubDef{Name: "MapViewOfFile", Argc: 5, Hook: stubMapViewOfFile, Category: "memory"})
	stubs.Register(stubs.StubDef{Name: "UnmapViewOfFile", Argc: 1, Hook: stubReturnTrue, Category: "memory"})
}

func allocPages(emu *emulator.Emulator, size uint32) uint32 {
	if size == 0 {
		size = emulator.PageSize
	}
	// A trailing guard page keeps consecutive mappings from touching.
	ptr, err := emu.AllocPages(size + emulator.PageSize)
	if err != nil {
		return 0
	}
	zeros := make([]byte, min(size, 0x10000))
	emu.MemWrite(ptr, zeros)
	return ptr
}

// VirtualAlloc(lpAddress, dwSize, flAllocationType, flProtect)
func stubVirtualAlloc(emu *emulator.Emulator) bool {
	size := stubs.Arg(emu, 1)
	protect := stubs.Arg(emu, 3)
	ptr := allocPages(emu, size)

	stubs.DefaultRegistry.Log("memory", "VirtualAlloc",
		stubs.FormatPtrPair("size", size, "prot", protect)+" -> "+stubs.FormatHex(ptr))
	emu.SetEAX(ptr)
	return false
}

// VirtualAllocEx(hProcess, lpAddress, dwSize, flAllocationType, flProtect)
func stubVirtualAllocEx(emu *emulator.Emulator) bool {
	size := stubs.Arg(emu, 2)
	protect := stubs.Arg(emu, 4)
	ptr := allocPages(emu, size)

	stubs.DefaultRegistry.Log("memory", "VirtualAllocEx",
		stubs.FormatPtrPair("size", size, "prot", protect)+" -> "+stubs.FormatHex(ptr))
	emu.SetEAX(ptr)
	return false
}

// VirtualFree(lpAddress, dwSize, dwFreeType). The bump allocator never
// reuses pages.
func stubVirtualFree(emu *emulator.Emulator) bool {
	stubs.DefaultRegistry.Log("memory", "VirtualFree", stubs.FormatPtr("addr", stubs.Arg(emu, 0)))
	emu.SetEAX(1)
	return false
}

func stubVirtualFreeEx(emu *emulator.Emulator) bool {
	stubs.DefaultRegistry.Log("memory", "VirtualFreeEx", stubs.FormatPtr("addr", stubs.Arg(emu, 1)))
	emu.SetEAX(1)
	return false
}

// VirtualProtect(lpAddress, dwSize, flNewProtect, lpflOldProtect)
func stubVirtualProtect(emu *emulator.Emulator) bool {
	addr := stubs.Arg(emu, 0)
	prot := stubs.Arg(emu, 2)
	if old := stubs.Arg(emu, 3); old != 0 {
		emu.WriteU32(old, PageReadWrite)
	}
	stubs.DefaultRegistry.Log("memory", "VirtualProtect", stubs.FormatPtrPair("addr", addr, "prot", prot))
	emu.SetEAX(1)
	return false
}

// MapViewOfFile(hFileMappingObject, dwDesiredAccess, dwFileOffsetHigh,
// dwFileOffsetLow, dwNumberOfBytesToMap)
func stubMapViewOfFile(emu *emulator.Emulator) bool {
	size := stubs.Arg(emu, 4)
	ptr := allocPages(emu, size)
	stubs.DefaultRegistry.Log("memory", "MapViewOfFile", stubs.FormatPtrPair("size", size, "->", ptr))
	emu.SetEAX(ptr)
	return false
}

func stubReturnTrue(emu *emulator.Emulator) bool {
	emu.SetEAX(1)
	return false
}
