// Package memapi registers hooks for the guest memory-allocation APIs whose
// executable results become dynamic code regions.
package memapi

import "github.com/zboralski/cfiwatch/internal/apihook"

// Page protection and mapping constants.
const (
	PageExecute          = 0x10
	PageExecuteRead      = 0x20
	PageExecuteReadWrite = 0x40
	PageExecuteWriteCopy = 0x80
	pageExecuteAny       = PageExecute | PageExecuteRead | PageExecuteReadWrite | PageExecuteWriteCopy

	FileMapExecute = 0x20

	// NonPagedPoolNx and every pool type derived from it are not executable.
	PoolNxAllocation = 512

	PageSize = 0x1000
)

// ExecutableProtect reports whether a PAGE_* protection allows execution.
func ExecutableProtect(protect uint32) bool {
	return protect&pageExecuteAny != 0
}

func init() {
	// VirtualAlloc(lpAddress, dwSize, flAllocationType, flProtect)
	apihook.Register(apihook.Def{
		Name: "VirtualAlloc", Category: "virtual", Kind: apihook.Alloc, Argc: 4,
		Decode: func(c *apihook.Call, _ apihook.Options) {
			c.Base, c.Size, c.Exec = c.Args[0], c.Args[1], ExecutableProtect(c.Args[3])
		},
		Complete: allocated,
	})
	// VirtualAllocEx(hProcess, lpAddress, dwSize, flAllocationType, flProtect)
	apihook.Register(apihook.Def{
		Name: "VirtualAllocEx", Category: "virtual", Kind: apihook.Alloc, Argc: 5,
		Decode: func(c *apihook.Call, _ apihook.Options) {
			c.Base, c.Size, c.Exec = c.Args[1], c.Args[2], ExecutableProtect(c.Args[4])
		},
		Complete: allocated,
	})
	// RtlAllocateHeap(HeapHandle, Flags, Size)
	apihook.Register(apihook.Def{
		Name: "RtlAllocateHeap", Aliases: []string{"HeapAlloc"}, Category: "heap", Kind: apihook.Alloc, Argc: 3,
		Decode: func(c *apihook.Call, opt apihook.Options) {
			c.Size, c.Exec = c.Args[2], opt.HeapExecutable
		},
		Complete: allocated,
	})
	// ExAllocatePoolWithTag(PoolType, NumberOfBytes, Tag)
	apihook.Register(apihook.Def{
		Name: "ExAllocatePoolWithTag", Category: "pool", Kind: apihook.Alloc, Argc: 3,
		Decode:   decodePool,
		Complete: allocated,
	})
	// ExAllocatePool(PoolType, NumberOfBytes)
	apihook.Register(apihook.Def{
		Name: "ExAllocatePool", Category: "pool", Kind: apihook.Alloc, Argc: 2,
		Decode:   decodePool,
		Complete: allocated,
	})
	// MapViewOfFile(hFileMappingObject, dwDesiredAccess, dwFileOffsetHigh,
	// dwFileOffsetLow, dwNumberOfBytesToMap)
	apihook.Register(apihook.Def{
		Name: "MapViewOfFile", Category: "section", Kind: apihook.Alloc, Argc: 5,
		Decode:   decodeView,
		Complete: allocated,
	})
	// MapViewOfFileEx(..., lpBaseAddress)
	apihook.Register(apihook.Def{
		Name: "MapViewOfFileEx", Category: "section", Kind: apihook.Alloc, Argc: 6,
		Decode: func(c *apihook.Call, opt apihook.Options) {
			decodeView(c, opt)
			c.Base = c.Args[5]
		},
		Complete: allocated,
	})

	// VirtualFree(lpAddress, dwSize, dwFreeType)
	apihook.Register(apihook.Def{
		Name: "VirtualFree", Category: "virtual", Kind: apihook.Free, Argc: 3,
		Decode:   freeArg(0),
		Complete: succeeded,
	})
	// VirtualFreeEx(hProcess, lpAddress, dwSize, dwFreeType)
	apihook.Register(apihook.Def{
		Name: "VirtualFreeEx", Category: "virtual", Kind: apihook.Free, Argc: 4,
		Decode:   freeArg(1),
		Complete: succeeded,
	})
	// RtlFreeHeap(HeapHandle, Flags, BaseAddress)
	apihook.Register(apihook.Def{
		Name: "RtlFreeHeap", Aliases: []string{"HeapFree"}, Category: "heap", Kind: apihook.Free, Argc: 3,
		Decode:   freeArg(2),
		Complete: succeeded,
	})
	// ExFreePoolWithTag(P, Tag); ExFreePool(P) returns nothing.
	apihook.Register(apihook.Def{
		Name: "ExFreePoolWithTag", Category: "pool", Kind: apihook.Free, Argc: 2,
		Decode: freeArg(0),
	})
	apihook.Register(apihook.Def{
		Name: "ExFreePool", Category: "pool", Kind: apihook.Free, Argc: 1,
		Decode: freeArg(0),
	})
	// UnmapViewOfFile(lpBaseAddress)
	apihook.Register(apihook.Def{
		Name: "UnmapViewOfFile", Category: "section", Kind: apihook.Free, Argc: 1,
		Decode:   freeArg(0),
		Complete: succeeded,
	})
}

func decodePool(c *apihook.Call, _ apihook.Options) {
	c.Size = c.Args[1]
	c.Exec = c.Args[0]&PoolNxAllocation == 0
}

func decodeView(c *apihook.Call, _ apihook.Options) {
	c.Exec = c.Args[1]&FileMapExecute != 0
	c.Size = c.Args[4]
	if c.Size == 0 {
		c.Size = PageSize
	}
}

func freeArg(i int) apihook.DecodeFunc {
	return func(c *apihook.Call, _ apihook.Options) {
		c.Base = c.Args[i]
	}
}

// allocated takes the returned base. NULL means the allocation failed.
func allocated(c *apihook.Call, eax uint32) bool {
	if eax == 0 {
		return false
	}
	c.Base = eax
	return c.Exec && c.Size != 0
}

func succeeded(c *apihook.Call, eax uint32) bool {
	return eax != 0 && c.Base != 0
}
