package kernel32

import (
	"fmt"
	"strings"

	"github.com/zboralski/cfiwatch/internal/emulator"
	"github.com/zboralski/cfiwatch/internal/stubs"
)

// Identifiers reported to the guest.
const (
	ProcessID = 1
	ThreadID  = 1
)

var tickCount uint32

func init() {
	stubs.Register(stubs.StubDef{Name: "ExitProcess", Argc: 1, Hook: stubExitProcess, Category: "process"})
	stubs.Register(stubs.StubDef{Name: "GetModuleHandleA", Argc: 1, Hook: stubGetModuleHandleA, Category: "process"})
	stubs.Register(stubs.StubDef{Name: "GetCurrentProcessId", Hook: stubGetCurrentProcessID, Category: "process"})
	stubs.Register(stubs.StubDef{Name: "GetCurrentThreadId", Hook: stubGetCurrentThreadID, Category: "process"})
	stubs.Register(stubs.StubDef{Name: "GetTickCount", Hook: stubGetTickCount, Category: "process"})
	stubs.Register(stubs.StubDef{Name: "Sleep", Argc: 1, Hook: stubSleep, Category: "process"})
	stubs.Register(stubs.StubDef{Name: "OutputDebugStringA", Argc: 1, Hook: stubOutputDebugStringA, Category: "process"})
	stubs.Register(stubs.StubDef{Name: "GetLastError", Hook: stubReturnZero, Category: "process"})
}

// ExitProcess(uExitCode) stops emulation.
func stubExitProcess(emu *emulator.Emulator) bool {
	stubs.DefaultRegistry.Log("process", "ExitProcess", fmt.Sprintf("code=%d", stubs.Arg(emu, 0)))
	return true
}

// GetModuleHandleA(lpModuleName). NULL names the first loaded image.
func stubGetModuleHandleA(emu *emulator.Emulator) bool {
	images := emu.Images()
	namePtr := stubs.Arg(emu, 0)

	var base uint32
	if namePtr == 0 {
		if len(images) > 0 {
			base = images[0].Base
		}
	} else {
		name, _ := emu.ReadString(namePtr, 260)
		name = strings.ToLower(name)
		for _, img := range images {
			if img.Name == name || strings.TrimSuffix(img.Name, ".dll") == name {
				base = img.Base
				break
			}
		}
		stubs.DefaultRegistry.Log("process", "GetModuleHandleA", fmt.Sprintf("%q -> %s", name, stubs.FormatHex(base)))
	}
	emu.SetEAX(base)
	return false
}

func stubGetCurrentProcessID(emu *emulator.Emulator) bool {
	emu.SetEAX(ProcessID)
	return false
}

func stubGetCurrentThreadID(emu *emulator.Emulator) bool {
	emu.SetEAX(ThreadID)
	return false
}

func stubGetTickCount(emu *emulator.Emulator) bool {
	tickCount += 16
	emu.SetEAX(tickCount)
	return false
}

func stubSleep(emu *emulator.Emulator) bool {
	tickCount += stubs.Arg(emu, 0)
	return false
}

func stubOutputDebugStringA(emu *emulator.Emulator) bool {
	s, _ := emu.ReadString(stubs.Arg(emu, 0), 512)
	stubs.DefaultRegistry.Log("process", "OutputDebugStringA", s)
	return false
}

func stubReturnZero(emu *emulator.Emulator) bool {
	emu.SetEAX(0)
	return false
}
