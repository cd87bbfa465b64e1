package report

import (
	"strings"
	"testing"

	"github.com/zboralski/cfiwatch/internal/cfi"
	"github.com/zboralski/cfiwatch/internal/interval"
	"github.com/zboralski/cfiwatch/internal/pe"
	"github.com/zboralski/cfiwatch/internal/whitelist"
)

func TestProcesses(t *testing.T) {
	out := Processes([]cfi.ProcessInfo{
		{ASID: 0xaaaa, PID: 1234, Name: "p.exe", Init: 3, Judged: true, Regions: 1},
		{ASID: 0x39000, PID: 4, Name: "System", System: true},
	})
	for _, want := range []string{"0x0000aaaa", "p.exe", "name+ntdll", "System *", "1234"} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in\n%s", want, out)
		}
	}
}

func TestRegionsAndStats(t *testing.T) {
	out := Regions(0xaaaa, []interval.Interval{{Start: 0x900000, End: 0x901000}})
	if !strings.Contains(out, "0x00900000") || !strings.Contains(out, "4096") {
		t.Errorf("regions:\n%s", out)
	}
	out = Stats(cfi.Stats{Misses: 7, HitDynamic: 2})
	if !strings.Contains(out, "misses") || !strings.Contains(out, "7") {
		t.Errorf("stats:\n%s", out)
	}
}

func TestModulesUnwhitelisted(t *testing.T) {
	out := Modules(cfi.ProcessInfo{Modules: []cfi.ModuleInfo{
		{Name: "m.exe", Base: 0x400000, Size: 0x10000, Whitelisted: true, Entries: 2},
		{Name: "x.dll", Base: 0x10000000, Size: 0x1000},
	}})
	if !strings.Contains(out, "m.exe") || !strings.Contains(out, "x.dll") {
		t.Errorf("modules:\n%s", out)
	}
}

func TestRecordsAndImports(t *testing.T) {
	rec := whitelist.NewRecord("M.EXE", &pe.Tables{ImageBase: 0x400000, Relocs: []uint32{0x401000}, Heuristic: true})
	out := Records([]*whitelist.ModuleRecord{rec})
	for _, want := range []string{"m.exe", "0x00400000", "dump (code scan)"} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in\n%s", want, out)
		}
	}

	out = Imports(0x400000, []pe.Import{{DLL: "kernel32.dll", Name: "VirtualAlloc", Slot: 0x5040}, {DLL: "ws2_32.dll", Ordinal: 23, Slot: 0x5044}})
	for _, want := range []string{"0x00405040", "kernel32.dll!VirtualAlloc", "ws2_32.dll!#23"} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in\n%s", want, out)
		}
	}
}
