// Package report renders engine snapshots as terminal tables.
package report

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/zboralski/cfiwatch/internal/cfi"
	"github.com/zboralski/cfiwatch/internal/interval"
	"github.com/zboralski/cfiwatch/internal/pe"
	"github.com/zboralski/cfiwatch/internal/process"
	"github.com/zboralski/cfiwatch/internal/ui/colorize"
	"github.com/zboralski/cfiwatch/internal/whitelist"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(colorize.IDALabel)).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	borderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color(colorize.IDAAddress))
)

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(borderStyle).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
}

func hex(v uint32) string { return fmt.Sprintf("0x%08x", v) }

func initString(init uint8) string {
	var parts []string
	if init&process.NameKnown != 0 {
		parts = append(parts, "name")
	}
	if init&process.NtdllLoaded != 0 {
		parts = append(parts, "ntdll")
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, "+")
}

// Processes renders one row per address space.
func Processes(procs []cfi.ProcessInfo) string {
	t := newTable("ASID", "PID", "NAME", "INIT", "JUDGED", "MODULES", "REGIONS", "THREADS")
	for _, p := range procs {
		name := p.Name
		if p.System {
			name += " *"
		}
		t.Row(
			hex(p.ASID),
			strconv.FormatUint(uint64(p.PID), 10),
			name,
			initString(p.Init),
			strconv.FormatBool(p.Judged),
			strconv.Itoa(len(p.Modules)),
			strconv.Itoa(p.Regions),
			strconv.Itoa(p.Threads),
		)
	}
	return t.String()
}

// Modules renders the modules of one address space.
func Modules(p cfi.ProcessInfo) string {
	t := newTable("BASE", "SIZE", "MODULE", "ENTRIES")
	for _, m := range p.Modules {
		entries := "-"
		if m.Whitelisted {
			entries = strconv.Itoa(m.Entries)
		}
		t.Row(hex(m.Base), hex(m.Size), m.Name, entries)
	}
	return t.String()
}

// Regions renders dynamic executable regions.
func Regions(asid uint32, regions []interval.Interval) string {
	t := newTable("ASID", "START", "END", "SIZE")
	for _, r := range regions {
		t.Row(hex(asid), hex(uint32(r.Start)), hex(uint32(r.End)), strconv.FormatUint(r.Size(), 10))
	}
	return t.String()
}

// Threads renders shadow-stack state.
func Threads(threads []cfi.ThreadInfo) string {
	t := newTable("TID", "MODE", "STACK PAGE", "FIBER", "DEPTH", "TOP", "RESETS")
	for _, th := range threads {
		for _, f := range th.Fibers {
			t.Row(
				strconv.FormatUint(uint64(th.TID), 10),
				th.Mode,
				hex(th.StackPage),
				hex(f.ID),
				strconv.Itoa(f.Depth),
				hex(f.Top),
				strconv.Itoa(f.Resets),
			)
		}
	}
	return t.String()
}

// Stats renders the diagnostic counters.
func Stats(s cfi.Stats) string {
	t := newTable("COUNTER", "VALUE")
	rows := []struct {
		name string
		v    uint64
	}{
		{"calls", s.Calls},
		{"indirect", s.Indirect},
		{"returns", s.Returns},
		{"skipped", s.Skipped},
		{"ret matched", s.RetMatched},
		{"ret resynced", s.RetResynced},
		{"ret whitelisted mismatch", s.RetWhitelistedMismatch},
		{"ret whitelist fallback", s.RetWhitelistFallback},
		{"ret unresolved", s.RetUnresolved},
		{"hit module", s.HitModule},
		{"hit system", s.HitSystem},
		{"hit dynamic", s.HitDynamic},
		{"misses", s.Misses},
		{"stack resets", s.StackResets},
		{"allocs", s.Allocs},
		{"frees", s.Frees},
		{"violations", s.Violations},
	}
	for _, r := range rows {
		t.Row(r.name, strconv.FormatUint(r.v, 10))
	}
	return t.String()
}

// Violations renders recent policy misses.
func Violations(vs []cfi.Violation) string {
	t := newTable("KIND", "CATEGORY", "PROCESS", "ASID", "SRC", "DST")
	for _, v := range vs {
		t.Row(v.Kind, v.Category, v.Process, hex(v.ASID), hex(v.Src), hex(v.Dst))
	}
	return t.String()
}

// Records renders cached module whitelists.
func Records(recs []*whitelist.ModuleRecord) string {
	t := newTable("MODULE", "IMAGE BASE", "RELOCS", "EXPORTS", "ENTRIES", "SOURCE")
	for _, r := range recs {
		source := r.Path
		if source == "" {
			source = "dump"
		}
		if r.Heuristic {
			source += " (code scan)"
		}
		t.Row(
			r.Name,
			hex(r.ImageBase),
			strconv.FormatUint(uint64(r.RelocCount), 10),
			strconv.FormatUint(uint64(r.ExportCount), 10),
			strconv.Itoa(r.Set.Len()),
			source,
		)
	}
	return t.String()
}

// Imports renders an import address table relative to base.
func Imports(base uint32, imps []pe.Import) string {
	t := newTable("SLOT", "SYMBOL")
	for _, imp := range imps {
		t.Row(hex(base+imp.Slot), imp.Symbol())
	}
	return t.String()
}
