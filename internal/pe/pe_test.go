package pe_test

import (
	"encoding/binary"
	"errors"
	"path/filepath"
	"reflect"
	"sort"
	"testing"

	"github.com/zboralski/cfiwatch/internal/pe"
	"github.com/zboralski/cfiwatch/internal/pe/petest"
)

func sorted(v []uint32) []uint32 {
	out := append([]uint32(nil), v...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func unique(v []uint32) []uint32 {
	v = sorted(v)
	out := v[:0]
	for i, x := range v {
		if i == 0 || x != v[i-1] {
			out = append(out, x)
		}
	}
	return out
}

func TestSingleHighLowRelocation(t *testing.T) {
	img := petest.Image{
		Data:   petest.PutU32(nil, 0x10, 0x401234),
		Relocs: []uint32{petest.DataRVA + 0x10},
	}
	path := img.Write(t, t.TempDir(), "one.dll")

	tabs, err := pe.Extract(path)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if tabs.Heuristic {
		t.Error("Heuristic set for image with .reloc")
	}
	if tabs.ImageBase != 0x400000 {
		t.Errorf("ImageBase = %#x", tabs.ImageBase)
	}
	if want := []uint32{0x401234}; !reflect.DeepEqual(tabs.Relocs, want) {
		t.Errorf("Relocs = %#x, want %#x", tabs.Relocs, want)
	}
	if len(tabs.Exports) != 0 {
		t.Errorf("Exports = %#x, want none", tabs.Exports)
	}
}

func TestRelocationsAcrossBlocks(t *testing.T) {
	var data []byte
	data = petest.PutU32(data, 0x000, 0x10001000)
	data = petest.PutU32(data, 0x008, 0x10001100)
	data = petest.PutU32(data, 0x00c, 0x10001200) // odd count in page, padded
	data = petest.PutU32(data, 0x1000, 0x10001300)

	img := petest.Image{
		ImageBase: 0x10000000,
		Data:      data,
		Relocs: []uint32{
			petest.DataRVA + 0x000,
			petest.DataRVA + 0x008,
			petest.DataRVA + 0x00c,
			petest.DataRVA + 0x1000,
		},
	}
	f, err := pe.NewFile(img.Build())
	if err != nil {
		t.Fatalf("NewFile: %v", err)
	}
	got := sorted(f.Relocations())
	want := []uint32{0x10001000, 0x10001100, 0x10001200, 0x10001300}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Relocations = %#x, want %#x", got, want)
	}
}

func TestEmptyRelocSectionIsNotHeuristic(t *testing.T) {
	img := petest.Image{Relocs: []uint32{}, Text: []byte{0x55, 0x8b, 0xec, 0xc3}}
	f, err := pe.NewFile(img.Build())
	if err != nil {
		t.Fatalf("NewFile: %v", err)
	}
	tabs := f.Tables()
	if tabs.Heuristic {
		t.Error("Heuristic set although .reloc exists")
	}
	if !tabs.Empty() {
		t.Errorf("expected empty tables, got %+v", tabs)
	}
}

func TestExportsSkipZeroAndForwarders(t *testing.T) {
	img := petest.Image{
		Relocs:  []uint32{},
		Exports: []uint32{0x1000, 0, 0x1010, petest.EdataRVA + 4},
	}
	f, err := pe.NewFile(img.Build())
	if err != nil {
		t.Fatalf("NewFile: %v", err)
	}
	want := []uint32{0x401000, 0x401010}
	if got := f.Exports(); !reflect.DeepEqual(got, want) {
		t.Errorf("Exports = %#x, want %#x", got, want)
	}
}

func TestHeuristicScan(t *testing.T) {
	text := []byte{
		0x55, 0x8b, 0xec, // 0x1000 push ebp; mov ebp, esp
		0xe8, 0xf8, 0xff, 0xff, 0xff, // 0x1003 call 0x1000
		0xeb, 0x00, // 0x1008 jmp 0x100a
		0xe8, 0x00, 0x00, 0x10, 0x00, // 0x100a call outside code
		0x90,                         // 0x100f
		0x8b, 0xff, 0x55, 0x8b, 0xec, // 0x1010 hot-patch prologue
		0xc3,
	}
	img := petest.Image{Text: text}
	f, err := pe.NewFile(img.Build())
	if err != nil {
		t.Fatalf("NewFile: %v", err)
	}
	tabs := f.Tables()
	if !tabs.Heuristic {
		t.Fatal("Heuristic not set for image without .reloc")
	}
	want := []uint32{0x401000, 0x40100a, 0x401010}
	if got := unique(tabs.Relocs); !reflect.DeepEqual(got, want) {
		t.Errorf("heuristic targets = %#x, want %#x", got, want)
	}
}

func TestHeuristicRespectsCodeRange(t *testing.T) {
	// jmp short +0x20 lands past SizeOfCode.
	text := []byte{0xeb, 0x20, 0xc3}
	img := petest.Image{Text: text, CodeSize: 0x10}
	f, err := pe.NewFile(img.Build())
	if err != nil {
		t.Fatalf("NewFile: %v", err)
	}
	if got := f.ScanCode(); len(got) != 0 {
		t.Errorf("ScanCode = %#x, want none", got)
	}
}

func TestRejectsNonPE(t *testing.T) {
	good := petest.Image{Relocs: []uint32{}}.Build()

	badDOS := append([]byte(nil), good...)
	badDOS[0] = 'X'

	badNT := append([]byte(nil), good...)
	binary.LittleEndian.PutUint32(badNT[0x80:], 0x12345678)

	badLfanew := append([]byte(nil), good...)
	binary.LittleEndian.PutUint32(badLfanew[60:], 0xfffffff0)

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"empty", nil, pe.ErrNotPE},
		{"short", good[:32], pe.ErrNotPE},
		{"bad dos magic", badDOS, pe.ErrNotPE},
		{"bad nt signature", badNT, pe.ErrNotPE},
		{"lfanew out of range", badLfanew, pe.ErrNotPE},
		{"pe32+", petest.Image{PE32Plus: true}.Build(), pe.ErrUnsupported},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := pe.NewFile(tt.data)
			if !errors.Is(err, tt.want) {
				t.Fatalf("NewFile err = %v, want %v", err, tt.want)
			}
			if f != nil {
				t.Error("partial result returned with error")
			}
		})
	}
}

func TestExtractMissingFile(t *testing.T) {
	if _, err := pe.Extract(filepath.Join(t.TempDir(), "nope.dll")); err == nil {
		t.Fatal("Extract of missing file succeeded")
	}
}

func TestRVAToOffset(t *testing.T) {
	img := petest.Image{Data: petest.PutU32(nil, 4, 0xcafebabe), Relocs: []uint32{}}
	f, err := pe.NewFile(img.Build())
	if err != nil {
		t.Fatalf("NewFile: %v", err)
	}
	if off, ok := f.RVAToOffset(petest.DataRVA + 4); !ok || off != petest.DataRVA+4 {
		t.Errorf("RVAToOffset = %#x, %v", off, ok)
	}
	if v, ok := f.ReadU32(petest.DataRVA + 4); !ok || v != 0xcafebabe {
		t.Errorf("ReadU32 = %#x, %v", v, ok)
	}
	if _, ok := f.RVAToOffset(0x900000); ok {
		t.Error("RVAToOffset of unmapped rva succeeded")
	}
	if s := f.Section(".text"); s == nil || pe.SectionName(s) != ".text" {
		t.Error(".text section not found")
	}
}

func TestImports(t *testing.T) {
	img := petest.Image{
		Text: []byte{0xc3},
		Imports: []petest.ImportedDLL{
			{DLL: "kernel32.dll", Names: []string{"VirtualAlloc", "ExitProcess"}},
			{DLL: "user32.dll", Names: []string{"MessageBoxA"}},
		},
	}
	f, err := pe.NewFile(img.Build())
	if err != nil {
		t.Fatal(err)
	}
	imps := f.Imports()
	if len(imps) != 3 {
		t.Fatalf("imports = %+v", imps)
	}
	slots := img.Slots()
	for _, imp := range imps {
		want, ok := slots[imp.Symbol()]
		if !ok || imp.Slot != want {
			t.Errorf("%s slot = 0x%x, want 0x%x", imp.Symbol(), imp.Slot, want)
		}
	}
	if imps[2].Symbol() != "user32.dll!MessageBoxA" {
		t.Errorf("symbol = %s", imps[2].Symbol())
	}
	if got := (pe.Import{DLL: "ws2_32.dll", Ordinal: 23}).Symbol(); got != "ws2_32.dll!#23" {
		t.Errorf("ordinal symbol = %s", got)
	}
}

func TestNoImports(t *testing.T) {
	f, err := pe.NewFile(petest.Image{Text: []byte{0xc3}}.Build())
	if err != nil {
		t.Fatal(err)
	}
	if imps := f.Imports(); imps != nil {
		t.Errorf("imports = %+v", imps)
	}
}
