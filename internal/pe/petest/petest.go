// Package petest builds minimal PE32 images in memory for tests.
//
// Every section is placed at a fixed RVA with file offset equal to the RVA,
// so test code can compute site addresses without parsing the result.
package petest

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/zboralski/cfiwatch/internal/pe"
)

// Fixed section layout.
const (
	TextRVA  = 0x1000
	DataRVA  = 0x2000
	EdataRVA = 0x3000
	RelocRVA = 0x4000
	IdataRVA = 0x5000

	sectionAlign = 0x1000
	lfanew       = 0x80
)

// Image describes a PE32 image to build.
type Image struct {
	ImageBase uint32 // 0 means 0x400000

	Text []byte // .text contents
	Data []byte // .data contents, typically holding relocated pointers

	// Relocs lists HIGHLOW site RVAs. A nil slice omits the .reloc section
	// entirely; an empty non-nil slice emits an empty one.
	Relocs []uint32

	// Exports lists AddressOfFunctions RVAs in ordinal order.
	Exports []uint32

	// CodeSize overrides SizeOfCode; 0 means the padded .text size.
	CodeSize uint32

	// Imports lists imported functions by DLL, in order.
	Imports []ImportedDLL

	// Entry is the entry point offset inside .text.
	Entry uint32

	PE32Plus bool // write the PE32+ optional header magic
}

// ImportedDLL is one import descriptor.
type ImportedDLL struct {
	DLL   string
	Names []string
}

// PutU32 writes v little-endian at off, growing buf as needed.
func PutU32(buf []byte, off int, v uint32) []byte {
	if n := off + 4; n > len(buf) {
		buf = append(buf, make([]byte, n-len(buf))...)
	}
	binary.LittleEndian.PutUint32(buf[off:], v)
	return buf
}

type section struct {
	name  string
	rva   uint32
	data  []byte
	flags uint32
}

func align(n uint32) uint32 {
	return (n + sectionAlign - 1) &^ (sectionAlign - 1)
}

// Build returns the image bytes.
func (img Image) Build() []byte {
	base := img.ImageBase
	if base == 0 {
		base = 0x400000
	}

	secs := []section{
		{".text", TextRVA, img.Text, pe.IMAGE_SCN_CNT_CODE | pe.IMAGE_SCN_MEM_EXECUTE | pe.IMAGE_SCN_MEM_READ},
		{".data", DataRVA, img.Data, pe.IMAGE_SCN_MEM_READ | pe.IMAGE_SCN_MEM_WRITE},
	}

	var opt pe.IMAGE_OPTIONAL_HEADER32
	opt.Magic = pe.IMAGE_NT_OPTIONAL_HDR32_MAGIC
	if img.PE32Plus {
		opt.Magic = pe.IMAGE_NT_OPTIONAL_HDR64_MAGIC
	}
	opt.ImageBase = base
	opt.SectionAlignment = sectionAlign
	opt.FileAlignment = sectionAlign
	opt.SizeOfHeaders = sectionAlign
	opt.NumberOfRvaAndSizes = 16
	opt.BaseOfCode = TextRVA
	opt.SizeOfCode = align(uint32(max(len(img.Text), 1)))
	if img.CodeSize != 0 {
		opt.SizeOfCode = img.CodeSize
	}
	opt.AddressOfEntryPoint = TextRVA + img.Entry

	if len(img.Exports) > 0 {
		ed := exportDirectory(img.Exports)
		secs = append(secs, section{".edata", EdataRVA, ed, pe.IMAGE_SCN_MEM_READ})
		opt.DataDirectory[pe.IMAGE_DIRECTORY_ENTRY_EXPORT] = pe.IMAGE_DATA_DIRECTORY{
			VirtualAddress: EdataRVA,
			Size:           uint32(len(ed)),
		}
	}
	if img.Relocs != nil {
		rel := relocBlocks(img.Relocs)
		secs = append(secs, section{".reloc", RelocRVA, rel, pe.IMAGE_SCN_MEM_READ})
		opt.DataDirectory[pe.IMAGE_DIRECTORY_ENTRY_BASERELOC] = pe.IMAGE_DATA_DIRECTORY{
			VirtualAddress: RelocRVA,
			Size:           uint32(len(rel)),
		}
	}

	if len(img.Imports) > 0 {
		id, _ := importDirectory(img.Imports)
		secs = append(secs, section{".idata", IdataRVA, id, pe.IMAGE_SCN_MEM_READ | pe.IMAGE_SCN_MEM_WRITE})
		opt.DataDirectory[pe.IMAGE_DIRECTORY_ENTRY_IMPORT] = pe.IMAGE_DATA_DIRECTORY{
			VirtualAddress: IdataRVA,
			Size:           uint32(len(id)),
		}
	}

	last := secs[len(secs)-1]
	opt.SizeOfImage = last.rva + align(uint32(max(len(last.data), 1)))

	var hdr bytes.Buffer
	dos := pe.IMAGE_DOS_HEADER{Magic: pe.IMAGE_DOS_SIGNATURE, Lfanew: lfanew}
	binary.Write(&hdr, binary.LittleEndian, dos)
	hdr.Write(make([]byte, lfanew-hdr.Len()))
	binary.Write(&hdr, binary.LittleEndian, uint32(pe.IMAGE_NT_SIGNATURE))
	binary.Write(&hdr, binary.LittleEndian, pe.IMAGE_FILE_HEADER{
		Machine:              0x14c,
		NumberOfSections:     uint16(len(secs)),
		SizeOfOptionalHeader: uint16(binary.Size(opt)),
		Characteristics:      0x0102,
	})
	binary.Write(&hdr, binary.LittleEndian, opt)
	for _, s := range secs {
		var sh pe.IMAGE_SECTION_HEADER
		copy(sh.Name[:], s.name)
		sh.VirtualAddress = s.rva
		sh.VirtualSize = uint32(len(s.data))
		sh.SizeOfRawData = align(uint32(max(len(s.data), 1)))
		sh.PointerToRawData = s.rva
		sh.Characteristics = s.flags
		binary.Write(&hdr, binary.LittleEndian, sh)
	}

	out := make([]byte, opt.SizeOfImage)
	copy(out, hdr.Bytes())
	for _, s := range secs {
		copy(out[s.rva:], s.data)
	}
	return out
}

// Write builds the image into dir/name and returns the path.
func (img Image) Write(t testing.TB, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, img.Build(), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func exportDirectory(funcs []uint32) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, pe.IMAGE_EXPORT_DIRECTORY{
		Base:               1,
		NumberOfFunctions:  uint32(len(funcs)),
		AddressOfFunctions: EdataRVA + uint32(binary.Size(pe.IMAGE_EXPORT_DIRECTORY{})),
	})
	binary.Write(&buf, binary.LittleEndian, funcs)
	return buf.Bytes()
}

func relocBlocks(sites []uint32) []byte {
	pages := make(map[uint32][]uint16)
	for _, rva := range sites {
		page := rva &^ 0xfff
		pages[page] = append(pages[page], uint16(pe.IMAGE_REL_BASED_HIGHLOW<<12)|uint16(rva&0xfff))
	}
	keys := make([]uint32, 0, len(pages))
	for p := range pages {
		keys = append(keys, p)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	var buf bytes.Buffer
	for _, p := range keys {
		entries := pages[p]
		if len(entries)%2 == 1 {
			entries = append(entries, pe.IMAGE_REL_BASED_ABSOLUTE<<12)
		}
		binary.Write(&buf, binary.LittleEndian, pe.IMAGE_BASE_RELOCATION{
			VirtualAddress: p,
			SizeOfBlock:    uint32(8 + 2*len(entries)),
		})
		binary.Write(&buf, binary.LittleEndian, entries)
	}
	return buf.Bytes()
}

// Slots returns the IAT slot RVA of every import, keyed by "dll!name".
func (img Image) Slots() map[string]uint32 {
	_, slots := importDirectory(img.Imports)
	return slots
}

// importDirectory lays out descriptors, then per DLL the lookup table, the
// address table, the hint/name entries and the DLL name.
func importDirectory(dlls []ImportedDLL) ([]byte, map[string]uint32) {
	slots := make(map[string]uint32)
	descSize := uint32(20 * (len(dlls) + 1))
	buf := make([]byte, descSize)
	for i, d := range dlls {
		n := uint32(len(d.Names) + 1)
		ilt := uint32(len(buf))
		iat := ilt + 4*n
		buf = append(buf, make([]byte, 8*n)...)
		for j, name := range d.Names {
			hint := uint32(len(buf))
			buf = append(buf, 0, 0)
			buf = append(buf, name...)
			buf = append(buf, 0)
			if len(buf)%2 == 1 {
				buf = append(buf, 0)
			}
			buf = PutU32(buf, int(ilt)+4*j, IdataRVA+hint)
			buf = PutU32(buf, int(iat)+4*j, IdataRVA+hint)
			slots[d.DLL+"!"+name] = IdataRVA + iat + 4*uint32(j)
		}
		dllName := uint32(len(buf))
		buf = append(buf, d.DLL...)
		buf = append(buf, 0)

		desc := 20 * i
		buf = PutU32(buf, desc, IdataRVA+ilt)
		buf = PutU32(buf, desc+12, IdataRVA+dllName)
		buf = PutU32(buf, desc+16, IdataRVA+iat)
	}
	return buf, slots
}
