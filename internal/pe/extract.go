package pe

import (
	"bytes"
	"encoding/binary"

	"golang.org/x/arch/x86/x86asm"
)

// Tables holds the branch-target candidates of one image. Addresses are
// absolute at the preferred ImageBase; callers rebase them.
type Tables struct {
	ImageBase uint32
	Relocs    []uint32 // values stored at HIGHLOW relocation sites
	Exports   []uint32 // ImageBase + AddressOfFunctions[i]

	// Heuristic is set when the image had no .reloc section and Relocs
	// came from the code scan.
	Heuristic bool
}

// Empty reports whether extraction produced no information at all.
func (t *Tables) Empty() bool {
	return len(t.Relocs) == 0 && len(t.Exports) == 0
}

// Extract parses the image at path and returns its branch-target tables.
func Extract(path string) (*Tables, error) {
	f, err := Open(path)
	if err != nil {
		return nil, err
	}
	return f.Tables(), nil
}

// Tables extracts relocation-derived and export-derived addresses.
func (f *File) Tables() *Tables {
	t := &Tables{ImageBase: f.ImageBase()}
	if f.Section(".reloc") != nil {
		t.Relocs = f.Relocations()
	} else {
		t.Relocs = f.ScanCode()
		t.Heuristic = true
	}
	t.Exports = f.Exports()
	return t
}

// Relocations walks the base-relocation table and returns, for every HIGHLOW
// entry, the 32-bit value stored at the relocation site.
func (f *File) Relocations() []uint32 {
	var start, size uint32
	dir := f.Optional.DataDirectory[IMAGE_DIRECTORY_ENTRY_BASERELOC]
	if dir.VirtualAddress != 0 && dir.Size != 0 {
		start, size = dir.VirtualAddress, dir.Size
	} else if s := f.Section(".reloc"); s != nil {
		start, size = s.VirtualAddress, s.VirtualSize
		if size == 0 {
			size = s.SizeOfRawData
		}
	}
	if size == 0 {
		return nil
	}

	var out []uint32
	for pos := uint32(0); pos+sizeofRelocBlock <= size; {
		var blk IMAGE_BASE_RELOCATION
		if !f.readStruct(start+pos, &blk) {
			break
		}
		if blk.SizeOfBlock < sizeofRelocBlock || blk.VirtualAddress == 0 {
			break
		}
		end := pos + blk.SizeOfBlock
		if end > size || end < pos {
			end = size
		}

		for ep := pos + sizeofRelocBlock; ep+2 <= end; ep += 2 {
			off, ok := f.RVAToOffset(start + ep)
			if !ok || uint64(off)+2 > uint64(len(f.data)) {
				break
			}
			e := BASE_RELOCATION_ENTRY{OffsetType: binary.LittleEndian.Uint16(f.data[off:])}
			if e.Type() != IMAGE_REL_BASED_HIGHLOW {
				continue
			}
			if v, ok := f.ReadU32(blk.VirtualAddress + uint32(e.Offset())); ok {
				out = append(out, v)
			}
		}
		pos += blk.SizeOfBlock
	}
	return out
}

// Exports returns the absolute address of every exported function. Forwarder
// entries, whose RVA points back into the export directory, are skipped.
func (f *File) Exports() []uint32 {
	dir := f.Optional.DataDirectory[IMAGE_DIRECTORY_ENTRY_EXPORT]
	if dir.VirtualAddress == 0 {
		return nil
	}
	var ed IMAGE_EXPORT_DIRECTORY
	if !f.readStruct(dir.VirtualAddress, &ed) {
		return nil
	}

	base := f.ImageBase()
	out := make([]uint32, 0, min(ed.NumberOfFunctions, 4096))
	for i := uint32(0); i < ed.NumberOfFunctions; i++ {
		rva, ok := f.ReadU32(ed.AddressOfFunctions + 4*i)
		if !ok {
			break
		}
		if rva == 0 {
			continue
		}
		if rva >= dir.VirtualAddress && rva-dir.VirtualAddress < dir.Size {
			continue
		}
		out = append(out, base+rva)
	}
	return out
}

// Hot-patchable and plain frame-pointer prologues.
var (
	hotpatchPrologue = []byte{0x8B, 0xFF, 0x55, 0x8B, 0xEC} // mov edi, edi; push ebp; mov ebp, esp
	framePrologue    = []byte{0x55, 0x8B, 0xEC}             // push ebp; mov ebp, esp
)

// ScanCode is the fallback for images without a relocation table. It walks
// the code section byte by byte and records the targets of call rel32,
// jmp rel32, jmp rel8 and jcc rel8 encodings plus the start of every
// frame-pointer prologue. Targets outside the code range are dropped.
func (f *File) ScanCode() []uint32 {
	s := f.Section(".text")
	if s == nil {
		s = f.sectionAt(f.Optional.BaseOfCode)
	}
	if s == nil {
		return nil
	}
	code := f.SectionData(s)
	if v := s.VirtualSize; v != 0 && uint64(v) < uint64(len(code)) {
		code = code[:v]
	}

	lo, hi := f.codeRange()
	if hi <= lo {
		lo, hi = s.VirtualAddress, s.VirtualAddress+uint32(len(code))
	}
	base := f.ImageBase()
	inCode := func(rva uint32) bool { return rva >= lo && rva < hi }

	var out []uint32
	skip := make(map[int]bool)
	for i := 0; i < len(code); i++ {
		rva := s.VirtualAddress + uint32(i)

		if bytes.HasPrefix(code[i:], hotpatchPrologue) {
			out = append(out, base+rva)
			skip[i+2] = true
		} else if !skip[i] && bytes.HasPrefix(code[i:], framePrologue) {
			out = append(out, base+rva)
		}

		if !isBranchOpcode(code[i]) {
			continue
		}
		target, ok := branchTarget(code[i:], rva)
		if ok && inCode(target) {
			out = append(out, base+target)
		}
	}
	return out
}

func isBranchOpcode(b byte) bool {
	return b == 0xE8 || b == 0xE9 || b == 0xEB || (b >= 0x70 && b <= 0x7F)
}

// branchTarget decodes a relative call/jmp/jcc at the start of code located
// at rva and returns its target RVA.
func branchTarget(code []byte, rva uint32) (uint32, bool) {
	inst, err := x86asm.Decode(code, 32)
	if err != nil {
		return 0, false
	}
	rel, ok := inst.Args[0].(x86asm.Rel)
	if !ok {
		return 0, false
	}
	return rva + uint32(inst.Len) + uint32(int32(rel)), true
}

func (f *File) sectionAt(rva uint32) *IMAGE_SECTION_HEADER {
	for i := range f.Sections {
		s := &f.Sections[i]
		if rva >= s.VirtualAddress && rva-s.VirtualAddress < max(s.VirtualSize, s.SizeOfRawData) {
			return s
		}
	}
	return nil
}

func (f *File) readStruct(rva uint32, v any) bool {
	off, ok := f.RVAToOffset(rva)
	if !ok {
		return false
	}
	return binary.Read(bytes.NewReader(f.data[off:]), binary.LittleEndian, v) == nil
}
