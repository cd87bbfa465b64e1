// Package pe extracts the legitimate indirect-branch targets of a PE32 image:
// values stored at HIGHLOW base-relocation sites and exported function
// addresses, with a code-scan fallback for images shipped without relocations.
package pe

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"strings"
)

var (
	// ErrNotPE is returned when the DOS magic or NT signature does not match,
	// or when the headers are truncated.
	ErrNotPE = errors.New("not a valid PE image")

	// ErrUnsupported is returned for well-formed images this package does
	// not handle (PE32+).
	ErrUnsupported = errors.New("unsupported PE image")
)

// File is a parsed PE32 image backed by its raw file bytes.
type File struct {
	DOS      IMAGE_DOS_HEADER
	Header   IMAGE_FILE_HEADER
	Optional IMAGE_OPTIONAL_HEADER32
	Sections []IMAGE_SECTION_HEADER

	data []byte
}

// Open reads and parses the PE image at path.
func Open(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	return NewFile(data)
}

// NewFile parses a PE image held in memory. The slice is retained.
func NewFile(data []byte) (*File, error) {
	f := &File{data: data}

	if len(data) < sizeofDosHeader {
		return nil, fmt.Errorf("%w: truncated DOS header", ErrNotPE)
	}
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &f.DOS); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotPE, err)
	}
	if f.DOS.Magic != IMAGE_DOS_SIGNATURE {
		return nil, fmt.Errorf("%w: bad DOS magic 0x%04x", ErrNotPE, f.DOS.Magic)
	}

	nt := uint64(f.DOS.Lfanew)
	if nt+4+sizeofFileHeader > uint64(len(data)) {
		return nil, fmt.Errorf("%w: e_lfanew 0x%x out of range", ErrNotPE, f.DOS.Lfanew)
	}
	if sig := binary.LittleEndian.Uint32(data[nt:]); sig != IMAGE_NT_SIGNATURE {
		return nil, fmt.Errorf("%w: bad NT signature 0x%08x", ErrNotPE, sig)
	}
	r := bytes.NewReader(data[nt+4:])
	if err := binary.Read(r, binary.LittleEndian, &f.Header); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotPE, err)
	}

	// The optional header may be shorter than the full structure; missing
	// trailing data directories read as zero.
	optOff := nt + 4 + sizeofFileHeader
	optSize := uint64(f.Header.SizeOfOptionalHeader)
	if optSize < 2 || optOff+optSize > uint64(len(data)) {
		return nil, fmt.Errorf("%w: truncated optional header", ErrNotPE)
	}
	switch magic := binary.LittleEndian.Uint16(data[optOff:]); magic {
	case IMAGE_NT_OPTIONAL_HDR32_MAGIC:
	case IMAGE_NT_OPTIONAL_HDR64_MAGIC:
		return nil, fmt.Errorf("%w: PE32+ image", ErrUnsupported)
	default:
		return nil, fmt.Errorf("%w: bad optional header magic 0x%x", ErrNotPE, magic)
	}
	opt := make([]byte, sizeofOptionalHeader)
	copy(opt, data[optOff:optOff+min(optSize, sizeofOptionalHeader)])
	if err := binary.Read(bytes.NewReader(opt), binary.LittleEndian, &f.Optional); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotPE, err)
	}
	for i := int(f.Optional.NumberOfRvaAndSizes); i < len(f.Optional.DataDirectory); i++ {
		f.Optional.DataDirectory[i] = IMAGE_DATA_DIRECTORY{}
	}

	secOff := optOff + optSize
	n := uint64(f.Header.NumberOfSections)
	if secOff+n*sizeofSectionHeader > uint64(len(data)) {
		return nil, fmt.Errorf("%w: truncated section table", ErrNotPE)
	}
	f.Sections = make([]IMAGE_SECTION_HEADER, n)
	if err := binary.Read(bytes.NewReader(data[secOff:]), binary.LittleEndian, f.Sections); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotPE, err)
	}

	return f, nil
}

// ImageBase returns the preferred load address.
func (f *File) ImageBase() uint32 {
	return f.Optional.ImageBase
}

// Bytes returns the raw image bytes.
func (f *File) Bytes() []byte {
	return f.data
}

// SectionName returns the NUL-trimmed name of a section header.
func SectionName(s *IMAGE_SECTION_HEADER) string {
	return strings.TrimRight(string(s.Name[:]), "\x00")
}

// Section returns the first section with the given name.
func (f *File) Section(name string) *IMAGE_SECTION_HEADER {
	for i := range f.Sections {
		if SectionName(&f.Sections[i]) == name {
			return &f.Sections[i]
		}
	}
	return nil
}

// SectionData returns the raw bytes of a section, clipped to the file.
func (f *File) SectionData(s *IMAGE_SECTION_HEADER) []byte {
	start := uint64(s.PointerToRawData)
	end := start + uint64(s.SizeOfRawData)
	if start >= uint64(len(f.data)) {
		return nil
	}
	if end > uint64(len(f.data)) {
		end = uint64(len(f.data))
	}
	return f.data[start:end]
}

// RVAToOffset converts a relative virtual address to a file offset using the
// section table. Addresses inside the headers map to themselves.
func (f *File) RVAToOffset(rva uint32) (uint32, bool) {
	if rva < f.Optional.SizeOfHeaders && rva < uint32(len(f.data)) {
		return rva, true
	}
	for i := range f.Sections {
		s := &f.Sections[i]
		span := s.VirtualSize
		if s.SizeOfRawData > span {
			span = s.SizeOfRawData
		}
		if rva < s.VirtualAddress || rva-s.VirtualAddress >= span {
			continue
		}
		delta := rva - s.VirtualAddress
		if delta >= s.SizeOfRawData {
			return 0, false // uninitialized tail, nothing on disk
		}
		off := uint64(s.PointerToRawData) + uint64(delta)
		if off >= uint64(len(f.data)) {
			return 0, false
		}
		return uint32(off), true
	}
	return 0, false
}

// ReadU32 reads the 32-bit value stored at rva.
func (f *File) ReadU32(rva uint32) (uint32, bool) {
	off, ok := f.RVAToOffset(rva)
	if !ok || uint64(off)+4 > uint64(len(f.data)) {
		return 0, false
	}
	return binary.LittleEndian.Uint32(f.data[off:]), true
}

// codeRange returns the [start, end) RVA range described by BaseOfCode and
// SizeOfCode.
func (f *File) codeRange() (uint32, uint32) {
	start := f.Optional.BaseOfCode
	end := uint64(start) + uint64(f.Optional.SizeOfCode)
	if end > 1<<32-1 {
		end = 1<<32 - 1
	}
	return start, uint32(end)
}
