package emulator

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/zboralski/cfiwatch/internal/pe"
)

// Image is a PE32 image mapped at its preferred base.
type Image struct {
	Path    string
	Name    string // lower-cased base name
	Base    uint32
	Size    uint32 // page-aligned SizeOfImage
	Entry   uint32
	File    *pe.File
	Imports []pe.Import
}

// Contains reports whether addr lies inside the mapped image.
func (img *Image) Contains(addr uint32) bool {
	return addr >= img.Base && addr-img.Base < img.Size
}

// LoadPE maps a PE32 image at its preferred base address. Images are never
// relocated, so the preferred range must be free.
func (e *Emulator) LoadPE(path string) (*Image, error) {
	f, err := pe.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open PE: %w", err)
	}
	return e.MapPE(path, f)
}

// MapPE maps an already parsed image.
func (e *Emulator) MapPE(path string, f *pe.File) (*Image, error) {
	base := f.ImageBase()
	size := (f.Optional.SizeOfImage + PageSize - 1) &^ (PageSize - 1)
	if size == 0 {
		return nil, fmt.Errorf("%s: empty image", path)
	}
	for _, other := range e.images {
		if base < other.Base+other.Size && other.Base < base+size {
			return nil, fmt.Errorf("%s: range 0x%x+0x%x overlaps %s", path, base, size, other.Name)
		}
	}
	if err := e.mu.MemMap(uint64(base), uint64(size)); err != nil {
		return nil, fmt.Errorf("map image 0x%x: %w", base, err)
	}

	data := f.Bytes()
	hdr := min(uint32(len(data)), f.Optional.SizeOfHeaders, size)
	if err := e.MemWrite(base, data[:hdr]); err != nil {
		return nil, fmt.Errorf("write headers: %w", err)
	}
	for i := range f.Sections {
		s := &f.Sections[i]
		raw := f.SectionData(s)
		if s.VirtualSize != 0 && uint32(len(raw)) > s.VirtualSize {
			raw = raw[:s.VirtualSize]
		}
		if len(raw) == 0 {
			continue
		}
		if s.VirtualAddress >= size || uint64(s.VirtualAddress)+uint64(len(raw)) > uint64(size) {
			return nil, fmt.Errorf("section %s outside image", pe.SectionName(s))
		}
		if err := e.MemWrite(base+s.VirtualAddress, raw); err != nil {
			return nil, fmt.Errorf("write section %s: %w", pe.SectionName(s), err)
		}
	}

	img := &Image{
		Path:    path,
		Name:    strings.ToLower(filepath.Base(path)),
		Base:    base,
		Size:    size,
		Entry:   base + f.Optional.AddressOfEntryPoint,
		File:    f,
		Imports: f.Imports(),
	}
	e.images = append(e.images, img)
	return img, nil
}

// BindImport writes target into the IAT slot of imp.
func (e *Emulator) BindImport(img *Image, imp pe.Import, target uint32) error {
	return e.WriteU32(img.Base+imp.Slot, target)
}

// ImageAt returns the loaded image containing addr.
func (e *Emulator) ImageAt(addr uint32) (*Image, bool) {
	for _, img := range e.images {
		if img.Contains(addr) {
			return img, true
		}
	}
	return nil, false
}
