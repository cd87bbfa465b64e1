package pe

import (
	"bytes"
	"fmt"
	"strings"
)

// Import is one imported function bound through the import address table.
type Import struct {
	DLL     string // lower-cased
	Name    string // empty when imported by ordinal
	Ordinal uint16
	Slot    uint32 // RVA of the IAT entry the loader patches
}

// Symbol returns "dll!name", or "dll!#ordinal" for ordinal imports.
func (i Import) Symbol() string {
	if i.Name == "" {
		return fmt.Sprintf("%s!#%d", i.DLL, i.Ordinal)
	}
	return i.DLL + "!" + i.Name
}

// Imports walks the import directory. Descriptors that cannot be read end
// the walk.
func (f *File) Imports() []Import {
	dir := f.Optional.DataDirectory[IMAGE_DIRECTORY_ENTRY_IMPORT]
	if dir.VirtualAddress == 0 || dir.Size == 0 {
		return nil
	}

	var out []Import
	for rva := dir.VirtualAddress; ; rva += sizeofImportDesc {
		var d IMAGE_IMPORT_DESCRIPTOR
		if !f.readStruct(rva, &d) || d.FirstThunk == 0 && d.Name == 0 {
			break
		}
		dll := strings.ToLower(f.cstringAt(d.Name))
		lookup := d.OriginalFirstThunk
		if lookup == 0 {
			lookup = d.FirstThunk
		}
		for i := uint32(0); ; i++ {
			thunk, ok := f.ReadU32(lookup + 4*i)
			if !ok || thunk == 0 {
				break
			}
			imp := Import{DLL: dll, Slot: d.FirstThunk + 4*i}
			if thunk&IMAGE_ORDINAL_FLAG32 != 0 {
				imp.Ordinal = uint16(thunk)
			} else {
				// IMAGE_IMPORT_BY_NAME: u16 hint, then the name.
				imp.Name = f.cstringAt(thunk + 2)
			}
			out = append(out, imp)
		}
	}
	return out
}

func (f *File) cstringAt(rva uint32) string {
	off, ok := f.RVAToOffset(rva)
	if !ok {
		return ""
	}
	b := f.data[off:]
	b = b[:min(len(b), 256)]
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return ""
}
