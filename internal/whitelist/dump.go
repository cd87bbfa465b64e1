package whitelist

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// NameSize is the fixed, NUL-padded width of a module name in a dump record.
const NameSize = 1024

// recordHeader follows the name of every dump record.
type recordHeader struct {
	ImageBase   uint32
	RelocCount  uint32
	ExportCount uint32
	EntryCount  uint32
}

// Save writes every persistable record to path. Entries are written as
// absolute addresses at the record's preferred image base.
func (s *Store) Save(path string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create dump: %w", err)
	}
	defer func() {
		err = multierr.Append(err, f.Close())
	}()

	w := bufio.NewWriter(f)
	n, err := s.Encode(w)
	if err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush dump: %w", err)
	}
	s.log.Info("saved whitelist dump", zap.String("path", path), zap.Int("records", n))
	return nil
}

// Encode writes the persistable records to w and returns how many were
// written.
func (s *Store) Encode(w io.Writer) (int, error) {
	var recs []*ModuleRecord
	for _, name := range s.Names() {
		if r, ok := s.Get(name); ok && r.Persistable() {
			recs = append(recs, r)
		}
	}

	if err := binary.Write(w, binary.LittleEndian, uint32(len(recs))); err != nil {
		return 0, fmt.Errorf("write record count: %w", err)
	}
	for i, r := range recs {
		if err := writeRecord(w, r); err != nil {
			return i, fmt.Errorf("write record %s: %w", r.Name, err)
		}
	}
	return len(recs), nil
}

func writeRecord(w io.Writer, r *ModuleRecord) error {
	var name [NameSize]byte
	copy(name[:NameSize-1], r.Name)

	rvas := r.Set.Addresses()
	entries := make([]uint32, len(rvas))
	for i, rva := range rvas {
		entries[i] = r.ImageBase + rva
	}
	hdr := recordHeader{
		ImageBase:   r.ImageBase,
		RelocCount:  r.RelocCount,
		ExportCount: r.ExportCount,
		EntryCount:  uint32(len(entries)),
	}
	return errors.Join(
		binary.Write(w, binary.LittleEndian, name),
		binary.Write(w, binary.LittleEndian, hdr),
		binary.Write(w, binary.LittleEndian, entries),
	)
}

// Load merges the records of the dump at path into the cache. Records already
// cached are kept. A truncated trailing record ends the read without error.
func (s *Store) Load(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open dump: %w", err)
	}
	defer f.Close()
	return s.Decode(bufio.NewReader(f))
}

// Decode merges the records encoded in r and returns how many were added.
func (s *Store) Decode(r io.Reader) (int, error) {
	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return 0, fmt.Errorf("read record count: %w", err)
	}

	added := 0
	for i := uint32(0); i < count; i++ {
		rec, err := readRecord(r)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				s.log.Warn("truncated whitelist dump",
					zap.Uint32("record", i),
					zap.Uint32("declared", count),
				)
				break
			}
			return added, fmt.Errorf("read record %d: %w", i, err)
		}
		if s.Put(rec) == rec {
			added++
		}
	}
	return added, nil
}

func readRecord(r io.Reader) (*ModuleRecord, error) {
	var name [NameSize]byte
	if _, err := io.ReadFull(r, name[:]); err != nil {
		return nil, err
	}
	var hdr recordHeader
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return nil, err
	}

	rec := &ModuleRecord{
		Name:        Normalize(cstring(name[:])),
		ImageBase:   hdr.ImageBase,
		RelocCount:  hdr.RelocCount,
		ExportCount: hdr.ExportCount,
		Set:         NewAddressSet(int(min(hdr.EntryCount, 1<<16))),
	}

	// The entry count is untrusted; read in chunks.
	buf := make([]byte, 4*1024)
	for left := int64(hdr.EntryCount) * 4; left > 0; {
		chunk := buf[:min(left, int64(len(buf)))]
		if _, err := io.ReadFull(r, chunk); err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
		for i := 0; i+4 <= len(chunk); i += 4 {
			v := binary.LittleEndian.Uint32(chunk[i:])
			if v >= rec.ImageBase {
				rec.Set.Add(v - rec.ImageBase)
			}
		}
		left -= int64(len(chunk))
	}
	return rec, nil
}

func cstring(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
