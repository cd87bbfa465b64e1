package whitelist

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"sync/atomic"
	"testing"

	"github.com/zboralski/cfiwatch/internal/log"
	"github.com/zboralski/cfiwatch/internal/pe"
	"github.com/zboralski/cfiwatch/internal/pe/petest"
)

func record(name string, base uint32, rvas ...uint32) *ModuleRecord {
	t := &pe.Tables{ImageBase: base}
	for _, r := range rvas {
		t.Relocs = append(t.Relocs, base+r)
	}
	return NewRecord(name, t)
}

func TestNormalize(t *testing.T) {
	tests := []struct{ in, want string }{
		{"KERNEL32.DLL", "kernel32.dll"},
		{`C:\WINDOWS\system32\NTDLL.dll`, "ntdll.dll"},
		{"/mnt/xp/WINDOWS/system32/User32.dll", "user32.dll"},
		{"hal.dll", "hal.dll"},
	}
	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNewRecordRebases(t *testing.T) {
	r := NewRecord("a.dll", &pe.Tables{
		ImageBase: 0x10000000,
		Relocs:    []uint32{0x10001000, 0x0fff0000, 0x10002000},
		Exports:   []uint32{0x10001000, 0x10003000},
	})
	if r.RelocCount != 3 || r.ExportCount != 2 {
		t.Errorf("counts = %d/%d", r.RelocCount, r.ExportCount)
	}
	want := []uint32{0x1000, 0x2000, 0x3000}
	if got := r.Set.Addresses(); !reflect.DeepEqual(got, want) {
		t.Errorf("set = %#x, want %#x", got, want)
	}
}

func TestResolveCachesFirstSuccess(t *testing.T) {
	dir := t.TempDir()
	img := petest.Image{
		Data:    petest.PutU32(nil, 0, 0x401000),
		Relocs:  []uint32{petest.DataRVA},
		Exports: []uint32{0x1010},
	}
	good := img.Write(t, dir, "WINDOWS/system32/foo.dll")
	missing := filepath.Join(dir, "nope/foo.dll")

	s := NewStore(log.NewNop())
	var calls atomic.Int32
	s.SetExtractor(func(p string) (*pe.Tables, error) {
		calls.Add(1)
		return pe.Extract(p)
	})

	r, err := s.Resolve("FOO.DLL", []string{missing, good})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if r.Path != good {
		t.Errorf("Path = %q, want %q", r.Path, good)
	}
	if !r.Contains(0x1000) || !r.Contains(0x1010) {
		t.Errorf("record missing entries: %#x", r.Set.Addresses())
	}

	n := calls.Load()
	r2, err := s.Resolve("foo.dll", []string{good})
	if err != nil || r2 != r {
		t.Fatalf("second Resolve = %p, %v; want cached %p", r2, err, r)
	}
	if calls.Load() != n {
		t.Error("cache hit re-ran the extractor")
	}
}

func TestResolveNotFoundIsNotCached(t *testing.T) {
	s := NewStore(nil)
	dir := t.TempDir()
	_, err := s.Resolve("gone.dll", []string{filepath.Join(dir, "gone.dll")})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if _, ok := s.Get("gone.dll"); ok {
		t.Fatal("failure was cached")
	}

	// Once the file appears, resolution succeeds.
	path := petest.Image{Relocs: []uint32{}, Exports: []uint32{0x1000}}.Write(t, dir, "gone.dll")
	if _, err := s.Resolve("gone.dll", []string{path}); err != nil {
		t.Fatalf("Resolve after file appeared: %v", err)
	}
}

func TestResolveNotPEWrapped(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "junk.dll")
	os.WriteFile(p, []byte("not a pe"), 0o644)

	_, err := NewStore(nil).Resolve("junk.dll", []string{p})
	if !errors.Is(err, ErrNotFound) || !errors.Is(err, pe.ErrNotPE) {
		t.Fatalf("err = %v, want ErrNotFound wrapping ErrNotPE", err)
	}
}

func TestDumpRoundTrip(t *testing.T) {
	src := NewStore(nil)
	src.Put(record("M1", 0x400000, 0x1000, 0x2000))
	src.Put(record("M2", 0x10000000, 0x3000))
	src.Put(&ModuleRecord{Name: "empty.dll", Set: NewAddressSet(0)})

	path := filepath.Join(t.TempDir(), "wl.bin")
	if err := src.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	dst := NewStore(nil)
	n, err := dst.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if n != 2 {
		t.Errorf("loaded %d records, want 2", n)
	}
	if got := dst.Names(); !reflect.DeepEqual(got, []string{"m1", "m2"}) {
		t.Errorf("Names = %v", got)
	}

	m1, _ := dst.Get("m1")
	if got := m1.Set.Addresses(); !reflect.DeepEqual(got, []uint32{0x1000, 0x2000}) {
		t.Errorf("M1 = %#x", got)
	}
	if m1.ImageBase != 0x400000 || m1.RelocCount != 2 {
		t.Errorf("M1 header = base %#x relocs %d", m1.ImageBase, m1.RelocCount)
	}
	m2, _ := dst.Get("m2")
	if got := m2.Set.Addresses(); !reflect.DeepEqual(got, []uint32{0x3000}) {
		t.Errorf("M2 = %#x", got)
	}
}

func TestDumpLayout(t *testing.T) {
	s := NewStore(nil)
	s.Put(record("a.dll", 0x400000, 0x1000))

	var buf bytes.Buffer
	if _, err := s.Encode(&buf); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	b := buf.Bytes()
	if want := 4 + NameSize + 16 + 4; len(b) != want {
		t.Fatalf("dump size = %d, want %d", len(b), want)
	}
	le := binary.LittleEndian
	if le.Uint32(b) != 1 {
		t.Errorf("record_count = %d", le.Uint32(b))
	}
	if string(b[4:9]) != "a.dll" || b[9] != 0 {
		t.Errorf("name = %q", b[4:12])
	}
	hdr := b[4+NameSize:]
	if le.Uint32(hdr[0:]) != 0x400000 || le.Uint32(hdr[4:]) != 1 || le.Uint32(hdr[8:]) != 0 || le.Uint32(hdr[12:]) != 1 {
		t.Errorf("header = %x", hdr[:16])
	}
	if le.Uint32(hdr[16:]) != 0x401000 {
		t.Errorf("entry = %#x, want absolute 0x401000", le.Uint32(hdr[16:]))
	}
}

func TestLoadTruncatedRecordStops(t *testing.T) {
	s := NewStore(nil)
	s.Put(record("ok.dll", 0, 0x10, 0x20))
	s.Put(record("zz.dll", 0, 0x30, 0x40, 0x50))

	var buf bytes.Buffer
	if _, err := s.Encode(&buf); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	// Cut into the second record's entries.
	cut := buf.Bytes()[:buf.Len()-6]

	dst := NewStore(nil)
	n, err := dst.Decode(bytes.NewReader(cut))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if n != 1 {
		t.Errorf("added = %d, want 1", n)
	}
	if _, ok := dst.Get("zz.dll"); ok {
		t.Error("truncated record was kept")
	}
}

func TestLoadMergesKeepsExisting(t *testing.T) {
	src := NewStore(nil)
	src.Put(record("k.dll", 0, 0x10))
	var buf bytes.Buffer
	src.Encode(&buf)

	dst := NewStore(nil)
	mine := dst.Put(record("k.dll", 0, 0x99))
	n, err := dst.Decode(&buf)
	if err != nil || n != 0 {
		t.Fatalf("Decode = %d, %v", n, err)
	}
	if got, _ := dst.Get("k.dll"); got != mine {
		t.Error("existing record replaced by dump")
	}
}

func TestPrebuild(t *testing.T) {
	dir := t.TempDir()
	var paths []string
	for _, name := range []string{"a.dll", "b.dll", "c.dll"} {
		paths = append(paths, petest.Image{Relocs: []uint32{}, Exports: []uint32{0x1000}}.Write(t, dir, name))
	}
	junk := filepath.Join(dir, "junk.dll")
	os.WriteFile(junk, []byte("MZ"), 0o644)
	paths = append(paths, junk)

	s := NewStore(nil)
	n, err := s.Prebuild(context.Background(), paths, 2)
	if err != nil {
		t.Fatalf("Prebuild: %v", err)
	}
	if n != 3 {
		t.Errorf("added = %d, want 3", n)
	}
	if got := s.Names(); !reflect.DeepEqual(got, []string{"a.dll", "b.dll", "c.dll"}) {
		t.Errorf("Names = %v", got)
	}
}

func TestPrebuildCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewStore(nil).Prebuild(ctx, []string{"x.dll"}, 1)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestReset(t *testing.T) {
	s := NewStore(nil)
	s.Put(record("a.dll", 0, 1))
	s.Reset()
	if s.Len() != 0 {
		t.Errorf("Len = %d after Reset", s.Len())
	}
}

func TestCandidates(t *testing.T) {
	root := "/mnt/xp"
	tests := []struct {
		guest, name string
		want        []string
	}{
		{
			`C:\WINDOWS\system32\ntdll.dll`, "ntdll.dll",
			[]string{"/mnt/xp/WINDOWS/system32/ntdll.dll", "/mnt/xp/WINDOWS/system32/drivers/ntdll.dll"},
		},
		{
			`\SystemRoot\System32\Drivers\tcpip.sys`, "tcpip.sys",
			[]string{
				"/mnt/xp/WINDOWS/System32/Drivers/tcpip.sys",
				"/mnt/xp/WINDOWS/system32/tcpip.sys",
				"/mnt/xp/WINDOWS/system32/drivers/tcpip.sys",
			},
		},
		{
			`\??\C:\Program Files\app\app.exe`, "",
			[]string{
				"/mnt/xp/Program Files/app/app.exe",
				"/mnt/xp/WINDOWS/system32/app.exe",
				"/mnt/xp/WINDOWS/system32/drivers/app.exe",
			},
		},
		{
			`\Device\HarddiskVolume1\WINDOWS\explorer.exe`, "explorer.exe",
			[]string{
				"/mnt/xp/WINDOWS/explorer.exe",
				"/mnt/xp/WINDOWS/system32/explorer.exe",
				"/mnt/xp/WINDOWS/system32/drivers/explorer.exe",
			},
		},
	}
	for _, tt := range tests {
		if got := Candidates(root, tt.guest, tt.name); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("Candidates(%q) = %v, want %v", tt.guest, got, tt.want)
		}
	}
	if got := Candidates("", `C:\x.dll`, "x.dll"); got != nil {
		t.Errorf("Candidates without root = %v", got)
	}
}
