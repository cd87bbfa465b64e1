package instrument

import (
	"encoding/binary"
	"errors"
	"strings"
	"testing"

	_ "github.com/zboralski/cfiwatch/internal/apihook/memapi"
	"github.com/zboralski/cfiwatch/internal/cfi"
	"github.com/zboralski/cfiwatch/internal/emulator"
	"github.com/zboralski/cfiwatch/internal/pe/petest"
	_ "github.com/zboralski/cfiwatch/internal/stubs/kernel32"
	"github.com/zboralski/cfiwatch/internal/trace"
)

const (
	imageBase = 0x400000
	textBase  = imageBase + petest.TextRVA
)

func u32(v uint32) []byte {
	return binary.LittleEndian.AppendUint32(nil, v)
}

func cat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func newSession(t *testing.T, img petest.Image, opts Options) *Session {
	t.Helper()
	emu, err := emulator.New()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { emu.Close() })

	s := New(emu, cfi.Config{}, opts)
	if _, err := s.Load(img.Write(t, t.TempDir(), "prog.exe")); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return s
}

func TestCleanRun(t *testing.T) {
	desc := petest.Image{
		Imports: []petest.ImportedDLL{{DLL: "kernel32.dll", Names: []string{"VirtualAlloc"}}},
		Relocs:  []uint32{petest.TextRVA + 6},
	}
	slot := imageBase + desc.Slots()["kernel32.dll!VirtualAlloc"]
	f := uint32(textBase + 38)
	desc.Text = cat(
		[]byte{0xe8}, u32(33), // call f
		[]byte{0xb8}, u32(f), // mov eax, f
		[]byte{0xff, 0xd0}, // call eax
		[]byte{0x6a, 0x40}, // push PAGE_EXECUTE_READWRITE
		[]byte{0x68}, u32(0x1000),
		[]byte{0x68}, u32(0x1000),
		[]byte{0x6a, 0x00},
		[]byte{0xff, 0x15}, u32(slot), // call [VirtualAlloc]
		[]byte{0xc6, 0x00, 0xc3}, // mov byte [eax], ret
		[]byte{0xff, 0xd0}, // call eax
		[]byte{0xc3},
		[]byte{0xc3}, // f
	)

	s := newSession(t, desc, Options{})
	var steps int
	s.OnStep = func(Step) { steps++ }
	if err := s.Run(1000); err != nil {
		t.Fatalf("Run: %v", err)
	}

	st := s.Engine().Stats()
	if st.Violations != 0 {
		t.Fatalf("violations: %+v", s.Engine().Violations())
	}
	if st.Calls != 4 || st.Indirect != 3 {
		t.Errorf("calls=%d indirect=%d", st.Calls, st.Indirect)
	}
	if st.HitModule != 2 || st.HitDynamic != 1 {
		t.Errorf("module=%d dynamic=%d", st.HitModule, st.HitDynamic)
	}
	if st.Allocs != 1 {
		t.Errorf("allocs = %d", st.Allocs)
	}
	if st.Returns != 5 || st.RetMatched != 4 || st.RetWhitelistFallback != 1 {
		t.Errorf("returns=%d matched=%d fallback=%d", st.Returns, st.RetMatched, st.RetWhitelistFallback)
	}
	if regions, _ := s.Engine().Regions(s.ASID()); len(regions) != 1 {
		t.Errorf("regions = %v", regions)
	}
	if steps == 0 {
		t.Error("OnStep never called")
	}
	if s.Emulator().HasAddressHook(textBase + 32) {
		t.Error("API return hook left installed")
	}
}

// mov eax, g; call eax; ret; g: ret. No relocation covers g.
func hijackedCall() petest.Image {
	return petest.Image{
		Relocs: []uint32{},
		Text: cat(
			[]byte{0xb8}, u32(textBase+8),
			[]byte{0xff, 0xd0},
			[]byte{0xc3},
			[]byte{0xc3},
		),
	}
}

func TestIndirectMiss(t *testing.T) {
	var events []*trace.Event
	emu, err := emulator.New()
	if err != nil {
		t.Fatal(err)
	}
	defer emu.Close()
	s := New(emu, cfi.Config{OnViolation: func(ev *trace.Event) { events = append(events, ev) }}, Options{})
	if _, err := s.Load(hijackedCall().Write(t, t.TempDir(), "prog.exe")); err != nil {
		t.Fatal(err)
	}
	if err := s.Run(1000); err != nil {
		t.Fatalf("Run: %v", err)
	}

	vs := s.Engine().Violations()
	if len(vs) != 1 {
		t.Fatalf("violations = %+v", vs)
	}
	if v := vs[0]; v.Kind != "indirect" || v.Src != textBase+5 || v.Dst != textBase+8 || v.Process != "prog.exe" {
		t.Errorf("violation = %+v", v)
	}
	if len(events) != 1 || !events[0].Tags.Has(trace.Indirect) {
		t.Errorf("events = %v", events)
	}
}

func TestEnforceBlocks(t *testing.T) {
	s := newSession(t, hijackedCall(), Options{Enforce: true})
	err := s.Run(1000)
	if !errors.Is(err, ErrBlocked) {
		t.Fatalf("Run = %v, want ErrBlocked", err)
	}
	if s.Engine().Stats().Violations != 1 {
		t.Errorf("violations = %d", s.Engine().Stats().Violations)
	}
}

func TestReturnOverwrite(t *testing.T) {
	h := uint32(textBase + 14)
	desc := petest.Image{
		Relocs: []uint32{},
		Text: cat(
			[]byte{0xe8}, u32(1), // call g
			[]byte{0xc3},
			[]byte{0xc7, 0x04, 0x24}, u32(h), // g: mov dword [esp], h
			[]byte{0xc3},
			[]byte{0xc3}, // h
		),
	}
	s := newSession(t, desc, Options{})
	if err := s.Run(1000); err != nil {
		t.Fatalf("Run: %v", err)
	}

	vs := s.Engine().Violations()
	if len(vs) != 1 {
		t.Fatalf("violations = %+v", vs)
	}
	if v := vs[0]; v.Kind != "ret" || !strings.HasPrefix(v.Category, "mismatch") || v.Dst != h {
		t.Errorf("violation = %+v", v)
	}
}

func TestFarCallHalts(t *testing.T) {
	desc := petest.Image{
		Relocs: []uint32{},
		Text:   []byte{0x9a, 0, 0x10, 0x40, 0, 0x08, 0, 0xc3},
	}
	s := newSession(t, desc, Options{})
	err := s.Run(1000)

	var ie *cfi.InvariantError
	if !errors.As(err, &ie) {
		t.Fatalf("Run = %v, want InvariantError", err)
	}
	if s.Engine().Halted() == nil {
		t.Error("engine not halted")
	}
}

func TestRunWithoutImage(t *testing.T) {
	emu, err := emulator.New()
	if err != nil {
		t.Fatal(err)
	}
	defer emu.Close()
	if err := New(emu, cfi.Config{}, Options{}).Run(10); !errors.Is(err, ErrNoImage) {
		t.Errorf("Run = %v", err)
	}
}

func TestProcessRegistered(t *testing.T) {
	s := newSession(t, hijackedCall(), Options{ASID: 0x2000, PID: 77})
	if err := s.registerStubs(); err != nil {
		t.Fatal(err)
	}
	p, ok := s.Engine().Process(0x2000)
	if !ok {
		t.Fatal("process not registered")
	}
	if p.Name != "prog.exe" || p.PID != 77 {
		t.Errorf("process = %+v", p)
	}
	names := make(map[string]bool)
	for _, m := range p.Modules {
		names[m.Name] = m.Whitelisted
	}
	if !names["prog.exe"] || !names[StubModule] {
		t.Errorf("modules = %+v", p.Modules)
	}
}
