// Package instrument runs a PE32 image under the emulator and reports every
// tracked control transfer to a cfi.Engine.
package instrument

import (
	"errors"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/arch/x86/x86asm"

	"github.com/zboralski/cfiwatch/internal/cfi"
	"github.com/zboralski/cfiwatch/internal/emulator"
	"github.com/zboralski/cfiwatch/internal/log"
	"github.com/zboralski/cfiwatch/internal/pe"
	"github.com/zboralski/cfiwatch/internal/stubs"
	"github.com/zboralski/cfiwatch/internal/trace"
	"github.com/zboralski/cfiwatch/internal/whitelist"
)

// Defaults for a standalone session.
const (
	DefaultASID       = 0x1000
	DefaultPID        = 1
	DefaultKernelBase = 0x80000000
	mainThread        = 1

	// StubModule names the synthetic module covering the API stubs.
	StubModule = "apistubs.dll"
)

var (
	// ErrNoImage is returned by Run before any image is loaded.
	ErrNoImage = errors.New("no image loaded")
	// ErrBlocked is returned by Run when enforcement stopped a violation.
	ErrBlocked = errors.New("control transfer blocked")
)

// Options configures a Session.
type Options struct {
	ASID       uint32 // 0 means DefaultASID
	PID        uint32 // 0 means DefaultPID
	KernelBase uint32 // 0 means DefaultKernelBase
	Enforce    bool   // stop at the first violation
	Registry   *stubs.Registry
	Logger     *log.Logger
}

// Step is one executed instruction.
type Step struct {
	Addr    uint32
	Code    []byte
	Inst    x86asm.Inst
	Op      cfi.Op
	Branch  bool   // Op is valid
	Target  uint32 // resolved branch target
	Stub    string // API stub executing at Addr, if any
	Decoded bool
}

// Session binds one emulator to one engine.
type Session struct {
	emu    *emulator.Emulator
	engine *cfi.Engine
	stubs  *stubs.Registry
	log    *log.Logger
	opts   Options

	binding *stubs.Binding
	main    *emulator.Image
	hooked  bool

	err     error
	blocked *trace.Event

	// OnStep is called for every executed instruction.
	OnStep func(Step)
}

type guest struct{ emu *emulator.Emulator }

func (g guest) ThreadID(bool) uint32 { return mainThread }
func (g guest) FiberID(bool) uint32  { return 0 }

func (g guest) ReadU32(addr uint32) (uint32, bool) {
	v, err := g.emu.ReadU32(addr)
	return v, err == nil
}

type host struct{ emu *emulator.Emulator }

func (h host) RemoveReturnHook(addr uint32) { h.emu.RemoveAddressHook(addr) }

// New creates a session and its engine. Guest and Host in cfg default to
// adapters over emu.
func New(emu *emulator.Emulator, cfg cfi.Config, opts Options) *Session {
	if opts.ASID == 0 {
		opts.ASID = DefaultASID
	}
	if opts.PID == 0 {
		opts.PID = DefaultPID
	}
	if opts.KernelBase == 0 {
		opts.KernelBase = DefaultKernelBase
	}
	if opts.Registry == nil {
		opts.Registry = stubs.DefaultRegistry
	}
	if opts.Logger == nil {
		opts.Logger = cfg.Logger
	}

	s := &Session{
		emu:     emu,
		stubs:   opts.Registry,
		log:     log.OrNop(opts.Logger).WithCategory("instrument"),
		opts:    opts,
		binding: stubs.NewBinding(),
	}
	if cfg.Guest == nil {
		cfg.Guest = guest{emu}
	}
	if cfg.Host == nil {
		cfg.Host = host{emu}
	}
	user := cfg.OnViolation
	cfg.OnViolation = func(ev *trace.Event) {
		if user != nil {
			user(ev)
		}
		if s.opts.Enforce && s.blocked == nil && !ev.Tags.Has(trace.Invariant) {
			s.blocked = ev
			s.emu.Stop()
		}
	}
	s.engine = cfi.New(cfg)
	return s
}

// Engine returns the session's engine.
func (s *Session) Engine() *cfi.Engine { return s.engine }

// Emulator returns the session's emulator.
func (s *Session) Emulator() *emulator.Emulator { return s.emu }

// ASID returns the address space the session reports events for.
func (s *Session) ASID() uint32 { return s.opts.ASID }

// Stubs returns the installed API stubs.
func (s *Session) Stubs() *stubs.Binding { return s.binding }

// Main returns the first loaded image.
func (s *Session) Main() *emulator.Image { return s.main }

// Load maps an image, binds its imports to stubs and reports it to the
// engine. The first image names the process.
func (s *Session) Load(path string) (*emulator.Image, error) {
	img, err := s.emu.LoadPE(path)
	if err != nil {
		return nil, err
	}
	n, err := s.stubs.Install(s.emu, img, s.binding)
	if err != nil {
		return nil, err
	}

	if s.main == nil {
		s.main = img
		if err := s.engine.OnProcessCreate(s.opts.ASID, s.opts.PID, img.Name); err != nil {
			return nil, err
		}
		s.engine.ForceInitialized(s.opts.ASID)
	}

	rec, err := s.engine.Store().Resolve(img.Name, []string{img.Path})
	if err != nil {
		s.log.Warn("image not whitelisted", zap.String("image", img.Name), zap.Error(err))
	} else {
		s.log.Info("image",
			zap.String("image", img.Name),
			log.Addr(uint64(img.Base)),
			zap.Int("imports", n),
			zap.Int("whitelist", rec.Set.Len()),
		)
	}
	if err := s.engine.OnModuleLoad(s.opts.ASID, img.Name, img.Base, img.Size, img.Path); err != nil {
		return nil, err
	}
	return img, nil
}

// registerStubs whitelists every stub entry and the sentinel as exports of
// a synthetic module spanning the stub region.
func (s *Session) registerStubs() error {
	exports := append([]uint32{emulator.Sentinel}, s.binding.Addresses()...)
	s.engine.Store().Put(whitelist.NewRecord(StubModule, &pe.Tables{
		ImageBase: emulator.StubBase,
		Exports:   exports,
	}))
	return s.engine.OnModuleLoad(s.opts.ASID, StubModule, emulator.StubBase, emulator.StubSize, "")
}

func (s *Session) install() {
	if s.hooked {
		return
	}
	s.hooked = true
	s.stubs.SetOnEnter(s.onAPIEntry)
	s.emu.HookCode(s.onInsn)
}

// Run emulates the main image from its entry point. It returns the engine's
// halting error, ErrBlocked under enforcement, or the emulator's error.
func (s *Session) Run(maxInsn uint64) error {
	if s.main == nil {
		return ErrNoImage
	}
	if err := s.registerStubs(); err != nil {
		return err
	}
	s.install()

	runErr := s.emu.Call(s.main.Entry, maxInsn)
	if runErr != nil {
		runErr = fmt.Errorf("emulate at 0x%08x: %w", s.emu.EIP(), runErr)
	}
	err := multierr.Append(s.err, runErr)
	if s.blocked != nil {
		err = multierr.Append(err, fmt.Errorf("%w: %s", ErrBlocked, s.blocked))
	}
	return err
}

func (s *Session) fail(err error) {
	if s.err == nil {
		s.err = err
	}
	s.emu.Stop()
}

func (s *Session) onAPIEntry(e *emulator.Emulator, name string) {
	ret, install, err := s.engine.OnAPICall(s.opts.ASID, name, e.ESP())
	if err != nil {
		s.fail(err)
		return
	}
	if install {
		e.HookAddress(ret, func(e *emulator.Emulator) bool {
			if err := s.engine.OnAPIReturn(s.opts.ASID, ret, e.EAX(), e.ESP()); err != nil {
				s.fail(err)
				return true
			}
			return false
		})
	}
}

func (s *Session) onInsn(e *emulator.Emulator, addr, size uint32) {
	code, err := e.MemRead(addr, size)
	if err != nil {
		return
	}
	step := Step{Addr: addr, Code: code, Stub: s.binding.Stubs[addr]}
	inst, err := x86asm.Decode(code, 32)
	if err == nil {
		step.Inst = inst
		step.Decoded = true
		step.Op, step.Branch = Classify(inst)
	}
	if step.Branch {
		target, ok := Target(e, inst, step.Op, addr)
		step.Target = target
		if ok {
			s.report(e, step, size)
		}
	}
	if s.OnStep != nil {
		s.OnStep(step)
	}
}

func (s *Session) report(e *emulator.Emulator, step Step, size uint32) {
	b := cfi.Branch{
		ASID:   s.opts.ASID,
		EIP:    step.Addr,
		Len:    size,
		Target: step.Target,
		ESP:    e.ESP(),
		Kernel: step.Addr >= s.opts.KernelBase,
		Op:     step.Op,
	}
	var err error
	switch {
	case step.Op == cfi.OpRet:
		err = s.engine.OnReturn(b)
	case step.Op == cfi.OpCall:
		err = s.engine.OnCall(b)
	default:
		err = s.engine.OnIndirect(b)
	}
	if err != nil {
		s.fail(err)
	}
}
