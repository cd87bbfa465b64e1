// Package emulator provides x86-32 emulation using Unicorn Engine.
package emulator

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
)

// Memory layout constants
const (
	PageSize  = 0x1000
	StackBase = 0x00100000
	StackSize = 0x00100000 // 1MB stack
	HeapBase  = 0x10000000
	HeapSize  = 0x01000000 // 16MB heap, also backs VirtualAlloc
	StubBase  = 0x70000000 // API stubs mapped here
	StubSize  = 0x00010000

	stubAlign = 16
)

// Sentinel is the return address pushed before the entry point. Reaching it
// stops emulation.
const Sentinel = StubBase

// ErrHeapExhausted is returned when the bump allocator runs out.
var ErrHeapExhausted = errors.New("emulator heap exhausted")

// CodeHookFunc is called for each instruction
type CodeHookFunc func(emu *Emulator, addr uint32, size uint32)

// AddressHookFunc is called when execution reaches a specific address
type AddressHookFunc func(emu *Emulator) bool // return true to stop emulation

// gpr maps x86 encoding order (EAX, ECX, EDX, EBX, ESP, EBP, ESI, EDI) to
// unicorn register ids.
var gpr = [8]int{
	uc.X86_REG_EAX, uc.X86_REG_ECX, uc.X86_REG_EDX, uc.X86_REG_EBX,
	uc.X86_REG_ESP, uc.X86_REG_EBP, uc.X86_REG_ESI, uc.X86_REG_EDI,
}

// Emulator wraps Unicorn for x86-32 emulation
type Emulator struct {
	mu uc.Unicorn

	heapPtr uint32
	stubPtr uint32

	codeHooks   []CodeHookFunc
	addrHooks   map[uint32]AddressHookFunc
	addrHooksMu sync.RWMutex

	images []*Image

	insns   uint64
	stopped bool
}

// New creates a new x86-32 emulator with stack, heap and stub regions mapped.
func New() (*Emulator, error) {
	mu, err := uc.NewUnicorn(uc.ARCH_X86, uc.MODE_32)
	if err != nil {
		return nil, fmt.Errorf("create unicorn: %w", err)
	}

	emu := &Emulator{
		mu:        mu,
		heapPtr:   HeapBase,
		stubPtr:   StubBase,
		addrHooks: make(map[uint32]AddressHookFunc),
	}
	if err := emu.mapMemory(); err != nil {
		mu.Close()
		return nil, err
	}
	if err := emu.setupHooks(); err != nil {
		mu.Close()
		return nil, err
	}
	return emu, nil
}

func (e *Emulator) mapMemory() error {
	regions := []struct {
		base uint64
		size uint64
		name string
	}{
		{StackBase, StackSize, "stack"},
		{HeapBase, HeapSize, "heap"},
		{StubBase, StubSize, "stubs"},
	}
	for _, r := range regions {
		if err := e.mu.MemMap(r.base, r.size); err != nil {
			return fmt.Errorf("map %s (0x%x): %w", r.name, r.base, err)
		}
	}

	if err := e.SetESP(StackBase + StackSize - PageSize); err != nil {
		return fmt.Errorf("set ESP: %w", err)
	}

	// hlt at the sentinel; the address hook stops before it executes.
	if _, err := e.AllocStub([]byte{0xf4}); err != nil {
		return fmt.Errorf("write sentinel: %w", err)
	}
	e.HookAddress(Sentinel, func(*Emulator) bool { return true })
	return nil
}

func (e *Emulator) setupHooks() error {
	_, err := e.mu.HookAdd(uc.HOOK_CODE, func(mu uc.Unicorn, addr uint64, size uint32) {
		if e.stopped {
			e.mu.Stop()
			return
		}
		e.insns++
		pc := uint32(addr)

		e.addrHooksMu.RLock()
		hook, ok := e.addrHooks[pc]
		e.addrHooksMu.RUnlock()
		if ok && hook(e) {
			e.Stop()
			return
		}

		for _, h := range e.codeHooks {
			h(e, pc, size)
			if e.stopped {
				e.mu.Stop()
				return
			}
		}
	}, 1, 0)
	return err
}

// Close releases resources
func (e *Emulator) Close() error {
	return e.mu.Close()
}

// MapCode maps the pages covering [addr, addr+len(code)) and writes code.
func (e *Emulator) MapCode(addr uint32, code []byte) error {
	start := uint64(addr) &^ (PageSize - 1)
	end := (uint64(addr) + uint64(len(code)) + PageSize - 1) &^ (PageSize - 1)
	if err := e.mu.MemMap(start, end-start); err != nil {
		return fmt.Errorf("map code 0x%x: %w", addr, err)
	}
	return e.mu.MemWrite(uint64(addr), code)
}

// MapRegion maps additional memory
func (e *Emulator) MapRegion(addr, size uint32) error {
	return e.mu.MemMap(uint64(addr), uint64(size))
}

// AllocStub writes code into the stub region and returns its address.
func (e *Emulator) AllocStub(code []byte) (uint32, error) {
	addr := e.stubPtr
	n := (uint32(len(code)) + stubAlign - 1) &^ (stubAlign - 1)
	if addr+n > StubBase+StubSize {
		return 0, fmt.Errorf("stub region full")
	}
	if err := e.mu.MemWrite(uint64(addr), code); err != nil {
		return 0, err
	}
	e.stubPtr += n
	return addr, nil
}

// StubEnd returns the end of the stub bytes written so far.
func (e *Emulator) StubEnd() uint32 { return e.stubPtr }

// MemRead reads bytes from memory
func (e *Emulator) MemRead(addr, size uint32) ([]byte, error) {
	return e.mu.MemRead(uint64(addr), uint64(size))
}

// MemWrite writes bytes to memory
func (e *Emulator) MemWrite(addr uint32, data []byte) error {
	return e.mu.MemWrite(uint64(addr), data)
}

// ReadU32 reads a uint32 from memory (little endian)
func (e *Emulator) ReadU32(addr uint32) (uint32, error) {
	data, err := e.mu.MemRead(uint64(addr), 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(data), nil
}

// WriteU32 writes a uint32 to memory (little endian)
func (e *Emulator) WriteU32(addr, val uint32) error {
	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, val)
	return e.mu.MemWrite(uint64(addr), data)
}

// ReadString reads a NUL-terminated string of at most maxLen bytes.
func (e *Emulator) ReadString(addr uint32, maxLen int) (string, error) {
	if maxLen <= 0 {
		maxLen = 256
	}
	data, err := e.mu.MemRead(uint64(addr), uint64(maxLen))
	if err != nil {
		return "", err
	}
	for i, b := range data {
		if b == 0 {
			return string(data[:i]), nil
		}
	}
	return string(data), nil
}

// Push decrements ESP and stores v.
func (e *Emulator) Push(v uint32) error {
	sp := e.ESP() - 4
	if err := e.WriteU32(sp, v); err != nil {
		return err
	}
	return e.SetESP(sp)
}

// Reg reads a register by unicorn id
func (e *Emulator) Reg(reg int) uint32 {
	v, _ := e.mu.RegRead(reg)
	return uint32(v)
}

// SetReg writes a register by unicorn id
func (e *Emulator) SetReg(reg int, val uint32) error {
	return e.mu.RegWrite(reg, uint64(val))
}

// GPR reads a general-purpose register by its encoding number (0 = EAX,
// 4 = ESP, 7 = EDI).
func (e *Emulator) GPR(n int) uint32 {
	if n < 0 || n >= len(gpr) {
		return 0
	}
	return e.Reg(gpr[n])
}

// EIP returns the instruction pointer
func (e *Emulator) EIP() uint32 { return e.Reg(uc.X86_REG_EIP) }

// SetEIP sets the instruction pointer
func (e *Emulator) SetEIP(v uint32) error { return e.SetReg(uc.X86_REG_EIP, v) }

// ESP returns the stack pointer
func (e *Emulator) ESP() uint32 { return e.Reg(uc.X86_REG_ESP) }

// SetESP sets the stack pointer
func (e *Emulator) SetESP(v uint32) error { return e.SetReg(uc.X86_REG_ESP, v) }

// EAX returns the accumulator, the stdcall return value
func (e *Emulator) EAX() uint32 { return e.Reg(uc.X86_REG_EAX) }

// SetEAX sets the accumulator
func (e *Emulator) SetEAX(v uint32) error { return e.SetReg(uc.X86_REG_EAX, v) }

// Malloc allocates from the heap (bump allocator, 16-byte aligned).
func (e *Emulator) Malloc(size uint32) (uint32, error) {
	return e.alloc(size, 16)
}

// AllocPages allocates page-aligned memory from the heap.
func (e *Emulator) AllocPages(size uint32) (uint32, error) {
	return e.alloc(size, PageSize)
}

func (e *Emulator) alloc(size, align uint32) (uint32, error) {
	if size == 0 {
		size = 1
	}
	addr := (e.heapPtr + align - 1) &^ (align - 1)
	end := uint64(addr) + uint64((size+15)&^15)
	if end > HeapBase+HeapSize {
		return 0, ErrHeapExhausted
	}
	e.heapPtr = uint32(end)
	return addr, nil
}

// HookCode adds a code hook called for every instruction
func (e *Emulator) HookCode(fn CodeHookFunc) {
	e.codeHooks = append(e.codeHooks, fn)
}

// HookAddress adds a hook for a specific address
func (e *Emulator) HookAddress(addr uint32, fn AddressHookFunc) {
	e.addrHooksMu.Lock()
	defer e.addrHooksMu.Unlock()
	e.addrHooks[addr] = fn
}

// HasAddressHook reports whether addr is hooked.
func (e *Emulator) HasAddressHook(addr uint32) bool {
	e.addrHooksMu.RLock()
	defer e.addrHooksMu.RUnlock()
	_, ok := e.addrHooks[addr]
	return ok
}

// RemoveAddressHook removes an address hook
func (e *Emulator) RemoveAddressHook(addr uint32) {
	e.addrHooksMu.Lock()
	defer e.addrHooksMu.Unlock()
	delete(e.addrHooks, addr)
}

// Instructions returns the number of instructions executed.
func (e *Emulator) Instructions() uint64 { return e.insns }

// Run emulates from start until the sentinel is reached, a hook stops
// emulation or maxInsn instructions have run (0 means unbounded).
func (e *Emulator) Run(start uint32, maxInsn uint64) error {
	e.stopped = false
	return e.mu.StartWithOptions(uint64(start), 0, &uc.UcOptions{Count: maxInsn})
}

// Call pushes the sentinel as return address and runs from entry.
func (e *Emulator) Call(entry uint32, maxInsn uint64, args ...uint32) error {
	for i := len(args) - 1; i >= 0; i-- {
		if err := e.Push(args[i]); err != nil {
			return fmt.Errorf("push argument: %w", err)
		}
	}
	if err := e.Push(Sentinel); err != nil {
		return fmt.Errorf("push return address: %w", err)
	}
	return e.Run(entry, maxInsn)
}

// Stop stops emulation
func (e *Emulator) Stop() {
	e.stopped = true
	e.mu.Stop()
}

// Stopped reports whether a hook stopped emulation.
func (e *Emulator) Stopped() bool { return e.stopped }

// Images returns the loaded images in load order.
func (e *Emulator) Images() []*Image {
	return append([]*Image(nil), e.images...)
}
