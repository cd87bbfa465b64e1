package instrument

import (
	"golang.org/x/arch/x86/x86asm"

	"github.com/zboralski/cfiwatch/internal/cfi"
)

// Classify maps a decoded instruction to the control transfer the engine
// tracks. Direct jumps and conditional branches are not tracked.
func Classify(inst x86asm.Inst) (cfi.Op, bool) {
	switch inst.Op {
	case x86asm.CALL:
		if _, ok := inst.Args[0].(x86asm.Rel); ok {
			return cfi.OpCall, true
		}
		return cfi.OpCallIndirect, true
	case x86asm.LCALL:
		if _, ok := inst.Args[0].(x86asm.Mem); ok {
			return cfi.OpCallFarIndirect, true
		}
		return cfi.OpCallFar, true
	case x86asm.JMP:
		switch inst.Args[0].(type) {
		case x86asm.Reg, x86asm.Mem:
			return cfi.OpJmpIndirect, true
		}
	case x86asm.LJMP:
		if _, ok := inst.Args[0].(x86asm.Mem); ok {
			return cfi.OpJmpFarIndirect, true
		}
	case x86asm.RET:
		return cfi.OpRet, true
	}
	return 0, false
}

// Registers reads general-purpose registers by encoding number.
type Registers interface {
	GPR(n int) uint32
	ESP() uint32
	ReadU32(addr uint32) (uint32, error)
}

func gpr(regs Registers, r x86asm.Reg) (uint32, bool) {
	if r < x86asm.EAX || r > x86asm.EDI {
		return 0, false
	}
	return regs.GPR(int(r - x86asm.EAX)), true
}

// EffectiveAddress computes base + index*scale + disp. Segment-relative
// operands (fs:, gs:) have no flat address and are rejected.
func EffectiveAddress(regs Registers, m x86asm.Mem) (uint32, bool) {
	if m.Segment == x86asm.FS || m.Segment == x86asm.GS {
		return 0, false
	}
	addr := uint32(m.Disp)
	if m.Base != 0 {
		v, ok := gpr(regs, m.Base)
		if !ok {
			return 0, false
		}
		addr += v
	}
	if m.Index != 0 {
		v, ok := gpr(regs, m.Index)
		if !ok {
			return 0, false
		}
		addr += v * uint32(m.Scale)
	}
	return addr, true
}

// Target resolves the destination of a classified instruction at pc before
// it executes. Far direct calls carry no flat target.
func Target(regs Registers, inst x86asm.Inst, op cfi.Op, pc uint32) (uint32, bool) {
	switch op {
	case cfi.OpCall:
		rel := inst.Args[0].(x86asm.Rel)
		return pc + uint32(inst.Len) + uint32(int32(rel)), true
	case cfi.OpRet:
		v, err := regs.ReadU32(regs.ESP())
		return v, err == nil
	case cfi.OpCallFar:
		return 0, true
	}
	switch a := inst.Args[0].(type) {
	case x86asm.Reg:
		return gpr(regs, a)
	case x86asm.Mem:
		addr, ok := EffectiveAddress(regs, a)
		if !ok {
			return 0, false
		}
		v, err := regs.ReadU32(addr)
		return v, err == nil
	}
	return 0, false
}
