package cfi

// Op identifies the control-transfer instruction behind a Branch.
type Op uint8

const (
	OpCall            Op = iota // E8 call rel32
	OpCallIndirect              // FF /2 call r/m32
	OpCallFarIndirect           // FF /3 call m16:32
	OpJmpIndirect               // FF /4 jmp r/m32
	OpJmpFarIndirect            // FF /5 jmp m16:32
	OpCallFar                   // 9A call ptr16:32
	OpRet                       // C3, C2 iw
)

// IsCall reports whether the instruction pushes a return address.
func (o Op) IsCall() bool {
	switch o {
	case OpCall, OpCallIndirect, OpCallFarIndirect, OpCallFar:
		return true
	}
	return false
}

func (o Op) String() string {
	switch o {
	case OpCall:
		return "call"
	case OpCallIndirect:
		return "call-indirect"
	case OpCallFarIndirect:
		return "call-far-indirect"
	case OpJmpIndirect:
		return "jmp-indirect"
	case OpJmpFarIndirect:
		return "jmp-far-indirect"
	case OpCallFar:
		return "call-far"
	case OpRet:
		return "ret"
	}
	return "unknown"
}

// Branch is one executed control transfer.
//
// For calls ESP is the stack pointer before the call pushes its return
// address. For returns it is the stack pointer at the ret, still pointing at
// the return address slot.
type Branch struct {
	ASID   uint32
	EIP    uint32 // address of the branch instruction
	Len    uint32 // instruction length in bytes
	Target uint32
	ESP    uint32
	Kernel bool
	Op     Op
}

// ReturnAddr is the address a call returns to.
func (b Branch) ReturnAddr() uint32 {
	return b.EIP + b.Len
}

// Guest answers introspection queries about the running guest.
type Guest interface {
	ThreadID(kernel bool) uint32
	FiberID(kernel bool) uint32
	ReadU32(addr uint32) (uint32, bool)
}

// Host installs and removes the return hooks the engine asks for.
type Host interface {
	RemoveReturnHook(addr uint32)
}

// Violation is a control transfer that no whitelist authorizes.
type Violation struct {
	Kind     string // "indirect" or "ret"
	Category string // instruction form or return outcome
	Process  string
	ASID     uint32
	Src      uint32
	Dst      uint32
}

// Stats are diagnostic counters.
type Stats struct {
	Calls    uint64
	Indirect uint64
	Returns  uint64
	Skipped  uint64 // events for address spaces not yet registered

	// Return outcomes.
	RetMatched             uint64
	RetResynced            uint64 // matched by unwinding to the target
	RetWhitelistedMismatch uint64
	RetWhitelistFallback   uint64
	RetUnresolved          uint64

	// Indirect branch authorizations by source.
	HitModule  uint64
	HitSystem  uint64
	HitDynamic uint64
	Misses     uint64

	StackResets uint64
	Allocs      uint64
	Frees       uint64
	Violations  uint64
}

// ThreadInfo is a snapshot of one thread's shadow stacks.
type ThreadInfo struct {
	TID       uint32
	Mode      string
	StackPage uint32 // page the thread's stack pointer was last seen on
	Fibers    []FiberInfo
}

// FiberInfo is a snapshot of one fiber.
type FiberInfo struct {
	ID     uint32
	Depth  int
	Resets int
	Top    uint32
}

// ModuleInfo is a snapshot of one loaded module.
type ModuleInfo struct {
	Name        string
	Base        uint32
	Size        uint32
	Whitelisted bool
	Entries     int
}

// ProcessInfo is a snapshot of one address space.
type ProcessInfo struct {
	ASID    uint32
	PID     uint32
	Name    string
	Init    uint8
	System  bool
	Judged  bool
	Modules []ModuleInfo
	Regions int
	Misc    int
	Threads int
}
