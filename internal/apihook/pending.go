package apihook

// Pending tracks calls awaiting their return, keyed by return address. Calls
// sharing a return address are kept in arrival order; Take returns the most
// recent one for the address space.
type Pending struct {
	calls map[uint32][]*Call
	n     int
}

// NewPending returns an empty table.
func NewPending() *Pending {
	return &Pending{calls: make(map[uint32][]*Call)}
}

// Add records c. It reports whether c is the first call pending on its
// return address, meaning the host must install a return hook there.
func (p *Pending) Add(c *Call) bool {
	first := len(p.calls[c.RetAddr]) == 0
	p.calls[c.RetAddr] = append(p.calls[c.RetAddr], c)
	p.n++
	return first
}

// Take removes and returns the latest call for asid returning to ret.
func (p *Pending) Take(asid, ret uint32) (*Call, bool) {
	list := p.calls[ret]
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].ASID != asid {
			continue
		}
		c := list[i]
		list = append(list[:i], list[i+1:]...)
		if len(list) == 0 {
			delete(p.calls, ret)
		} else {
			p.calls[ret] = list
		}
		p.n--
		return c, true
	}
	return nil, false
}

// Waiting reports whether any call still returns to ret.
func (p *Pending) Waiting(ret uint32) bool {
	return len(p.calls[ret]) > 0
}

// DropASID discards every call of an address space and returns the return
// addresses left with no pending call.
func (p *Pending) DropASID(asid uint32) []uint32 {
	var freed []uint32
	for ret, list := range p.calls {
		kept := list[:0]
		for _, c := range list {
			if c.ASID != asid {
				kept = append(kept, c)
			} else {
				p.n--
			}
		}
		if len(kept) == 0 {
			delete(p.calls, ret)
			freed = append(freed, ret)
		} else {
			p.calls[ret] = kept
		}
	}
	return freed
}

// Len returns the number of pending calls.
func (p *Pending) Len() int { return p.n }
