package core

// WriteOp is one physical block write.
type WriteOp struct {
	Address Address `json:"address"`
	Old     uint32  `json:"old"` // Word currently on the tag
	New     uint32  `json:"new"` // Word to write
}

// Block returns the bytes to put on the wire for this write.
func (op WriteOp) Block() Block {
	return BlockFromWord(op.New)
}

// WritePlan is an ordered list of block writes with unique addresses.
// An empty plan means the tag already holds the desired content.
type WritePlan struct {
	Ops []WriteOp `json:"ops"`
}

// Empty reports whether the plan has no writes.
func (p *WritePlan) Empty() bool {
	return p == nil || len(p.Ops) == 0
}

// Len returns the number of writes.
func (p *WritePlan) Len() int {
	if p == nil {
		return 0
	}
	return len(p.Ops)
}

// Addresses returns the written addresses in plan order.
func (p *WritePlan) Addresses() []Address {
	addrs := make([]Address, 0, p.Len())
	for _, op := range p.Ops {
		addrs = append(addrs, op.Address)
	}
	return addrs
}

// TouchesOTPRegion reports whether any write targets blocks 0-6.
func (p *WritePlan) TouchesOTPRegion() bool {
	for _, op := range p.Ops {
		if IsOTPRegion(op.Address) {
			return true
		}
	}
	return false
}

// Preview returns the writes shown to the operator before confirmation: only addresses 7 and
// up. OTP and lock differences are left out of the preview; the separate OTP confirmation
// decides whether they are written.
func (p *WritePlan) Preview() []WriteOp {
	var out []WriteOp
	for _, op := range p.Ops {
		if !IsOTPRegion(op.Address) {
			out = append(out, op)
		}
	}
	return out
}

// WithoutOTPRegion returns a copy of the plan with blocks 0-6 removed.
func (p *WritePlan) WithoutOTPRegion() *WritePlan {
	return &WritePlan{Ops: p.Preview()}
}

// Diff computes the writes that turn current into desired, in ascending address order.
// Old holds the current word and New the desired word of each differing block.
func Diff(current, desired *Image) (*WritePlan, error) {
	if current.profile != desired.profile {
		return nil, &ProfileMismatchError{Current: current.profile, Desired: desired.profile}
	}

	plan := &WritePlan{}
	for i := 0; i < current.Len(); i++ {
		addr := Address(i)
		cur, want := current.Word(addr), desired.Word(addr)
		if cur != want {
			plan.Ops = append(plan.Ops, WriteOp{Address: addr, Old: cur, New: want})
		}
	}
	return plan, nil
}
