package bytecode

import (
	"encoding/binary"
	"errors"
	"fmt"
	"iter"
	"math"
	"sync"
)

var (
	ErrTruncated       = errors.New("truncated instruction")
	ErrUnknownOpcode   = errors.New("unknown opcode")
	ErrBadJump         = errors.New("jump target is not an instruction")
	ErrStackDepth      = errors.New("inconsistent stack depth")
	ErrStackUnderflow  = errors.New("stack underflow")
	ErrFallOff         = errors.New("control falls off the end of the unit")
	ErrUnresolvedLabel = errors.New("unresolved label")
	ErrLocalIndex      = errors.New("local index out of range")
	ErrUnknownUnit     = errors.New("unknown unit")
)

// Unit is a compiled-from-source unit of code: the granularity at which
// profiling, compilation and deoptimization happen.
type Unit struct {
	ID        int
	Name      string
	NumArgs   int
	NumLocals int
	Code      []byte

	// Filled in by analysis.
	MaxStack int
	depth    []int // stack depth before each instruction; -1 elsewhere
}

// Depth returns the operand stack depth before the instruction at pc, or -1
// if pc is not a reachable instruction.
func (u *Unit) Depth(pc int) int {
	if pc < 0 || pc >= len(u.depth) {
		return -1
	}
	return u.depth[pc]
}

func (u *Unit) String() string {
	return fmt.Sprintf("%s#%d", u.Name, u.ID)
}

// Instr is a decoded instruction.
type Instr struct {
	PC   int
	Op   Opcode
	A    int     // first operand (index, offset target, type id, unit id, int constant)
	B    int     // second operand (argc)
	F    float64 // float constant
	Next int     // pc of the following instruction
}

// Target returns the jump target of a jump instruction.
func (in Instr) Target() int { return in.A }

// Decode decodes the instruction at pc.
func Decode(code []byte, pc int) (Instr, error) {
	if pc < 0 || pc >= len(code) {
		return Instr{}, fmt.Errorf("%w at %d", ErrTruncated, pc)
	}
	op := Opcode(code[pc])
	if !op.Valid() {
		return Instr{}, fmt.Errorf("%w 0x%02X at %d", ErrUnknownOpcode, byte(op), pc)
	}
	end := pc + 1 + op.OperandBytes()
	if end > len(code) {
		return Instr{}, fmt.Errorf("%w: %s at %d", ErrTruncated, op, pc)
	}
	in := Instr{PC: pc, Op: op, Next: end}
	operand := code[pc+1 : end]

	switch op {
	case OpPushInt8:
		in.A = int(int8(operand[0]))
	case OpPushInt32:
		in.A = int(int32(binary.LittleEndian.Uint32(operand)))
	case OpPushFloat:
		in.F = math.Float64frombits(binary.LittleEndian.Uint64(operand))
	case OpLoadLocal, OpStoreLocal, OpGetField, OpPutField:
		in.A = int(operand[0])
	case OpLoadStatic, OpStoreStatic, OpNew, OpNewArray:
		in.A = int(binary.LittleEndian.Uint16(operand))
	case OpCall:
		in.A = int(binary.LittleEndian.Uint16(operand))
		in.B = int(operand[2])
	case OpJump, OpJumpTrue, OpJumpFalse:
		in.A = end + int(int16(binary.LittleEndian.Uint16(operand)))
	}
	return in, nil
}

// Instructions iterates over the unit's instructions in address order.
// Iteration stops at the first undecodable instruction.
func (u *Unit) Instructions() iter.Seq[Instr] {
	return func(yield func(Instr) bool) {
		for pc := 0; pc < len(u.Code); {
			in, err := Decode(u.Code, pc)
			if err != nil || !yield(in) {
				return
			}
			pc = in.Next
		}
	}
}

// At decodes the instruction at pc. Panics if pc is not an instruction
// boundary of an analyzed unit.
func (u *Unit) At(pc int) Instr {
	in, err := Decode(u.Code, pc)
	if err != nil {
		panic(err)
	}
	return in
}

// StackEffect returns what an instruction pops and pushes.
func StackEffect(in Instr) (pops, pushes int) {
	info := in.Op.Info()
	if in.Op == OpCall {
		return in.B, 1
	}
	return info.Pops, info.Pushes
}

// IsBackEdge reports whether a jump goes backwards.
func (in Instr) IsBackEdge() bool {
	return in.Op.IsJump() && in.A <= in.PC
}

// analyze computes the stack depth at every reachable instruction and
// rejects units whose depths disagree at merge points.
func (u *Unit) analyze() error {
	if len(u.Code) == 0 {
		return fmt.Errorf("%s: %w", u.Name, ErrFallOff)
	}
	// Instruction boundaries.
	boundary := make([]bool, len(u.Code))
	for pc := 0; pc < len(u.Code); {
		in, err := Decode(u.Code, pc)
		if err != nil {
			return fmt.Errorf("%s: %w", u.Name, err)
		}
		boundary[pc] = true
		pc = in.Next
	}

	depth := make([]int, len(u.Code))
	for i := range depth {
		depth[i] = -1
	}
	depth[0] = 0
	work := []int{0}
	maxStack := 0

	flow := func(from Instr, to, d int) error {
		if to < 0 || to >= len(u.Code) {
			if to == len(u.Code) {
				return fmt.Errorf("%s: %w after %d", u.Name, ErrFallOff, from.PC)
			}
			return fmt.Errorf("%s: %w: %d -> %d", u.Name, ErrBadJump, from.PC, to)
		}
		if !boundary[to] {
			return fmt.Errorf("%s: %w: %d -> %d", u.Name, ErrBadJump, from.PC, to)
		}
		switch depth[to] {
		case -1:
			depth[to] = d
			work = append(work, to)
		case d:
		default:
			return fmt.Errorf("%s: %w at %d: %d vs %d", u.Name, ErrStackDepth, to, depth[to], d)
		}
		return nil
	}

	for len(work) > 0 {
		pc := work[len(work)-1]
		work = work[:len(work)-1]
		in, _ := Decode(u.Code, pc)
		d := depth[pc]

		if (in.Op == OpLoadLocal || in.Op == OpStoreLocal) && in.A >= u.NumLocals {
			return fmt.Errorf("%s: %w: %d at %d", u.Name, ErrLocalIndex, in.A, pc)
		}
		pops, pushes := StackEffect(in)
		if d < pops {
			return fmt.Errorf("%s: %w at %d (%s)", u.Name, ErrStackUnderflow, pc, in.Op)
		}
		after := d - pops + pushes
		if after > maxStack {
			maxStack = after
		}

		switch {
		case in.Op.IsReturn():
		case in.Op == OpJump:
			if err := flow(in, in.A, after); err != nil {
				return err
			}
		case in.Op.IsBranch():
			if err := flow(in, in.A, after); err != nil {
				return err
			}
			if err := flow(in, in.Next, after); err != nil {
				return err
			}
		default:
			if err := flow(in, in.Next, after); err != nil {
				return err
			}
		}
	}

	u.depth = depth
	u.MaxStack = maxStack
	return nil
}

// ---------------------------------------------------------------------------
// Program
// ---------------------------------------------------------------------------

// Program is the set of units the runtime can execute. Unit ids are dense
// and assigned on Add.
type Program struct {
	mu     sync.RWMutex
	units  []*Unit
	byName map[string]*Unit
}

// NewProgram creates an empty program.
func NewProgram() *Program {
	return &Program{byName: make(map[string]*Unit)}
}

// Add assigns u an id and makes it callable.
func (p *Program) Add(u *Unit) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	u.ID = len(p.units)
	p.units = append(p.units, u)
	p.byName[u.Name] = u
	return u.ID
}

// Reserve allocates an id for a unit that will be added with Define. It lets
// mutually recursive units refer to each other.
func (p *Program) Reserve(name string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := len(p.units)
	p.units = append(p.units, nil)
	p.byName[name] = nil
	return id
}

// Define installs u under a previously reserved id.
func (p *Program) Define(id int, u *Unit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id < 0 || id >= len(p.units) || p.units[id] != nil {
		return fmt.Errorf("%w: %d", ErrUnknownUnit, id)
	}
	u.ID = id
	p.units[id] = u
	p.byName[u.Name] = u
	return nil
}

// Unit returns the unit with the given id.
func (p *Program) Unit(id int) (*Unit, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if id < 0 || id >= len(p.units) || p.units[id] == nil {
		return nil, fmt.Errorf("%w: %d", ErrUnknownUnit, id)
	}
	return p.units[id], nil
}

// Lookup returns the unit with the given name.
func (p *Program) Lookup(name string) (*Unit, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	u, ok := p.byName[name]
	return u, ok && u != nil
}

// Len returns the number of unit ids handed out.
func (p *Program) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.units)
}
