package bytecode

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Disassembly
// ---------------------------------------------------------------------------

// FormatInstr returns the text form of a decoded instruction.
func FormatInstr(in Instr) string {
	name := in.Op.Name()
	switch in.Op {
	case OpPushInt8, OpPushInt32:
		return fmt.Sprintf("%04d  %s %d", in.PC, name, in.A)
	case OpPushFloat:
		return fmt.Sprintf("%04d  %s %g", in.PC, name, in.F)
	case OpLoadLocal, OpStoreLocal, OpGetField, OpPutField, OpLoadStatic, OpStoreStatic:
		return fmt.Sprintf("%04d  %s %d", in.PC, name, in.A)
	case OpNew, OpNewArray:
		return fmt.Sprintf("%04d  %s type=%d", in.PC, name, in.A)
	case OpCall:
		return fmt.Sprintf("%04d  %s unit=%d argc=%d", in.PC, name, in.A, in.B)
	case OpJump, OpJumpTrue, OpJumpFalse:
		return fmt.Sprintf("%04d  %s -> %04d", in.PC, name, in.A)
	default:
		return fmt.Sprintf("%04d  %s", in.PC, name)
	}
}

// Disassemble returns a full disassembly of bytecode. Decoding stops at the
// first malformed instruction, which is reported inline.
func Disassemble(code []byte) string {
	var sb strings.Builder
	for pc := 0; pc < len(code); {
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		in, err := Decode(code, pc)
		if err != nil {
			fmt.Fprintf(&sb, "%04d  <%v>", pc, err)
			break
		}
		sb.WriteString(FormatInstr(in))
		pc = in.Next
	}
	return sb.String()
}

// Disassemble returns the unit's disassembly with a header line.
func (u *Unit) Disassemble() string {
	return fmt.Sprintf("; %s args=%d locals=%d stack=%d\n%s",
		u, u.NumArgs, u.NumLocals, u.MaxStack, Disassemble(u.Code))
}
