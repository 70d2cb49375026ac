package jit

import (
	"math/bits"

	"github.com/chazu/kiln/bytecode"
)

type bitset []uint64

func newBitset(n int) bitset { return make(bitset, (n+63)/64) }

func (b bitset) has(i int) bool { return b[i/64]&(1<<(i%64)) != 0 }
func (b bitset) set(i int)      { b[i/64] |= 1 << (i % 64) }
func (b bitset) clear(i int)    { b[i/64] &^= 1 << (i % 64) }

func (b bitset) count() int {
	n := 0
	for _, w := range b {
		n += bits.OnesCount64(w)
	}
	return n
}

// liveness maps each reachable pc to the locals that may be read before
// being written again, starting at that pc.
type liveness map[int]bitset

func successors(in bytecode.Instr) []int {
	switch {
	case in.Op.IsReturn():
		return nil
	case in.Op == bytecode.OpJump:
		return []int{in.Target()}
	case in.Op.IsBranch():
		return []int{in.Next, in.Target()}
	default:
		return []int{in.Next}
	}
}

func computeLiveness(u *bytecode.Unit) liveness {
	var instrs []bytecode.Instr
	for in := range u.Instructions() {
		if u.Depth(in.PC) >= 0 {
			instrs = append(instrs, in)
		}
	}
	live := make(liveness, len(instrs))
	for _, in := range instrs {
		live[in.PC] = newBitset(u.NumLocals)
	}

	for changed := true; changed; {
		changed = false
		for i := len(instrs) - 1; i >= 0; i-- {
			in := instrs[i]
			set := newBitset(u.NumLocals)
			for _, s := range successors(in) {
				if out, ok := live[s]; ok {
					for w := range set {
						set[w] |= out[w]
					}
				}
			}
			switch in.Op {
			case bytecode.OpStoreLocal:
				set.clear(in.A)
			case bytecode.OpLoadLocal:
				set.set(in.A)
			}
			cur := live[in.PC]
			for w := range set {
				if set[w] != cur[w] {
					live[in.PC] = set
					changed = true
					break
				}
			}
		}
	}
	return live
}
