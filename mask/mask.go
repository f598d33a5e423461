// Package mask implements the 256-bit component/authority masks carried in
// every entity header.
//
// A real SIMD build would lower these operations to a single 256-bit vector
// compare (AVX2 VPAND/VPCMPEQ or NEON equivalent). Go has no portable
// compiler intrinsic for that and none of the retrieved example repositories
// vendor a cgo/asm 256-bit vector library, so this falls back to four
// 64-bit compares — see DESIGN.md. The four words are kept in a plain
// array so the compiler can unroll the loop; the bitwise operations work on
// all four words without looping (PopCount is the exception: it loops once
// per set bit).
package mask

// Mask is a 256-bit bitset, word 0 holding bits 0-63, word 3 holding bits
// 192-255.
type Mask [4]uint64

// Set returns m with bit i set.
func (m Mask) Set(i uint8) Mask {
	m[i>>6] |= 1 << (i & 63)
	return m
}

// Clear returns m with bit i cleared.
func (m Mask) Clear(i uint8) Mask {
	m[i>>6] &^= 1 << (i & 63)
	return m
}

// Test reports whether bit i is set.
func (m Mask) Test(i uint8) bool {
	return m[i>>6]&(1<<(i&63)) != 0
}

// And returns the bitwise AND of m and o.
func (m Mask) And(o Mask) Mask {
	return Mask{m[0] & o[0], m[1] & o[1], m[2] & o[2], m[3] & o[3]}
}

// Or returns the bitwise OR of m and o.
func (m Mask) Or(o Mask) Mask {
	return Mask{m[0] | o[0], m[1] | o[1], m[2] | o[2], m[3] | o[3]}
}

// AndNot returns m &^ o.
func (m Mask) AndNot(o Mask) Mask {
	return Mask{m[0] &^ o[0], m[1] &^ o[1], m[2] &^ o[2], m[3] &^ o[3]}
}

// IsZero reports whether no bit is set.
func (m Mask) IsZero() bool {
	return m[0]|m[1]|m[2]|m[3] == 0
}

// Equal reports whether m and o are identical.
func (m Mask) Equal(o Mask) bool {
	return m[0] == o[0] && m[1] == o[1] && m[2] == o[2] && m[3] == o[3]
}

// ContainsAll reports whether every bit set in include is also set in m —
// the Query Engine's include-mask predicate: (m AND include) == include.
func (m Mask) ContainsAll(include Mask) bool {
	return m[0]&include[0] == include[0] &&
		m[1]&include[1] == include[1] &&
		m[2]&include[2] == include[2] &&
		m[3]&include[3] == include[3]
}

// ContainsNone reports whether no bit set in exclude is set in m — the
// Query Engine's exclude-mask predicate: (m AND exclude) == 0.
func (m Mask) ContainsNone(exclude Mask) bool {
	return m[0]&exclude[0] == 0 &&
		m[1]&exclude[1] == 0 &&
		m[2]&exclude[2] == 0 &&
		m[3]&exclude[3] == 0
}

// PopCount returns the number of set bits.
func (m Mask) PopCount() int {
	n := 0
	for _, w := range m {
		n += popcount64(w)
	}
	return n
}

func popcount64(w uint64) int {
	// Kernighan's bit-count; kept branch-light, no stdlib math/bits dependency
	// needed at this size but math/bits.OnesCount64 would be equivalent.
	count := 0
	for w != 0 {
		w &= w - 1
		count++
	}
	return count
}

// FromBit builds a Mask with exactly one bit set.
func FromBit(i uint8) Mask {
	var m Mask
	return m.Set(i)
}
