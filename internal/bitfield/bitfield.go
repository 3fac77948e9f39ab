package bitfield

import "math/bits"

// Bitfield is a fixed-length bitmap stored MSB-first, the same layout peers
// use on the wire. Positions outside [0, Len()) are never addressable.
type Bitfield struct {
	n    int
	set  int
	data []byte
}

func New(n int) *Bitfield {
	if n < 0 {
		n = 0
	}

	return &Bitfield{n: n, data: make([]byte, (n+7)/8)}
}

// FromBytes builds a bitfield of n positions out of a peer-advertised payload.
// Surplus bytes are dropped, missing bytes read as zero and the spare bits of
// the trailing byte are cleared.
func FromBytes(b []byte, n int) *Bitfield {
	bf := New(n)
	copy(bf.data, b)

	if rem := n % 8; rem != 0 && len(bf.data) > 0 {
		bf.data[len(bf.data)-1] &= 0xff << (8 - rem)
	}

	for _, v := range bf.data {
		bf.set += bits.OnesCount8(v)
	}

	return bf
}

func (bf *Bitfield) Len() int {
	return bf.n
}

// Count returns the number of set positions.
func (bf *Bitfield) Count() int {
	return bf.set
}

func (bf *Bitfield) Complete() bool {
	return bf.set == bf.n
}

func (bf *Bitfield) Has(index int) bool {
	if index < 0 || index >= bf.n {
		return false
	}

	bitOffset := 7 - (index % 8)
	return bf.data[index/8]&(1<<bitOffset) != 0
}

func (bf *Bitfield) Set(index int) {
	if index < 0 || index >= bf.n || bf.Has(index) {
		return
	}

	bitOffset := 7 - (index % 8)
	bf.data[index/8] |= 1 << bitOffset
	bf.set++
}

func (bf *Bitfield) Unset(index int) {
	if !bf.Has(index) {
		return
	}

	bitOffset := 7 - (index % 8)
	bf.data[index/8] &^= 1 << bitOffset
	bf.set--
}

// Usable reports whether other holds at least one position bf lacks.
func (bf *Bitfield) Usable(other *Bitfield) bool {
	if other == nil || bf.n != other.n {
		return false
	}

	for i := range bf.data {
		if (bf.data[i]^other.data[i])&other.data[i] != 0 {
			return true
		}
	}

	return false
}

// Each calls fn for every set position in ascending order.
func (bf *Bitfield) Each(fn func(index int)) {
	for i, v := range bf.data {
		for v != 0 {
			lead := bits.LeadingZeros8(v)
			fn(i*8 + lead)
			v &^= 0x80 >> lead
		}
	}
}

// Bytes returns a copy of the packed storage, suitable for a bitfield message.
func (bf *Bitfield) Bytes() []byte {
	b := make([]byte, len(bf.data))
	copy(b, bf.data)
	return b
}

func (bf *Bitfield) Clone() *Bitfield {
	return &Bitfield{n: bf.n, set: bf.set, data: bf.Bytes()}
}
