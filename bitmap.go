package msgbuf

import (
	"math/bits"
	"sync/atomic"
)

// bitmap is a fixed-size set of flow ids safe for concurrent set/clear
type bitmap struct {
	words []atomic.Uint64
	n     int
}

func newBitmap(n int) *bitmap {
	return &bitmap{words: make([]atomic.Uint64, (n+63)/64), n: n}
}

func (b *bitmap) set(i int) {
	if i < 0 || i >= b.n {
		return
	}
	w := &b.words[i/64]
	mask := uint64(1) << (i % 64)
	for {
		old := w.Load()
		if old&mask != 0 || w.CompareAndSwap(old, old|mask) {
			return
		}
	}
}

func (b *bitmap) testAndClear(i int) bool {
	if i < 0 || i >= b.n {
		return false
	}
	w := &b.words[i/64]
	mask := uint64(1) << (i % 64)
	for {
		old := w.Load()
		if old&mask == 0 {
			return false
		}
		if w.CompareAndSwap(old, old&^mask) {
			return true
		}
	}
}

func (b *bitmap) isSet(i int) bool {
	if i < 0 || i >= b.n {
		return false
	}
	return b.words[i/64].Load()&(uint64(1)<<(i%64)) != 0
}

// forEach clears each set bit in ascending order and calls fn for it.
// Bits set while the walk is running may or may not be visited.
func (b *bitmap) forEach(fn func(i int)) {
	for wi := range b.words {
		v := b.words[wi].Load()
		for v != 0 {
			bit := bits.TrailingZeros64(v)
			v &^= uint64(1) << bit
			if i := wi*64 + bit; b.testAndClear(i) {
				fn(i)
			}
		}
	}
}
