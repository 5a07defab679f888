// Package ring implements the fixed-slot circular buffer shared between host
// and device. A Ring is role agnostic: the producer uses the reserve/write
// calls and publishes the write index, the consumer uses the read calls and
// publishes the read index. Both sides see the same Indices.
package ring

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ehrlich-b/go-msgbuf/internal/dma"
	"github.com/ehrlich-b/go-msgbuf/internal/errs"
)

// Indices are the two index words shared with the peer
type Indices struct {
	R atomic.Uint32
	W atomic.Uint32
}

// Reset zeroes both indices
func (x *Indices) Reset() {
	x.R.Store(0)
	x.W.Store(0)
}

// Ring is one side's view of a shared ring. Local cursors are refreshed from
// Indices only when the ring runs out of room or data.
type Ring struct {
	mu sync.Mutex

	name    string
	idx     *Indices
	depth   uint32
	itemLen int
	buf     []byte
	addr    dma.Addr

	r       uint32
	w       uint32
	f       uint32
	wasFull bool

	bell func() error
}

// New creates an unconfigured ring over idx
func New(name string, idx *Indices) *Ring {
	return &Ring{name: name, idx: idx}
}

// Config binds the ring to its memory. buf must hold depth*itemLen bytes.
func (r *Ring) Config(depth uint32, itemLen int, buf []byte, addr dma.Addr) error {
	if depth < 2 || itemLen <= 0 {
		return errs.NewRingError("ring_config", r.name, errs.InvalidParameters,
			fmt.Sprintf("bad geometry %dx%d", depth, itemLen))
	}
	if len(buf) < int(depth)*itemLen {
		return errs.NewRingError("ring_config", r.name, errs.InvalidParameters,
			fmt.Sprintf("buffer of %d bytes too small for %dx%d", len(buf), depth, itemLen))
	}
	r.depth = depth
	r.itemLen = itemLen
	r.buf = buf[:int(depth)*itemLen]
	r.addr = addr
	r.r = r.idx.R.Load()
	r.w = r.idx.W.Load()
	r.f = r.w
	r.wasFull = false
	return nil
}

// Release unbinds the ring from its memory and rewinds the shared indices
func (r *Ring) Release() {
	r.buf = nil
	r.addr = 0
	r.depth = 0
	r.itemLen = 0
	r.r, r.w, r.f = 0, 0, 0
	r.wasFull = false
	r.idx.Reset()
}

// SetBell installs a hook run on every WriteComplete
func (r *Ring) SetBell(fn func() error) {
	r.bell = fn
}

// Lock serializes producers
func (r *Ring) Lock() { r.mu.Lock() }

// Unlock releases the producer lock
func (r *Ring) Unlock() { r.mu.Unlock() }

func (r *Ring) available() uint32 {
	if r.r <= r.w {
		return r.depth - r.w + r.r
	}
	return r.r - r.w
}

func (r *Ring) refreshRead() {
	r.r = r.idx.R.Load()
}

func (r *Ring) slot(i uint32) []byte {
	off := int(i) * r.itemLen
	return r.buf[off : off+r.itemLen]
}

// WriteAvailable reports whether at least one slot can be reserved. Once the
// ring has been full it only reports space again above depth/8 free slots.
func (r *Ring) WriteAvailable() bool {
	if r.depth == 0 {
		return false
	}
	retry := true
	for {
		avail := r.available()
		if avail > 1 {
			if !r.wasFull {
				return true
			}
			if avail > r.depth/8 {
				r.wasFull = false
				return true
			}
		}
		if !retry {
			break
		}
		r.refreshRead()
		retry = false
	}
	if r.available() <= 1 {
		r.wasFull = true
	}
	return false
}

// ReserveForWrite claims the next slot. Caller holds the lock.
func (r *Ring) ReserveForWrite() ([]byte, error) {
	if r.depth == 0 {
		return nil, r.notConfigured("ring_reserve")
	}
	retry := true
	for {
		if r.available() > 1 {
			slot := r.slot(r.w)
			r.w++
			if r.w == r.depth {
				r.w = 0
			}
			return slot, nil
		}
		if !retry {
			break
		}
		r.refreshRead()
		retry = false
	}
	r.wasFull = true
	return nil, errs.NewRingError("ring_reserve", r.name, errs.ResourceExhausted, "ring full")
}

// ReserveForWriteMultiple claims up to n contiguous slots and returns them as
// one region plus the granted count. The grant never wraps past the ring end.
func (r *Ring) ReserveForWriteMultiple(n int) ([]byte, int, error) {
	if r.depth == 0 {
		return nil, 0, r.notConfigured("ring_reserve")
	}
	if n <= 0 {
		return nil, 0, errs.NewRingError("ring_reserve", r.name, errs.InvalidParameters, "zero items requested")
	}
	retry := true
	for {
		if avail := r.available(); avail > 1 {
			granted := uint32(n)
			if granted > avail-1 {
				granted = avail - 1
			}
			if granted+r.w > r.depth {
				granted = r.depth - r.w
			}
			off := int(r.w) * r.itemLen
			region := r.buf[off : off+int(granted)*r.itemLen]
			r.w += granted
			if r.w == r.depth {
				r.w = 0
			}
			return region, int(granted), nil
		}
		if !retry {
			break
		}
		r.refreshRead()
		retry = false
	}
	r.wasFull = true
	return nil, 0, errs.NewRingError("ring_reserve", r.name, errs.ResourceExhausted, "ring full")
}

// WriteCancel gives back the last n reserved slots
func (r *Ring) WriteCancel(n int) {
	if n <= 0 {
		return
	}
	if r.w == 0 {
		r.w = r.depth - uint32(n)
	} else {
		r.w -= uint32(n)
	}
}

// WriteComplete publishes everything reserved so far and rings the bell
func (r *Ring) WriteComplete() error {
	r.f = r.w
	r.idx.W.Store(r.w)
	if r.bell != nil {
		return r.bell()
	}
	return nil
}

// GetReadPtr returns the contiguous run of unread items starting at the read
// cursor. A run that crosses the ring end stops at the end.
func (r *Ring) GetReadPtr() ([]byte, int) {
	if r.depth == 0 {
		return nil, 0
	}
	r.w = r.idx.W.Load()
	var n uint32
	if r.w >= r.r {
		n = r.w - r.r
	} else {
		n = r.depth - r.r
	}
	if n == 0 {
		return nil, 0
	}
	off := int(r.r) * r.itemLen
	return r.buf[off : off+int(n)*r.itemLen], int(n)
}

// ReadComplete consumes n items and publishes the read index
func (r *Ring) ReadComplete(n int) {
	r.r += uint32(n)
	if r.r >= r.depth {
		r.r -= r.depth
	}
	r.idx.R.Store(r.r)
}

func (r *Ring) notConfigured(op string) error {
	return errs.NewRingError(op, r.name, errs.InvalidState, "ring not configured")
}

// Name returns the ring name used in logs and errors
func (r *Ring) Name() string { return r.name }

// Configured reports whether Config has bound memory
func (r *Ring) Configured() bool { return r.depth != 0 }

// Depth returns the number of slots
func (r *Ring) Depth() uint32 { return r.depth }

// ItemLen returns the slot size in bytes
func (r *Ring) ItemLen() int { return r.itemLen }

// Addr returns the bus address of the ring memory
func (r *Ring) Addr() dma.Addr { return r.addr }

// ReadIndex returns the local read cursor
func (r *Ring) ReadIndex() uint32 { return r.r }

// WriteIndex returns the local write cursor
func (r *Ring) WriteIndex() uint32 { return r.w }

// Indices returns the shared index words
func (r *Ring) Indices() *Indices { return r.idx }
