package pktbuf

import (
	"sync"
	"sync/atomic"
)

// Pool hands out packet buffers from size buckets. The two protocol sizes
// (2KB receive data, 8KB control) each have a bucket; larger requests are
// allocated directly and never recycled.
//
// Limit bounds the number of buffers outstanding at once so allocation
// failure is a real, testable outcome.
//
// Uses *Packet in sync.Pool to avoid interface allocation overhead.

const (
	size2k = 2 * 1024
	size8k = 8 * 1024
)

// Pool is a bounded, bucketed packet pool
type Pool struct {
	limit       atomic.Int64
	outstanding atomic.Int64
	failures    atomic.Uint64

	pool2k sync.Pool
	pool8k sync.Pool
}

// NewPool creates a pool allowing at most limit outstanding buffers (0 = unlimited)
func NewPool(limit int) *Pool {
	p := &Pool{}
	p.limit.Store(int64(limit))
	p.pool2k.New = func() any { return &Packet{buf: make([]byte, size2k)} }
	p.pool8k.New = func() any { return &Packet{buf: make([]byte, size8k)} }
	return p
}

// Get returns a packet whose window is exactly size bytes, or nil when the
// pool is at its limit. Caller must Put it back when done.
func (p *Pool) Get(size int) *Packet {
	if n, limit := p.outstanding.Add(1), p.limit.Load(); limit > 0 && n > limit {
		p.outstanding.Add(-1)
		p.failures.Add(1)
		return nil
	}

	var pkt *Packet
	switch {
	case size <= size2k:
		pkt = p.pool2k.Get().(*Packet)
	case size <= size8k:
		pkt = p.pool8k.Get().(*Packet)
	default:
		pkt = &Packet{buf: make([]byte, size)}
	}
	pkt.owner = p
	pkt.Reset()
	pkt.Trim(size)
	return pkt
}

// Put returns a packet to the pool. The backing size picks the bucket.
// Packets that did not come from this pool are left to the garbage collector.
func (p *Pool) Put(pkt *Packet) {
	if pkt == nil || pkt.owner != p {
		return
	}
	pkt.owner = nil
	p.outstanding.Add(-1)
	switch len(pkt.buf) {
	case size2k:
		p.pool2k.Put(pkt)
	case size8k:
		p.pool8k.Put(pkt)
	}
}

// Outstanding returns the number of buffers currently handed out
func (p *Pool) Outstanding() int {
	return int(p.outstanding.Load())
}

// Failures returns how many Get calls hit the limit
func (p *Pool) Failures() uint64 {
	return p.failures.Load()
}

// SetLimit changes the outstanding-buffer cap (0 = unlimited)
func (p *Pool) SetLimit(limit int) {
	p.limit.Store(int64(limit))
}
