// Package pktid maps in-flight packet buffers to the small integer ids carried
// in wire messages. The table owns each buffer and its DMA mapping from
// Allocate until the matching Take.
package pktid

import (
	"sync/atomic"

	"github.com/ehrlich-b/go-msgbuf/internal/dma"
	"github.com/ehrlich-b/go-msgbuf/internal/errs"
	"github.com/ehrlich-b/go-msgbuf/internal/pktbuf"
)

// Slot states. A slot is claimed with a single CAS from free; the extra
// claiming/taking states keep the other fields private to the one goroutine
// that won the transition.
const (
	slotFree uint32 = iota
	slotClaiming
	slotLive
	slotTaking
)

type entry struct {
	state atomic.Uint32
	pkt   *pktbuf.Packet
	addr  dma.Addr
	size  int
}

// Table is a fixed-size packet-handle table for one DMA direction
type Table struct {
	dev     dma.Device
	dir     dma.Direction
	entries []entry
	last    atomic.Uint32
	live    atomic.Int32
}

// New creates a table with size slots. The scan cursor starts on the last
// slot so the first allocation lands in slot 0.
func New(dev dma.Device, dir dma.Direction, size int) *Table {
	t := &Table{
		dev:     dev,
		dir:     dir,
		entries: make([]entry, size),
	}
	if size > 0 {
		t.last.Store(uint32(size - 1))
	}
	return t
}

// Allocate maps pkt's window past headerReserve for DMA and claims a slot for
// it. On success the table owns pkt until Take returns it.
func (t *Table) Allocate(pkt *pktbuf.Packet, headerReserve int) (uint32, dma.Addr, error) {
	data := pkt.Data()
	if headerReserve < 0 || headerReserve > len(data) {
		return 0, 0, errs.New("pktid_alloc", errs.InvalidParameters, "header reserve exceeds packet")
	}
	region := data[headerReserve:]

	addr, err := t.dev.Map(region, t.dir)
	if err != nil {
		return 0, 0, errs.Wrap("pktid_alloc", err)
	}

	n := uint32(len(t.entries))
	idx := t.last.Load()
	for count := uint32(0); count < n; count++ {
		idx++
		if idx == n {
			idx = 0
		}
		e := &t.entries[idx]
		if e.state.Load() != slotFree || !e.state.CompareAndSwap(slotFree, slotClaiming) {
			continue
		}
		e.pkt = pkt
		e.addr = addr
		e.size = len(region)
		e.state.Store(slotLive)

		t.last.Store(idx)
		t.live.Add(1)
		return idx, addr, nil
	}

	t.dev.Unmap(addr, len(region), t.dir)
	return 0, 0, errs.New("pktid_alloc", errs.ResourceExhausted, "no free packet id")
}

// Take unmaps the buffer held in slot id and hands ownership back to the
// caller. It succeeds exactly once per successful Allocate.
func (t *Table) Take(id uint32) (*pktbuf.Packet, error) {
	if id >= uint32(len(t.entries)) {
		return nil, errs.NewPktIDError("pktid_take", int(id), errs.NotFound, "packet id out of range")
	}
	e := &t.entries[id]
	if !e.state.CompareAndSwap(slotLive, slotTaking) {
		return nil, errs.NewPktIDError("pktid_take", int(id), errs.NotFound, "packet id not in use")
	}

	pkt := t.release(e)
	return pkt, nil
}

// ReleaseAll hands every still-allocated buffer to fn after unmapping it.
// Used at teardown only.
func (t *Table) ReleaseAll(fn func(*pktbuf.Packet)) int {
	released := 0
	for i := range t.entries {
		e := &t.entries[i]
		if !e.state.CompareAndSwap(slotLive, slotTaking) {
			continue
		}
		pkt := t.release(e)
		if fn != nil {
			fn(pkt)
		}
		released++
	}
	return released
}

func (t *Table) release(e *entry) *pktbuf.Packet {
	pkt := e.pkt
	t.dev.Unmap(e.addr, e.size, t.dir)
	e.pkt = nil
	e.addr = 0
	e.size = 0
	e.state.Store(slotFree)
	t.live.Add(-1)
	return pkt
}

// InUse reports whether slot id currently holds a buffer
func (t *Table) InUse(id uint32) bool {
	if id >= uint32(len(t.entries)) {
		return false
	}
	return t.entries[id].state.Load() == slotLive
}

// Outstanding returns the number of live handles
func (t *Table) Outstanding() int {
	return int(t.live.Load())
}

// Size returns the number of slots
func (t *Table) Size() int {
	return len(t.entries)
}

// Direction returns the DMA direction of every mapping in the table
func (t *Table) Direction() dma.Direction {
	return t.dir
}
