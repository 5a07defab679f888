package msgbuf

import "github.com/ehrlich-b/go-msgbuf/internal/ring"

// RingStats is a snapshot of one ring's shared indices
type RingStats struct {
	Name     string
	ReadIdx  uint32
	WriteIdx uint32
	Depth    uint32
	ItemSize int
}

// FlowStats is a snapshot of one flow
type FlowStats struct {
	FlowID      uint16
	IfIdx       int
	FIFO        uint8
	DA          string
	State       string
	QueueLen    int
	Blocked     bool
	Outstanding int
	Ring        RingStats
}

// Stats is a point-in-time view of the protocol's rings, flows and buffers
type Stats struct {
	Up    bool
	Rings []RingStats
	Flows []FlowStats

	RxDataPosted    int
	EventsPosted    int
	IoctlRespPosted int

	TxPktIDsInUse      int
	RxPktIDsInUse      int
	PendingCreates     int
	BuffersOutstanding int

	IoctlTransID uint16
	IoctlBusy    bool
}

func ringStats(r *ring.Ring) RingStats {
	r.Lock()
	depth, itemLen := r.Depth(), r.ItemLen()
	r.Unlock()
	idx := r.Indices()
	return RingStats{
		Name:     r.Name(),
		ReadIdx:  idx.R.Load(),
		WriteIdx: idx.W.Load(),
		Depth:    depth,
		ItemSize: itemLen,
	}
}

// Stats returns a snapshot. The values are read without stopping traffic
// and may be mutually inconsistent by a few items.
func (p *Protocol) Stats() Stats {
	s := Stats{
		Up:                 p.bus.IsUp() && !p.closed.Load(),
		RxDataPosted:       int(p.rxPosted.Load()),
		EventsPosted:       int(p.eventPosted.Load()),
		IoctlRespPosted:    int(p.ioctlPosted.Load()),
		TxPktIDsInUse:      p.txIDs.Outstanding(),
		RxPktIDsInUse:      p.rxIDs.Outstanding(),
		BuffersOutstanding: p.pool.Outstanding(),
		IoctlTransID:       p.ioctl.TransID(),
		IoctlBusy:          p.ioctl.Busy(),
	}
	for _, r := range []*ring.Ring{p.ctrlRing, p.rxPostRing, p.ctrlCmpl, p.txCmpl, p.rxCmpl} {
		s.Rings = append(s.Rings, ringStats(r))
	}

	p.workMu.Lock()
	s.PendingCreates = len(p.creates)
	p.workMu.Unlock()

	for _, info := range p.flows.Flows() {
		fs := FlowStats{
			FlowID:      info.FlowID,
			IfIdx:       info.IfIdx,
			FIFO:        info.FIFO,
			DA:          info.DA.String(),
			State:       info.State.String(),
			QueueLen:    info.QueueLen,
			Blocked:     info.Blocked,
			Outstanding: int(p.outstanding[info.FlowID].Load()),
		}
		if r := p.bus.FlowRing(info.FlowID); r != nil {
			fs.Ring = ringStats(r)
		}
		s.Flows = append(s.Flows, fs)
	}
	return s
}
