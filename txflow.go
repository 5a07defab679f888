package msgbuf

import (
	"fmt"

	"github.com/ehrlich-b/go-msgbuf/internal/constants"
	"github.com/ehrlich-b/go-msgbuf/internal/flowring"
	"github.com/ehrlich-b/go-msgbuf/internal/ring"
	"github.com/ehrlich-b/go-msgbuf/internal/wire"
)

// Submit queues an Ethernet frame for transmission on interface ifidx.
// The frame's destination and Priority select its flow; a flow that does not
// exist yet is created and the frame waits on it until the firmware opens it.
// Ownership passes to the protocol; it comes back through Driver.TxComplete.
func (p *Protocol) Submit(ifidx int, pkt *Packet) error {
	if p.closed.Load() {
		return NewError("submit", ErrClosed, "protocol detached")
	}
	if pkt == nil || pkt.Len() <= constants.EthHeaderLen || pkt.Len()-constants.EthHeaderLen > 0xffff {
		n := 0
		if pkt != nil {
			n = pkt.Len()
		}
		return NewError("submit", ErrInvalidParameters, fmt.Sprintf("bad frame length %d", n))
	}

	flowid, queued, err := p.ensureFlow(ifidx, pkt)
	if err != nil || queued {
		// a new flow is drained once the firmware opens it
		return err
	}
	qlen, err := p.flows.Enqueue(flowid, pkt)
	if err != nil {
		return err
	}
	p.scheduleTx(flowid, qlen%p.params.TrickleTxThreshold == 0)
	return nil
}

// scheduleTx marks flowid for draining and wakes the worker unless the flow
// already has enough in flight to coalesce
func (p *Protocol) scheduleTx(flowid uint16, force bool) {
	p.flowMap.set(int(flowid))
	if force || int(p.outstanding[flowid].Load()) < p.params.DelayTxThreshold {
		p.wq.Schedule(p.txWork)
	}
}

// txWorker drains every flow marked since the last pass
func (p *Protocol) txWorker() {
	p.flowMap.forEach(func(i int) {
		p.drain(uint16(i))
	})
}

// drain moves queued frames of one open flow into its ring. Exhausted handles
// or a full ring put the frame back and end the pass; nothing is dropped.
func (p *Protocol) drain(flowid uint16) {
	if s, ok := p.flows.State(flowid); !ok || s != flowring.Open {
		return
	}
	r := p.bus.FlowRing(flowid)
	if r == nil {
		return
	}
	info, ok := p.flows.Info(flowid)
	if !ok {
		return
	}

	r.Lock()
	defer r.Unlock()
	if !r.Configured() || !r.WriteAvailable() {
		return
	}

	// the first commit comes after TxFlushFirst records, later ones every TxFlushCount
	count := p.params.TxFlushCount - p.params.TxFlushFirst
	pending := 0
	for {
		pkt := p.flows.Dequeue(flowid)
		if pkt == nil {
			break
		}
		pktid, addr, err := p.txIDs.Allocate(pkt, constants.EthHeaderLen)
		if err != nil {
			_ = p.flows.Requeue(flowid, pkt)
			p.metrics.TxRequeued.Add(1)
			p.logger.Debug("no tx packet id", "flow_id", flowid, "error", err)
			if IsCode(err, ErrResourceExhausted) {
				p.starve(flowid)
			}
			break
		}
		slot, err := r.ReserveForWrite()
		if err != nil {
			if back, terr := p.txIDs.Take(pktid); terr == nil {
				pkt = back
			}
			_ = p.flows.Requeue(flowid, pkt)
			p.metrics.TxRequeued.Add(1)
			break
		}

		data := pkt.Data()
		post := wire.TxPost{
			Hdr: wire.CommonHeader{
				MsgType:   wire.TypeTxPost,
				IfIdx:     uint8(info.IfIdx),
				RequestID: pktid + 1,
			},
			Flags:       wire.PktFlagsFrame8023 | (pkt.Priority&0x07)<<wire.PktFlagsPrioShift,
			SegCnt:      1,
			DataBufAddr: wire.SplitAddr(uint64(addr)),
			DataLen:     uint16(len(data) - constants.EthHeaderLen),
		}
		copy(post.TxHdr[:], data[:constants.EthHeaderLen])
		// cannot fail: ring items are TX_POST sized
		_ = post.MarshalTo(slot)

		p.outstanding[flowid].Add(1)
		p.metrics.TxPosted.Add(1)
		count++
		pending++
		if count >= p.params.TxFlushCount {
			p.commit(r, flowid)
			count, pending = 0, 0
		}
	}
	if pending > 0 {
		p.commit(r, flowid)
	}
	p.observer.ObserveQueueDepth(uint32(p.outstanding[flowid].Load()))
}

// starve leaves flowid marked for the next pass once a TX_STATUS frees a
// packet id. A flow with nothing in flight gets no status of its own.
func (p *Protocol) starve(flowid uint16) {
	p.flowMap.set(int(flowid))
	p.txStarved.Store(true)
	// ids freed between the failed scan and the store above
	if p.txIDs.Outstanding() < p.txIDs.Size() && p.txStarved.CompareAndSwap(true, false) {
		p.wq.Schedule(p.txWork)
	}
}

func (p *Protocol) commit(r *ring.Ring, flowid uint16) {
	if err := r.WriteComplete(); err != nil {
		p.logger.Warn("flow ring commit failed", "flow_id", flowid, "error", err)
	}
}

// handleTxStatus applies one TX_STATUS
func (p *Protocol) handleTxStatus(m *wire.TxStatus) {
	if m.Hdr.RequestID == 0 {
		p.metrics.StaleHandles.Add(1)
		p.logger.Warn("tx status without packet id")
		return
	}
	pkt, err := p.txIDs.Take(m.Hdr.RequestID - 1)
	if err != nil {
		p.metrics.StaleHandles.Add(1)
		p.logger.Warn("tx status for unknown packet", "pktid", m.Hdr.RequestID-1, "error", err)
		return
	}
	if flowid, ok := p.wireFlowID(m.Cmpl.FlowRingID); ok {
		p.statusDone.set(int(flowid))
		p.outstanding[flowid].Add(-1)
	}

	ok := m.Cmpl.Status == 0
	p.observer.ObserveTx(uint64(pkt.Len()), ok)
	p.drv.TxComplete(int(m.Hdr.IfIdx), pkt, ok)
}

// kickCompletedFlows reschedules flows that got TX_STATUS this pass and
// still have frames queued, and wakes flows starved of packet ids
func (p *Protocol) kickCompletedFlows() {
	trickle := p.params.TrickleTxThreshold
	p.statusDone.forEach(func(i int) {
		qlen := p.flows.QueueLen(uint16(i))
		if qlen > trickle || (qlen > 0 && int(p.outstanding[i].Load()) < trickle) {
			p.scheduleTx(uint16(i), true)
		}
	})
	if p.txIDs.Outstanding() < p.txIDs.Size() && p.txStarved.CompareAndSwap(true, false) {
		p.wq.Schedule(p.txWork)
	}
}
