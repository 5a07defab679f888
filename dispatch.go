package msgbuf

import (
	"github.com/ehrlich-b/go-msgbuf/internal/ring"
	"github.com/ehrlich-b/go-msgbuf/internal/wire"
)

// Poll drains the completion rings in order receive, transmit, control and
// returns the number of records handled. The bus calls it from its interrupt
// path; it may also be called directly. Concurrent calls are serialized.
func (p *Protocol) Poll() int {
	p.dispatchMu.Lock()
	defer p.dispatchMu.Unlock()
	if p.closed.Load() {
		return 0
	}

	n := p.processRing(p.rxCmpl)
	n += p.processRing(p.txCmpl)
	n += p.processRing(p.ctrlCmpl)

	p.kickCompletedFlows()
	return n
}

// processRing handles every available record of one completion ring,
// publishing the read index each RxReadBatch records. When the pass ends
// with the read cursor wrapped to zero the ring is read once more, picking
// up records written past the end.
func (p *Protocol) processRing(r *ring.Ring) int {
	total := 0
	for pass := 0; pass < 2; pass++ {
		buf, count := r.GetReadPtr()
		if count == 0 {
			break
		}
		itemLen := r.ItemLen()
		done := 0
		for i := 0; i < count; i++ {
			p.dispatch(r, buf[i*itemLen:(i+1)*itemLen])
			done++
			if done == p.params.RxReadBatch {
				r.ReadComplete(done)
				done = 0
			}
		}
		if done > 0 {
			r.ReadComplete(done)
		}
		total += count
		if r.ReadIndex() != 0 {
			break
		}
	}
	return total
}

// dispatch routes one completion record by its message type
func (p *Protocol) dispatch(r *ring.Ring, rec []byte) {
	msg, err := wire.Decode(rec)
	if err != nil {
		p.metrics.UnknownMessages.Add(1)
		p.logger.Warn("undecodable completion", "ring", r.Name(), "error", err)
		return
	}

	switch m := msg.(type) {
	case *wire.GenStatus:
		p.logger.Debug("general status", "status", int16(m.Cmpl.Status))
	case *wire.RingStatus:
		p.logger.Debug("ring status", "status", int16(m.Cmpl.Status), "write_idx", m.WriteIdx)
	case *wire.FlowRingResp:
		switch m.Hdr.MsgType {
		case wire.TypeFlowRingCreateCmplt:
			p.handleCreateResp(m)
		case wire.TypeFlowRingDeleteCmplt:
			p.handleDeleteResp(m)
		default:
			p.unsupported(r, m.Hdr.MsgType)
		}
	case *wire.IoctlResp:
		if m.Hdr.MsgType == wire.TypeIoctlPtrReqAck {
			p.logger.Debug("ioctl request acknowledged", "trans_id", m.TransID)
			return
		}
		p.handleIoctlResp(m)
	case *wire.RxEvent:
		p.handleEvent(m)
	case *wire.TxStatus:
		p.handleTxStatus(m)
	case *wire.RxComplete:
		p.handleRxComplete(m)
	default:
		p.unsupported(r, msg.Type())
	}
}

func (p *Protocol) unsupported(r *ring.Ring, t uint8) {
	p.metrics.UnknownMessages.Add(1)
	p.logger.Warn("unsupported completion type", "ring", r.Name(), "type", wire.TypeName(t), "raw", t)
}
