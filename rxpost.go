package msgbuf

import (
	"github.com/ehrlich-b/go-msgbuf/internal/constants"
	"github.com/ehrlich-b/go-msgbuf/internal/dma"
	"github.com/ehrlich-b/go-msgbuf/internal/wire"
)

// fillRxData posts data buffers until the target is reached or a post
// makes no progress
func (p *Protocol) fillRxData() {
	for {
		want := p.params.MaxRxBufPost - int(p.rxPosted.Load())
		if want <= 0 {
			return
		}
		n := p.postDataBufs(want)
		if n == 0 {
			return
		}
		p.rxPosted.Add(int32(n))
	}
}

// postDataBufs writes up to count RXBUF_POST records in one reservation and
// returns how many were posted. A failed allocation cancels the unused slots.
func (p *Protocol) postDataBufs(count int) int {
	r := p.rxPostRing
	r.Lock()
	defer r.Unlock()

	slots, granted, err := r.ReserveForWriteMultiple(count)
	if err != nil {
		p.logger.Debug("rx post ring full", "want", count)
		return 0
	}
	itemLen := r.ItemLen()
	meta := p.params.RxMetadataOffset

	i := 0
	for ; i < granted; i++ {
		pkt := p.pool.Get(constants.MaxPktSize)
		if pkt == nil {
			p.logger.Warn("no buffer for rx post")
			r.WriteCancel(granted - i)
			break
		}
		pktid, addr, err := p.rxIDs.Allocate(pkt, 0)
		if err != nil {
			p.pool.Put(pkt)
			p.logger.Warn("no rx packet id", "error", err)
			r.WriteCancel(granted - i)
			break
		}

		post := wire.RxBufPost{
			Hdr: wire.CommonHeader{MsgType: wire.TypeRxBufPost, RequestID: pktid},
		}
		if meta > 0 {
			post.MetadataBufLen = uint16(meta)
			post.MetadataBufAddr = wire.SplitAddr(uint64(addr))
			pkt.Pull(meta)
			addr += dma.Addr(meta)
		}
		post.DataBufLen = uint16(pkt.Len())
		post.DataBufAddr = wire.SplitAddr(uint64(addr))
		// cannot fail: the slot is an RXBUF_POST item
		_ = post.MarshalTo(slots[i*itemLen : (i+1)*itemLen])
	}
	if i > 0 {
		if err := r.WriteComplete(); err != nil {
			p.logger.Warn("rx post commit failed", "error", err)
		}
		p.metrics.RxBufPosted.Add(uint64(i))
	}
	return i
}

func (p *Protocol) postEventBufs() {
	p.postCtrlBufs(wire.TypeEventBufPost, p.params.MaxEventBufPost, &p.eventPosted)
}

func (p *Protocol) postIoctlRespBufs() {
	p.postCtrlBufs(wire.TypeIoctlRespBufPost, p.params.MaxIoctlRespBufPost, &p.ioctlPosted)
}

// postCtrlBufs tops the event or ioctl-response buffers up to target. They
// share the control submission ring, so the whole batch is written under
// its lock.
func (p *Protocol) postCtrlBufs(msgType uint8, target int, posted interface {
	Load() int32
	Add(int32) int32
}) {
	r := p.ctrlRing
	r.Lock()
	defer r.Unlock()

	count := target - int(posted.Load())
	if count <= 0 {
		return
	}
	slots, granted, err := r.ReserveForWriteMultiple(count)
	if err != nil {
		p.logger.Debug("control ring full, buffer post deferred", "type", wire.TypeName(msgType), "want", count)
		return
	}
	itemLen := r.ItemLen()

	i := 0
	for ; i < granted; i++ {
		pkt := p.pool.Get(constants.MaxCtlPktSize)
		if pkt == nil {
			p.logger.Warn("no buffer for control post", "type", wire.TypeName(msgType))
			r.WriteCancel(granted - i)
			break
		}
		pktid, addr, err := p.rxIDs.Allocate(pkt, 0)
		if err != nil {
			p.pool.Put(pkt)
			p.logger.Warn("no rx packet id for control post", "type", wire.TypeName(msgType), "error", err)
			r.WriteCancel(granted - i)
			break
		}
		post := wire.CtrlBufPost{
			Hdr:         wire.CommonHeader{MsgType: msgType, RequestID: pktid},
			HostBufLen:  uint16(min(pkt.Len(), 0xffff)),
			HostBufAddr: wire.SplitAddr(uint64(addr)),
		}
		_ = post.MarshalTo(slots[i*itemLen : (i+1)*itemLen])
	}
	if i > 0 {
		if err := r.WriteComplete(); err != nil {
			p.logger.Warn("control post commit failed", "error", err)
		}
		posted.Add(int32(i))
		p.metrics.CtrlBufPosted.Add(uint64(i))
	}
}

// handleRxComplete delivers one received frame and refills the data buffers
func (p *Protocol) handleRxComplete(m *wire.RxComplete) {
	p.rxPosted.Add(-1)
	defer p.refillRxData()

	pkt, err := p.rxIDs.Take(m.Hdr.RequestID)
	if err != nil {
		p.metrics.StaleHandles.Add(1)
		p.logger.Warn("rx completion for unknown packet", "pktid", m.Hdr.RequestID, "error", err)
		return
	}
	if m.DataOffset != 0 {
		pkt.Pull(int(m.DataOffset))
	} else if p.rxDataOffset != 0 {
		pkt.Pull(p.rxDataOffset)
	}
	pkt.Trim(int(m.DataLen))

	ifidx := int(m.Hdr.IfIdx)
	if m.Flags&wire.PktFlagsFrameMask == wire.PktFlagsFrame80211 {
		if p.mon == nil {
			p.logger.Warn("unexpected monitor frame", "ifidx", ifidx)
			p.metrics.RxDropped.Add(1)
			p.pool.Put(pkt)
			return
		}
		p.metrics.RxMonitor.Add(1)
		p.mon.RxMonitor(ifidx, pkt)
		return
	}

	n := pkt.Len()
	if !p.drv.RxData(ifidx, pkt) {
		p.metrics.RxDropped.Add(1)
		p.pool.Put(pkt)
		return
	}
	p.observer.ObserveRx(uint64(n))
}

// refillRxData refills once the posted count falls far enough below target
func (p *Protocol) refillRxData() {
	target := p.params.MaxRxBufPost
	if int(p.rxPosted.Load()) <= target-p.params.refillThreshold(target) {
		p.fillRxData()
	}
}

// handleEvent delivers one firmware event and reposts an event buffer
func (p *Protocol) handleEvent(m *wire.RxEvent) {
	if p.eventPosted.Load() > 0 {
		p.eventPosted.Add(-1)
	}
	defer p.postEventBufs()

	pkt, err := p.rxIDs.Take(m.Hdr.RequestID)
	if err != nil {
		p.metrics.StaleHandles.Add(1)
		p.logger.Warn("event for unknown packet", "pktid", m.Hdr.RequestID, "error", err)
		return
	}
	defer p.pool.Put(pkt)

	if p.rxDataOffset != 0 {
		pkt.Pull(p.rxDataOffset)
	}
	pkt.Trim(int(m.EventDataLen))
	p.observer.ObserveEvent()
	p.drv.RxEvent(int(m.Hdr.IfIdx), pkt.Data())
}

// handleIoctlResp wakes the waiting ioctl caller and reposts a response buffer
func (p *Protocol) handleIoctlResp(m *wire.IoctlResp) {
	p.ioctl.Complete(m)
	if p.ioctlPosted.Load() > 0 {
		p.ioctlPosted.Add(-1)
	}
	p.postIoctlRespBufs()
}
