package msgbuf

import (
	"github.com/ehrlich-b/go-msgbuf/internal/constants"
	"github.com/ehrlich-b/go-msgbuf/internal/flowring"
	"github.com/ehrlich-b/go-msgbuf/internal/wire"
)

// ensureFlow returns the flow serving the frame's destination. When there is
// none it creates one, queues the frame on it and only then hands the
// FLOW_RING_CREATE to the worker, so the frame is waiting when the flow
// opens. queued reports that the frame was taken.
func (p *Protocol) ensureFlow(ifidx int, pkt *Packet) (flowid uint16, queued bool, err error) {
	var da, sa flowring.Addr
	data := pkt.Data()
	copy(da[:], data[0:constants.EthAddrLen])
	copy(sa[:], data[constants.EthAddrLen:2*constants.EthAddrLen])

	if id, ok := p.flows.Lookup(da, pkt.Priority, ifidx); ok {
		return id, false, nil
	}

	p.createMu.Lock()
	defer p.createMu.Unlock()
	// Detach sweeps flows only after it has seen createMu free
	if p.closed.Load() {
		return 0, false, NewError("submit", ErrClosed, "protocol detached")
	}
	if id, ok := p.flows.Lookup(da, pkt.Priority, ifidx); ok {
		return id, false, nil
	}
	id, err := p.flows.Create(da, pkt.Priority, ifidx)
	if err != nil {
		p.logger.Warn("no flow for frame", "ifidx", ifidx, "da", da.String(), "error", err)
		return 0, false, err
	}
	if _, err := p.flows.Enqueue(id, pkt); err != nil {
		_ = p.flows.Delete(id)
		return 0, false, err
	}

	p.workMu.Lock()
	p.creates = append(p.creates, flowCreate{flowid: id, ifidx: ifidx, da: da, sa: sa})
	p.workMu.Unlock()
	p.wq.Schedule(p.flowWork)

	p.logger.Debug("flow requested", "flow_id", id, "ifidx", ifidx, "da", da.String(), "prio", pkt.Priority)
	return id, true, nil
}

func (p *Protocol) nextCreate() (flowCreate, bool) {
	p.workMu.Lock()
	defer p.workMu.Unlock()
	if len(p.creates) == 0 {
		return flowCreate{}, false
	}
	c := p.creates[0]
	p.creates = p.creates[1:]
	return c, true
}

// flowWorker runs on the work queue and sends every pending create
func (p *Protocol) flowWorker() {
	for {
		c, ok := p.nextCreate()
		if !ok {
			return
		}
		p.createFlow(c)
	}
}

// createFlow binds DMA memory to the flow ring and asks the firmware to open
// it. Every failure goes through removeFlowring.
func (p *Protocol) createFlow(c flowCreate) {
	logger := p.logger.WithFlow(c.flowid)
	r := p.bus.FlowRing(c.flowid)
	if r == nil {
		logger.Warn("flow id has no ring")
		p.failCreate(c.flowid)
		return
	}

	info, ok := p.flows.Info(c.flowid)
	if !ok {
		// torn down while queued
		return
	}
	// claim the flow before binding anything to its ring; a flow in any other
	// state belongs to a different create
	if err := p.flows.Transition(c.flowid, flowring.Requested, flowring.CreateSent); err != nil {
		logger.Warn("flow not awaiting creation", "state", info.State.String())
		return
	}

	depth := p.params.FlowRingMaxItems
	mem, err := p.dev.AllocCoherent(depth * constants.TxFlowRingItemSize)
	if err != nil {
		logger.Warn("flow ring allocation failed", "error", err)
		p.failCreate(c.flowid)
		return
	}

	r.Lock()
	p.flowMem[c.flowid] = mem
	p.outstanding[c.flowid].Store(0)
	err = r.Config(uint32(depth), constants.TxFlowRingItemSize, mem.Buf, mem.Addr)
	r.Unlock()
	if err != nil {
		logger.Warn("flow ring config failed", "error", err)
		p.failCreate(c.flowid)
		return
	}

	req := wire.FlowRingCreate{
		Hdr:          wire.CommonHeader{MsgType: wire.TypeFlowRingCreate, IfIdx: uint8(c.ifidx)},
		DA:           c.da,
		SA:           c.sa,
		Tid:          info.FIFO,
		FlowRingID:   c.flowid + constants.FlowRingIDStart,
		MaxItems:     uint16(depth),
		LenItem:      constants.TxFlowRingItemSize,
		FlowRingAddr: wire.SplitAddr(uint64(mem.Addr)),
	}

	p.ctrlRing.Lock()
	slot, err := p.ctrlRing.ReserveForWrite()
	if err != nil {
		p.ctrlRing.Unlock()
		logger.Warn("no control slot for flow create", "error", err)
		p.failCreate(c.flowid)
		return
	}
	if err = req.MarshalTo(slot); err != nil {
		p.ctrlRing.WriteCancel(1)
	} else {
		err = p.ctrlRing.WriteComplete()
	}
	p.ctrlRing.Unlock()
	if err != nil {
		logger.Warn("flow create not written", "error", err)
		p.failCreate(c.flowid)
		return
	}

	logger.Debug("flow create sent", "da", c.da.String(), "tid", info.FIFO, "ifidx", c.ifidx)
}

func (p *Protocol) failCreate(flowid uint16) {
	p.observer.ObserveFlow(FlowCreateFailed)
	_ = p.removeFlowring(flowid)
}

// removeFlowring is the single teardown path of a flow: it unbinds and frees
// the ring memory, then deletes the table entry, discarding queued frames
func (p *Protocol) removeFlowring(flowid uint16) error {
	if r := p.bus.FlowRing(flowid); r != nil {
		r.Lock()
		r.Release()
		mem := p.flowMem[flowid]
		p.flowMem[flowid] = nil
		r.Unlock()
		if mem != nil {
			p.dev.FreeCoherent(mem)
		}
	}
	p.flowMap.testAndClear(int(flowid))
	p.statusDone.testAndClear(int(flowid))

	if err := p.flows.Delete(flowid); err != nil {
		return err
	}
	p.observer.ObserveFlow(FlowDeleted)
	p.logger.Debug("flow removed", "flow_id", flowid)
	return nil
}

// handleCreateResp applies FLOW_RING_CREATE_CMPLT
func (p *Protocol) handleCreateResp(m *wire.FlowRingResp) {
	flowid, ok := p.wireFlowID(m.Cmpl.FlowRingID)
	if !ok {
		return
	}
	if m.Cmpl.Status != 0 {
		p.logger.Warn("flow creation failed", "flow_id", flowid, "status", int16(m.Cmpl.Status))
		p.failCreate(flowid)
		return
	}
	if err := p.flows.Transition(flowid, flowring.CreateSent, flowring.Open); err != nil {
		p.logger.Warn("unexpected flow create completion", "flow_id", flowid, "error", err)
		return
	}
	p.observer.ObserveFlow(FlowCreated)
	p.logger.Debug("flow open", "flow_id", flowid)
	p.scheduleTx(flowid, true)
}

// handleDeleteResp applies FLOW_RING_DELETE_CMPLT. The flow goes away
// whatever the status.
func (p *Protocol) handleDeleteResp(m *wire.FlowRingResp) {
	flowid, ok := p.wireFlowID(m.Cmpl.FlowRingID)
	if !ok {
		return
	}
	if m.Cmpl.Status != 0 {
		p.logger.Warn("flow delete failed", "flow_id", flowid, "status", int16(m.Cmpl.Status))
	}
	if err := p.removeFlowring(flowid); err != nil {
		p.logger.Warn("delete completion for unknown flow", "flow_id", flowid)
	}
}

// wireFlowID converts a completion's ring id to a flow id
func (p *Protocol) wireFlowID(ringID uint16) (uint16, bool) {
	if ringID < constants.FlowRingIDStart || int(ringID-constants.FlowRingIDStart) >= len(p.flowMem) {
		p.metrics.BadFlowIDs.Add(1)
		p.logger.Warn("completion names an invalid flow ring", "ring_id", ringID)
		return 0, false
	}
	return ringID - constants.FlowRingIDStart, true
}

// DeleteFlow asks the firmware to close an open flow. The flow and its
// queued frames go away when FLOW_RING_DELETE_CMPLT arrives, or at once
// when the firmware cannot be told.
func (p *Protocol) DeleteFlow(flowid uint16) error {
	if p.closed.Load() {
		return NewError("delete_flow", ErrClosed, "protocol detached")
	}
	return p.deleteFlow(flowid)
}

func (p *Protocol) deleteFlow(flowid uint16) error {
	if err := p.flows.Transition(flowid, flowring.Open, flowring.DeleteSent); err != nil {
		return err
	}
	info, ok := p.flows.Info(flowid)
	if !ok {
		return NewFlowError("delete_flow", int(flowid), ErrNotFound, "no such flow")
	}

	if !p.bus.IsUp() {
		p.logger.Debug("bus down, removing flow locally", "flow_id", flowid)
		return p.removeFlowring(flowid)
	}

	req := wire.FlowRingDelete{
		Hdr:        wire.CommonHeader{MsgType: wire.TypeFlowRingDelete, IfIdx: uint8(info.IfIdx)},
		FlowRingID: flowid + constants.FlowRingIDStart,
	}
	p.ctrlRing.Lock()
	slot, err := p.ctrlRing.ReserveForWrite()
	if err == nil {
		if err = req.MarshalTo(slot); err != nil {
			p.ctrlRing.WriteCancel(1)
		} else {
			err = p.ctrlRing.WriteComplete()
		}
	}
	p.ctrlRing.Unlock()
	if err != nil {
		p.logger.Warn("firmware not told of flow delete, removing locally", "flow_id", flowid, "error", err)
		return p.removeFlowring(flowid)
	}
	p.logger.Debug("flow delete sent", "flow_id", flowid)
	return nil
}

// ConfigureAddrMode switches ifidx between indirect (station) and direct
// (access point) addressing. Open flows of the interface are deleted when
// the mode changes.
func (p *Protocol) ConfigureAddrMode(ifidx int, mode AddrMode) error {
	if p.closed.Load() {
		return NewError("addr_mode", ErrClosed, "protocol detached")
	}
	stale, err := p.flows.ConfigureAddrMode(ifidx, mode)
	if err != nil {
		return err
	}
	for _, id := range stale {
		if s, ok := p.flows.State(id); ok && s == flowring.Open {
			_ = p.deleteFlow(id)
		}
	}
	p.logger.Info("addressing mode changed", "ifidx", ifidx, "mode", mode.String(), "flows", len(stale))
	return nil
}

// ForgetPeer deletes every open flow serving peer on ifidx
func (p *Protocol) ForgetPeer(ifidx int, peer HardwareAddr) error {
	if p.closed.Load() {
		return NewError("forget_peer", ErrClosed, "protocol detached")
	}
	doomed, err := p.flows.DeletePeer(ifidx, peer)
	if err != nil {
		return err
	}
	for _, id := range doomed {
		_ = p.deleteFlow(id)
	}
	return nil
}

// AddTDLSPeer gives a direct-link peer its own flows on a station interface
func (p *Protocol) AddTDLSPeer(ifidx int, peer HardwareAddr) error {
	if p.closed.Load() {
		return NewError("tdls_peer", ErrClosed, "protocol detached")
	}
	return p.flows.AddTDLSPeer(ifidx, peer)
}
