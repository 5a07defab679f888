// Package fwsim simulates the firmware side of the message-buffer protocol.
// It consumes host submissions from the shared rings and produces the
// completions real firmware would, so the protocol can run end to end
// without hardware.
package fwsim

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ehrlich-b/go-msgbuf/internal/constants"
	"github.com/ehrlich-b/go-msgbuf/internal/dma"
	"github.com/ehrlich-b/go-msgbuf/internal/errs"
	"github.com/ehrlich-b/go-msgbuf/internal/logging"
	"github.com/ehrlich-b/go-msgbuf/internal/ring"
	"github.com/ehrlich-b/go-msgbuf/internal/shmbus"
	"github.com/ehrlich-b/go-msgbuf/internal/wire"
)

// IoctlHandler answers one ioctl. It writes the response into out and
// returns the firmware status and the response length.
type IoctlHandler func(ifidx int, cmd uint32, in, out []byte) (status int16, n int)

// EchoHandler answers every ioctl with its own input
func EchoHandler(ifidx int, cmd uint32, in, out []byte) (int16, int) {
	return 0, copy(out, in)
}

// Config controls the simulator
type Config struct {
	Bus *shmbus.Bus

	// Ioctl answers IOCTLPTR_REQ; defaults to EchoHandler
	Ioctl IoctlHandler

	// Loopback turns every transmitted frame into a received one
	Loopback bool

	// Interrupt is called after a step produced completions
	Interrupt func()

	Logger *logging.Logger
}

// Counters tracks what the simulator has processed
type Counters struct {
	IoctlReqs      uint64
	IoctlResponses uint64
	FlowCreates    uint64
	FlowDeletes    uint64
	TxPosts        uint64
	TxBytes        uint64
	RxCompletions  uint64
	Events         uint64
	RxBufPosts     uint64
	EventBufPosts  uint64
	IoctlBufPosts  uint64
	LoopbackDrops  uint64
	Unknown        uint64
	BadAddresses   uint64
}

// posted is a host buffer waiting to be filled
type posted struct {
	pktid uint32
	addr  dma.Addr
	size  int
}

type pendingIoctl struct {
	ifidx   uint8
	cmd     uint32
	transID uint16
	status  int16
	payload []byte
}

type flowState struct {
	ring  *ring.Ring
	ifidx uint8
	tid   uint8
}

// Firmware is the device side of one bus
type Firmware struct {
	cfg    Config
	bus    *shmbus.Bus
	logger *logging.Logger

	mu sync.Mutex

	ctrlSubmit   *ring.Ring
	rxPost       *ring.Ring
	ctrlComplete *ring.Ring
	txComplete   *ring.Ring
	rxComplete   *ring.Ring

	flows   map[uint16]*flowState
	ioctlQ  []pendingIoctl
	ioctlB  []posted
	eventB  []posted
	rxB     []posted
	seq     uint16
	holdTx  bool
	creates map[uint16]uint16

	createStatus uint16
	deleteStatus uint16
	txStatus     uint16

	stats Counters
}

// New binds a simulator to bus
func New(cfg Config) (*Firmware, error) {
	if cfg.Bus == nil {
		return nil, errs.New("fwsim_init", errs.InvalidParameters, "bus is required")
	}
	if cfg.Ioctl == nil {
		cfg.Ioctl = EchoHandler
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}

	fw := &Firmware{
		cfg:     cfg,
		bus:     cfg.Bus,
		logger:  logger.WithComponent("fwsim"),
		flows:   make(map[uint16]*flowState),
		creates: make(map[uint16]uint16),
	}

	views := []struct {
		id  int
		dst **ring.Ring
	}{
		{constants.ControlSubmitRing, &fw.ctrlSubmit},
		{constants.RxPostSubmitRing, &fw.rxPost},
		{constants.ControlCompleteRing, &fw.ctrlComplete},
		{constants.TxCompleteRing, &fw.txComplete},
		{constants.RxCompleteRing, &fw.rxComplete},
	}
	for _, v := range views {
		r, err := cfg.Bus.DeviceRing(v.id)
		if err != nil {
			return nil, err
		}
		*v.dst = r
	}
	return fw, nil
}

// SetCreateStatus sets the status of every later FLOW_RING_CREATE_CMPLT
func (fw *Firmware) SetCreateStatus(status uint16) {
	fw.mu.Lock()
	fw.createStatus = status
	fw.mu.Unlock()
}

// SetDeleteStatus sets the status of every later FLOW_RING_DELETE_CMPLT
func (fw *Firmware) SetDeleteStatus(status uint16) {
	fw.mu.Lock()
	fw.deleteStatus = status
	fw.mu.Unlock()
}

// SetTxStatus sets the status of every later TX_STATUS
func (fw *Firmware) SetTxStatus(status uint16) {
	fw.mu.Lock()
	fw.txStatus = status
	fw.mu.Unlock()
}

// HoldTx stops (or resumes) consumption of flow rings
func (fw *Firmware) HoldTx(hold bool) {
	fw.mu.Lock()
	fw.holdTx = hold
	fw.mu.Unlock()
}

// Stats returns a copy of the counters
func (fw *Firmware) Stats() Counters {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return fw.stats
}

// Posted returns the number of data, event and ioctl-response buffers the
// host has posted and the simulator has not yet filled
func (fw *Firmware) Posted() (data, events, ioctl int) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return len(fw.rxB), len(fw.eventB), len(fw.ioctlB)
}

// FlowOpen reports whether the simulator has an open ring for flowid
func (fw *Firmware) FlowOpen(flowid uint16) bool {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	_, ok := fw.flows[flowid]
	return ok
}

// CreateRequests returns how many FLOW_RING_CREATE records named flowid
func (fw *Firmware) CreateRequests(flowid uint16) int {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return int(fw.creates[flowid])
}

// Step consumes every pending submission once and publishes the resulting
// completions. It reports whether anything was produced.
func (fw *Firmware) Step() bool {
	fw.mu.Lock()
	produced := fw.step()
	fw.mu.Unlock()

	if produced && fw.cfg.Interrupt != nil {
		fw.cfg.Interrupt()
	}
	return produced
}

func (fw *Firmware) step() bool {
	// with the link down the host may free flow ring memory at any time
	if !fw.bus.IsUp() {
		clear(fw.flows)
		return false
	}
	produced := false
	produced = fw.consumeControl() || produced
	fw.consumeRxPost()
	produced = fw.flushIoctls() || produced
	if !fw.holdTx {
		produced = fw.consumeFlows() || produced
	}
	return produced
}

// Run steps on every doorbell and every interval until ctx ends
func (fw *Firmware) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = constants.SimPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-fw.bus.Doorbell():
		case <-ticker.C:
		}
		fw.Step()
	}
}

// emit writes one completion record and publishes it
func (fw *Firmware) emit(r *ring.Ring, m wire.Message) bool {
	slot, err := r.ReserveForWrite()
	if err != nil {
		return false
	}
	if err := m.MarshalTo(slot); err != nil {
		r.WriteCancel(1)
		return false
	}
	_ = r.WriteComplete()
	return true
}

func (fw *Firmware) resolve(addr wire.BufAddr, size int) ([]byte, bool) {
	buf, err := fw.bus.Resolve(dma.Addr(addr.Uint64()), size)
	if err != nil {
		fw.stats.BadAddresses++
		fw.logger.Warn("bad host address", "addr", fmt.Sprintf("0x%x", addr.Uint64()), "size", size, "error", err)
		return nil, false
	}
	return buf, true
}

func (fw *Firmware) consumeControl() bool {
	produced := false
	for {
		data, n := fw.ctrlSubmit.GetReadPtr()
		if n == 0 {
			return produced
		}
		done := 0
		for ; done < n; done++ {
			rec := data[done*wire.IoctlReqSize : (done+1)*wire.IoctlReqSize]
			ok, out := fw.handleControl(rec)
			if !ok {
				break
			}
			produced = produced || out
		}
		fw.ctrlSubmit.ReadComplete(done)
		if done < n {
			return produced
		}
	}
}

// handleControl processes one control submission. ok is false when the
// completion ring is full and the record must be retried later.
func (fw *Firmware) handleControl(rec []byte) (ok, produced bool) {
	m, err := wire.Decode(rec)
	if err != nil {
		fw.stats.Unknown++
		fw.logger.Warn("unknown control submission", "error", err)
		return true, false
	}

	switch msg := m.(type) {
	case *wire.IoctlReq:
		fw.stats.IoctlReqs++
		in, _ := fw.resolve(msg.ReqBufAddr, int(msg.InputBufLen))
		out := make([]byte, msg.OutputBufLen)
		status, n := fw.cfg.Ioctl(int(msg.Hdr.IfIdx), msg.Cmd, in, out)
		fw.emit(fw.ctrlComplete, &wire.IoctlResp{
			Hdr:     wire.CommonHeader{MsgType: wire.TypeIoctlPtrReqAck, IfIdx: msg.Hdr.IfIdx},
			TransID: msg.TransID,
			Cmd:     msg.Cmd,
		})
		fw.ioctlQ = append(fw.ioctlQ, pendingIoctl{
			ifidx:   msg.Hdr.IfIdx,
			cmd:     msg.Cmd,
			transID: msg.TransID,
			status:  status,
			payload: out[:max(0, min(n, len(out)))],
		})
		return true, true

	case *wire.CtrlBufPost:
		p := posted{pktid: msg.Hdr.RequestID, addr: dma.Addr(msg.HostBufAddr.Uint64()), size: int(msg.HostBufLen)}
		if msg.Hdr.MsgType == wire.TypeIoctlRespBufPost {
			fw.stats.IoctlBufPosts++
			fw.ioctlB = append(fw.ioctlB, p)
		} else {
			fw.stats.EventBufPosts++
			fw.eventB = append(fw.eventB, p)
		}
		return true, false

	case *wire.FlowRingCreate:
		if !fw.ctrlComplete.WriteAvailable() {
			return false, false
		}
		fw.stats.FlowCreates++
		flowid := msg.FlowRingID - constants.FlowRingIDStart
		fw.creates[flowid]++
		status := fw.createStatus
		if status == 0 {
			r, err := fw.bus.DeviceFlowRing(flowid, uint32(msg.MaxItems), int(msg.LenItem), dma.Addr(msg.FlowRingAddr.Uint64()))
			if err != nil {
				fw.logger.Warn("cannot bind flow ring", "flow_id", flowid, "error", err)
				status = 1
			} else {
				fw.flows[flowid] = &flowState{ring: r, ifidx: msg.Hdr.IfIdx, tid: msg.Tid}
			}
		}
		fw.emit(fw.ctrlComplete, &wire.FlowRingResp{
			Hdr:  wire.CommonHeader{MsgType: wire.TypeFlowRingCreateCmplt, IfIdx: msg.Hdr.IfIdx},
			Cmpl: wire.CompletionHeader{Status: status, FlowRingID: msg.FlowRingID},
		})
		return true, true

	case *wire.FlowRingDelete:
		if !fw.ctrlComplete.WriteAvailable() {
			return false, false
		}
		fw.stats.FlowDeletes++
		flowid := msg.FlowRingID - constants.FlowRingIDStart
		delete(fw.flows, flowid)
		fw.emit(fw.ctrlComplete, &wire.FlowRingResp{
			Hdr:  wire.CommonHeader{MsgType: wire.TypeFlowRingDeleteCmplt, IfIdx: msg.Hdr.IfIdx},
			Cmpl: wire.CompletionHeader{Status: fw.deleteStatus, FlowRingID: msg.FlowRingID},
		})
		return true, true
	}

	fw.stats.Unknown++
	fw.logger.Warn("unexpected control submission", "type", wire.TypeName(m.Type()))
	return true, false
}

// flushIoctls answers queued ioctls into posted response buffers
func (fw *Firmware) flushIoctls() bool {
	produced := false
	for len(fw.ioctlQ) > 0 && len(fw.ioctlB) > 0 {
		if !fw.ctrlComplete.WriteAvailable() {
			break
		}
		req := fw.ioctlQ[0]
		buf := fw.ioctlB[0]
		fw.ioctlQ = fw.ioctlQ[1:]
		fw.ioctlB = fw.ioctlB[1:]

		n := 0
		if mem, err := fw.bus.Resolve(buf.addr, buf.size); err == nil {
			n = copy(mem, req.payload)
		} else {
			fw.stats.BadAddresses++
		}
		fw.emit(fw.ctrlComplete, &wire.IoctlResp{
			Hdr:     wire.CommonHeader{MsgType: wire.TypeIoctlCmplt, IfIdx: req.ifidx, RequestID: buf.pktid},
			Cmpl:    wire.CompletionHeader{Status: uint16(req.status)},
			RespLen: uint16(n),
			TransID: req.transID,
			Cmd:     req.cmd,
		})
		fw.stats.IoctlResponses++
		produced = true
	}
	return produced
}

func (fw *Firmware) consumeRxPost() {
	for {
		data, n := fw.rxPost.GetReadPtr()
		if n == 0 {
			return
		}
		for i := 0; i < n; i++ {
			var post wire.RxBufPost
			if err := post.Unmarshal(data[i*wire.RxBufPostSize:]); err != nil || post.Hdr.MsgType != wire.TypeRxBufPost {
				fw.stats.Unknown++
				continue
			}
			fw.stats.RxBufPosts++
			fw.rxB = append(fw.rxB, posted{
				pktid: post.Hdr.RequestID,
				addr:  dma.Addr(post.DataBufAddr.Uint64()),
				size:  int(post.DataBufLen),
			})
		}
		fw.rxPost.ReadComplete(n)
	}
}

func (fw *Firmware) consumeFlows() bool {
	ids := make([]int, 0, len(fw.flows))
	for id := range fw.flows {
		ids = append(ids, int(id))
	}
	sort.Ints(ids)

	produced := false
	for _, id := range ids {
		produced = fw.consumeFlow(uint16(id), fw.flows[uint16(id)]) || produced
	}
	return produced
}

func (fw *Firmware) consumeFlow(flowid uint16, fl *flowState) bool {
	produced := false
	for {
		data, n := fl.ring.GetReadPtr()
		if n == 0 {
			return produced
		}
		done := 0
		for ; done < n; done++ {
			if !fw.txComplete.WriteAvailable() {
				break
			}
			var post wire.TxPost
			if err := post.Unmarshal(data[done*wire.TxPostSize:]); err != nil {
				fw.stats.Unknown++
				continue
			}
			fw.transmit(flowid, fl, &post)
			produced = true
		}
		fl.ring.ReadComplete(done)
		if done < n {
			return produced
		}
	}
}

func (fw *Firmware) transmit(flowid uint16, fl *flowState, post *wire.TxPost) {
	fw.stats.TxPosts++
	payload, ok := fw.resolve(post.DataBufAddr, int(post.DataLen))
	if ok {
		fw.stats.TxBytes += uint64(len(post.TxHdr) + len(payload))
		if fw.cfg.Loopback {
			frame := make([]byte, 0, len(post.TxHdr)+len(payload))
			frame = append(frame, post.TxHdr[:]...)
			frame = append(frame, payload...)
			if err := fw.deliver(int(fl.ifidx), frame, wire.PktFlagsFrame8023); err != nil {
				fw.stats.LoopbackDrops++
			}
		}
	}

	status := fw.txStatus
	if !ok {
		status = 1
	}
	fw.emit(fw.txComplete, &wire.TxStatus{
		Hdr:  wire.CommonHeader{MsgType: wire.TypeTxStatus, IfIdx: fl.ifidx, RequestID: post.Hdr.RequestID},
		Cmpl: wire.CompletionHeader{Status: status, FlowRingID: flowid + constants.FlowRingIDStart},
	})
}

// deliver writes frame into the oldest posted data buffer; caller holds mu
func (fw *Firmware) deliver(ifidx int, frame []byte, flags uint16) error {
	if len(fw.rxB) == 0 {
		return errs.New("fwsim_rx", errs.ResourceExhausted, "no receive buffer posted")
	}
	if !fw.rxComplete.WriteAvailable() {
		return errs.New("fwsim_rx", errs.ResourceExhausted, "rx completion ring full")
	}
	off := fw.bus.RxDataOffset()
	buf := fw.rxB[0]
	if off+len(frame) > buf.size {
		return errs.New("fwsim_rx", errs.InvalidParameters,
			fmt.Sprintf("frame of %d bytes does not fit a %d byte buffer", len(frame), buf.size))
	}
	mem, err := fw.bus.Resolve(buf.addr, buf.size)
	if err != nil {
		fw.stats.BadAddresses++
		return errs.Wrap("fwsim_rx", err)
	}
	fw.rxB = fw.rxB[1:]
	copy(mem[off:], frame)

	fw.emit(fw.rxComplete, &wire.RxComplete{
		Hdr:     wire.CommonHeader{MsgType: wire.TypeRxCmplt, IfIdx: uint8(ifidx), RequestID: buf.pktid},
		DataLen: uint16(len(frame)),
		Flags:   flags,
	})
	fw.stats.RxCompletions++
	return nil
}

// InjectRx delivers frame to the host as a received frame with the given
// RX_CMPLT frame flags
func (fw *Firmware) InjectRx(ifidx int, frame []byte, flags uint16) error {
	fw.mu.Lock()
	err := fw.deliver(ifidx, frame, flags)
	fw.mu.Unlock()
	if err == nil && fw.cfg.Interrupt != nil {
		fw.cfg.Interrupt()
	}
	return err
}

// InjectEvent delivers a firmware event into the oldest posted event buffer
func (fw *Firmware) InjectEvent(ifidx int, payload []byte) error {
	fw.mu.Lock()
	err := fw.injectEvent(ifidx, payload)
	fw.mu.Unlock()
	if err == nil && fw.cfg.Interrupt != nil {
		fw.cfg.Interrupt()
	}
	return err
}

func (fw *Firmware) injectEvent(ifidx int, payload []byte) error {
	if len(fw.eventB) == 0 {
		return errs.New("fwsim_event", errs.ResourceExhausted, "no event buffer posted")
	}
	if !fw.ctrlComplete.WriteAvailable() {
		return errs.New("fwsim_event", errs.ResourceExhausted, "control completion ring full")
	}
	off := fw.bus.RxDataOffset()
	buf := fw.eventB[0]
	if off+len(payload) > buf.size {
		return errs.New("fwsim_event", errs.InvalidParameters, "event does not fit the posted buffer")
	}
	mem, err := fw.bus.Resolve(buf.addr, buf.size)
	if err != nil {
		fw.stats.BadAddresses++
		return errs.Wrap("fwsim_event", err)
	}
	fw.eventB = fw.eventB[1:]
	copy(mem[off:], payload)

	fw.seq++
	fw.emit(fw.ctrlComplete, &wire.RxEvent{
		Hdr:          wire.CommonHeader{MsgType: wire.TypeWLEvent, IfIdx: uint8(ifidx), RequestID: buf.pktid},
		EventDataLen: uint16(len(payload)),
		SeqNum:       fw.seq,
	})
	fw.stats.Events++
	return nil
}

// InjectRaw writes an arbitrary record to a completion ring
func (fw *Firmware) InjectRaw(ringID int, m wire.Message) error {
	fw.mu.Lock()
	var r *ring.Ring
	switch ringID {
	case constants.ControlCompleteRing:
		r = fw.ctrlComplete
	case constants.TxCompleteRing:
		r = fw.txComplete
	case constants.RxCompleteRing:
		r = fw.rxComplete
	}
	ok := r != nil && fw.emit(r, m)
	fw.mu.Unlock()
	if !ok {
		return errs.New("fwsim_inject", errs.ResourceExhausted, fmt.Sprintf("cannot write to ring %d", ringID))
	}
	return nil
}
