package msgbuf

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-msgbuf/internal/dma"
	"github.com/ehrlich-b/go-msgbuf/internal/fwsim"
	"github.com/ehrlich-b/go-msgbuf/internal/logging"
	"github.com/ehrlich-b/go-msgbuf/internal/shmbus"
	"github.com/ehrlich-b/go-msgbuf/internal/wire"
	"github.com/ehrlich-b/go-msgbuf/internal/workqueue"
)

var (
	peerA = HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x0a}
	peerB = HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x0b}
	self  = HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
)

// harness runs one Protocol against the shared-memory bus and the firmware
// simulator. Nothing runs in the background: tests drive the simulator with
// step and the protocol's worker with flush.
type harness struct {
	t      *testing.T
	iommu  *dma.IOMMU
	faults *dma.FaultInjector
	bus    *shmbus.Bus
	fw     *fwsim.Firmware
	drv    *MockDriver
	p      *Protocol
}

type harnessConfig struct {
	params   Params
	driver   Driver
	loopback bool
	ioctl    fwsim.IoctlHandler
}

func newHarness(t *testing.T, cfg harnessConfig) *harness {
	t.Helper()
	iommu := dma.NewIOMMU(dma.Config{})
	faults := dma.NewFaultInjector(iommu)
	bus, err := shmbus.New(shmbus.Config{DMA: faults, MaxFlowRings: 8, Logger: logging.Nop()})
	require.NoError(t, err)

	h := &harness{t: t, iommu: iommu, faults: faults, bus: bus, drv: NewMockDriver()}
	drv := cfg.driver
	if drv == nil {
		drv = h.drv
	}
	p, err := Attach(bus, drv, cfg.params, &Options{Logger: logging.Nop()})
	require.NoError(t, err)
	h.p = p
	h.drv.SetRelease(p.Release)

	fw, err := fwsim.New(fwsim.Config{Bus: bus, Loopback: cfg.loopback, Ioctl: cfg.ioctl, Logger: logging.Nop()})
	require.NoError(t, err)
	h.fw = fw

	t.Cleanup(func() {
		assert.NoError(t, p.Detach())
		assert.NoError(t, bus.Close())
	})
	return h
}

// step lets the worker finish, runs the simulator once and polls
func (h *harness) step() {
	h.p.wq.Flush()
	h.fw.Step()
	h.p.Poll()
	h.p.wq.Flush()
}

// run steps until nothing moves
func (h *harness) run() {
	for i := 0; i < 16; i++ {
		h.p.wq.Flush()
		produced := h.fw.Step()
		n := h.p.Poll()
		h.p.wq.Flush()
		if !produced && n == 0 {
			return
		}
	}
}

func frame(da HardwareAddr, n int) *Packet {
	data := make([]byte, n)
	copy(data[0:6], da[:])
	copy(data[6:12], self[:])
	data[12], data[13] = 0x08, 0x00
	for i := EthHeaderLen; i < n; i++ {
		data[i] = byte(i)
	}
	return NewPacket(data)
}

// openFlow sends one frame to da and runs until its flow is open and the
// frame completed
func (h *harness) openFlow(ifidx int, da HardwareAddr) uint16 {
	h.t.Helper()
	before := len(h.drv.TxCompletions())
	require.NoError(h.t, h.p.Submit(ifidx, frame(da, 64)))
	h.run()
	id, ok := h.p.flows.Lookup(da, 0, ifidx)
	require.True(h.t, ok)
	s, _ := h.p.flows.State(id)
	require.Equal(h.t, FlowOpen, s)
	require.Len(h.t, h.drv.TxCompletions(), before+1)
	return id
}

// gateWorker parks the work queue until the returned function is called
func (h *harness) gateWorker() func() {
	gate := make(chan struct{})
	started := make(chan struct{})
	h.p.wq.Schedule(workqueue.NewWork(func() {
		close(started)
		<-gate
	}))
	<-started
	return func() { close(gate) }
}

func TestAttachPostsReceiveBuffers(t *testing.T) {
	h := newHarness(t, harnessConfig{})

	st := h.p.Stats()
	assert.True(t, st.Up)
	assert.Equal(t, h.bus.MaxRxBufPost(), st.RxDataPosted)
	assert.Equal(t, 8, st.EventsPosted)
	assert.Equal(t, 8, st.IoctlRespPosted)
	assert.Equal(t, st.RxDataPosted+16, st.RxPktIDsInUse)
	assert.Len(t, st.Rings, NumCommonRings)

	h.fw.Step()
	data, events, ioctl := h.fw.Posted()
	assert.Equal(t, st.RxDataPosted, data)
	assert.Equal(t, 8, events)
	assert.Equal(t, 8, ioctl)
}

func TestAttachRejectsBadInput(t *testing.T) {
	_, err := Attach(nil, NewMockDriver(), DefaultParams(), nil)
	assert.True(t, IsCode(err, ErrInvalidParameters))

	bus, err := shmbus.New(shmbus.Config{Logger: logging.Nop()})
	require.NoError(t, err)
	defer bus.Close()

	_, err = Attach(bus, nil, DefaultParams(), nil)
	assert.True(t, IsCode(err, ErrInvalidParameters))

	_, err = Attach(bus, NewMockDriver(), Params{TxFlushFirst: 100, TxFlushCount: 10}, nil)
	assert.True(t, IsCode(err, ErrInvalidParameters))
}

func TestAttachFailureReleasesEverything(t *testing.T) {
	iommu := dma.NewIOMMU(dma.Config{})
	faults := dma.NewFaultInjector(iommu)
	bus, err := shmbus.New(shmbus.Config{DMA: faults, Logger: logging.Nop()})
	require.NoError(t, err)

	faults.FailAllocs(1)
	p, err := Attach(bus, NewMockDriver(), DefaultParams(), &Options{Logger: logging.Nop()})
	require.Error(t, err)
	assert.Nil(t, p)
	assert.True(t, IsCode(err, ErrIOError))
	assert.NoError(t, bus.Close())
}

func TestDetachIsIdempotent(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	require.NoError(t, h.p.Detach())
	require.NoError(t, h.p.Detach())
	assert.True(t, h.p.Closed())
	assert.Equal(t, 0, h.iommu.Live())

	err := h.p.Submit(0, frame(peerA, 64))
	assert.True(t, IsCode(err, ErrClosed))
	_, err = h.p.Query(context.Background(), 0, 1, make([]byte, 4))
	assert.True(t, IsCode(err, ErrClosed))
	assert.True(t, IsCode(h.p.DeleteFlow(0), ErrClosed))
	assert.Equal(t, 0, h.p.Poll())
}

func TestSubmitAfterCloseCreatesNoFlow(t *testing.T) {
	h := newHarness(t, harnessConfig{})

	// a Submit that passed its first closed check before Detach began
	h.p.closed.Store(true)
	_, queued, err := h.p.ensureFlow(0, frame(peerA, 64))
	assert.True(t, IsCode(err, ErrClosed))
	assert.False(t, queued)
	assert.Empty(t, h.p.flows.Flows())
}

func TestSubmitRacingDetachCompletesEveryFrame(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	require.NoError(t, h.p.ConfigureAddrMode(0, AddrDirect))
	peers := []HardwareAddr{peerA, peerB, {0x02, 0, 0, 0, 0, 0x0c}, {0x02, 0, 0, 0, 0, 0x0d}}

	var accepted atomic.Int64
	var wg sync.WaitGroup
	start := make(chan struct{})
	for _, peer := range peers {
		wg.Add(1)
		go func(peer HardwareAddr) {
			defer wg.Done()
			<-start
			for i := 0; i < 200; i++ {
				if h.p.Submit(0, frame(peer, 64)) == nil {
					accepted.Add(1)
				}
			}
		}(peer)
	}
	close(start)
	require.NoError(t, h.p.Detach())
	wg.Wait()

	// without firmware no flow opens: every accepted frame is discarded
	assert.Len(t, h.drv.TxCompletions(), int(accepted.Load()))
	assert.Empty(t, h.p.flows.Flows())
}

func TestSubmitRejectsBadFrames(t *testing.T) {
	h := newHarness(t, harnessConfig{})

	assert.True(t, IsCode(h.p.Submit(0, nil), ErrInvalidParameters))
	assert.True(t, IsCode(h.p.Submit(0, NewPacket(make([]byte, EthHeaderLen))), ErrInvalidParameters))
	assert.True(t, IsCode(h.p.Submit(MaxInterfaces, frame(peerA, 64)), ErrInvalidParameters))
}

func TestTxRoundTrip(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	id := h.openFlow(0, peerA)
	require.Equal(t, int32(0), h.p.outstanding[id].Load())

	pkt := frame(peerA, 200)
	require.NoError(t, h.p.Submit(0, pkt))
	h.p.wq.Flush()
	assert.Equal(t, int32(1), h.p.outstanding[id].Load())
	assert.Equal(t, 1, h.p.txIDs.Outstanding())

	h.step()
	assert.Equal(t, int32(0), h.p.outstanding[id].Load())
	assert.Equal(t, 0, h.p.txIDs.Outstanding())

	done := h.drv.TxCompletions()
	require.Len(t, done, 2)
	assert.Same(t, pkt, done[1].Pkt)
	assert.True(t, done[1].OK)
	assert.Equal(t, uint64(2), h.p.Metrics().TxCompleted.Load())
	assert.Equal(t, uint64(64+200), h.p.Metrics().TxBytes.Load())
}

func TestTxFailureStatusReported(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	h.openFlow(0, peerA)

	h.fw.SetTxStatus(3)
	require.NoError(t, h.p.Submit(0, frame(peerA, 64)))
	h.step()

	done := h.drv.TxCompletions()
	require.Len(t, done, 2)
	assert.False(t, done[1].OK)
	assert.Equal(t, uint64(1), h.p.Metrics().TxFailed.Load())
}

func TestRepeatedDestinationSendsOneCreate(t *testing.T) {
	h := newHarness(t, harnessConfig{})

	require.NoError(t, h.p.Submit(0, frame(peerA, 64)))
	require.NoError(t, h.p.Submit(0, frame(peerA, 64)))
	id, ok := h.p.flows.Lookup(peerA, 0, 0)
	require.True(t, ok)

	h.run()
	assert.Equal(t, 1, h.fw.CreateRequests(id))
	assert.Len(t, h.p.flows.Flows(), 1)
	require.Len(t, h.drv.TxCompletions(), 2)
	for _, c := range h.drv.TxCompletions() {
		assert.True(t, c.OK)
	}
}

func TestConcurrentSubmitsShareFlow(t *testing.T) {
	h := newHarness(t, harnessConfig{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.p.Submit(0, frame(peerA, 64)))
		}()
	}
	wg.Wait()
	h.run()

	require.Len(t, h.p.flows.Flows(), 1)
	assert.Equal(t, 1, h.fw.CreateRequests(h.p.flows.Flows()[0].FlowID))
	assert.Len(t, h.drv.TxCompletions(), 8)
}

func TestDirectModeFlowPerDestination(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	require.NoError(t, h.p.ConfigureAddrMode(0, AddrDirect))

	a := h.openFlow(0, peerA)
	b := h.openFlow(0, peerB)
	assert.NotEqual(t, a, b)

	pkt := frame(peerA, 64)
	pkt.Priority = 6
	require.NoError(t, h.p.Submit(0, pkt))
	h.run()
	assert.Len(t, h.p.flows.Flows(), 3)

	var tids []uint8
	for _, f := range h.p.Stats().Flows {
		tids = append(tids, f.FIFO)
	}
	assert.Contains(t, tids, uint8(3))
}

func TestCreateNackRemovesFlow(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	coherent := h.iommu.Stats().Coherent

	h.fw.SetCreateStatus(5)
	require.NoError(t, h.p.Submit(0, frame(peerA, 64)))
	id, ok := h.p.flows.Lookup(peerA, 0, 0)
	require.True(t, ok)
	h.run()

	_, ok = h.p.flows.State(id)
	assert.False(t, ok)
	assert.False(t, h.bus.FlowRing(id).Configured())
	assert.Equal(t, coherent, h.iommu.Stats().Coherent)
	assert.Equal(t, uint64(1), h.p.Metrics().FlowCreateFailures.Load())

	done := h.drv.TxCompletions()
	require.Len(t, done, 1)
	assert.False(t, done[0].OK)
}

func TestCreateAllocFailureRemovesFlow(t *testing.T) {
	h := newHarness(t, harnessConfig{})

	h.faults.FailAllocs(1)
	require.NoError(t, h.p.Submit(0, frame(peerA, 64)))
	h.p.wq.Flush()

	assert.Empty(t, h.p.flows.Flows())
	assert.Equal(t, 0, h.fw.CreateRequests(0))
	require.Len(t, h.drv.TxCompletions(), 1)
	assert.False(t, h.drv.TxCompletions()[0].OK)

	// the next frame gets a fresh flow
	h.openFlow(0, peerA)
}

func TestCreateSkipsFlowNotAwaitingCreation(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	coherent := h.iommu.Stats().Coherent

	release := h.gateWorker()
	require.NoError(t, h.p.Submit(0, frame(peerA, 64)))
	id, ok := h.p.flows.Lookup(peerA, 0, 0)
	require.True(t, ok)
	require.NoError(t, h.p.flows.SetState(id, FlowCreateSent))
	release()
	h.p.wq.Flush()

	// nothing was bound to the ring of a flow another create owns
	assert.Equal(t, coherent, h.iommu.Stats().Coherent)
	assert.Nil(t, h.p.flowMem[id])
	assert.False(t, h.bus.FlowRing(id).Configured())
	h.fw.Step()
	assert.Equal(t, 0, h.fw.CreateRequests(id))
}

// Scenario A: two receive slots, a completion on slot 0 frees it and the
// refill lands in slot 0 again
func TestRxRefillReusesSlot(t *testing.T) {
	h := newHarness(t, harnessConfig{params: Params{RxPktIDs: 2, MaxRxBufPost: 2}})

	require.True(t, h.p.rxIDs.InUse(0))
	require.True(t, h.p.rxIDs.InUse(1))
	require.Equal(t, 2, h.p.Stats().RxDataPosted)
	require.Equal(t, 0, h.p.Stats().EventsPosted)

	h.fw.Step()
	payload := frame(peerA, 60).Data()
	require.NoError(t, h.fw.InjectRx(0, payload, FrameEthernet))
	assert.Equal(t, 1, h.p.Poll())

	frames := h.drv.RxFrames()
	require.Len(t, frames, 1)
	assert.Equal(t, payload, frames[0].Data)

	assert.True(t, h.p.rxIDs.InUse(0))
	assert.True(t, h.p.rxIDs.InUse(1))
	assert.Equal(t, 2, h.p.Stats().RxDataPosted)

	h.fw.Step()
	data, _, _ := h.fw.Posted()
	assert.Equal(t, 2, data)

	// the refilled slot carries the next frame
	require.NoError(t, h.fw.InjectRx(0, payload, FrameEthernet))
	require.NoError(t, h.fw.InjectRx(0, payload, FrameEthernet))
	h.p.Poll()
	assert.Len(t, h.drv.RxFrames(), 3)
}

// Scenario B: 40 frames on an open flow go out in two commits and their
// statuses bring the outstanding count back to zero
func TestTxBatchCommits(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	id := h.openFlow(0, peerA)

	h.fw.HoldTx(true)
	release := h.gateWorker()
	for i := 0; i < 40; i++ {
		require.NoError(t, h.p.Submit(0, frame(peerA, 100)))
	}
	assert.Equal(t, 40, h.p.flows.QueueLen(id))

	before := h.bus.Rings()
	release()
	h.p.wq.Flush()
	assert.Equal(t, uint64(2), h.bus.Rings()-before)
	assert.Equal(t, int32(40), h.p.outstanding[id].Load())
	assert.Equal(t, 0, h.p.flows.QueueLen(id))

	h.fw.HoldTx(false)
	h.fw.Step()
	assert.Equal(t, 40, h.p.Poll())
	assert.Equal(t, int32(0), h.p.outstanding[id].Load())
	assert.Len(t, h.drv.TxCompletions(), 41)
}

func TestTxExhaustedHandlesRequeue(t *testing.T) {
	h := newHarness(t, harnessConfig{params: Params{TxPktIDs: 4}})
	id := h.openFlow(0, peerA)

	h.fw.HoldTx(true)
	for i := 0; i < 10; i++ {
		require.NoError(t, h.p.Submit(0, frame(peerA, 64)))
	}
	h.p.wq.Flush()
	assert.Equal(t, int32(4), h.p.outstanding[id].Load())
	assert.Equal(t, 6, h.p.flows.QueueLen(id))
	assert.NotZero(t, h.p.Metrics().TxRequeued.Load())

	h.fw.HoldTx(false)
	h.run()
	assert.Equal(t, 0, h.p.flows.QueueLen(id))
	assert.Len(t, h.drv.TxCompletions(), 11)
	for _, c := range h.drv.TxCompletions() {
		assert.True(t, c.OK)
	}
}

func TestTxIdleFlowDrainsAfterIDsFreed(t *testing.T) {
	h := newHarness(t, harnessConfig{params: Params{TxPktIDs: 4}})
	require.NoError(t, h.p.ConfigureAddrMode(0, AddrDirect))
	a := h.openFlow(0, peerA)
	b := h.openFlow(0, peerB)

	// b holds every packet id
	h.fw.HoldTx(true)
	for i := 0; i < 4; i++ {
		require.NoError(t, h.p.Submit(0, frame(peerB, 64)))
	}
	h.p.wq.Flush()
	require.Equal(t, int32(4), h.p.outstanding[b].Load())

	for i := 0; i < 2; i++ {
		require.NoError(t, h.p.Submit(0, frame(peerA, 64)))
	}
	h.p.wq.Flush()
	require.Equal(t, 2, h.p.flows.QueueLen(a))
	require.Equal(t, int32(0), h.p.outstanding[a].Load())

	h.fw.HoldTx(false)
	h.run()
	assert.Equal(t, 0, h.p.flows.QueueLen(a))
	assert.Equal(t, 0, h.p.flows.QueueLen(b))
	assert.Equal(t, 0, h.p.txIDs.Outstanding())
	assert.Len(t, h.drv.TxCompletions(), 8)
	for _, c := range h.drv.TxCompletions() {
		assert.True(t, c.OK)
	}
}

// Scenario C: deleting a flow with frames still queued discards them
func TestDeleteFlowDiscardsQueued(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	id := h.openFlow(0, peerA)

	for i := 0; i < 3; i++ {
		_, err := h.p.flows.Enqueue(id, frame(peerA, 64))
		require.NoError(t, err)
	}
	require.NoError(t, h.p.DeleteFlow(id))
	s, ok := h.p.flows.State(id)
	require.True(t, ok)
	assert.Equal(t, FlowDeleteSent, s)

	h.step()
	_, ok = h.p.flows.State(id)
	assert.False(t, ok)
	assert.False(t, h.bus.FlowRing(id).Configured())
	assert.False(t, h.fw.FlowOpen(id))

	done := h.drv.TxCompletions()
	require.Len(t, done, 4)
	for _, c := range done[1:] {
		assert.False(t, c.OK)
	}
	assert.Equal(t, uint64(3), h.p.Metrics().TxDropped.Load())
	assert.Equal(t, uint64(1), h.p.Metrics().FlowsDeleted.Load())
}

func TestDeleteNackStillRemoves(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	id := h.openFlow(0, peerA)

	h.fw.SetDeleteStatus(2)
	require.NoError(t, h.p.DeleteFlow(id))
	h.step()
	_, ok := h.p.flows.State(id)
	assert.False(t, ok)
}

func TestDeleteFlowBusDown(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	id := h.openFlow(0, peerA)

	h.bus.SetUp(false)
	require.NoError(t, h.p.DeleteFlow(id))
	_, ok := h.p.flows.State(id)
	assert.False(t, ok)
	h.bus.SetUp(true)
}

func TestDeleteFlowNotOpen(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	assert.True(t, IsCode(h.p.DeleteFlow(3), ErrNotFound))

	require.NoError(t, h.p.Submit(0, frame(peerA, 64)))
	id, _ := h.p.flows.Lookup(peerA, 0, 0)
	assert.True(t, IsCode(h.p.DeleteFlow(id), ErrInvalidState))
}

func TestForgetPeer(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	require.NoError(t, h.p.ConfigureAddrMode(0, AddrDirect))
	a := h.openFlow(0, peerA)
	b := h.openFlow(0, peerB)

	require.NoError(t, h.p.ForgetPeer(0, peerA))
	h.step()
	_, ok := h.p.flows.State(a)
	assert.False(t, ok)
	_, ok = h.p.flows.State(b)
	assert.True(t, ok)
}

func TestAddrModeChangeDeletesFlows(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	h.openFlow(0, peerA)

	require.NoError(t, h.p.ConfigureAddrMode(0, AddrDirect))
	h.step()
	assert.Empty(t, h.p.flows.Flows())
}

func TestTDLSPeerGetsOwnFlow(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	a := h.openFlow(0, peerA)

	require.NoError(t, h.p.AddTDLSPeer(0, peerB))
	b := h.openFlow(0, peerB)
	assert.NotEqual(t, a, b)
}

func TestFlowControlBlocksInterface(t *testing.T) {
	h := newHarness(t, harnessConfig{params: Params{FlowHighWatermark: 4, FlowLowWatermark: 2}})

	for i := 0; i < 5; i++ {
		require.NoError(t, h.p.Submit(1, frame(peerA, 64)))
	}
	assert.Equal(t, []FlowBlock{{IfIdx: 1, Blocked: true}}, h.drv.FlowBlocks())

	h.run()
	assert.Equal(t, []FlowBlock{{IfIdx: 1, Blocked: true}, {IfIdx: 1, Blocked: false}}, h.drv.FlowBlocks())
	assert.Len(t, h.drv.TxCompletions(), 5)
}

func TestLoopback(t *testing.T) {
	h := newHarness(t, harnessConfig{loopback: true})
	h.openFlow(2, peerA)

	frames := h.drv.RxFrames()
	require.Len(t, frames, 1)
	assert.Equal(t, 2, frames[0].IfIdx)
	assert.Equal(t, frame(peerA, 64).Data(), frames[0].Data)
	// one completion stays above the refill threshold
	assert.Equal(t, h.bus.MaxRxBufPost()-1, h.p.Stats().RxDataPosted)
}

func TestRxDataOffsetPulled(t *testing.T) {
	iommu := dma.NewIOMMU(dma.Config{})
	bus, err := shmbus.New(shmbus.Config{DMA: iommu, RxDataOffset: 8, Logger: logging.Nop()})
	require.NoError(t, err)
	drv := NewMockDriver()
	p, err := Attach(bus, drv, Params{RxMetadataOffset: 16}, &Options{Logger: logging.Nop()})
	require.NoError(t, err)
	fw, err := fwsim.New(fwsim.Config{Bus: bus, Logger: logging.Nop()})
	require.NoError(t, err)

	fw.Step()
	payload := []byte("0123456789abcdef0123456789abcdef")
	require.NoError(t, fw.InjectRx(0, payload, FrameEthernet))
	p.Poll()
	require.Len(t, drv.RxFrames(), 1)
	assert.Equal(t, payload, drv.RxFrames()[0].Data)

	p.Release(drv.RxFrames()[0].Pkt)
	require.NoError(t, p.Detach())
	require.NoError(t, bus.Close())
}

func TestMonitorFrames(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	h.fw.Step()

	raw := bytes.Repeat([]byte{0xaa}, 40)
	require.NoError(t, h.fw.InjectRx(3, raw, Frame80211))
	h.p.Poll()

	mon := h.drv.MonitorFrames()
	require.Len(t, mon, 1)
	assert.Equal(t, 3, mon[0].IfIdx)
	assert.Equal(t, raw, mon[0].Data)
	assert.Empty(t, h.drv.RxFrames())
	assert.Equal(t, uint64(1), h.p.Metrics().RxMonitor.Load())
	h.p.Release(mon[0].Pkt)
}

// plainDriver hides the optional interfaces of a MockDriver
type plainDriver struct{ m *MockDriver }

func (d plainDriver) TxComplete(ifidx int, pkt *Packet, ok bool) {
	d.m.TxComplete(ifidx, pkt, ok)
}

func (d plainDriver) RxData(ifidx int, pkt *Packet) bool {
	return d.m.RxData(ifidx, pkt)
}

func (d plainDriver) RxEvent(ifidx int, data []byte) {
	d.m.RxEvent(ifidx, data)
}

func TestMonitorFrameWithoutMonitorDropped(t *testing.T) {
	drv := NewMockDriver()
	h := newHarness(t, harnessConfig{driver: plainDriver{drv}})
	h.fw.Step()
	outstanding := h.p.pool.Outstanding()

	require.NoError(t, h.fw.InjectRx(0, bytes.Repeat([]byte{1}, 40), Frame80211))
	h.p.Poll()
	assert.Equal(t, uint64(1), h.p.Metrics().RxDropped.Load())
	assert.Equal(t, outstanding-1, h.p.pool.Outstanding())
	assert.Empty(t, drv.RxFrames())
}

func TestRejectedRxReleased(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	h.fw.Step()
	h.drv.SetRejectRx(true)
	outstanding := h.p.pool.Outstanding()

	require.NoError(t, h.fw.InjectRx(9, frame(peerA, 64).Data(), FrameEthernet))
	h.p.Poll()
	assert.Equal(t, uint64(1), h.p.Metrics().RxDropped.Load())
	assert.Equal(t, outstanding-1, h.p.pool.Outstanding())
}

func TestEventsDelivered(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	h.fw.Step()

	require.NoError(t, h.fw.InjectEvent(1, []byte("link up")))
	require.NoError(t, h.fw.InjectEvent(0, []byte("scan done")))
	assert.Equal(t, 2, h.p.Poll())

	assert.Equal(t, []Event{{IfIdx: 1, Data: []byte("link up")}, {IfIdx: 0, Data: []byte("scan done")}}, h.drv.Events())
	assert.Equal(t, 8, h.p.Stats().EventsPosted)
	assert.Equal(t, uint64(2), h.p.Metrics().Events.Load())

	h.fw.Step()
	_, events, _ := h.fw.Posted()
	assert.Equal(t, 8, events)
}

func TestProtocolAnomaliesCounted(t *testing.T) {
	h := newHarness(t, harnessConfig{})

	require.NoError(t, h.fw.InjectRaw(ControlCompleteRing, &wire.FlowRingResp{
		Hdr: wire.CommonHeader{MsgType: wire.TypeFlowRingFlushCmplt},
	}))
	require.NoError(t, h.fw.InjectRaw(ControlCompleteRing, &wire.FlowRingResp{
		Hdr:  wire.CommonHeader{MsgType: wire.TypeFlowRingCreateCmplt},
		Cmpl: wire.CompletionHeader{FlowRingID: 1},
	}))
	require.NoError(t, h.fw.InjectRaw(TxCompleteRing, &wire.TxStatus{
		Hdr:  wire.CommonHeader{RequestID: 77},
		Cmpl: wire.CompletionHeader{FlowRingID: FlowRingIDStart},
	}))
	require.NoError(t, h.fw.InjectRaw(RxCompleteRing, &wire.RxComplete{
		Hdr: wire.CommonHeader{RequestID: 4000},
	}))
	require.NoError(t, h.fw.InjectRaw(ControlCompleteRing, &wire.GenStatus{}))

	assert.Equal(t, 5, h.p.Poll())
	m := h.p.Metrics()
	assert.Equal(t, uint64(1), m.UnknownMessages.Load())
	assert.Equal(t, uint64(1), m.BadFlowIDs.Load())
	assert.Equal(t, uint64(2), m.StaleHandles.Load())
	assert.Empty(t, h.drv.TxCompletions())
}

func TestPollConsumesWrappedRing(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	h.fw.Step()

	// push the rx completion cursor close to the end of the ring
	depth := int(h.bus.CommonRing(RxCompleteRing).Depth())
	for sent := 0; sent < depth-2; {
		n := min(64, depth-2-sent)
		for i := 0; i < n; i++ {
			require.NoError(t, h.fw.InjectRx(0, frame(peerA, 64).Data(), FrameEthernet))
		}
		h.p.Poll()
		h.fw.Step()
		sent += n
	}
	h.drv.Reset()

	for i := 0; i < 5; i++ {
		require.NoError(t, h.fw.InjectRx(0, frame(peerA, 64).Data(), FrameEthernet))
	}
	assert.Equal(t, 5, h.p.Poll())
	assert.Len(t, h.drv.RxFrames(), 5)
}

func TestIoctlQuery(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.runFirmware(ctx)

	buf := []byte("ver\x00\x00\x00\x00\x00")
	resp, err := h.p.Query(ctx, 0, 262, buf)
	require.NoError(t, err)
	assert.Equal(t, 0, resp.Status)
	assert.Equal(t, len(buf), resp.Len)
	assert.Equal(t, []byte("ver\x00\x00\x00\x00\x00"), buf)
	assert.Equal(t, uint16(1), h.p.Stats().IoctlTransID)
	assert.Equal(t, uint64(1), h.p.Metrics().IoctlOps.Load())
}

// runFirmware steps the simulator in the background, polling the protocol
// after every step, until ctx ends
func (h *harness) runFirmware(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ctx.Err() == nil {
			h.fw.Step()
			h.p.Poll()
			time.Sleep(100 * time.Microsecond)
		}
	}()
	h.t.Cleanup(wg.Wait)
}

func TestIoctlSetStatus(t *testing.T) {
	var gotCmd uint32
	var gotIn []byte
	handler := func(ifidx int, cmd uint32, in, out []byte) (int16, int) {
		gotCmd = cmd
		gotIn = append([]byte(nil), in...)
		return -23, 0
	}
	h := newHarness(t, harnessConfig{ioctl: handler})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.runFirmware(ctx)

	status, err := h.p.Set(ctx, 1, 20, []byte{1, 0, 0, 0})
	require.NoError(t, err)
	assert.Equal(t, -23, status)
	assert.Equal(t, uint32(20), gotCmd)
	assert.Equal(t, []byte{1, 0, 0, 0}, gotIn)
	assert.Equal(t, uint64(1), h.p.Metrics().IoctlErrors.Load())
}

func TestIoctlTimeoutThenRecovers(t *testing.T) {
	h := newHarness(t, harnessConfig{params: Params{IoctlTimeout: 50 * time.Millisecond}})

	_, err := h.p.Query(context.Background(), 0, 1, make([]byte, 4))
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrTimeout))
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.False(t, h.p.Stats().IoctlBusy)
	assert.Equal(t, uint64(1), h.p.Metrics().IoctlTimeouts.Load())

	// the late answer is dropped and its buffer reposted
	h.fw.Step()
	h.p.Poll()
	assert.Equal(t, 8, h.p.Stats().IoctlRespPosted)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.runFirmware(ctx)
	buf := []byte{9, 9}
	resp, err := h.p.Query(ctx, 0, 2, buf)
	require.NoError(t, err)
	assert.Equal(t, 2, resp.Len)
}

func TestIoctlContextCancel(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := h.p.Query(ctx, 0, 1, make([]byte, 4))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, h.p.Stats().IoctlBusy)
}

func TestIoctlSerialized(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.runFirmware(ctx)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			buf := []byte{byte(i), 0, 0, 0}
			resp, err := h.p.Query(ctx, 0, 5, buf)
			assert.NoError(t, err)
			assert.Equal(t, 4, resp.Len)
			assert.Equal(t, byte(i), buf[0])
		}(i)
	}
	wg.Wait()
	assert.Equal(t, uint16(4), h.p.Stats().IoctlTransID)
}

func TestDetachDiscardsQueuedFrames(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	id := h.openFlow(0, peerA)

	h.fw.HoldTx(true)
	require.NoError(t, h.p.Submit(0, frame(peerA, 64)))
	h.p.wq.Flush()
	_, err := h.p.flows.Enqueue(id, frame(peerA, 64))
	require.NoError(t, err)
	require.NoError(t, h.p.Submit(0, frame(peerB, 64)))

	require.NoError(t, h.p.Detach())
	assert.Empty(t, h.p.flows.Flows())
	assert.Equal(t, 0, h.p.txIDs.Outstanding())
	assert.Equal(t, 0, h.p.rxIDs.Outstanding())
	assert.Equal(t, 0, h.iommu.Live())
}

func TestStatsSnapshot(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	id := h.openFlow(0, peerA)

	st := h.p.Stats()
	require.Len(t, st.Flows, 1)
	f := st.Flows[0]
	assert.Equal(t, id, f.FlowID)
	assert.Equal(t, "open", f.State)
	assert.Equal(t, 0, f.Outstanding)
	assert.Equal(t, uint32(TxFlowRingMaxItems), f.Ring.Depth)
	assert.Equal(t, f.Ring.ReadIdx, f.Ring.WriteIdx)
	assert.Equal(t, uint32(1), f.Ring.WriteIdx)
	assert.Equal(t, "ctrl_submit", st.Rings[0].Name)
}
