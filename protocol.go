// Package msgbuf implements the host side of a message-buffer protocol
// between a network driver and its device firmware. Control requests,
// transmit descriptors and receive buffers travel through shared-memory rings;
// the firmware answers through completion rings the protocol polls.
package msgbuf

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"

	"github.com/ehrlich-b/go-msgbuf/internal/constants"
	"github.com/ehrlich-b/go-msgbuf/internal/ctrl"
	"github.com/ehrlich-b/go-msgbuf/internal/dma"
	"github.com/ehrlich-b/go-msgbuf/internal/flowring"
	"github.com/ehrlich-b/go-msgbuf/internal/logging"
	"github.com/ehrlich-b/go-msgbuf/internal/pktbuf"
	"github.com/ehrlich-b/go-msgbuf/internal/pktid"
	"github.com/ehrlich-b/go-msgbuf/internal/ring"
	"github.com/ehrlich-b/go-msgbuf/internal/shmbus"
	"github.com/ehrlich-b/go-msgbuf/internal/workqueue"
)

// Bus is the transport below the protocol: the common rings, one ring
// handle per flow, and the DMA service that backs them.
type Bus interface {
	DMA() dma.Device
	CommonRing(id int) *ring.Ring
	FlowRing(flowid uint16) *ring.Ring
	MaxFlowRings() int
	RxDataOffset() int
	MaxRxBufPost() int
	IsUp() bool
}

var _ Bus = (*shmbus.Bus)(nil)

// Options contains additional options for Attach
type Options struct {
	// Logger for protocol messages (if nil, uses the default logger)
	Logger *Logger

	// Observer for metrics collection (if nil, records to the built-in Metrics)
	Observer Observer
}

// flowCreate is a pending FLOW_RING_CREATE handed to the flow worker
type flowCreate struct {
	flowid uint16
	ifidx  int
	da     flowring.Addr
	sa     flowring.Addr
}

// Protocol is one attached protocol instance
type Protocol struct {
	params Params
	bus    Bus
	dev    dma.Device
	drv    Driver
	fc     FlowControlDriver
	mon    MonitorDriver
	logger *logging.Logger

	metrics  *Metrics
	observer Observer

	ctrlRing   *ring.Ring
	rxPostRing *ring.Ring
	ctrlCmpl   *ring.Ring
	txCmpl     *ring.Ring
	rxCmpl     *ring.Ring

	rxDataOffset int

	pool  *pktbuf.Pool
	txIDs *pktid.Table
	rxIDs *pktid.Table
	flows *flowring.Table
	ioctl *ctrl.Correlator

	scratch *dma.Coherent

	wq       *workqueue.Queue
	flowWork *workqueue.Work
	txWork   *workqueue.Work

	// pending creates; guarded by workMu, never held with a ring lock
	workMu  sync.Mutex
	creates []flowCreate

	// serializes lookup-or-create so a destination gets one create
	createMu sync.Mutex

	// flowMem[i] is guarded by flow ring i's lock
	flowMem     []*dma.Coherent
	outstanding []atomic.Int32
	flowMap     *bitmap
	statusDone  *bitmap
	txStarved   atomic.Bool

	rxPosted    atomic.Int32
	eventPosted atomic.Int32
	ioctlPosted atomic.Int32

	dispatchMu sync.Mutex
	closed     atomic.Bool
	detachOnce sync.Once
	detachErr  error
}

// Attach binds a protocol instance to bus and posts the initial receive
// buffers. drv receives every completed transmit, received frame and event.
//
// Example:
//
//	bus, _ := shmbus.New(shmbus.Config{})
//	p, err := msgbuf.Attach(bus, drv, msgbuf.DefaultParams(), nil)
func Attach(bus Bus, drv Driver, params Params, options *Options) (*Protocol, error) {
	if bus == nil || drv == nil {
		return nil, NewError("attach", ErrInvalidParameters, "bus and driver are required")
	}
	if err := params.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	if options == nil {
		options = &Options{}
	}
	logger := options.Logger
	if logger == nil {
		logger = logging.Default()
	}

	nflows := bus.MaxFlowRings()
	if nflows <= 0 {
		return nil, NewError("attach", ErrInvalidParameters, "bus has no flow rings")
	}
	if params.MaxRxBufPost == 0 {
		params.MaxRxBufPost = bus.MaxRxBufPost()
	}
	rxDataOffset := params.RxDataOffset
	if rxDataOffset == 0 {
		rxDataOffset = bus.RxDataOffset()
	}

	metrics := NewMetrics()
	var observer Observer = NewMetricsObserver(metrics)
	if options.Observer != nil {
		observer = options.Observer
	}

	p := &Protocol{
		params:       params,
		bus:          bus,
		dev:          bus.DMA(),
		drv:          drv,
		logger:       logger.WithComponent("msgbuf"),
		metrics:      metrics,
		observer:     observer,
		ctrlRing:     bus.CommonRing(constants.ControlSubmitRing),
		rxPostRing:   bus.CommonRing(constants.RxPostSubmitRing),
		ctrlCmpl:     bus.CommonRing(constants.ControlCompleteRing),
		txCmpl:       bus.CommonRing(constants.TxCompleteRing),
		rxCmpl:       bus.CommonRing(constants.RxCompleteRing),
		rxDataOffset: rxDataOffset,
		pool:         pktbuf.NewPool(params.BufferLimit),
		flowMem:      make([]*dma.Coherent, nflows),
		outstanding:  make([]atomic.Int32, nflows),
		flowMap:      newBitmap(nflows),
		statusDone:   newBitmap(nflows),
	}
	if p.dev == nil || p.ctrlRing == nil || p.rxPostRing == nil || p.ctrlCmpl == nil || p.txCmpl == nil || p.rxCmpl == nil {
		return nil, NewError("attach", ErrInvalidParameters, "bus is missing its DMA service or a common ring")
	}
	p.fc, _ = drv.(FlowControlDriver)
	p.mon, _ = drv.(MonitorDriver)

	p.flows = flowring.New(nflows,
		flowring.WithWatermarks(params.FlowHighWatermark, params.FlowLowWatermark),
		flowring.WithBlockFunc(p.onFlowBlock),
		flowring.WithDiscardFunc(p.onDiscard))
	p.txIDs = pktid.New(p.dev, dma.ToDevice, params.TxPktIDs)
	p.rxIDs = pktid.New(p.dev, dma.FromDevice, params.RxPktIDs)

	p.wq = workqueue.New("msgbuf_txflow")
	p.flowWork = workqueue.NewWork(p.flowWorker)
	p.txWork = workqueue.NewWork(p.txWorker)

	scratch, err := p.dev.AllocCoherent(constants.IoctlMaxMsgSize)
	if err != nil {
		_ = p.Detach()
		return nil, NewError("attach", ErrIOError, fmt.Sprintf("ioctl buffer: %v", err))
	}
	p.scratch = scratch

	p.ioctl, err = ctrl.New(ctrl.Config{
		Ring:    p.ctrlRing,
		Scratch: scratch,
		RxIDs:   p.rxIDs,
		Pool:    p.pool,
		Timeout: params.IoctlTimeout,
		Logger:  logger,
	})
	if err != nil {
		_ = p.Detach()
		return nil, err
	}

	p.fillRxData()
	p.postEventBufs()
	p.postIoctlRespBufs()

	p.logger.Info("protocol attached",
		"flow_rings", nflows,
		"rx_posted", p.rxPosted.Load(),
		"event_posted", p.eventPosted.Load(),
		"ioctl_posted", p.ioctlPosted.Load())
	return p, nil
}

// Detach stops the flow worker, tears down every flow and releases every
// buffer the protocol holds. It is idempotent and safe on a partially
// attached instance. It must not be called from a Driver callback.
func (p *Protocol) Detach() error {
	p.detachOnce.Do(func() {
		p.closed.Store(true)
		var err error

		// no flow can be created past this point
		p.createMu.Lock()
		p.createMu.Unlock()

		if p.wq != nil {
			p.wq.Cancel(p.flowWork)
			p.wq.Cancel(p.txWork)
			p.wq.Close()
		}

		// pending creates are dropped unrun; their flows go with the rest
		p.workMu.Lock()
		dropped := len(p.creates)
		p.creates = nil
		p.workMu.Unlock()

		p.dispatchMu.Lock()
		if p.flows != nil {
			for _, info := range p.flows.Flows() {
				if rerr := p.removeFlowring(info.FlowID); rerr != nil && !IsCode(rerr, ErrNotFound) {
					err = multierr.Append(err, rerr)
				}
			}
		}
		p.dispatchMu.Unlock()

		if p.scratch != nil {
			p.dev.FreeCoherent(p.scratch)
			p.scratch = nil
		}

		released := 0
		if p.txIDs != nil {
			released += p.txIDs.ReleaseAll(p.pool.Put)
		}
		if p.rxIDs != nil {
			released += p.rxIDs.ReleaseAll(p.pool.Put)
		}

		for i := range p.flowMem {
			r := p.bus.FlowRing(uint16(i))
			if r == nil {
				continue
			}
			r.Lock()
			leaked := p.flowMem[i] != nil
			r.Unlock()
			if leaked {
				err = multierr.Append(err, NewFlowError("detach", i, ErrInvalidState, "flow ring memory still bound"))
			}
		}

		p.metrics.Stop()
		p.detachErr = err
		p.logger.Info("protocol detached", "dropped_creates", dropped, "released_buffers", released)
	})
	return p.detachErr
}

// Closed reports whether Detach has been called
func (p *Protocol) Closed() bool {
	return p.closed.Load()
}

// Metrics returns the built-in metrics
func (p *Protocol) Metrics() *Metrics {
	return p.metrics
}

// Params returns the effective parameters
func (p *Protocol) Params() Params {
	return p.params
}

// Release returns a delivered receive buffer to the protocol's pool. Frames
// the driver did not get from the protocol are ignored.
func (p *Protocol) Release(pkt *Packet) {
	p.pool.Put(pkt)
}

// onFlowBlock forwards interface flow control to the driver
func (p *Protocol) onFlowBlock(ifidx int, blocked bool) {
	p.logger.Debug("tx flow control", "ifidx", ifidx, "blocked", blocked)
	if p.fc != nil {
		p.fc.TxFlowBlock(ifidx, blocked)
	}
}

// onDiscard reports a queued frame dropped by flow teardown
func (p *Protocol) onDiscard(ifidx int, pkt *pktbuf.Packet) {
	p.metrics.TxDropped.Add(1)
	p.drv.TxComplete(ifidx, pkt, false)
}
