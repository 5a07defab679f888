// Package shmbus is an in-process shared-memory bus. It owns the five common
// rings and the index words of every flow ring, and gives the device side its
// own views of the same memory.
package shmbus

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"

	"github.com/ehrlich-b/go-msgbuf/internal/constants"
	"github.com/ehrlich-b/go-msgbuf/internal/dma"
	"github.com/ehrlich-b/go-msgbuf/internal/errs"
	"github.com/ehrlich-b/go-msgbuf/internal/logging"
	"github.com/ehrlich-b/go-msgbuf/internal/ring"
)

// Geometry of one common ring
type Geometry struct {
	Name     string
	MaxItems uint32
	ItemSize int
}

// CommonRings lists the common ring geometry indexed by ring id
var CommonRings = [constants.NumCommonRings]Geometry{
	constants.ControlSubmitRing:   {"ctrl_submit", constants.ControlSubmitMaxItems, constants.ControlSubmitItemSize},
	constants.RxPostSubmitRing:    {"rxpost_submit", constants.RxPostSubmitMaxItems, constants.RxPostSubmitItemSize},
	constants.ControlCompleteRing: {"ctrl_complete", constants.ControlCompleteMaxItems, constants.ControlCompleteItemSize},
	constants.TxCompleteRing:      {"tx_complete", constants.TxCompleteMaxItems, constants.TxCompleteItemSize},
	constants.RxCompleteRing:      {"rx_complete", constants.RxCompleteMaxItems, constants.RxCompleteItemSize},
}

// Config controls bus construction
type Config struct {
	// DMA is the device's DMA service. Defaults to a fresh simulated IOMMU.
	DMA dma.Device

	// MaxFlowRings is the number of flow rings the device supports
	MaxFlowRings int

	// RxDataOffset is pulled from event and data buffers that carry no
	// explicit offset
	RxDataOffset int

	// MaxRxBufPost is the device's receive data buffer target
	MaxRxBufPost int

	Logger *logging.Logger
}

// Bus is the shared-memory bus
type Bus struct {
	cfg    Config
	dev    dma.Device
	logger *logging.Logger

	idx    [constants.NumCommonRings]ring.Indices
	mem    [constants.NumCommonRings]*dma.Coherent
	common [constants.NumCommonRings]*ring.Ring

	flowIdx []ring.Indices
	flows   []*ring.Ring

	up       atomic.Bool
	doorbell chan struct{}
	rings    atomic.Uint64

	closeOnce sync.Once
	closeErr  error
}

// New allocates the common rings. A failure releases whatever was allocated.
func New(cfg Config) (*Bus, error) {
	if cfg.DMA == nil {
		cfg.DMA = dma.NewIOMMU(dma.Config{})
	}
	if cfg.MaxFlowRings <= 0 {
		cfg.MaxFlowRings = constants.DefaultMaxFlowRings
	}
	if cfg.MaxRxBufPost <= 0 {
		cfg.MaxRxBufPost = constants.DefaultMaxRxBufPost
	}
	if cfg.RxDataOffset < 0 {
		return nil, errs.New("bus_init", errs.InvalidParameters, "negative rx data offset")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}

	b := &Bus{
		cfg:      cfg,
		dev:      cfg.DMA,
		logger:   logger.WithComponent("shmbus"),
		flowIdx:  make([]ring.Indices, cfg.MaxFlowRings),
		flows:    make([]*ring.Ring, cfg.MaxFlowRings),
		doorbell: make(chan struct{}, 1),
	}

	for id, g := range CommonRings {
		mem, err := b.dev.AllocCoherent(int(g.MaxItems) * g.ItemSize)
		if err != nil {
			_ = b.Close()
			return nil, errs.NewRingError("bus_init", g.Name, errs.IOError, err.Error())
		}
		b.mem[id] = mem
		r := ring.New(g.Name, &b.idx[id])
		if err := r.Config(g.MaxItems, g.ItemSize, mem.Buf, mem.Addr); err != nil {
			_ = b.Close()
			return nil, err
		}
		r.SetBell(b.ring)
		b.common[id] = r
	}
	for i := range b.flows {
		r := ring.New(fmt.Sprintf("flow%d", i), &b.flowIdx[i])
		r.SetBell(b.ring)
		b.flows[i] = r
	}

	b.up.Store(true)
	b.logger.Debug("bus ready", "flow_rings", cfg.MaxFlowRings, "rx_data_offset", cfg.RxDataOffset)
	return b, nil
}

// ring is the bell hook of every host-side submission ring
func (b *Bus) ring() error {
	b.rings.Add(1)
	select {
	case b.doorbell <- struct{}{}:
	default:
	}
	return nil
}

// Doorbell fires (coalesced) whenever the host commits a submission
func (b *Bus) Doorbell() <-chan struct{} {
	return b.doorbell
}

// Rings returns how many times the doorbell was rung
func (b *Bus) Rings() uint64 {
	return b.rings.Load()
}

// DMA returns the bus DMA service
func (b *Bus) DMA() dma.Device {
	return b.dev
}

// CommonRing returns the host view of common ring id
func (b *Bus) CommonRing(id int) *ring.Ring {
	if id < 0 || id >= constants.NumCommonRings {
		return nil
	}
	return b.common[id]
}

// FlowRing returns the host view of flow ring flowid. It is unconfigured
// until the protocol binds memory to it.
func (b *Bus) FlowRing(flowid uint16) *ring.Ring {
	if int(flowid) >= len(b.flows) {
		return nil
	}
	return b.flows[flowid]
}

// MaxFlowRings returns the number of flow rings
func (b *Bus) MaxFlowRings() int {
	return len(b.flows)
}

// RxDataOffset returns the receive data offset
func (b *Bus) RxDataOffset() int {
	return b.cfg.RxDataOffset
}

// MaxRxBufPost returns the receive data buffer target
func (b *Bus) MaxRxBufPost() int {
	return b.cfg.MaxRxBufPost
}

// IsUp reports whether the device link is up
func (b *Bus) IsUp() bool {
	return b.up.Load()
}

// SetUp changes the link state
func (b *Bus) SetUp(up bool) {
	b.up.Store(up)
}

// DeviceRing returns a device-side view of common ring id
func (b *Bus) DeviceRing(id int) (*ring.Ring, error) {
	if id < 0 || id >= constants.NumCommonRings || b.mem[id] == nil {
		return nil, errs.New("bus_device_ring", errs.InvalidParameters, fmt.Sprintf("no common ring %d", id))
	}
	g := CommonRings[id]
	r := ring.New(g.Name, &b.idx[id])
	if err := r.Config(g.MaxItems, g.ItemSize, b.mem[id].Buf, b.mem[id].Addr); err != nil {
		return nil, err
	}
	return r, nil
}

// DeviceFlowRing returns a device-side view of flow ring flowid bound to the
// memory the host announced at addr
func (b *Bus) DeviceFlowRing(flowid uint16, maxItems uint32, itemSize int, addr dma.Addr) (*ring.Ring, error) {
	if int(flowid) >= len(b.flows) {
		return nil, errs.NewFlowError("bus_device_ring", int(flowid), errs.InvalidParameters, "flow id out of range")
	}
	res, ok := b.dev.(dma.Resolver)
	if !ok {
		return nil, errs.New("bus_device_ring", errs.InvalidState, "DMA service cannot resolve addresses")
	}
	mem, err := res.Resolve(addr, int(maxItems)*itemSize)
	if err != nil {
		return nil, errs.NewFlowError("bus_device_ring", int(flowid), errs.IOError, err.Error())
	}
	r := ring.New(fmt.Sprintf("flow%d", flowid), &b.flowIdx[flowid])
	if err := r.Config(maxItems, itemSize, mem, addr); err != nil {
		return nil, err
	}
	return r, nil
}

// Resolve gives the device side access to host memory at addr
func (b *Bus) Resolve(addr dma.Addr, size int) ([]byte, error) {
	res, ok := b.dev.(dma.Resolver)
	if !ok {
		return nil, errs.New("bus_resolve", errs.InvalidState, "DMA service cannot resolve addresses")
	}
	return res.Resolve(addr, size)
}

// RingInfo is a snapshot of one ring's shared indices
type RingInfo struct {
	Name     string
	ReadIdx  uint32
	WriteIdx uint32
	Depth    uint32
	ItemSize int
}

// CommonRingInfo snapshots every common ring
func (b *Bus) CommonRingInfo() []RingInfo {
	out := make([]RingInfo, 0, constants.NumCommonRings)
	for id, g := range CommonRings {
		out = append(out, RingInfo{
			Name:     g.Name,
			ReadIdx:  b.idx[id].R.Load(),
			WriteIdx: b.idx[id].W.Load(),
			Depth:    g.MaxItems,
			ItemSize: g.ItemSize,
		})
	}
	return out
}

// FlowRingInfo snapshots the shared indices of flow ring flowid
func (b *Bus) FlowRingInfo(flowid uint16) RingInfo {
	if int(flowid) >= len(b.flows) {
		return RingInfo{}
	}
	return RingInfo{
		Name:     b.flows[flowid].Name(),
		ReadIdx:  b.flowIdx[flowid].R.Load(),
		WriteIdx: b.flowIdx[flowid].W.Load(),
		Depth:    constants.TxFlowRingMaxItems,
		ItemSize: constants.TxFlowRingItemSize,
	}
}

type liveCounter interface {
	Live() int
}

// Close takes the link down and frees the common rings. It reports flow
// rings the protocol left bound and streaming mappings it leaked.
func (b *Bus) Close() error {
	b.closeOnce.Do(func() {
		b.up.Store(false)
		var err error

		for i, r := range b.flows {
			if r != nil && r.Configured() {
				err = multierr.Append(err, errs.NewFlowError("bus_close", i, errs.InvalidState, "flow ring still bound"))
			}
		}
		for id := range b.common {
			if r := b.common[id]; r != nil {
				r.Release()
				b.common[id] = nil
			}
			if b.mem[id] != nil {
				b.dev.FreeCoherent(b.mem[id])
				b.mem[id] = nil
			}
		}
		if lc, ok := b.dev.(liveCounter); ok {
			if n := lc.Live(); n > 0 {
				err = multierr.Append(err, errs.New("bus_close", errs.InvalidState,
					fmt.Sprintf("%d streaming mappings still live", n)))
			}
		}

		b.closeErr = err
		if err != nil {
			b.logger.Warn("bus closed with leaks", "error", err)
		}
	})
	return b.closeErr
}
