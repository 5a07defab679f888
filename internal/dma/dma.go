// Package dma models the bus DMA services the protocol consumes: streaming
// mappings for packet buffers and coherent allocations for rings and scratch
// buffers. IOMMU is an in-process implementation that also lets a simulated
// device resolve bus addresses back to memory.
package dma

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// Addr is a bus address as seen by the device
type Addr uint64

// Direction of a streaming mapping
type Direction int

const (
	Bidirectional Direction = iota
	ToDevice
	FromDevice
)

func (d Direction) String() string {
	switch d {
	case ToDevice:
		return "to_device"
	case FromDevice:
		return "from_device"
	}
	return "bidirectional"
}

var (
	ErrMapFailed   = errors.New("dma: mapping failed")
	ErrAllocFailed = errors.New("dma: coherent allocation failed")
	ErrBadAddress  = errors.New("dma: address not mapped")
)

// Device is the DMA contract consumed by the protocol
type Device interface {
	// Map makes buf visible to the device. Mapping failure consumes nothing.
	Map(buf []byte, dir Direction) (Addr, error)
	// Unmap releases a mapping created by Map; size and dir must match.
	Unmap(addr Addr, size int, dir Direction)
	// AllocCoherent allocates zeroed memory shared with the device. May sleep.
	AllocCoherent(size int) (*Coherent, error)
	// FreeCoherent releases memory from AllocCoherent
	FreeCoherent(c *Coherent)
}

// Resolver gives the device side access to mapped memory
type Resolver interface {
	Resolve(addr Addr, size int) ([]byte, error)
}

// Coherent is a device-shared allocation
type Coherent struct {
	Buf  []byte
	Addr Addr

	mem []byte // whole mapping, page rounded
}

// Config controls the simulated IOMMU
type Config struct {
	// Base is the first bus address handed out. Defaults above 4GiB so the
	// high half of split addresses is exercised.
	Base Addr
	// MaxMappings caps live mappings (0 = unlimited)
	MaxMappings int
}

type mapping struct {
	buf      []byte
	dir      Direction
	coherent *Coherent
}

// Stats is a snapshot of IOMMU activity
type Stats struct {
	Live       int
	Maps       uint64
	Unmaps     uint64
	Coherent   int
	BadUnmaps  uint64
	MapFailure uint64
}

// IOMMU is the in-process Device implementation
type IOMMU struct {
	mu    sync.Mutex
	cfg   Config
	next  Addr
	maps  map[Addr]*mapping
	nCoh  int
	nMaps atomic.Uint64
	nUnm  atomic.Uint64
	bad   atomic.Uint64
	fail  atomic.Uint64
}

// NewIOMMU creates a simulated IOMMU
func NewIOMMU(cfg Config) *IOMMU {
	if cfg.Base == 0 {
		cfg.Base = 0x1_0000_0000
	}
	return &IOMMU{
		cfg:  cfg,
		next: cfg.Base,
		maps: make(map[Addr]*mapping),
	}
}

const iovaAlign = 64

// reserve hands out a fresh aligned IOVA range; caller holds mu
func (m *IOMMU) reserve(size int) Addr {
	addr := m.next
	m.next += Addr((size + iovaAlign - 1) &^ (iovaAlign - 1))
	return addr
}

func (m *IOMMU) Map(buf []byte, dir Direction) (Addr, error) {
	if len(buf) == 0 {
		m.fail.Add(1)
		return 0, fmt.Errorf("%w: empty buffer", ErrMapFailed)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cfg.MaxMappings > 0 && len(m.maps) >= m.cfg.MaxMappings {
		m.fail.Add(1)
		return 0, fmt.Errorf("%w: %d mappings live", ErrMapFailed, len(m.maps))
	}

	addr := m.reserve(len(buf))
	m.maps[addr] = &mapping{buf: buf, dir: dir}
	m.nMaps.Add(1)
	return addr, nil
}

func (m *IOMMU) Unmap(addr Addr, size int, dir Direction) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mp, ok := m.maps[addr]
	if !ok || mp.coherent != nil || len(mp.buf) != size || mp.dir != dir {
		m.bad.Add(1)
		return
	}
	delete(m.maps, addr)
	m.nUnm.Add(1)
}

func (m *IOMMU) AllocCoherent(size int) (*Coherent, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: size %d", ErrAllocFailed, size)
	}
	mem, err := allocPages(size)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAllocFailed, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	c := &Coherent{Buf: mem[:size], mem: mem}
	c.Addr = m.reserve(len(mem))
	m.maps[c.Addr] = &mapping{buf: c.Buf, dir: Bidirectional, coherent: c}
	m.nCoh++
	return c, nil
}

func (m *IOMMU) FreeCoherent(c *Coherent) {
	if c == nil {
		return
	}
	m.mu.Lock()
	mp, ok := m.maps[c.Addr]
	if !ok || mp.coherent != c {
		m.mu.Unlock()
		m.bad.Add(1)
		return
	}
	delete(m.maps, c.Addr)
	m.nCoh--
	m.mu.Unlock()

	freePages(c.mem)
	c.Buf, c.mem = nil, nil
}

// Resolve returns the memory behind [addr, addr+size)
func (m *IOMMU) Resolve(addr Addr, size int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for base, mp := range m.maps {
		if addr < base || addr >= base+Addr(len(mp.buf)) {
			continue
		}
		off := int(addr - base)
		if off+size > len(mp.buf) {
			return nil, fmt.Errorf("%w: 0x%x+%d overruns mapping of %d bytes", ErrBadAddress, addr, size, len(mp.buf))
		}
		return mp.buf[off : off+size], nil
	}
	return nil, fmt.Errorf("%w: 0x%x", ErrBadAddress, addr)
}

// Live returns the number of live streaming mappings
func (m *IOMMU) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.maps) - m.nCoh
}

// Stats returns an activity snapshot
func (m *IOMMU) Stats() Stats {
	m.mu.Lock()
	live, coh := len(m.maps)-m.nCoh, m.nCoh
	m.mu.Unlock()
	return Stats{
		Live:       live,
		Maps:       m.nMaps.Load(),
		Unmaps:     m.nUnm.Load(),
		Coherent:   coh,
		BadUnmaps:  m.bad.Load(),
		MapFailure: m.fail.Load(),
	}
}

var (
	_ Device   = (*IOMMU)(nil)
	_ Resolver = (*IOMMU)(nil)
)
