package dma

import "sync/atomic"

// FaultInjector wraps a Device and fails a programmed number of upcoming
// Map or AllocCoherent calls. Used by tests to drive error paths.
type FaultInjector struct {
	Device

	failMaps   atomic.Int32
	failAllocs atomic.Int32
}

// NewFaultInjector wraps dev
func NewFaultInjector(dev Device) *FaultInjector {
	return &FaultInjector{Device: dev}
}

// FailMaps makes the next n Map calls fail
func (f *FaultInjector) FailMaps(n int) { f.failMaps.Store(int32(n)) }

// FailAllocs makes the next n AllocCoherent calls fail
func (f *FaultInjector) FailAllocs(n int) { f.failAllocs.Store(int32(n)) }

func (f *FaultInjector) Map(buf []byte, dir Direction) (Addr, error) {
	if consume(&f.failMaps) {
		return 0, ErrMapFailed
	}
	return f.Device.Map(buf, dir)
}

func (f *FaultInjector) AllocCoherent(size int) (*Coherent, error) {
	if consume(&f.failAllocs) {
		return nil, ErrAllocFailed
	}
	return f.Device.AllocCoherent(size)
}

func consume(n *atomic.Int32) bool {
	for {
		v := n.Load()
		if v <= 0 {
			return false
		}
		if n.CompareAndSwap(v, v-1) {
			return true
		}
	}
}

// Resolve forwards to the wrapped device when it can resolve addresses
func (f *FaultInjector) Resolve(addr Addr, size int) ([]byte, error) {
	if r, ok := f.Device.(Resolver); ok {
		return r.Resolve(addr, size)
	}
	return nil, ErrBadAddress
}

// Live forwards the wrapped device's live mapping count
func (f *FaultInjector) Live() int {
	if l, ok := f.Device.(interface{ Live() int }); ok {
		return l.Live()
	}
	return 0
}
