package msgbuf

import (
	"sync"
	"time"
)

// TxCompletion records one Driver.TxComplete call
type TxCompletion struct {
	IfIdx int
	Pkt   *Packet
	OK    bool
}

// RxFrame records one delivered receive frame. Data is a copy taken at
// delivery.
type RxFrame struct {
	IfIdx int
	Data  []byte
	Pkt   *Packet
}

// Event records one delivered firmware event
type Event struct {
	IfIdx int
	Data  []byte
}

// FlowBlock records one TxFlowBlock call
type FlowBlock struct {
	IfIdx   int
	Blocked bool
}

// MockDriver provides a mock implementation of Driver for testing.
// It implements all optional interfaces and records every callback for
// verification.
type MockDriver struct {
	mu       sync.RWMutex
	tx       []TxCompletion
	rx       []RxFrame
	monitor  []RxFrame
	events   []Event
	blocks   []FlowBlock
	rejectRx bool
	release  func(*Packet)
}

// NewMockDriver creates a mock driver that accepts every frame
func NewMockDriver() *MockDriver {
	return &MockDriver{}
}

// TxComplete implements the Driver interface
func (m *MockDriver) TxComplete(ifidx int, pkt *Packet, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tx = append(m.tx, TxCompletion{IfIdx: ifidx, Pkt: pkt, OK: ok})
}

// RxData implements the Driver interface
func (m *MockDriver) RxData(ifidx int, pkt *Packet) bool {
	m.mu.Lock()
	if m.rejectRx {
		m.mu.Unlock()
		return false
	}
	m.rx = append(m.rx, RxFrame{IfIdx: ifidx, Data: append([]byte(nil), pkt.Data()...), Pkt: pkt})
	release := m.release
	m.mu.Unlock()

	if release != nil {
		release(pkt)
	}
	return true
}

// RxEvent implements the Driver interface
func (m *MockDriver) RxEvent(ifidx int, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, Event{IfIdx: ifidx, Data: append([]byte(nil), data...)})
}

// TxFlowBlock implements the FlowControlDriver interface
func (m *MockDriver) TxFlowBlock(ifidx int, blocked bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocks = append(m.blocks, FlowBlock{IfIdx: ifidx, Blocked: blocked})
}

// RxMonitor implements the MonitorDriver interface
func (m *MockDriver) RxMonitor(ifidx int, pkt *Packet) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.monitor = append(m.monitor, RxFrame{IfIdx: ifidx, Data: append([]byte(nil), pkt.Data()...), Pkt: pkt})
}

// Testing utility methods

// SetRejectRx makes RxData refuse every frame
func (m *MockDriver) SetRejectRx(reject bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejectRx = reject
}

// SetRelease installs a function called with every accepted data frame,
// typically Protocol.Release
func (m *MockDriver) SetRelease(fn func(*Packet)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.release = fn
}

// TxCompletions returns a copy of the recorded transmit completions
func (m *MockDriver) TxCompletions() []TxCompletion {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]TxCompletion(nil), m.tx...)
}

// RxFrames returns a copy of the recorded data frames
func (m *MockDriver) RxFrames() []RxFrame {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]RxFrame(nil), m.rx...)
}

// MonitorFrames returns a copy of the recorded 802.11 frames
func (m *MockDriver) MonitorFrames() []RxFrame {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]RxFrame(nil), m.monitor...)
}

// Events returns a copy of the recorded events
func (m *MockDriver) Events() []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Event(nil), m.events...)
}

// FlowBlocks returns a copy of the recorded flow control calls
func (m *MockDriver) FlowBlocks() []FlowBlock {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]FlowBlock(nil), m.blocks...)
}

// CallCounts returns the number of times each callback has been called
func (m *MockDriver) CallCounts() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]int{
		"tx_complete":   len(m.tx),
		"rx_data":       len(m.rx),
		"rx_monitor":    len(m.monitor),
		"rx_event":      len(m.events),
		"tx_flow_block": len(m.blocks),
	}
}

// WaitTx waits until at least n transmit completions have been recorded
func (m *MockDriver) WaitTx(n int, timeout time.Duration) bool {
	return m.waitFor(func() bool { return len(m.tx) >= n }, timeout)
}

// WaitRx waits until at least n data frames have been recorded
func (m *MockDriver) WaitRx(n int, timeout time.Duration) bool {
	return m.waitFor(func() bool { return len(m.rx) >= n }, timeout)
}

func (m *MockDriver) waitFor(cond func() bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		m.mu.RLock()
		ok := cond()
		m.mu.RUnlock()
		if ok {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(time.Millisecond)
	}
}

// Reset clears everything recorded
func (m *MockDriver) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tx, m.rx, m.monitor, m.events, m.blocks = nil, nil, nil, nil, nil
}

// Compile-time interface checks
var (
	_ Driver            = (*MockDriver)(nil)
	_ FlowControlDriver = (*MockDriver)(nil)
	_ MonitorDriver     = (*MockDriver)(nil)
)
