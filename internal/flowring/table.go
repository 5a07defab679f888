// Package flowring is the flow table: it maps (destination, priority,
// interface) tuples to flow ids and holds each flow's software transmit queue.
package flowring

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/ehrlich-b/go-msgbuf/internal/constants"
	"github.com/ehrlich-b/go-msgbuf/internal/errs"
	"github.com/ehrlich-b/go-msgbuf/internal/pktbuf"
)

// MaxInterfaces bounds the interface index
const MaxInterfaces = 16

// prio2fifo maps an 802.1d priority to a firmware FIFO (the flow's tid)
var prio2fifo = [8]uint8{1, 0, 0, 1, 2, 2, 3, 3}

// FIFO returns the FIFO for priority prio
func FIFO(prio uint8) uint8 {
	return prio2fifo[prio&7]
}

// AddrMode selects how destinations map to flows on an interface
type AddrMode int

const (
	// Indirect is station mode: one flow per FIFO, destination ignored
	Indirect AddrMode = iota
	// Direct is AP mode: one flow per destination and FIFO
	Direct
)

func (m AddrMode) String() string {
	if m == Direct {
		return "direct"
	}
	return "indirect"
}

// State is a flow's lifecycle state
type State int

const (
	Requested State = iota
	CreateSent
	Open
	DeleteSent
)

func (s State) String() string {
	switch s {
	case Requested:
		return "requested"
	case CreateSent:
		return "create_sent"
	case Open:
		return "open"
	case DeleteSent:
		return "delete_sent"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Addr is a MAC address
type Addr [constants.EthAddrLen]byte

// Broadcast is the all-ones address multicast traffic collapses to
var Broadcast = Addr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// IsMulticast reports whether a has the group bit set
func (a Addr) IsMulticast() bool { return a[0]&0x01 != 0 }

func (a Addr) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", a[0], a[1], a[2], a[3], a[4], a[5])
}

type key struct {
	addr  Addr
	fifo  uint8
	ifidx uint8
}

type flow struct {
	key     key
	da      Addr
	state   State
	queue   *list.List
	blocked bool
}

// Info is a snapshot of one flow
type Info struct {
	FlowID   uint16
	IfIdx    int
	FIFO     uint8
	DA       Addr
	State    State
	QueueLen int
	Blocked  bool
}

// BlockFunc is told when an interface becomes blocked or unblocked
type BlockFunc func(ifidx int, blocked bool)

// DiscardFunc receives packets dropped when a flow is deleted
type DiscardFunc func(ifidx int, pkt *pktbuf.Packet)

// Table is the flow table. All methods are safe for concurrent use.
type Table struct {
	mu     sync.Mutex
	flows  []*flow
	lookup map[key]uint16
	modes  [MaxInterfaces]AddrMode
	tdls   map[key]struct{}

	high, low int
	onBlock   BlockFunc
	onDiscard DiscardFunc
}

// Option configures a Table
type Option func(*Table)

// WithWatermarks overrides the flow-control watermarks
func WithWatermarks(high, low int) Option {
	return func(t *Table) { t.high, t.low = high, low }
}

// WithBlockFunc installs the interface flow-control callback
func WithBlockFunc(fn BlockFunc) Option {
	return func(t *Table) { t.onBlock = fn }
}

// WithDiscardFunc installs the callback for packets dropped by Delete
func WithDiscardFunc(fn DiscardFunc) Option {
	return func(t *Table) { t.onDiscard = fn }
}

// New creates a table with room for maxFlows flows
func New(maxFlows int, opts ...Option) *Table {
	t := &Table{
		flows:  make([]*flow, maxFlows),
		lookup: make(map[key]uint16),
		tdls:   make(map[key]struct{}),
		high:   constants.FlowHighWatermark,
		low:    constants.FlowLowWatermark,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// MaxFlows returns the table capacity
func (t *Table) MaxFlows() int {
	return len(t.flows)
}

func checkIf(ifidx int) error {
	if ifidx < 0 || ifidx >= MaxInterfaces {
		return errs.New("flow_lookup", errs.InvalidParameters, fmt.Sprintf("interface index %d out of range", ifidx))
	}
	return nil
}

// keyFor builds the lookup key; caller holds mu
func (t *Table) keyFor(da Addr, prio uint8, ifidx int) (key, Addr) {
	fifo := FIFO(prio)
	sta := t.modes[ifidx] == Indirect
	mac := da
	if !sta && mac.IsMulticast() {
		mac = Broadcast
		fifo = 0
	}
	if sta && !da.IsMulticast() {
		if _, ok := t.tdls[key{addr: da, ifidx: uint8(ifidx)}]; ok {
			sta = false
		}
	}
	k := key{addr: mac, fifo: fifo, ifidx: uint8(ifidx)}
	if sta {
		k.addr = Addr{}
	}
	return k, mac
}

// Lookup returns the flow serving (da, prio, ifidx)
func (t *Table) Lookup(da Addr, prio uint8, ifidx int) (uint16, bool) {
	if checkIf(ifidx) != nil {
		return 0, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	k, _ := t.keyFor(da, prio, ifidx)
	id, ok := t.lookup[k]
	return id, ok
}

// Create allocates a flow id for (da, prio, ifidx) in state Requested. An
// existing flow for the same tuple is returned as is.
func (t *Table) Create(da Addr, prio uint8, ifidx int) (uint16, error) {
	if err := checkIf(ifidx); err != nil {
		return 0, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	k, mac := t.keyFor(da, prio, ifidx)
	if id, ok := t.lookup[k]; ok {
		return id, nil
	}
	for i, f := range t.flows {
		if f != nil {
			continue
		}
		t.flows[i] = &flow{
			key:   k,
			da:    mac,
			state: Requested,
			queue: list.New(),
		}
		t.lookup[k] = uint16(i)
		return uint16(i), nil
	}
	return 0, errs.New("flow_create", errs.ResourceExhausted, "no free flow id")
}

func (t *Table) get(flowid uint16) (*flow, error) {
	if int(flowid) >= len(t.flows) || t.flows[flowid] == nil {
		return nil, errs.NewFlowError("flow_lookup", int(flowid), errs.NotFound, "no such flow")
	}
	return t.flows[flowid], nil
}

// Delete removes a flow and hands its queued packets to the discard callback
func (t *Table) Delete(flowid uint16) error {
	t.mu.Lock()
	f, err := t.get(flowid)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	ifidx := int(f.key.ifidx)
	var dropped []*pktbuf.Packet
	for e := f.queue.Front(); e != nil; e = e.Next() {
		dropped = append(dropped, e.Value.(*pktbuf.Packet))
	}
	unblock := f.blocked && !t.otherBlocked(flowid, ifidx)
	delete(t.lookup, f.key)
	t.flows[flowid] = nil
	t.mu.Unlock()

	if unblock && t.onBlock != nil {
		t.onBlock(ifidx, false)
	}
	if t.onDiscard != nil {
		for _, pkt := range dropped {
			t.onDiscard(ifidx, pkt)
		}
	}
	return nil
}

// otherBlocked reports whether a flow other than flowid blocks ifidx; caller holds mu
func (t *Table) otherBlocked(flowid uint16, ifidx int) bool {
	for i, f := range t.flows {
		if f != nil && uint16(i) != flowid && int(f.key.ifidx) == ifidx && f.blocked {
			return true
		}
	}
	return false
}

// setBlocked updates one flow's blocked mark and reports whether the
// interface changed state; caller holds mu
func (t *Table) setBlocked(flowid uint16, f *flow, blocked bool) bool {
	f.blocked = blocked
	return !t.otherBlocked(flowid, int(f.key.ifidx))
}

// Enqueue appends pkt to the flow's queue and returns the new length
func (t *Table) Enqueue(flowid uint16, pkt *pktbuf.Packet) (int, error) {
	t.mu.Lock()
	f, err := t.get(flowid)
	if err != nil {
		t.mu.Unlock()
		return 0, err
	}
	f.queue.PushBack(pkt)
	qlen := f.queue.Len()
	notify := false
	if !f.blocked && qlen > t.high {
		notify = t.setBlocked(flowid, f, true)
	}
	ifidx := int(f.key.ifidx)
	t.mu.Unlock()

	if notify && t.onBlock != nil {
		t.onBlock(ifidx, true)
	}
	return qlen, nil
}

// Dequeue pops the head of the flow's queue, or nil when empty
func (t *Table) Dequeue(flowid uint16) *pktbuf.Packet {
	t.mu.Lock()
	f, err := t.get(flowid)
	if err != nil {
		t.mu.Unlock()
		return nil
	}
	e := f.queue.Front()
	if e == nil {
		t.mu.Unlock()
		return nil
	}
	pkt := f.queue.Remove(e).(*pktbuf.Packet)
	notify := false
	if f.blocked && f.queue.Len() < t.low {
		notify = t.setBlocked(flowid, f, false)
	}
	ifidx := int(f.key.ifidx)
	t.mu.Unlock()

	if notify && t.onBlock != nil {
		t.onBlock(ifidx, false)
	}
	return pkt
}

// Requeue puts pkt back at the head of the flow's queue
func (t *Table) Requeue(flowid uint16, pkt *pktbuf.Packet) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, err := t.get(flowid)
	if err != nil {
		return err
	}
	f.queue.PushFront(pkt)
	return nil
}

// QueueLen returns the number of packets queued on the flow
func (t *Table) QueueLen(flowid uint16) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, err := t.get(flowid)
	if err != nil {
		return 0
	}
	return f.queue.Len()
}

// State returns the flow's lifecycle state
func (t *Table) State(flowid uint16) (State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, err := t.get(flowid)
	if err != nil {
		return 0, false
	}
	return f.state, true
}

// SetState moves the flow to state s
func (t *Table) SetState(flowid uint16, s State) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, err := t.get(flowid)
	if err != nil {
		return err
	}
	f.state = s
	return nil
}

// Transition moves the flow from state from to state to. It fails with
// InvalidState when the flow is in any other state.
func (t *Table) Transition(flowid uint16, from, to State) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, err := t.get(flowid)
	if err != nil {
		return err
	}
	if f.state != from {
		return errs.NewFlowError("flow_transition", int(flowid), errs.InvalidState,
			fmt.Sprintf("flow is %s, not %s", f.state, from))
	}
	f.state = to
	return nil
}

// Info returns a snapshot of one flow
func (t *Table) Info(flowid uint16) (Info, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, err := t.get(flowid)
	if err != nil {
		return Info{}, false
	}
	return f.info(flowid), true
}

func (f *flow) info(flowid uint16) Info {
	return Info{
		FlowID:   flowid,
		IfIdx:    int(f.key.ifidx),
		FIFO:     f.key.fifo,
		DA:       f.da,
		State:    f.state,
		QueueLen: f.queue.Len(),
		Blocked:  f.blocked,
	}
}

// Flows returns a snapshot of every live flow ordered by id
func (t *Table) Flows() []Info {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Info
	for i, f := range t.flows {
		if f != nil {
			out = append(out, f.info(uint16(i)))
		}
	}
	return out
}

// AddrMode returns the interface's addressing mode
func (t *Table) AddrMode(ifidx int) AddrMode {
	if checkIf(ifidx) != nil {
		return Indirect
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.modes[ifidx]
}

// ConfigureAddrMode sets the interface's addressing mode. When the mode
// changes, the ids of the interface's flows are returned so the caller can
// tear them down.
func (t *Table) ConfigureAddrMode(ifidx int, mode AddrMode) ([]uint16, error) {
	if err := checkIf(ifidx); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.modes[ifidx] == mode {
		return nil, nil
	}
	var stale []uint16
	for i, f := range t.flows {
		if f != nil && int(f.key.ifidx) == ifidx {
			stale = append(stale, uint16(i))
		}
	}
	t.modes[ifidx] = mode
	return stale, nil
}

// DeletePeer forgets peer on ifidx and returns the open flows that served it.
// In indirect mode without a TDLS entry that is every open flow on ifidx.
func (t *Table) DeletePeer(ifidx int, peer Addr) ([]uint16, error) {
	if err := checkIf(ifidx); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	sta := t.modes[ifidx] == Indirect
	tk := key{addr: peer, ifidx: uint8(ifidx)}
	_, isTDLS := t.tdls[tk]
	if isTDLS {
		sta = false
		delete(t.tdls, tk)
	}

	var doomed []uint16
	for i, f := range t.flows {
		if f == nil || int(f.key.ifidx) != ifidx || f.state != Open {
			continue
		}
		if sta || f.key.addr == peer {
			doomed = append(doomed, uint16(i))
		}
	}
	return doomed, nil
}

// AddTDLSPeer gives peer its own per-destination flows on an indirect interface
func (t *Table) AddTDLSPeer(ifidx int, peer Addr) error {
	if err := checkIf(ifidx); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tdls[key{addr: peer, ifidx: uint8(ifidx)}] = struct{}{}
	return nil
}
