// Package pktbuf provides packet buffers and the pool they are drawn from
package pktbuf

// Packet is a buffer with a movable data window over fixed backing memory.
// Pull and Trim only move the window; the backing slice never changes, so a
// device address taken for one window stays valid for the buffer's lifetime.
type Packet struct {
	buf  []byte
	head int
	tail int

	// Priority is the 802.1d priority (0-7) used for flow selection
	Priority uint8

	// owner is the pool the packet is checked out from
	owner *Pool
}

// New wraps data as a packet whose window covers all of it
func New(data []byte) *Packet {
	return &Packet{buf: data, tail: len(data)}
}

// Data returns the current window
func (p *Packet) Data() []byte {
	return p.buf[p.head:p.tail]
}

// Len returns the window length
func (p *Packet) Len() int {
	return p.tail - p.head
}

// Cap returns the size of the backing memory
func (p *Packet) Cap() int {
	return len(p.buf)
}

// Pull drops n bytes from the front of the window
func (p *Packet) Pull(n int) {
	if n > p.Len() {
		n = p.Len()
	}
	p.head += n
}

// Trim shortens the window to n bytes
func (p *Packet) Trim(n int) {
	if n < p.Len() {
		p.tail = p.head + n
	}
}

// Reset restores the window to the full backing memory
func (p *Packet) Reset() {
	p.head, p.tail = 0, len(p.buf)
	p.Priority = 0
}
