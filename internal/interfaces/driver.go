package interfaces

import "github.com/ehrlich-b/go-msgbuf/internal/pktbuf"

// Driver is the outer driver the protocol delivers into.
// Every method may be called from the dispatcher or the flow worker and must
// not block.
type Driver interface {
	// TxComplete reports a transmitted or discarded frame. ok is false when the
	// frame was dropped (flow deleted, firmware reported failure).
	// Ownership of pkt passes to the driver.
	TxComplete(ifidx int, pkt *pktbuf.Packet, ok bool)

	// RxData delivers a received data frame trimmed to its payload.
	// Returning false rejects the frame (unknown interface); the protocol then
	// releases it. Ownership passes to the driver only when true is returned.
	RxData(ifidx int, pkt *pktbuf.Packet) bool

	// RxEvent delivers a firmware event payload. The buffer is released by the
	// protocol after the call returns; implementations must copy what they keep.
	RxEvent(ifidx int, data []byte)
}

// FlowControlDriver is an optional interface for drivers that want transmit
// backpressure. TxFlowBlock is called when an interface's flows cross the
// high watermark and again once all of them drain below the low watermark.
type FlowControlDriver interface {
	Driver

	TxFlowBlock(ifidx int, blocked bool)
}

// MonitorDriver is an optional interface for drivers that accept raw 802.11
// frames. Without it such frames are released.
type MonitorDriver interface {
	Driver

	// RxMonitor delivers an 802.11 frame; ownership passes to the driver.
	RxMonitor(ifidx int, pkt *pktbuf.Packet)
}
