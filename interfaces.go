package msgbuf

import (
	"github.com/ehrlich-b/go-msgbuf/internal/interfaces"
	"github.com/ehrlich-b/go-msgbuf/internal/logging"
	"github.com/ehrlich-b/go-msgbuf/internal/pktbuf"
)

// Driver is the outer driver frames and events are delivered into
type Driver = interfaces.Driver

// FlowControlDriver is a Driver that accepts transmit backpressure
type FlowControlDriver = interfaces.FlowControlDriver

// MonitorDriver is a Driver that accepts raw 802.11 frames
type MonitorDriver = interfaces.MonitorDriver

// Packet is a frame buffer with a movable data window
type Packet = pktbuf.Packet

// NewPacket wraps data as a frame. Packet.Priority selects the flow FIFO.
func NewPacket(data []byte) *Packet {
	return pktbuf.New(data)
}

// Logger is the structured logger every component writes to
type Logger = logging.Logger

// LogConfig configures NewLogger
type LogConfig = logging.Config

// NewLogger creates a logger
func NewLogger(cfg *LogConfig) *Logger {
	return logging.NewLogger(cfg)
}
