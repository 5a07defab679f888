package constants

import "time"

// Common ring identifiers. The two host-to-device rings come first, which is
// why flow ring ids on the wire start at FlowRingIDStart.
const (
	ControlSubmitRing = iota
	RxPostSubmitRing
	ControlCompleteRing
	TxCompleteRing
	RxCompleteRing

	NumCommonRings
)

// FlowRingIDStart is the wire ring id of flow 0.
const FlowRingIDStart = 2

// Common ring geometry (items, bytes per item)
const (
	ControlSubmitMaxItems   = 64
	ControlSubmitItemSize   = 40
	RxPostSubmitMaxItems    = 512
	RxPostSubmitItemSize    = 32
	ControlCompleteMaxItems = 64
	ControlCompleteItemSize = 24
	TxCompleteMaxItems      = 1024
	TxCompleteItemSize      = 16
	RxCompleteMaxItems      = 512
	RxCompleteItemSize      = 32
)

// Flow ring geometry
const (
	// TxFlowRingMaxItems is the depth of every transmit flow ring
	TxFlowRingMaxItems = 512

	// TxFlowRingItemSize is the size of one TX_POST record
	TxFlowRingItemSize = 48

	// DefaultMaxFlowRings is used when the bus does not negotiate a count
	DefaultMaxFlowRings = 40
)

// Packet-handle table sizes
const (
	NumTxPktIDs = 2048
	NumRxPktIDs = 1024
)

// Buffer sizes in bytes
const (
	// MaxPktSize is the size of a posted receive data buffer
	MaxPktSize = 2048

	// MaxCtlPktSize is the size of a posted event or ioctl-response buffer
	MaxCtlPktSize = 8192

	// IoctlMaxMsgSize caps the inline ioctl input (ETH_FRAME_LEN + FCS)
	IoctlMaxMsgSize = 1518

	// EthHeaderLen is the Ethernet header copied into every TX_POST
	EthHeaderLen = 14

	// EthAddrLen is a MAC address length
	EthAddrLen = 6
)

// Receive buffer targets
const (
	MaxIoctlRespBufPost = 8
	MaxEventBufPost     = 8
	DefaultMaxRxBufPost = 255
	RxBufPostThreshold  = 32
)

// Transmit scheduling thresholds
const (
	// TrickleTxThreshold forces a drain every time a flow queue length is a multiple of it
	TrickleTxThreshold = 32

	// DelayTxThreshold lets a busy flow coalesce while outstanding TX is at or above it
	DelayTxThreshold = 96

	// TxFlushCount1 is the size of the first committed batch of a drain pass
	TxFlushCount1 = 32

	// TxFlushCount2 is the size of every later committed batch
	TxFlushCount2 = 96

	// RxReadBatch is how many completion records are consumed between read-pointer updates
	RxReadBatch = 48
)

// Flow control watermarks (packets queued per flow)
const (
	FlowHighWatermark = 1024
	FlowLowWatermark  = FlowHighWatermark - 256
)

// IoctlRequestPktID marks IOCTLPTR_REQ records; the request buffer is not a handle
const IoctlRequestPktID = 0xFFFE

// Timing constants
const (
	// IoctlResponseTimeout bounds the wait for IOCTL_CMPLT
	IoctlResponseTimeout = 2000 * time.Millisecond

	// SimPollInterval is how often the firmware simulator scans its rings
	SimPollInterval = 200 * time.Microsecond
)
