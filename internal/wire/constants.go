// Package wire defines the byte-exact message layouts shared with firmware.
// All multi-byte fields are little-endian.
package wire

// Message types
const (
	TypeGenStatus           = 0x01
	TypeRingStatus          = 0x02
	TypeFlowRingCreate      = 0x03
	TypeFlowRingCreateCmplt = 0x04
	TypeFlowRingDelete      = 0x05
	TypeFlowRingDeleteCmplt = 0x06
	TypeFlowRingFlush       = 0x07
	TypeFlowRingFlushCmplt  = 0x08
	TypeIoctlPtrReq         = 0x09
	TypeIoctlPtrReqAck      = 0x0A
	TypeIoctlRespBufPost    = 0x0B
	TypeIoctlCmplt          = 0x0C
	TypeEventBufPost        = 0x0D
	TypeWLEvent             = 0x0E
	TypeTxPost              = 0x0F
	TypeTxStatus            = 0x10
	TypeRxBufPost           = 0x11
	TypeRxCmplt             = 0x12
)

// Record sizes in bytes
const (
	CommonHeaderSize     = 8
	CompletionHeaderSize = 4
	BufAddrSize          = 8

	IoctlReqSize       = 40
	CtrlBufPostSize    = 40
	RxBufPostSize      = 32
	TxPostSize         = 48
	FlowRingCreateSize = 40
	FlowRingDeleteSize = 40
	FlowRingRespSize   = 24
	IoctlRespSize      = 24
	RxEventSize        = 24
	TxStatusSize       = 16
	RxCompleteSize     = 32
	RingStatusSize     = 24

	// GenStatusSize covers the fields up to write_idx; the trailing reserved
	// words do not fit a control completion item and are never read.
	GenStatusSize = 14
)

// TX_POST / RX_CMPLT packet flags
const (
	PktFlagsFrame8023  = 0x01
	PktFlagsFrame80211 = 0x02
	PktFlagsFrameMask  = 0x07
	PktFlagsPrioShift  = 5
)

// EthHeaderLen is the length of the Ethernet header carried inline in TX_POST
const EthHeaderLen = 14

// TypeName returns a printable name for a message type
func TypeName(t uint8) string {
	switch t {
	case TypeGenStatus:
		return "GEN_STATUS"
	case TypeRingStatus:
		return "RING_STATUS"
	case TypeFlowRingCreate:
		return "FLOW_RING_CREATE"
	case TypeFlowRingCreateCmplt:
		return "FLOW_RING_CREATE_CMPLT"
	case TypeFlowRingDelete:
		return "FLOW_RING_DELETE"
	case TypeFlowRingDeleteCmplt:
		return "FLOW_RING_DELETE_CMPLT"
	case TypeFlowRingFlush:
		return "FLOW_RING_FLUSH"
	case TypeFlowRingFlushCmplt:
		return "FLOW_RING_FLUSH_CMPLT"
	case TypeIoctlPtrReq:
		return "IOCTLPTR_REQ"
	case TypeIoctlPtrReqAck:
		return "IOCTLPTR_REQ_ACK"
	case TypeIoctlRespBufPost:
		return "IOCTLRESP_BUF_POST"
	case TypeIoctlCmplt:
		return "IOCTL_CMPLT"
	case TypeEventBufPost:
		return "EVENT_BUF_POST"
	case TypeWLEvent:
		return "WL_EVENT"
	case TypeTxPost:
		return "TX_POST"
	case TypeTxStatus:
		return "TX_STATUS"
	case TypeRxBufPost:
		return "RXBUF_POST"
	case TypeRxCmplt:
		return "RX_CMPLT"
	}
	return "UNKNOWN"
}
