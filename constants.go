package msgbuf

import (
	"github.com/ehrlich-b/go-msgbuf/internal/constants"
	"github.com/ehrlich-b/go-msgbuf/internal/flowring"
	"github.com/ehrlich-b/go-msgbuf/internal/wire"
)

// Re-export commonly used constants for public API
const (
	// Common ring ids
	ControlSubmitRing   = constants.ControlSubmitRing
	RxPostSubmitRing    = constants.RxPostSubmitRing
	ControlCompleteRing = constants.ControlCompleteRing
	TxCompleteRing      = constants.TxCompleteRing
	RxCompleteRing      = constants.RxCompleteRing
	NumCommonRings      = constants.NumCommonRings

	// Flow ring geometry
	FlowRingIDStart    = constants.FlowRingIDStart
	TxFlowRingMaxItems = constants.TxFlowRingMaxItems
	TxFlowRingItemSize = constants.TxFlowRingItemSize

	// Buffers
	MaxPktSize      = constants.MaxPktSize
	MaxCtlPktSize   = constants.MaxCtlPktSize
	IoctlMaxMsgSize = constants.IoctlMaxMsgSize
	EthHeaderLen    = constants.EthHeaderLen

	// MaxInterfaces bounds the interface index
	MaxInterfaces = flowring.MaxInterfaces

	// RX_CMPLT frame types
	FrameEthernet = wire.PktFlagsFrame8023
	Frame80211    = wire.PktFlagsFrame80211
)

// AddrMode selects how an interface maps destinations to flows
type AddrMode = flowring.AddrMode

const (
	// AddrIndirect keys flows by priority only (station)
	AddrIndirect = flowring.Indirect
	// AddrDirect keys flows by destination and priority (access point)
	AddrDirect = flowring.Direct
)

// HardwareAddr is a MAC address
type HardwareAddr = flowring.Addr

// FlowState is a flow's lifecycle state
type FlowState = flowring.State

const (
	FlowRequested  = flowring.Requested
	FlowCreateSent = flowring.CreateSent
	FlowOpen       = flowring.Open
	FlowDeleteSent = flowring.DeleteSent
)
