package wire

// CommonHeader starts every record:
//
//	struct msgbuf_common_hdr {
//	  u8     msgtype;
//	  u8     ifidx;
//	  u8     flags;
//	  u8     rsvd0;
//	  __le32 request_id;
//	};
type CommonHeader struct {
	MsgType   uint8
	IfIdx     uint8
	Flags     uint8
	RequestID uint32
}

// CompletionHeader follows the common header in every device-to-host completion
type CompletionHeader struct {
	Status     uint16
	FlowRingID uint16
}

// BufAddr is a 64-bit device address carried as two 32-bit halves (low first)
type BufAddr struct {
	Low  uint32
	High uint32
}

// SplitAddr splits a 64-bit device address
func SplitAddr(addr uint64) BufAddr {
	return BufAddr{Low: uint32(addr), High: uint32(addr >> 32)}
}

// Uint64 joins the two halves
func (a BufAddr) Uint64() uint64 {
	return uint64(a.High)<<32 | uint64(a.Low)
}

// IoctlReq is IOCTLPTR_REQ (40 bytes). The request id is always the fixed
// ioctl marker; TransID correlates the completion.
type IoctlReq struct {
	Hdr          CommonHeader
	Cmd          uint32
	TransID      uint16
	InputBufLen  uint16
	OutputBufLen uint16
	ReqBufAddr   BufAddr
}

// CtrlBufPost is IOCTLRESP_BUF_POST or EVENT_BUF_POST (40 bytes), selected by Hdr.MsgType
type CtrlBufPost struct {
	Hdr         CommonHeader
	HostBufLen  uint16
	HostBufAddr BufAddr
}

// RxBufPost is RXBUF_POST (32 bytes)
type RxBufPost struct {
	Hdr             CommonHeader
	MetadataBufLen  uint16
	DataBufLen      uint16
	MetadataBufAddr BufAddr
	DataBufAddr     BufAddr
}

// TxPost is TX_POST (48 bytes)
type TxPost struct {
	Hdr             CommonHeader
	TxHdr           [EthHeaderLen]byte
	Flags           uint8
	SegCnt          uint8
	MetadataBufAddr BufAddr
	DataBufAddr     BufAddr
	MetadataBufLen  uint16
	DataLen         uint16
}

// FlowRingCreate is FLOW_RING_CREATE (40 bytes)
type FlowRingCreate struct {
	Hdr          CommonHeader
	DA           [6]byte
	SA           [6]byte
	Tid          uint8
	IfFlags      uint8
	FlowRingID   uint16
	TC           uint8
	Priority     uint8
	IntVector    uint16
	MaxItems     uint16
	LenItem      uint16
	FlowRingAddr BufAddr
}

// FlowRingDelete is FLOW_RING_DELETE (40 bytes)
type FlowRingDelete struct {
	Hdr        CommonHeader
	FlowRingID uint16
	Reason     uint16
}

// FlowRingResp is FLOW_RING_CREATE_CMPLT, FLOW_RING_DELETE_CMPLT or
// FLOW_RING_FLUSH_CMPLT (24 bytes), selected by Hdr.MsgType
type FlowRingResp struct {
	Hdr  CommonHeader
	Cmpl CompletionHeader
}

// GenStatus is GEN_STATUS
type GenStatus struct {
	Hdr      CommonHeader
	Cmpl     CompletionHeader
	WriteIdx uint16
}

// RingStatus is RING_STATUS (24 bytes)
type RingStatus struct {
	Hdr      CommonHeader
	Cmpl     CompletionHeader
	WriteIdx uint16
}

// IoctlResp is IOCTL_CMPLT (24 bytes). Hdr.RequestID names the ioctl-response
// buffer holding the payload.
type IoctlResp struct {
	Hdr     CommonHeader
	Cmpl    CompletionHeader
	RespLen uint16
	TransID uint16
	Cmd     uint32
}

// RxEvent is WL_EVENT (24 bytes)
type RxEvent struct {
	Hdr          CommonHeader
	Cmpl         CompletionHeader
	EventDataLen uint16
	SeqNum       uint16
}

// TxStatus is TX_STATUS (16 bytes). Hdr.RequestID is the TX packet id plus one.
type TxStatus struct {
	Hdr         CommonHeader
	Cmpl        CompletionHeader
	MetadataLen uint16
	TxStatus    uint16
}

// RxComplete is RX_CMPLT (32 bytes)
type RxComplete struct {
	Hdr         CommonHeader
	Cmpl        CompletionHeader
	MetadataLen uint16
	DataLen     uint16
	DataOffset  uint16
	Flags       uint16
	RxStatus0   uint32
	RxStatus1   uint32
}
