package wire

import (
	"encoding/binary"
	"fmt"
)

// MarshalError represents marshaling errors
type MarshalError string

func (e MarshalError) Error() string {
	return string(e)
}

const (
	ErrInsufficientData MarshalError = "insufficient data for unmarshaling"
	ErrShortBuffer      MarshalError = "buffer too small for marshaling"
	ErrUnknownType      MarshalError = "unknown message type"
)

// Message is implemented by every record layout
type Message interface {
	// Type returns the message type tag written into the common header
	Type() uint8
	// Size is the encoded length in bytes
	Size() int
	// MarshalTo encodes the record into b, zeroing reserved fields
	MarshalTo(b []byte) error
	// Unmarshal decodes the record from b
	Unmarshal(b []byte) error
}

// Marshal encodes m into a freshly allocated buffer
func Marshal(m Message) []byte {
	buf := make([]byte, m.Size())
	// cannot fail: buf is exactly Size() bytes
	_ = m.MarshalTo(buf)
	return buf
}

// PeekHeader decodes only the common header
func PeekHeader(b []byte) (CommonHeader, error) {
	var h CommonHeader
	if len(b) < CommonHeaderSize {
		return h, ErrInsufficientData
	}
	getHeader(b, &h)
	return h, nil
}

// Decode decodes a device-to-host record by its type tag
func Decode(b []byte) (Message, error) {
	h, err := PeekHeader(b)
	if err != nil {
		return nil, err
	}

	var m Message
	switch h.MsgType {
	case TypeGenStatus:
		m = &GenStatus{}
	case TypeRingStatus:
		m = &RingStatus{}
	case TypeFlowRingCreateCmplt, TypeFlowRingDeleteCmplt, TypeFlowRingFlushCmplt:
		m = &FlowRingResp{}
	case TypeIoctlPtrReqAck, TypeIoctlCmplt:
		m = &IoctlResp{}
	case TypeWLEvent:
		m = &RxEvent{}
	case TypeTxStatus:
		m = &TxStatus{}
	case TypeRxCmplt:
		m = &RxComplete{}
	case TypeIoctlPtrReq:
		m = &IoctlReq{}
	case TypeIoctlRespBufPost, TypeEventBufPost:
		m = &CtrlBufPost{}
	case TypeRxBufPost:
		m = &RxBufPost{}
	case TypeTxPost:
		m = &TxPost{}
	case TypeFlowRingCreate:
		m = &FlowRingCreate{}
	case TypeFlowRingDelete:
		m = &FlowRingDelete{}
	default:
		return nil, fmt.Errorf("%w 0x%02x", ErrUnknownType, h.MsgType)
	}

	if err := m.Unmarshal(b); err != nil {
		return nil, err
	}
	return m, nil
}

func putHeader(b []byte, msgType uint8, h *CommonHeader) {
	b[0] = msgType
	b[1] = h.IfIdx
	b[2] = h.Flags
	b[3] = 0
	binary.LittleEndian.PutUint32(b[4:8], h.RequestID)
}

func getHeader(b []byte, h *CommonHeader) {
	h.MsgType = b[0]
	h.IfIdx = b[1]
	h.Flags = b[2]
	h.RequestID = binary.LittleEndian.Uint32(b[4:8])
}

func putCompletion(b []byte, c *CompletionHeader) {
	binary.LittleEndian.PutUint16(b[8:10], c.Status)
	binary.LittleEndian.PutUint16(b[10:12], c.FlowRingID)
}

func getCompletion(b []byte, c *CompletionHeader) {
	c.Status = binary.LittleEndian.Uint16(b[8:10])
	c.FlowRingID = binary.LittleEndian.Uint16(b[10:12])
}

func putAddr(b []byte, a BufAddr) {
	binary.LittleEndian.PutUint32(b[0:4], a.Low)
	binary.LittleEndian.PutUint32(b[4:8], a.High)
}

func getAddr(b []byte) BufAddr {
	return BufAddr{
		Low:  binary.LittleEndian.Uint32(b[0:4]),
		High: binary.LittleEndian.Uint32(b[4:8]),
	}
}

// prepare bounds-checks b and clears the record area so reserved fields are zero
func prepare(b []byte, size int) ([]byte, error) {
	if len(b) < size {
		return nil, ErrShortBuffer
	}
	b = b[:size]
	clear(b)
	return b, nil
}

// IoctlReq

func (m *IoctlReq) Type() uint8 { return TypeIoctlPtrReq }
func (m *IoctlReq) Size() int   { return IoctlReqSize }

func (m *IoctlReq) MarshalTo(b []byte) error {
	b, err := prepare(b, IoctlReqSize)
	if err != nil {
		return err
	}
	putHeader(b, TypeIoctlPtrReq, &m.Hdr)
	binary.LittleEndian.PutUint32(b[8:12], m.Cmd)
	binary.LittleEndian.PutUint16(b[12:14], m.TransID)
	binary.LittleEndian.PutUint16(b[14:16], m.InputBufLen)
	binary.LittleEndian.PutUint16(b[16:18], m.OutputBufLen)
	// b[18:24] rsvd0[3]
	putAddr(b[24:32], m.ReqBufAddr)
	// b[32:40] rsvd1[2]
	return nil
}

func (m *IoctlReq) Unmarshal(b []byte) error {
	if len(b) < IoctlReqSize {
		return ErrInsufficientData
	}
	getHeader(b, &m.Hdr)
	m.Cmd = binary.LittleEndian.Uint32(b[8:12])
	m.TransID = binary.LittleEndian.Uint16(b[12:14])
	m.InputBufLen = binary.LittleEndian.Uint16(b[14:16])
	m.OutputBufLen = binary.LittleEndian.Uint16(b[16:18])
	m.ReqBufAddr = getAddr(b[24:32])
	return nil
}

// CtrlBufPost

func (m *CtrlBufPost) Type() uint8 { return m.Hdr.MsgType }
func (m *CtrlBufPost) Size() int   { return CtrlBufPostSize }

func (m *CtrlBufPost) MarshalTo(b []byte) error {
	b, err := prepare(b, CtrlBufPostSize)
	if err != nil {
		return err
	}
	putHeader(b, m.Hdr.MsgType, &m.Hdr)
	binary.LittleEndian.PutUint16(b[8:10], m.HostBufLen)
	putAddr(b[16:24], m.HostBufAddr)
	return nil
}

func (m *CtrlBufPost) Unmarshal(b []byte) error {
	if len(b) < CtrlBufPostSize {
		return ErrInsufficientData
	}
	getHeader(b, &m.Hdr)
	m.HostBufLen = binary.LittleEndian.Uint16(b[8:10])
	m.HostBufAddr = getAddr(b[16:24])
	return nil
}

// RxBufPost

func (m *RxBufPost) Type() uint8 { return TypeRxBufPost }
func (m *RxBufPost) Size() int   { return RxBufPostSize }

func (m *RxBufPost) MarshalTo(b []byte) error {
	b, err := prepare(b, RxBufPostSize)
	if err != nil {
		return err
	}
	putHeader(b, TypeRxBufPost, &m.Hdr)
	binary.LittleEndian.PutUint16(b[8:10], m.MetadataBufLen)
	binary.LittleEndian.PutUint16(b[10:12], m.DataBufLen)
	putAddr(b[16:24], m.MetadataBufAddr)
	putAddr(b[24:32], m.DataBufAddr)
	return nil
}

func (m *RxBufPost) Unmarshal(b []byte) error {
	if len(b) < RxBufPostSize {
		return ErrInsufficientData
	}
	getHeader(b, &m.Hdr)
	m.MetadataBufLen = binary.LittleEndian.Uint16(b[8:10])
	m.DataBufLen = binary.LittleEndian.Uint16(b[10:12])
	m.MetadataBufAddr = getAddr(b[16:24])
	m.DataBufAddr = getAddr(b[24:32])
	return nil
}

// TxPost

func (m *TxPost) Type() uint8 { return TypeTxPost }
func (m *TxPost) Size() int   { return TxPostSize }

func (m *TxPost) MarshalTo(b []byte) error {
	b, err := prepare(b, TxPostSize)
	if err != nil {
		return err
	}
	putHeader(b, TypeTxPost, &m.Hdr)
	copy(b[8:22], m.TxHdr[:])
	b[22] = m.Flags
	b[23] = m.SegCnt
	putAddr(b[24:32], m.MetadataBufAddr)
	putAddr(b[32:40], m.DataBufAddr)
	binary.LittleEndian.PutUint16(b[40:42], m.MetadataBufLen)
	binary.LittleEndian.PutUint16(b[42:44], m.DataLen)
	return nil
}

func (m *TxPost) Unmarshal(b []byte) error {
	if len(b) < TxPostSize {
		return ErrInsufficientData
	}
	getHeader(b, &m.Hdr)
	copy(m.TxHdr[:], b[8:22])
	m.Flags = b[22]
	m.SegCnt = b[23]
	m.MetadataBufAddr = getAddr(b[24:32])
	m.DataBufAddr = getAddr(b[32:40])
	m.MetadataBufLen = binary.LittleEndian.Uint16(b[40:42])
	m.DataLen = binary.LittleEndian.Uint16(b[42:44])
	return nil
}

// Priority extracts the 802.1d priority bits from Flags
func (m *TxPost) Priority() uint8 {
	return m.Flags >> PktFlagsPrioShift
}

// FlowRingCreate

func (m *FlowRingCreate) Type() uint8 { return TypeFlowRingCreate }
func (m *FlowRingCreate) Size() int   { return FlowRingCreateSize }

func (m *FlowRingCreate) MarshalTo(b []byte) error {
	b, err := prepare(b, FlowRingCreateSize)
	if err != nil {
		return err
	}
	putHeader(b, TypeFlowRingCreate, &m.Hdr)
	copy(b[8:14], m.DA[:])
	copy(b[14:20], m.SA[:])
	b[20] = m.Tid
	b[21] = m.IfFlags
	binary.LittleEndian.PutUint16(b[22:24], m.FlowRingID)
	b[24] = m.TC
	b[25] = m.Priority
	binary.LittleEndian.PutUint16(b[26:28], m.IntVector)
	binary.LittleEndian.PutUint16(b[28:30], m.MaxItems)
	binary.LittleEndian.PutUint16(b[30:32], m.LenItem)
	putAddr(b[32:40], m.FlowRingAddr)
	return nil
}

func (m *FlowRingCreate) Unmarshal(b []byte) error {
	if len(b) < FlowRingCreateSize {
		return ErrInsufficientData
	}
	getHeader(b, &m.Hdr)
	copy(m.DA[:], b[8:14])
	copy(m.SA[:], b[14:20])
	m.Tid = b[20]
	m.IfFlags = b[21]
	m.FlowRingID = binary.LittleEndian.Uint16(b[22:24])
	m.TC = b[24]
	m.Priority = b[25]
	m.IntVector = binary.LittleEndian.Uint16(b[26:28])
	m.MaxItems = binary.LittleEndian.Uint16(b[28:30])
	m.LenItem = binary.LittleEndian.Uint16(b[30:32])
	m.FlowRingAddr = getAddr(b[32:40])
	return nil
}

// FlowRingDelete

func (m *FlowRingDelete) Type() uint8 { return TypeFlowRingDelete }
func (m *FlowRingDelete) Size() int   { return FlowRingDeleteSize }

func (m *FlowRingDelete) MarshalTo(b []byte) error {
	b, err := prepare(b, FlowRingDeleteSize)
	if err != nil {
		return err
	}
	putHeader(b, TypeFlowRingDelete, &m.Hdr)
	binary.LittleEndian.PutUint16(b[8:10], m.FlowRingID)
	binary.LittleEndian.PutUint16(b[10:12], m.Reason)
	return nil
}

func (m *FlowRingDelete) Unmarshal(b []byte) error {
	if len(b) < FlowRingDeleteSize {
		return ErrInsufficientData
	}
	getHeader(b, &m.Hdr)
	m.FlowRingID = binary.LittleEndian.Uint16(b[8:10])
	m.Reason = binary.LittleEndian.Uint16(b[10:12])
	return nil
}

// FlowRingResp

func (m *FlowRingResp) Type() uint8 { return m.Hdr.MsgType }
func (m *FlowRingResp) Size() int   { return FlowRingRespSize }

func (m *FlowRingResp) MarshalTo(b []byte) error {
	b, err := prepare(b, FlowRingRespSize)
	if err != nil {
		return err
	}
	putHeader(b, m.Hdr.MsgType, &m.Hdr)
	putCompletion(b, &m.Cmpl)
	return nil
}

func (m *FlowRingResp) Unmarshal(b []byte) error {
	if len(b) < FlowRingRespSize {
		return ErrInsufficientData
	}
	getHeader(b, &m.Hdr)
	getCompletion(b, &m.Cmpl)
	return nil
}

// GenStatus

func (m *GenStatus) Type() uint8 { return TypeGenStatus }
func (m *GenStatus) Size() int   { return GenStatusSize }

func (m *GenStatus) MarshalTo(b []byte) error {
	b, err := prepare(b, GenStatusSize)
	if err != nil {
		return err
	}
	putHeader(b, TypeGenStatus, &m.Hdr)
	putCompletion(b, &m.Cmpl)
	binary.LittleEndian.PutUint16(b[12:14], m.WriteIdx)
	return nil
}

func (m *GenStatus) Unmarshal(b []byte) error {
	if len(b) < GenStatusSize {
		return ErrInsufficientData
	}
	getHeader(b, &m.Hdr)
	getCompletion(b, &m.Cmpl)
	m.WriteIdx = binary.LittleEndian.Uint16(b[12:14])
	return nil
}

// RingStatus

func (m *RingStatus) Type() uint8 { return TypeRingStatus }
func (m *RingStatus) Size() int   { return RingStatusSize }

func (m *RingStatus) MarshalTo(b []byte) error {
	b, err := prepare(b, RingStatusSize)
	if err != nil {
		return err
	}
	putHeader(b, TypeRingStatus, &m.Hdr)
	putCompletion(b, &m.Cmpl)
	binary.LittleEndian.PutUint16(b[12:14], m.WriteIdx)
	return nil
}

func (m *RingStatus) Unmarshal(b []byte) error {
	if len(b) < RingStatusSize {
		return ErrInsufficientData
	}
	getHeader(b, &m.Hdr)
	getCompletion(b, &m.Cmpl)
	m.WriteIdx = binary.LittleEndian.Uint16(b[12:14])
	return nil
}

// IoctlResp

func (m *IoctlResp) Type() uint8 {
	if m.Hdr.MsgType == TypeIoctlPtrReqAck {
		return TypeIoctlPtrReqAck
	}
	return TypeIoctlCmplt
}

func (m *IoctlResp) Size() int { return IoctlRespSize }

func (m *IoctlResp) MarshalTo(b []byte) error {
	b, err := prepare(b, IoctlRespSize)
	if err != nil {
		return err
	}
	putHeader(b, m.Type(), &m.Hdr)
	putCompletion(b, &m.Cmpl)
	binary.LittleEndian.PutUint16(b[12:14], m.RespLen)
	binary.LittleEndian.PutUint16(b[14:16], m.TransID)
	binary.LittleEndian.PutUint32(b[16:20], m.Cmd)
	return nil
}

func (m *IoctlResp) Unmarshal(b []byte) error {
	if len(b) < IoctlRespSize {
		return ErrInsufficientData
	}
	getHeader(b, &m.Hdr)
	getCompletion(b, &m.Cmpl)
	m.RespLen = binary.LittleEndian.Uint16(b[12:14])
	m.TransID = binary.LittleEndian.Uint16(b[14:16])
	m.Cmd = binary.LittleEndian.Uint32(b[16:20])
	return nil
}

// Status returns the firmware status as the signed value it carries
func (m *IoctlResp) Status() int16 {
	return int16(m.Cmpl.Status)
}

// RxEvent

func (m *RxEvent) Type() uint8 { return TypeWLEvent }
func (m *RxEvent) Size() int   { return RxEventSize }

func (m *RxEvent) MarshalTo(b []byte) error {
	b, err := prepare(b, RxEventSize)
	if err != nil {
		return err
	}
	putHeader(b, TypeWLEvent, &m.Hdr)
	putCompletion(b, &m.Cmpl)
	binary.LittleEndian.PutUint16(b[12:14], m.EventDataLen)
	binary.LittleEndian.PutUint16(b[14:16], m.SeqNum)
	return nil
}

func (m *RxEvent) Unmarshal(b []byte) error {
	if len(b) < RxEventSize {
		return ErrInsufficientData
	}
	getHeader(b, &m.Hdr)
	getCompletion(b, &m.Cmpl)
	m.EventDataLen = binary.LittleEndian.Uint16(b[12:14])
	m.SeqNum = binary.LittleEndian.Uint16(b[14:16])
	return nil
}

// TxStatus

func (m *TxStatus) Type() uint8 { return TypeTxStatus }
func (m *TxStatus) Size() int   { return TxStatusSize }

func (m *TxStatus) MarshalTo(b []byte) error {
	b, err := prepare(b, TxStatusSize)
	if err != nil {
		return err
	}
	putHeader(b, TypeTxStatus, &m.Hdr)
	putCompletion(b, &m.Cmpl)
	binary.LittleEndian.PutUint16(b[12:14], m.MetadataLen)
	binary.LittleEndian.PutUint16(b[14:16], m.TxStatus)
	return nil
}

func (m *TxStatus) Unmarshal(b []byte) error {
	if len(b) < TxStatusSize {
		return ErrInsufficientData
	}
	getHeader(b, &m.Hdr)
	getCompletion(b, &m.Cmpl)
	m.MetadataLen = binary.LittleEndian.Uint16(b[12:14])
	m.TxStatus = binary.LittleEndian.Uint16(b[14:16])
	return nil
}

// RxComplete

func (m *RxComplete) Type() uint8 { return TypeRxCmplt }
func (m *RxComplete) Size() int   { return RxCompleteSize }

func (m *RxComplete) MarshalTo(b []byte) error {
	b, err := prepare(b, RxCompleteSize)
	if err != nil {
		return err
	}
	putHeader(b, TypeRxCmplt, &m.Hdr)
	putCompletion(b, &m.Cmpl)
	binary.LittleEndian.PutUint16(b[12:14], m.MetadataLen)
	binary.LittleEndian.PutUint16(b[14:16], m.DataLen)
	binary.LittleEndian.PutUint16(b[16:18], m.DataOffset)
	binary.LittleEndian.PutUint16(b[18:20], m.Flags)
	binary.LittleEndian.PutUint32(b[20:24], m.RxStatus0)
	binary.LittleEndian.PutUint32(b[24:28], m.RxStatus1)
	return nil
}

func (m *RxComplete) Unmarshal(b []byte) error {
	if len(b) < RxCompleteSize {
		return ErrInsufficientData
	}
	getHeader(b, &m.Hdr)
	getCompletion(b, &m.Cmpl)
	m.MetadataLen = binary.LittleEndian.Uint16(b[12:14])
	m.DataLen = binary.LittleEndian.Uint16(b[14:16])
	m.DataOffset = binary.LittleEndian.Uint16(b[16:18])
	m.Flags = binary.LittleEndian.Uint16(b[18:20])
	m.RxStatus0 = binary.LittleEndian.Uint32(b[20:24])
	m.RxStatus1 = binary.LittleEndian.Uint32(b[24:28])
	return nil
}

// Compile-time interface checks
var (
	_ Message = (*IoctlReq)(nil)
	_ Message = (*CtrlBufPost)(nil)
	_ Message = (*RxBufPost)(nil)
	_ Message = (*TxPost)(nil)
	_ Message = (*FlowRingCreate)(nil)
	_ Message = (*FlowRingDelete)(nil)
	_ Message = (*FlowRingResp)(nil)
	_ Message = (*GenStatus)(nil)
	_ Message = (*RingStatus)(nil)
	_ Message = (*IoctlResp)(nil)
	_ Message = (*RxEvent)(nil)
	_ Message = (*TxStatus)(nil)
	_ Message = (*RxComplete)(nil)
)
