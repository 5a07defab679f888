package msgbuf

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ehrlich-b/go-msgbuf/internal/constants"
)

// Params tunes one Protocol instance. Zero fields take their defaults in
// ValidateAndSetDefaults.
type Params struct {
	// Packet-handle table sizes
	TxPktIDs int `yaml:"tx-pktids"`
	RxPktIDs int `yaml:"rx-pktids"`

	// Receive buffer targets. MaxRxBufPost 0 takes the bus value.
	MaxRxBufPost        int `yaml:"max-rxbufpost"`
	MaxEventBufPost     int `yaml:"max-eventbufpost"`
	MaxIoctlRespBufPost int `yaml:"max-ioctlrespbufpost"`

	// RxBufPostThreshold is how far the data buffer count may fall below
	// its target before a refill
	RxBufPostThreshold int `yaml:"rxbufpost-threshold"`

	// Transmit scheduling
	TrickleTxThreshold int `yaml:"trickle-tx-threshold"`
	DelayTxThreshold   int `yaml:"delay-tx-threshold"`
	TxFlushFirst       int `yaml:"tx-flush-first"`
	TxFlushCount       int `yaml:"tx-flush-count"`

	// RxReadBatch is the number of completions consumed per read-pointer update
	RxReadBatch int `yaml:"rx-read-batch"`

	IoctlTimeout time.Duration `yaml:"ioctl-timeout"`

	// RxDataOffset overrides the bus receive data offset when set
	RxDataOffset int `yaml:"rx-data-offset"`

	// RxMetadataOffset reserves metadata space at the head of data buffers
	RxMetadataOffset int `yaml:"rx-metadata-offset"`

	// FlowRingMaxItems is the depth of each transmit flow ring
	FlowRingMaxItems int `yaml:"flow-ring-max-items"`

	// Flow control watermarks, in queued packets per flow
	FlowHighWatermark int `yaml:"flow-high-watermark"`
	FlowLowWatermark  int `yaml:"flow-low-watermark"`

	// BufferLimit caps outstanding pool buffers (0 = unlimited)
	BufferLimit int `yaml:"buffer-limit"`
}

// DefaultParams returns the protocol defaults
func DefaultParams() Params {
	return Params{
		TxPktIDs:            constants.NumTxPktIDs,
		RxPktIDs:            constants.NumRxPktIDs,
		MaxEventBufPost:     constants.MaxEventBufPost,
		MaxIoctlRespBufPost: constants.MaxIoctlRespBufPost,
		RxBufPostThreshold:  constants.RxBufPostThreshold,
		TrickleTxThreshold:  constants.TrickleTxThreshold,
		DelayTxThreshold:    constants.DelayTxThreshold,
		TxFlushFirst:        constants.TxFlushCount1,
		TxFlushCount:        constants.TxFlushCount2,
		RxReadBatch:         constants.RxReadBatch,
		IoctlTimeout:        constants.IoctlResponseTimeout,
		FlowRingMaxItems:    constants.TxFlowRingMaxItems,
		FlowHighWatermark:   constants.FlowHighWatermark,
		FlowLowWatermark:    constants.FlowLowWatermark,
	}
}

// ValidateAndSetDefaults fills zero fields and rejects inconsistent ones
func (p *Params) ValidateAndSetDefaults() error {
	d := DefaultParams()
	if p.TxPktIDs == 0 {
		p.TxPktIDs = d.TxPktIDs
	}
	if p.RxPktIDs == 0 {
		p.RxPktIDs = d.RxPktIDs
	}
	if p.MaxEventBufPost == 0 {
		p.MaxEventBufPost = d.MaxEventBufPost
	}
	if p.MaxIoctlRespBufPost == 0 {
		p.MaxIoctlRespBufPost = d.MaxIoctlRespBufPost
	}
	if p.RxBufPostThreshold == 0 {
		p.RxBufPostThreshold = d.RxBufPostThreshold
	}
	if p.TrickleTxThreshold == 0 {
		p.TrickleTxThreshold = d.TrickleTxThreshold
	}
	if p.DelayTxThreshold == 0 {
		p.DelayTxThreshold = d.DelayTxThreshold
	}
	if p.TxFlushFirst == 0 {
		p.TxFlushFirst = d.TxFlushFirst
	}
	if p.TxFlushCount == 0 {
		p.TxFlushCount = d.TxFlushCount
	}
	if p.RxReadBatch == 0 {
		p.RxReadBatch = d.RxReadBatch
	}
	if p.IoctlTimeout == 0 {
		p.IoctlTimeout = d.IoctlTimeout
	}
	if p.FlowRingMaxItems == 0 {
		p.FlowRingMaxItems = d.FlowRingMaxItems
	}
	if p.FlowHighWatermark == 0 {
		p.FlowHighWatermark = d.FlowHighWatermark
	}
	if p.FlowLowWatermark == 0 {
		p.FlowLowWatermark = min(d.FlowLowWatermark, p.FlowHighWatermark*3/4)
	}

	switch {
	case p.TxPktIDs < 0, p.RxPktIDs < 0, p.MaxRxBufPost < 0, p.MaxEventBufPost < 0,
		p.MaxIoctlRespBufPost < 0, p.RxBufPostThreshold < 0, p.RxReadBatch < 0,
		p.RxDataOffset < 0, p.RxMetadataOffset < 0, p.BufferLimit < 0, p.IoctlTimeout < 0:
		return NewError("params", ErrInvalidParameters, "negative parameter")
	case p.TxFlushFirst > p.TxFlushCount:
		return NewError("params", ErrInvalidParameters,
			fmt.Sprintf("first flush batch %d exceeds flush batch %d", p.TxFlushFirst, p.TxFlushCount))
	case p.FlowRingMaxItems < 2 || p.FlowRingMaxItems > 0xffff:
		return NewError("params", ErrInvalidParameters,
			fmt.Sprintf("flow ring depth %d out of range", p.FlowRingMaxItems))
	case p.FlowLowWatermark >= p.FlowHighWatermark:
		return NewError("params", ErrInvalidParameters, "low watermark must be below high watermark")
	case p.RxMetadataOffset >= constants.MaxPktSize:
		return NewError("params", ErrInvalidParameters, "metadata offset leaves no room for data")
	}
	return nil
}

// refillThreshold is the data-buffer shortfall that triggers a refill.
// Small targets refill after every completion.
func (p *Params) refillThreshold(target int) int {
	if target <= 2*p.RxBufPostThreshold {
		return 1
	}
	return p.RxBufPostThreshold
}

// ParamsFromYAML overlays a YAML document on the defaults
func ParamsFromYAML(b []byte) (Params, error) {
	p := DefaultParams()
	if err := yaml.Unmarshal(b, &p); err != nil {
		return Params{}, NewError("params", ErrInvalidParameters, err.Error())
	}
	if err := p.ValidateAndSetDefaults(); err != nil {
		return Params{}, err
	}
	return p, nil
}

// LoadParams reads a YAML parameter file
func LoadParams(path string) (Params, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Params{}, WrapError("params", err)
	}
	return ParamsFromYAML(b)
}
