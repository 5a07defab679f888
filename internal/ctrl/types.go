package ctrl

import (
	"time"

	"github.com/ehrlich-b/go-msgbuf/internal/constants"
	"github.com/ehrlich-b/go-msgbuf/internal/dma"
	"github.com/ehrlich-b/go-msgbuf/internal/logging"
	"github.com/ehrlich-b/go-msgbuf/internal/pktbuf"
	"github.com/ehrlich-b/go-msgbuf/internal/pktid"
	"github.com/ehrlich-b/go-msgbuf/internal/ring"
)

// Config wires a Correlator to the control submission ring and the receive
// side buffers responses arrive in.
type Config struct {
	// Ring is the control submission ring; its lock is shared with every
	// other control-ring writer.
	Ring *ring.Ring

	// Scratch is the coherent request buffer. It must hold IoctlMaxMsgSize bytes.
	Scratch *dma.Coherent

	// RxIDs is the receive packet-handle table holding ioctl-response buffers
	RxIDs *pktid.Table

	// Pool receives response buffers once their payload has been copied out
	Pool *pktbuf.Pool

	Timeout time.Duration
	Logger  *logging.Logger
}

// DefaultTimeout bounds the wait for IOCTL_CMPLT
const DefaultTimeout = constants.IoctlResponseTimeout

type state int

const (
	stateIdle state = iota
	stateAwaiting
)

func (s state) String() string {
	if s == stateAwaiting {
		return "awaiting"
	}
	return "idle"
}

// Response is the outcome of one ioctl transaction
type Response struct {
	// Status is the firmware status (0 on success, negative firmware error)
	Status int
	// Len is the number of response bytes copied into the caller's buffer
	Len int
}
