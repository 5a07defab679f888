// Package ctrl correlates ioctl requests written to the control submission
// ring with the IOCTL_CMPLT completions that answer them. At most one
// transaction is in flight.
package ctrl

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ehrlich-b/go-msgbuf/internal/constants"
	"github.com/ehrlich-b/go-msgbuf/internal/errs"
	"github.com/ehrlich-b/go-msgbuf/internal/logging"
	"github.com/ehrlich-b/go-msgbuf/internal/wire"
)

// Correlator drives the single ioctl slot: Idle -> Awaiting -> Idle
type Correlator struct {
	cfg    Config
	permit *semaphore.Weighted
	logger *logging.Logger

	mu      sync.Mutex
	state   state
	transID uint16
	done    chan struct{}
	resp    wire.IoctlResp
}

// New creates a correlator
func New(cfg Config) (*Correlator, error) {
	if cfg.Ring == nil || cfg.Scratch == nil || cfg.RxIDs == nil || cfg.Pool == nil {
		return nil, errs.New("ioctl_init", errs.InvalidParameters, "ring, scratch buffer, rx table and pool are required")
	}
	if len(cfg.Scratch.Buf) < constants.IoctlMaxMsgSize {
		return nil, errs.New("ioctl_init", errs.InvalidParameters,
			fmt.Sprintf("scratch buffer of %d bytes, need %d", len(cfg.Scratch.Buf), constants.IoctlMaxMsgSize))
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Correlator{
		cfg:    cfg,
		permit: semaphore.NewWeighted(1),
		logger: logger.WithComponent("ioctl"),
	}, nil
}

// Call issues cmd on interface ifidx with buf as input and copies the
// response back into buf. Calls are serialized; a second caller waits for the
// permit, bounded by its own context.
func (c *Correlator) Call(ctx context.Context, ifidx int, cmd uint32, buf []byte) (Response, error) {
	if err := c.permit.Acquire(ctx, 1); err != nil {
		return Response{}, err
	}
	defer c.permit.Release(1)

	c.mu.Lock()
	c.transID++
	transID := c.transID
	done := make(chan struct{})
	c.done = done
	c.state = stateAwaiting
	c.mu.Unlock()

	if err := c.post(ifidx, cmd, transID, buf); err != nil {
		c.abandon()
		return Response{}, err
	}

	timer := time.NewTimer(c.cfg.Timeout)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		if c.abandon() {
			c.logger.Warn("ioctl timed out", "cmd", cmd, "trans_id", transID, "timeout", c.cfg.Timeout)
			return Response{}, errs.New("ioctl", errs.Timeout,
				fmt.Sprintf("no response to cmd %d within %s", cmd, c.cfg.Timeout))
		}
	case <-ctx.Done():
		if c.abandon() {
			return Response{}, ctx.Err()
		}
	}

	c.mu.Lock()
	resp := c.resp
	c.mu.Unlock()
	return c.consume(&resp, buf)
}

// post writes the IOCTLPTR_REQ record under the control ring lock
func (c *Correlator) post(ifidx int, cmd uint32, transID uint16, buf []byte) error {
	inLen := min(len(buf), constants.IoctlMaxMsgSize)
	scratch := c.cfg.Scratch.Buf[:constants.IoctlMaxMsgSize]
	clear(scratch)
	copy(scratch, buf[:inLen])

	req := wire.IoctlReq{
		Hdr: wire.CommonHeader{
			IfIdx:     uint8(ifidx),
			RequestID: constants.IoctlRequestPktID,
		},
		Cmd:          cmd,
		TransID:      transID,
		InputBufLen:  uint16(inLen),
		OutputBufLen: uint16(inLen),
		ReqBufAddr:   wire.SplitAddr(uint64(c.cfg.Scratch.Addr)),
	}

	r := c.cfg.Ring
	r.Lock()
	defer r.Unlock()
	slot, err := r.ReserveForWrite()
	if err != nil {
		c.logger.Warn("control ring full, ioctl not sent", "cmd", cmd)
		return errs.Wrap("ioctl", err)
	}
	if err := req.MarshalTo(slot); err != nil {
		r.WriteCancel(1)
		return errs.Wrap("ioctl", err)
	}
	if err := r.WriteComplete(); err != nil {
		return errs.Wrap("ioctl", err)
	}
	return nil
}

// abandon returns the slot to Idle. It reports false when the completion
// already arrived, in which case the caller must still consume it.
func (c *Correlator) abandon() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateAwaiting {
		return false
	}
	c.state = stateIdle
	c.done = nil
	return true
}

// consume takes the response buffer out of the receive table and copies its
// payload into buf
func (c *Correlator) consume(resp *wire.IoctlResp, buf []byte) (Response, error) {
	pkt, err := c.cfg.RxIDs.Take(resp.Hdr.RequestID)
	if err != nil && resp.RespLen != 0 {
		c.logger.Warn("ioctl response names unknown buffer", "pktid", resp.Hdr.RequestID, "len", resp.RespLen)
		return Response{}, errs.NewPktIDError("ioctl", int(resp.Hdr.RequestID), errs.NotFound, "response buffer not found")
	}

	n := 0
	if pkt != nil {
		want := min(len(buf), int(resp.RespLen))
		n = copy(buf[:want], pkt.Data())
		c.cfg.Pool.Put(pkt)
	}
	return Response{Status: int(resp.Status()), Len: n}, nil
}

// Complete is called by the dispatcher for every IOCTL_CMPLT. It reports
// whether the completion answered the in-flight request; stale or mismatched
// completions have their buffer released here.
func (c *Correlator) Complete(resp *wire.IoctlResp) bool {
	c.mu.Lock()
	if c.state == stateAwaiting && resp.TransID == c.transID {
		c.resp = *resp
		c.state = stateIdle
		close(c.done)
		c.done = nil
		c.mu.Unlock()
		return true
	}
	st, want := c.state, c.transID
	c.mu.Unlock()

	if pkt, err := c.cfg.RxIDs.Take(resp.Hdr.RequestID); err == nil {
		c.cfg.Pool.Put(pkt)
	}
	c.logger.Warn("dropping stale ioctl completion",
		"trans_id", resp.TransID, "expected", want, "state", st.String(), "cmd", resp.Cmd)
	return false
}

// Busy reports whether a transaction is awaiting its completion
func (c *Correlator) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateAwaiting
}

// TransID returns the id of the most recent transaction
func (c *Correlator) TransID() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transID
}
