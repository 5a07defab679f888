package msgbuf

import (
	"context"
	"time"

	"github.com/ehrlich-b/go-msgbuf/internal/ctrl"
)

// IoctlResponse is the outcome of one firmware ioctl
type IoctlResponse = ctrl.Response

// Query issues a read ioctl: buf carries the input and receives the response.
// Only one ioctl is in flight at a time; other callers wait for the slot
// within ctx.
func (p *Protocol) Query(ctx context.Context, ifidx int, cmd uint32, buf []byte) (IoctlResponse, error) {
	return p.call(ctx, "query", ifidx, cmd, buf)
}

// Set issues a write ioctl and returns the firmware status
func (p *Protocol) Set(ctx context.Context, ifidx int, cmd uint32, buf []byte) (int, error) {
	resp, err := p.call(ctx, "set", ifidx, cmd, buf)
	if err != nil {
		return 0, err
	}
	return resp.Status, nil
}

func (p *Protocol) call(ctx context.Context, op string, ifidx int, cmd uint32, buf []byte) (IoctlResponse, error) {
	if p.closed.Load() {
		return IoctlResponse{}, NewError(op, ErrClosed, "protocol detached")
	}
	if ifidx < 0 || ifidx >= MaxInterfaces {
		return IoctlResponse{}, NewError(op, ErrInvalidParameters, "interface index out of range")
	}

	start := time.Now()
	resp, err := p.ioctl.Call(ctx, ifidx, cmd, buf)
	latency := time.Since(start)

	p.observer.ObserveIoctl(uint64(latency.Nanoseconds()), err == nil && resp.Status == 0, IsCode(err, ErrTimeout))
	if err != nil {
		p.logger.Debug("ioctl failed", "op", op, "cmd", cmd, "ifidx", ifidx, "error", err)
		return resp, err
	}
	if resp.Status != 0 {
		p.logger.Debug("ioctl rejected by firmware", "op", op, "cmd", cmd, "status", resp.Status)
	}
	return resp, nil
}
