// Package queue drives one device's ring protocol: pop a command off the
// cmd ring, dispatch it against the device's query.Handler tree, push the
// resulting ack. Unlike the teacher's per-queue io_uring FETCH/COMMIT
// model, there is exactly one Runner per device -- the ring protocol has
// no per-queue concept of its own, so there is nothing to fan the work
// out across beyond what the Handler tree itself parallelizes internally.
package queue

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"golang.org/x/sys/unix"

	"github.com/behrlich/ublkd/internal/constants"
	"github.com/behrlich/ublkd/internal/dispatch"
	"github.com/behrlich/ublkd/internal/interfaces"
	"github.com/behrlich/ublkd/internal/uio"
	"github.com/behrlich/ublkd/internal/wire"
	"github.com/behrlich/ublkd/query"
)

// Config configures one device's Runner.
type Config struct {
	DevID       uint32
	Depth       int // cmd/ack ring length, in records
	Handler     query.Handler
	Logger      interfaces.Logger
	Observer    interfaces.Observer
	CPUAffinity []int // optional; Runner pins its loop to CPUAffinity[0] if set
	Endpoint    *uio.Endpoint
	Regions     uio.Regions
}

// Runner owns a device's event loop: it pins one OS thread for the
// lifetime of the device (mirroring ublk_drv's per-queue thread affinity
// requirement, carried over even though there is only one thread per
// device now, not one per queue) and repeatedly pops a command, dispatches
// it, and pushes the ack.
type Runner struct {
	deviceID    uint32
	handler     query.Handler
	logger      interfaces.Logger
	observer    interfaces.Observer
	cpuAffinity []int

	ep      *uio.Endpoint
	regions uio.Regions
	cmdRing *uio.CmdRing
	ackRing *uio.AckRing

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRunner builds a Runner over cfg's shared-memory regions and
// notification endpoint.
func NewRunner(ctx context.Context, cfg Config) (*Runner, error) {
	cmdRing, err := uio.NewCmdRing(cfg.Regions.Cmdb, cfg.Regions.Cellc, uint32(cfg.Depth))
	if err != nil {
		return nil, fmt.Errorf("queue: cmd ring: %w", err)
	}
	ackRing, err := uio.NewAckRing(cfg.Regions.CmdbAck, cfg.Regions.Cellc, uint32(cfg.Depth))
	if err != nil {
		return nil, fmt.Errorf("queue: ack ring: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	return &Runner{
		deviceID:    cfg.DevID,
		handler:     cfg.Handler,
		logger:      cfg.Logger,
		observer:    cfg.Observer,
		cpuAffinity: cfg.CPUAffinity,
		ep:          cfg.Endpoint,
		regions:     cfg.Regions,
		cmdRing:     cmdRing,
		ackRing:     ackRing,
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}, nil
}

// Start launches the event loop goroutine.
func (r *Runner) Start() error {
	go r.loop()
	return nil
}

// Stop signals the event loop to exit; it does not wait for it.
func (r *Runner) Stop() error {
	if r.cancel != nil {
		r.cancel()
	}
	return nil
}

// Close stops the loop and waits for it to exit.
func (r *Runner) Close() error {
	_ = r.Stop()
	<-r.done
	return nil
}

// loop is the device's event loop: pin the thread, optionally set CPU
// affinity, then pop/dispatch/ack until the context is cancelled.
func (r *Runner) loop() {
	defer close(r.done)
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if len(r.cpuAffinity) > 0 {
		var mask unix.CPUSet
		mask.Set(r.cpuAffinity[0])
		if err := unix.SchedSetaffinity(0, &mask); err != nil {
			if r.logger != nil {
				r.logger.Printf("device %d: failed to set CPU affinity to %d: %v", r.deviceID, r.cpuAffinity[0], err)
			}
		} else if r.logger != nil {
			r.logger.Debugf("device %d: pinned event loop to CPU %d", r.deviceID, r.cpuAffinity[0])
		}
	}

	var cmd wire.Cmd
	for {
		select {
		case <-r.ctx.Done():
			return
		default:
		}

		if !r.cmdRing.PopWait(&cmd, constants.PopSpins) {
			if _, err := r.ep.ReadNewCmdCount(); err != nil {
				select {
				case <-r.ctx.Done():
					return
				default:
				}
				if r.logger != nil {
					r.logger.Printf("device %d: notification read failed: %v", r.deviceID, err)
				}
				return
			}
			continue
		}
		if err := r.ep.SignalCredit(1); err != nil && r.logger != nil {
			r.logger.Printf("device %d: signal credit failed: %v", r.deviceID, err)
		}
		r.handleOne(cmd)
	}
}

// handleOne decodes cmd's celld chain, dispatches it, and pushes the ack
// once the handler tree completes it.
func (r *Runner) handleOne(cmd wire.Cmd) {
	celldsLen := uio.CelldsLen(r.regions.Cellc)
	cellds := wire.DecodeCelldArray(uio.CelldArray(r.regions.Cellc, celldsLen))

	start := time.Now()
	dispatch.Dispatch(cmd, cellds, r.regions.Cells, r.handler, func(errno int) {
		r.ackRing.PushWait(wire.CmdAck{ID: cmd.ID, Err: uint16(errno)}, constants.PushSpins)
		if err := r.ep.SignalCredit(1); err != nil && r.logger != nil {
			r.logger.Printf("device %d: signal credit failed: %v", r.deviceID, err)
		}
		if r.observer != nil {
			r.observe(cmd, cellds, errno, time.Since(start))
		}
	})
}

// observe reports one completed command to the configured Observer.
// Byte counts for READ/WRITE are the sum of the celld chain's segment
// sizes, recomputed here rather than threaded out of dispatch.Collect.
// Commands whose celld chain failed to decode are reported here too,
// with their non-zero errno.
func (r *Runner) observe(cmd wire.Cmd, cellds []wire.Celld, errno int, dur time.Duration) {
	ns := uint64(dur.Nanoseconds())
	success := errno == 0

	switch cmd.Op {
	case wire.OpRead:
		r.observer.ObserveRead(chainBytes(cmd, cellds), ns, success)
	case wire.OpWrite:
		r.observer.ObserveWrite(chainBytes(cmd, cellds), ns, success)
	case wire.OpFlush:
		r.observer.ObserveFlush(ns, success)
	case wire.OpDiscard:
		_, length := wire.DecodeDiscard(cmd.Payload)
		r.observer.ObserveDiscard(length, ns, success)
	}
}

// chainBytes sums the DataSz of every celld in cmd's scatter/gather chain,
// bounded by its declared count so a corrupt chain can't loop forever.
func chainBytes(cmd wire.Cmd, cellds []wire.Celld) uint64 {
	first, count, _ := wire.DecodeReadWrite(cmd.Payload)
	var total uint64
	idx := first
	for i := uint32(0); i < count; i++ {
		if idx == wire.CelldNone || int(idx) >= len(cellds) {
			break
		}
		total += uint64(cellds[idx].DataSz)
		idx = cellds[idx].Next
	}
	return total
}
