// Package ublk provides the main API for creating userspace block devices.
package ublk

import (
	"context"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/behrlich/ublkd/internal/constants"
	"github.com/behrlich/ublkd/internal/interfaces"
	"github.com/behrlich/ublkd/internal/queue"
	"github.com/behrlich/ublkd/internal/uio"
	"github.com/behrlich/ublkd/internal/wire"
	"github.com/behrlich/ublkd/topology"
)

// Backend is a synchronous leaf store: a single file or in-memory region
// addressed by byte offset, the contract every backend package leaf
// implements. It is a public alias of internal/interfaces.Backend so
// callers can reference it without reaching into an internal package.
type Backend = interfaces.Backend

// DiscardBackend is an optional interface for TRIM/DISCARD support.
type DiscardBackend = interfaces.DiscardBackend

// Logger is the logging contract CreateAndServe accepts; internal/logging's
// Logger satisfies it.
type Logger = interfaces.Logger

// Device represents a running ublk block device: the shared-memory ring
// mapped from its character device and the query.Handler tree serving it.
// Establishing the kernel's half of the device (ublk_drv's ADD_DEV/
// START_DEV handshake over netlink) happens before CreateAndServe is ever
// called; that control-plane binding is outside this package's scope.
type Device struct {
	// ID is the device ID the kernel assigned when it created this device.
	ID uint32

	// CharPath is the character device backing the mapped ring regions.
	CharPath string

	topo    *topology.Handle
	runner  *queue.Runner
	ep      *uio.Endpoint
	regions uio.Regions
	charFd  int

	ctx     context.Context
	cancel  context.CancelFunc
	started bool

	depth     int
	blockSize int
	size      int64

	metrics  *Metrics
	observer Observer
}

// DeviceParams configures the shared-memory ring and the storage topology
// behind a device. CharPath/KernelToUserPath/UserToKernelPath must already
// name a device the kernel has finished creating.
type DeviceParams struct {
	// Topology describes the storage tree: a single leaf, RAID0/1/4/5, a
	// nested composition (RAID10/40/50), optionally cache-wrapped.
	Topology topology.Spec

	// CharPath is the ublk character device backing the four mmap'd ring
	// regions (cmdb, cmdb_ack, cellc, cells), one per UIO mapping index.
	CharPath string

	// KernelToUserPath/UserToKernelPath are the UIO device pair carrying
	// "new command" and "credit" notifications.
	KernelToUserPath string
	UserToKernelPath string

	CmdRingLen       uint32 // cmd/ack ring length, in records
	MaxCellds        uint32 // celld descriptor table capacity
	CellArenaSize    int    // size of the cells byte arena, in bytes
	LogicalBlockSize int
	MaxIOSize        int

	// Discard parameters, descriptive only: they are kept here for a
	// caller's own reporting (DeviceInfo does not carry them) and are not
	// enforced here, since enforcing queue limits against the kernel is a
	// control-plane concern this package does not own.
	DiscardAlignment   uint32
	DiscardGranularity uint32
	MaxDiscardSectors  uint32
	MaxDiscardSegments uint16

	DeviceID    uint32
	DeviceName  string
	CPUAffinity []int // pins the device's event loop to CPUAffinity[0] if set
}

// DefaultParams returns default device parameters wrapping topo.
func DefaultParams(topo topology.Spec) DeviceParams {
	return DeviceParams{
		Topology:           topo,
		CmdRingLen:         constants.DefaultCmdRingLen,
		MaxCellds:          constants.DefaultMaxCellds,
		CellArenaSize:      constants.DefaultCellArenaSize,
		LogicalBlockSize:   constants.DefaultLogicalBlockSize,
		MaxIOSize:          constants.DefaultMaxIOSize,
		DiscardAlignment:   constants.DefaultDiscardAlignment,
		DiscardGranularity: constants.DefaultDiscardGranularity,
		MaxDiscardSectors:  constants.DefaultMaxDiscardSectors,
		MaxDiscardSegments: constants.DefaultMaxDiscardSegments,
		DeviceID:           constants.AutoAssignDeviceID,
	}
}

// Options contains additional options for device creation.
type Options struct {
	// Context for cancellation (if nil, uses context.Background()).
	Context context.Context

	// Logger for debug/info messages (if nil, no logging).
	Logger Logger

	// Observer for metrics collection (if nil, uses the built-in Metrics).
	Observer Observer
}

// CreateAndServe maps a device's shared-memory ring regions, builds its
// storage topology, and starts the event loop serving I/O against it.
//
// The device continues serving I/O until the context is cancelled,
// StopAndDelete is called, or the notification endpoint's read fails
// (the kernel having torn the device down from its side).
//
// Example:
//
//	topo := topology.Spec{Kind: topology.Single, Leaf: topology.LeafSpec{Kind: topology.LeafMemory, Size: 64 << 20}}
//	params := ublk.DefaultParams(topo)
//	params.CharPath = "/dev/ublkc0"
//	params.KernelToUserPath, params.UserToKernelPath = "/dev/uio0", "/dev/uio1"
//	device, err := ublk.CreateAndServe(context.Background(), params, nil)
func CreateAndServe(ctx context.Context, params DeviceParams, options *Options) (*Device, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if options == nil {
		options = &Options{}
	}
	if options.Context != nil {
		ctx = options.Context
	}

	topo, err := topology.Build(params.Topology)
	if err != nil {
		return nil, fmt.Errorf("ublk: build topology: %v", err)
	}

	ep, err := uio.OpenEndpoint(params.KernelToUserPath, params.UserToKernelPath)
	if err != nil {
		topo.Close()
		return nil, fmt.Errorf("ublk: open notification endpoint: %v", err)
	}

	charFd, err := unix.Open(params.CharPath, unix.O_RDWR, 0)
	if err != nil {
		ep.Close()
		topo.Close()
		return nil, fmt.Errorf("ublk: open %s: %v", params.CharPath, err)
	}

	regions, err := mapRegions(charFd, params)
	if err != nil {
		unix.Close(charFd)
		ep.Close()
		topo.Close()
		return nil, err
	}

	metrics := NewMetrics()
	var observer Observer = NewMetricsObserver(metrics)
	if options.Observer != nil {
		observer = options.Observer
	}

	device := &Device{
		ID:        params.DeviceID,
		CharPath:  params.CharPath,
		topo:      topo,
		ep:        ep,
		regions:   regions,
		charFd:    charFd,
		depth:     int(params.CmdRingLen),
		blockSize: params.LogicalBlockSize,
		size:      topology.Size(params.Topology),
		metrics:   metrics,
		observer:  observer,
	}
	device.ctx, device.cancel = context.WithCancel(ctx)

	runner, err := queue.NewRunner(device.ctx, queue.Config{
		DevID:       params.DeviceID,
		Depth:       int(params.CmdRingLen),
		Handler:     topo.Handler,
		Logger:      options.Logger,
		Observer:    observer,
		CPUAffinity: params.CPUAffinity,
		Endpoint:    ep,
		Regions:     regions,
	})
	if err != nil {
		unmapRegions(regions)
		unix.Close(charFd)
		ep.Close()
		topo.Close()
		return nil, fmt.Errorf("ublk: create runner: %v", err)
	}
	device.runner = runner

	if err := runner.Start(); err != nil {
		unmapRegions(regions)
		unix.Close(charFd)
		ep.Close()
		topo.Close()
		return nil, fmt.Errorf("ublk: start runner: %v", err)
	}
	device.started = true

	if options.Logger != nil {
		options.Logger.Printf("device %d: serving %s (%d bytes)", device.ID, device.CharPath, device.size)
	}

	return device, nil
}

// mapRegions mmaps the four ring regions at their UIO-convention mapping
// indices, sized from params.
func mapRegions(fd int, params DeviceParams) (uio.Regions, error) {
	cmdbLen := int(params.CmdRingLen)*wire.CmdSize + 4
	cmdbAckLen := int(params.CmdRingLen)*wire.CmdAckSize + 4
	cellcLen := 12 + int(params.MaxCellds)*wire.CelldSize
	cellsLen := params.CellArenaSize

	cmdb, err := uio.MmapRegion(fd, constants.CmdbMapIndex, cmdbLen)
	if err != nil {
		return uio.Regions{}, fmt.Errorf("ublk: mmap cmdb: %v", err)
	}
	cmdbAck, err := uio.MmapRegion(fd, constants.CmdbAckMapIndex, cmdbAckLen)
	if err != nil {
		uio.UnmapRegion(cmdb)
		return uio.Regions{}, fmt.Errorf("ublk: mmap cmdb_ack: %v", err)
	}
	cellc, err := uio.MmapRegion(fd, constants.CellcMapIndex, cellcLen)
	if err != nil {
		uio.UnmapRegion(cmdbAck)
		uio.UnmapRegion(cmdb)
		return uio.Regions{}, fmt.Errorf("ublk: mmap cellc: %v", err)
	}
	cells, err := uio.MmapRegion(fd, constants.CellsMapIndex, cellsLen)
	if err != nil {
		uio.UnmapRegion(cellc)
		uio.UnmapRegion(cmdbAck)
		uio.UnmapRegion(cmdb)
		return uio.Regions{}, fmt.Errorf("ublk: mmap cells: %v", err)
	}

	return uio.Regions{Cmdb: cmdb, CmdbAck: cmdbAck, Cellc: cellc, Cells: cells, CmdsLen: params.CmdRingLen}, nil
}

func unmapRegions(r uio.Regions) {
	uio.UnmapRegion(r.Cmdb)
	uio.UnmapRegion(r.CmdbAck)
	uio.UnmapRegion(r.Cellc)
	uio.UnmapRegion(r.Cells)
}

// DeviceState represents the current state of a ublk device.
type DeviceState string

const (
	// DeviceStateCreated indicates the device has been created but not started.
	DeviceStateCreated DeviceState = "created"
	// DeviceStateRunning indicates the device is actively serving I/O.
	DeviceStateRunning DeviceState = "running"
	// DeviceStateStopped indicates the device has been stopped.
	DeviceStateStopped DeviceState = "stopped"
)

// State returns the current state of the device.
func (d *Device) State() DeviceState {
	if d == nil {
		return DeviceStateStopped
	}
	if !d.started {
		return DeviceStateCreated
	}
	if d.ctx != nil {
		select {
		case <-d.ctx.Done():
			return DeviceStateStopped
		default:
			return DeviceStateRunning
		}
	}
	return DeviceStateRunning
}

// IsRunning returns true if the device is currently serving I/O.
func (d *Device) IsRunning() bool {
	return d.State() == DeviceStateRunning
}

// QueueDepth returns the cmd/ack ring depth configured for this device.
func (d *Device) QueueDepth() int {
	return d.depth
}

// BlockSize returns the logical block size of this device.
func (d *Device) BlockSize() int {
	return d.blockSize
}

// CharDevicePath returns the path to the character device backing the ring.
func (d *Device) CharDevicePath() string {
	return d.CharPath
}

// DeviceID returns the kernel-assigned device ID.
func (d *Device) DeviceID() uint32 {
	return d.ID
}

// Size returns the usable size of the device's storage topology in bytes.
func (d *Device) Size() int64 {
	return d.size
}

// DeviceInfo contains comprehensive information about a ublk device.
type DeviceInfo struct {
	ID         uint32      `json:"id"`
	CharPath   string      `json:"char_path"`
	State      DeviceState `json:"state"`
	QueueDepth int         `json:"queue_depth"`
	BlockSize  int         `json:"block_size"`
	Size       int64       `json:"size"`
	Running    bool        `json:"running"`
}

// Info returns comprehensive information about the device.
func (d *Device) Info() DeviceInfo {
	if d == nil {
		return DeviceInfo{}
	}
	state := d.State()
	return DeviceInfo{
		ID:         d.ID,
		CharPath:   d.CharPath,
		State:      state,
		QueueDepth: d.depth,
		BlockSize:  d.blockSize,
		Size:       d.Size(),
		Running:    state == DeviceStateRunning,
	}
}

// Metrics returns the current metrics for the device.
func (d *Device) Metrics() *Metrics {
	if d == nil {
		return nil
	}
	return d.metrics
}

// MetricsSnapshot returns a point-in-time snapshot of device metrics.
func (d *Device) MetricsSnapshot() MetricsSnapshot {
	if d == nil || d.metrics == nil {
		return MetricsSnapshot{}
	}
	return d.metrics.Snapshot()
}

// StopAndDelete stops the device's event loop, tears down its topology and
// releases its mapped regions. It does not touch the kernel's half of the
// device (the netlink ADD_DEV/DEL_DEV handshake is out of scope here).
func StopAndDelete(ctx context.Context, device *Device) error {
	if device == nil {
		return ErrInvalidParameters
	}

	if device.cancel != nil {
		device.cancel()
	}
	if device.metrics != nil {
		device.metrics.Stop()
	}
	if device.runner != nil {
		device.runner.Close()
	}

	var firstErr error
	if device.topo != nil {
		if err := device.topo.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	unmapRegions(device.regions)
	if err := unix.Close(device.charFd); err != nil && firstErr == nil {
		firstErr = err
	}
	if device.ep != nil {
		if err := device.ep.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	device.started = false
	return firstErr
}
