// +build !integration

// Package unit holds cross-package smoke tests that run without a real
// ublk kernel device: wire record round-trips, the public Backend/error
// surface, and DefaultParams' sensible defaults. Package-level tests
// inside each package (internal/wire, raid, cache, topology, ...) cover
// the actual request-processing logic in depth; this package only checks
// the seams between them.
package unit

import (
	"testing"

	"github.com/behrlich/ublkd"
	"github.com/behrlich/ublkd/internal/wire"
	"github.com/behrlich/ublkd/topology"
)

func TestBackendInterfaceCompliance(t *testing.T) {
	backend := ublk.NewMockBackend(1024)

	var _ ublk.Backend = backend
	var _ ublk.DiscardBackend = backend

	testData := []byte("test data")
	n, err := backend.WriteAt(testData, 0)
	if err != nil {
		t.Errorf("WriteAt failed: %v", err)
	}
	if n != len(testData) {
		t.Errorf("WriteAt wrote %d bytes, want %d", n, len(testData))
	}

	readBuf := make([]byte, len(testData))
	n, err = backend.ReadAt(readBuf, 0)
	if err != nil {
		t.Errorf("ReadAt failed: %v", err)
	}
	if string(readBuf) != string(testData) {
		t.Errorf("ReadAt got %q, want %q", readBuf, testData)
	}
}

func TestDefaultParams(t *testing.T) {
	topo := topology.Spec{Kind: topology.Single, Leaf: topology.LeafSpec{Kind: topology.LeafMemory, Size: 64 << 20}}
	params := ublk.DefaultParams(topo)

	if params.CmdRingLen == 0 {
		t.Error("CmdRingLen should be positive")
	}
	if params.LogicalBlockSize <= 0 {
		t.Error("LogicalBlockSize should be positive")
	}
	if params.MaxIOSize <= 0 {
		t.Error("MaxIOSize should be positive")
	}
	if params.Topology.Kind != topology.Single {
		t.Error("Topology not set correctly")
	}
	if params.LogicalBlockSize != 512 {
		t.Errorf("LogicalBlockSize = %d, want 512", params.LogicalBlockSize)
	}
}

func TestErrorTypes(t *testing.T) {
	var _ error = ublk.ErrNotImplemented
	var _ error = ublk.ErrDeviceNotFound
	var _ error = ublk.ErrInvalidParameters

	if ublk.ErrNotImplemented.Error() != "not implemented" {
		t.Errorf("ErrNotImplemented message = %q, want 'not implemented'", ublk.ErrNotImplemented.Error())
	}
}

func TestWireCmdRoundTrip(t *testing.T) {
	c := wire.Cmd{ID: 7, Op: wire.OpWrite, Flags: 1, Payload: wire.EncodeReadWrite(3, 2, 8192)}
	buf := make([]byte, wire.CmdSize)
	c.Marshal(buf)

	var got wire.Cmd
	got.Unmarshal(buf)
	if got != c {
		t.Errorf("Cmd round-trip = %+v, want %+v", got, c)
	}

	firstCelld, celldCount, devOff := wire.DecodeReadWrite(got.Payload)
	if firstCelld != 3 || celldCount != 2 || devOff != 8192 {
		t.Errorf("DecodeReadWrite = (%d, %d, %d), want (3, 2, 8192)", firstCelld, celldCount, devOff)
	}
}

func TestWireCelldChain(t *testing.T) {
	cellds := []wire.Celld{
		{Offset: 0, DataSz: 16, Next: 1},
		{Offset: 16, DataSz: 16, Next: wire.CelldNone},
	}
	buf := make([]byte, len(cellds)*wire.CelldSize)
	for i, d := range cellds {
		d.Marshal(buf[i*wire.CelldSize : (i+1)*wire.CelldSize])
	}
	decoded := wire.DecodeCelldArray(buf)
	if len(decoded) != 2 || decoded[1].Next != wire.CelldNone {
		t.Errorf("DecodeCelldArray = %+v, want chain terminated by CelldNone", decoded)
	}
}

func TestWireCmdAckRoundTrip(t *testing.T) {
	a := wire.CmdAck{ID: 42, Err: 5}
	buf := make([]byte, wire.CmdAckSize)
	a.Marshal(buf)

	var got wire.CmdAck
	got.Unmarshal(buf)
	if got != a {
		t.Errorf("CmdAck round-trip = %+v, want %+v", got, a)
	}
}
