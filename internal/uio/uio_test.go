package uio

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/behrlich/ublkd/internal/wire"
)

func newTestRegions(cmdsLen uint32) (cmdb, cmdbAck, cellc []byte) {
	cmdb = make([]byte, int(cmdsLen)*wire.CmdSize+4)
	cmdbAck = make([]byte, int(cmdsLen)*wire.CmdAckSize+4)
	cellc = make([]byte, cellcHeaderSize)
	binary.LittleEndian.PutUint32(cellc[8:12], 0)
	return
}

func TestCmdRingPopEmpty(t *testing.T) {
	cmdb, _, cellc := newTestRegions(4)
	ring, err := NewCmdRing(cmdb, cellc, 4)
	require.NoError(t, err)

	var cmd wire.Cmd
	require.False(t, ring.Pop(&cmd))
}

func TestCmdRingPopAfterKernelProduces(t *testing.T) {
	cmdb, _, cellc := newTestRegions(4)
	ring, err := NewCmdRing(cmdb, cellc, 4)
	require.NoError(t, err)

	want := wire.Cmd{ID: 7, Op: wire.OpWrite, Flags: 1, Payload: wire.EncodeReadWrite(0, 2, 4096)}
	want.Marshal(cmdb[0:wire.CmdSize])
	binary.LittleEndian.PutUint32(cmdb[4*wire.CmdSize:4*wire.CmdSize+4], 1) // kernel advances tail

	var got wire.Cmd
	require.True(t, ring.Pop(&got))
	require.Equal(t, want.ID, got.ID)
	require.Equal(t, want.Op, got.Op)
	require.Equal(t, want.Payload, got.Payload)

	// Ring is empty again until the kernel advances tail further.
	require.False(t, ring.Pop(&got))

	// cmdb_head (cellc[0:4]) should reflect the one pop.
	require.Equal(t, uint32(1), binary.LittleEndian.Uint32(cellc[0:4]))
}

func TestCmdRingWrapsModCmdsLen(t *testing.T) {
	const cmdsLen = 4
	cmdb, _, cellc := newTestRegions(cmdsLen)
	ring, err := NewCmdRing(cmdb, cellc, cmdsLen)
	require.NoError(t, err)
	tailOff := uint32(cmdsLen) * wire.CmdSize

	slot := func(i uint32) []byte {
		s := (i % cmdsLen) * wire.CmdSize
		return cmdb[s : s+wire.CmdSize]
	}

	// Fill 3 of the 4 slots (head==tail means empty, so one slot always
	// stays free), then let the consumer drain 2 before the kernel wraps
	// around for the next 2 commands -- exercising wraparound.
	for i := uint32(0); i < 3; i++ {
		(&wire.Cmd{ID: uint16(i)}).Marshal(slot(i))
	}
	binary.LittleEndian.PutUint32(cmdb[tailOff:tailOff+4], 3)

	var got wire.Cmd
	require.True(t, ring.Pop(&got))
	require.Equal(t, uint16(0), got.ID)
	require.True(t, ring.Pop(&got))
	require.Equal(t, uint16(1), got.ID)

	// Kernel writes commands 3 and 4 into slots 3 and 0 (mod 4).
	(&wire.Cmd{ID: 3}).Marshal(slot(3))
	(&wire.Cmd{ID: 4}).Marshal(slot(4))
	binary.LittleEndian.PutUint32(cmdb[tailOff:tailOff+4], 5%cmdsLen)

	require.True(t, ring.Pop(&got))
	require.Equal(t, uint16(2), got.ID)
	require.True(t, ring.Pop(&got))
	require.Equal(t, uint16(3), got.ID)
	require.True(t, ring.Pop(&got))
	require.Equal(t, uint16(4), got.ID)
	require.False(t, ring.Pop(&got))
}

func TestAckRingPushFullWhenHeadLaps(t *testing.T) {
	_, cmdbAck, cellc := newTestRegions(2)
	ring, err := NewAckRing(cmdbAck, cellc, 2)
	require.NoError(t, err)

	// Kernel hasn't consumed anything: cmdb_ack_head stays at 0.
	require.True(t, ring.Push(wire.CmdAck{ID: 1, Err: 0}))
	// Second push would make tail==head (full, capacity N-1 usable slots).
	require.False(t, ring.Push(wire.CmdAck{ID: 2, Err: 0}))

	// Kernel advances its head past the first record: room opens up.
	binary.LittleEndian.PutUint32(cellc[4:8], 1)
	require.True(t, ring.Push(wire.CmdAck{ID: 2, Err: 0}))
}

func TestAckRingPushWriteRecord(t *testing.T) {
	_, cmdbAck, cellc := newTestRegions(4)
	ring, err := NewAckRing(cmdbAck, cellc, 4)
	require.NoError(t, err)

	require.True(t, ring.Push(wire.CmdAck{ID: 9, Err: 5}))

	var got wire.CmdAck
	got.Unmarshal(cmdbAck[0:wire.CmdAckSize])
	require.Equal(t, uint16(9), got.ID)
	require.Equal(t, uint16(5), got.Err)
	require.Equal(t, uint32(1), binary.LittleEndian.Uint32(cmdbAck[4*wire.CmdAckSize:4*wire.CmdAckSize+4]))
}

func TestCelldArrayAndLen(t *testing.T) {
	cellc := make([]byte, cellcHeaderSize+2*wire.CelldSize)
	binary.LittleEndian.PutUint32(cellc[8:12], 2)
	require.Equal(t, uint32(2), CelldsLen(cellc))
	require.Len(t, CelldArray(cellc, 2), 2*wire.CelldSize)
}
