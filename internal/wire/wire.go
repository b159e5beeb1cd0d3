// Package wire defines the on-the-wire record layouts shared with the
// kernel across the four mapped regions of a device: cmdb (kernel->user
// command ring), cmdb_ack (user->kernel ack ring), cellc (config block
// plus celld descriptors) and cells (the byte arena celld.Offset indexes
// into). Every struct here mirrors a fixed kernel ABI layout byte for
// byte; marshal/unmarshal is manual rather than unsafe-cast so the
// layout is explicit and endianness is pinned regardless of host.
package wire

import "encoding/binary"

// Opcode is the operation carried by a Cmd record.
type Opcode uint8

const (
	OpRead    Opcode = 0
	OpWrite   Opcode = 1
	OpFlush   Opcode = 2
	OpDiscard Opcode = 3
)

// CmdSize is the on-wire size of a Cmd record: id(2) + op(1) + flags(1) +
// pad(4) + payload(16) = 24 bytes, 8-byte aligned so Payload can be read
// with plain uint64 loads.
const CmdSize = 24

// Cmd is one kernel->user command record. Payload is opcode-specific: for
// READ/WRITE it packs (first_celld_index, celld_count, device_offset); for
// DISCARD it packs (device_offset, length); FLUSH ignores it.
type Cmd struct {
	ID      uint16
	Op      Opcode
	Flags   uint8
	Payload [2]uint64
}

// Marshal encodes c into buf[:CmdSize]. buf must be at least CmdSize long.
func (c *Cmd) Marshal(buf []byte) {
	_ = buf[CmdSize-1]
	binary.LittleEndian.PutUint16(buf[0:2], c.ID)
	buf[2] = byte(c.Op)
	buf[3] = c.Flags
	binary.LittleEndian.PutUint64(buf[8:16], c.Payload[0])
	binary.LittleEndian.PutUint64(buf[16:24], c.Payload[1])
}

// Unmarshal decodes buf[:CmdSize] into c.
func (c *Cmd) Unmarshal(buf []byte) {
	_ = buf[CmdSize-1]
	c.ID = binary.LittleEndian.Uint16(buf[0:2])
	c.Op = Opcode(buf[2])
	c.Flags = buf[3]
	c.Payload[0] = binary.LittleEndian.Uint64(buf[8:16])
	c.Payload[1] = binary.LittleEndian.Uint64(buf[16:24])
}

// CmdAckSize is the on-wire size of a CmdAck record.
const CmdAckSize = 4

// CmdAck is one user->kernel completion record.
type CmdAck struct {
	ID  uint16
	Err uint16
}

// Marshal encodes a into buf[:CmdAckSize].
func (a *CmdAck) Marshal(buf []byte) {
	_ = buf[CmdAckSize-1]
	binary.LittleEndian.PutUint16(buf[0:2], a.ID)
	binary.LittleEndian.PutUint16(buf[2:4], a.Err)
}

// Unmarshal decodes buf[:CmdAckSize] into a.
func (a *CmdAck) Unmarshal(buf []byte) {
	_ = buf[CmdAckSize-1]
	a.ID = binary.LittleEndian.Uint16(buf[0:2])
	a.Err = binary.LittleEndian.Uint16(buf[2:4])
}

// CelldSize is the on-wire size of a Celld descriptor.
const CelldSize = 12

// CelldNone terminates a celld chain: Next == CelldNone means "no more
// segments in this command's gather list".
const CelldNone = ^uint32(0)

// Celld describes one segment of a command's scatter/gather list: Offset
// into the cells arena, DataSz bytes long, chained via Next to the next
// celld index for the same command (or CelldNone to terminate).
type Celld struct {
	Offset uint32
	DataSz uint32
	Next   uint32
}

// Marshal encodes d into buf[:CelldSize].
func (d *Celld) Marshal(buf []byte) {
	_ = buf[CelldSize-1]
	binary.LittleEndian.PutUint32(buf[0:4], d.Offset)
	binary.LittleEndian.PutUint32(buf[4:8], d.DataSz)
	binary.LittleEndian.PutUint32(buf[8:12], d.Next)
}

// Unmarshal decodes buf[:CelldSize] into d.
func (d *Celld) Unmarshal(buf []byte) {
	_ = buf[CelldSize-1]
	d.Offset = binary.LittleEndian.Uint32(buf[0:4])
	d.DataSz = binary.LittleEndian.Uint32(buf[4:8])
	d.Next = binary.LittleEndian.Uint32(buf[8:12])
}

// EncodeReadWrite packs a READ/WRITE payload: the celld chain start and
// length, plus the device byte offset the chain's segments apply from.
func EncodeReadWrite(firstCelld, celldCount uint32, deviceOffset uint64) [2]uint64 {
	return [2]uint64{uint64(firstCelld)<<32 | uint64(celldCount), deviceOffset}
}

// DecodeReadWrite unpacks a READ/WRITE payload.
func DecodeReadWrite(p [2]uint64) (firstCelld, celldCount uint32, deviceOffset uint64) {
	firstCelld = uint32(p[0] >> 32)
	celldCount = uint32(p[0])
	deviceOffset = p[1]
	return
}

// DecodeCelldArray decodes a contiguous array of celld records (as stored
// after the cellc header) into a slice of Celld, indexable the same way
// a command's firstCelld/Next fields reference them.
func DecodeCelldArray(buf []byte) []Celld {
	n := len(buf) / CelldSize
	out := make([]Celld, n)
	for i := range out {
		out[i].Unmarshal(buf[i*CelldSize : (i+1)*CelldSize])
	}
	return out
}

// EncodeDiscard packs a DISCARD payload.
func EncodeDiscard(deviceOffset, length uint64) [2]uint64 {
	return [2]uint64{deviceOffset, length}
}

// DecodeDiscard unpacks a DISCARD payload.
func DecodeDiscard(p [2]uint64) (deviceOffset, length uint64) {
	return p[0], p[1]
}
