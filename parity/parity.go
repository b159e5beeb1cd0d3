// Package parity implements the word-aligned XOR parity math shared by the
// RAID4/5 acceptor: plain XOR, not Reed-Solomon or any other
// erasure-coding scheme, and with no notion of reconstructing a failed
// leaf -- only of keeping one parity strip in sync with its data strips.
package parity

import (
	"encoding/binary"
	"fmt"
)

const wordSize = 8

// To XORs every 8-byte word of data into parity, starting at
// parityStartOffset within parity and wrapping around the parity buffer
// as needed. Both data and parity must be a whole number of 8-byte words,
// and parityStartOffset must itself be word-aligned.
func To(data, parity []byte, parityStartOffset int) error {
	if len(data)%wordSize != 0 {
		return fmt.Errorf("parity: data length %d is not word-aligned", len(data))
	}
	if len(parity)%wordSize != 0 {
		return fmt.Errorf("parity: parity length %d is not word-aligned", len(parity))
	}
	if parityStartOffset%wordSize != 0 {
		return fmt.Errorf("parity: start offset %d is not word-aligned", parityStartOffset)
	}
	if len(parity) == 0 {
		if len(data) == 0 {
			return nil
		}
		return fmt.Errorf("parity: empty parity buffer cannot absorb %d bytes of data", len(data))
	}

	off := parityStartOffset % len(parity)
	for i := 0; i < len(data); i += wordSize {
		d := binary.LittleEndian.Uint64(data[i : i+wordSize])
		p := binary.LittleEndian.Uint64(parity[off : off+wordSize])
		binary.LittleEndian.PutUint64(parity[off:off+wordSize], p^d)
		off += wordSize
		if off == len(parity) {
			off = 0
		}
	}
	return nil
}

// Renew zeroes parity and then XORs every 8-byte word of data into it from
// the start, recomputing it from scratch.
func Renew(data, parity []byte) error {
	for i := range parity {
		parity[i] = 0
	}
	return To(data, parity, 0)
}
