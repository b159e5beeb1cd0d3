package uio

import "unsafe"

// unsafeAdd returns a pointer to b[off], used to take the address of a
// trailing/header field inside an mmap'd region for atomic load/store.
func unsafeAdd(b []byte, off uint32) unsafe.Pointer {
	return unsafe.Pointer(&b[off])
}
