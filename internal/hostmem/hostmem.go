// Package hostmem abstracts the single operation the memory subsystem
// needs from the host operating system: acquiring (and releasing) a
// contiguous range of anonymous, read-write byte-addressable memory. The
// pm package treats the returned range as the entirety of "physical"
// memory it manages; everything above this boundary (instruction
// encoding, the interpreter loop, file I/O) is the VM's concern, not
// this package's.
package hostmem

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Range describes a host byte range acquired from the OS.
type Range struct {
	Base uintptr
	Size int

	backing []byte
}

// Acquire reserves a page-aligned, zero-filled range of the given size
// (rounded up to the host page size) via an anonymous mmap. The returned
// Range must be released with Release once the caller is done with it.
func Acquire(size int) (*Range, error) {
	if size <= 0 {
		return nil, fmt.Errorf("hostmem: invalid size %d", size)
	}
	pg := unix.Getpagesize()
	size = (size + pg - 1) &^ (pg - 1)

	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("hostmem: mmap %d bytes: %w", size, err)
	}
	base := uintptr(unsafe.Pointer(&b[0]))
	if int(base)%pg != 0 {
		_ = unix.Munmap(b)
		return nil, fmt.Errorf("hostmem: mmap returned unaligned address %#x", base)
	}
	return &Range{Base: base, Size: size, backing: b}, nil
}

// Release returns the range to the OS. The Range must not be used again
// afterwards.
func (r *Range) Release() error {
	if r.backing == nil {
		return nil
	}
	err := unix.Munmap(r.backing)
	r.backing = nil
	return err
}
