//go:build unix

package rv32

import "golang.org/x/sys/unix"

// allocPages maps size bytes of anonymous, page-aligned memory for use
// as guest physical RAM. Falling back to a Go slice would work too, but
// an anonymous mmap avoids zeroing cost the kernel already guarantees
// and keeps large RAM images off the Go heap (and out of GC scanning,
// since []byte backing arrays containing no pointers are not scanned
// anyway, but large single allocations still show up in heap profiles).
func allocPages(size uint32) []byte {
	b, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		// Anonymous mmap failing is effectively unrecoverable (we'd be
		// out of address space or over a memory cgroup limit); fall
		// back to a heap allocation rather than propagating an error
		// through every NewMemory caller for a case that in practice
		// never happens on a dev or CI machine.
		return make([]byte, size)
	}
	return b
}
