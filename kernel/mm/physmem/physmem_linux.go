//go:build linux

package physmem

import (
	"wasmos/kernel"

	"golang.org/x/sys/unix"
)

// scrubThreshold is the smallest region that is zeroed by dropping its pages
// instead of overwriting them.
const scrubThreshold = 64 << 10

var (
	reserveFn = func(size int) ([]byte, error) {
		return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON|unix.MAP_NORESERVE)
	}

	releaseFn = unix.Munmap

	madviseFn = unix.Madvise
)

// scrub zeroes b. Large page-aligned regions are handed back to the host with
// MADV_DONTNEED which guarantees that anonymous private pages read back as
// zeroes.
func scrub(b []byte) {
	if len(b) >= scrubThreshold {
		if err := madviseFn(b, unix.MADV_DONTNEED); err == nil {
			return
		}
	}
	kernel.Memset(b, 0)
}
