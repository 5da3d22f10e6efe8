//go:build !linux

package physmem

import (
	"wasmos/kernel"

	"golang.org/x/sys/unix"
)

var (
	reserveFn = func(size int) ([]byte, error) {
		return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	}

	releaseFn = unix.Munmap
)

func scrub(b []byte) {
	kernel.Memset(b, 0)
}
