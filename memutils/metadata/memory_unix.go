//go:build unix

package metadata

import (
	cerrors "github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

const canReleasePages = true

func pageSize() int {
	return unix.Getpagesize()
}

func mapArena(size int) ([]byte, error) {
	memory, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, cerrors.Wrapf(err, "failed to map a %d byte arena", size)
	}

	return memory, nil
}

func unmapArena(memory []byte) error {
	err := unix.Munmap(memory)
	if err != nil {
		return cerrors.Wrapf(err, "failed to unmap a %d byte arena", len(memory))
	}

	return nil
}

// releaseArena hands the provided page-aligned range back to the operating system. The range stays mapped
// and reads back as zeroes.
func releaseArena(memory []byte) bool {
	return unix.Madvise(memory, unix.MADV_DONTNEED) == nil
}
