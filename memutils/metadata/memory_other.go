//go:build !unix

package metadata

import (
	"sync"

	cerrors "github.com/cockroachdb/errors"
	"modernc.org/memory"
)

var arena struct {
	sync.Mutex
	allocator memory.Allocator
}

const canReleasePages = false

func pageSize() int {
	return 4096
}

func mapArena(size int) ([]byte, error) {
	arena.Lock()
	defer arena.Unlock()

	mem, err := arena.allocator.Malloc(size)
	if err != nil {
		return nil, cerrors.Wrapf(err, "failed to map a %d byte arena", size)
	}

	return mem, nil
}

func unmapArena(mem []byte) error {
	arena.Lock()
	defer arena.Unlock()

	err := arena.allocator.Free(mem)
	if err != nil {
		return cerrors.Wrapf(err, "failed to unmap a %d byte arena", len(mem))
	}

	return nil
}

func releaseArena(mem []byte) bool {
	return false
}
