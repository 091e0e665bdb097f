package anchorage

import (
	"context"
	"fmt"
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/vkngwrapper/anchorage/memutils/mapping"
	"github.com/vkngwrapper/anchorage/memutils/metadata"
	"golang.org/x/exp/slog"
)

var heapChunkPool = sync.Pool{
	New: func() any {
		return &heapChunk{}
	},
}

// heapChunk wraps a metadata.Chunk with the bookkeeping the heap needs: which thread cache owns it and
// the mutex that guards its blocks outside of barrier rounds
type heapChunk struct {
	logger    *slog.Logger
	mutex     sync.Mutex
	chunk     *metadata.Chunk
	owner     *threadCache
	dedicated bool
	// generation advances every time the wrapper's chunk is destroyed, so a caller that read the
	// wrapper under a read lock can tell whether it still holds the same chunk
	generation uint64

	prevDedicated *heapChunk
	nextDedicated *heapChunk
}

func (c *heapChunk) Init(logger *slog.Logger, chunk *metadata.Chunk, dedicated bool) {
	if c.chunk != nil {
		panic("attempting to initialize a heap chunk that is already in use")
	}

	c.logger = logger
	c.chunk = chunk
	c.dedicated = dedicated
	c.owner = nil
	c.prevDedicated = nil
	c.nextDedicated = nil
}

func (c *heapChunk) ID() int {
	return c.chunk.ID()
}

func (c *heapChunk) alloc(size, reserve int, m *mapping.Mapping) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.chunk.AllocReserved(size, reserve, m)
}

// free releases the block at the pointer and reports whether the chunk is now empty
func (c *heapChunk) free(pointer unsafe.Pointer, m *mapping.Mapping) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	freed := c.chunk.Free(pointer)
	if freed != m {
		panic(fmt.Sprintf("chunk %d: freed the block at %p expecting mapping %d, but it belonged to another mapping", c.chunk.ID(), pointer, m.ID()))
	}

	return c.chunk.IsEmpty()
}

func (c *heapChunk) resize(pointer unsafe.Pointer, size int) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.chunk.ResizeInPlace(pointer, size)
}

func (c *heapChunk) isEmpty() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.chunk.IsEmpty()
}

func (c *heapChunk) Destroy() error {
	if c.chunk == nil {
		panic("attempting to destroy a heap chunk that has no backing chunk")
	}

	var unreleased error
	if !c.chunk.IsEmpty() {
		// Log all remaining allocations
		err := c.chunk.VisitAllRegions(func(handle metadata.BlockHandle, offset, size int, m *mapping.Mapping, free bool) error {
			if free {
				return nil
			}

			c.logUnreleasedMemory(offset, size, m)
			return nil
		})
		if err != nil {
			c.logger.LogAttrs(context.Background(),
				slog.LevelError,
				"[UNRELEASED MEMORY] error while iterating unreleased memory",
				slog.Any("error", err))
		}

		unreleased = errors.Errorf("chunk %d: %d objects were not freed before the chunk was destroyed", c.chunk.ID(), c.chunk.AllocationCount())
	}

	err := c.chunk.Destroy()
	c.chunk = nil
	c.owner = nil
	c.generation++
	if err != nil {
		return err
	}

	return unreleased
}

func (c *heapChunk) logUnreleasedMemory(offset, size int, m *mapping.Mapping) {
	c.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed object",
		slog.Int("chunk", c.chunk.ID()),
		slog.Int("offset", offset),
		slog.Int("size", size),
		slog.String("handle", m.Handle().String()),
		slog.String("flags", m.Flags().String()),
	)
}

func (c *heapChunk) Validate() error {
	if c.chunk == nil {
		return errors.New("no valid chunk for this heap chunk")
	}
	if c.chunk.Size() < 1 {
		return errors.New("this heap chunk's arena has an invalid size")
	}

	err := c.chunk.VisitAllRegions(func(handle metadata.BlockHandle, offset, size int, m *mapping.Mapping, free bool) error {
		if free && m != nil {
			return errors.Errorf("a block at offset %d is marked as free but is owned by mapping %d", offset, m.ID())
		} else if !free && m == nil {
			return errors.Errorf("a block at offset %d is marked as allocated but has no mapping", offset)
		} else if !free && (m.IsFree() || m.IsSwapped()) {
			return errors.Errorf("a block at offset %d is owned by mapping %d, which has flags %s", offset, m.ID(), m.Flags().String())
		}

		return nil
	})

	if err != nil {
		return err
	}

	err = c.chunk.Validate()
	if err != nil {
		return err
	}

	return c.chunk.CheckCorruption()
}
