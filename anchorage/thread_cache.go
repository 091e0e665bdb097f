package anchorage

import (
	"github.com/vkngwrapper/anchorage/memutils/mapping"
	"golang.org/x/exp/slog"
)

// chunkStashLimit is the number of partially used chunks a cache keeps after retiring them as its
// active chunk
const chunkStashLimit = 2

// threadCache is the per-thread allocation front end. It owns an active chunk that it allocates from
// without touching the heap lock, plus a handful of retired chunks it may return to before asking the
// heap for more.
type threadCache struct {
	logger *slog.Logger
	heap   *heap
	shard  *mapping.Shard

	active *heapChunk
	stash  []*heapChunk

	classCounts [sizeClassCount]int
	largeCount  int
}

func (c *threadCache) Init(logger *slog.Logger, heap *heap, shard *mapping.Shard) {
	c.logger = logger
	c.heap = heap
	c.shard = shard
	c.active = nil
	c.stash = c.stash[:0]
	c.classCounts = [sizeClassCount]int{}
	c.largeCount = 0
}

// alloc places an object of the provided size and points the Mapping at it
func (c *threadCache) alloc(size int, m *mapping.Mapping) error {
	err := c.place(size, m)
	if err != nil {
		return err
	}

	classIndex := sizeClassIndex(size)
	if classIndex < 0 {
		c.largeCount++
	} else {
		c.classCounts[classIndex]++
	}
	return nil
}

func (c *threadCache) place(size int, m *mapping.Mapping) error {
	if size > c.heap.chunkSize/2 {
		return c.heap.allocDedicated(size, m)
	}

	reserve := SizeClass(size)

	if c.active != nil && c.active.alloc(size, reserve, m) {
		return nil
	}

	for i := len(c.stash) - 1; i >= 0; i-- {
		chunk := c.stash[i]
		if !chunk.alloc(size, reserve, m) {
			continue
		}

		c.stash = append(c.stash[:i], c.stash[i+1:]...)
		c.retire(c.active)
		c.active = chunk
		return nil
	}

	chunk, err := c.heap.acquireChunk(c, size, reserve, m)
	if err != nil {
		return err
	}

	c.retire(c.active)
	c.active = chunk
	c.logger.Debug("threadCache::alloc", slog.Int("Shard", c.shard.Index()), slog.Int("Chunk", chunk.ID()))
	return nil
}

// retire moves a chunk into the stash, returning the oldest stashed chunk to the heap if the stash is full
func (c *threadCache) retire(chunk *heapChunk) {
	if chunk == nil {
		return
	}

	if len(c.stash) >= chunkStashLimit {
		oldest := c.stash[0]
		c.stash = append(c.stash[:0], c.stash[1:]...)
		c.heap.releaseChunk(oldest)
	}

	c.stash = append(c.stash, chunk)
}

// ClassCount returns the number of allocations this cache has served from the size class that holds
// requests of the provided size
func (c *threadCache) ClassCount(size int) int {
	classIndex := sizeClassIndex(size)
	if classIndex < 0 {
		return c.largeCount
	}

	return c.classCounts[classIndex]
}

// Release hands every chunk back to the heap and drains the shard's remote queue
func (c *threadCache) Release() {
	if c.active != nil {
		c.heap.releaseChunk(c.active)
		c.active = nil
	}

	for i, chunk := range c.stash {
		c.heap.releaseChunk(chunk)
		c.stash[i] = nil
	}
	c.stash = c.stash[:0]

	c.shard.Release()
}
