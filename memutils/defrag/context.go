package defrag

import (
	"fmt"

	"github.com/vkngwrapper/anchorage/memutils"
	"github.com/vkngwrapper/anchorage/memutils/metadata"
)

// CompactionContext is the core of the compaction logic for memutils. It relocates objects within the
// chunks of a ChunkList so that their free space ends up above Tos, where it can be handed back to the
// operating system. A CompactionContext can be reused for any number of passes, as long as Init is called
// whenever its fields change.
//
// Every pass must run while no thread holds a raw pointer to an unpinned object in the list. Pinned and
// locked objects are never moved.
type CompactionContext struct {
	// Algorithm is the compaction algorithm that should be used
	Algorithm Algorithm
	// ChunkList is the memory object this context exists to compact
	ChunkList ChunkList
	// Evacuate permits objects to move between chunks. After each chunk has been compacted, the
	// chunk holding the fewest live bytes is emptied into the others where possible.
	Evacuate bool

	// scratchStats exists to avoid allocating statistics objects when passing them in to be populated
	// because we pass them to an interface so the escape analyzer will get annoying about it
	scratchStats memutils.Statistics
}

// Init prepares this CompactionContext for use
func (c *CompactionContext) Init() {
	if c.ChunkList == nil {
		panic("attempted to init compaction context without a chunk list")
	}

	if c.Algorithm == 0 {
		c.Algorithm = AlgorithmFull
	}
}

// CompactPass performs as many relocations as the PassContext allows, then asks the ChunkList to release
// whatever chunks were emptied. It returns true if the run is complete: either the pass budget was not
// exhausted or nothing could be moved at all.
func (c *CompactionContext) CompactPass(pass *PassContext) bool {
	c.ChunkList.Lock()
	defer c.ChunkList.Unlock()

	startMoved := pass.Stats.AllocationsMoved
	exhausted := false

	for index := 0; index < c.ChunkList.ChunkCount() && !exhausted; index++ {
		exhausted = c.compactChunk(pass, c.ChunkList.ChunkForIndex(index))
	}

	if !exhausted && c.Evacuate {
		exhausted = c.evacuate(pass)
	}

	c.scratchStats = memutils.Statistics{}
	c.ChunkList.AddStatistics(&c.scratchStats)
	prevCount := c.scratchStats.ChunkCount
	prevBytes := c.scratchStats.ChunkBytes

	c.ChunkList.ReleaseEmptyChunks()

	c.scratchStats = memutils.Statistics{}
	c.ChunkList.AddStatistics(&c.scratchStats)
	pass.Stats.ChunksReleased += prevCount - c.scratchStats.ChunkCount
	pass.Stats.BytesFreed += prevBytes - c.scratchStats.ChunkBytes

	return !exhausted || pass.Stats.AllocationsMoved == startMoved
}

// compactChunk walks the chunk's free regions from lowest to highest address, filling each one with a
// movable object from above it or sliding its neighbour down. It returns true if the pass budget ran out.
func (c *CompactionContext) compactChunk(pass *PassContext, chunk *metadata.Chunk) bool {
	rightmost := c.Algorithm == AlgorithmFull
	free, ok := chunk.FirstFreeRegion()

	for ok {
		used, found := chunk.FindMoveCandidate(free, pass.remainingBytes(), rightmost)
		if found {
			size := chunk.PerformMove(free, used)
			if pass.incrementCounters(size) {
				return true
			}

			// The free handle now refers to the relocated object
			free, ok = chunk.NextFreeRegion(free)
			continue
		}

		if c.Algorithm == AlgorithmFull && chunk.CanSlide(free) {
			size := chunk.SlideSize(free)

			counter := pass.checkCounters(size)
			switch counter {
			case defragCounterIgnore:
				free, ok = chunk.NextFreeRegion(free)
				continue
			case defragCounterEnd:
				return true
			case defragCounterPass:
				break
			default:
				panic(fmt.Sprintf("unexpected defrag counter status: %s", counter.String()))
			}

			chunk.Slide(free)
			if pass.incrementCounters(size) {
				return true
			}
		}

		free, ok = chunk.NextFreeRegion(free)
	}

	return false
}

func (c *CompactionContext) evacuationSource() int {
	source := -1
	sourceLive := 0

	for index := 0; index < c.ChunkList.ChunkCount(); index++ {
		chunk := c.ChunkList.ChunkForIndex(index)
		if chunk.IsEmpty() {
			continue
		}

		if source < 0 || chunk.LiveBytes() < sourceLive {
			source = index
			sourceLive = chunk.LiveBytes()
		}
	}

	return source
}

// evacuate moves objects out of the chunk with the fewest live bytes into chunks holding at least as many.
// Objects never flow toward a chunk emptier than the source, so repeated passes cannot bounce an object
// back and forth. It returns true if the pass budget ran out.
func (c *CompactionContext) evacuate(pass *PassContext) bool {
	if c.ChunkList.ChunkCount() < 2 {
		return false
	}

	sourceIndex := c.evacuationSource()
	if sourceIndex < 0 {
		return false
	}
	source := c.ChunkList.ChunkForIndex(sourceIndex)

	handle, ok := source.AllocationListBegin()
	for ok {
		next, nextOk := source.FindNextAllocation(handle)

		if source.IsMovable(handle) {
			size := source.MoveSize(handle)

			counter := pass.checkCounters(size)
			switch counter {
			case defragCounterIgnore:
				handle, ok = next, nextOk
				continue
			case defragCounterEnd:
				return true
			case defragCounterPass:
				break
			default:
				panic(fmt.Sprintf("unexpected defrag counter status: %s", counter.String()))
			}

			if c.moveToOtherChunk(source, sourceIndex, handle) && pass.incrementCounters(size) {
				return true
			}
		}

		handle, ok = next, nextOk
	}

	return false
}

func (c *CompactionContext) moveToOtherChunk(source *metadata.Chunk, sourceIndex int, handle metadata.BlockHandle) bool {
	for index := 0; index < c.ChunkList.ChunkCount(); index++ {
		if index == sourceIndex {
			continue
		}

		dst := c.ChunkList.ChunkForIndex(index)
		if dst.LiveBytes() < source.LiveBytes() {
			continue
		}

		if _, moved := source.MoveTo(handle, dst); moved {
			return true
		}
	}

	return false
}
