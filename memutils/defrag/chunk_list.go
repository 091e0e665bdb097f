package defrag

import (
	"github.com/vkngwrapper/anchorage/memutils"
	"github.com/vkngwrapper/anchorage/memutils/metadata"
)

// ChunkList is the collection of chunks a CompactionContext works over
type ChunkList interface {
	ChunkCount() int
	ChunkForIndex(index int) *metadata.Chunk
	// AddStatistics is called while the list is locked
	AddStatistics(stats *memutils.Statistics)
	// ReleaseEmptyChunks unmaps whichever empty chunks the list no longer needs. It is called while the
	// list is locked.
	ReleaseEmptyChunks()

	Lock()
	Unlock()
}
