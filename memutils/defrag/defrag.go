package defrag

// Algorithm identifies which compaction algorithm will be used for compaction passes
type Algorithm uint32

const (
	// AlgorithmFast pulls the nearest movable object into each free region and never slides objects.
	// It scans less, but a single pass will usually leave some free regions behind.
	AlgorithmFast Algorithm = iota + 1
	// AlgorithmFull pulls the object closest to the top of the chunk into each free region and slides
	// neighbours down when nothing else fits, so one unbounded pass packs every chunk that holds no
	// pinned objects.
	//
	// This is the default algorithm if none is specified.
	AlgorithmFull
)

var algorithmMapping = map[Algorithm]string{
	AlgorithmFast: "AlgorithmFast",
	AlgorithmFull: "AlgorithmFull",
}

func (a Algorithm) String() string {
	return algorithmMapping[a]
}

type defragCounterStatus uint32

const (
	defragCounterPass defragCounterStatus = iota
	defragCounterIgnore
	defragCounterEnd
)

var defragCounterStatusMapping = map[defragCounterStatus]string{
	defragCounterPass:   "defragCounterPass",
	defragCounterIgnore: "defragCounterIgnore",
	defragCounterEnd:    "defragCounterEnd",
}

func (s defragCounterStatus) String() string {
	return defragCounterStatusMapping[s]
}

// DefragmentationStats contains basic metrics for compaction over time
type DefragmentationStats struct {
	// BytesMoved is the number of bytes that have been successfully relocated
	BytesMoved int
	// BytesFreed is the capacity of the chunks released as a consequence of relocating objects out of them
	BytesFreed int
	// AllocationsMoved is the number of successful relocations
	AllocationsMoved int
	// ChunksReleased is the number of chunks the ChunkList chose to release after they were emptied
	ChunksReleased int
}

func (s *DefragmentationStats) Add(stats DefragmentationStats) {
	s.BytesMoved += stats.BytesMoved
	s.BytesFreed += stats.BytesFreed
	s.AllocationsMoved += stats.AllocationsMoved
	s.ChunksReleased += stats.ChunksReleased
}
