package metadata

import (
	"math"

	"github.com/vkngwrapper/anchorage/memutils"
	"github.com/vkngwrapper/anchorage/memutils/mapping"
)

const (
	// BlockHeaderSize is the number of bytes reserved in front of every block's data area
	BlockHeaderSize int = 16
	// Granularity is the rounding applied to every allocation size
	Granularity uint = 16
)

// BlockHandle identifies a block inside a Chunk by the offset of its header. Handles are only stable
// while the chunk is not being mutated.
type BlockHandle int

const (
	NoBlock BlockHandle = math.MinInt
)

// Footprint is the number of data bytes a block needs to hold an object of the provided size
func Footprint(size int) int {
	if size < 1 {
		size = 1
	}
	return memutils.AlignUp(size, Granularity) + memutils.AlignUp(memutils.DebugMargin, Granularity)
}

// RequiredCapacity is the smallest chunk capacity that can hold a single object of the provided size
func RequiredCapacity(size int) int {
	return memutils.AlignUp(Footprint(size)+2*BlockHeaderSize, uint(pageSize()))
}

// PageSize is the granularity at which chunk memory is mapped and released
func PageSize() int {
	return pageSize()
}

// RegionVisitor is called once per region by Chunk.VisitAllRegions. The mapping is nil for free regions.
type RegionVisitor func(handle BlockHandle, offset int, size int, m *mapping.Mapping, free bool) error
