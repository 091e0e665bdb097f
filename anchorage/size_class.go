package anchorage

import (
	"math/bits"

	"github.com/vkngwrapper/anchorage/memutils"
	"github.com/vkngwrapper/anchorage/memutils/metadata"
)

const (
	smallClassStep     = 16
	smallClassLimit    = 256
	classesPerDoubling = 8
	// MaxClassSize is the largest request that is rounded to a size class. Larger requests are only
	// rounded to the block granularity.
	MaxClassSize = 32 * 1024

	smallClassCount = smallClassLimit / smallClassStep
	sizeClassCount  = smallClassCount + classesPerDoubling*(15-8)
)

// SizeClass returns the block size reserved for a request of the provided size: 16 byte steps up to
// 256 bytes, then eight classes for every doubling up to MaxClassSize
func SizeClass(size int) int {
	if size <= 0 {
		return smallClassStep
	}
	if size <= smallClassLimit {
		return memutils.AlignUp(size, smallClassStep)
	}
	if size > MaxClassSize {
		return memutils.AlignUp(size, metadata.Granularity)
	}

	step := classStep(size)
	return memutils.AlignUp(size, uint(step))
}

// sizeClassIndex returns the index of the request's size class, or -1 for requests above MaxClassSize
func sizeClassIndex(size int) int {
	if size <= 0 {
		return 0
	}
	if size <= smallClassLimit {
		return memutils.AlignUp(size, smallClassStep)/smallClassStep - 1
	}
	if size > MaxClassSize {
		return -1
	}

	doubling := bits.Len(uint(size-1)) - 1
	base := 1 << doubling
	step := base / classesPerDoubling
	class := memutils.AlignUp(size, uint(step))

	return smallClassCount + (doubling-8)*classesPerDoubling + (class-base)/step - 1
}

func classStep(size int) int {
	doubling := bits.Len(uint(size-1)) - 1
	return (1 << doubling) / classesPerDoubling
}
