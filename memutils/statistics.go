package memutils

import "math"

// Statistics is a summary of the chunks and allocations in some portion of a heap
type Statistics struct {
	// ChunkCount is the number of chunks mapped
	ChunkCount int
	// AllocationCount is the number of live allocations
	AllocationCount int
	// ChunkBytes is the total capacity of every mapped chunk
	ChunkBytes int
	// AllocationBytes is the number of logically live bytes requested by allocations
	AllocationBytes int
	// ResidentBytes is the number of bytes in the chunks that have been touched and not yet returned
	// to the operating system
	ResidentBytes int
}

func (s *Statistics) Clear() {
	s.ChunkCount = 0
	s.AllocationCount = 0
	s.ChunkBytes = 0
	s.AllocationBytes = 0
	s.ResidentBytes = 0
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.ChunkCount += other.ChunkCount
	s.AllocationCount += other.AllocationCount
	s.ChunkBytes += other.ChunkBytes
	s.AllocationBytes += other.AllocationBytes
	s.ResidentBytes += other.ResidentBytes
}

// Fragmentation is the ratio of resident bytes to live bytes. An empty heap reports 1.
func (s *Statistics) Fragmentation() float64 {
	return Fraction(s.ResidentBytes, s.AllocationBytes, 1)
}

// SizeRange tracks the smallest and largest of a set of sizes
type SizeRange struct {
	Min int
	Max int
}

func (r *SizeRange) Clear() {
	r.Min = math.MaxInt
	r.Max = 0
}

func (r *SizeRange) Add(size int) {
	if size < r.Min {
		r.Min = size
	}
	if size > r.Max {
		r.Max = size
	}
}

// Merge widens the range to cover another one. Merging a cleared range changes nothing.
func (r *SizeRange) Merge(other SizeRange) {
	if other.Min < r.Min {
		r.Min = other.Min
	}
	if other.Max > r.Max {
		r.Max = other.Max
	}
}

// DetailedStatistics extends Statistics with the size spread of allocations and unused ranges. Call
// Clear before accumulating into it.
type DetailedStatistics struct {
	Statistics
	UnusedRangeCount int
	AllocationSizes  SizeRange
	UnusedRangeSizes SizeRange
}

func (s *DetailedStatistics) Clear() {
	s.Statistics.Clear()
	s.UnusedRangeCount = 0
	s.AllocationSizes.Clear()
	s.UnusedRangeSizes.Clear()
}

func (s *DetailedStatistics) AddUnusedRange(size int) {
	s.UnusedRangeCount++
	s.UnusedRangeSizes.Add(size)
}

func (s *DetailedStatistics) AddAllocation(size int) {
	s.AllocationCount++
	s.AllocationBytes += size
	s.AllocationSizes.Add(size)
}

func (s *DetailedStatistics) AddDetailedStatistics(other *DetailedStatistics) {
	s.Statistics.AddStatistics(&other.Statistics)
	s.UnusedRangeCount += other.UnusedRangeCount
	s.AllocationSizes.Merge(other.AllocationSizes)
	s.UnusedRangeSizes.Merge(other.UnusedRangeSizes)
}
