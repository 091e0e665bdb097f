package metadata

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/anchorage/memutils"
	"github.com/vkngwrapper/anchorage/memutils/mapping"
)

// VisitAllRegions calls the visitor once for each block in physical order, then once for the unused span
// above Tos if there is one. This is slow and should be reserved for diagnostics.
func (c *Chunk) VisitAllRegions(visit RegionVisitor) error {
	for block := c.head; block != c.tail; block = block.nextPhysical {
		size := block.size()
		if !block.IsFree() {
			size = block.length
		}

		err := visit(BlockHandle(block.offset), block.dataOffset(), size, block.mapping, block.IsFree())
		if err != nil {
			return err
		}
	}

	unused := c.capacity - c.tail.offset - BlockHeaderSize
	if unused > 0 {
		return visit(BlockHandle(c.tail.offset), c.tail.dataOffset(), unused, nil, true)
	}

	return nil
}

func (c *Chunk) AddStatistics(stats *memutils.Statistics) {
	stats.ChunkCount++
	stats.ChunkBytes += c.capacity
	stats.AllocationCount += c.allocCount
	stats.AllocationBytes += c.liveBytes
	stats.ResidentBytes += c.highWater
}

func (c *Chunk) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.ChunkCount++
	stats.ChunkBytes += c.capacity
	stats.ResidentBytes += c.highWater

	_ = c.VisitAllRegions(func(handle BlockHandle, offset, size int, _ *mapping.Mapping, free bool) error {
		if free {
			stats.AddUnusedRange(size)
		} else {
			stats.AddAllocation(size)
		}
		return nil
	})
}

// BlockJsonData populates a json object with information about this chunk
func (c *Chunk) BlockJsonData(json jwriter.ObjectState) {
	json.Name("TotalBytes").Int(c.capacity)
	json.Name("UnusedBytes").Int(c.SumFreeSize())
	json.Name("Allocations").Int(c.allocCount)
	json.Name("UnusedRanges").Int(c.freeCount)
	json.Name("Tos").Int(c.tail.offset)
	json.Name("ResidentBytes").Int(c.highWater)
}

// CheckCorruption verifies the debug margin after every live allocation. It only detects anything when
// built with the debug_mem_utils tag.
func (c *Chunk) CheckCorruption() error {
	if memutils.DebugMargin == 0 {
		return nil
	}

	base := c.pointerAt(0)
	for block := c.head; block != c.tail; block = block.nextPhysical {
		if block.IsFree() {
			continue
		}

		if !memutils.ValidateMagicValue(base, block.dataOffset()+memutils.AlignUp(block.length, Granularity)) {
			return errors.Wrapf(memutils.CorruptionError, "chunk %d: after allocation at offset %d", c.id, block.dataOffset())
		}
	}

	return nil
}

func (c *Chunk) Validate() error {
	if c.tail == nil || c.tail.nextPhysical != nil {
		return errors.New("sentinel block must be the tail of its physical block chain")
	}
	if c.tail.offset+BlockHeaderSize > c.capacity {
		return errors.Errorf("chunk %d: tos %d leaves no room for the sentinel header", c.id, c.tail.offset)
	}
	if c.head.prevPhysical != nil {
		return errors.Errorf("chunk %d: head block at offset %d has a previous physical block", c.id, c.head.offset)
	}
	if c.head.offset != 0 {
		return errors.Errorf("the first physical block should have an offset of 0, but instead it has an offset of %d", c.head.offset)
	}

	var allocCount, freeCount, usedFootprint, liveBytes int
	for block := c.head; block != c.tail; block = block.nextPhysical {
		next := block.nextPhysical
		if next == nil {
			return errors.Errorf("block at offset %d is not connected to the sentinel", block.offset)
		}
		if next.prevPhysical != block {
			return errors.Errorf("block at offset %d lists the block at offset %d as its next block, but the reverse reference is broken", block.offset, next.offset)
		}
		if next.offset < block.dataOffset() {
			return errors.Errorf("block at offset %d overlaps the block at offset %d", block.offset, next.offset)
		}

		mapped, ok := c.blocks.Get(BlockHandle(block.offset))
		if !ok || mapped != block {
			return errors.Errorf("block at offset %d is missing from the block index", block.offset)
		}

		if block.IsFree() {
			freeCount++
			if next.IsFree() {
				return errors.Errorf("free blocks at offsets %d and %d were not coalesced", block.offset, next.offset)
			}
		} else {
			allocCount++
			usedFootprint += BlockHeaderSize + block.size()
			liveBytes += block.length

			if Footprint(block.length) > block.size() {
				return errors.Errorf("allocation at offset %d holds %d bytes but its block is only %d bytes", block.offset, block.length, block.size())
			}
			if block.mapping.Pointer() != c.pointerAt(block.dataOffset()) {
				return errors.Errorf("allocation at offset %d is owned by mapping %d, which points elsewhere", block.offset, block.mapping.ID())
			}
		}
	}

	freeListCount := 0
	for block := c.freeHead; block != nil; block = block.nextFree {
		if !block.IsFree() {
			return errors.Errorf("block at offset %d is in the free list but is not free", block.offset)
		}
		if block.nextFree != nil && block.nextFree.prevFree != block {
			return errors.Errorf("block at offset %d lists the block at offset %d as its next free block, but the reverse reference is broken", block.offset, block.nextFree.offset)
		}
		freeListCount++
	}

	if freeListCount != freeCount || freeCount != c.freeCount {
		return errors.Errorf("the number of free blocks in the physical list (%d), the free list (%d) and the metadata (%d) do not match", freeCount, freeListCount, c.freeCount)
	}
	if allocCount != c.allocCount {
		return errors.Errorf("the allocation count of the metadata is %d, but the taken blocks only added up to %d", c.allocCount, allocCount)
	}
	if usedFootprint != c.usedFootprint {
		return errors.Errorf("the used footprint of the metadata is %d, but the taken blocks added up to %d", c.usedFootprint, usedFootprint)
	}
	if liveBytes != c.liveBytes {
		return errors.Errorf("the live byte count of the metadata is %d, but the taken blocks added up to %d", c.liveBytes, liveBytes)
	}
	if c.blocks.Count() != allocCount+freeCount {
		return errors.Errorf("the block index holds %d blocks, but the physical list holds %d", c.blocks.Count(), allocCount+freeCount)
	}

	return nil
}
