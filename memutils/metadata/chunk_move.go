package metadata

import (
	"fmt"
	"unsafe"

	"github.com/vkngwrapper/anchorage/memutils"
)

func (c *Chunk) blockNeed(block *chunkBlock) int {
	return Footprint(block.length)
}

func (c *Chunk) canMove(free, used *chunkBlock) bool {
	if free == c.tail || used == c.tail || !free.IsFree() || used.IsFree() {
		return false
	}

	// Moves only ever pull objects leftward, and moving an object into the free block directly before it
	// would not change the layout
	if used.offset <= free.offset || free.nextPhysical == used {
		return false
	}

	if !used.mapping.IsMovable() {
		return false
	}

	need := c.blockNeed(used)
	available := free.size()
	if need > available {
		return false
	}

	remainder := available - need
	return remainder == 0 || remainder >= BlockHeaderSize
}

// CanMove reports whether the used block's object may be relocated into the free block
func (c *Chunk) CanMove(free, used BlockHandle) bool {
	return c.canMove(c.getBlock(free), c.getBlock(used))
}

// PerformMove copies the used block's object into the free block, repoints its Mapping, and frees the
// vacated block. It returns the number of bytes copied. Performing an illegal move is fatal.
func (c *Chunk) PerformMove(free, used BlockHandle) int {
	freeBlock := c.getBlock(free)
	usedBlock := c.getBlock(used)

	if !c.canMove(freeBlock, usedBlock) {
		if !usedBlock.IsFree() && usedBlock.mapping.IsPinned() {
			panic(fmt.Sprintf("chunk %d: attempted to move pinned mapping %d at offset %d", c.id, usedBlock.mapping.ID(), usedBlock.offset))
		}
		panic(fmt.Sprintf("chunk %d: illegal move from offset %d into offset %d", c.id, usedBlock.offset, freeBlock.offset))
	}

	need := c.blockNeed(usedBlock)
	m := usedBlock.mapping
	src := c.bytesAt(usedBlock.dataOffset(), need)
	checksum := memutils.DebugChecksum(src)

	c.removeFree(freeBlock)
	c.splitBlock(freeBlock, need, BlockHeaderSize)

	dst := c.bytesAt(freeBlock.dataOffset(), need)
	copy(dst, src)
	if memutils.DebugChecksum(dst) != checksum {
		panic(fmt.Sprintf("chunk %d: relocated bytes for mapping %d do not match their source", c.id, m.ID()))
	}

	c.usedFootprint -= BlockHeaderSize + usedBlock.size()
	c.usedFootprint += BlockHeaderSize + freeBlock.size()

	freeBlock.mapping = m
	freeBlock.length = usedBlock.length
	usedBlock.mapping = nil
	usedBlock.length = 0
	m.SetPointer(c.pointerAt(freeBlock.dataOffset()), freeBlock.length)

	c.pushFree(usedBlock)
	c.coalesceFree(usedBlock)

	return need
}

// CanSlide reports whether the used block directly after the free block can be shifted down into it
func (c *Chunk) CanSlide(free BlockHandle) bool {
	freeBlock := c.getBlock(free)
	if !freeBlock.IsFree() || freeBlock == c.tail {
		return false
	}

	next := freeBlock.nextPhysical
	return next != c.tail && !next.IsFree() && next.mapping.IsMovable()
}

// SlideSize is the number of bytes Slide would copy
func (c *Chunk) SlideSize(free BlockHandle) int {
	return c.blockNeed(c.getBlock(free).nextPhysical)
}

// Slide shifts the object directly after a free block down to the free block's start. The free space
// ends up after the object, where it merges with whatever free space follows. It returns the number of
// bytes copied.
func (c *Chunk) Slide(free BlockHandle) int {
	if !c.CanSlide(free) {
		panic(fmt.Sprintf("chunk %d: illegal slide into offset %d", c.id, free))
	}

	freeBlock := c.getBlock(free)
	usedBlock := freeBlock.nextPhysical
	m := usedBlock.mapping
	need := c.blockNeed(usedBlock)
	usedSize := usedBlock.size()

	// The ranges may overlap; copy has memmove semantics
	checksum := memutils.DebugChecksum(c.bytesAt(usedBlock.dataOffset(), need))
	copy(c.bytesAt(freeBlock.dataOffset(), need), c.bytesAt(usedBlock.dataOffset(), need))
	if memutils.DebugChecksum(c.bytesAt(freeBlock.dataOffset(), need)) != checksum {
		panic(fmt.Sprintf("chunk %d: slid bytes for mapping %d do not match their source", c.id, m.ID()))
	}

	c.removeFree(freeBlock)
	freeBlock.mapping = m
	freeBlock.length = usedBlock.length

	c.blocks.Delete(BlockHandle(usedBlock.offset))
	usedBlock.offset = freeBlock.dataOffset() + need
	usedBlock.mapping = nil
	usedBlock.length = 0
	c.blocks.Put(BlockHandle(usedBlock.offset), usedBlock)

	c.usedFootprint -= BlockHeaderSize + usedSize
	c.usedFootprint += BlockHeaderSize + freeBlock.size()

	m.SetPointer(c.pointerAt(freeBlock.dataOffset()), freeBlock.length)

	c.pushFree(usedBlock)
	c.coalesceFree(usedBlock)

	return need
}

// FindMoveCandidate looks to the right of the free block for a used block that may legally move into it
// and needs no more than maxBytes. With rightmost set the candidate closest to Tos is preferred, which
// tends to pull Tos down fastest; otherwise the closest candidate is returned.
func (c *Chunk) FindMoveCandidate(free BlockHandle, maxBytes int, rightmost bool) (BlockHandle, bool) {
	freeBlock := c.getBlock(free)
	if !freeBlock.IsFree() {
		return NoBlock, false
	}

	if rightmost {
		for block := c.tail.prevPhysical; block != nil && block != freeBlock; block = block.prevPhysical {
			if !block.IsFree() && c.blockNeed(block) <= maxBytes && c.canMove(freeBlock, block) {
				return BlockHandle(block.offset), true
			}
		}

		return NoBlock, false
	}

	for block := freeBlock.nextPhysical; block != c.tail; block = block.nextPhysical {
		if !block.IsFree() && c.blockNeed(block) <= maxBytes && c.canMove(freeBlock, block) {
			return BlockHandle(block.offset), true
		}
	}

	return NoBlock, false
}

// FirstFreeRegion returns the lowest-addressed free block
func (c *Chunk) FirstFreeRegion() (BlockHandle, bool) {
	for block := c.head; block != c.tail; block = block.nextPhysical {
		if block.IsFree() {
			return BlockHandle(block.offset), true
		}
	}

	return NoBlock, false
}

// NextFreeRegion returns the first free block physically after the provided block
func (c *Chunk) NextFreeRegion(after BlockHandle) (BlockHandle, bool) {
	for block := c.getBlock(after).nextPhysical; block != nil && block != c.tail; block = block.nextPhysical {
		if block.IsFree() {
			return BlockHandle(block.offset), true
		}
	}

	return NoBlock, false
}

// BlockSize returns the size of a block's data area
func (c *Chunk) BlockSize(handle BlockHandle) int {
	return c.getBlock(handle).size()
}

// MoveSize returns the number of bytes a relocation of the used block would copy
func (c *Chunk) MoveSize(used BlockHandle) int {
	return c.blockNeed(c.getBlock(used))
}

// IsMovable reports whether the used block's object may be relocated at all
func (c *Chunk) IsMovable(used BlockHandle) bool {
	block := c.getBlock(used)
	return !block.IsFree() && block.mapping.IsMovable()
}

// AllocationListBegin returns the lowest-addressed used block
func (c *Chunk) AllocationListBegin() (BlockHandle, bool) {
	for block := c.head; block != c.tail; block = block.nextPhysical {
		if !block.IsFree() {
			return BlockHandle(block.offset), true
		}
	}

	return NoBlock, false
}

// FindNextAllocation returns the first used block physically after the provided block
func (c *Chunk) FindNextAllocation(after BlockHandle) (BlockHandle, bool) {
	for block := c.getBlock(after).nextPhysical; block != nil && block != c.tail; block = block.nextPhysical {
		if !block.IsFree() {
			return BlockHandle(block.offset), true
		}
	}

	return NoBlock, false
}

// MoveTo relocates a used block's object into another chunk and frees the block here. It returns false,
// leaving both chunks untouched, if the object may not move or the destination has no room.
func (c *Chunk) MoveTo(used BlockHandle, dst *Chunk) (int, bool) {
	usedBlock := c.getBlock(used)
	if usedBlock.IsFree() || !usedBlock.mapping.IsMovable() {
		return 0, false
	}

	m := usedBlock.mapping
	need := c.blockNeed(usedBlock)
	src := c.bytesAt(usedBlock.dataOffset(), need)
	checksum := memutils.DebugChecksum(src)

	if !dst.Alloc(usedBlock.length, m) {
		return 0, false
	}

	target := unsafe.Slice((*byte)(m.Pointer()), need)
	copy(target, src)
	if memutils.DebugChecksum(target) != checksum {
		panic(fmt.Sprintf("chunk %d: relocated bytes for mapping %d do not match their source in chunk %d", c.id, m.ID(), dst.id))
	}

	c.freeBlock(usedBlock)
	return need, true
}
