package metadata

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/dolthub/swiss"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/anchorage/memutils"
	"github.com/vkngwrapper/anchorage/memutils/mapping"
	"golang.org/x/exp/slog"
)

var blockAllocator = sync.Pool{
	New: func() any {
		return &chunkBlock{}
	},
}

// chunkBlock is the header record for one region of a chunk. The data area starts BlockHeaderSize bytes
// after offset and runs up to the next physical block, so sizes are never stored.
type chunkBlock struct {
	offset       int
	prevPhysical *chunkBlock
	nextPhysical *chunkBlock

	prevFree *chunkBlock
	nextFree *chunkBlock

	mapping *mapping.Mapping
	length  int
}

func (b *chunkBlock) IsFree() bool {
	return b.mapping == nil
}

func (b *chunkBlock) dataOffset() int {
	return b.offset + BlockHeaderSize
}

func (b *chunkBlock) size() int {
	return b.nextPhysical.offset - b.dataOffset()
}

// Chunk is a single mapped arena carved into blocks. Blocks tile [0, Tos) contiguously, with a sentinel
// block sitting at Tos. Free blocks are never adjacent to one another or to the sentinel.
//
// Chunk performs no locking of its own.
type Chunk struct {
	logger   *slog.Logger
	id       int
	capacity int
	pageSize int
	memory   []byte
	base     uintptr

	head     *chunkBlock
	tail     *chunkBlock
	freeHead *chunkBlock
	blocks   *swiss.Map[BlockHandle, *chunkBlock]

	allocCount    int
	freeCount     int
	usedFootprint int
	liveBytes     int
	highWater     int
}

// NewChunk maps a new arena of at least the requested capacity
func NewChunk(logger *slog.Logger, id int, capacity int) (*Chunk, error) {
	page := pageSize()
	capacity = memutils.AlignUp(capacity, uint(page))
	if capacity < 2*BlockHeaderSize+int(Granularity) {
		return nil, errors.Errorf("chunk capacity %d is too small to hold an allocation", capacity)
	}

	memory, err := mapArena(capacity)
	if err != nil {
		return nil, err
	}

	c := &Chunk{
		logger:   logger,
		id:       id,
		capacity: capacity,
		pageSize: page,
		memory:   memory,
		base:     uintptr(unsafe.Pointer(&memory[0])),
		blocks:   swiss.NewMap[BlockHandle, *chunkBlock](42),
	}

	c.tail = blockAllocator.Get().(*chunkBlock)
	*c.tail = chunkBlock{}
	c.head = c.tail

	return c, nil
}

// Destroy unmaps the arena. Every Mapping still pointing into the chunk is left dangling, so callers
// should only destroy empty chunks.
func (c *Chunk) Destroy() error {
	if c.memory == nil {
		panic(fmt.Sprintf("chunk %d was destroyed twice", c.id))
	}

	for block := c.head; block != nil; {
		next := block.nextPhysical
		if block != c.tail {
			c.releaseBlock(block)
		}
		block = next
	}
	blockAllocator.Put(c.tail)
	c.head = nil
	c.tail = nil
	c.freeHead = nil

	err := unmapArena(c.memory)
	c.memory = nil
	c.base = 0
	return err
}

func (c *Chunk) ID() int               { return c.id }
func (c *Chunk) Size() int             { return c.capacity }
func (c *Chunk) Tos() int              { return c.tail.offset }
func (c *Chunk) AllocationCount() int  { return c.allocCount }
func (c *Chunk) FreeRegionsCount() int { return c.freeCount }
func (c *Chunk) IsEmpty() bool         { return c.allocCount == 0 }
func (c *Chunk) LiveBytes() int        { return c.liveBytes }
func (c *Chunk) UsedFootprint() int    { return c.usedFootprint }

// SumFreeSize is every byte of the chunk not covered by a used block or the sentinel header
func (c *Chunk) SumFreeSize() int {
	return c.capacity - BlockHeaderSize - c.usedFootprint
}

// ResidentBytes is the high-water mark of the arena that has not been returned to the operating system
func (c *Chunk) ResidentBytes() int {
	return c.highWater
}

// Base returns the address of the first byte of the arena
func (c *Chunk) Base() uintptr {
	return c.base
}

// Contains reports whether the provided address falls inside this chunk's arena
func (c *Chunk) Contains(pointer unsafe.Pointer) bool {
	address := uintptr(pointer)
	return address >= c.base && address < c.base+uintptr(c.capacity)
}

// MayHaveFreeBlock is a fast check that never reports false for a request the chunk could satisfy
func (c *Chunk) MayHaveFreeBlock(size int) bool {
	need := Footprint(size)
	if c.tail.offset+2*BlockHeaderSize+need <= c.capacity {
		return true
	}

	return c.freeCount > 0
}

func (c *Chunk) pointerAt(offset int) unsafe.Pointer {
	return unsafe.Pointer(&c.memory[offset])
}

func (c *Chunk) bytesAt(offset, size int) []byte {
	return c.memory[offset : offset+size]
}

func (c *Chunk) allocateBlock(offset int) *chunkBlock {
	b := blockAllocator.Get().(*chunkBlock)
	*b = chunkBlock{offset: offset}
	c.blocks.Put(BlockHandle(offset), b)
	return b
}

func (c *Chunk) releaseBlock(b *chunkBlock) {
	c.blocks.Delete(BlockHandle(b.offset))
	blockAllocator.Put(b)
}

func (c *Chunk) getBlock(handle BlockHandle) *chunkBlock {
	block, ok := c.blocks.Get(handle)
	if !ok {
		panic(fmt.Sprintf("chunk %d: received block handle %d, which does not map to a block", c.id, handle))
	}
	return block
}

func (c *Chunk) insertPhysicalAfter(prev *chunkBlock, block *chunkBlock) {
	block.prevPhysical = prev
	block.nextPhysical = prev.nextPhysical
	prev.nextPhysical.prevPhysical = block
	prev.nextPhysical = block
}

func (c *Chunk) insertPhysicalBefore(next *chunkBlock, block *chunkBlock) {
	block.nextPhysical = next
	block.prevPhysical = next.prevPhysical
	if next.prevPhysical != nil {
		next.prevPhysical.nextPhysical = block
	} else {
		c.head = block
	}
	next.prevPhysical = block
}

func (c *Chunk) unlinkPhysical(block *chunkBlock) {
	if block.prevPhysical != nil {
		block.prevPhysical.nextPhysical = block.nextPhysical
	} else {
		c.head = block.nextPhysical
	}
	block.nextPhysical.prevPhysical = block.prevPhysical
}

func (c *Chunk) pushFree(block *chunkBlock) {
	block.prevFree = nil
	block.nextFree = c.freeHead
	if c.freeHead != nil {
		c.freeHead.prevFree = block
	}
	c.freeHead = block
	c.freeCount++
}

func (c *Chunk) removeFree(block *chunkBlock) {
	if block.prevFree != nil {
		block.prevFree.nextFree = block.nextFree
	} else {
		if c.freeHead != block {
			panic(fmt.Sprintf("chunk %d: block at offset %d is not in the free list", c.id, block.offset))
		}
		c.freeHead = block.nextFree
	}
	if block.nextFree != nil {
		block.nextFree.prevFree = block.prevFree
	}
	block.prevFree = nil
	block.nextFree = nil
	c.freeCount--
}

func (c *Chunk) findFreeBlock(need int) *chunkBlock {
	for block := c.freeHead; block != nil; block = block.nextFree {
		if block.size() >= need {
			return block
		}
	}

	return nil
}

// splitBlock carves a free block out of the tail of the provided block when the remainder is at least
// minRemainder bytes
func (c *Chunk) splitBlock(block *chunkBlock, need int, minRemainder int) {
	remainder := block.size() - need
	if remainder == 0 || remainder < minRemainder {
		return
	}

	split := c.allocateBlock(block.dataOffset() + need)
	c.insertPhysicalAfter(block, split)
	c.pushFree(split)
}

func (c *Chunk) assign(block *chunkBlock, m *mapping.Mapping, size int) {
	block.mapping = m
	block.length = size
	c.allocCount++
	c.usedFootprint += BlockHeaderSize + block.size()
	c.liveBytes += size

	m.SetPointer(c.pointerAt(block.dataOffset()), size)
	if memutils.DebugMargin > 0 {
		memutils.WriteMagicValue(c.pointerAt(0), block.dataOffset()+memutils.AlignUp(size, Granularity))
	}
}

// Alloc places an object of the provided size in the chunk and points the Mapping at it. It returns false
// if the chunk cannot hold the object.
func (c *Chunk) Alloc(size int, m *mapping.Mapping) bool {
	return c.allocate(size, Footprint(size), m)
}

// AllocReserved behaves like Alloc but sizes the block to hold reserve bytes, so the object can later grow
// to reserve bytes with ResizeInPlace. Compaction only preserves the footprint of the object's current size.
func (c *Chunk) AllocReserved(size int, reserve int, m *mapping.Mapping) bool {
	if reserve < size {
		reserve = size
	}
	return c.allocate(size, Footprint(reserve), m)
}

func (c *Chunk) allocate(size int, need int, m *mapping.Mapping) bool {
	block := c.findFreeBlock(need)
	if block != nil {
		c.removeFree(block)
		c.splitBlock(block, need, 2*BlockHeaderSize)
	} else {
		// Bump allocation must leave room for the sentinel header
		if c.tail.offset+BlockHeaderSize+need+BlockHeaderSize > c.capacity {
			return false
		}

		block = c.allocateBlock(c.tail.offset)
		c.insertPhysicalBefore(c.tail, block)
		c.tail.offset = block.dataOffset() + need
		c.touch()
	}

	c.assign(block, m, size)
	return true
}

func (c *Chunk) blockForPointer(pointer unsafe.Pointer) *chunkBlock {
	if !c.Contains(pointer) {
		panic(fmt.Sprintf("chunk %d: pointer %p is outside of the chunk", c.id, pointer))
	}

	offset := int(uintptr(pointer)-c.base) - BlockHeaderSize
	block, ok := c.blocks.Get(BlockHandle(offset))
	if !ok || block.IsFree() {
		panic(fmt.Sprintf("chunk %d: pointer %p (offset %d) is not a live allocation in this chunk", c.id, pointer, offset+BlockHeaderSize))
	}

	return block
}

// Free releases the block whose data starts at the provided pointer and returns the Mapping that owned
// it. Freeing anything other than a live allocation in this chunk is fatal.
func (c *Chunk) Free(pointer unsafe.Pointer) *mapping.Mapping {
	return c.freeBlock(c.blockForPointer(pointer))
}

// BlockAt returns the handle of the live block whose data starts at the provided pointer
func (c *Chunk) BlockAt(pointer unsafe.Pointer) BlockHandle {
	return BlockHandle(c.blockForPointer(pointer).offset)
}

// ResizeInPlace changes the logical size of a live allocation if its block is already large enough
func (c *Chunk) ResizeInPlace(pointer unsafe.Pointer, size int) bool {
	block := c.blockForPointer(pointer)
	if Footprint(size) > block.size() {
		return false
	}

	c.liveBytes += size - block.length
	block.length = size
	block.mapping.SetPointer(pointer, size)
	if memutils.DebugMargin > 0 {
		memutils.WriteMagicValue(c.pointerAt(0), block.dataOffset()+memutils.AlignUp(size, Granularity))
	}
	return true
}

func (c *Chunk) freeBlock(block *chunkBlock) *mapping.Mapping {
	m := block.mapping

	c.allocCount--
	c.usedFootprint -= BlockHeaderSize + block.size()
	c.liveBytes -= block.length

	block.mapping = nil
	block.length = 0
	c.pushFree(block)
	c.coalesceFree(block)

	return m
}

// coalesceFree merges the contiguous run of free blocks containing the provided block into its leftmost
// member. If the run reaches the sentinel, Tos retreats to the start of the run.
func (c *Chunk) coalesceFree(block *chunkBlock) {
	start := block
	for start.prevPhysical != nil && start.prevPhysical.IsFree() {
		start = start.prevPhysical
	}

	for next := start.nextPhysical; next != c.tail && next.IsFree(); next = start.nextPhysical {
		c.removeFree(next)
		c.unlinkPhysical(next)
		c.releaseBlock(next)
	}

	if start.nextPhysical == c.tail {
		c.removeFree(start)
		c.unlinkPhysical(start)
		c.tail.offset = start.offset
		c.releaseBlock(start)
		c.releasePages()
	}
}

func (c *Chunk) touch() {
	end := memutils.AlignUp(c.tail.offset+BlockHeaderSize, uint(c.pageSize))
	if end > c.capacity {
		end = c.capacity
	}
	if end > c.highWater {
		c.highWater = end
	}
}

func (c *Chunk) releasePages() {
	end := memutils.AlignUp(c.tail.offset+BlockHeaderSize, uint(c.pageSize))
	if end >= c.highWater {
		return
	}

	if releaseArena(c.memory[end:c.highWater]) {
		c.logger.Debug("Chunk::releasePages", slog.Int("Chunk", c.id), slog.Int("From", end), slog.Int("To", c.highWater))
		c.highWater = end
	}
}
