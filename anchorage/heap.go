package anchorage

import (
	"fmt"
	"strconv"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/anchorage/anchorage/internal/utils"
	"github.com/vkngwrapper/anchorage/memutils"
	"github.com/vkngwrapper/anchorage/memutils/mapping"
	"github.com/vkngwrapper/anchorage/memutils/metadata"
	"golang.org/x/exp/slices"
	"golang.org/x/exp/slog"
)

// heap owns every chunk in the runtime. Regular chunks are handed out to thread caches and compacted;
// dedicated chunks each hold one large object.
//
// Lock order is heap mutex, then chunk mutex. Thread caches allocating from a chunk they own take only the
// chunk mutex.
type heap struct {
	logger        *slog.Logger
	chunkSize     int
	maxChunkCount int

	mutex       utils.OptionalRWMutex
	chunks      []*heapChunk
	byAddress   []*heapChunk
	dedicated   dedicatedChunkList
	nextChunkID int
}

func (h *heap) Init(logger *slog.Logger, useMutex bool, chunkSize int, maxChunkCount int) {
	h.logger = logger
	h.chunkSize = chunkSize
	h.maxChunkCount = maxChunkCount
	h.mutex = utils.OptionalRWMutex{UseMutex: useMutex}
}

func (h *heap) Destroy() error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	var result error
	for _, chunk := range h.byAddress {
		err := chunk.Destroy()
		if err != nil {
			result = errors.CombineErrors(result, err)
		}
		heapChunkPool.Put(chunk)
	}

	h.chunks = nil
	h.byAddress = nil
	h.dedicated = dedicatedChunkList{}
	return result
}

// ChunkCount is the number of regular chunks. The heap must be locked.
func (h *heap) ChunkCount() int {
	return len(h.chunks)
}

// ChunkForIndex returns a regular chunk. The heap must be locked.
func (h *heap) ChunkForIndex(index int) *metadata.Chunk {
	return h.chunks[index].chunk
}

// AddStatistics accumulates the regular chunks. The heap must be locked.
func (h *heap) AddStatistics(stats *memutils.Statistics) {
	for chunkIndex := 0; chunkIndex < len(h.chunks); chunkIndex++ {
		chunk := h.chunks[chunkIndex]
		if chunk == nil {
			panic(fmt.Sprintf("failed to take statistics of nil chunk at index %d", chunkIndex))
		}

		chunk.mutex.Lock()
		chunk.chunk.AddStatistics(stats)
		chunk.mutex.Unlock()
	}
}

// ReleaseEmptyChunks unmaps every empty chunk that no thread cache owns. The heap must be locked.
func (h *heap) ReleaseEmptyChunks() {
	kept := h.chunks[:0]
	for _, chunk := range h.chunks {
		if chunk.owner == nil && chunk.isEmpty() {
			h.logger.Debug("heap::ReleaseEmptyChunks", slog.Int("Chunk", chunk.ID()))
			h.destroyChunk(chunk)
			continue
		}

		kept = append(kept, chunk)
	}

	for i := len(kept); i < len(h.chunks); i++ {
		h.chunks[i] = nil
	}
	h.chunks = kept
}

func (h *heap) Lock() {
	h.mutex.Lock()
}

func (h *heap) Unlock() {
	h.mutex.Unlock()
}

// Statistics accumulates every chunk, dedicated chunks included
func (h *heap) Statistics(stats *memutils.Statistics) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	h.AddStatistics(stats)
	h.dedicated.AddStatistics(stats)
}

func (h *heap) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	for _, chunk := range h.chunks {
		chunk.mutex.Lock()
		chunk.chunk.AddDetailedStatistics(stats)
		chunk.mutex.Unlock()
	}
	h.dedicated.AddDetailedStatistics(stats)
}

func (h *heap) totalChunkCount() int {
	return len(h.byAddress)
}

// createChunk maps a new chunk. The heap must be locked.
func (h *heap) createChunk(capacity int, dedicated bool) (*heapChunk, error) {
	if h.maxChunkCount > 0 && h.totalChunkCount() >= h.maxChunkCount {
		return nil, errors.Wrapf(ErrOutOfMemory, "the heap already holds its maximum of %d chunks", h.maxChunkCount)
	}

	chunk, err := metadata.NewChunk(h.logger, h.nextChunkID, capacity)
	if err != nil {
		return nil, errors.CombineErrors(ErrOutOfMemory, err)
	}
	h.nextChunkID++

	wrapper := heapChunkPool.Get().(*heapChunk)
	wrapper.Init(h.logger, chunk, dedicated)

	if dedicated {
		h.dedicated.Register(wrapper)
	} else {
		h.chunks = append(h.chunks, wrapper)
	}
	h.insertByAddress(wrapper)

	h.logger.Debug("heap::createChunk", slog.Int("Chunk", chunk.ID()), slog.Int("Capacity", chunk.Size()), slog.Bool("Dedicated", dedicated))
	return wrapper, nil
}

// destroyChunk unmaps a chunk after it has been removed from h.chunks or the dedicated list. The heap must
// be locked.
func (h *heap) destroyChunk(chunk *heapChunk) {
	h.removeByAddress(chunk)

	err := chunk.Destroy()
	if err != nil {
		panic(fmt.Sprintf("unexpected failure when destroying an empty chunk: %+v", err))
	}
	heapChunkPool.Put(chunk)
}

func compareChunkAddress(chunk *heapChunk, address uintptr) int {
	base := chunk.chunk.Base()
	if address < base {
		return 1
	}
	if address >= base+uintptr(chunk.chunk.Size()) {
		return -1
	}
	return 0
}

func (h *heap) insertByAddress(chunk *heapChunk) {
	index, _ := slices.BinarySearchFunc(h.byAddress, chunk.chunk.Base(), compareChunkAddress)
	h.byAddress = slices.Insert(h.byAddress, index, chunk)
}

func (h *heap) removeByAddress(chunk *heapChunk) {
	index, found := slices.BinarySearchFunc(h.byAddress, chunk.chunk.Base(), compareChunkAddress)
	if !found || h.byAddress[index] != chunk {
		panic(fmt.Sprintf("attempted to remove chunk %d from a heap that did not hold it", chunk.ID()))
	}

	h.byAddress = slices.Delete(h.byAddress, index, index+1)
}

// findChunk returns the chunk holding the pointer. The heap must be at least read-locked.
func (h *heap) findChunk(pointer unsafe.Pointer) *heapChunk {
	index, found := slices.BinarySearchFunc(h.byAddress, uintptr(pointer), compareChunkAddress)
	if !found {
		panic(fmt.Sprintf("pointer %p does not belong to any chunk in the heap", pointer))
	}

	return h.byAddress[index]
}

// acquireChunk hands an unowned chunk that can hold the object to a thread cache, mapping a new chunk if
// none can. The object is allocated before the chunk is returned.
func (h *heap) acquireChunk(owner *threadCache, size, reserve int, m *mapping.Mapping) (*heapChunk, error) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	for _, chunk := range h.chunks {
		if chunk.owner != nil || !chunk.chunk.MayHaveFreeBlock(reserve) {
			continue
		}

		if chunk.alloc(size, reserve, m) {
			chunk.owner = owner
			return chunk, nil
		}
	}

	chunk, err := h.createChunk(h.chunkSize, false)
	if err != nil {
		return nil, err
	}

	if !chunk.alloc(size, reserve, m) {
		panic(fmt.Sprintf("created chunk %d with capacity %d but it could not hold an object of size %d", chunk.ID(), chunk.chunk.Size(), reserve))
	}
	chunk.owner = owner
	return chunk, nil
}

// releaseChunk returns a thread cache's chunk to the shared pool
func (h *heap) releaseChunk(chunk *heapChunk) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	chunk.owner = nil
	if chunk.isEmpty() && h.hasOtherEmptyChunk(chunk) {
		h.removeChunk(chunk)
		h.destroyChunk(chunk)
	}
}

func (h *heap) hasOtherEmptyChunk(exclude *heapChunk) bool {
	for _, chunk := range h.chunks {
		if chunk != exclude && chunk.owner == nil && chunk.isEmpty() {
			return true
		}
	}

	return false
}

func (h *heap) removeChunk(chunk *heapChunk) {
	for chunkIndex := 0; chunkIndex < len(h.chunks); chunkIndex++ {
		if h.chunks[chunkIndex] == chunk {
			h.chunks = append(h.chunks[0:chunkIndex], h.chunks[chunkIndex+1:]...)
			return
		}
	}

	panic("attempted to remove a chunk from a heap that did not hold it")
}

// allocDedicated maps a chunk sized for exactly one object
func (h *heap) allocDedicated(size int, m *mapping.Mapping) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	chunk, err := h.createChunk(metadata.RequiredCapacity(size), true)
	if err != nil {
		return err
	}

	if !chunk.alloc(size, size, m) {
		panic(fmt.Sprintf("created dedicated chunk %d with capacity %d but it could not hold an object of size %d", chunk.ID(), chunk.chunk.Size(), size))
	}
	return nil
}

// free releases the Mapping's block. Empty dedicated chunks are unmapped immediately; an empty shared chunk
// is unmapped only if another empty chunk is already waiting to be reused.
func (h *heap) free(m *mapping.Mapping) {
	h.freePointer(m.Pointer(), m)
}

// detachBlock frees the block at the pointer under the heap's read lock. When the chunk is left empty it
// returns the chunk along with its generation so that trimChunk can tell whether the chunk was destroyed
// in the meantime.
func (h *heap) detachBlock(pointer unsafe.Pointer, m *mapping.Mapping) (*heapChunk, uint64, bool) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	chunk := h.findChunk(pointer)
	return chunk, chunk.generation, chunk.free(pointer, m)
}

func (h *heap) trimChunk(chunk *heapChunk, generation uint64) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	// The chunk may have been destroyed, refilled or handed to a thread cache while the heap was unlocked
	if chunk.generation != generation || chunk.chunk == nil {
		return
	}
	_, found := slices.BinarySearchFunc(h.byAddress, chunk.chunk.Base(), compareChunkAddress)
	if !found || chunk.owner != nil || !chunk.isEmpty() {
		return
	}

	if chunk.dedicated {
		h.dedicated.Unregister(chunk)
		h.destroyChunk(chunk)
		return
	}

	if h.hasOtherEmptyChunk(chunk) {
		h.removeChunk(chunk)
		h.destroyChunk(chunk)
	}
}

// resize grows or shrinks the Mapping's object inside its current block
func (h *heap) resize(m *mapping.Mapping, size int) bool {
	pointer := m.Pointer()

	h.mutex.RLock()
	defer h.mutex.RUnlock()

	return h.findChunk(pointer).resize(pointer, size)
}

// freePointer releases a block. The Mapping may already point somewhere else, which happens when an
// object was reallocated into a new block.
func (h *heap) freePointer(pointer unsafe.Pointer, m *mapping.Mapping) {
	chunk, generation, empty := h.detachBlock(pointer, m)
	if empty {
		h.trimChunk(chunk, generation)
	}
}

func (h *heap) PrintDetailedMap(writer *jwriter.Writer) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	objState := writer.Object()
	defer objState.End()

	for i := 0; i < len(h.chunks); i++ {
		chunk := h.chunks[i]

		chunkObj := objState.Name(strconv.Itoa(chunk.ID())).Object()

		chunk.mutex.Lock()
		chunkObj.Name("Owned").Bool(chunk.owner != nil)
		chunk.chunk.BlockJsonData(chunkObj)
		h.printDetailedMapRegions(chunk.chunk, chunkObj)
		chunk.mutex.Unlock()

		chunkObj.End()
	}
}

func (h *heap) printDetailedMapRegions(chunk *metadata.Chunk, json jwriter.ObjectState) {
	arrayState := json.Name("Regions").Array()
	defer arrayState.End()

	_ = chunk.VisitAllRegions(
		func(handle metadata.BlockHandle, offset int, size int, m *mapping.Mapping, free bool) error {
			obj := arrayState.Object()
			defer obj.End()

			obj.Name("Offset").Int(offset)
			obj.Name("Size").Int(size)
			if free {
				obj.Name("Type").String("Free")
				return nil
			}

			obj.Name("Type").String("Object")
			obj.Name("Handle").String(m.Handle().String())
			if m.IsLocked() {
				obj.Name("LockDepth").Int(m.LockDepth())
			}
			return nil
		})
}

func (h *heap) Validate() error {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	if len(h.byAddress) != len(h.chunks)+h.dedicated.Count() {
		return errors.Newf("the heap indexes %d chunks by address but holds %d regular and %d dedicated chunks", len(h.byAddress), len(h.chunks), h.dedicated.Count())
	}

	for i := 1; i < len(h.byAddress); i++ {
		if h.byAddress[i-1].chunk.Base() >= h.byAddress[i].chunk.Base() {
			return errors.Newf("chunks %d and %d are out of address order", h.byAddress[i-1].ID(), h.byAddress[i].ID())
		}
	}

	for _, chunk := range h.byAddress {
		chunk.mutex.Lock()
		err := chunk.Validate()
		chunk.mutex.Unlock()
		if err != nil {
			return errors.Wrapf(err, "chunk %d", chunk.ID())
		}
	}

	return h.dedicated.Validate()
}
