package anchorage

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/anchorage/controller"
	"github.com/vkngwrapper/anchorage/memutils"
	"github.com/vkngwrapper/anchorage/memutils/defrag"
	"github.com/vkngwrapper/anchorage/memutils/mapping"
	"golang.org/x/exp/slog"
)

// Runtime owns a handle table, the heap its handles point into, and the barrier that lets the heap
// relocate objects while threads hold handles. Goroutines use it through registered Threads.
type Runtime struct {
	logger      *slog.Logger
	createFlags CreateFlags
	passBytes   int

	table   *mapping.Table
	heap    heap
	swap    swapStore
	barrier barrier

	registryMutex sync.Mutex
	threads       map[int]*Thread
	threadCount   atomic.Int32
	idleShards    []*mapping.Shard
	nextThreadID  int

	// Guarded by the barrier's request mutex
	compaction defrag.CompactionContext
	// Written under the request mutex, read under statsMutex
	statsMutex      sync.Mutex
	compactionStats defrag.DefragmentationStats

	controller *controller.Controller
	destroyed  bool
}

var _ controller.Compactor = &Runtime{}
var _ controller.StatisticsSource = &Runtime{}

// RuntimeStatistics is a summary of everything a Runtime holds
type RuntimeStatistics struct {
	// Heap summarizes the heap's chunks, dedicated chunks included
	Heap memutils.Statistics
	// SwappedObjects is the number of objects currently swapped out of the heap
	SwappedObjects int
	// SwappedBytes is the number of bytes held by swapped objects
	SwappedBytes int
	// Threads is the number of registered threads
	Threads int
	// Handles is the number of live handles
	Handles int
	// HandleCapacity is the number of handles the table can hold before it grows
	HandleCapacity int
	// Compaction accumulates every compaction round since the runtime was created
	Compaction defrag.DefragmentationStats
	Barrier    BarrierStatistics
}

// RegisterThread registers a new thread with the runtime. A goroutine that is already a registered
// Thread must Park before calling this, or it may deadlock against a barrier round.
func (r *Runtime) RegisterThread() *Thread {
	r.registryMutex.Lock()
	defer r.registryMutex.Unlock()

	if r.destroyed {
		panic("attempted to register a thread with a destroyed runtime")
	}

	var shard *mapping.Shard
	if len(r.idleShards) > 0 {
		shard = r.idleShards[len(r.idleShards)-1]
		r.idleShards = r.idleShards[:len(r.idleShards)-1]
	} else {
		shard = r.table.NewShard()
	}

	thread := &Thread{
		runtime: r,
		id:      r.nextThreadID,
	}
	r.nextThreadID++

	thread.root.thread = thread
	thread.lockRoot = &thread.root
	thread.cache.Init(r.logger, &r.heap, shard)

	r.threads[thread.id] = thread
	r.threadCount.Add(1)

	r.logger.Debug("Runtime::RegisterThread", slog.Int("Thread", thread.id), slog.Int("Shard", shard.Index()))
	return thread
}

func (r *Runtime) defaultPass() defrag.PassContext {
	return defrag.PassContext{
		MaxPassBytes:       r.passBytes,
		MaxPassAllocations: math.MaxInt,
	}
}

// compact runs one compaction pass over the heap. It must only be called inside a barrier round.
func (r *Runtime) compact(pass *defrag.PassContext) bool {
	complete := r.compaction.CompactPass(pass)

	r.statsMutex.Lock()
	r.compactionStats.Add(pass.Stats)
	r.statsMutex.Unlock()

	r.logger.Debug("Runtime::compact",
		slog.Int("BytesMoved", pass.Stats.BytesMoved),
		slog.Int("AllocationsMoved", pass.Stats.AllocationsMoved),
		slog.Int("BytesFreed", pass.Stats.BytesFreed),
		slog.Int("ChunksReleased", pass.Stats.ChunksReleased))

	// Every other thread is stopped, so the table and heap can be walked safely
	memutils.DebugValidate(r)
	return complete
}

// Compact runs a barrier round from a goroutine that is not a registered thread, relocating at most
// maxBytes bytes. It returns the number of bytes relocated.
func (r *Runtime) Compact(maxBytes int) (int, error) {
	if maxBytes < 0 {
		return 0, errors.Newf("anchorage: cannot compact with a budget of %d bytes", maxBytes)
	}

	r.registryMutex.Lock()
	destroyed := r.destroyed
	r.registryMutex.Unlock()
	if destroyed {
		return 0, errors.New("anchorage: the runtime has been destroyed")
	}

	if maxBytes == 0 {
		return 0, nil
	}

	pass := defrag.PassContext{
		MaxPassBytes:       maxBytes,
		MaxPassAllocations: math.MaxInt,
	}

	r.barrier.run(r, nil, func() {
		r.compact(&pass)
	})

	return pass.Stats.BytesMoved, nil
}

// AddStatistics adds the heap's chunk statistics to the provided Statistics
func (r *Runtime) AddStatistics(stats *memutils.Statistics) {
	r.heap.Statistics(stats)
}

// Statistics populates a RuntimeStatistics with the runtime's current state
func (r *Runtime) Statistics(stats *RuntimeStatistics) {
	stats.Heap.Clear()
	r.heap.Statistics(&stats.Heap)
	stats.SwappedObjects, stats.SwappedBytes = r.swap.Statistics()

	// Barrier rounds hold the registry, so it is not taken here
	stats.Threads = int(r.threadCount.Load())

	stats.Handles = r.table.Live()
	stats.HandleCapacity = r.table.Capacity()

	r.statsMutex.Lock()
	stats.Compaction = r.compactionStats
	r.statsMutex.Unlock()

	stats.Barrier = r.barrier.Statistics()
}

// CalculateStatistics populates a DetailedStatistics with the heap's free and used ranges. It is slow
// and should be reserved for diagnostics.
func (r *Runtime) CalculateStatistics(stats *memutils.DetailedStatistics) {
	stats.Clear()
	r.heap.AddDetailedStatistics(stats)
}

// BuildStatsString returns a json summary of the runtime. With detailedMap set, every region of every
// chunk is listed.
func (r *Runtime) BuildStatsString(detailedMap bool) string {
	var stats memutils.DetailedStatistics
	r.CalculateStatistics(&stats)

	var runtimeStats RuntimeStatistics
	r.Statistics(&runtimeStats)

	writer := jwriter.NewWriter()
	objState := writer.Object()

	totalObj := objState.Name("Total").Object()
	r.printStats(totalObj, &stats)
	totalObj.End()

	handleObj := objState.Name("Handles").Object()
	handleObj.Name("Live").Int(runtimeStats.Handles)
	handleObj.Name("Capacity").Int(runtimeStats.HandleCapacity)
	handleObj.Name("Threads").Int(runtimeStats.Threads)
	handleObj.Name("SwappedObjects").Int(runtimeStats.SwappedObjects)
	handleObj.Name("SwappedBytes").Int(runtimeStats.SwappedBytes)
	handleObj.End()

	compactionObj := objState.Name("Compaction").Object()
	compactionObj.Name("BytesMoved").Int(runtimeStats.Compaction.BytesMoved)
	compactionObj.Name("BytesFreed").Int(runtimeStats.Compaction.BytesFreed)
	compactionObj.Name("AllocationsMoved").Int(runtimeStats.Compaction.AllocationsMoved)
	compactionObj.Name("ChunksReleased").Int(runtimeStats.Compaction.ChunksReleased)
	compactionObj.Name("BarrierRounds").Int(int(runtimeStats.Barrier.Rounds))
	compactionObj.End()

	if detailedMap {
		r.heap.PrintDetailedMap(objState.Name("Chunks"))

		r.heap.mutex.RLock()
		r.heap.dedicated.BuildStatsString(objState.Name("DedicatedChunks"))
		r.heap.mutex.RUnlock()
	}

	objState.End()
	return string(writer.Bytes())
}

func (r *Runtime) printStats(json jwriter.ObjectState, stats *memutils.DetailedStatistics) {
	json.Name("ChunkCount").Int(stats.ChunkCount)
	json.Name("ChunkBytes").Int(stats.ChunkBytes)
	json.Name("ResidentBytes").Int(stats.ResidentBytes)
	json.Name("AllocationCount").Int(stats.AllocationCount)
	json.Name("AllocationBytes").Int(stats.AllocationBytes)
	json.Name("UnusedRangeCount").Int(stats.UnusedRangeCount)
	json.Name("Fragmentation").Float64(stats.Fragmentation())

	if stats.AllocationCount > 0 {
		json.Name("AllocationSizeMin").Int(stats.AllocationSizes.Min)
		json.Name("AllocationSizeMax").Int(stats.AllocationSizes.Max)
	}
	if stats.UnusedRangeCount > 0 {
		json.Name("UnusedRangeSizeMin").Int(stats.UnusedRangeSizes.Min)
		json.Name("UnusedRangeSizeMax").Int(stats.UnusedRangeSizes.Max)
	}
}

// Validate checks the consistency of the handle table and every chunk in the heap
func (r *Runtime) Validate() error {
	err := r.table.Validate()
	if err != nil {
		return err
	}

	return r.heap.Validate()
}

// Destroy stops the controller and releases every chunk. Objects that were never freed are logged.
// Every thread must be unregistered first.
func (r *Runtime) Destroy() error {
	r.registryMutex.Lock()
	if len(r.threads) > 0 {
		count := len(r.threads)
		r.registryMutex.Unlock()
		return errors.Wrapf(ErrThreadsRegistered, "%d threads", count)
	}
	if r.destroyed {
		r.registryMutex.Unlock()
		panic("runtime was destroyed twice")
	}
	r.destroyed = true
	r.registryMutex.Unlock()

	r.controller.Stop()

	var result error
	if r.createFlags&CreateValidateOnDestroy != 0 {
		result = r.Validate()
	}

	for _, shard := range r.idleShards {
		shard.Release()
	}

	r.swap.Destroy()
	err := r.heap.Destroy()
	if err != nil {
		result = errors.CombineErrors(result, err)
	}

	r.logger.Debug("Runtime::Destroy", slog.Int("Handles", r.table.Live()))
	runtimeClaimed.Store(false)
	return result
}
