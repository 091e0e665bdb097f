package anchorage

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/anchorage/controller"
	"github.com/vkngwrapper/anchorage/memutils/defrag"
	"github.com/vkngwrapper/anchorage/memutils/mapping"
	"golang.org/x/exp/slog"
)

// CreateFlags indicate specific runtime behaviors to activate or deactivate
type CreateFlags int32

var createFlagsMapping = map[CreateFlags]string{
	CreateExternallySynchronized: "CreateExternallySynchronized",
	CreateValidateOnDestroy:      "CreateValidateOnDestroy",
}

func (f CreateFlags) String() string {
	var names []string
	for flag, name := range createFlagsMapping {
		if f&flag != 0 {
			names = append(names, name)
		}
	}

	return strings.Join(names, "|")
}

const (
	// CreateExternallySynchronized disables the heap's mutex. The consumer must guarantee that only one
	// Thread is registered at a time and the controller is disabled.
	CreateExternallySynchronized CreateFlags = 1 << iota
	// CreateValidateOnDestroy runs Validate before the runtime releases its chunks, returning any
	// inconsistency from Destroy
	CreateValidateOnDestroy
)

const (
	// DefaultChunkSize is the chunk capacity used when CreateOptions.ChunkSize is zero. It is equal to 4Mb.
	DefaultChunkSize int = 4 * 1024 * 1024
	// DefaultSlabCapacity is the number of Mappings in each handle table slab when
	// CreateOptions.SlabCapacity is zero
	DefaultSlabCapacity int = 1024
	// DefaultPassBytes is the relocation budget of Thread.Barrier when CreateOptions.PassBytes is zero.
	// It is equal to 1Mb.
	DefaultPassBytes int = 1024 * 1024
)

// CreateOptions contains optional settings when creating a runtime
type CreateOptions struct {
	// Flags indicates specific runtime behaviors to activate or deactivate
	Flags CreateFlags
	// ChunkSize is the capacity of each regular chunk. Objects larger than half of it are placed in
	// dedicated chunks.
	ChunkSize int
	// MaxChunkCount limits the number of chunks the heap may map at once, dedicated chunks included.
	// Zero means no limit.
	MaxChunkCount int
	// SlabCapacity is the number of Mappings in each handle table slab. It must be a power of two.
	SlabCapacity int
	// PassBytes is the relocation budget of a voluntary Thread.Barrier round
	PassBytes int
	// Algorithm selects how each chunk is packed. Zero means defrag.AlgorithmFull.
	Algorithm defrag.Algorithm
	// Controller is the background compaction controller's tuning. If nil, it is read from the ANCH_*
	// environment variables.
	Controller *controller.Config
	// Sampling selects what the controller treats as resident memory when it measures fragmentation.
	// Zero means controller.SampleHeap.
	Sampling controller.Sampling
}

// runtimeClaimed is set while a Runtime is alive. Handles carry no runtime identity, so only one runtime
// may own them per process.
var runtimeClaimed atomic.Bool

// New creates the process's Runtime. It fails with ErrRuntimeExists if another runtime has not yet been
// destroyed.
func New(logger *slog.Logger, options CreateOptions) (*Runtime, error) {
	if !runtimeClaimed.CompareAndSwap(false, true) {
		return nil, ErrRuntimeExists
	}

	runtime, err := newRuntime(logger, options)
	if err != nil {
		runtimeClaimed.Store(false)
		return nil, err
	}

	return runtime, nil
}

func newRuntime(logger *slog.Logger, options CreateOptions) (*Runtime, error) {
	useMutex := options.Flags&CreateExternallySynchronized == 0

	if options.ChunkSize == 0 {
		options.ChunkSize = DefaultChunkSize
	}
	if options.SlabCapacity == 0 {
		options.SlabCapacity = DefaultSlabCapacity
	}
	if options.PassBytes == 0 {
		options.PassBytes = DefaultPassBytes
	}
	if options.ChunkSize < 0 || options.MaxChunkCount < 0 || options.PassBytes < 0 {
		return nil, errors.Newf("invalid runtime options: chunk size %d, max chunk count %d, pass bytes %d", options.ChunkSize, options.MaxChunkCount, options.PassBytes)
	}

	runtime := &Runtime{
		logger:      logger,
		createFlags: options.Flags,
		passBytes:   options.PassBytes,
		threads:     make(map[int]*Thread),
	}

	var err error
	runtime.table, err = mapping.NewTable(logger, options.SlabCapacity)
	if err != nil {
		return nil, err
	}

	runtime.heap.Init(logger, useMutex, options.ChunkSize, options.MaxChunkCount)
	runtime.compaction = defrag.CompactionContext{
		Algorithm: options.Algorithm,
		ChunkList: &runtime.heap,
		Evacuate:  true,
	}
	runtime.compaction.Init()
	runtime.swap.Init()
	runtime.barrier.Init(logger)

	config := options.Controller
	if config == nil {
		envConfig, err := controller.ConfigFromEnv()
		if err != nil {
			return nil, err
		}
		config = &envConfig
	}

	sampler, err := controller.NewSampler(options.Sampling, runtime)
	if err != nil {
		return nil, err
	}

	runtime.controller, err = controller.New(logger, *config, sampler, runtime)
	if err != nil {
		return nil, err
	}
	runtime.controller.Start(context.Background())

	logger.Debug("Runtime::New",
		slog.String("Flags", options.Flags.String()),
		slog.Int("ChunkSize", options.ChunkSize),
		slog.Int("SlabCapacity", options.SlabCapacity),
		slog.String("Algorithm", runtime.compaction.Algorithm.String()),
		slog.String("Controller", runtime.controller.Config().Mode.String()),
		slog.String("Sampling", options.Sampling.String()))

	return runtime, nil
}
