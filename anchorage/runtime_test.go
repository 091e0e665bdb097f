package anchorage_test

import (
	"encoding/json"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/anchorage/anchorage"
	"github.com/vkngwrapper/anchorage/controller"
	"github.com/vkngwrapper/anchorage/memutils"
	"github.com/vkngwrapper/anchorage/memutils/mapping"
	"golang.org/x/exp/slog"
)

func newRuntime(t *testing.T, options anchorage.CreateOptions) *anchorage.Runtime {
	if options.Controller == nil {
		options.Controller = &controller.Config{Mode: controller.ModeDisabled}
	}
	options.Flags |= anchorage.CreateValidateOnDestroy

	logger := slog.New(slog.NewTextHandler(io.Discard))
	runtime, err := anchorage.New(logger, options)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, runtime.Destroy())
	})
	return runtime
}

func fill(data []byte, seed int) {
	for i := range data {
		data[i] = byte(seed*31 + i)
	}
}

func requireFilled(t *testing.T, data []byte, seed int) {
	for i := range data {
		if data[i] != byte(seed*31+i) {
			require.Failf(t, "object bytes changed", "seed %d: byte %d is %d", seed, i, data[i])
		}
	}
}

func allocFilled(t *testing.T, thread *anchorage.Thread, size, seed int) mapping.Handle {
	h, err := thread.Halloc(size)
	require.NoError(t, err)

	data := thread.Lock(h)
	require.Len(t, data, size)
	fill(data, seed)
	thread.Unlock(h)

	return h
}

func checkFilled(t *testing.T, thread *anchorage.Thread, h mapping.Handle, size, seed int) {
	data := thread.Lock(h)
	require.Len(t, data, size)
	requireFilled(t, data, seed)
	thread.Unlock(h)
}

func TestOnlyOneRuntime(t *testing.T) {
	newRuntime(t, anchorage.CreateOptions{})

	logger := slog.New(slog.NewTextHandler(io.Discard))
	_, err := anchorage.New(logger, anchorage.CreateOptions{})
	require.ErrorIs(t, err, anchorage.ErrRuntimeExists)
}

func TestRuntimeCanBeRecreated(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard))
	options := anchorage.CreateOptions{Controller: &controller.Config{Mode: controller.ModeDisabled}}

	runtime, err := anchorage.New(logger, options)
	require.NoError(t, err)
	require.NoError(t, runtime.Destroy())

	runtime, err = anchorage.New(logger, options)
	require.NoError(t, err)
	require.NoError(t, runtime.Destroy())
}

func TestInvalidOptionsReleaseClaim(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard))

	_, err := anchorage.New(logger, anchorage.CreateOptions{
		SlabCapacity: 100,
		Controller:   &controller.Config{Mode: controller.ModeDisabled},
	})
	require.ErrorIs(t, err, memutils.PowerOfTwoError)

	_, err = anchorage.New(logger, anchorage.CreateOptions{
		Sampling:   controller.Sampling(7),
		Controller: &controller.Config{Mode: controller.ModeDisabled},
	})
	require.EqualError(t, err, "unknown sampling 7")

	newRuntime(t, anchorage.CreateOptions{})
}

func TestDestroyRequiresUnregisteredThreads(t *testing.T) {
	runtime := newRuntime(t, anchorage.CreateOptions{})
	thread := runtime.RegisterThread()

	require.ErrorIs(t, runtime.Destroy(), anchorage.ErrThreadsRegistered)

	thread.Unregister()
}

func TestDestroyReportsLeakedObjects(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard))
	runtime, err := anchorage.New(logger, anchorage.CreateOptions{
		Controller: &controller.Config{Mode: controller.ModeDisabled},
	})
	require.NoError(t, err)

	thread := runtime.RegisterThread()
	_, err = thread.Halloc(64)
	require.NoError(t, err)
	thread.Unregister()

	require.Error(t, runtime.Destroy())

	// The claim is released even though objects leaked
	newRuntime(t, anchorage.CreateOptions{})
}

func TestSlabGrowth(t *testing.T) {
	runtime := newRuntime(t, anchorage.CreateOptions{SlabCapacity: 4})
	thread := runtime.RegisterThread()
	defer thread.Unregister()

	handles := map[mapping.Handle]int{}
	for i := 0; i < 5; i++ {
		handles[allocFilled(t, thread, 32, i)] = i
	}
	require.Len(t, handles, 5)

	var stats anchorage.RuntimeStatistics
	runtime.Statistics(&stats)
	require.Equal(t, 5, stats.Handles)
	require.Equal(t, 8, stats.HandleCapacity)

	for h, seed := range handles {
		checkFilled(t, thread, h, 32, seed)
		thread.Hfree(h)
	}

	runtime.Statistics(&stats)
	require.Equal(t, 0, stats.Handles)
}

func TestRuntimeStatistics(t *testing.T) {
	runtime := newRuntime(t, anchorage.CreateOptions{ChunkSize: 1024 * 1024})
	thread := runtime.RegisterThread()
	defer thread.Unregister()

	first := allocFilled(t, thread, 100, 1)
	second := allocFilled(t, thread, 200, 2)
	large := allocFilled(t, thread, 600*1024, 3)

	var stats anchorage.RuntimeStatistics
	runtime.Statistics(&stats)
	require.Equal(t, 2, stats.Heap.ChunkCount)
	require.Equal(t, 3, stats.Heap.AllocationCount)
	require.Equal(t, 100+200+600*1024, stats.Heap.AllocationBytes)
	require.Equal(t, 1, stats.Threads)
	require.Equal(t, 3, stats.Handles)

	var detailed memutils.DetailedStatistics
	runtime.CalculateStatistics(&detailed)
	require.Equal(t, 3, detailed.AllocationCount)
	require.Equal(t, 100, detailed.AllocationSizes.Min)
	require.Equal(t, 600*1024, detailed.AllocationSizes.Max)

	summary := runtime.BuildStatsString(false)
	require.True(t, json.Valid([]byte(summary)), summary)

	detailedMap := runtime.BuildStatsString(true)
	require.True(t, json.Valid([]byte(detailedMap)), detailedMap)
	require.Contains(t, detailedMap, second.String())
	require.Contains(t, detailedMap, large.String())

	thread.Hfree(first)
	thread.Hfree(second)
	thread.Hfree(large)
	require.NoError(t, runtime.Validate())
}

func TestCreateFlagsString(t *testing.T) {
	require.Equal(t, "", anchorage.CreateFlags(0).String())
	require.Equal(t, "CreateValidateOnDestroy", anchorage.CreateValidateOnDestroy.String())
}

func TestExternallySynchronizedRuntime(t *testing.T) {
	runtime := newRuntime(t, anchorage.CreateOptions{Flags: anchorage.CreateExternallySynchronized})
	thread := runtime.RegisterThread()
	defer thread.Unregister()

	var handles []mapping.Handle
	for i := 0; i < 16; i++ {
		handles = append(handles, allocFilled(t, thread, 200, i))
	}
	for i := 0; i < len(handles); i += 2 {
		thread.Hfree(handles[i])
	}

	thread.Barrier()

	for i := 1; i < len(handles); i += 2 {
		checkFilled(t, thread, handles[i], 200, i)
		thread.Hfree(handles[i])
	}
	require.NoError(t, runtime.Validate())
}
