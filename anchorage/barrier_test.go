package anchorage_test

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unsafe"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/anchorage/anchorage"
	"github.com/vkngwrapper/anchorage/controller"
	"github.com/vkngwrapper/anchorage/memutils/defrag"
	"github.com/vkngwrapper/anchorage/memutils/mapping"
)

func isFilled(data []byte, seed int) bool {
	for i := range data {
		if data[i] != byte(seed*31+i) {
			return false
		}
	}
	return true
}

func dataPointer(data []byte) unsafe.Pointer {
	return unsafe.Pointer(&data[0])
}

func TestLockBarrierUnlock(t *testing.T) {
	runtime := newRuntime(t, anchorage.CreateOptions{})
	thread := runtime.RegisterThread()
	defer thread.Unregister()

	a := allocFilled(t, thread, 64, 1)
	b := allocFilled(t, thread, 64, 2)
	c := allocFilled(t, thread, 64, 3)

	aPointer := dataPointer(thread.Lock(a))
	thread.Unlock(a)
	thread.Hfree(a)

	locked := thread.Lock(b)
	before := dataPointer(locked)

	thread.Barrier()

	require.Equal(t, before, dataPointer(locked))
	requireFilled(t, locked, 2)

	// c was the only movable object to the right of the hole
	moved := thread.Lock(c)
	require.Equal(t, aPointer, dataPointer(moved))
	requireFilled(t, moved, 3)
	thread.Unlock(c)

	thread.Unlock(b)

	var stats anchorage.RuntimeStatistics
	runtime.Statistics(&stats)
	require.Equal(t, uint64(1), stats.Barrier.Rounds)
	require.Equal(t, uint64(1), stats.Barrier.LockCommits)
	require.Equal(t, uint64(1), stats.Barrier.UnlockCommits)
	require.Equal(t, 1, stats.Compaction.AllocationsMoved)
	require.Equal(t, 64, stats.Compaction.BytesMoved)

	thread.Hfree(b)
	thread.Hfree(c)
	require.NoError(t, runtime.Validate())
}

func TestPackAfterFree(t *testing.T) {
	testCases := map[string]struct {
		Algorithm  defrag.Algorithm
		ShrinksTos bool
	}{
		"Default": {ShrinksTos: true},
		"Full":    {Algorithm: defrag.AlgorithmFull, ShrinksTos: true},
		// The last object always sits directly after a free region, which the fast algorithm skips
		"Fast": {Algorithm: defrag.AlgorithmFast},
	}

	for testName, testCase := range testCases {
		t.Run(testName, func(t *testing.T) {
			runtime := newRuntime(t, anchorage.CreateOptions{
				ChunkSize: 1024 * 1024,
				Algorithm: testCase.Algorithm,
			})
			thread := runtime.RegisterThread()
			defer thread.Unregister()

			var handles []mapping.Handle
			for i := 0; i < 64; i++ {
				handles = append(handles, allocFilled(t, thread, 1024, i))
			}

			for i := 1; i < len(handles); i += 2 {
				thread.Hfree(handles[i])
			}

			var before anchorage.RuntimeStatistics
			runtime.Statistics(&before)

			thread.Barrier()

			var after anchorage.RuntimeStatistics
			runtime.Statistics(&after)
			require.Greater(t, after.Compaction.AllocationsMoved, 0)
			if testCase.ShrinksTos {
				require.Less(t, after.Heap.ResidentBytes, before.Heap.ResidentBytes)
			} else {
				require.LessOrEqual(t, after.Heap.ResidentBytes, before.Heap.ResidentBytes)
			}
			require.Equal(t, before.Heap.AllocationBytes, after.Heap.AllocationBytes)
			require.NotEmpty(t, runtime.BuildStatsString(true))

			for i := 0; i < len(handles); i += 2 {
				checkFilled(t, thread, handles[i], 1024, i)
				thread.Hfree(handles[i])
			}
			require.NoError(t, runtime.Validate())
		})
	}
}

func TestParkedThreadIsProxied(t *testing.T) {
	runtime := newRuntime(t, anchorage.CreateOptions{})
	parked := runtime.RegisterThread()
	leader := runtime.RegisterThread()

	h := allocFilled(t, parked, 128, 4)
	locked := parked.Lock(h)
	parked.Park()

	leader.Barrier()
	leader.BarrierWith(func() {})

	var stats anchorage.RuntimeStatistics
	runtime.Statistics(&stats)
	require.Equal(t, uint64(2), stats.Barrier.Rounds)
	require.Equal(t, uint64(2), stats.Barrier.LockCommits)
	require.Equal(t, uint64(2), stats.Barrier.UnlockCommits)

	parked.Unpark()
	requireFilled(t, locked, 4)
	parked.Unlock(h)
	parked.Hfree(h)

	require.Panics(t, func() {
		parked.Unpark()
	})

	parked.Unregister()
	leader.Unregister()
}

func TestCompactFromUnregisteredGoroutine(t *testing.T) {
	runtime := newRuntime(t, anchorage.CreateOptions{})
	thread := runtime.RegisterThread()
	defer thread.Unregister()

	var handles []mapping.Handle
	for i := 0; i < 32; i++ {
		handles = append(handles, allocFilled(t, thread, 256, i))
	}
	for i := 0; i < len(handles); i += 2 {
		thread.Hfree(handles[i])
	}

	_, err := runtime.Compact(-1)
	require.Error(t, err)

	moved, err := runtime.Compact(0)
	require.NoError(t, err)
	require.Equal(t, 0, moved)

	// This goroutine is the registered thread, so it parks while the round runs
	thread.Park()
	moved, err = runtime.Compact(1024 * 1024)
	thread.Unpark()
	require.NoError(t, err)
	require.Greater(t, moved, 0)

	for i := 1; i < len(handles); i += 2 {
		checkFilled(t, thread, handles[i], 256, i)
		thread.Hfree(handles[i])
	}
}

func TestOutOfMemoryTriggersCompaction(t *testing.T) {
	runtime := newRuntime(t, anchorage.CreateOptions{
		ChunkSize:     64 * 1024,
		MaxChunkCount: 1,
	})
	thread := runtime.RegisterThread()
	defer thread.Unregister()

	var handles []mapping.Handle
	for i := 0; ; i++ {
		h, err := thread.Halloc(1024)
		if err != nil {
			require.ErrorIs(t, err, anchorage.ErrOutOfMemory)
			break
		}

		data := thread.Lock(h)
		fill(data, i)
		thread.Unlock(h)
		handles = append(handles, h)
	}
	require.Greater(t, len(handles), 32)

	// The last object stays so that no free space opens up above Tos
	freed := make(map[int]bool)
	for i := 1; i < len(handles)-1; i += 2 {
		thread.Hfree(handles[i])
		freed[i] = true
	}

	// No hole is large enough, so the allocation only succeeds once the chunk is packed
	big, err := thread.Halloc(2048)
	require.NoError(t, err)

	var stats anchorage.RuntimeStatistics
	runtime.Statistics(&stats)
	require.Greater(t, stats.Compaction.AllocationsMoved, 0)
	require.Equal(t, 1, stats.Heap.ChunkCount)

	for i, h := range handles {
		if freed[i] {
			continue
		}
		checkFilled(t, thread, h, 1024, i)
		thread.Hfree(h)
	}
	thread.Hfree(big)
}

func TestBarrierStopsOtherThreads(t *testing.T) {
	runtime := newRuntime(t, anchorage.CreateOptions{})

	var counter atomic.Int64
	var stop atomic.Bool
	started := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)

		worker := runtime.RegisterThread()
		defer worker.Unregister()

		close(started)
		for !stop.Load() {
			worker.Safepoint()
			counter.Add(1)
		}
	}()

	<-started
	leader := runtime.RegisterThread()
	defer leader.Unregister()

	for i := 0; i < 5; i++ {
		leader.BarrierWith(func() {
			first := counter.Load()
			time.Sleep(5 * time.Millisecond)
			require.Equal(t, first, counter.Load())
		})
	}

	stop.Store(true)
	leader.Park()
	<-done
	leader.Unpark()
}

func runWorker(runtime *anchorage.Runtime, seed int, stop *atomic.Bool) (err error) {
	thread := runtime.RegisterThread()
	defer thread.Unregister()

	type object struct {
		handle mapping.Handle
		size   int
		seed   int
	}
	var live []object

	verifyAndFree := func(o object) error {
		data := thread.Lock(o.handle)
		ok := len(data) == o.size && isFilled(data, o.seed)
		thread.Unlock(o.handle)
		thread.Hfree(o.handle)
		if !ok {
			return fmt.Errorf("worker %d: object %s lost its contents", seed, o.handle)
		}
		return nil
	}

	for i := 0; !stop.Load(); i++ {
		size := 16 + (i*37)%500
		objectSeed := seed*1000 + i

		h, err := thread.Halloc(size)
		if err != nil {
			return err
		}

		data := thread.Lock(h)
		fill(data, objectSeed)
		before := dataPointer(data)

		// A round may run while the object is locked
		thread.Safepoint()

		again := thread.Lock(h)
		moved := dataPointer(again) != before
		thread.Unlock(h)
		thread.Unlock(h)
		if moved {
			return fmt.Errorf("worker %d: locked object %s moved", seed, h)
		}

		live = append(live, object{handle: h, size: size, seed: objectSeed})
		if len(live) > 32 {
			for j := 0; j < len(live); j += 2 {
				err = verifyAndFree(live[j])
				if err != nil {
					return err
				}
			}

			kept := live[:0]
			for j := 1; j < len(live); j += 2 {
				kept = append(kept, live[j])
			}
			live = kept
		}
	}

	for _, o := range live {
		err = verifyAndFree(o)
		if err != nil {
			return err
		}
	}

	return nil
}

func TestConcurrentThreadsSurviveCompaction(t *testing.T) {
	runtime := newRuntime(t, anchorage.CreateOptions{ChunkSize: 256 * 1024})

	var stop atomic.Bool
	var wait sync.WaitGroup
	errs := make(chan error, 8)

	for i := 0; i < 4; i++ {
		wait.Add(1)
		go func(seed int) {
			defer wait.Done()
			errs <- runWorker(runtime, seed, &stop)
		}(i)
	}

	wait.Add(1)
	go func() {
		defer wait.Done()
		for i := 0; i < 10 && !stop.Load(); i++ {
			_, err := runtime.Compact(64 * 1024)
			if err != nil {
				errs <- err
				return
			}
		}
	}()

	leader := runtime.RegisterThread()
	for i := 0; i < 20; i++ {
		leader.Barrier()

		leader.Park()
		time.Sleep(time.Millisecond)
		leader.Unpark()
	}

	stop.Store(true)
	leader.Park()
	wait.Wait()
	leader.Unpark()
	leader.Unregister()

	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	var stats anchorage.RuntimeStatistics
	runtime.Statistics(&stats)
	require.GreaterOrEqual(t, stats.Barrier.Rounds, uint64(20))
	require.Equal(t, stats.Barrier.LockCommits, stats.Barrier.UnlockCommits)
	require.Equal(t, 0, stats.Handles)
	require.NoError(t, runtime.Validate())
}

func TestControllerCompactsInBackground(t *testing.T) {
	runtime := newRuntime(t, anchorage.CreateOptions{
		Controller: &controller.Config{
			Mode:     controller.ModeStress,
			MinSleep: time.Millisecond,
			MaxSleep: 10 * time.Millisecond,
		},
	})
	thread := runtime.RegisterThread()
	defer thread.Unregister()

	var handles []mapping.Handle
	for i := 0; i < 16; i++ {
		handles = append(handles, allocFilled(t, thread, 512, i))
	}
	for i := 0; i < len(handles); i += 2 {
		thread.Hfree(handles[i])
	}

	deadline := time.Now().Add(5 * time.Second)
	var stats anchorage.RuntimeStatistics
	for {
		runtime.Statistics(&stats)
		if stats.Compaction.AllocationsMoved > 0 || time.Now().After(deadline) {
			break
		}

		thread.Park()
		time.Sleep(time.Millisecond)
		thread.Unpark()
	}
	require.Greater(t, stats.Compaction.AllocationsMoved, 0)

	for i := 1; i < len(handles); i += 2 {
		checkFilled(t, thread, handles[i], 512, i)
		thread.Hfree(handles[i])
	}
}
