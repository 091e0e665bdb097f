package anchorage_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/anchorage/anchorage"
	"github.com/vkngwrapper/anchorage/memutils/mapping"
)

func TestHallocLockRoundTrip(t *testing.T) {
	runtime := newRuntime(t, anchorage.CreateOptions{})
	thread := runtime.RegisterThread()
	defer thread.Unregister()

	h := allocFilled(t, thread, 100, 7)
	require.True(t, mapping.IsHandle(uint64(h)))
	require.Equal(t, 0, h.Offset())

	checkFilled(t, thread, h, 100, 7)

	data := thread.Lock(h.WithOffset(10))
	require.Len(t, data, 90)
	require.Equal(t, byte(7*31+10), data[0])
	thread.Unlock(h)

	thread.Hfree(h)

	var stats anchorage.RuntimeStatistics
	runtime.Statistics(&stats)
	require.Equal(t, 0, stats.Handles)
	require.Equal(t, 0, stats.Heap.AllocationCount)
}

func TestHallocZeroAndNegative(t *testing.T) {
	runtime := newRuntime(t, anchorage.CreateOptions{})
	thread := runtime.RegisterThread()
	defer thread.Unregister()

	h, err := thread.Halloc(0)
	require.NoError(t, err)
	require.Len(t, thread.Lock(h), 0)
	thread.Unlock(h)
	thread.Hfree(h)

	_, err = thread.Halloc(-1)
	require.Error(t, err)
}

func TestLockMisuse(t *testing.T) {
	runtime := newRuntime(t, anchorage.CreateOptions{})
	thread := runtime.RegisterThread()
	defer thread.Unregister()

	require.Panics(t, func() {
		thread.Lock(mapping.Handle(12345))
	})

	h := allocFilled(t, thread, 16, 1)
	require.Panics(t, func() {
		thread.Lock(h.WithOffset(17))
	})
	require.Panics(t, func() {
		thread.Unlock(h)
	})

	thread.Hfree(h)
	require.Panics(t, func() {
		thread.Lock(h)
	})
}

func TestDoubleFreePanics(t *testing.T) {
	runtime := newRuntime(t, anchorage.CreateOptions{})
	thread := runtime.RegisterThread()
	defer thread.Unregister()

	h := allocFilled(t, thread, 16, 1)
	thread.Hfree(h)

	require.Panics(t, func() {
		thread.Hfree(h)
	})
}

func TestLazyFree(t *testing.T) {
	runtime := newRuntime(t, anchorage.CreateOptions{})
	thread := runtime.RegisterThread()
	defer thread.Unregister()

	h := allocFilled(t, thread, 64, 3)

	data := thread.Lock(h)
	thread.Hfree(h)

	var stats anchorage.RuntimeStatistics
	runtime.Statistics(&stats)
	require.Equal(t, 1, stats.Handles)
	requireFilled(t, data, 3)

	// A lazily freed handle is no longer live
	require.Panics(t, func() {
		thread.Hfree(h)
	})

	thread.Unlock(h)

	runtime.Statistics(&stats)
	require.Equal(t, 0, stats.Handles)
	require.Equal(t, 0, stats.Heap.AllocationCount)
}

func TestCrossThreadFree(t *testing.T) {
	runtime := newRuntime(t, anchorage.CreateOptions{})
	owner := runtime.RegisterThread()
	other := runtime.RegisterThread()

	var handles []mapping.Handle
	for i := 0; i < 16; i++ {
		handles = append(handles, allocFilled(t, owner, 48, i))
	}

	for i, h := range handles {
		checkFilled(t, other, h, 48, i)
		other.Hfree(h)
	}

	var stats anchorage.RuntimeStatistics
	runtime.Statistics(&stats)
	require.Equal(t, 0, stats.Handles)

	// The owner drains its remote queue and hands the same slots out again
	reused := map[mapping.Handle]bool{}
	for _, h := range handles {
		reused[h] = true
	}
	for i := 0; i < 16; i++ {
		h := allocFilled(t, owner, 48, i)
		require.True(t, reused[h])
		owner.Hfree(h)
	}

	require.NoError(t, runtime.Validate())
	owner.Unregister()
	other.Unregister()
}

func TestHrealloc(t *testing.T) {
	runtime := newRuntime(t, anchorage.CreateOptions{})
	thread := runtime.RegisterThread()
	defer thread.Unregister()

	h := allocFilled(t, thread, 100, 5)

	grown, err := thread.Hrealloc(h, 4096)
	require.NoError(t, err)
	require.Equal(t, h, grown)

	data := thread.Lock(h)
	require.Len(t, data, 4096)
	requireFilled(t, data[:100], 5)
	thread.Unlock(h)

	shrunk, err := thread.Hrealloc(h, 10)
	require.NoError(t, err)
	require.Equal(t, h, shrunk)
	checkFilled(t, thread, h, 10, 5)

	thread.Hfree(h)
	require.NoError(t, runtime.Validate())

	_, err = thread.Hrealloc(h, 10)
	require.ErrorIs(t, err, anchorage.ErrInvalidHandle)
}

func TestHreallocLocked(t *testing.T) {
	runtime := newRuntime(t, anchorage.CreateOptions{})
	thread := runtime.RegisterThread()
	defer thread.Unregister()

	// A 20 byte request reserves a 32 byte block
	h := allocFilled(t, thread, 20, 9)
	data := thread.Lock(h)

	_, err := thread.Hrealloc(h, 30)
	require.NoError(t, err)
	require.Len(t, thread.Lock(h), 30)
	thread.Unlock(h)

	_, err = thread.Hrealloc(h, 8192)
	require.ErrorIs(t, err, anchorage.ErrHandleLocked)

	requireFilled(t, data[:20], 9)
	thread.Unlock(h)
	thread.Hfree(h)
}

func TestHreallocAcrossDedicatedChunks(t *testing.T) {
	runtime := newRuntime(t, anchorage.CreateOptions{ChunkSize: 64 * 1024})
	thread := runtime.RegisterThread()
	defer thread.Unregister()

	h := allocFilled(t, thread, 1000, 4)

	_, err := thread.Hrealloc(h, 100*1024)
	require.NoError(t, err)
	data := thread.Lock(h)
	requireFilled(t, data[:1000], 4)
	thread.Unlock(h)

	var stats anchorage.RuntimeStatistics
	runtime.Statistics(&stats)
	require.Equal(t, 1, stats.Heap.AllocationCount)
	require.Equal(t, 100*1024, stats.Heap.AllocationBytes)

	_, err = thread.Hrealloc(h, 500)
	require.NoError(t, err)
	checkFilled(t, thread, h, 500, 4)

	thread.Hfree(h)
	runtime.Statistics(&stats)
	require.Equal(t, 0, stats.Heap.AllocationCount)
}

func TestSwapOut(t *testing.T) {
	runtime := newRuntime(t, anchorage.CreateOptions{})
	thread := runtime.RegisterThread()
	defer thread.Unregister()

	h := allocFilled(t, thread, 256, 6)
	require.NoError(t, thread.SwapOut(h))
	require.NoError(t, thread.SwapOut(h))

	var stats anchorage.RuntimeStatistics
	runtime.Statistics(&stats)
	require.Equal(t, 1, stats.SwappedObjects)
	require.Equal(t, 256, stats.SwappedBytes)
	require.Equal(t, 0, stats.Heap.AllocationCount)

	data := thread.Lock(h)
	requireFilled(t, data, 6)

	runtime.Statistics(&stats)
	require.Equal(t, 0, stats.SwappedObjects)
	require.Equal(t, 1, stats.Heap.AllocationCount)

	require.ErrorIs(t, thread.SwapOut(h), anchorage.ErrHandleLocked)
	thread.Unlock(h)

	// Freeing a swapped object discards its buffer
	require.NoError(t, thread.SwapOut(h))
	thread.Hfree(h)
	runtime.Statistics(&stats)
	require.Equal(t, 0, stats.SwappedObjects)
	require.Equal(t, 0, stats.Handles)
}

func TestSwappedRealloc(t *testing.T) {
	runtime := newRuntime(t, anchorage.CreateOptions{})
	thread := runtime.RegisterThread()
	defer thread.Unregister()

	h := allocFilled(t, thread, 64, 2)
	require.NoError(t, thread.SwapOut(h))

	_, err := thread.Hrealloc(h, 128)
	require.NoError(t, err)

	data := thread.Lock(h)
	require.Len(t, data, 128)
	requireFilled(t, data[:64], 2)
	require.Equal(t, make([]byte, 64), data[64:])
	thread.Unlock(h)

	thread.Hfree(h)
}

func TestRelocationRefusesObjectLockedElsewhere(t *testing.T) {
	testCases := map[string]struct {
		relocate func(thread *anchorage.Thread, h mapping.Handle) error
		size     int
	}{
		"SwapOut": {
			relocate: func(thread *anchorage.Thread, h mapping.Handle) error {
				return thread.SwapOut(h)
			},
			size: 20,
		},
		"Hrealloc": {
			relocate: func(thread *anchorage.Thread, h mapping.Handle) error {
				_, err := thread.Hrealloc(h, 8192)
				return err
			},
			size: 8192,
		},
	}

	for testName, testCase := range testCases {
		t.Run(testName, func(t *testing.T) {
			runtime := newRuntime(t, anchorage.CreateOptions{})
			locker := runtime.RegisterThread()
			defer locker.Unregister()
			other := runtime.RegisterThread()
			defer other.Unregister()

			h := allocFilled(t, locker, 20, 9)
			data := locker.Lock(h)
			before := dataPointer(data)

			require.ErrorIs(t, testCase.relocate(other, h), anchorage.ErrHandleLocked)
			requireFilled(t, data, 9)

			again := locker.Lock(h)
			require.Equal(t, before, dataPointer(again))
			locker.Unlock(h)
			locker.Unlock(h)

			require.NoError(t, testCase.relocate(other, h))

			data = locker.Lock(h)
			require.Len(t, data, testCase.size)
			requireFilled(t, data[:20], 9)
			locker.Unlock(h)

			other.Hfree(h)
			require.NoError(t, runtime.Validate())
		})
	}
}

func TestLockWaitsForRelocation(t *testing.T) {
	runtime := newRuntime(t, anchorage.CreateOptions{ChunkSize: 64 * 1024})
	owner := runtime.RegisterThread()

	h := allocFilled(t, owner, 64, 5)

	var stop atomic.Bool
	var wait sync.WaitGroup
	errs := make(chan error, 1)

	wait.Add(1)
	go func() {
		defer wait.Done()
		mover := runtime.RegisterThread()
		defer mover.Unregister()

		sizes := []int{4096, 64, 20000, 64}
		for i := 0; !stop.Load(); i++ {
			err := mover.SwapOut(h)
			if err != nil && !errors.Is(err, anchorage.ErrHandleLocked) {
				errs <- err
				return
			}

			_, err = mover.Hrealloc(h, sizes[i%len(sizes)])
			if err != nil && !errors.Is(err, anchorage.ErrHandleLocked) {
				errs <- err
				return
			}
		}
		errs <- nil
	}()

	intact := true
	for i := 0; i < 2000 && intact; i++ {
		data := owner.Lock(h)
		intact = len(data) >= 64 && isFilled(data[:64], 5)
		owner.Unlock(h)
	}

	stop.Store(true)
	owner.Park()
	wait.Wait()
	owner.Unpark()

	require.NoError(t, <-errs)
	require.True(t, intact)

	owner.Hfree(h)
	owner.Unregister()
	require.NoError(t, runtime.Validate())
}

func TestLockFrames(t *testing.T) {
	runtime := newRuntime(t, anchorage.CreateOptions{})
	thread := runtime.RegisterThread()
	defer thread.Unregister()

	outer := allocFilled(t, thread, 32, 1)
	inner := allocFilled(t, thread, 32, 2)

	thread.Lock(outer)
	root := thread.CurrentFrame()
	require.Equal(t, 1, root.Len())

	frame := thread.EnterFrame()
	require.Same(t, root, frame.Prev())
	require.Same(t, frame, thread.CurrentFrame())

	thread.Lock(inner)
	thread.Lock(inner)
	thread.Lock(outer)
	thread.Unlock(outer)
	require.Equal(t, 2, frame.Len())
	require.Equal(t, 1, root.Len())

	nested := thread.EnterFrame()
	require.Panics(t, func() {
		thread.ExitFrame(frame)
	})
	thread.ExitFrame(nested)

	thread.ExitFrame(frame)
	require.Same(t, root, thread.CurrentFrame())

	// The frame's locks were released, so the object can grow out of place
	_, err := thread.Hrealloc(inner, 8192)
	require.NoError(t, err)

	require.Panics(t, func() {
		thread.ExitFrame(root)
	})

	thread.Unlock(outer)
	thread.Hfree(outer)
	thread.Hfree(inner)
}

func TestUnregisterWithLocksPanics(t *testing.T) {
	runtime := newRuntime(t, anchorage.CreateOptions{})
	thread := runtime.RegisterThread()

	h := allocFilled(t, thread, 32, 1)
	thread.Lock(h)
	require.Panics(t, func() {
		thread.Unregister()
	})

	thread.Unlock(h)
	thread.Hfree(h)
	thread.Unregister()

	require.Panics(t, func() {
		thread.Halloc(16)
	})
}

func TestLockedBytesAreStable(t *testing.T) {
	runtime := newRuntime(t, anchorage.CreateOptions{})
	thread := runtime.RegisterThread()
	defer thread.Unregister()

	h := allocFilled(t, thread, 64, 8)
	first := thread.Lock(h)
	second := thread.Lock(h)
	require.Equal(t, unsafe.Pointer(&first[0]), unsafe.Pointer(&second[0]))
	thread.Unlock(h)
	thread.Unlock(h)
	thread.Hfree(h)
}
