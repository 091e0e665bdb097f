package anchorage

import (
	"fmt"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/anchorage/memutils/defrag"
	"github.com/vkngwrapper/anchorage/memutils/mapping"
	"golang.org/x/exp/slog"
)

// Thread is a goroutine's registration with a Runtime. Every handle operation goes through a Thread, and
// a Thread must only be used by one goroutine at a time.
//
// A registered Thread that blocks on anything outside the runtime for a long time (channels, I/O, other
// locks) must Park first, or barrier rounds will wait for it.
type Thread struct {
	runtime *Runtime
	id      int
	cache   threadCache

	root      LockFrame
	lockRoot  *LockFrame
	committed []*mapping.Mapping

	// Guarded by the barrier mutex
	parked           bool
	participantRound uint64
	joinedRound      uint64

	unregistered bool
}

func (t *Thread) ID() int {
	return t.id
}

func (t *Thread) Runtime() *Runtime {
	return t.runtime
}

// CurrentFrame returns the innermost lock frame
func (t *Thread) CurrentFrame() *LockFrame {
	return t.lockRoot
}

func (t *Thread) checkRegistered() {
	if t.unregistered {
		panic(fmt.Sprintf("thread %d was used after it was unregistered", t.id))
	}
}

// resolve returns the live Mapping a handle refers to, or nil
func (t *Thread) resolve(h mapping.Handle) *mapping.Mapping {
	m := t.runtime.table.Resolve(h)
	if m == nil || m.IsFree() || m.IsLazyFree() {
		return nil
	}

	return m
}

// Lock pins the handle's object in place and returns its bytes, starting at the handle's offset. The
// slice remains valid until the matching Unlock. The lock is recorded in the current frame; locking a
// value that is not a live handle is fatal.
func (t *Thread) Lock(h mapping.Handle) []byte {
	t.checkRegistered()
	t.Safepoint()

	m := t.resolve(h)
	if m == nil {
		panic(fmt.Sprintf("thread %d: attempted to lock %s, which is not a live handle", t.id, h))
	}

	offset := h.Offset()
	if offset > m.Size() {
		panic(fmt.Sprintf("thread %d: handle %s points %d bytes into an object of %d bytes", t.id, h, offset, m.Size()))
	}

	m.IncrementLockDepth()
	t.lockRoot.record(m)
	t.awaitClaim(m)

	if m.IsSwapped() {
		t.swapIn(m)
	}

	return m.Bytes()[offset:]
}

// Unlock releases one lock on the handle taken by this thread. If the handle was freed while locked and
// this was its last lock, the object is released.
func (t *Thread) Unlock(h mapping.Handle) {
	t.checkRegistered()

	m := t.runtime.table.Resolve(h)
	if m == nil {
		panic(fmt.Sprintf("thread %d: attempted to unlock %s, which is not a handle", t.id, h))
	}

	t.unlockMapping(m, t.lockRoot)
}

func (t *Thread) unlockMapping(m *mapping.Mapping, frame *LockFrame) {
	found := false
	for f := frame; f != nil && !found; f = f.prev {
		found = f.forget(m)
	}
	if !found {
		panic(fmt.Sprintf("thread %d: attempted to unlock mapping %d, which this thread has not locked", t.id, m.ID()))
	}

	if m.DecrementLockDepth() == 0 && m.IsLazyFree() {
		t.release(m)
	}
}

// Halloc allocates an object of the provided size and returns a handle to it. The object's bytes are
// not zeroed. If the heap cannot hold the object, a compaction round is run and the allocation retried
// once before ErrOutOfMemory is returned.
func (t *Thread) Halloc(size int) (mapping.Handle, error) {
	t.checkRegistered()
	t.Safepoint()

	if size < 0 {
		return 0, errors.Newf("anchorage: cannot allocate an object of %d bytes", size)
	}

	m, err := t.cache.shard.Get()
	if err != nil {
		return 0, errors.CombineErrors(ErrOutOfMemory, err)
	}

	err = t.allocate(size, m)
	if err != nil {
		t.cache.shard.Put(m)
		return 0, err
	}

	return m.Handle(), nil
}

func (t *Thread) allocate(size int, m *mapping.Mapping) error {
	err := t.cache.alloc(size, m)
	if errors.Is(err, ErrOutOfMemory) {
		t.runtime.logger.Debug("Thread::allocate", slog.Int("Thread", t.id), slog.Int("Size", size), slog.String("Retry", "compaction"))
		t.compactForAllocation()
		err = t.cache.alloc(size, m)
	}

	return err
}

func (t *Thread) compactForAllocation() {
	t.BarrierWith(func() {
		pass := defrag.UnboundedPass()
		t.runtime.compact(&pass)
	})
}

// Hfree frees the handle's object. If any thread holds the handle locked, the object is released by the
// last Unlock instead. Freeing a handle twice is fatal.
func (t *Thread) Hfree(h mapping.Handle) {
	t.checkRegistered()
	t.Safepoint()

	m := t.runtime.table.Resolve(h)
	if m == nil {
		panic(fmt.Sprintf("thread %d: attempted to free %s, which is not a handle", t.id, h))
	}
	if m.IsFree() || m.IsLazyFree() {
		panic(fmt.Sprintf("thread %d: handle %s was freed twice", t.id, h))
	}

	// Holding a lock of our own means exactly one of the racing unlocks observes depth zero
	m.IncrementLockDepth()
	t.awaitClaim(m)
	m.MarkLazyFree()
	if m.DecrementLockDepth() == 0 {
		t.release(m)
	}
}

func (t *Thread) release(m *mapping.Mapping) {
	if m.IsSwapped() {
		t.runtime.swap.drop(m.ID())
	} else {
		t.runtime.heap.free(m)
	}

	t.cache.shard.Put(m)
}

// Hrealloc changes the size of the handle's object, preserving its bytes up to the smaller of the two sizes.
// The handle stays the same. An object that must move to grow cannot be locked by any thread.
func (t *Thread) Hrealloc(h mapping.Handle, size int) (mapping.Handle, error) {
	t.checkRegistered()
	t.Safepoint()

	m := t.resolve(h)
	if m == nil {
		return 0, errors.Wrapf(ErrInvalidHandle, "%s", h)
	}
	if size < 0 {
		return 0, errors.Newf("anchorage: cannot resize an object to %d bytes", size)
	}

	t.claim(m)
	defer t.unclaim(m)

	if m.IsFree() || m.IsLazyFree() {
		return 0, errors.Wrapf(ErrInvalidHandle, "%s was freed during the resize", h)
	}

	if m.IsSwapped() {
		t.runtime.swap.resize(m.ID(), size)
		m.SetPointer(nil, size)
		return h, nil
	}

	if t.runtime.heap.resize(m, size) {
		return h, nil
	}

	if m.IsLocked() {
		return 0, errors.Wrapf(ErrHandleLocked, "%s cannot grow in place to %d bytes", h, size)
	}

	oldSize := m.Size()
	err := t.allocateMoving(size, m)
	if err != nil {
		return 0, err
	}

	t.runtime.logger.Debug("Thread::Hrealloc", slog.Int("Thread", t.id), slog.String("Handle", h.String()), slog.Int("From", oldSize), slog.Int("To", size))
	return h, nil
}

// claim takes the swap mutex and marks the Mapping claimed. A thread that locks or frees the Mapping
// after the claim is visible waits in awaitClaim until unclaim, and a thread that locked it before
// the claim is visible through IsLocked.
func (t *Thread) claim(m *mapping.Mapping) {
	store := &t.runtime.swap
	t.Park()
	store.mutex.Lock()
	t.Unpark()

	m.SetClaimed(true)
}

func (t *Thread) unclaim(m *mapping.Mapping) {
	m.SetClaimed(false)
	t.runtime.swap.mutex.Unlock()
}

// awaitClaim blocks until no other thread holds a claim on the Mapping. The caller has already raised
// the Mapping's lock depth.
func (t *Thread) awaitClaim(m *mapping.Mapping) {
	store := &t.runtime.swap
	for m.IsClaimed() {
		t.Park()
		store.mutex.Lock()
		store.mutex.Unlock()
		t.Unpark()
	}
}

// allocateMoving places a new block for an object that already has one, copies the bytes over, and frees
// the old block. The caller holds a claim on the Mapping.
func (t *Thread) allocateMoving(size int, m *mapping.Mapping) error {
	oldPointer := m.Pointer()
	oldSize := m.Size()

	err := t.cache.alloc(size, m)
	if errors.Is(err, ErrOutOfMemory) {
		// Compaction may relocate the object, so the old block is only read once it is done
		t.compactForAllocation()
		oldPointer = m.Pointer()
		err = t.cache.alloc(size, m)
	}
	if err != nil {
		return err
	}

	keep := oldSize
	if size < keep {
		keep = size
	}
	copy(m.Bytes()[:keep], unsafe.Slice((*byte)(oldPointer), keep))

	t.runtime.heap.freePointer(oldPointer, m)
	return nil
}

// SwapOut evicts an unlocked object's bytes from the heap. The next Lock copies them back in.
func (t *Thread) SwapOut(h mapping.Handle) error {
	t.checkRegistered()
	t.Safepoint()

	m := t.resolve(h)
	if m == nil {
		return errors.Wrapf(ErrInvalidHandle, "%s", h)
	}

	t.claim(m)
	defer t.unclaim(m)

	if m.IsFree() || m.IsLazyFree() {
		return errors.Wrapf(ErrInvalidHandle, "%s was freed before it could be swapped out", h)
	}
	if m.IsLocked() {
		return errors.Wrapf(ErrHandleLocked, "%s cannot be swapped out", h)
	}
	if m.IsSwapped() {
		return nil
	}

	size := m.Size()
	buffer := make([]byte, size)
	copy(buffer, m.Bytes())

	t.runtime.heap.free(m)
	m.SetPointer(nil, size)
	m.SetSwapped(true)
	t.runtime.swap.store(m.ID(), buffer)

	t.runtime.logger.Debug("Thread::SwapOut", slog.Int("Thread", t.id), slog.String("Handle", h.String()), slog.Int("Size", size))
	return nil
}

// swapIn copies a swapped object back into the heap. The caller has already locked the Mapping.
func (t *Thread) swapIn(m *mapping.Mapping) {
	store := &t.runtime.swap

	// Threads waiting on the swap store are parked so that a round never waits on them
	t.Park()
	store.mutex.Lock()
	t.Unpark()
	defer store.mutex.Unlock()

	if !m.IsSwapped() {
		return
	}

	buffer := store.take(m.ID())
	size := m.Size()

	err := t.allocate(size, m)
	if err != nil {
		panic(fmt.Sprintf("thread %d: could not swap mapping %d back in: %+v", t.id, m.ID(), err))
	}

	copy(m.Bytes(), buffer)
	m.SetSwapped(false)
}

// Barrier runs a compaction round with the runtime's default pass budget
func (t *Thread) Barrier() {
	t.BarrierWith(func() {
		pass := t.runtime.defaultPass()
		t.runtime.compact(&pass)
	})
}

// BarrierWith runs the provided function while every other registered thread is stopped at a safepoint
// or parked, and every locked handle is pinned
func (t *Thread) BarrierWith(critical func()) {
	t.checkRegistered()
	t.runtime.barrier.run(t.runtime, t, critical)
}

// Unregister removes the thread from its runtime. The thread must not hold any locks, and must not be
// used afterward.
func (t *Thread) Unregister() {
	t.checkRegistered()
	if t.lockRoot != &t.root {
		panic(fmt.Sprintf("thread %d: unregistered with lock frames still entered", t.id))
	}
	if t.root.Len() > 0 {
		panic(fmt.Sprintf("thread %d: unregistered while holding %d locks", t.id, t.root.Len()))
	}

	t.Park()

	r := t.runtime
	r.registryMutex.Lock()
	defer r.registryMutex.Unlock()

	delete(r.threads, t.id)
	r.threadCount.Add(-1)
	t.cache.Release()
	r.idleShards = append(r.idleShards, t.cache.shard)
	t.unregistered = true

	r.logger.Debug("Thread::Unregister", slog.Int("Thread", t.id), slog.Int("Threads", len(r.threads)))
}
