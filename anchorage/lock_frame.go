package anchorage

import (
	"fmt"
	"sync"

	"github.com/vkngwrapper/anchorage/memutils/mapping"
)

var framePool = sync.Pool{
	New: func() any {
		return &LockFrame{}
	},
}

// LockFrame records the handles locked by one function scope. Frames are chained through prev into the
// owning Thread's lock chain, which a barrier round walks to find every Mapping that must not move.
type LockFrame struct {
	thread *Thread
	prev   *LockFrame
	locked []*mapping.Mapping
}

// Prev returns the frame this frame was entered from
func (f *LockFrame) Prev() *LockFrame {
	return f.prev
}

// Len is the number of locks currently recorded in the frame
func (f *LockFrame) Len() int {
	return len(f.locked)
}

func (f *LockFrame) record(m *mapping.Mapping) {
	f.locked = append(f.locked, m)
}

// forget removes the most recent record of the Mapping and reports whether one was found
func (f *LockFrame) forget(m *mapping.Mapping) bool {
	for i := len(f.locked) - 1; i >= 0; i-- {
		if f.locked[i] != m {
			continue
		}

		copy(f.locked[i:], f.locked[i+1:])
		f.locked[len(f.locked)-1] = nil
		f.locked = f.locked[:len(f.locked)-1]
		return true
	}

	return false
}

func (f *LockFrame) visit(visitor func(m *mapping.Mapping)) {
	for frame := f; frame != nil; frame = frame.prev {
		for _, m := range frame.locked {
			visitor(m)
		}
	}
}

// EnterFrame pushes a new frame onto the thread's lock chain. Locks taken until the matching ExitFrame
// are recorded in it.
func (t *Thread) EnterFrame() *LockFrame {
	t.Safepoint()

	frame := framePool.Get().(*LockFrame)
	frame.thread = t
	frame.prev = t.lockRoot
	frame.locked = frame.locked[:0]

	t.lockRoot = frame

	return frame
}

// ExitFrame pops the frame, which must be the innermost one, and releases every lock still recorded in it
func (t *Thread) ExitFrame(frame *LockFrame) {
	if frame.thread != t || t.lockRoot != frame {
		panic(fmt.Sprintf("thread %d: exited a lock frame that is not the innermost frame of this thread", t.id))
	}
	if frame.prev == nil {
		panic(fmt.Sprintf("thread %d: attempted to exit the root lock frame", t.id))
	}

	for len(frame.locked) > 0 {
		m := frame.locked[len(frame.locked)-1]
		t.unlockMapping(m, frame)
	}

	t.lockRoot = frame.prev

	frame.thread = nil
	frame.prev = nil
	framePool.Put(frame)
}
