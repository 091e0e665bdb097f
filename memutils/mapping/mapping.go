package mapping

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// Flags describe the state of a Mapping
type Flags uint32

const (
	// FlagFree marks a Mapping that sits on a slab free list
	FlagFree Flags = 1 << iota
	// FlagSwapped marks a Mapping whose bytes have been evicted from the heap
	FlagSwapped
	// FlagLazyFree marks a Mapping that was freed while locked. It is released by the final Unlock.
	FlagLazyFree
	// FlagClaimed marks a Mapping whose bytes are being evicted or relocated outside of a barrier round.
	// Threads that lock the Mapping wait for the claim to be released.
	FlagClaimed
)

var flagsMapping = map[Flags]string{
	FlagFree:     "FlagFree",
	FlagSwapped:  "FlagSwapped",
	FlagLazyFree: "FlagLazyFree",
	FlagClaimed:  "FlagClaimed",
}

func (f Flags) String() string {
	return flagsMapping[f]
}

// Mapping is the indirection record a Handle refers to. Mappings live inside slab arrays that are never
// reallocated, so a Mapping's address is stable for the lifetime of its Table.
type Mapping struct {
	pointer unsafe.Pointer
	size    atomic.Int64
	flags   atomic.Uint32
	pins    atomic.Int32
	depth   atomic.Int32

	next *Mapping
	id   ID
	slab *Slab
}

func (m *Mapping) ID() ID {
	return m.id
}

// Handle returns a Handle to the start of this Mapping's object
func (m *Mapping) Handle() Handle {
	return Encode(m.id, 0)
}

// Pointer returns the current backing address, or nil if the object is swapped out
func (m *Mapping) Pointer() unsafe.Pointer {
	return atomic.LoadPointer(&m.pointer)
}

// SetPointer records a new backing address. Only the allocator calls this.
func (m *Mapping) SetPointer(pointer unsafe.Pointer, size int) {
	m.size.Store(int64(size))
	atomic.StorePointer(&m.pointer, pointer)
}

// Size is the logical size of the object in bytes
func (m *Mapping) Size() int {
	return int(m.size.Load())
}

// Bytes returns the object's bytes at its current location. The slice is only valid until the next
// compaction round that is permitted to move this Mapping.
func (m *Mapping) Bytes() []byte {
	pointer := m.Pointer()
	if pointer == nil {
		return nil
	}
	return unsafe.Slice((*byte)(pointer), m.Size())
}

// clearLive drops the object state of a Mapping that has just been marked free. The free flag and
// the free list link are left alone.
func (m *Mapping) clearLive() {
	atomic.StorePointer(&m.pointer, nil)
	m.size.Store(0)
	m.pins.Store(0)
	m.depth.Store(0)
}

func (m *Mapping) hasFlag(flag Flags) bool {
	return Flags(m.flags.Load())&flag != 0
}

func (m *Mapping) setFlag(flag Flags, set bool) {
	for {
		old := m.flags.Load()
		updated := old | uint32(flag)
		if !set {
			updated = old &^ uint32(flag)
		}
		if m.flags.CompareAndSwap(old, updated) {
			return
		}
	}
}

func (m *Mapping) Flags() Flags {
	return Flags(m.flags.Load())
}

func (m *Mapping) IsFree() bool {
	return m.hasFlag(FlagFree)
}

// markFree sets FlagFree and reports whether the Mapping was previously live
func (m *Mapping) markFree() bool {
	for {
		old := m.flags.Load()
		if Flags(old)&FlagFree != 0 {
			return false
		}
		if m.flags.CompareAndSwap(old, uint32(FlagFree)) {
			return true
		}
	}
}

// SetNext links a free Mapping to the next free Mapping in its list
func (m *Mapping) SetNext(next *Mapping) {
	if !m.IsFree() {
		panic(fmt.Sprintf("mapping %d: attempted to link a live mapping into a free list", m.id))
	}
	m.next = next
}

// Next returns the next free Mapping. It is only meaningful while the Mapping is free.
func (m *Mapping) Next() *Mapping {
	return m.next
}

func (m *Mapping) IsSwapped() bool {
	return m.hasFlag(FlagSwapped)
}

func (m *Mapping) SetSwapped(swapped bool) {
	m.setFlag(FlagSwapped, swapped)
}

func (m *Mapping) IsLazyFree() bool {
	return m.hasFlag(FlagLazyFree)
}

func (m *Mapping) MarkLazyFree() {
	m.setFlag(FlagLazyFree, true)
}

func (m *Mapping) IsClaimed() bool {
	return m.hasFlag(FlagClaimed)
}

// SetClaimed sets or clears FlagClaimed. Claims are only taken and released under the runtime's
// swap mutex.
func (m *Mapping) SetClaimed(claimed bool) {
	m.setFlag(FlagClaimed, claimed)
}

// IsPinned reports whether some thread committed this Mapping as locked during the current barrier round
func (m *Mapping) IsPinned() bool {
	return m.pins.Load() > 0
}

// SetPinned adds or removes one pin. Pins are counted so that several threads locking the same
// Mapping are all honoured.
func (m *Mapping) SetPinned(pinned bool) {
	if pinned {
		m.pins.Add(1)
		return
	}

	if m.pins.Add(-1) < 0 {
		panic(fmt.Sprintf("mapping %d: unpinned more times than it was pinned", m.id))
	}
}

func (m *Mapping) LockDepth() int {
	return int(m.depth.Load())
}

func (m *Mapping) IsLocked() bool {
	return m.depth.Load() > 0
}

func (m *Mapping) IncrementLockDepth() int {
	return int(m.depth.Add(1))
}

func (m *Mapping) DecrementLockDepth() int {
	depth := m.depth.Add(-1)
	if depth < 0 {
		panic(fmt.Sprintf("mapping %d: unlocked more times than it was locked", m.id))
	}
	return int(depth)
}

// IsMovable reports whether compaction may relocate this Mapping's bytes
func (m *Mapping) IsMovable() bool {
	return !m.IsPinned() && !m.IsLocked() && Flags(m.flags.Load())&(FlagLazyFree|FlagSwapped|FlagFree|FlagClaimed) == 0
}
