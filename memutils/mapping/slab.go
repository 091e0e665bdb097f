package mapping

import (
	"fmt"

	"github.com/pkg/errors"
)

// Slab is a fixed-size array of Mappings with an embedded free list. Slabs are never resized, which is
// what keeps Mapping addresses stable.
type Slab struct {
	index    int
	table    *Table
	shard    *Shard
	mappings []Mapping

	freeHead  *Mapping
	freeCount int
}

func (s *Slab) init(table *Table, shard *Shard, index int, capacity int, idShift uint) {
	s.index = index
	s.table = table
	s.shard = shard
	s.mappings = make([]Mapping, capacity)

	// Link in reverse so slot 0 is handed out first
	for slot := capacity - 1; slot >= 0; slot-- {
		m := &s.mappings[slot]
		m.id = ID(index)<<idShift | ID(slot)
		m.slab = s
		m.flags.Store(uint32(FlagFree))
		m.next = s.freeHead
		s.freeHead = m
	}
	s.freeCount = capacity
}

func (s *Slab) Index() int     { return s.index }
func (s *Slab) Capacity() int  { return len(s.mappings) }
func (s *Slab) FreeCount() int { return s.freeCount }
func (s *Slab) Shard() *Shard  { return s.shard }

func (s *Slab) owns(m *Mapping) bool {
	if m.slab != s {
		return false
	}

	slot := int(m.id) & (len(s.mappings) - 1)
	return &s.mappings[slot] == m
}

func (s *Slab) get() *Mapping {
	m := s.freeHead
	if m == nil {
		return nil
	}

	s.freeHead = m.next
	s.freeCount--

	m.next = nil
	m.flags.Store(0)
	return m
}

// put returns an already-freed Mapping to this slab's free list. Returning a Mapping to a slab that does
// not own it is fatal.
func (s *Slab) put(m *Mapping) {
	if !s.owns(m) {
		panic(fmt.Sprintf("mapping %d was returned to slab %d, which does not own it", m.id, s.index))
	}
	if s.freeCount >= len(s.mappings) {
		panic(fmt.Sprintf("slab %d: free count overflow while returning mapping %d", s.index, m.id))
	}

	m.SetNext(s.freeHead)
	s.freeHead = m
	s.freeCount++
}

func (s *Slab) Validate() error {
	count := 0
	for m := s.freeHead; m != nil; m = m.next {
		if !s.owns(m) {
			return errors.Errorf("slab %d: free list contains mapping %d from another slab", s.index, m.id)
		}
		if !m.IsFree() {
			return errors.Errorf("slab %d: free list contains live mapping %d", s.index, m.id)
		}
		count++
		if count > len(s.mappings) {
			return errors.Errorf("slab %d: free list contains a cycle", s.index)
		}
	}

	if count != s.freeCount {
		return errors.Errorf("slab %d: the listed free count (%d) does not match the free list length (%d)", s.index, s.freeCount, count)
	}

	return nil
}
