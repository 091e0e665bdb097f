package mapping

import (
	"fmt"
	"sync"
)

// Shard hands out Mappings to a single owner without contention. Mappings freed by another owner are
// pushed onto the remote free queue and drained by the next Get.
type Shard struct {
	table *Table
	index int

	slabs     []*Slab
	available []*Slab

	remoteMutex sync.Mutex
	remoteHead  *Mapping
	remoteCount int
}

func (s *Shard) Index() int { return s.index }

// Get returns a live, reset Mapping. It grows the table when every slab in the shard is full.
func (s *Shard) Get() (*Mapping, error) {
	s.drainRemote()

	if len(s.available) == 0 {
		slab, err := s.table.FreshSlab(s)
		if err != nil {
			return nil, err
		}
		s.slabs = append(s.slabs, slab)
		s.available = append(s.available, slab)
	}

	slab := s.available[len(s.available)-1]
	m := slab.get()
	if m == nil {
		panic(fmt.Sprintf("shard %d: slab %d was listed as available but had no free mappings", s.index, slab.index))
	}
	if slab.freeCount == 0 {
		s.available = s.available[:len(s.available)-1]
	}

	s.table.live.Add(1)
	return m, nil
}

// Put frees a Mapping. Mappings owned by another shard are routed to that shard's remote free queue.
// Freeing a Mapping twice is fatal.
func (s *Shard) Put(m *Mapping) {
	s.table.checkOwnership(m)

	if !m.markFree() {
		panic(fmt.Sprintf("mapping %d was freed twice", m.id))
	}
	m.clearLive()
	s.table.live.Add(-1)

	owner := m.slab.shard
	if owner != s {
		owner.pushRemote(m)
		return
	}

	s.putLocal(m)
}

func (s *Shard) putLocal(m *Mapping) {
	slab := m.slab
	wasFull := slab.freeCount == 0
	slab.put(m)
	if wasFull {
		s.available = append(s.available, slab)
	}
}

func (s *Shard) pushRemote(m *Mapping) {
	s.remoteMutex.Lock()
	defer s.remoteMutex.Unlock()

	m.SetNext(s.remoteHead)
	s.remoteHead = m
	s.remoteCount++
}

// RemoteCount is the number of Mappings waiting in this shard's remote free queue
func (s *Shard) RemoteCount() int {
	s.remoteMutex.Lock()
	defer s.remoteMutex.Unlock()

	return s.remoteCount
}

func (s *Shard) drainRemote() {
	s.remoteMutex.Lock()
	head := s.remoteHead
	s.remoteHead = nil
	s.remoteCount = 0
	s.remoteMutex.Unlock()

	for head != nil {
		next := head.next
		head.next = nil
		s.putLocal(head)
		head = next
	}
}

// Release drains the remote queue. Call it before the shard's owner goes away.
func (s *Shard) Release() {
	s.drainRemote()
}

func (s *Shard) freeCount() int {
	count := 0
	for _, slab := range s.slabs {
		count += slab.freeCount
	}

	s.remoteMutex.Lock()
	count += s.remoteCount
	s.remoteMutex.Unlock()

	return count
}

func (s *Shard) Validate() error {
	for _, slab := range s.slabs {
		err := slab.Validate()
		if err != nil {
			return err
		}
	}

	return nil
}
