package anchorage

import (
	"sync"
	"sync/atomic"

	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/anchorage/memutils/mapping"
)

// swapStore holds the bytes of objects that were evicted from the heap, keyed by Mapping ID. The
// mutex is held across heap allocations and barrier rounds, so the totals are kept in atomics that
// Statistics can read without it.
type swapStore struct {
	mutex sync.Mutex
	pages *swiss.Map[mapping.ID, []byte]
	count atomic.Int64
	bytes atomic.Int64
}

func (s *swapStore) Init() {
	s.pages = swiss.NewMap[mapping.ID, []byte](16)
	s.count.Store(0)
	s.bytes.Store(0)
}

// store takes ownership of the buffer. The mutex must be held.
func (s *swapStore) store(id mapping.ID, buffer []byte) {
	if old, ok := s.pages.Get(id); ok {
		s.bytes.Add(-int64(len(old)))
	} else {
		s.count.Add(1)
	}

	s.pages.Put(id, buffer)
	s.bytes.Add(int64(len(buffer)))
}

// take removes and returns a Mapping's buffer. The mutex must be held.
func (s *swapStore) take(id mapping.ID) []byte {
	buffer, ok := s.pages.Get(id)
	if !ok {
		return nil
	}

	s.pages.Delete(id)
	s.count.Add(-1)
	s.bytes.Add(-int64(len(buffer)))
	return buffer
}

// drop discards a Mapping's buffer when a swapped object is freed
func (s *swapStore) drop(id mapping.ID) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.take(id)
}

// resize grows or truncates a swapped object's buffer. The mutex must be held.
func (s *swapStore) resize(id mapping.ID, size int) {
	buffer := s.take(id)
	if size <= cap(buffer) {
		grown := buffer[:size]
		for i := len(buffer); i < size; i++ {
			grown[i] = 0
		}
		s.store(id, grown)
		return
	}

	resized := make([]byte, size)
	copy(resized, buffer)
	s.store(id, resized)
}

func (s *swapStore) Statistics() (count int, bytes int) {
	return int(s.count.Load()), int(s.bytes.Load())
}

func (s *swapStore) Destroy() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.pages = swiss.NewMap[mapping.ID, []byte](16)
	s.count.Store(0)
	s.bytes.Store(0)
}
