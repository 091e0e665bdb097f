package utils

import (
	"fmt"
	"sync"
)

// OptionalRWMutex is a read-write mutex that can be switched off for runtimes that are used from a
// single goroutine
type OptionalRWMutex struct {
	Mutex    sync.RWMutex
	UseMutex bool
}

func (m *OptionalRWMutex) Lock() {
	if m.UseMutex {
		m.Mutex.Lock()
	}
}

func (m *OptionalRWMutex) Unlock() {
	if m.UseMutex {
		m.Mutex.Unlock()
	}
}

func (m *OptionalRWMutex) RLock() {
	if m.UseMutex {
		m.Mutex.RLock()
	}
}

func (m *OptionalRWMutex) RUnlock() {
	if m.UseMutex {
		m.Mutex.RUnlock()
	}
}

// Rendezvous counts parties arriving at a meeting point. It does not own a mutex: every method must be
// called with the Locker passed to Init held.
type Rendezvous struct {
	cond     *sync.Cond
	expected int
	arrived  int
}

func (r *Rendezvous) Init(locker sync.Locker) {
	r.cond = sync.NewCond(locker)
}

// Reset starts a new meeting that expects the provided number of parties
func (r *Rendezvous) Reset(expected int) {
	if r.arrived < r.expected {
		panic(fmt.Sprintf("rendezvous was reset with %d of %d parties still missing", r.expected-r.arrived, r.expected))
	}

	r.expected = expected
	r.arrived = 0
}

// Arrive records one party and wakes anyone waiting for the meeting to fill
func (r *Rendezvous) Arrive() {
	r.arrived++
	if r.arrived > r.expected {
		panic(fmt.Sprintf("rendezvous expected %d parties but %d arrived", r.expected, r.arrived))
	}

	if r.arrived == r.expected {
		r.cond.Broadcast()
	}
}

// Wait blocks until every expected party has arrived
func (r *Rendezvous) Wait() {
	for r.arrived < r.expected {
		r.cond.Wait()
	}
}

func (r *Rendezvous) Expected() int {
	return r.expected
}

func (r *Rendezvous) Arrived() int {
	return r.arrived
}
