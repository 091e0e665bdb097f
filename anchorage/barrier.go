package anchorage

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/vkngwrapper/anchorage/anchorage/internal/utils"
	"github.com/vkngwrapper/anchorage/memutils/mapping"
	"golang.org/x/exp/slog"
)

type barrierPhase int

const (
	barrierIdle barrierPhase = iota
	barrierJoining
	barrierCritical
	barrierLeaving
)

var barrierPhaseMapping = map[barrierPhase]string{
	barrierIdle:     "barrierIdle",
	barrierJoining:  "barrierJoining",
	barrierCritical: "barrierCritical",
	barrierLeaving:  "barrierLeaving",
}

func (p barrierPhase) String() string {
	return barrierPhaseMapping[p]
}

// BarrierStatistics counts barrier activity since the runtime was created
type BarrierStatistics struct {
	// Rounds is the number of completed barrier rounds
	Rounds uint64
	// LockCommits is the number of times a locked Mapping was reported as pinned
	LockCommits uint64
	// UnlockCommits is the number of times a pinned Mapping was released at the end of a round. Outside of
	// a round it always equals LockCommits.
	UnlockCommits uint64
}

// barrier stops every registered thread at a safepoint so that a leader can run work that relocates
// objects. Threads that are parked are joined by the leader on their behalf.
//
// phase, round and the per-thread barrier fields are guarded by mutex.
type barrier struct {
	logger *slog.Logger

	request sync.Mutex
	mutex   sync.Mutex
	cond    *sync.Cond

	phase   barrierPhase
	pending atomic.Bool
	round   uint64
	join    utils.Rendezvous
	leave   utils.Rendezvous

	rounds        atomic.Uint64
	lockCommits   atomic.Uint64
	unlockCommits atomic.Uint64
}

func (b *barrier) Init(logger *slog.Logger) {
	b.logger = logger
	b.cond = sync.NewCond(&b.mutex)
	b.join.Init(&b.mutex)
	b.leave.Init(&b.mutex)
}

func (b *barrier) Statistics() BarrierStatistics {
	return BarrierStatistics{
		Rounds:        b.rounds.Load(),
		LockCommits:   b.lockCommits.Load(),
		UnlockCommits: b.unlockCommits.Load(),
	}
}

// commitLockStatus pins or unpins a Mapping on behalf of the thread that holds it locked
func (b *barrier) commitLockStatus(m *mapping.Mapping, locked bool) {
	m.SetPinned(locked)
	if locked {
		b.lockCommits.Add(1)
	} else {
		b.unlockCommits.Add(1)
	}
}

// run executes one barrier round. The leader may be nil when the round is requested from a goroutine that
// is not a registered thread. Every other registered thread must either reach a safepoint or be parked
// for the round to make progress.
func (b *barrier) run(r *Runtime, leader *Thread, critical func()) {
	// A round that is already running may need to join the leader, so it waits for the request mutex parked
	if leader != nil {
		leader.Park()
	}
	b.request.Lock()
	defer b.request.Unlock()

	r.registryMutex.Lock()
	defer r.registryMutex.Unlock()

	if leader != nil {
		leader.Unpark()
	}

	b.mutex.Lock()
	b.round++
	round := b.round

	var proxied []*Thread
	participants := 0
	for _, thread := range r.threads {
		if thread == leader {
			continue
		}

		if thread.parked {
			proxied = append(proxied, thread)
			continue
		}

		thread.participantRound = round
		participants++
	}

	b.join.Reset(participants)
	b.leave.Reset(participants)
	b.phase = barrierJoining
	b.pending.Store(true)
	b.cond.Broadcast()
	b.mutex.Unlock()

	b.logger.Debug("barrier::run", slog.Uint64("Round", round), slog.Int("Participants", participants), slog.Int("Proxied", len(proxied)))

	if leader != nil {
		leader.commitLocks(true)
	}
	for _, thread := range proxied {
		thread.commitLocks(true)
	}

	b.mutex.Lock()
	b.join.Wait()
	b.phase = barrierCritical
	b.mutex.Unlock()

	critical()

	b.mutex.Lock()
	b.phase = barrierLeaving
	b.pending.Store(false)
	b.cond.Broadcast()
	b.leave.Wait()
	b.mutex.Unlock()

	if leader != nil {
		leader.commitLocks(false)
	}
	for _, thread := range proxied {
		thread.commitLocks(false)
	}

	b.mutex.Lock()
	b.phase = barrierIdle
	b.cond.Broadcast()
	b.mutex.Unlock()

	b.rounds.Add(1)
}

// joinLocked takes part in the current round if the thread is one of its participants and has not joined
// yet. The barrier mutex must be held; it is released while the thread commits its locks.
func (t *Thread) joinLocked(b *barrier) {
	if b.phase != barrierJoining || t.participantRound != b.round || t.joinedRound == b.round {
		return
	}
	t.joinedRound = b.round

	b.mutex.Unlock()
	t.commitLocks(true)
	b.mutex.Lock()

	b.join.Arrive()
	for b.phase != barrierLeaving {
		b.cond.Wait()
	}

	b.mutex.Unlock()
	t.commitLocks(false)
	b.mutex.Lock()

	b.leave.Arrive()
}

// commitLocks reports every Mapping in the thread's lock chain to the barrier. The Mappings reported
// as locked are remembered so the matching unlock commit covers exactly the same set.
func (t *Thread) commitLocks(locked bool) {
	b := &t.runtime.barrier

	if locked {
		t.committed = t.committed[:0]
		t.lockRoot.visit(func(m *mapping.Mapping) {
			t.committed = append(t.committed, m)
		})
	}

	for _, m := range t.committed {
		b.commitLockStatus(m, locked)
	}

	if !locked {
		for i := range t.committed {
			t.committed[i] = nil
		}
		t.committed = t.committed[:0]
	}
}

// Safepoint joins a pending barrier round. It is called at the start of every handle operation, and may be
// called by long-running code that does not otherwise touch the runtime.
func (t *Thread) Safepoint() {
	b := &t.runtime.barrier
	if !b.pending.Load() {
		return
	}

	b.mutex.Lock()
	t.joinLocked(b)
	b.mutex.Unlock()
}

// Park declares that the thread is about to block outside of the runtime. Barrier rounds proceed without
// waiting for a parked thread, committing its locks on its behalf. A parked thread must not use any
// memory it has locked or call any other method on the Thread until Unpark returns.
func (t *Thread) Park() {
	b := &t.runtime.barrier

	b.mutex.Lock()
	defer b.mutex.Unlock()

	if t.parked {
		panic(fmt.Sprintf("thread %d: parked twice", t.id))
	}

	t.joinLocked(b)
	t.parked = true
}

// Unpark resumes a parked thread, waiting for any running barrier round to finish first
func (t *Thread) Unpark() {
	b := &t.runtime.barrier

	b.mutex.Lock()
	defer b.mutex.Unlock()

	if !t.parked {
		panic(fmt.Sprintf("thread %d: unparked without being parked", t.id))
	}

	for b.phase != barrierIdle {
		b.cond.Wait()
	}
	t.parked = false
}
