package defrag

import (
	"fmt"
	"math"
)

// PassContext carries the budget and running totals of a single compaction pass. A pass relocates
// objects until either budget is spent or nothing more can be moved.
type PassContext struct {
	// MaxPassBytes caps the bytes copied by relocations in this pass. Objects too large for what remains of
	// the budget are skipped, so a pass may finish well under it.
	MaxPassBytes int
	// MaxPassAllocations caps the number of relocations in this pass
	MaxPassAllocations int
	// Stats accumulates what the pass has done so far
	Stats DefragmentationStats

	// ignoredAllocs counts consecutive objects skipped for being over budget
	ignoredAllocs int
}

// UnboundedPass returns a PassContext with no byte or relocation limit
func UnboundedPass() PassContext {
	return PassContext{
		MaxPassBytes:       math.MaxInt,
		MaxPassAllocations: math.MaxInt,
	}
}

// defragMaxAllocsToIgnore is how many over-budget objects in a row end the pass
const defragMaxAllocsToIgnore = 16

func (p *PassContext) remainingBytes() int {
	return p.MaxPassBytes - p.Stats.BytesMoved
}

// checkCounters decides whether an object of the provided size may be relocated within the budget
func (p *PassContext) checkCounters(bytes int) defragCounterStatus {
	if bytes <= p.remainingBytes() {
		p.ignoredAllocs = 0
		return defragCounterPass
	}

	p.ignoredAllocs++
	if p.ignoredAllocs >= defragMaxAllocsToIgnore {
		return defragCounterEnd
	}
	return defragCounterIgnore
}

// incrementCounters records a relocation and reports whether the pass has hit either limit
func (p *PassContext) incrementCounters(bytes int) bool {
	p.Stats.BytesMoved += bytes
	p.Stats.AllocationsMoved++

	bytesSpent := p.Stats.BytesMoved >= p.MaxPassBytes
	movesSpent := p.Stats.AllocationsMoved >= p.MaxPassAllocations
	if !bytesSpent && !movesSpent {
		return false
	}

	// Every relocation is checked against the budget first, so one of the limits is met exactly
	if p.Stats.BytesMoved != p.MaxPassBytes && p.Stats.AllocationsMoved != p.MaxPassAllocations {
		panic(fmt.Sprintf("compaction pass overran its budget: moved %d bytes in %d relocations", p.Stats.BytesMoved, p.Stats.AllocationsMoved))
	}
	return true
}
