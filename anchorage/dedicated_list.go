package anchorage

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/anchorage/memutils"
	"github.com/vkngwrapper/anchorage/memutils/mapping"
	"github.com/vkngwrapper/anchorage/memutils/metadata"
)

// dedicatedChunkList tracks the chunks that were mapped for a single large object. They never take part
// in compaction and are unmapped as soon as their object is freed.
type dedicatedChunkList struct {
	count    int
	listHead *heapChunk
	listTail *heapChunk
}

func (l *dedicatedChunkList) Validate() error {
	declaredCount := l.count
	actualCount := 0

	for chunk := l.listHead; chunk != nil; chunk = chunk.nextDedicated {
		actualCount++

		if !chunk.dedicated {
			return errors.Errorf("chunk %d is in the dedicated list but is not a dedicated chunk", chunk.ID())
		}
		if chunk.chunk.AllocationCount() > 1 {
			return errors.Errorf("dedicated chunk %d holds %d objects", chunk.ID(), chunk.chunk.AllocationCount())
		}
	}

	if declaredCount != actualCount {
		return errors.Errorf("the listed number of dedicated chunks in the list (%d) does not match the actual number of chunks (%d)", declaredCount, actualCount)
	}

	return nil
}

func (l *dedicatedChunkList) AddStatistics(stats *memutils.Statistics) {
	for item := l.listHead; item != nil; item = item.nextDedicated {
		item.chunk.AddStatistics(stats)
	}
}

func (l *dedicatedChunkList) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	for item := l.listHead; item != nil; item = item.nextDedicated {
		item.chunk.AddDetailedStatistics(stats)
	}
}

func (l *dedicatedChunkList) BuildStatsString(writer *jwriter.Writer) {
	s := writer.Array()
	defer s.End()

	for chunk := l.listHead; chunk != nil; chunk = chunk.nextDedicated {
		o := s.Object()
		o.Name("Chunk").Int(chunk.ID())
		chunk.chunk.BlockJsonData(o)

		_ = chunk.chunk.VisitAllRegions(func(handle metadata.BlockHandle, offset, size int, m *mapping.Mapping, free bool) error {
			if !free {
				o.Name("Handle").String(m.Handle().String())
				o.Name("Size").Int(size)
			}
			return nil
		})
		o.End()
	}
}

func (l *dedicatedChunkList) IsEmpty() bool {
	return l.count == 0
}

func (l *dedicatedChunkList) Count() int {
	return l.count
}

func (l *dedicatedChunkList) Register(chunk *heapChunk) {
	if l.count == 0 {
		l.listHead = chunk
		l.listTail = chunk
		l.count = 1
		return
	}

	chunk.prevDedicated = l.listTail
	l.listTail.nextDedicated = chunk
	l.listTail = chunk
	l.count++
}

func (l *dedicatedChunkList) Unregister(chunk *heapChunk) {
	prev := chunk.prevDedicated
	next := chunk.nextDedicated

	if prev != nil {
		prev.nextDedicated = next
	} else {
		l.listHead = next
	}

	if next != nil {
		next.prevDedicated = prev
	} else {
		l.listTail = prev
	}

	chunk.prevDedicated = nil
	chunk.nextDedicated = nil

	l.count--
}
