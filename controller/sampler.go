package controller

import (
	"os"

	"github.com/cloudfoundry/gosigar"
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/anchorage/memutils"
)

// Sample is one fragmentation measurement
type Sample struct {
	// Resident is the number of bytes held in memory
	Resident int
	// Live is the number of bytes in live objects
	Live int
}

// Fragmentation is the ratio of resident bytes to live bytes. An empty heap reports 1.
func (s Sample) Fragmentation() float64 {
	return memutils.Fraction(s.Resident, s.Live, 1)
}

type Sampler interface {
	Sample() (Sample, error)
}

// Sampling selects what a controller measures as resident memory
type Sampling int

const (
	// SampleHeap measures the heap's resident chunk bytes
	SampleHeap Sampling = iota
	// SampleProcess measures the resident set of the whole process
	SampleProcess
)

var samplingMapping = map[Sampling]string{
	SampleHeap:    "heap",
	SampleProcess: "process",
}

func (s Sampling) String() string {
	return samplingMapping[s]
}

// NewSampler builds the Sampler for the provided Sampling, reading live bytes from source
func NewSampler(sampling Sampling, source StatisticsSource) (Sampler, error) {
	if source == nil {
		return nil, errors.New("a sampler requires a statistics source")
	}

	switch sampling {
	case SampleHeap:
		return &HeapSampler{Source: source}, nil
	case SampleProcess:
		return &ProcessSampler{Source: source}, nil
	}

	return nil, errors.Newf("unknown sampling %d", sampling)
}

// Compactor runs one barrier-protected compaction pass that relocates at most maxBytes bytes and returns
// the number of bytes it relocated
type Compactor interface {
	Compact(maxBytes int) (int, error)
}

// StatisticsSource is anything that can report heap statistics
type StatisticsSource interface {
	AddStatistics(stats *memutils.Statistics)
}

// HeapSampler measures fragmentation as the heap's resident chunk bytes over its live bytes
type HeapSampler struct {
	Source StatisticsSource
}

func (s *HeapSampler) Sample() (Sample, error) {
	var stats memutils.Statistics
	s.Source.AddStatistics(&stats)

	return Sample{
		Resident: stats.ResidentBytes,
		Live:     stats.AllocationBytes,
	}, nil
}

// ProcessSampler measures fragmentation as the process's resident set over the heap's live bytes. It
// overstates fragmentation by whatever the process holds outside of the heap.
type ProcessSampler struct {
	Source StatisticsSource
}

func (s *ProcessSampler) Sample() (Sample, error) {
	var mem sigar.ProcMem
	err := mem.Get(os.Getpid())
	if err != nil {
		return Sample{}, errors.Wrap(err, "could not read the process resident set")
	}

	var stats memutils.Statistics
	s.Source.AddStatistics(&stats)

	return Sample{
		Resident: int(mem.Resident),
		Live:     stats.AllocationBytes,
	}, nil
}
