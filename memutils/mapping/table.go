package mapping

import (
	"sync"
	"sync/atomic"

	cerrors "github.com/cockroachdb/errors"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/anchorage/memutils"
	"golang.org/x/exp/slog"
)

// ErrTableExhausted is returned when every Mapping ID that can be encoded in a Handle is in use
var ErrTableExhausted = cerrors.New("handle table exhausted")

// Table owns every Mapping in the process. Mappings are handed out through Shards; the Table itself only
// grows the slab index and resolves IDs.
type Table struct {
	logger       *slog.Logger
	slabCapacity int
	idShift      uint
	maxSlabs     int

	growMutex sync.Mutex
	slabs     atomic.Pointer[[]*Slab]
	shards    []*Shard
	live      atomic.Int64
}

// NewTable creates a Table whose slabs each hold slabCapacity Mappings. slabCapacity must be a power of two.
func NewTable(logger *slog.Logger, slabCapacity int) (*Table, error) {
	err := memutils.CheckPow2(slabCapacity, "slabCapacity")
	if err != nil {
		return nil, err
	}
	if slabCapacity > int(MaxID)+1 {
		return nil, cerrors.Newf("slabCapacity %d exceeds the handle id space", slabCapacity)
	}

	shift := memutils.Log2(slabCapacity)
	t := &Table{
		logger:       logger,
		slabCapacity: slabCapacity,
		idShift:      shift,
		maxSlabs:     (int(MaxID) + 1) >> shift,
	}
	empty := make([]*Slab, 0)
	t.slabs.Store(&empty)
	return t, nil
}

func (t *Table) SlabCapacity() int { return t.slabCapacity }

func (t *Table) SlabCount() int {
	return len(*t.slabs.Load())
}

// Capacity is the number of Mappings in every slab created so far
func (t *Table) Capacity() int {
	return t.SlabCount() * t.slabCapacity
}

// Live is the number of Mappings currently handed out
func (t *Table) Live() int {
	return int(t.live.Load())
}

// NewShard creates a shard that hands out Mappings from its own slabs
func (t *Table) NewShard() *Shard {
	t.growMutex.Lock()
	defer t.growMutex.Unlock()

	shard := &Shard{table: t, index: len(t.shards)}
	t.shards = append(t.shards, shard)
	return shard
}

// FreshSlab grows the table by one slab owned by the provided shard
func (t *Table) FreshSlab(shard *Shard) (*Slab, error) {
	t.growMutex.Lock()
	defer t.growMutex.Unlock()

	current := *t.slabs.Load()
	if len(current) >= t.maxSlabs {
		return nil, cerrors.Wrapf(ErrTableExhausted, "%d slabs of %d mappings", len(current), t.slabCapacity)
	}

	slab := &Slab{}
	slab.init(t, shard, len(current), t.slabCapacity, t.idShift)

	// Readers resolve against a snapshot, so the index is copied rather than appended in place
	next := make([]*Slab, len(current), len(current)+1)
	copy(next, current)
	next = append(next, slab)
	t.slabs.Store(&next)

	t.logger.Debug("Table::FreshSlab", slog.Int("Slab", slab.index), slog.Int("Shard", shard.index), slog.Int("Capacity", t.Capacity()))
	return slab, nil
}

// Lookup returns the Mapping with the provided ID, or nil if no slab holds it yet
func (t *Table) Lookup(id ID) *Mapping {
	slabs := *t.slabs.Load()
	slabIndex := int(id >> t.idShift)
	if slabIndex >= len(slabs) {
		return nil
	}

	return &slabs[slabIndex].mappings[int(id)&(t.slabCapacity-1)]
}

// Resolve returns the Mapping a Handle refers to, or nil if the value is not a handle from this table
func (t *Table) Resolve(h Handle) *Mapping {
	if !h.IsValid() {
		return nil
	}

	return t.Lookup(h.ID())
}

func (t *Table) checkOwnership(m *Mapping) {
	if m == nil || m.slab == nil || m.slab.table != t {
		panic("attempted to return a mapping that does not belong to this handle table")
	}
}

func (t *Table) Validate() error {
	t.growMutex.Lock()
	shards := append([]*Shard(nil), t.shards...)
	t.growMutex.Unlock()

	free := 0
	for _, shard := range shards {
		err := shard.Validate()
		if err != nil {
			return err
		}
		free += shard.freeCount()
	}

	if t.Capacity()-free != t.Live() {
		return errors.Errorf("table capacity (%d) minus free mappings (%d) does not match the live count (%d)", t.Capacity(), free, t.Live())
	}

	return nil
}
