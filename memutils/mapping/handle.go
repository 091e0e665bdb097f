package mapping

import "fmt"

// ID identifies a Mapping inside a Table. The high bits select the slab and the low bits select the slot
// within that slab.
type ID uint32

// Handle is the opaque value handed to application code in place of a pointer. The top bit is always set,
// bits 32-62 hold the Mapping ID, and bits 0-31 hold a byte offset into the object.
type Handle uint64

const (
	handleTag  Handle = 1 << 63
	idShift           = 32
	idMask            = 1<<31 - 1
	offsetMask        = 1<<32 - 1

	// MaxID is the largest Mapping ID that can be encoded in a Handle
	MaxID ID = idMask
	// MaxOffset is the largest byte offset that can be encoded in a Handle
	MaxOffset int = offsetMask
)

// NullHandle is never produced by Encode
const NullHandle Handle = 0

// IsHandle reports whether the provided value carries the handle tag
func IsHandle(value uint64) bool {
	return Handle(value)&handleTag != 0
}

// Encode builds a Handle from a Mapping ID and a byte offset
func Encode(id ID, offset int) Handle {
	if id > MaxID || offset < 0 || offset > MaxOffset {
		panic(fmt.Sprintf("cannot encode handle for mapping %d at offset %d", id, offset))
	}

	return handleTag | Handle(id)<<idShift | Handle(offset)
}

// Decode returns the Mapping ID and byte offset held in this Handle. The caller is responsible for
// having checked IsHandle.
func (h Handle) Decode() (ID, int) {
	return ID(h>>idShift) & idMask, int(h & offsetMask)
}

func (h Handle) ID() ID {
	return ID(h>>idShift) & idMask
}

func (h Handle) Offset() int {
	return int(h & offsetMask)
}

// Base returns the handle with its offset cleared
func (h Handle) Base() Handle {
	return h &^ offsetMask
}

// WithOffset returns a handle to the same Mapping at a different byte offset
func (h Handle) WithOffset(offset int) Handle {
	return Encode(h.ID(), offset)
}

func (h Handle) IsValid() bool {
	return IsHandle(uint64(h))
}

func (h Handle) String() string {
	if !h.IsValid() {
		return fmt.Sprintf("Handle(invalid %#x)", uint64(h))
	}
	return fmt.Sprintf("Handle(%d+%d)", h.ID(), h.Offset())
}
