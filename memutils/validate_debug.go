//go:build debug_mem_utils

package memutils

import (
	"unsafe"

	"github.com/cespare/xxhash/v2"
)

const (
	// DebugMargin is the number of marker bytes written after every object in a chunk, so that an overrun
	// can be caught by Chunk.CheckCorruption
	DebugMargin int = 16
	// overrunMarker is repeated across the debug margin of every object
	overrunMarker uint32 = 0x7F84E666
)

// WriteMagicValue fills the DebugMargin bytes at offset with the corruption marker. It no-ops unless the
// debug_mem_utils build tag is present.
func WriteMagicValue(data unsafe.Pointer, offset int) {
	dest := unsafe.Add(data, offset)
	marginSize := DebugMargin / int(unsafe.Sizeof(uint32(0)))
	for i := 0; i < marginSize; i++ {
		*(*uint32)(dest) = overrunMarker
		dest = unsafe.Add(dest, unsafe.Sizeof(uint32(0)))
	}
}

// ValidateMagicValue reports whether the marker written by WriteMagicValue is still intact. Without the
// debug_mem_utils build tag it always reports true.
func ValidateMagicValue(data unsafe.Pointer, offset int) bool {
	source := unsafe.Add(data, offset)
	marginSize := DebugMargin / int(unsafe.Sizeof(uint32(0)))
	for i := 0; i < marginSize; i++ {
		value := (*uint32)(source)
		if *value != overrunMarker {
			return false
		}
		source = unsafe.Add(source, unsafe.Sizeof(uint32(0)))
	}

	return true
}

// DebugChecksum hashes the provided bytes so that a relocation can be verified after the copy.
// This method returns 0 unless the debug_mem_utils build tag is present.
func DebugChecksum(data []byte) uint64 {
	return xxhash.Sum64(data)
}

// DebugValidate walks the provided object's bookkeeping and panics on the first inconsistency. It
// no-ops unless the debug_mem_utils build tag is present.
func DebugValidate(validatable Validatable) {
	err := validatable.Validate()
	if err != nil {
		panic(err)
	}
}
