//go:build !debug_mem_utils

package memutils

import "unsafe"

const (
	// DebugMargin is the number of marker bytes written after every object in a chunk, so that an overrun
	// can be caught by Chunk.CheckCorruption
	DebugMargin int = 0
)

// ValidateMagicValue reports whether the marker written by WriteMagicValue is still intact. Without the
// debug_mem_utils build tag it always reports true.
func ValidateMagicValue(data unsafe.Pointer, offset int) bool {
	return true
}

// WriteMagicValue fills the DebugMargin bytes at offset with the corruption marker. It no-ops unless the
// debug_mem_utils build tag is present.
func WriteMagicValue(data unsafe.Pointer, offset int) {
}

// DebugChecksum hashes the provided bytes so that a relocation can be verified after the copy.
// This method returns 0 unless the debug_mem_utils build tag is present.
func DebugChecksum(data []byte) uint64 {
	return 0
}

// DebugValidate walks the provided object's bookkeeping and panics on the first inconsistency. It
// no-ops unless the debug_mem_utils build tag is present.
func DebugValidate(validatable Validatable) {
}
