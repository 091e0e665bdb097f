package anchorage

import "github.com/cockroachdb/errors"

var (
	// ErrOutOfMemory is returned when an object cannot be placed even after a compaction round
	ErrOutOfMemory = errors.New("anchorage: out of memory")
	// ErrInvalidHandle is returned when a value is not a live handle from this runtime
	ErrInvalidHandle = errors.New("anchorage: invalid handle")
	// ErrHandleLocked is returned when an operation would have to move an object that a thread has locked
	ErrHandleLocked = errors.New("anchorage: handle is locked")
	// ErrRuntimeExists is returned from New while another Runtime is alive in the process
	ErrRuntimeExists = errors.New("anchorage: a runtime already exists in this process")
	// ErrThreadsRegistered is returned from Runtime.Destroy while threads are still registered
	ErrThreadsRegistered = errors.New("anchorage: threads are still registered")
)
