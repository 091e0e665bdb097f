package memutils

// Validatable is anything that can walk its own bookkeeping and report the first inconsistency it finds.
// Chunks, slabs, heaps and runtimes all implement it.
type Validatable interface {
	Validate() error
}
