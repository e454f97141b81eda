// Package moreatomic provides atomic types wrapping sync/atomic.
package moreatomic

import "sync/atomic"

// Bool is an atomic boolean that is false by default.
type Bool struct {
	val uint32
}

func (b *Bool) Get() bool {
	return atomic.LoadUint32(&b.val) > 0
}

func (b *Bool) Set(val bool) {
	var x = uint32(0)
	if val {
		x = 1
	}
	atomic.StoreUint32(&b.val, x)
}

// Acquire sets the bool to true if it's false and returns true, otherwise it
// returns false.
func (b *Bool) Acquire() bool {
	return atomic.CompareAndSwapUint32(&b.val, 0, 1)
}
