// Package alloc provides the memory providers used for intermediate tensors.
//
// An Allocator hands out byte buffers that are always 4-byte aligned, so they can
// be reinterpreted as float32, float16 or int8 element slices without copying.
// Allocators are injected per session (blob and workspace allocators) or left at
// the process default, a plain heap allocator.
//
// Whether one allocator may be shared by several sessions running concurrently
// depends on the implementation: PoolAllocator is safe for concurrent use,
// UnlockedPoolAllocator and the statistics of HeapAllocator are not guarded.
package alloc

import (
	"fmt"
	"math/bits"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/dustin/go-humanize"
)

// Allocator provides and reclaims tensor storage.
type Allocator interface {
	// Alloc returns a zeroed or recycled buffer of exactly size bytes.
	Alloc(size int) []byte
	// Free gives a buffer obtained from Alloc back to the allocator.
	Free(buf []byte)
}

// Stats describes allocator activity.
type Stats struct {
	Allocs     uint64 // Total Alloc calls.
	Frees      uint64 // Total Free calls.
	Hits       uint64 // Allocs served from recycled memory.
	Misses     uint64 // Allocs that required fresh memory.
	InUseBytes int64  // Bytes handed out and not yet freed.
	PeakBytes  int64  // High-water mark of InUseBytes.
}

// String formats the stats with human readable sizes.
func (s Stats) String() string {
	return fmt.Sprintf("allocs=%d frees=%d hits=%d misses=%d in-use=%s peak=%s",
		s.Allocs, s.Frees, s.Hits, s.Misses,
		humanize.IBytes(uint64(max(s.InUseBytes, 0))), humanize.IBytes(uint64(max(s.PeakBytes, 0))))
}

// counters is embedded by allocators that track statistics.
type counters struct {
	allocs, frees, hits, misses atomic.Uint64
	inUse, peak                 atomic.Int64
}

func (c *counters) onAlloc(size int, hit bool) {
	c.allocs.Add(1)
	if hit {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	cur := c.inUse.Add(int64(size))
	for {
		p := c.peak.Load()
		if cur <= p || c.peak.CompareAndSwap(p, cur) {
			return
		}
	}
}

func (c *counters) onFree(size int) {
	c.frees.Add(1)
	c.inUse.Add(-int64(size))
}

func (c *counters) snapshot() Stats {
	return Stats{
		Allocs:     c.allocs.Load(),
		Frees:      c.frees.Load(),
		Hits:       c.hits.Load(),
		Misses:     c.misses.Load(),
		InUseBytes: c.inUse.Load(),
		PeakBytes:  c.peak.Load(),
	}
}

// alignedBytes allocates size bytes backed by a []uint32, which guarantees
// 4-byte alignment of the first element.
func alignedBytes(size int) []byte {
	if size == 0 {
		return []byte{}
	}
	words := make([]uint32, (size+3)/4)
	//nolint:gosec // reinterpret the word slice as bytes; length stays within the allocation.
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size)
}

// HeapAllocator allocates fresh memory on every call and lets the garbage
// collector reclaim it.
type HeapAllocator struct {
	counters
}

// NewHeapAllocator creates a heap allocator.
func NewHeapAllocator() *HeapAllocator {
	return &HeapAllocator{}
}

// Alloc implements Allocator.
func (h *HeapAllocator) Alloc(size int) []byte {
	h.onAlloc(size, false)
	return alignedBytes(size)
}

// Free implements Allocator.
func (h *HeapAllocator) Free(buf []byte) {
	h.onFree(len(buf))
}

// Stats returns a snapshot of the allocator counters.
func (h *HeapAllocator) Stats() Stats {
	return h.snapshot()
}

var defaultAllocator = NewHeapAllocator()

// Default returns the process-wide heap allocator.
func Default() Allocator {
	return defaultAllocator
}

// bucketOf returns the power-of-two size class for size.
func bucketOf(size int) int {
	if size <= 16 {
		return 4
	}
	return bits.Len(uint(size - 1))
}

// maxBuckets covers every size representable by int on 64-bit platforms.
const maxBuckets = 64

// PoolAllocator recycles freed buffers by power-of-two size class.
// It is safe for concurrent use by multiple sessions.
type PoolAllocator struct {
	counters
	pools [maxBuckets]sync.Pool
}

// NewPoolAllocator creates a thread-safe recycling allocator.
func NewPoolAllocator() *PoolAllocator {
	return &PoolAllocator{}
}

// Alloc implements Allocator.
func (p *PoolAllocator) Alloc(size int) []byte {
	b := bucketOf(size)
	if v := p.pools[b].Get(); v != nil {
		buf := (*v.(*[]byte))[:size]
		clear(buf)
		p.onAlloc(size, true)
		return buf
	}
	p.onAlloc(size, false)
	return alignedBytes(1 << b)[:size]
}

// Free implements Allocator. Buffers not obtained from a PoolAllocator are dropped.
func (p *PoolAllocator) Free(buf []byte) {
	p.onFree(len(buf))
	c := cap(buf)
	if c == 0 || c&(c-1) != 0 {
		return
	}
	b := bits.Len(uint(c - 1))
	if c <= 16 {
		b = 4
	}
	full := buf[:c]
	p.pools[b].Put(&full)
}

// Stats returns a snapshot of the allocator counters.
func (p *PoolAllocator) Stats() Stats {
	return p.snapshot()
}

// UnlockedPoolAllocator recycles buffers like PoolAllocator but without any
// synchronization. Use one instance per session.
type UnlockedPoolAllocator struct {
	counters
	free [maxBuckets][][]byte
}

// NewUnlockedPoolAllocator creates a single-goroutine recycling allocator.
func NewUnlockedPoolAllocator() *UnlockedPoolAllocator {
	return &UnlockedPoolAllocator{}
}

// Alloc implements Allocator.
func (u *UnlockedPoolAllocator) Alloc(size int) []byte {
	b := bucketOf(size)
	if n := len(u.free[b]); n > 0 {
		buf := u.free[b][n-1][:size]
		u.free[b] = u.free[b][:n-1]
		clear(buf)
		u.onAlloc(size, true)
		return buf
	}
	u.onAlloc(size, false)
	return alignedBytes(1 << b)[:size]
}

// Free implements Allocator.
func (u *UnlockedPoolAllocator) Free(buf []byte) {
	u.onFree(len(buf))
	c := cap(buf)
	if c == 0 || c&(c-1) != 0 {
		return
	}
	b := bits.Len(uint(c - 1))
	if c <= 16 {
		b = 4
	}
	u.free[b] = append(u.free[b], buf[:c])
}

// Clear drops every cached buffer.
func (u *UnlockedPoolAllocator) Clear() {
	for i := range u.free {
		u.free[i] = nil
	}
}

// Stats returns a snapshot of the allocator counters.
func (u *UnlockedPoolAllocator) Stats() Stats {
	return u.snapshot()
}
