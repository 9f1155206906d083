package gpu

import (
	"fmt"
	"sync"

	"github.com/dustin/go-humanize"
)

// BufferSize represents different buffer size categories for pooling.
type BufferSize int

const (
	// SmallBuffer for tensors < 4KB.
	SmallBuffer BufferSize = iota
	// MediumBuffer for tensors 4KB-1MB.
	MediumBuffer
	// LargeBuffer for tensors > 1MB.
	LargeBuffer
)

const (
	smallThreshold  = 4 * 1024    // 4KB
	mediumThreshold = 1024 * 1024 // 1MB
	maxPoolSize     = 100         // Max buffers per category
)

// PoolStats describes buffer pool activity.
type PoolStats struct {
	Allocated   uint64
	Released    uint64
	Hits        uint64
	Misses      uint64
	PooledCount int
	PooledBytes uint64
}

// String formats the stats with human readable sizes.
func (s PoolStats) String() string {
	return fmt.Sprintf("allocated=%d released=%d hits=%d misses=%d pooled=%d (%s)",
		s.Allocated, s.Released, s.Hits, s.Misses, s.PooledCount, humanize.IBytes(s.PooledBytes))
}

// BufferPool recycles device buffers of identical size. It implements
// Allocator and is safe for concurrent use, so one pool can back the device
// allocators of several sessions.
type BufferPool struct {
	device Device

	// Pools organized by size category
	pools [3][]Buffer

	mu sync.Mutex

	stats PoolStats
}

// NewBufferPool creates a new buffer pool for the given device.
func NewBufferPool(device Device) *BufferPool {
	p := &BufferPool{device: device}
	for i := range p.pools {
		p.pools[i] = make([]Buffer, 0, maxPoolSize)
	}
	return p
}

// Alloc gets a buffer from the pool or creates a new one.
func (p *BufferPool) Alloc(size int) (Buffer, error) {
	size = alignedSize(size)

	p.mu.Lock()
	category := categorize(size)
	pool := p.pools[category]
	for i, b := range pool {
		if b.Size() == size {
			p.pools[category] = append(pool[:i], pool[i+1:]...)
			p.stats.Hits++
			p.stats.PooledCount--
			p.stats.PooledBytes -= uint64(size)
			p.mu.Unlock()
			return b, nil
		}
	}
	p.stats.Misses++
	p.stats.Allocated++
	p.mu.Unlock()

	return p.device.CreateBuffer(size)
}

// Free returns a buffer to the pool for reuse.
// If the pool is full, the buffer is immediately released.
func (p *BufferPool) Free(b Buffer) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stats.Released++
	category := categorize(b.Size())
	if len(p.pools[category]) >= maxPoolSize {
		b.Release()
		return
	}
	p.pools[category] = append(p.pools[category], b)
	p.stats.PooledCount++
	p.stats.PooledBytes += uint64(b.Size())
}

// Clear releases all pooled buffers.
// Should be called before the device is released.
func (p *BufferPool) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, pool := range p.pools {
		for _, b := range pool {
			b.Release()
		}
		p.pools[i] = pool[:0]
	}
	p.stats.PooledCount = 0
	p.stats.PooledBytes = 0
}

// Stats returns statistics about buffer pool usage.
func (p *BufferPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// categorize determines the size category for a buffer.
func categorize(size int) BufferSize {
	if size < smallThreshold {
		return SmallBuffer
	}
	if size < mediumThreshold {
		return MediumBuffer
	}
	return LargeBuffer
}
