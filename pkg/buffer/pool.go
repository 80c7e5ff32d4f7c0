// Package buffer keeps reusable byte buffers for socket reads and writes.
//
// A pool only grows: released buffers are marked free and handed out again,
// nothing is given back to the allocator.
package buffer

import "sync"

// Buffer is a pooled byte slice. B may be resliced by the holder,
// the pool restores it on the next Acquire.
type Buffer struct {
	B     []byte
	inUse bool
	pool  *Pool
}

// Release returns the buffer to the pool it came from.
func (b *Buffer) Release() {
	if b != nil && b.pool != nil {
		b.pool.Release(b)
	}
}

type Pool struct {
	mu   sync.Mutex
	bufs []*Buffer
	size int
	zero bool
}

// Stats is a snapshot of the pool occupancy.
type Stats struct {
	Total int
	InUse int
}

// NewReceivePool makes a pool of size-byte buffers.
// Reused buffers are not cleared, readers track the valid length themselves.
func NewReceivePool(size int) *Pool { return &Pool{size: size} }

// NewSendPool makes a pool of growable buffers that are cleared on reuse.
func NewSendPool() *Pool { return &Pool{zero: true} }

// Acquire returns a free buffer, allocating a new one when all are taken.
func (p *Pool) Acquire() *Buffer {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, b := range p.bufs {
		if b.inUse {
			continue
		}
		b.inUse = true
		if p.zero {
			b.B = b.B[:cap(b.B)]
			clear(b.B)
			b.B = b.B[:0]
		} else {
			b.B = b.B[:cap(b.B)]
		}
		return b
	}

	b := &Buffer{B: make([]byte, p.size), inUse: true, pool: p}
	p.bufs = append(p.bufs, b)
	return b
}

// Release marks b free. Releasing a free or foreign buffer does nothing.
func (p *Pool) Release(b *Buffer) {
	if b == nil || b.pool != p {
		return
	}
	p.mu.Lock()
	b.inUse = false
	p.mu.Unlock()
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Stats{Total: len(p.bufs)}
	for _, b := range p.bufs {
		if b.inUse {
			s.InUse++
		}
	}
	return s
}

// Pools pairs the receive and send pools used by all connections of a server.
type Pools struct {
	Rx *Pool
	Tx *Pool
}

func NewPools(receiveSize int) Pools {
	return Pools{Rx: NewReceivePool(receiveSize), Tx: NewSendPool()}
}
