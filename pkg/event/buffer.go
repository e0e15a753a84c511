package event

import (
	"sync"
	"sync/atomic"
)

// BufferPool hands out payload buffers and counts those not yet released.
type BufferPool struct {
	pool        sync.Pool
	outstanding atomic.Int64
}

func NewBufferPool() *BufferPool {
	return &BufferPool{
		pool: sync.Pool{New: func() any {
			b := make([]byte, 0, 1024)
			return &b
		}},
	}
}

// Get returns a buffer holding a copy of b.
func (p *BufferPool) Get(b []byte) *Buffer {
	buf := p.pool.Get().(*[]byte)
	*buf = append((*buf)[:0], b...)
	p.outstanding.Add(1)
	return &Buffer{pool: p, buf: buf}
}

// Outstanding returns the number of buffers handed out and not released.
func (p *BufferPool) Outstanding() int64 {
	return p.outstanding.Load()
}

// Buffer is an owned byte payload. Release may be called more than once;
// only the first call returns it to the pool.
type Buffer struct {
	pool     *BufferPool
	buf      *[]byte
	released atomic.Bool
}

// Bytes returns the payload. It must not be used after Release.
func (b *Buffer) Bytes() []byte {
	if b.released.Load() {
		return nil
	}
	return *b.buf
}

func (b *Buffer) Release() {
	if !b.released.CompareAndSwap(false, true) {
		return
	}
	b.pool.outstanding.Add(-1)
	b.pool.pool.Put(b.buf)
}
