package channel

import (
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/cnasreg/internal/observability"
	"github.com/danmuck/cnasreg/internal/protocol"
)

const DefaultPoolLimit = 256

// Pool bounds the number of buffers outstanding at once. A buffer counts
// against the pool from Alloc until Free.
type Pool struct {
	limit       int64
	outstanding atomic.Int64
	failures    atomic.Uint64
}

// NewPool creates a pool with room for limit outstanding buffers. A
// non-positive limit uses DefaultPoolLimit.
func NewPool(limit int) *Pool {
	if limit <= 0 {
		limit = DefaultPoolLimit
	}
	return &Pool{limit: int64(limit)}
}

// Alloc returns a zeroed buffer sized for payloadLen, stamped with sender.
func (p *Pool) Alloc(sender protocol.Address, payloadLen uint32) (*Buffer, error) {
	if sender.Task == 0 {
		return nil, fmt.Errorf("%w: sender task unresolved", protocol.ErrInvalidEnvelope)
	}
	for {
		n := p.outstanding.Load()
		if n >= p.limit {
			p.failures.Add(1)
			observability.RecordAllocFailure(sender.Task.String())
			log.Debug().
				Str("sender", sender.String()).
				Int64("outstanding", n).
				Msg("channel.Pool.Alloc exhausted")
			return nil, ErrOutOfMemory
		}
		if p.outstanding.CompareAndSwap(n, n+1) {
			break
		}
	}
	b := &Buffer{size: payloadLen, pool: p}
	b.env.Sender = sender
	b.env.Length = payloadLen
	return b, nil
}

// Free returns b to the pool. Freeing twice, or freeing a buffer from
// another pool, is a no-op.
func (p *Pool) Free(b *Buffer) {
	if b == nil || b.pool != p {
		return
	}
	for {
		s := b.current()
		if s == stateFreed {
			return
		}
		if b.transition(s, stateFreed) {
			break
		}
	}
	b.msg = nil
	p.outstanding.Add(-1)
}

func (p *Pool) Outstanding() int {
	return int(p.outstanding.Load())
}

func (p *Pool) Limit() int {
	return int(p.limit)
}

// Failures counts allocations rejected since the pool was created.
func (p *Pool) Failures() uint64 {
	return p.failures.Load()
}
