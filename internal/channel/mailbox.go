package channel

import (
	"context"

	"github.com/danmuck/cnasreg/internal/protocol"
)

const DefaultMailboxDepth = 64

// Mailbox is the single inbound queue of one local task. Every sender
// shares it, so messages from one sender are received in send order.
type Mailbox struct {
	task protocol.TaskID
	ch   chan *Buffer
}

func newMailbox(task protocol.TaskID, depth int) *Mailbox {
	if depth <= 0 {
		depth = DefaultMailboxDepth
	}
	return &Mailbox{task: task, ch: make(chan *Buffer, depth)}
}

func (m *Mailbox) Task() protocol.TaskID {
	return m.task
}

// Len reports messages queued and not yet received.
func (m *Mailbox) Len() int {
	return len(m.ch)
}

// Receive blocks for the next message. The caller owns the returned
// buffer and must Free it.
func (m *Mailbox) Receive(ctx context.Context) (*Buffer, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case b := <-m.ch:
		b.transition(stateSent, stateDelivered)
		return b, nil
	}
}

// TryReceive returns the next message without blocking.
func (m *Mailbox) TryReceive() (*Buffer, bool) {
	select {
	case b := <-m.ch:
		b.transition(stateSent, stateDelivered)
		return b, true
	default:
		return nil, false
	}
}

func (m *Mailbox) push(b *Buffer) bool {
	select {
	case m.ch <- b:
		return true
	default:
		return false
	}
}
