package channel

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/cnasreg/internal/observability"
	"github.com/danmuck/cnasreg/internal/protocol"
)

var ErrTaskAttached = errors.New("channel: task already attached")

// Port is the allocate/send/free contract every sender consumes.
type Port interface {
	Alloc(sender protocol.TaskID, payloadLen uint32) (*Buffer, error)
	Send(b *Buffer) error
	Free(b *Buffer)
}

// Link carries buffers addressed to a remote execution context. Forward
// takes ownership of b whether or not it succeeds.
type Link interface {
	Forward(b *Buffer) error
}

// Bus routes buffers for one execution context. Local receivers own a
// mailbox; remote contexts are reached through a Link.
type Bus struct {
	ctx  protocol.ContextID
	pool *Pool

	mu        sync.RWMutex
	mailboxes map[protocol.TaskID]*Mailbox
	links     map[protocol.ContextID]Link
}

func NewBus(ctx protocol.ContextID, pool *Pool) *Bus {
	if pool == nil {
		pool = NewPool(DefaultPoolLimit)
	}
	return &Bus{
		ctx:       ctx,
		pool:      pool,
		mailboxes: make(map[protocol.TaskID]*Mailbox),
		links:     make(map[protocol.ContextID]Link),
	}
}

func (b *Bus) Context() protocol.ContextID {
	return b.ctx
}

func (b *Bus) Pool() *Pool {
	return b.pool
}

// Attach creates the mailbox for a local task.
func (b *Bus) Attach(task protocol.TaskID, depth int) (*Mailbox, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.mailboxes[task]; ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskAttached, task)
	}
	mb := newMailbox(task, depth)
	b.mailboxes[task] = mb
	return mb, nil
}

// Detach removes a local task. Buffers still queued are freed.
func (b *Bus) Detach(task protocol.TaskID) {
	b.mu.Lock()
	mb, ok := b.mailboxes[task]
	delete(b.mailboxes, task)
	b.mu.Unlock()
	if !ok {
		return
	}
	for {
		buf, ok := mb.TryReceive()
		if !ok {
			return
		}
		b.pool.Free(buf)
	}
}

// Route installs the link for a remote execution context.
func (b *Bus) Route(ctx protocol.ContextID, link Link) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if link == nil {
		delete(b.links, ctx)
		return
	}
	b.links[ctx] = link
}

func (b *Bus) Alloc(sender protocol.TaskID, payloadLen uint32) (*Buffer, error) {
	return b.pool.Alloc(protocol.Address{Ctx: b.ctx, Task: sender}, payloadLen)
}

func (b *Bus) Free(buf *Buffer) {
	b.pool.Free(buf)
}

// Send hands buf to the channel. Ownership moves to the bus on every path:
// on failure the bus frees the buffer itself.
func (b *Bus) Send(buf *Buffer) error {
	if buf == nil {
		return fmt.Errorf("%w: nil buffer", ErrSendFailed)
	}
	if !buf.transition(stateAllocated, stateSent) {
		return fmt.Errorf("%w: state=%s", ErrBufferReleased, buf.current())
	}
	env := buf.env
	if err := env.Validate(); err != nil {
		return b.drop(buf, "invalid_envelope", fmt.Errorf("%w: %w", ErrSendFailed, err))
	}
	if buf.msg == nil {
		return b.drop(buf, "empty_payload", fmt.Errorf("%w: %s has no payload", ErrSendFailed, env.Name))
	}

	if env.Receiver.Ctx != b.ctx {
		b.mu.RLock()
		link, ok := b.links[env.Receiver.Ctx]
		b.mu.RUnlock()
		if !ok {
			return b.drop(buf, "no_route", fmt.Errorf("%w: no route to context %d", ErrSendFailed, env.Receiver.Ctx))
		}
		if err := link.Forward(buf); err != nil {
			observability.RecordSendFailure(env.Name.String(), "link")
			log.Warn().Err(err).Str("envelope", env.String()).Msg("channel.Bus.Send forward failed")
			return err
		}
		observability.RecordMessageSent(env.Name.String(), env.Receiver.Task.String())
		return nil
	}
	return b.enqueue(buf)
}

// Inject delivers an already-decoded message into a local mailbox. The
// bridge uses it for inbound frames; the envelope's sender is preserved.
func (b *Bus) Inject(env protocol.Envelope, msg protocol.Message) error {
	if env.Receiver.Ctx != b.ctx {
		return fmt.Errorf("%w: context %d is not local", ErrSendFailed, env.Receiver.Ctx)
	}
	buf, err := b.pool.Alloc(env.Sender, env.Length)
	if err != nil {
		return err
	}
	buf.env = env
	buf.msg = msg
	buf.transition(stateAllocated, stateSent)
	return b.enqueue(buf)
}

func (b *Bus) enqueue(buf *Buffer) error {
	env := buf.env
	b.mu.RLock()
	mb, ok := b.mailboxes[env.Receiver.Task]
	if !ok {
		b.mu.RUnlock()
		return b.drop(buf, "unknown_receiver", fmt.Errorf("%w: no task %s", ErrSendFailed, env.Receiver.Task))
	}
	pushed := mb.push(buf)
	b.mu.RUnlock()
	if !pushed {
		return b.drop(buf, "mailbox_full", fmt.Errorf("%w: mailbox %s full", ErrSendFailed, env.Receiver.Task))
	}
	observability.RecordMessageSent(env.Name.String(), env.Receiver.Task.String())
	return nil
}

func (b *Bus) drop(buf *Buffer, reason string, err error) error {
	env := buf.env
	b.pool.Free(buf)
	observability.RecordSendFailure(env.Name.String(), reason)
	log.Warn().
		Str("envelope", env.String()).
		Str("reason", reason).
		Err(err).
		Msg("channel.Bus.Send dropped")
	return err
}
