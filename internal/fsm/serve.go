package fsm

import (
	"context"

	"github.com/danmuck/cnasreg/internal/channel"
)

// Serve is the run-to-completion loop of one task: receive, dispatch,
// free, repeat. after, when set, observes every outcome on the task
// goroutine. Faults are logged by the dispatcher and do not stop the loop.
func Serve(ctx context.Context, mb *channel.Mailbox, d *Dispatcher, owner Owner, after func(Outcome)) error {
	for {
		buf, err := mb.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		outcome, _ := d.Dispatch(owner, buf.Envelope(), buf.Message())
		d.port.Free(buf)
		if after != nil {
			after(outcome)
		}
	}
}
