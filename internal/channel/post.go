package channel

import "github.com/danmuck/cnasreg/internal/protocol"

// Compose allocates a buffer sized for msg and fills it. On error nothing
// is left allocated.
func Compose(port Port, from protocol.TaskID, to protocol.Address, msg protocol.Message) (*Buffer, error) {
	n, ok := msg.Name().PayloadLen()
	if !ok {
		return nil, protocol.ErrUnknownMessage
	}
	buf, err := port.Alloc(from, n)
	if err != nil {
		return nil, err
	}
	if err := buf.Stamp(to, msg.Name()); err != nil {
		port.Free(buf)
		return nil, err
	}
	if err := buf.Put(msg); err != nil {
		port.Free(buf)
		return nil, err
	}
	return buf, nil
}

// Post composes msg and sends it. Only allocation and composition errors
// are returned; delivery is fire-and-forget.
func Post(port Port, from protocol.TaskID, to protocol.Address, msg protocol.Message) error {
	buf, err := Compose(port, from, to, msg)
	if err != nil {
		return err
	}
	_ = port.Send(buf)
	return nil
}
