package cluster

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"
)

// DefaultDeliveryTimeout bounds one handshake delivery end to end.
const DefaultDeliveryTimeout = 5 * time.Second

// Dialer opens stream connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Courier opens a fresh connection per message. The zero value uses a plain
// net.Dialer and DefaultDeliveryTimeout.
type Courier struct {
	Dialer  Dialer
	Timeout time.Duration
}

func (c *Courier) dialer() Dialer {
	if c.Dialer != nil {
		return c.Dialer
	}
	return &net.Dialer{}
}

func (c *Courier) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return DefaultDeliveryTimeout
}

// open dials addr and arranges for the connection to be torn down when ctx
// ends, so a blocked read or write never outlives the deadline.
func (c *Courier) open(ctx context.Context, op, addr string) (*Conn, func(), error) {
	raw, err := c.dialer().DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, nil, &TransportError{Op: op, Addr: addr, Err: err}
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = raw.SetDeadline(dl)
	}
	conn := NewConn(raw)
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	return conn, func() {
		stop()
		_ = conn.Close()
	}, nil
}

func fail(ctx context.Context, op, addr string, err error) error {
	if cerr := ctx.Err(); cerr != nil {
		err = fmt.Errorf("%w (%v)", cerr, err)
	} else if errors.Is(err, os.ErrDeadlineExceeded) {
		err = fmt.Errorf("%w (%v)", context.DeadlineExceeded, err)
	}
	return &TransportError{Op: op, Addr: addr, Err: err}
}

// Deliver performs the handshake delivery protocol: it sends a probe, expects
// a HANDSHAKE reply carrying expectedID and only then sends msg. Any failure,
// including an unexpected peer id, yields an error matching ErrTransport.
func (c *Courier) Deliver(ctx context.Context, addr string, expectedID int, msg Message) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout())
	defer cancel()

	conn, done, err := c.open(ctx, "dial", addr)
	if err != nil {
		return err
	}
	defer done()

	if err := conn.Send(HandshakeProbe()); err != nil {
		return fail(ctx, "handshake", addr, err)
	}
	reply, err := conn.Receive()
	if err != nil {
		return fail(ctx, "handshake", addr, err)
	}
	if reply.Command != CmdHandshake {
		return fail(ctx, "handshake", addr, fmt.Errorf("unexpected reply %s", reply.Command))
	}
	id, err := reply.Int(0)
	if err != nil {
		return fail(ctx, "handshake", addr, err)
	}
	if id != expectedID {
		return fail(ctx, "handshake", addr,
			fmt.Errorf("%w: want %d, peer is %d", ErrIdentityMismatch, expectedID, id))
	}
	if err := conn.Send(msg); err != nil {
		return fail(ctx, "send", addr, err)
	}
	return nil
}

// Request sends msg without a handshake and waits for a single reply. Nodes
// use it for SYNC.
func (c *Courier) Request(ctx context.Context, addr string, msg Message) (Message, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout())
	defer cancel()

	conn, done, err := c.open(ctx, "dial", addr)
	if err != nil {
		return Message{}, err
	}
	defer done()

	if err := conn.Send(msg); err != nil {
		return Message{}, fail(ctx, "send", addr, err)
	}
	reply, err := conn.Receive()
	if err != nil {
		return Message{}, fail(ctx, "receive", addr, err)
	}
	return reply, nil
}

// Notify sends msg without a handshake and closes the connection.
func (c *Courier) Notify(ctx context.Context, addr string, msg Message) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout())
	defer cancel()

	conn, done, err := c.open(ctx, "dial", addr)
	if err != nil {
		return err
	}
	defer done()

	if err := conn.Send(msg); err != nil {
		return fail(ctx, "send", addr, err)
	}
	return nil
}
