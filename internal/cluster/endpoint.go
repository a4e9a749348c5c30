package cluster

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"
)

// Handler receives messages accepted by an Endpoint.
type Handler func(Message)

// Endpoint is the node side of the coordinator's handshake delivery. Each
// inbound connection is expected to open with a HANDSHAKE probe, which is
// answered with the endpoint's current id; the next message on that
// connection is passed to the handler. Connections that skip the probe
// have their first message passed through directly.
type Endpoint struct {
	ln      net.Listener
	id      atomic.Int64
	handler Handler
	timeout time.Duration
	wg      conc.WaitGroup
}

// Listen binds addr. Use ":0" for an ephemeral port.
func Listen(addr string, id int, handler Handler) (*Endpoint, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	e := &Endpoint{ln: ln, handler: handler, timeout: DefaultDeliveryTimeout}
	e.id.Store(int64(id))
	return e, nil
}

// Port is the bound TCP port.
func (e *Endpoint) Port() int {
	return e.ln.Addr().(*net.TCPAddr).Port
}

// ID is the id answered to handshake probes.
func (e *Endpoint) ID() int { return int(e.id.Load()) }

// SetID changes the id answered to handshake probes.
func (e *Endpoint) SetID(id int) { e.id.Store(int64(id)) }

// Serve accepts connections until ctx ends or Close is called. It waits for
// in-flight connections before returning.
func (e *Endpoint) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = e.ln.Close() })
	defer stop()
	defer e.wg.Wait()

	for {
		raw, err := e.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		e.wg.Go(func() { e.serveConn(raw) })
	}
}

func (e *Endpoint) serveConn(raw net.Conn) {
	conn := NewConn(raw)
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(e.timeout))

	msg, err := conn.Receive()
	if err != nil {
		return
	}
	if msg.Command == CmdHandshake {
		// A node without an id cannot prove who it is yet.
		id := e.ID()
		if id == NullID {
			return
		}
		if err := conn.Send(HandshakeReply(id)); err != nil {
			return
		}
		if msg, err = conn.Receive(); err != nil {
			return
		}
	}
	if e.handler != nil {
		e.handler(msg)
	}
}

// Close stops accepting connections.
func (e *Endpoint) Close() error {
	err := e.ln.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
