package cluster

import (
	"bufio"
	"encoding/json"
	"net"
	"sync"
	"time"
)

// maxMessageBytes caps a single inbound message. Job payloads are expected
// to be small; anything larger is treated as a broken peer.
const maxMessageBytes = 8 << 20

// Conn frames Messages as newline-delimited JSON over a stream connection.
// Send and Receive may be called from different goroutines, but not each
// from several at once.
type Conn struct {
	raw  net.Conn
	dec  *json.Decoder
	enc  *json.Encoder
	once sync.Once
}

// NewConn wraps c.
func NewConn(c net.Conn) *Conn {
	r := bufio.NewReaderSize(&limitedReader{r: c, n: maxMessageBytes}, 4096)
	return &Conn{
		raw: c,
		dec: json.NewDecoder(r),
		enc: json.NewEncoder(c),
	}
}

// Send writes one message.
func (c *Conn) Send(m Message) error {
	return c.enc.Encode(m)
}

// Receive reads one message.
func (c *Conn) Receive() (Message, error) {
	var m Message
	if err := c.dec.Decode(&m); err != nil {
		return Message{}, err
	}
	return m, nil
}

// SetDeadline applies to both directions.
func (c *Conn) SetDeadline(t time.Time) error {
	return c.raw.SetDeadline(t)
}

// RemoteHost returns the peer's IP without the port, or "" if unknown.
func (c *Conn) RemoteHost() string {
	host, _, err := net.SplitHostPort(c.raw.RemoteAddr().String())
	if err != nil {
		return ""
	}
	return host
}

// Close is idempotent.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() { err = c.raw.Close() })
	return err
}

type limitedReader struct {
	r interface{ Read([]byte) (int, error) }
	n int64
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if l.n <= 0 {
		return 0, errMessageTooLarge
	}
	if int64(len(p)) > l.n {
		p = p[:l.n]
	}
	n, err := l.r.Read(p)
	l.n -= int64(n)
	return n, err
}
