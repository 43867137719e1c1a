package transport

import (
	"context"
	"io"
	"net"
	"sync"

	"github.com/libp2p/go-msgio"
)

// DefaultMaxMessageSize is the largest frame a stream connection accepts.
const DefaultMaxMessageSize = 16 << 20

// Conn is a framed, ordered, bidirectional message channel. ReadMsg may be
// called concurrently with WriteMsg, but neither may be called concurrently
// with itself. Close unblocks a pending ReadMsg.
type Conn interface {
	// ReadMsg returns the next message. The returned slice belongs to the
	// caller.
	ReadMsg() ([]byte, error)
	// WriteMsg writes msg as one message.
	WriteMsg(msg []byte) error
	// Close closes the connection.
	Close() error
}

// streamConn frames messages over a byte stream with an unsigned varint
// length prefix.
type streamConn struct {
	r       msgio.ReadCloser
	w       msgio.WriteCloser
	closer  io.Closer
	closeMu sync.Once
	err     error
}

// NewStreamConn returns a Conn that frames messages over rwc, accepting
// messages up to DefaultMaxMessageSize bytes.
func NewStreamConn(rwc io.ReadWriteCloser) Conn {
	return NewStreamConnSize(rwc, DefaultMaxMessageSize)
}

// NewStreamConnSize returns a Conn that frames messages over rwc, accepting
// messages up to maxSize bytes.
func NewStreamConnSize(rwc io.ReadWriteCloser, maxSize int) Conn {
	return &streamConn{
		r:      msgio.NewVarintReaderSize(rwc, maxSize),
		w:      msgio.NewVarintWriter(rwc),
		closer: rwc,
	}
}

func (c *streamConn) ReadMsg() ([]byte, error) {
	msg, err := c.r.ReadMsg()
	if err != nil {
		if msg != nil {
			c.r.ReleaseMsg(msg)
		}
		return nil, err
	}
	// The reader recycles its buffers, so hand the caller its own copy.
	out := make([]byte, len(msg))
	copy(out, msg)
	c.r.ReleaseMsg(msg)
	return out, nil
}

func (c *streamConn) WriteMsg(msg []byte) error {
	return c.w.WriteMsg(msg)
}

func (c *streamConn) Close() error {
	c.closeMu.Do(func() {
		c.err = c.closer.Close()
	})
	return c.err
}

// DialTCP connects to a TCP address and returns a stream Conn.
func DialTCP(ctx context.Context, addr string) (Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewStreamConn(nc), nil
}

// Pipe returns two Conns connected to each other in memory.
func Pipe() (Conn, Conn) {
	a, b := net.Pipe()
	return NewStreamConn(a), NewStreamConn(b)
}
