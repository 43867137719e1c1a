package syncclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/calcgrid/go-libviewcache/apierror"
	"github.com/calcgrid/go-libviewcache/transport"
	"github.com/gammazero/channelqueue"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("syncclient")

var (
	// ErrClosed is returned by calls made after the client was closed, or
	// that were waiting when it was closed.
	ErrClosed = apierror.New(errors.New("client closed"), apierror.TransportFailure)
	// ErrTimeout is returned when no response arrives within the client's
	// timeout.
	ErrTimeout = apierror.New(errors.New("timed out waiting for response"), apierror.Timeout)
)

// Codec converts between application messages and transport frames, and
// gives access to the correlation ID that every message carries.
type Codec[M any] interface {
	Marshal(M) ([]byte, error)
	Unmarshal([]byte) (M, error)
	CorrelationID(M) int64
	SetCorrelationID(M, int64) M
}

// Client turns an asynchronous, bidirectional message channel into
// synchronous calls. Each request is tagged with a new correlation ID and the
// caller waits until a message with the same correlation ID arrives.
// Responses to requests that are no longer waiting are dropped, and messages
// that answer no request are handed to the asynchronous message handler.
//
// Requests may be sent concurrently from many goroutines, and their
// responses may arrive in any order.
type Client[M any] struct {
	conn    transport.Conn
	codec   Codec[M]
	timeout time.Duration

	nextID atomic.Int64

	// pending maps correlation ID to the slot of a waiting caller.
	pending   map[int64]chan result[M]
	pendingMu sync.Mutex
	// failure is set once the connection has failed. Guarded by pendingMu.
	failure error

	sendLock sync.Mutex

	asyncHandler atomic.Pointer[func(M)]
	asyncIn      chan<- M

	closing   chan struct{}
	closeOnce sync.Once
	readDone  chan struct{}
	asyncDone chan struct{}
}

type result[M any] struct {
	msg M
	err error
}

// New creates a Client that exchanges messages over conn, and starts
// reading from conn. The Client owns conn and closes it when closed.
func New[M any](conn transport.Conn, codec Codec[M], options ...Option) (*Client[M], error) {
	opts, err := getOpts(options)
	if err != nil {
		return nil, err
	}
	if conn == nil {
		return nil, apierror.New(errors.New("nil connection"), apierror.InvalidArgument)
	}

	cq := channelqueue.New[M](-1)
	c := &Client[M]{
		conn:    conn,
		codec:   codec,
		timeout: opts.timeout,
		pending: make(map[int64]chan result[M]),
		asyncIn: cq.In(),

		closing:   make(chan struct{}),
		readDone:  make(chan struct{}),
		asyncDone: make(chan struct{}),
	}

	go c.readLoop()
	go c.dispatchAsync(cq.Out())

	return c, nil
}

// NextCorrelationID returns a correlation ID that has not been used by this
// client.
func (c *Client[M]) NextCorrelationID() int64 {
	return c.nextID.Add(1)
}

// SetAsyncHandler sets the function that receives messages that do not
// answer any request sent by this client. Messages are delivered one at a
// time, in the order received. If no handler is set, such messages are
// dropped.
func (c *Client[M]) SetAsyncHandler(handler func(M)) {
	if handler == nil {
		c.asyncHandler.Store(nil)
		return
	}
	c.asyncHandler.Store(&handler)
}

// SendRequest sends req, tagged with a new correlation ID, and waits for the
// message with the same correlation ID. If check is not nil, it is applied to
// the response and its error, if any, is returned with the response.
//
// Waiting ends with an error when ctx is done, when the client timeout
// elapses, or when the connection fails. A response arriving after that is
// dropped.
func (c *Client[M]) SendRequest(ctx context.Context, req M, check func(M) error) (M, error) {
	var zero M

	id := c.NextCorrelationID()
	req = c.codec.SetCorrelationID(req, id)
	data, err := c.codec.Marshal(req)
	if err != nil {
		return zero, apierror.New(fmt.Errorf("cannot encode request: %w", err), apierror.InvalidArgument)
	}

	slot := make(chan result[M], 1)
	c.pendingMu.Lock()
	if c.failure != nil {
		err = c.failure
		c.pendingMu.Unlock()
		return zero, err
	}
	c.pending[id] = slot
	c.pendingMu.Unlock()
	defer c.retire(id)

	if err = c.write(data); err != nil {
		return zero, err
	}

	var timeout <-chan time.Time
	if c.timeout != 0 {
		timer := time.NewTimer(c.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case res := <-slot:
		if res.err != nil {
			return zero, res.err
		}
		if check != nil {
			if err = check(res.msg); err != nil {
				return res.msg, err
			}
		}
		return res.msg, nil
	case <-ctx.Done():
		return zero, apierror.New(ctx.Err(), apierror.Timeout)
	case <-timeout:
		log.Warnw("Timed out waiting for response", "correlationID", id, "timeout", c.timeout)
		return zero, ErrTimeout
	}
}

// PostMessage sends msg without waiting for any response. The message is sent
// with a zero correlation ID.
func (c *Client[M]) PostMessage(ctx context.Context, msg M) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	msg = c.codec.SetCorrelationID(msg, 0)
	data, err := c.codec.Marshal(msg)
	if err != nil {
		return apierror.New(fmt.Errorf("cannot encode message: %w", err), apierror.InvalidArgument)
	}

	c.pendingMu.Lock()
	err = c.failure
	c.pendingMu.Unlock()
	if err != nil {
		return err
	}
	return c.write(data)
}

// Close closes the connection, fails all waiting requests with ErrClosed, and
// waits for the asynchronous handler to finish with queued messages.
func (c *Client[M]) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closing)
		err = c.conn.Close()
		<-c.readDone
		<-c.asyncDone
	})
	return err
}

// Err returns the error that failed the connection, or nil if the connection
// is usable.
func (c *Client[M]) Err() error {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return c.failure
}

// Pending returns the number of requests waiting for a response.
func (c *Client[M]) Pending() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return len(c.pending)
}

func (c *Client[M]) write(data []byte) error {
	c.sendLock.Lock()
	err := c.conn.WriteMsg(data)
	c.sendLock.Unlock()
	if err != nil {
		err = apierror.New(fmt.Errorf("cannot send message: %w", err), apierror.TransportFailure)
		// A failed write leaves the stream unusable. Closing the connection
		// ends the read loop, which fails every waiting request.
		c.conn.Close()
		c.fail(err)
		return err
	}
	return nil
}

func (c *Client[M]) retire(id int64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

// fail marks the connection as failed and wakes every waiting request with
// err.
func (c *Client[M]) fail(err error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	if c.failure != nil {
		return
	}
	c.failure = err
	for id, slot := range c.pending {
		slot <- result[M]{err: err}
		delete(c.pending, id)
	}
}

func (c *Client[M]) readLoop() {
	defer close(c.readDone)
	defer close(c.asyncIn)

	for {
		data, err := c.conn.ReadMsg()
		if err != nil {
			select {
			case <-c.closing:
				c.fail(ErrClosed)
			default:
				log.Errorw("Connection failed", "err", err)
				c.fail(apierror.New(fmt.Errorf("connection lost: %w", err), apierror.TransportFailure))
			}
			return
		}

		msg, err := c.codec.Unmarshal(data)
		if err != nil {
			// The correlation ID may be all that decoded; a waiting caller
			// should hear of the failure rather than time out.
			if id := c.codec.CorrelationID(msg); id != 0 && c.deliver(id, result[M]{err: err}) {
				continue
			}
			log.Errorw("Cannot decode message", "err", err)
			continue
		}

		id := c.codec.CorrelationID(msg)
		if id != 0 {
			if c.deliver(id, result[M]{msg: msg}) {
				continue
			}
			if id <= c.nextID.Load() {
				log.Debugw("Dropped response to retired request", "correlationID", id)
				continue
			}
		}
		c.asyncIn <- msg
	}
}

// deliver fills the slot waiting for id, and returns false if there is none.
func (c *Client[M]) deliver(id int64, res result[M]) bool {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	slot, ok := c.pending[id]
	if !ok {
		return false
	}
	delete(c.pending, id)
	slot <- res
	return true
}

func (c *Client[M]) dispatchAsync(out <-chan M) {
	defer close(c.asyncDone)

	for msg := range out {
		handler := c.asyncHandler.Load()
		if handler == nil {
			log.Debugw("Dropped unsolicited message", "correlationID", c.codec.CorrelationID(msg))
			continue
		}
		(*handler)(msg)
	}
}
