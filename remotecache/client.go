package remotecache

import (
	"context"
	"errors"
	"fmt"

	"github.com/calcgrid/go-libviewcache/apierror"
	"github.com/calcgrid/go-libviewcache/message"
	"github.com/calcgrid/go-libviewcache/syncclient"
	"github.com/calcgrid/go-libviewcache/transport"
	"github.com/hashicorp/go-multierror"
	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
)

var log = logging.Logger("remotecache")

// Client talks to a remote cache server over a get channel and a put channel.
// Reads go over the get channel and writes over the put channel, so that
// large writes do not hold up reads. When both channels are the same
// connection, the Client is in single mode.
type Client struct {
	get *syncclient.Client[message.Envelope]
	put *syncclient.Client[message.Envelope]

	identifierCacheSize int
}

// New creates a Client in single mode, where conn carries both reads and
// writes.
func New(conn transport.Conn, options ...Option) (*Client, error) {
	opts, err := getOpts(options)
	if err != nil {
		return nil, err
	}
	sc, err := syncclient.New[message.Envelope](conn, message.Codec{}, syncclient.WithTimeout(opts.timeout))
	if err != nil {
		return nil, err
	}
	return &Client{
		get:                 sc,
		put:                 sc,
		identifierCacheSize: opts.identifierCacheSize,
	}, nil
}

// NewDual creates a Client that reads over getConn and writes over putConn.
// The server is told that getConn is the get channel of a pair by a
// SlaveChannel message sent before anything else. If getConn and putConn are
// the same connection, the Client is in single mode. The Client owns both
// connections, and both are closed if NewDual fails.
func NewDual(ctx context.Context, getConn, putConn transport.Conn, options ...Option) (*Client, error) {
	if getConn == putConn {
		return New(getConn, options...)
	}
	if getConn == nil || putConn == nil {
		return nil, apierror.New(errors.New("nil connection"), apierror.InvalidArgument)
	}

	opts, err := getOpts(options)
	if err != nil {
		return nil, err
	}
	timeout := syncclient.WithTimeout(opts.timeout)

	get, err := syncclient.New[message.Envelope](getConn, message.Codec{}, timeout)
	if err != nil {
		putConn.Close()
		return nil, err
	}
	if err = get.PostMessage(ctx, message.Envelope{Body: &message.SlaveChannel{}}); err != nil {
		get.Close()
		putConn.Close()
		return nil, err
	}

	put, err := syncclient.New[message.Envelope](putConn, message.Codec{}, timeout)
	if err != nil {
		get.Close()
		return nil, err
	}

	log.Debug("Opened dual channel remote cache client")
	return &Client{
		get:                 get,
		put:                 put,
		identifierCacheSize: opts.identifierCacheSize,
	}, nil
}

// DialLibp2p connects p2pHost to the cache server peerID at hostname, a host
// or host:port as accepted by transport.ServerAddr, and returns a dual-channel
// Client over two new streams to it.
func DialLibp2p(ctx context.Context, p2pHost host.Host, peerID peer.ID, hostname string, options ...Option) (*Client, error) {
	if err := transport.Connect(ctx, p2pHost, peerID, hostname); err != nil {
		return nil, apierror.New(fmt.Errorf("cannot connect to cache server %s: %w", peerID, err), apierror.TransportFailure)
	}
	getConn, err := transport.OpenStream(ctx, p2pHost, peerID)
	if err != nil {
		return nil, apierror.New(fmt.Errorf("cannot open get stream: %w", err), apierror.TransportFailure)
	}
	putConn, err := transport.OpenStream(ctx, p2pHost, peerID)
	if err != nil {
		getConn.Close()
		return nil, apierror.New(fmt.Errorf("cannot open put stream: %w", err), apierror.TransportFailure)
	}
	return NewDual(ctx, getConn, putConn, options...)
}

// IsDual returns true if the Client uses separate get and put channels.
func (c *Client) IsDual() bool {
	return c.get != c.put
}

// SendGet sends a request over the get channel and returns the body of the
// response, which must be of the expected kind.
func (c *Client) SendGet(ctx context.Context, body message.Body, expect message.Kind) (message.Body, error) {
	return send(ctx, c.get, body, expect)
}

// SendPut sends a request over the put channel and returns the body of the
// response, which must be of the expected kind.
func (c *Client) SendPut(ctx context.Context, body message.Body, expect message.Kind) (message.Body, error) {
	return send(ctx, c.put, body, expect)
}

func send(ctx context.Context, sc *syncclient.Client[message.Envelope], body message.Body, expect message.Kind) (message.Body, error) {
	rsp, err := sc.SendRequest(ctx, message.Envelope{Body: body}, message.Expect(expect))
	if err != nil {
		return nil, err
	}
	return rsp.Body, nil
}

// SetAsyncHandler sets the function that receives messages the server sends
// without being asked. Such messages arrive on the put channel.
func (c *Client) SetAsyncHandler(handler func(message.Envelope)) {
	c.put.SetAsyncHandler(handler)
}

// Close closes both channels.
func (c *Client) Close() error {
	var errs error
	if err := c.put.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if c.IsDual() {
		if err := c.get.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs
}
