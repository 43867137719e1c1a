package cacheserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/calcgrid/go-libviewcache/apierror"
	"github.com/calcgrid/go-libviewcache/identifier"
	"github.com/calcgrid/go-libviewcache/message"
	"github.com/calcgrid/go-libviewcache/transport"
	"github.com/calcgrid/go-libviewcache/viewcache"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-multierror"
	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
)

var log = logging.Logger("cacheserver")

// ProtocolID is the libp2p protocol that HandleStream serves.
const ProtocolID = transport.ProtocolID

// ErrServerClosed is returned by Serve and ServeListener after Close.
var ErrServerClosed = errors.New("cache server closed")

// Server serves a cache source and an identifier source.
type Server struct {
	source        *viewcache.Source
	ids           identifier.Source
	maxConcurrent int
	upgrader      websocket.Upgrader

	mutex     sync.Mutex
	conns     map[*serverConn]struct{}
	listeners map[net.Listener]struct{}
	closed    bool
}

var _ http.Handler = (*Server)(nil)

// serverConn is one client connection.
type serverConn struct {
	conn    transport.Conn
	writeMu sync.Mutex
	// getOnly is set when the client declares the connection to be the get
	// channel of a pair. Such connections receive no unsolicited messages.
	getOnly atomic.Bool
}

// New creates a Server. If source is nil, the Server creates its own cache
// source, with NotifyReleased installed as its release hook. A caller that
// supplies a source should install NotifyReleased itself, with
// viewcache.WithReleaseHook, for clients to hear of releases. If ids is nil,
// the Server creates its own identifier.MapSource.
func New(source *viewcache.Source, ids identifier.Source, options ...Option) (*Server, error) {
	opts, err := getOpts(options)
	if err != nil {
		return nil, err
	}

	s := &Server{
		ids:           ids,
		maxConcurrent: opts.maxConcurrent,
		conns:         make(map[*serverConn]struct{}),
		listeners:     make(map[net.Listener]struct{}),
	}
	if source == nil {
		source, err = viewcache.NewSource(viewcache.WithReleaseHook(s.NotifyReleased))
		if err != nil {
			return nil, err
		}
	}
	s.source = source
	if s.ids == nil {
		s.ids = identifier.NewMapSource()
	}
	return s, nil
}

// Source returns the cache source that the Server serves.
func (s *Server) Source() *viewcache.Source {
	return s.source
}

// Serve reads and answers requests from conn until conn fails, ctx is
// canceled, or the Server is closed. Serve closes conn before returning.
func (s *Server) Serve(ctx context.Context, conn transport.Conn) error {
	sc := &serverConn{conn: conn}
	if !s.addConn(sc) {
		conn.Close()
		return ErrServerClosed
	}
	defer s.removeConn(sc)
	defer conn.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	sem := make(chan struct{}, s.maxConcurrent)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		data, err := conn.ReadMsg()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		env, err := message.Unmarshal(data)
		if err != nil {
			log.Errorw("Cannot decode request", "err", err, "correlationID", env.CorrelationID)
			if env.CorrelationID != 0 {
				sc.reply(env.CorrelationID, message.NewErrorResponse(err))
			}
			continue
		}

		switch {
		case env.Kind() == message.KindSlaveChannel:
			sc.getOnly.Store(true)
			log.Debug("Connection is the get channel of a dual-channel client")
			continue
		case env.CorrelationID == 0:
			log.Warnw("Ignored one-way message", "kind", env.Kind())
			continue
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return nil
		}
		wg.Add(1)
		go func(env message.Envelope) {
			defer func() {
				<-sem
				wg.Done()
			}()
			sc.reply(env.CorrelationID, s.handle(ctx, env.Body))
		}(env)
	}
}

// ServeListener accepts connections from l and serves each one with Serve,
// until ctx is canceled or the Server is closed. Accepted connections carry
// length-prefixed messages.
func (s *Server) ServeListener(ctx context.Context, l net.Listener) error {
	if !s.addListener(l) {
		l.Close()
		return ErrServerClosed
	}
	defer s.removeListener(l)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		nc, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if s.isClosed() {
				return ErrServerClosed
			}
			return err
		}
		log.Debugw("Accepted connection", "remote", nc.RemoteAddr())
		go func() {
			if err := s.Serve(ctx, transport.NewStreamConn(nc)); err != nil && err != ErrServerClosed {
				log.Errorw("Connection failed", "remote", nc.RemoteAddr(), "err", err)
			}
		}()
	}
}

// HandleStream serves an inbound libp2p stream. It is a network.StreamHandler
// for ProtocolID.
func (s *Server) HandleStream(stream network.Stream) {
	peerID := stream.Conn().RemotePeer()
	log.Debugw("Accepted stream", "peer", peerID)
	if err := s.Serve(context.Background(), transport.AcceptStream(stream)); err != nil && err != ErrServerClosed {
		log.Errorw("Stream failed", "peer", peerID, "err", err)
	}
}

// ServeHTTP upgrades the request to a websocket connection and serves it.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written an error response.
		log.Errorw("Cannot upgrade to websocket", "remote", r.RemoteAddr, "err", err)
		return
	}
	if err = s.Serve(context.Background(), transport.NewWebsocketConn(wsConn)); err != nil && err != ErrServerClosed {
		log.Errorw("Websocket connection failed", "remote", r.RemoteAddr, "err", err)
	}
}

// Addrs returns the multiaddrs of the listeners being served.
func (s *Server) Addrs() []multiaddr.Multiaddr {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	addrs := make([]multiaddr.Multiaddr, 0, len(s.listeners))
	for l := range s.listeners {
		maddr, err := manet.FromNetAddr(l.Addr())
		if err != nil {
			log.Warnw("Cannot convert listen address", "addr", l.Addr(), "err", err)
			continue
		}
		addrs = append(addrs, maddr)
	}
	return addrs
}

// NotifyReleased sends a CachesReleased message to every connection that is
// not the get channel of a dual-channel client. It is a
// viewcache.ReleaseHookFunc.
func (s *Server) NotifyReleased(view string, timestamp int64, released int) {
	s.mutex.Lock()
	conns := make([]*serverConn, 0, len(s.conns))
	for sc := range s.conns {
		if !sc.getOnly.Load() {
			conns = append(conns, sc)
		}
	}
	s.mutex.Unlock()

	log.Debugw("Notifying clients of released caches", "view", view, "timestamp", timestamp, "released", released, "clients", len(conns))
	for _, sc := range conns {
		sc.reply(0, &message.CachesReleased{View: view, Timestamp: timestamp})
	}
}

// Close closes all listeners and connections. Serve and ServeListener calls
// that are running return, and later calls return ErrServerClosed.
func (s *Server) Close() error {
	s.mutex.Lock()
	s.closed = true
	listeners := s.listeners
	conns := s.conns
	s.listeners = make(map[net.Listener]struct{})
	s.conns = make(map[*serverConn]struct{})
	s.mutex.Unlock()

	var errs error
	for l := range listeners {
		if err := l.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	for sc := range conns {
		if err := sc.conn.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs
}

func (s *Server) handle(ctx context.Context, body message.Body) message.Body {
	switch req := body.(type) {
	case *message.GetValueRequest:
		cache, err := s.source.GetCache(req.Key.View, req.Key.CalcConfig, req.Key.Timestamp)
		if err != nil {
			return message.NewErrorResponse(err)
		}
		return &message.GetValueResponse{Values: cache.GetValues(req.Identifiers)}

	case *message.PutValueRequest:
		cache, err := s.source.GetCache(req.Key.View, req.Key.CalcConfig, req.Key.Timestamp)
		if err != nil {
			return message.NewErrorResponse(err)
		}
		cache.PutValues(req.Values)
		return &message.PutValueAck{}

	case *message.ReleaseCachesRequest:
		released := s.source.ReleaseCaches(req.View, req.Timestamp)
		return &message.ReleaseCachesAck{Released: int64(released)}

	case *message.IdentifierLookupRequest:
		found, err := s.ids.Identifiers(ctx, req.Specifications)
		if err != nil {
			return message.NewErrorResponse(err)
		}
		ids := make([]identifier.Identifier, len(req.Specifications))
		for i, spec := range req.Specifications {
			ids[i] = found[spec]
		}
		return &message.IdentifierLookupResponse{Identifiers: ids}
	}

	err := apierror.New(fmt.Errorf("unexpected request kind %s", body.Kind()), apierror.InvalidArgument)
	log.Warnw("Rejected request", "err", err)
	return message.NewErrorResponse(err)
}

// reply sends body to the client with the given correlation ID.
func (sc *serverConn) reply(correlationID int64, body message.Body) {
	data, err := message.Marshal(message.Envelope{
		CorrelationID: correlationID,
		Body:          body,
	})
	if err != nil {
		log.Errorw("Cannot encode response", "kind", body.Kind(), "err", err)
		return
	}

	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()

	if err = sc.conn.WriteMsg(data); err != nil {
		log.Warnw("Cannot send response", "correlationID", correlationID, "err", err)
		// The read loop fails next and ends the connection.
		sc.conn.Close()
	}
}

func (s *Server) addConn(sc *serverConn) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed {
		return false
	}
	s.conns[sc] = struct{}{}
	return true
}

func (s *Server) removeConn(sc *serverConn) {
	s.mutex.Lock()
	delete(s.conns, sc)
	s.mutex.Unlock()
}

func (s *Server) addListener(l net.Listener) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed {
		return false
	}
	s.listeners[l] = struct{}{}
	return true
}

func (s *Server) removeListener(l net.Listener) {
	s.mutex.Lock()
	delete(s.listeners, l)
	s.mutex.Unlock()
}

func (s *Server) isClosed() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.closed
}
