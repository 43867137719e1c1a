package cacheserver_test

import (
	"context"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/calcgrid/go-libviewcache/apierror"
	"github.com/calcgrid/go-libviewcache/cacheserver"
	"github.com/calcgrid/go-libviewcache/identifier"
	"github.com/calcgrid/go-libviewcache/internal/test"
	"github.com/calcgrid/go-libviewcache/message"
	"github.com/calcgrid/go-libviewcache/remotecache"
	"github.com/calcgrid/go-libviewcache/syncclient"
	"github.com/calcgrid/go-libviewcache/transport"
	"github.com/calcgrid/go-libviewcache/viewcache"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func newServer(t *testing.T, options ...cacheserver.Option) *cacheserver.Server {
	srv, err := cacheserver.New(nil, nil, options...)
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })
	return srv
}

// requireRoundTrip stores values through client and reads them back.
func requireRoundTrip(t *testing.T, client *remotecache.Client) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ids, err := remotecache.NewIdentifierSource(client)
	require.NoError(t, err)
	specs := test.RandomSpecifications(5)
	found, err := ids.Identifiers(ctx, specs)
	require.NoError(t, err)

	valueIDs := make([]identifier.Identifier, 0, len(found))
	for _, id := range found {
		valueIDs = append(valueIDs, id)
	}
	values := test.RandomValues(valueIDs, 100000)

	cache, err := remotecache.NewSource(client).GetCache("V", "Default", time.Now().UnixNano())
	require.NoError(t, err)
	require.NoError(t, cache.PutValues(ctx, values))
	got, err := cache.GetValues(ctx, valueIDs)
	require.NoError(t, err)
	require.Equal(t, values, got)
}

func TestServeTCP(t *testing.T) {
	srv := newServer(t)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	served := make(chan error, 1)
	go func() {
		served <- srv.ServeListener(ctx, l)
	}()

	require.Eventually(t, func() bool { return len(srv.Addrs()) == 1 }, 5*time.Second, 10*time.Millisecond)
	require.True(t, strings.HasPrefix(srv.Addrs()[0].String(), "/ip4/127.0.0.1/tcp/"))

	getConn, err := transport.DialTCP(ctx, l.Addr().String())
	require.NoError(t, err)
	putConn, err := transport.DialTCP(ctx, l.Addr().String())
	require.NoError(t, err)
	client, err := remotecache.NewDual(ctx, getConn, putConn)
	require.NoError(t, err)
	defer client.Close()

	requireRoundTrip(t, client)

	cancel()
	select {
	case err = <-served:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("listener not stopped")
	}
}

func TestServeLibp2p(t *testing.T) {
	srv := newServer(t)
	srvHost := test.NewHost(t)
	srvHost.SetStreamHandler(cacheserver.ProtocolID, srv.HandleStream)
	cliHost := test.NewHost(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	addr := srvHost.Addrs()[0].String()
	port := addr[strings.LastIndex(addr, "/")+1:]
	client, err := remotecache.DialLibp2p(ctx, cliHost, srvHost.ID(), "127.0.0.1:"+port)
	require.NoError(t, err)
	defer client.Close()
	require.True(t, client.IsDual())

	requireRoundTrip(t, client)

	// A malformed address fails before any stream is opened.
	_, err = remotecache.DialLibp2p(ctx, cliHost, srvHost.ID(), "127.0.0.1:notaport")
	require.True(t, apierror.Is(err, apierror.TransportFailure), "wrong error: %v", err)
}

func TestServeWebsocket(t *testing.T) {
	srv := newServer(t)
	httpSrv := httptest.NewServer(srv)
	defer httpSrv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := transport.DialWebsocket(ctx, "ws"+strings.TrimPrefix(httpSrv.URL, "http"))
	require.NoError(t, err)
	client, err := remotecache.New(conn)
	require.NoError(t, err)
	defer client.Close()

	requireRoundTrip(t, client)
}

func newRawClient(t *testing.T, srv *cacheserver.Server) *syncclient.Client[message.Envelope] {
	cliConn, srvConn := transport.Pipe()
	go srv.Serve(context.Background(), srvConn)
	c, err := syncclient.New[message.Envelope](cliConn, message.Codec{})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestReleaseNotSentToGetChannel(t *testing.T) {
	srv := newServer(t)
	ctx := context.Background()

	getChannel := newRawClient(t, srv)
	other := newRawClient(t, srv)

	getNotified := make(chan message.Envelope, 1)
	getChannel.SetAsyncHandler(func(env message.Envelope) { getNotified <- env })
	otherNotified := make(chan message.Envelope, 1)
	other.SetAsyncHandler(func(env message.Envelope) { otherNotified <- env })

	require.NoError(t, getChannel.PostMessage(ctx, message.Envelope{Body: &message.SlaveChannel{}}))
	// Requests on a connection are read in order, so once this is answered the
	// SlaveChannel message has been handled.
	_, err := getChannel.SendRequest(ctx, message.Envelope{Body: &message.GetValueRequest{
		Key: viewcache.Key{View: "V", CalcConfig: "Default", Timestamp: 1},
	}}, message.Expect(message.KindGetValueResponse))
	require.NoError(t, err)

	_, err = other.SendRequest(ctx, message.Envelope{Body: &message.PutValueRequest{
		Key:    viewcache.Key{View: "V", CalcConfig: "Default", Timestamp: 1},
		Values: map[identifier.Identifier][]byte{1: []byte("x")},
	}}, message.Expect(message.KindPutValueAck))
	require.NoError(t, err)

	rsp, err := other.SendRequest(ctx, message.Envelope{Body: &message.ReleaseCachesRequest{
		View:      "V",
		Timestamp: 1,
	}}, message.Expect(message.KindReleaseCachesAck))
	require.NoError(t, err)
	require.Equal(t, int64(1), rsp.Body.(*message.ReleaseCachesAck).Released)

	select {
	case env := <-otherNotified:
		require.Zero(t, env.CorrelationID)
		released := env.Body.(*message.CachesReleased)
		require.Equal(t, "V", released.View)
		require.Equal(t, int64(1), released.Timestamp)
	case <-time.After(5 * time.Second):
		t.Fatal("release not reported")
	}

	select {
	case env := <-getNotified:
		t.Fatalf("get channel received unsolicited %s", env.Kind())
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSharedSource(t *testing.T) {
	var srv *cacheserver.Server
	source, err := viewcache.NewSource(viewcache.WithReleaseHook(func(view string, timestamp int64, released int) {
		srv.NotifyReleased(view, timestamp, released)
	}))
	require.NoError(t, err)
	srv, err = cacheserver.New(source, identifier.NewMapSource())
	require.NoError(t, err)
	defer srv.Close()
	require.Same(t, source, srv.Source())

	client := newRawClient(t, srv)
	notified := make(chan message.Envelope, 1)
	client.SetAsyncHandler(func(env message.Envelope) { notified <- env })

	// Register the connection before releasing locally.
	_, err = client.SendRequest(context.Background(), message.Envelope{Body: &message.IdentifierLookupRequest{}},
		message.Expect(message.KindIdentifierLookupResponse))
	require.NoError(t, err)

	cache, err := source.GetCache("Local", "Default", 9)
	require.NoError(t, err)
	cache.PutValue(1, []byte("x"))
	require.Equal(t, 1, source.ReleaseCaches("Local", 9))

	select {
	case env := <-notified:
		require.Equal(t, "Local", env.Body.(*message.CachesReleased).View)
	case <-time.After(5 * time.Second):
		t.Fatal("local release not reported")
	}
}

func TestUndecodableRequest(t *testing.T) {
	srv := newServer(t)
	cliConn, srvConn := transport.Pipe()
	defer cliConn.Close()
	go srv.Serve(context.Background(), srvConn)

	// Correlation ID 5 with a kind that does not exist.
	var frame []byte
	frame = protowire.AppendTag(frame, 1, protowire.VarintType)
	frame = protowire.AppendVarint(frame, 5)
	frame = protowire.AppendTag(frame, 2, protowire.VarintType)
	frame = protowire.AppendVarint(frame, 200)
	require.NoError(t, cliConn.WriteMsg(frame))

	data, err := cliConn.ReadMsg()
	require.NoError(t, err)
	env, err := message.Unmarshal(data)
	require.NoError(t, err)
	require.Equal(t, int64(5), env.CorrelationID)
	errRsp, ok := env.Body.(*message.ErrorResponse)
	require.True(t, ok)
	require.True(t, apierror.Is(errRsp.Err(), apierror.InvalidArgument))
}

func TestInvalidSpecificationLookup(t *testing.T) {
	srv := newServer(t)
	client := newRawClient(t, srv)

	_, err := client.SendRequest(context.Background(), message.Envelope{Body: &message.IdentifierLookupRequest{
		Specifications: []identifier.Specification{{}},
	}}, message.Expect(message.KindIdentifierLookupResponse))
	require.Error(t, err)
}

func TestClose(t *testing.T) {
	srv, err := cacheserver.New(nil, nil, cacheserver.WithMaxConcurrentRequests(1))
	require.NoError(t, err)

	client := newRawClient(t, srv)
	_, err = client.SendRequest(context.Background(), message.Envelope{Body: &message.IdentifierLookupRequest{}},
		message.Expect(message.KindIdentifierLookupResponse))
	require.NoError(t, err)

	require.NoError(t, srv.Close())
	require.Eventually(t, func() bool { return client.Err() != nil }, 5*time.Second, 10*time.Millisecond)
	require.True(t, apierror.Is(client.Err(), apierror.TransportFailure))

	_, srvConn := transport.Pipe()
	require.ErrorIs(t, srv.Serve(context.Background(), srvConn), cacheserver.ErrServerClosed)

	_, err = cacheserver.New(nil, nil, cacheserver.WithMaxConcurrentRequests(0))
	require.Error(t, err)
}
