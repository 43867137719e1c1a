package transport_test

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/calcgrid/go-libviewcache/transport"
	"github.com/gorilla/websocket"
	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/stretchr/testify/require"
)

// echo reads messages from conn and writes them back until conn fails.
func echo(conn transport.Conn) {
	defer conn.Close()
	for {
		msg, err := conn.ReadMsg()
		if err != nil {
			return
		}
		if err = conn.WriteMsg(msg); err != nil {
			return
		}
	}
}

func requireEcho(t *testing.T, conn transport.Conn) {
	msgs := [][]byte{[]byte("hello"), {}, make([]byte, 70000)}
	for _, msg := range msgs {
		require.NoError(t, conn.WriteMsg(msg))
		got, err := conn.ReadMsg()
		require.NoError(t, err)
		require.Equal(t, msg, got)
	}
}

func TestPipe(t *testing.T) {
	a, b := transport.Pipe()
	go echo(b)
	requireEcho(t, a)

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	_, err := a.ReadMsg()
	require.Error(t, err)
}

func TestReadMsgIsCopied(t *testing.T) {
	a, b := transport.Pipe()
	defer a.Close()
	defer b.Close()

	go func() {
		_ = a.WriteMsg([]byte("first"))
		_ = a.WriteMsg([]byte("second"))
	}()
	first, err := b.ReadMsg()
	require.NoError(t, err)
	second, err := b.ReadMsg()
	require.NoError(t, err)
	require.Equal(t, "first", string(first))
	require.Equal(t, "second", string(second))
}

func TestMaxMessageSize(t *testing.T) {
	a, b := net.Pipe()
	client := transport.NewStreamConn(a)
	server := transport.NewStreamConnSize(b, 16)
	defer client.Close()
	defer server.Close()

	go func() {
		_ = client.WriteMsg(make([]byte, 17))
	}()
	_, err := server.ReadMsg()
	require.Error(t, err)
}

func TestDialTCP(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	go func() {
		nc, err := l.Accept()
		if err != nil {
			return
		}
		echo(transport.NewStreamConn(nc))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := transport.DialTCP(ctx, l.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	requireEcho(t, conn)
}

func TestLibp2pStream(t *testing.T) {
	srvHost, err := libp2p.New(libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"))
	require.NoError(t, err)
	defer srvHost.Close()
	srvHost.SetStreamHandler(transport.ProtocolID, func(s network.Stream) {
		echo(transport.AcceptStream(s))
	})

	cliHost, err := libp2p.New(libp2p.NoListenAddrs)
	require.NoError(t, err)
	defer cliHost.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	port := srvHost.Addrs()[0].String()
	port = port[strings.LastIndex(port, "/")+1:]
	require.NoError(t, transport.Connect(ctx, cliHost, srvHost.ID(), "127.0.0.1:"+port))

	conn, err := transport.OpenStream(ctx, cliHost, srvHost.ID())
	require.NoError(t, err)
	defer conn.Close()
	requireEcho(t, conn)
}

func TestConnectBadHost(t *testing.T) {
	h, err := libp2p.New(libp2p.NoListenAddrs)
	require.NoError(t, err)
	defer h.Close()

	err = transport.Connect(context.Background(), h, h.ID(), "127.0.0.1:notaport")
	require.Error(t, err)
}

func TestServerAddr(t *testing.T) {
	for _, tc := range []struct {
		hostname string
		want     string
	}{
		{"", "/ip4/127.0.0.1/tcp/3103"},
		{"10.0.0.1", "/ip4/10.0.0.1/tcp/3103"},
		{"10.0.0.1:4001", "/ip4/10.0.0.1/tcp/4001"},
		{"::1", "/ip6/::1/tcp/3103"},
		{"[::1]:4001", "/ip6/::1/tcp/4001"},
		{"cache.example.com", "/dns/cache.example.com/tcp/3103"},
		{"cache.example.com:4001", "/dns/cache.example.com/tcp/4001"},
	} {
		maddr, err := transport.ServerAddr(tc.hostname)
		require.NoError(t, err, tc.hostname)
		require.Equal(t, tc.want, maddr.String(), tc.hostname)
	}

	for _, hostname := range []string{"127.0.0.1:notaport", "127.0.0.1:70000", ":4001"} {
		_, err := transport.ServerAddr(hostname)
		require.Error(t, err, hostname)
	}
}

func TestWebsocket(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wsConn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		// Text frames are ignored by the reader.
		_ = wsConn.WriteMessage(websocket.TextMessage, []byte("ignored"))
		echo(transport.NewWebsocketConn(wsConn))
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := transport.DialWebsocket(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"))
	require.NoError(t, err)
	defer conn.Close()
	requireEcho(t, conn)
}
