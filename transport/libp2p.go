package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
)

// DefaultLibp2pPort is the TCP port assumed for a libp2p cache server whose
// address is given without one.
const DefaultLibp2pPort = 3103

// ProtocolID is the libp2p protocol spoken by remote cache clients and
// servers.
const ProtocolID protocol.ID = "/viewcache/remote/1.0.0"

// ServerAddr returns the TCP multiaddr of a libp2p cache server at hostname.
// The value of hostname is a host or host:port, where the host is a hostname,
// an IPv4 address, or an IPv6 address in brackets when a port follows. An
// empty hostname means the local host, and a missing port means
// DefaultLibp2pPort.
func ServerAddr(hostname string) (multiaddr.Multiaddr, error) {
	if hostname == "" {
		hostname = "127.0.0.1"
	}
	host, portStr, err := net.SplitHostPort(hostname)
	if err != nil {
		host, portStr = strings.Trim(hostname, "[]"), ""
	}
	port := DefaultLibp2pPort
	if portStr != "" {
		p, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("bad port in %q: %w", hostname, err)
		}
		port = int(p)
	}
	if host == "" {
		return nil, fmt.Errorf("no host in %q", hostname)
	}

	if ip := net.ParseIP(host); ip != nil {
		return manet.FromNetAddr(&net.TCPAddr{IP: ip, Port: port})
	}
	dns, err := multiaddr.NewComponent("dns", host)
	if err != nil {
		return nil, err
	}
	tcp, err := multiaddr.NewComponent("tcp", strconv.Itoa(port))
	if err != nil {
		return nil, err
	}
	return multiaddr.Join(dns, tcp), nil
}

// Connect connects p2pHost to the cache server peerID at hostname, which is
// interpreted as by ServerAddr.
func Connect(ctx context.Context, p2pHost host.Host, peerID peer.ID, hostname string) error {
	maddr, err := ServerAddr(hostname)
	if err != nil {
		return err
	}
	return p2pHost.Connect(ctx, peer.AddrInfo{
		ID:    peerID,
		Addrs: []multiaddr.Multiaddr{maddr},
	})
}

// OpenStream opens a new stream to peerID and returns it as a Conn. Each call
// opens an independent stream, so a get channel and a put channel to the same
// peer do not block each other.
func OpenStream(ctx context.Context, p2pHost host.Host, peerID peer.ID) (Conn, error) {
	stream, err := p2pHost.NewStream(ctx, peerID, ProtocolID)
	if err != nil {
		return nil, err
	}
	return NewStreamConnSize(&resetOnClose{stream}, network.MessageSizeMax), nil
}

// AcceptStream returns an inbound stream as a Conn.
func AcceptStream(stream network.Stream) Conn {
	return NewStreamConnSize(&resetOnClose{stream}, network.MessageSizeMax)
}

// resetOnClose resets the stream when closed, so that a reader blocked on
// the stream returns immediately.
type resetOnClose struct {
	network.Stream
}

func (s *resetOnClose) Close() error {
	return s.Stream.Reset()
}
