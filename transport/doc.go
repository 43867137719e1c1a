// Package transport provides the message channels that remote cache clients
// and servers talk over.
//
// A Conn carries whole messages in order in both directions. Byte streams,
// such as TCP connections and libp2p streams, are framed with an unsigned
// varint length prefix. Websocket connections carry one message per binary
// websocket message.
package transport
