// Package cacheserver serves computation caches and identifiers to remote
// cache clients.
//
// A Server answers requests read from any number of connections. Each
// request is handled on its own goroutine and answered with the correlation
// ID of the request, so responses on one connection may be sent in a
// different order than the requests. Connections are accepted from TCP
// listeners, libp2p streams, and websocket upgrades. A libp2p host serving
// HandleStream should listen on transport.DefaultLibp2pPort so that clients can
// reach it by hostname alone.
//
// When caches are released, every connected client is told with an
// unsolicited CachesReleased message, except on connections that declared
// themselves the get channel of a dual-channel client.
package cacheserver
