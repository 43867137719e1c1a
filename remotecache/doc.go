// Package remotecache is a client for computation caches and identifiers held
// by a remote cache server.
//
// A Client may use one connection for everything, or a pair: a get channel
// for reads and identifier lookups, and a put channel for writes and
// releases. Each channel is a correlated synchronous client, so many calls
// may be in flight on each. Failed calls return an error and are never
// retried or answered with a default value.
package remotecache
