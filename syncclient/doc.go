// Package syncclient provides a correlated synchronous client over a
// bidirectional message channel.
//
// Every outgoing request carries a correlation ID that is unique for the
// client. The peer copies it into the response, and the client hands the
// response to the caller waiting for that ID. Any number of requests may be in
// flight at once, and responses may arrive in any order. A response to a
// request that has stopped waiting is dropped. Messages that answer no request
// of the client, including one-way notifications with correlation ID zero, go
// to the asynchronous message handler.
//
// A Client does not retry. When the connection fails, every waiting call
// fails with a TransportFailure error, and so does every later call.
//
// The asynchronous handler runs on a single goroutine, so it must not call
// Close on the client that invoked it.
package syncclient
