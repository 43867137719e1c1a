// Package message defines the messages exchanged between remote cache
// clients and servers, and their binary encoding.
//
// Every message is an Envelope holding a correlation ID and a Body. The Body
// types form a closed set discriminated by Kind; a frame naming any other
// kind is rejected when decoded. Envelopes and bodies are encoded in the
// protobuf wire format, written and read field by field without reflection,
// so that unknown fields added by newer peers are skipped.
package message
