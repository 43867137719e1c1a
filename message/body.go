package message

import (
	"bytes"

	"github.com/calcgrid/go-libviewcache/apierror"
	"github.com/calcgrid/go-libviewcache/identifier"
	"github.com/calcgrid/go-libviewcache/viewcache"
	"google.golang.org/protobuf/encoding/protowire"
)

// SlaveChannel has no content.
type SlaveChannel struct{}

func (*SlaveChannel) Kind() Kind               { return KindSlaveChannel }
func (*SlaveChannel) appendTo(b []byte) []byte { return b }
func (*SlaveChannel) decode([]byte) error      { return nil }

// GetValueRequest asks for the values of Identifiers in the cache for Key.
type GetValueRequest struct {
	Key         viewcache.Key
	Identifiers []identifier.Identifier
}

func (*GetValueRequest) Kind() Kind { return KindGetValueRequest }

func (m *GetValueRequest) appendTo(b []byte) []byte {
	b = appendKey(b, 1, m.Key)
	return appendIdentifiers(b, 2, m.Identifiers)
}

func (m *GetValueRequest) decode(data []byte) error {
	return forEachField(data, func(f field) error {
		var err error
		switch f.num {
		case 1:
			m.Key, err = decodeKey(f.bytes)
		case 2:
			m.Identifiers, err = consumeIdentifiers(m.Identifiers, f)
		}
		return err
	})
}

// GetValueResponse holds the values found. Identifiers without a value are
// absent.
type GetValueResponse struct {
	Values map[identifier.Identifier][]byte
}

func (*GetValueResponse) Kind() Kind { return KindGetValueResponse }

func (m *GetValueResponse) appendTo(b []byte) []byte {
	return appendEntries(b, 1, m.Values)
}

func (m *GetValueResponse) decode(data []byte) error {
	m.Values = make(map[identifier.Identifier][]byte)
	return forEachField(data, func(f field) error {
		if f.num == 1 && f.typ == protowire.BytesType {
			return decodeEntry(m.Values, f.bytes)
		}
		return nil
	})
}

// PutValueRequest stores Values in the cache for Key.
type PutValueRequest struct {
	Key    viewcache.Key
	Values map[identifier.Identifier][]byte
}

func (*PutValueRequest) Kind() Kind { return KindPutValueRequest }

func (m *PutValueRequest) appendTo(b []byte) []byte {
	b = appendKey(b, 1, m.Key)
	return appendEntries(b, 2, m.Values)
}

func (m *PutValueRequest) decode(data []byte) error {
	m.Values = make(map[identifier.Identifier][]byte)
	return forEachField(data, func(f field) error {
		if f.typ != protowire.BytesType {
			return nil
		}
		var err error
		switch f.num {
		case 1:
			m.Key, err = decodeKey(f.bytes)
		case 2:
			err = decodeEntry(m.Values, f.bytes)
		}
		return err
	})
}

// PutValueAck acknowledges a PutValueRequest.
type PutValueAck struct{}

func (*PutValueAck) Kind() Kind               { return KindPutValueAck }
func (*PutValueAck) appendTo(b []byte) []byte { return b }
func (*PutValueAck) decode([]byte) error      { return nil }

// ReleaseCachesRequest releases all caches of View at Timestamp.
type ReleaseCachesRequest struct {
	View      string
	Timestamp int64
}

func (*ReleaseCachesRequest) Kind() Kind { return KindReleaseCachesRequest }

func (m *ReleaseCachesRequest) appendTo(b []byte) []byte {
	b = appendStringField(b, 1, m.View)
	return appendSignedField(b, 2, m.Timestamp)
}

func (m *ReleaseCachesRequest) decode(data []byte) error {
	return decodeViewTimestamp(data, &m.View, &m.Timestamp)
}

// ReleaseCachesAck acknowledges a ReleaseCachesRequest with the number of
// caches released.
type ReleaseCachesAck struct {
	Released int64
}

func (*ReleaseCachesAck) Kind() Kind { return KindReleaseCachesAck }

func (m *ReleaseCachesAck) appendTo(b []byte) []byte {
	return appendVarintField(b, 1, uint64(m.Released))
}

func (m *ReleaseCachesAck) decode(data []byte) error {
	return forEachField(data, func(f field) error {
		if f.num == 1 && f.typ == protowire.VarintType {
			m.Released = int64(f.varint)
		}
		return nil
	})
}

// IdentifierLookupRequest asks for the Identifiers of Specifications.
type IdentifierLookupRequest struct {
	Specifications []identifier.Specification
}

func (*IdentifierLookupRequest) Kind() Kind { return KindIdentifierLookupRequest }

func (m *IdentifierLookupRequest) appendTo(b []byte) []byte {
	for _, spec := range m.Specifications {
		b = appendBytesField(b, 1, spec.Bytes())
	}
	return b
}

func (m *IdentifierLookupRequest) decode(data []byte) error {
	return forEachField(data, func(f field) error {
		if f.num != 1 || f.typ != protowire.BytesType {
			return nil
		}
		spec, err := identifier.ParseSpecification(f.bytes)
		if err != nil {
			return err
		}
		m.Specifications = append(m.Specifications, spec)
		return nil
	})
}

// IdentifierLookupResponse holds one Identifier for each Specification of
// the request, in the same order.
type IdentifierLookupResponse struct {
	Identifiers []identifier.Identifier
}

func (*IdentifierLookupResponse) Kind() Kind { return KindIdentifierLookupResponse }

func (m *IdentifierLookupResponse) appendTo(b []byte) []byte {
	return appendIdentifiers(b, 1, m.Identifiers)
}

func (m *IdentifierLookupResponse) decode(data []byte) error {
	return forEachField(data, func(f field) error {
		var err error
		if f.num == 1 {
			m.Identifiers, err = consumeIdentifiers(m.Identifiers, f)
		}
		return err
	})
}

// ErrorResponse answers a request that failed. Data is an encoded
// apierror.
type ErrorResponse struct {
	Data []byte
}

func NewErrorResponse(err error) *ErrorResponse {
	return &ErrorResponse{
		Data: apierror.EncodeError(err),
	}
}

// Err returns the error carried by the response.
func (m *ErrorResponse) Err() error {
	return apierror.DecodeError(m.Data)
}

func (*ErrorResponse) Kind() Kind { return KindErrorResponse }

func (m *ErrorResponse) appendTo(b []byte) []byte {
	if len(m.Data) == 0 {
		return b
	}
	return appendBytesField(b, 1, m.Data)
}

func (m *ErrorResponse) decode(data []byte) error {
	return forEachField(data, func(f field) error {
		if f.num == 1 && f.typ == protowire.BytesType {
			m.Data = bytes.Clone(f.bytes)
		}
		return nil
	})
}

// CachesReleased notifies that the caches of View at Timestamp were
// released.
type CachesReleased struct {
	View      string
	Timestamp int64
}

func (*CachesReleased) Kind() Kind { return KindCachesReleased }

func (m *CachesReleased) appendTo(b []byte) []byte {
	b = appendStringField(b, 1, m.View)
	return appendSignedField(b, 2, m.Timestamp)
}

func (m *CachesReleased) decode(data []byte) error {
	return decodeViewTimestamp(data, &m.View, &m.Timestamp)
}

func decodeViewTimestamp(data []byte, view *string, timestamp *int64) error {
	return forEachField(data, func(f field) error {
		switch {
		case f.num == 1 && f.typ == protowire.BytesType:
			*view = string(f.bytes)
		case f.num == 2 && f.typ == protowire.VarintType:
			*timestamp = protowire.DecodeZigZag(f.varint)
		}
		return nil
	})
}
