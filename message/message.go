package message

import (
	"errors"
	"fmt"

	"github.com/calcgrid/go-libviewcache/apierror"
	"google.golang.org/protobuf/encoding/protowire"
)

// Kind discriminates the Body of an Envelope.
type Kind uint8

const (
	KindUnknown Kind = iota
	// KindSlaveChannel announces, on the get channel, that the client sends
	// put traffic on a second connection.
	KindSlaveChannel
	KindGetValueRequest
	KindGetValueResponse
	KindPutValueRequest
	KindPutValueAck
	KindReleaseCachesRequest
	KindReleaseCachesAck
	KindIdentifierLookupRequest
	KindIdentifierLookupResponse
	KindErrorResponse
	// KindCachesReleased is pushed by a server, uncorrelated, after caches
	// were released.
	KindCachesReleased

	kindEnd
)

var kindNames = [...]string{
	KindUnknown:                  "Unknown",
	KindSlaveChannel:             "SlaveChannel",
	KindGetValueRequest:          "GetValueRequest",
	KindGetValueResponse:         "GetValueResponse",
	KindPutValueRequest:          "PutValueRequest",
	KindPutValueAck:              "PutValueAck",
	KindReleaseCachesRequest:     "ReleaseCachesRequest",
	KindReleaseCachesAck:         "ReleaseCachesAck",
	KindIdentifierLookupRequest:  "IdentifierLookupRequest",
	KindIdentifierLookupResponse: "IdentifierLookupResponse",
	KindErrorResponse:            "ErrorResponse",
	KindCachesReleased:           "CachesReleased",
}

func (k Kind) String() string {
	if k >= kindEnd {
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
	return kindNames[k]
}

var (
	ErrUnknownKind = errors.New("unknown message kind")
	ErrNoBody      = errors.New("message has no body")
)

// Body is the kind-specific content of an Envelope. The set of Body types is
// closed: it is the set of types declared in this package.
type Body interface {
	Kind() Kind
	appendTo(b []byte) []byte
	decode(data []byte) error
}

// Envelope frames every message sent over a channel. A CorrelationID of zero
// marks a one-way message, which is never answered.
type Envelope struct {
	CorrelationID int64
	Body          Body
}

func (e Envelope) Kind() Kind {
	if e.Body == nil {
		return KindUnknown
	}
	return e.Body.Kind()
}

const (
	envCorrelationField protowire.Number = 1
	envKindField        protowire.Number = 2
	envBodyField        protowire.Number = 3
)

// Marshal encodes an Envelope.
func Marshal(env Envelope) ([]byte, error) {
	if env.Body == nil {
		return nil, ErrNoBody
	}
	body := env.Body.appendTo(nil)

	b := make([]byte, 0, len(body)+24)
	if env.CorrelationID != 0 {
		b = protowire.AppendTag(b, envCorrelationField, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(env.CorrelationID))
	}
	b = protowire.AppendTag(b, envKindField, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(env.Body.Kind()))
	if len(body) != 0 {
		b = protowire.AppendTag(b, envBodyField, protowire.BytesType)
		b = protowire.AppendBytes(b, body)
	}
	return b, nil
}

// Unmarshal decodes an Envelope. Byte fields of the result do not share
// memory with data.
//
// If the body cannot be decoded, the returned Envelope still holds the
// correlation ID, so that the sender can be told of the failure.
func Unmarshal(data []byte) (Envelope, error) {
	var env Envelope
	var kind Kind
	var body []byte

	err := forEachField(data, func(f field) error {
		switch {
		case f.num == envCorrelationField && f.typ == protowire.VarintType:
			env.CorrelationID = int64(f.varint)
		case f.num == envKindField && f.typ == protowire.VarintType:
			if f.varint >= uint64(kindEnd) {
				return fmt.Errorf("%w: %d", ErrUnknownKind, f.varint)
			}
			kind = Kind(f.varint)
		case f.num == envBodyField && f.typ == protowire.BytesType:
			body = f.bytes
		}
		return nil
	})
	if err != nil {
		return env, decodeError(err)
	}

	b := newBody(kind)
	if b == nil {
		return env, decodeError(fmt.Errorf("%w: %s", ErrUnknownKind, kind))
	}
	if err = b.decode(body); err != nil {
		return env, decodeError(fmt.Errorf("cannot decode %s: %w", kind, err))
	}
	env.Body = b
	return env, nil
}

func decodeError(err error) error {
	return apierror.New(err, apierror.InvalidArgument)
}

func newBody(kind Kind) Body {
	switch kind {
	case KindSlaveChannel:
		return &SlaveChannel{}
	case KindGetValueRequest:
		return &GetValueRequest{}
	case KindGetValueResponse:
		return &GetValueResponse{}
	case KindPutValueRequest:
		return &PutValueRequest{}
	case KindPutValueAck:
		return &PutValueAck{}
	case KindReleaseCachesRequest:
		return &ReleaseCachesRequest{}
	case KindReleaseCachesAck:
		return &ReleaseCachesAck{}
	case KindIdentifierLookupRequest:
		return &IdentifierLookupRequest{}
	case KindIdentifierLookupResponse:
		return &IdentifierLookupResponse{}
	case KindErrorResponse:
		return &ErrorResponse{}
	case KindCachesReleased:
		return &CachesReleased{}
	}
	return nil
}

// Codec encodes Envelopes for a syncclient.Client.
type Codec struct{}

func (Codec) Marshal(env Envelope) ([]byte, error) {
	return Marshal(env)
}

func (Codec) Unmarshal(data []byte) (Envelope, error) {
	return Unmarshal(data)
}

func (Codec) CorrelationID(env Envelope) int64 {
	return env.CorrelationID
}

func (Codec) SetCorrelationID(env Envelope, id int64) Envelope {
	env.CorrelationID = id
	return env
}

// Expect returns a response check that accepts only responses of the given
// kind. An ErrorResponse is turned into the error it carries, and any other
// kind is a ResponseMismatch.
func Expect(kind Kind) func(Envelope) error {
	return func(env Envelope) error {
		got := env.Kind()
		if got == kind {
			return nil
		}
		if errRsp, ok := env.Body.(*ErrorResponse); ok {
			if err := errRsp.Err(); err != nil {
				return err
			}
			return apierror.New(errors.New("remote error without message"), apierror.Internal)
		}
		return apierror.New(fmt.Errorf("response kind is %s, expected %s", got, kind), apierror.ResponseMismatch)
	}
}
