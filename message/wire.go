package message

import (
	"errors"

	"github.com/calcgrid/go-libviewcache/identifier"
	"github.com/calcgrid/go-libviewcache/viewcache"
	"google.golang.org/protobuf/encoding/protowire"
)

type field struct {
	num    protowire.Number
	typ    protowire.Type
	varint uint64
	bytes  []byte
}

// forEachField calls fn with every varint and length-delimited field in data.
// Fields of other wire types are skipped.
func forEachField(data []byte, fn func(field) error) error {
	for len(data) != 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]

		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.varint, n = protowire.ConsumeVarint(data)
		case protowire.BytesType:
			f.bytes, n = protowire.ConsumeBytes(data)
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]

		if typ != protowire.VarintType && typ != protowire.BytesType {
			continue
		}
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendSignedField(b []byte, num protowire.Number, v int64) []byte {
	return appendVarintField(b, num, protowire.EncodeZigZag(v))
}

func appendStringField(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// appendIdentifiers writes ids as one packed repeated field.
func appendIdentifiers(b []byte, num protowire.Number, ids []identifier.Identifier) []byte {
	if len(ids) == 0 {
		return b
	}
	var size int
	for _, id := range ids {
		size += protowire.SizeVarint(uint64(id))
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	b = protowire.AppendVarint(b, uint64(size))
	for _, id := range ids {
		b = protowire.AppendVarint(b, uint64(id))
	}
	return b
}

// consumeIdentifiers reads identifiers from either a packed field or a single
// unpacked element, appending them to ids.
func consumeIdentifiers(ids []identifier.Identifier, f field) ([]identifier.Identifier, error) {
	if f.typ == protowire.VarintType {
		return append(ids, identifier.Identifier(f.varint)), nil
	}
	data := f.bytes
	for len(data) != 0 {
		v, n := protowire.ConsumeVarint(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		ids = append(ids, identifier.Identifier(v))
		data = data[n:]
	}
	return ids, nil
}

const (
	keyViewField       protowire.Number = 1
	keyCalcConfigField protowire.Number = 2
	keyTimestampField  protowire.Number = 3
)

func appendKey(b []byte, num protowire.Number, key viewcache.Key) []byte {
	var kb []byte
	kb = appendStringField(kb, keyViewField, key.View)
	kb = appendStringField(kb, keyCalcConfigField, key.CalcConfig)
	kb = appendSignedField(kb, keyTimestampField, key.Timestamp)
	return appendBytesField(b, num, kb)
}

func decodeKey(data []byte) (viewcache.Key, error) {
	var key viewcache.Key
	err := forEachField(data, func(f field) error {
		switch {
		case f.num == keyViewField && f.typ == protowire.BytesType:
			key.View = string(f.bytes)
		case f.num == keyCalcConfigField && f.typ == protowire.BytesType:
			key.CalcConfig = string(f.bytes)
		case f.num == keyTimestampField && f.typ == protowire.VarintType:
			key.Timestamp = protowire.DecodeZigZag(f.varint)
		}
		return nil
	})
	return key, err
}

const (
	entryIDField    protowire.Number = 1
	entryValueField protowire.Number = 2
)

func appendEntries(b []byte, num protowire.Number, values map[identifier.Identifier][]byte) []byte {
	var eb []byte
	for id, value := range values {
		eb = eb[:0]
		eb = appendVarintField(eb, entryIDField, uint64(id))
		eb = appendBytesField(eb, entryValueField, value)
		b = appendBytesField(b, num, eb)
	}
	return b
}

var errMissingIdentifier = errors.New("entry has no identifier")

func decodeEntry(values map[identifier.Identifier][]byte, data []byte) error {
	id := identifier.Invalid
	value := []byte{}
	err := forEachField(data, func(f field) error {
		switch {
		case f.num == entryIDField && f.typ == protowire.VarintType:
			id = identifier.Identifier(f.varint)
		case f.num == entryValueField && f.typ == protowire.BytesType:
			value = append(value[:0], f.bytes...)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if id == identifier.Invalid {
		return errMissingIdentifier
	}
	values[id] = value
	return nil
}
