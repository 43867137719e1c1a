package identifier

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/calcgrid/go-libviewcache/apierror"
	"github.com/multiformats/go-varint"
)

// Identifier is the interned integer that stands in for a Specification in
// caches and on the wire.
type Identifier int64

// Invalid is never assigned to a Specification.
const Invalid Identifier = 0

// Target identifies what a value was computed for, such as a position,
// security, or portfolio node.
type Target struct {
	Type string
	ID   string
}

func (t Target) String() string {
	return t.Type + "~" + t.ID
}

// Specification describes what was computed: a named value, on a target,
// with a set of properties. A Specification is immutable and every field is
// held as a string, so Specifications compare with == and can be map keys.
type Specification struct {
	valueName string
	target    Target
	// properties is the canonical encoding of the property set.
	properties string
}

var (
	ErrInvalidSpecification = apierror.New(errors.New("invalid value specification"), apierror.InvalidArgument)

	errTruncated = errors.New("truncated data")
)

// NewSpecification creates a Specification. Property names and values are
// sorted and duplicate values dropped, so equal property sets always produce
// equal Specifications.
func NewSpecification(valueName string, target Target, properties map[string][]string) Specification {
	return Specification{
		valueName:  valueName,
		target:     target,
		properties: encodeProperties(properties),
	}
}

func (s Specification) ValueName() string {
	return s.valueName
}

func (s Specification) Target() Target {
	return s.target
}

// Properties returns a new copy of the property set.
func (s Specification) Properties() map[string][]string {
	if s.properties == "" {
		return map[string][]string{}
	}
	props, _, err := decodeProperties([]byte(s.properties))
	if err != nil {
		// The encoding is only ever produced by encodeProperties or validated
		// by ParseSpecification.
		panic(fmt.Sprintf("corrupt property encoding: %s", err))
	}
	return props
}

// IsValid returns false for the zero Specification or one without a value
// name.
func (s Specification) IsValid() bool {
	return s.valueName != ""
}

func (s Specification) String() string {
	var b strings.Builder
	b.WriteString(s.valueName)
	b.WriteString("@")
	b.WriteString(s.target.String())
	props := s.Properties()
	if len(props) == 0 {
		return b.String()
	}
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)
	b.WriteString("{")
	for i, name := range names {
		if i != 0 {
			b.WriteString(",")
		}
		b.WriteString(name)
		b.WriteString("=[")
		b.WriteString(strings.Join(props[name], ","))
		b.WriteString("]")
	}
	b.WriteString("}")
	return b.String()
}

// Bytes returns the canonical binary encoding of the Specification. Equal
// Specifications have equal encodings.
func (s Specification) Bytes() []byte {
	size := stringSize(s.valueName) + stringSize(s.target.Type) + stringSize(s.target.ID) + len(s.properties)
	buf := make([]byte, 0, size)
	buf = appendString(buf, s.valueName)
	buf = appendString(buf, s.target.Type)
	buf = appendString(buf, s.target.ID)
	return append(buf, s.properties...)
}

// ParseSpecification decodes the encoding produced by Bytes.
func ParseSpecification(data []byte) (Specification, error) {
	var spec Specification
	var err error

	spec.valueName, data, err = readString(data)
	if err != nil {
		return Specification{}, parseError(err)
	}
	spec.target.Type, data, err = readString(data)
	if err != nil {
		return Specification{}, parseError(err)
	}
	spec.target.ID, data, err = readString(data)
	if err != nil {
		return Specification{}, parseError(err)
	}

	props, rest, err := decodeProperties(data)
	if err != nil {
		return Specification{}, parseError(err)
	}
	if len(rest) != 0 {
		return Specification{}, parseError(fmt.Errorf("%d trailing bytes", len(rest)))
	}
	// Re-encode so that a non-canonical input still yields the canonical form.
	spec.properties = encodeProperties(props)

	if !spec.IsValid() {
		return Specification{}, ErrInvalidSpecification
	}
	return spec, nil
}

func parseError(err error) error {
	return apierror.New(fmt.Errorf("cannot decode value specification: %w", err), apierror.InvalidArgument)
}

func encodeProperties(properties map[string][]string) string {
	names := make([]string, 0, len(properties))
	for name := range properties {
		names = append(names, name)
	}
	sort.Strings(names)

	buf := varint.ToUvarint(uint64(len(names)))
	for _, name := range names {
		values := canonicalValues(properties[name])
		buf = appendString(buf, name)
		buf = append(buf, varint.ToUvarint(uint64(len(values)))...)
		for _, v := range values {
			buf = appendString(buf, v)
		}
	}
	return string(buf)
}

func decodeProperties(data []byte) (map[string][]string, []byte, error) {
	count, n, err := varint.FromUvarint(data)
	if err != nil {
		return nil, nil, err
	}
	data = data[n:]
	// Every property takes at least two bytes and every value at least one,
	// so a count larger than the remaining data is malformed.
	if count > uint64(len(data)) {
		return nil, nil, errTruncated
	}

	props := make(map[string][]string, count)
	for i := uint64(0); i < count; i++ {
		var name string
		name, data, err = readString(data)
		if err != nil {
			return nil, nil, err
		}
		nvals, n, err := varint.FromUvarint(data)
		if err != nil {
			return nil, nil, err
		}
		data = data[n:]
		if nvals > uint64(len(data)) {
			return nil, nil, errTruncated
		}
		values := make([]string, 0, nvals)
		for j := uint64(0); j < nvals; j++ {
			var v string
			v, data, err = readString(data)
			if err != nil {
				return nil, nil, err
			}
			values = append(values, v)
		}
		props[name] = values
	}
	return props, data, nil
}

// canonicalValues returns a sorted copy of values without duplicates.
func canonicalValues(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, len(values))
	copy(out, values)
	sort.Strings(out)
	j := 1
	for i := 1; i < len(out); i++ {
		if out[i] != out[j-1] {
			out[j] = out[i]
			j++
		}
	}
	return out[:j]
}

func appendString(buf []byte, s string) []byte {
	buf = append(buf, varint.ToUvarint(uint64(len(s)))...)
	return append(buf, s...)
}

func stringSize(s string) int {
	return varint.UvarintSize(uint64(len(s))) + len(s)
}

func readString(data []byte) (string, []byte, error) {
	size, n, err := varint.FromUvarint(data)
	if err != nil {
		return "", nil, err
	}
	data = data[n:]
	if uint64(len(data)) < size {
		return "", nil, errTruncated
	}
	return string(data[:size]), data[size:], nil
}
