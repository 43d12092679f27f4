// Package attributes models the typed name/value pairs carried next to a
// message body on the wire.
package attributes

import (
	"strings"
	"unicode/utf8"
)

// Data types understood by the queue and topic services.
const (
	DataTypeString = "String"
	DataTypeNumber = "Number"
	DataTypeBinary = "Binary"
)

// Reserved attribute keys.
const (
	KeyContentEncoding = "Content-Encoding"
	KeySubject         = "Subject"
)

// AttributeValue is one attribute as it travels on the wire.
type AttributeValue struct {
	DataType    string
	StringValue string
	BinaryValue []byte
}

// String returns a String attribute.
func String(v string) AttributeValue {
	return AttributeValue{DataType: DataTypeString, StringValue: v}
}

// Binary returns a Binary attribute.
func Binary(v []byte) AttributeValue {
	return AttributeValue{DataType: DataTypeBinary, BinaryValue: v}
}

// IsBinary reports whether the value is carried as bytes. Custom type
// suffixes such as "Binary.gzip" count as binary.
func (v AttributeValue) IsBinary() bool {
	return strings.HasPrefix(v.DataType, DataTypeBinary)
}

// MessageAttributes maps attribute names to values.
type MessageAttributes map[string]AttributeValue

func (m MessageAttributes) cloneWithExtra(extra int) MessageAttributes {
	cloned := make(MessageAttributes, len(m)+extra)
	for k, v := range m {
		cloned[k] = v
	}
	return cloned
}

// Clone returns a shallow copy. Binary slices are shared.
func (m MessageAttributes) Clone() MessageAttributes {
	return m.cloneWithExtra(0)
}

// With returns a copy containing the provided pair.
func (m MessageAttributes) With(key string, value AttributeValue) MessageAttributes {
	cloned := m.cloneWithExtra(1)
	cloned[key] = value
	return cloned
}

// WithAll returns a copy that also contains every entry of other.
func (m MessageAttributes) WithAll(other MessageAttributes) MessageAttributes {
	cloned := m.cloneWithExtra(len(other))
	for k, v := range other {
		cloned[k] = v
	}
	return cloned
}

// Get looks up an attribute.
func (m MessageAttributes) Get(key string) (AttributeValue, bool) {
	v, ok := m[key]
	return v, ok
}

// GetString returns the string value of key, or "" when it is missing or binary.
func (m MessageAttributes) GetString(key string) string {
	v, ok := m[key]
	if !ok || v.IsBinary() {
		return ""
	}
	return v.StringValue
}

// Size is the number of bytes the attributes add to a message: each key, its
// data type and its value.
func (m MessageAttributes) Size() int {
	size := 0
	for k, v := range m {
		size += utf8RuneBytes(k) + utf8RuneBytes(v.DataType) + utf8RuneBytes(v.StringValue) + len(v.BinaryValue)
	}
	return size
}

// New builds String attributes from alternating key/value pairs.
func New(pairs ...string) MessageAttributes {
	attrs := make(MessageAttributes, len(pairs)/2)
	for i := 0; i < len(pairs)-1; i += 2 {
		attrs[pairs[i]] = String(pairs[i+1])
	}
	return attrs
}

// Go strings are already UTF-8, so len is the encoded size unless the string
// holds invalid sequences, which are replaced by U+FFFD when encoded.
func utf8RuneBytes(s string) int {
	if utf8.ValidString(s) {
		return len(s)
	}
	n := 0
	for _, r := range s {
		n += utf8.RuneLen(r)
	}
	return n
}
