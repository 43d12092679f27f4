package messages

import (
	"fmt"
	"reflect"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/drblury/flowbus/internal/runtime/jsoncodec"
)

// Serializer turns one message type into body text and back. Deserialize
// returns a pointer to a fresh value.
type Serializer interface {
	Serialize(msg Message) (string, error)
	Deserialize(body string) (Message, error)
}

// JSONSerializer encodes T with the shared JSON codec. Deserialize returns *T.
type JSONSerializer[T any] struct{}

// NewJSONSerializer returns a JSON serializer for T.
func NewJSONSerializer[T any]() JSONSerializer[T] {
	return JSONSerializer[T]{}
}

func (JSONSerializer[T]) Serialize(msg Message) (string, error) {
	switch msg.(type) {
	case *T, T:
	default:
		return "", fmt.Errorf("json serializer for %s cannot serialize %T", reflect.TypeFor[T](), msg)
	}
	return jsoncodec.MarshalString(msg)
}

func (JSONSerializer[T]) Deserialize(body string) (Message, error) {
	out := new(T)
	if err := jsoncodec.UnmarshalString(body, out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal JSON payload: %w", err)
	}
	return out, nil
}

// ProtoSerializer encodes protobuf messages as protojson so they travel in
// the same JSON bodies as every other message. P is the pointer type of a
// generated message, e.g. *orderspb.OrderPlaced.
type ProtoSerializer[P proto.Message] struct {
	marshal   protojson.MarshalOptions
	unmarshal protojson.UnmarshalOptions
}

// NewProtoSerializer returns a serializer that ignores unknown fields on
// receive so producers can add fields first.
func NewProtoSerializer[P proto.Message]() ProtoSerializer[P] {
	return ProtoSerializer[P]{
		unmarshal: protojson.UnmarshalOptions{DiscardUnknown: true},
	}
}

func (s ProtoSerializer[P]) Serialize(msg Message) (string, error) {
	typed, ok := msg.(P)
	if !ok {
		return "", fmt.Errorf("proto serializer for %s cannot serialize %T", reflect.TypeFor[P](), msg)
	}
	data, err := s.marshal.Marshal(typed)
	if err != nil {
		return "", fmt.Errorf("failed to marshal proto payload: %w", err)
	}
	return string(data), nil
}

func (s ProtoSerializer[P]) Deserialize(body string) (Message, error) {
	var zero P
	out := zero.ProtoReflect().New().Interface()
	if err := s.unmarshal.Unmarshal([]byte(body), out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal proto payload: %w", err)
	}
	return out.(P), nil
}
