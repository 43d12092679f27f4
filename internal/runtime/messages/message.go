// Package messages describes domain messages and how they are serialized
// into message bodies.
package messages

import (
	"reflect"
	"time"

	"github.com/drblury/flowbus/internal/runtime/ids"
)

// Message is any domain message value. Types that embed BaseMessage get an id
// and timestamp stamped when published.
type Message = any

// BaseMessage carries the identity shared by domain messages. Embed it in
// message structs.
type BaseMessage struct {
	Id               string    `json:"Id"`
	TimeStamp        time.Time `json:"TimeStamp"`
	RaisingComponent string    `json:"RaisingComponent,omitempty"`
	Conversation     string    `json:"Conversation,omitempty"`
	Tenant           string    `json:"Tenant,omitempty"`
}

// Base returns the receiver. It lets code reach the embedded BaseMessage of
// any message type through the Based interface.
func (b *BaseMessage) Base() *BaseMessage { return b }

// Based is implemented by pointers to types embedding BaseMessage.
type Based interface {
	Base() *BaseMessage
}

// Subjecter overrides the subject a message type is routed by.
type Subjecter interface {
	MessageSubject() string
}

// Stamp fills in an empty Id, TimeStamp and RaisingComponent. It returns
// the message id, or "" when msg does not embed BaseMessage.
func Stamp(msg Message, now time.Time, component string) string {
	based, ok := msg.(Based)
	if !ok {
		return ""
	}
	b := based.Base()
	if b.Id == "" {
		b.Id = ids.NewMessageID()
	}
	if b.TimeStamp.IsZero() {
		b.TimeStamp = now.UTC()
	}
	if b.RaisingComponent == "" {
		b.RaisingComponent = component
	}
	return b.Id
}

// SubjectFor returns the subject messages of type T are routed by: the
// MessageSubject of a T or *T when defined, else the unqualified type name.
// It is meant to be called once, at registration time.
func SubjectFor[T any]() string {
	return subjectOfType(reflect.TypeFor[T]())
}

// SubjectOf returns the subject of a message value.
func SubjectOf(msg Message) string {
	if msg == nil {
		return ""
	}
	if s, ok := msg.(Subjecter); ok {
		return s.MessageSubject()
	}
	return subjectOfType(reflect.TypeOf(msg))
}

func subjectOfType(typ reflect.Type) string {
	if typ == nil {
		return ""
	}
	for typ.Kind() == reflect.Pointer {
		typ = typ.Elem()
	}
	// A fresh *T has both pointer and value receiver methods.
	if s, ok := reflect.New(typ).Interface().(Subjecter); ok {
		return s.MessageSubject()
	}
	return typ.Name()
}
