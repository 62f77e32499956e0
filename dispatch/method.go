package dispatch

import (
	"github.com/israelio/amqp-dispatch/internal/protocol"
)

// MethodType identifies a protocol method by its class and method ids.
type MethodType struct {
	ClassID  uint16
	MethodID uint16
}

func (t MethodType) String() string {
	return protocol.MethodName(t.ClassID, t.MethodID)
}

// HasContent reports whether methods of this type carry a content body.
func (t MethodType) HasContent() bool {
	return protocol.HasContent(t.ClassID, t.MethodID)
}

// Method types used by the dispatcher and its default handlers.
var (
	ConnectionClose     = MethodType{protocol.ClassConnection, protocol.MethodConnectionClose}
	ConnectionCloseOk   = MethodType{protocol.ClassConnection, protocol.MethodConnectionCloseOk}
	ConnectionBlocked   = MethodType{protocol.ClassConnection, protocol.MethodConnectionBlocked}
	ConnectionUnblocked = MethodType{protocol.ClassConnection, protocol.MethodConnectionUnblocked}

	ChannelOpen    = MethodType{protocol.ClassChannel, protocol.MethodChannelOpen}
	ChannelOpenOk  = MethodType{protocol.ClassChannel, protocol.MethodChannelOpenOk}
	ChannelFlow    = MethodType{protocol.ClassChannel, protocol.MethodChannelFlow}
	ChannelFlowOk  = MethodType{protocol.ClassChannel, protocol.MethodChannelFlowOk}
	ChannelClose   = MethodType{protocol.ClassChannel, protocol.MethodChannelClose}
	ChannelCloseOk = MethodType{protocol.ClassChannel, protocol.MethodChannelCloseOk}

	QueueDeclare   = MethodType{protocol.ClassQueue, protocol.MethodQueueDeclare}
	QueueDeclareOk = MethodType{protocol.ClassQueue, protocol.MethodQueueDeclareOk}

	BasicQos       = MethodType{protocol.ClassBasic, protocol.MethodBasicQos}
	BasicQosOk     = MethodType{protocol.ClassBasic, protocol.MethodBasicQosOk}
	BasicConsume   = MethodType{protocol.ClassBasic, protocol.MethodBasicConsume}
	BasicConsumeOk = MethodType{protocol.ClassBasic, protocol.MethodBasicConsumeOk}
	BasicCancel    = MethodType{protocol.ClassBasic, protocol.MethodBasicCancel}
	BasicCancelOk  = MethodType{protocol.ClassBasic, protocol.MethodBasicCancelOk}
	BasicPublish   = MethodType{protocol.ClassBasic, protocol.MethodBasicPublish}
	BasicReturn    = MethodType{protocol.ClassBasic, protocol.MethodBasicReturn}
	BasicDeliver   = MethodType{protocol.ClassBasic, protocol.MethodBasicDeliver}
	BasicGetOk     = MethodType{protocol.ClassBasic, protocol.MethodBasicGetOk}
	BasicAck       = MethodType{protocol.ClassBasic, protocol.MethodBasicAck}
	BasicNack      = MethodType{protocol.ClassBasic, protocol.MethodBasicNack}
)

// Method is one protocol message. Args holds the encoded method arguments,
// which the dispatcher never interprets. Content is set only for methods
// that carry a body.
//
// A Method is treated as immutable once built. The one exception is the
// channel number: a zero ChannelID is filled in by Channel.Send.
type Method struct {
	ChannelID uint16
	Type      MethodType
	Args      []byte
	Content   *Content
}

// NewMethod builds an unaddressed method.
func NewMethod(t MethodType, args []byte) Method {
	return Method{Type: t, Args: args}
}

// TypeSet is a set of method types. The nil set is the wildcard and
// matches every type.
type TypeSet map[MethodType]struct{}

// AnyType matches every method type.
var AnyType TypeSet

// Types builds a set from the given types. With no arguments it returns an
// empty set, which matches nothing; use AnyType for the wildcard.
func Types(types ...MethodType) TypeSet {
	s := make(TypeSet, len(types))
	for _, t := range types {
		s[t] = struct{}{}
	}
	return s
}

// Contains reports whether t is in the set.
func (s TypeSet) Contains(t MethodType) bool {
	if s == nil {
		return true
	}
	_, ok := s[t]
	return ok
}

// IsAny reports whether the set is the wildcard.
func (s TypeSet) IsAny() bool { return s == nil }

// with returns a copy of s extended with types. The wildcard stays the wildcard.
func (s TypeSet) with(types ...MethodType) TypeSet {
	if s == nil {
		return nil
	}
	out := make(TypeSet, len(s)+len(types))
	for t := range s {
		out[t] = struct{}{}
	}
	for _, t := range types {
		out[t] = struct{}{}
	}
	return out
}
