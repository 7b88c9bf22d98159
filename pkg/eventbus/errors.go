package eventbus

import (
	"strconv"

	"github.com/chris-alexander-pop/go-eventbus/pkg/errors"
)

// Error codes raised by the registration store, freeze validation, and the
// shared dispatch pipeline.
const (
	CodeUnknownEvent        = "EVENTBUS_UNKNOWN_EVENT"
	CodeDuplicateEventName  = "EVENTBUS_DUPLICATE_EVENT_NAME"
	CodeDuplicateConsumer   = "EVENTBUS_DUPLICATE_CONSUMER_NAME"
	CodeInvalidSerializer   = "EVENTBUS_INVALID_SERIALIZER"
	CodeNoTransport         = "EVENTBUS_NO_TRANSPORT"
	CodeNotSupported        = "EVENTBUS_NOT_SUPPORTED"
	CodeNameTooLong         = "EVENTBUS_NAME_TOO_LONG"
	CodeAlreadyFrozen       = "EVENTBUS_ALREADY_FROZEN"
	CodeNotFrozen           = "EVENTBUS_NOT_FROZEN"
)

// ErrUnknownEvent is returned by GetByEventType when no registration exists
// for the given event type.
func ErrUnknownEvent(eventType string) *errors.AppError {
	return errors.New(CodeUnknownEvent, "no registration for event type: "+eventType, nil)
}

// ErrDuplicateEventName is returned by Freeze when two registrations on the
// same transport derive the same event name.
func ErrDuplicateEventName(name, transport string) *errors.AppError {
	return errors.New(CodeDuplicateEventName, "duplicate event name \""+name+"\" on transport \""+transport+"\"", nil)
}

// ErrDuplicateConsumerName is returned by Freeze when two consumers under
// the same event share a derived consumer name.
func ErrDuplicateConsumerName(name, event string) *errors.AppError {
	return errors.New(CodeDuplicateConsumer, "duplicate consumer name \""+name+"\" under event \""+event+"\"", nil)
}

// ErrInvalidSerializer is returned by Freeze when a registration's declared
// serializer type does not implement the Serializer contract.
func ErrInvalidSerializer(eventName string) *errors.AppError {
	return errors.New(CodeInvalidSerializer, "serializer for event \""+eventName+"\" does not implement the serializer contract", nil)
}

// ErrNoTransport is returned by Freeze when a registration names a
// transport that was never registered with the bus.
func ErrNoTransport(transport string) *errors.AppError {
	return errors.New(CodeNoTransport, "unknown transport: "+transport, nil)
}

// ErrNotSupported is returned when a transport does not support an
// operation (e.g. Cancel on a transport without scheduled-cancel support).
func ErrNotSupported(op, transport string) *errors.AppError {
	return errors.New(CodeNotSupported, op+" is not supported by transport \""+transport+"\"", nil)
}

// ErrNameTooLong is returned at Freeze when a derived name exceeds a
// transport's entity-naming ceiling (e.g. Service Bus's 50 characters).
func ErrNameTooLong(kind, name string, limit int) *errors.AppError {
	return errors.New(CodeNameTooLong, kind+" name \""+name+"\" exceeds the "+strconv.Itoa(limit)+"-character limit", nil)
}
