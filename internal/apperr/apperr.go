// Package apperr defines the error-code taxonomy shared by every handler and
// the ack envelope that carries it back to clients.
package apperr

import "fmt"

type Code string

const (
	InvalidPayload     Code = "INVALID_PAYLOAD"
	Internal           Code = "INTERNAL"
	RateLimited        Code = "RATE_LIMITED"
	NotInRoom          Code = "NOT_IN_ROOM"
	NotAuthorized      Code = "NOT_AUTHORIZED"
	RoomNotFound       Code = "ROOM_NOT_FOUND"
	SeatTaken          Code = "SEAT_TAKEN"
	SeatLocked         Code = "SEAT_LOCKED"
	SeatNotLocked      Code = "SEAT_NOT_LOCKED"
	SeatAlreadyLocked  Code = "SEAT_ALREADY_LOCKED"
	SeatInvalid        Code = "SEAT_INVALID"
	NotSeated          Code = "NOT_SEATED"
	UserNotSeated      Code = "USER_NOT_SEATED"
	CannotInviteSelf   Code = "CANNOT_INVITE_SELF"
	InvitePending      Code = "INVITE_PENDING"
	NoInvite           Code = "NO_INVITE"
	SeatOccupied       Code = "SEAT_OCCUPIED"
	TransportLimit     Code = "TRANSPORT_LIMIT"
	TransportNotFound  Code = "TRANSPORT_NOT_FOUND"
	ConsumerNotFound   Code = "CONSUMER_NOT_FOUND"
	ProducerNotFound   Code = "PRODUCER_NOT_FOUND"
	CannotConsume      Code = "CANNOT_CONSUME"
	CannotGiftSelf     Code = "CANNOT_GIFT_SELF"
	AuthRequired       Code = "AUTH_REQUIRED"
	InvalidCredentials Code = "INVALID_CREDENTIALS"
	AuthFailed         Code = "AUTH_FAILED"
	OriginNotAllowed   Code = "ORIGIN_NOT_ALLOWED"
)

// Error is the error value returned by domain handlers. It carries a stable
// code for the ack envelope plus an optional wrapped cause for logs.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error with no wrapped cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap builds an Error carrying an internal cause, for logging, without
// leaking the cause's text to the client ack.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// CodeOf extracts the ack-facing code for any error, defaulting unrecognized
// errors to Internal so handlers never leak internal error text to clients.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var appErr *Error
	if e, ok := err.(*Error); ok {
		appErr = e
	} else {
		return Internal
	}
	return appErr.Code
}
