// Package apperr collapses the ad-hoc string error codes of the original dispatch
// engine into a closed vocabulary.
package apperr

import "net/http"

// Code is one entry from the closed error vocabulary.
type Code string

const (
	ValidationError    Code = "VALIDATION_ERROR"
	InvalidRequestID   Code = "INVALID_REQUEST_ID"
	InvalidDriverID    Code = "INVALID_DRIVER_ID"
	InvalidUserID      Code = "INVALID_USER_ID"
	InvalidBidID       Code = "INVALID_BID_ID"
	RequestNotFound    Code = "REQUEST_NOT_FOUND"
	DriverNotFound     Code = "DRIVER_NOT_FOUND"
	UserNotFound       Code = "USER_NOT_FOUND"
	BidNotFound        Code = "BID_NOT_FOUND"
	BiddingClosed      Code = "BIDDING_CLOSED"
	RequestNotBiddable Code = "REQUEST_NOT_BIDDABLE"
	DriverNotOnline    Code = "DRIVER_NOT_ONLINE"
	DriverNotAvailable Code = "DRIVER_NOT_AVAILABLE"
	DriverBusy         Code = "DRIVER_BUSY"
	DriverOffline      Code = "DRIVER_OFFLINE"
	BidAlreadyExists   Code = "BID_ALREADY_EXISTS"
	InvalidBidAmount   Code = "INVALID_BID_AMOUNT"
	Unauthorized       Code = "UNAUTHORIZED"
	DuplicateResource  Code = "DUPLICATE_RESOURCE"
	PhoneExists        Code = "PHONE_EXISTS"
	EmailExists        Code = "EMAIL_EXISTS"
	InvalidStatus      Code = "INVALID_STATUS"
	InvalidCoordinates Code = "INVALID_COORDINATES"
	InternalError      Code = "INTERNAL_ERROR"
	DeadlineExceeded   Code = "DEADLINE_EXCEEDED"
	SlowConsumer       Code = "SLOW_CONSUMER"
)

// httpStatus maps a code to the REST transport status.
var httpStatus = map[Code]int{
	ValidationError:    http.StatusBadRequest,
	InvalidRequestID:   http.StatusBadRequest,
	InvalidDriverID:    http.StatusBadRequest,
	InvalidUserID:      http.StatusBadRequest,
	InvalidBidID:       http.StatusBadRequest,
	InvalidCoordinates: http.StatusBadRequest,
	InvalidBidAmount:   http.StatusBadRequest,
	InvalidStatus:      http.StatusBadRequest,
	RequestNotFound:    http.StatusNotFound,
	DriverNotFound:     http.StatusNotFound,
	UserNotFound:       http.StatusNotFound,
	BidNotFound:        http.StatusNotFound,
	BiddingClosed:      http.StatusConflict,
	RequestNotBiddable: http.StatusConflict,
	DriverNotOnline:    http.StatusConflict,
	DriverNotAvailable: http.StatusConflict,
	DriverBusy:         http.StatusConflict,
	DriverOffline:      http.StatusConflict,
	BidAlreadyExists:   http.StatusConflict,
	Unauthorized:       http.StatusUnauthorized,
	DuplicateResource:  http.StatusConflict,
	PhoneExists:        http.StatusConflict,
	EmailExists:        http.StatusConflict,
	InternalError:      http.StatusInternalServerError,
	DeadlineExceeded:   http.StatusGatewayTimeout,
	SlowConsumer:       http.StatusRequestTimeout,
}

// Error is the single error type carried across the engine, the WebSocket
// error envelope, and the REST error envelope.
type Error struct {
	Code       Code              `json:"code"`
	Message    string            `json:"message"`
	Details    map[string]string `json:"details,omitempty"`
	HTTPStatus int               `json:"-"`
	Err        error             `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error for code with message, looking up its transport status.
func New(code Code, message string) *Error {
	status, ok := httpStatus[code]
	if !ok {
		status = http.StatusInternalServerError
	}
	return &Error{Code: code, Message: message, HTTPStatus: status}
}

// Wrap builds an Error for code wrapping an underlying cause.
func Wrap(code Code, message string, err error) *Error {
	e := New(code, message)
	e.Err = err
	return e
}

// WithDetails attaches field-level validation detail and returns the receiver.
func (e *Error) WithDetails(details map[string]string) *Error {
	e.Details = details
	return e
}

// As reports whether err is (or wraps) an *Error, populating target.
func As(err error, target **Error) bool {
	for err != nil {
		if ae, ok := err.(*Error); ok {
			*target = ae
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// Convenience constructors for the vocabulary entries used throughout the engine.

func Validation(details map[string]string) *Error {
	return New(ValidationError, "one or more fields are invalid").WithDetails(details)
}

func RequestNotFoundErr(id string) *Error {
	return New(RequestNotFound, "ride request "+id+" not found")
}

func DriverNotFoundErr(id string) *Error {
	return New(DriverNotFound, "driver "+id+" not found")
}

func UserNotFoundErr(id string) *Error {
	return New(UserNotFound, "user "+id+" not found")
}

func BidNotFoundErr(id string) *Error {
	return New(BidNotFound, "bid "+id+" not found")
}

func BiddingClosedErr() *Error {
	return New(BiddingClosed, "this ride request is no longer accepting bid decisions")
}

func RequestNotBiddableErr() *Error {
	return New(RequestNotBiddable, "this ride request is not open for bidding")
}

func DriverNotOnlineErr(id string) *Error {
	return New(DriverNotOnline, "driver "+id+" is not online")
}

func DriverNotAvailableErr(id string) *Error {
	return New(DriverNotAvailable, "driver "+id+" is not available")
}

func DriverBusyErr(id string) *Error {
	return New(DriverBusy, "driver "+id+" is already busy")
}

func InvalidBidAmountErr() *Error {
	return New(InvalidBidAmount, "fare amount must be greater than zero")
}

func UnauthorizedErr(msg string) *Error {
	if msg == "" {
		msg = "not authorized to perform this operation"
	}
	return New(Unauthorized, msg)
}

func InvalidCoordinatesErr() *Error {
	return New(InvalidCoordinates, "latitude/longitude out of range")
}

func PhoneExistsErr(phone string) *Error {
	return New(PhoneExists, "phone "+phone+" is already registered").WithDetails(map[string]string{"phone": phone})
}

func EmailExistsErr(email string) *Error {
	return New(EmailExists, "email "+email+" is already registered").WithDetails(map[string]string{"email": email})
}

func DuplicateResourceErr(msg string) *Error {
	return New(DuplicateResource, msg)
}

func Internal(err error) *Error {
	return Wrap(InternalError, "internal error", err)
}

func DeadlineExceededErr() *Error {
	return New(DeadlineExceeded, "operation deadline exceeded")
}

func SlowConsumerErr() *Error {
	return New(SlowConsumer, "connection could not keep up with its bounded message queue")
}
