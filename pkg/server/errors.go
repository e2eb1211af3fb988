package server

import (
	"errors"
	"fmt"

	"github.com/aeolun/sistchat/pkg/protocol"
	"github.com/aeolun/sistchat/pkg/registry"
)

var (
	// ErrClientDisconnecting is returned when client sends graceful disconnect
	ErrClientDisconnecting = errors.New("client disconnecting")

	// ErrRegistrationRequired ends a session whose first request was not CreateUser
	ErrRegistrationRequired = errors.New("registration required")

	ErrOutboxFull     = errors.New("session outbox full")
	ErrSessionClosed  = errors.New("session closed")
	ErrRateLimited    = errors.New("rate limit exceeded")
	ErrEmptyMessage   = errors.New("message content is empty")
	ErrMessageTooLong = errors.New("message content too long")
	ErrNoDestination  = errors.New("private message without destination")
)

// RequestError is a rejected request. It becomes exactly one Answer and
// leaves the session open.
type RequestError struct {
	Status  uint16
	Message string
	Err     error
}

func (e *RequestError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%d %s: %v", e.Status, e.Message, e.Err)
	}
	return fmt.Sprintf("%d %s", e.Status, e.Message)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// rejections maps domain errors onto the answer text the client sees.
var rejections = []struct {
	err     error
	message string
}{
	{registry.ErrAlreadyExists, "user already exists"},
	{registry.ErrRegistryFull, "server is full"},
	{registry.ErrInvalidName, "invalid username"},
	{registry.ErrNotFound, "user not found"},
	{protocol.ErrInvalidUserState, "invalid state"},
	{ErrRateLimited, "rate limit exceeded"},
	{ErrEmptyMessage, "message is empty"},
	{ErrMessageTooLong, "message too long"},
	{ErrNoDestination, "destination required"},
}

// reject converts err into a 400 RequestError.
func reject(err error) *RequestError {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr
	}
	for _, r := range rejections {
		if errors.Is(err, r.err) {
			return &RequestError{Status: protocol.StatusBadRequest, Message: r.message, Err: err}
		}
	}
	return &RequestError{Status: protocol.StatusBadRequest, Message: "request failed", Err: err}
}
