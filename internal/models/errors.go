package models

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrChatDisabled = errors.New("chat is not enabled yet")
	ErrBusy         = errors.New("a request is already in flight")
	ErrNoResultSet  = errors.New("no result set to rate")
	ErrReleased     = errors.New("preview already released")
)

// ValidationError reports input that was rejected before any side effect.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// Invalid builds a ValidationError from a format string.
func Invalid(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// MediaError reports a video that could not be probed or captured.
type MediaError struct {
	Msg string
	Err error
}

func (e *MediaError) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *MediaError) Unwrap() error { return e.Err }

// DecodeError reports an image that could not be decoded.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return "decode image: " + e.Err.Error() }

func (e *DecodeError) Unwrap() error { return e.Err }

// ServiceError reports a failed call to an upstream service. Status is 0 when
// the request never got a response.
type ServiceError struct {
	Service string
	Status  int
	Body    string
	Err     error
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s request failed: %v", e.Service, e.Err)
	}
	return fmt.Sprintf("%s returned status %d: %s", e.Service, e.Status, e.Body)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// InvalidResponseError reports a successful response with an unusable body.
type InvalidResponseError struct {
	Msg string
}

func (e *InvalidResponseError) Error() string { return "invalid response: " + e.Msg }

// StorageLimitError reports a payload too large to persist.
type StorageLimitError struct {
	Size  int
	Limit int
}

func (e *StorageLimitError) Error() string {
	return fmt.Sprintf("payload of %d bytes exceeds storage limit of %d bytes", e.Size, e.Limit)
}
