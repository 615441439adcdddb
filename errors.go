package chatsync

import (
	"errors"
	"net/http"
)

var (
	// ErrTransport wraps network and timeout failures. Always retryable.
	ErrTransport = errors.New("transport failure")

	// ErrValidation is wrapped by every input rejection made before any network call.
	ErrValidation = errors.New("validation failed")

	ErrEmptyMessage       = validationError("message has no text and no attachment")
	ErrContentTooLong     = validationError("message exceeds 1000 characters")
	ErrAttachmentTooLarge = validationError("attachment exceeds 10 MB")
	ErrInvalidQuery       = validationError("invalid page query")

	// ErrUpload is returned when an attachment upload fails.
	ErrUpload = errors.New("attachment upload failed")

	ErrLoadInProgress = errors.New("older page load already in progress")
	ErrSessionClosed  = errors.New("session closed")
	ErrNotConnected   = errors.New("live channel not connected")

	// ErrNoSuchSend is returned by Retry for an id that is not a failed send.
	ErrNoSuchSend = errors.New("no failed send with that id")
)

type valErr struct{ msg string }

func validationError(msg string) error { return &valErr{msg: msg} }

func (e *valErr) Error() string        { return e.msg }
func (e *valErr) Is(target error) bool { return target == ErrValidation }

// IsRetryable reports whether err is worth retrying later: transport failures,
// rate limiting and server-side errors.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransport) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == http.StatusTooManyRequests || apiErr.Status >= 500
	}
	return false
}
