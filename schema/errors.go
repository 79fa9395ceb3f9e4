package schema

import "errors"

var (
	// ErrInvalidRequest indicates a malformed request payload.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrInvalidBatch indicates a patch batch could not be decoded.
	ErrInvalidBatch = errors.New("invalid patch batch")
	// ErrPatchFailed indicates a patch batch did not apply to the current document.
	ErrPatchFailed = errors.New("patch did not apply")
	// ErrUnknownDocumentKind indicates an unsupported document kind.
	ErrUnknownDocumentKind = errors.New("unknown document kind")
	// ErrStreamStatus indicates the stream endpoint answered with a non-OK status.
	ErrStreamStatus = errors.New("unexpected stream status")
	// ErrRequestFailed indicates a REST call returned an unsuccessful envelope.
	ErrRequestFailed = errors.New("request failed")
	// ErrNotFound indicates a requested resource does not exist.
	ErrNotFound = errors.New("not found")
	// ErrStopped indicates the subscription has been stopped.
	ErrStopped = errors.New("subscription stopped")
)
