package stream

import "errors"

var (
	// ErrMalformedFrame marks a frame the reader could not turn into an
	// event. Such frames are dropped; the stream continues.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrMissingSessionID rejects a resume request without a session id.
	ErrMissingSessionID = errors.New("missing session_id")

	// ErrMissingText rejects a stream-start request without input text.
	ErrMissingText = errors.New("missing text")
)
