package photon

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies runtime errors for protocol mapping. The kinds mirror
// the failure modes a client can act on; anything else is KindInternal.
type ErrorKind string

const (
	// KindNotFound: tool/resource/prompt name not in the current catalog.
	KindNotFound ErrorKind = "not_found"

	// KindInvalidArguments: the arguments violate the tool's input schema.
	KindInvalidArguments ErrorKind = "invalid_arguments"

	// KindNotConfigured: the photon is missing required configuration.
	KindNotConfigured ErrorKind = "not_configured"

	// KindCancelled: the invocation was cancelled by the client, a
	// disconnect, or a timeout.
	KindCancelled ErrorKind = "cancelled"

	// KindLoad: analyzer, compile, or instantiate failure.
	KindLoad ErrorKind = "load_error"

	// KindIntegrity: fetched content does not match the manifest hash.
	KindIntegrity ErrorKind = "integrity_error"

	// KindUpstreamUnavailable: a marketplace source could not be reached.
	KindUpstreamUnavailable ErrorKind = "upstream_unavailable"

	// KindElicitationNotSupported: the client did not advertise the
	// elicitation capability but the method requested input.
	KindElicitationNotSupported ErrorKind = "elicitation_not_supported"

	// KindInternal: anything unexpected.
	KindInternal ErrorKind = "internal"
)

// Error is the tagged error type of the runtime.
type Error struct {
	// Kind classifies the failure.
	Kind ErrorKind

	// Msg is the human-readable description.
	Msg string

	// Path locates the failure: a source span ("file.go:12:3") for load
	// errors, a property path ("args.count") for argument errors, a source
	// name for marketplace errors.
	Path string

	// Missing lists the absent environment variables for KindNotConfigured.
	Missing []string

	// Err is the wrapped cause, if any.
	Err error
}

// Errorf builds an *Error with a formatted message.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	s := string(e.Kind) + ": " + e.Msg
	if len(e.Missing) > 0 {
		s += "; set " + strings.Join(e.Missing, ", ")
	}
	if e.Path != "" {
		s += " (" + e.Path + ")"
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of err, or KindInternal when err is not an *Error.
// A nil err has no kind and returns "".
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool { return KindOf(err) == kind }
