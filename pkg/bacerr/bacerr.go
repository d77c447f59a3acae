// Package bacerr provides the structured error taxonomy shared by the
// MS/TP engine, BVLC datalink, and router core.
package bacerr

import "fmt"

// Kind identifies one of the error categories the router reasons about
// when deciding whether to resync, Reject, Abort, or silently drop.
type Kind string

const (
	KindFrameInvalid          Kind = "frame_invalid"
	KindAddressInvalid        Kind = "address_invalid"
	KindNetworkUnreachable    Kind = "network_unreachable"
	KindHopCountExhausted     Kind = "hop_count_exhausted"
	KindNpduParseError        Kind = "npdu_parse_error"
	KindBvlcError             Kind = "bvlc_error"
	KindIoError               Kind = "io_error"
	KindTransactionTableFull  Kind = "transaction_table_full"
	KindDuplicateInvokeID     Kind = "duplicate_invoke_id"
	KindTransactionNotFound   Kind = "transaction_not_found"
	KindSegmentationError     Kind = "segmentation_error"
)

// Error is a typed router error. Net carries the DNET relevant to
// KindNetworkUnreachable so callers can build a Reject-Message-To-Network
// without re-deriving it.
type Error struct {
	Kind    Kind
	Message string
	Net     uint16
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == kind
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// NetworkUnreachable builds the KindNetworkUnreachable error carrying the
// DNET that could not be routed, for use by Reject-Message-To-Network
// origination.
func NetworkUnreachable(net uint16) *Error {
	return &Error{Kind: KindNetworkUnreachable, Message: "no route to network", Net: net}
}
