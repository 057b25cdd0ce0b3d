package telephony

import (
	"errors"
	"fmt"
)

// DialKind classifies why an outbound call could not be connected.
type DialKind int

const (
	DialBusy DialKind = iota
	DialNoAnswer
	DialInvalidNumber
	DialProviderUnavailable
)

func (k DialKind) String() string {
	switch k {
	case DialBusy:
		return "busy"
	case DialNoAnswer:
		return "no-answer"
	case DialInvalidNumber:
		return "invalid-number"
	case DialProviderUnavailable:
		return "provider-unavailable"
	default:
		return "unknown"
	}
}

// DialError reports a failed call placement. The dispatcher reads Kind to
// decide retry eligibility.
type DialError struct {
	Kind DialKind
	To   string
	Err  error
}

func (e *DialError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("dial %s: %s: %s", e.To, e.Kind, e.Err)
	}
	return fmt.Sprintf("dial %s: %s", e.To, e.Kind)
}

func (e *DialError) Unwrap() error {
	return e.Err
}

// Retryable reports whether a later attempt toward the same number can
// succeed. Invalid numbers never become valid.
func (e *DialError) Retryable() bool {
	switch e.Kind {
	case DialBusy, DialNoAnswer, DialProviderUnavailable:
		return true
	default:
		return false
	}
}

// AsDialError unwraps err into a DialError if one is present.
func AsDialError(err error) (*DialError, bool) {
	var de *DialError
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// MediaError reports a lost handle or an unexpectedly closed frame stream.
type MediaError struct {
	CallID string
	Err    error
}

func (e *MediaError) Error() string {
	return fmt.Sprintf("media stream for call %s: %s", e.CallID, e.Err)
}

func (e *MediaError) Unwrap() error {
	return e.Err
}
