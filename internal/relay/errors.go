package relay

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownConnection = errors.New("unknown connection")
	ErrNotOpen           = errors.New("connection is not open")
	ErrInvalidRoom       = errors.New("invalid room key")
	ErrRoleForbidden     = errors.New("operation not allowed for role")
	ErrIdentityMismatch  = errors.New("rider id does not match connection identity")
	ErrClosed            = errors.New("relay is shut down")
)

// DropReason labels why an inbound sample never reached the fan-out path.
type DropReason string

const (
	DropMalformed  DropReason = "malformed"
	DropOutOfRange DropReason = "out_of_range"
	DropStale      DropReason = "stale"
	DropNotOpen    DropReason = "not_open"
	DropForbidden  DropReason = "forbidden"
	DropUnbound    DropReason = "unbound_rider"
	DropIdentity   DropReason = "identity_mismatch"
)

// RejectError is returned by sample parsing and validation.
type RejectError struct {
	Reason DropReason
	Detail string
}

func (e *RejectError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("sample rejected: %s", e.Reason)
	}
	return fmt.Sprintf("sample rejected: %s: %s", e.Reason, e.Detail)
}

func reject(reason DropReason, format string, args ...any) *RejectError {
	return &RejectError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// ReasonOf extracts the drop reason from err, defaulting to malformed.
func ReasonOf(err error) DropReason {
	var re *RejectError
	if errors.As(err, &re) {
		return re.Reason
	}
	return DropMalformed
}
