package forwarding

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindNotNatEligible
	KindNoCapacity
	KindRemoteRuleCreationFailed
	KindRemoteRuleDeletionFailed
	KindMappingNotFound
	KindInvalidConfig
	KindPortInUse
)

func (k Kind) String() string {
	switch k {
	case KindNotNatEligible:
		return "not NAT eligible"
	case KindNoCapacity:
		return "no capacity"
	case KindRemoteRuleCreationFailed:
		return "remote rule creation failed"
	case KindRemoteRuleDeletionFailed:
		return "remote rule deletion failed"
	case KindMappingNotFound:
		return "mapping not found"
	case KindInvalidConfig:
		return "invalid config"
	case KindPortInUse:
		return "port in use"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is; any *Error of the same kind matches.
var (
	ErrNotNatEligible           = &Error{Kind: KindNotNatEligible}
	ErrNoCapacity               = &Error{Kind: KindNoCapacity}
	ErrRemoteRuleCreationFailed = &Error{Kind: KindRemoteRuleCreationFailed}
	ErrRemoteRuleDeletionFailed = &Error{Kind: KindRemoteRuleDeletionFailed}
	ErrMappingNotFound          = &Error{Kind: KindMappingNotFound}
	ErrInvalidConfig            = &Error{Kind: KindInvalidConfig}
	ErrPortInUse                = &Error{Kind: KindPortInUse}
)

// Error is returned by lifecycle operations. Reason carries the concrete
// cause reported to operators.
type Error struct {
	Kind      Kind
	ServiceID uint
	Reason    string
	Cause     error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.ServiceID != 0 {
		msg = fmt.Sprintf("service %d: %s", e.ServiceID, msg)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

func newError(kind Kind, serviceID uint, reason string, cause error) *Error {
	return &Error{Kind: kind, ServiceID: serviceID, Reason: reason, Cause: cause}
}

// KindOf extracts the kind of err, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
