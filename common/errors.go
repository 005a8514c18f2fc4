package common

import (
	"errors"
)

// Kind classifies errors so callers can react without matching sentinels of
// every package.
type Kind int

const (
	KindUnknown Kind = iota
	KindAuthorization
	KindAuthentication
	KindFinality
	KindCeremony
	KindJournal
	KindFlow
	KindCorruption
)

func (k Kind) String() string {
	switch k {
	case KindAuthorization:
		return "Authorization"
	case KindAuthentication:
		return "Authentication"
	case KindFinality:
		return "Finality"
	case KindCeremony:
		return "Ceremony"
	case KindJournal:
		return "Journal"
	case KindFlow:
		return "Flow"
	case KindCorruption:
		return "Corruption"
	default:
		return "Unknown"
	}
}

type kindError struct {
	kind Kind
	msg  string
}

func (e *kindError) Error() string { return e.msg }
func (e *kindError) Kind() Kind    { return e.kind }

// KindError returns a new sentinel error of the given kind. Compare with
// errors.Is as with any sentinel.
func KindError(k Kind, msg string) error {
	return &kindError{kind: k, msg: msg}
}

// KindOf walks the wrap chain and returns the first kind found.
func KindOf(err error) Kind {
	var k interface{ Kind() Kind }
	if errors.As(err, &k) {
		return k.Kind()
	}
	return KindUnknown
}

// Retryable reports whether the operation may succeed if repeated, possibly
// after an epoch bump or a fresh ceremony.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindFinality, KindJournal, KindCeremony:
		return true
	default:
		return false
	}
}
