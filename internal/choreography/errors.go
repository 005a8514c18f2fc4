package choreography

import (
	"fmt"

	"github.com/hxrts/aura-sub023/common"
	"github.com/hxrts/aura-sub023/internal/authority"
)

var (
	ErrFlowExhausted     = common.KindError(common.KindFlow, "choreography: flow budget exhausted")
	ErrLeakageExhausted  = common.KindError(common.KindFlow, "choreography: leakage budget exhausted")
	ErrEpochChanged      = common.KindError(common.KindJournal, "choreography: scope epoch changed during execution")
	ErrUnmergedPeerFacts = common.KindError(common.KindFlow, "choreography: step produced peer facts but does not merge")
	ErrEmptySequence     = common.KindError(common.KindFlow, "choreography: empty sequence")
)

// GuardError is returned when a guard of a step denies the subject. It
// matches authority.ErrPermissionDenied.
type GuardError struct {
	Step     string
	Subject  authority.Subject
	Scope    authority.Scope
	Decision authority.Decision
}

func (e *GuardError) Error() string {
	return fmt.Sprintf("step %q: %s needs %s: %s", e.Step, e.Subject, e.Scope, e.Decision)
}

func (e *GuardError) Unwrap() error { return authority.ErrPermissionDenied }

// StepError wraps the failure of a step body.
type StepError struct {
	Step  string
	Index int
	Err   error
}

func (e *StepError) Error() string { return fmt.Sprintf("step %d (%q) failed: %v", e.Index, e.Step, e.Err) }
func (e *StepError) Unwrap() error { return e.Err }
