// Package choreography runs guarded protocol steps: every step is checked
// against the authority graph, paid for from flow and leakage budgets and
// commits its journal deltas atomically.
package choreography

import (
	"context"
	"errors"
	"time"

	"github.com/hxrts/aura-sub023/common"
	"github.com/hxrts/aura-sub023/common/codec"
	"github.com/hxrts/aura-sub023/common/log"
	"github.com/hxrts/aura-sub023/internal/authority"
	"github.com/hxrts/aura-sub023/internal/effects"
	"github.com/hxrts/aura-sub023/internal/journal"
	"github.com/hxrts/aura-sub023/internal/metrics"
)

// EvidenceDenied is the evidence kind recorded when a guard denies a step.
const EvidenceDenied = "authorization_denied"

// evidenceTimeout bounds recording a denial.
const evidenceTimeout = 10 * time.Second

// Guard evaluates capabilities. *authority.Graph implements it.
type Guard interface {
	Evaluate(subject authority.Subject, scope authority.Scope, now common.PhysicalTime) authority.Decision
	Held(subject authority.Subject) []*authority.Capability
}

// Journal is where deltas are committed and denials recorded.
// *journal.Journal implements it.
type Journal interface {
	Epoch(scope common.ContextID) (common.Epoch, error)
	ApplyTransaction(ctx context.Context, tx journal.Transaction) (journal.TransactionReceipt, error)
	RecordEvidence(ctx context.Context, scope common.ContextID, kind, subject string, detail []byte) (journal.FactReceipt, error)
}

// DenialEvidence is the detail of an EvidenceDenied fact.
type DenialEvidence struct {
	Step    string                `cbor:"1,keyasint"`
	Subject authority.Subject     `cbor:"2,keyasint"`
	Scope   authority.Scope       `cbor:"3,keyasint"`
	Reason  string                `cbor:"4,keyasint"`
	Chain   []common.CapabilityID `cbor:"5,keyasint,omitempty"`
	Held    []common.CapabilityID `cbor:"6,keyasint,omitempty"`
}

// Receipt reports an executed step or sequence.
type Receipt struct {
	Steps  []string
	Budget Budget
	// Transaction is nil when there was nothing to commit.
	Transaction *journal.TransactionReceipt
	Merged      journal.MergeReport
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithLimits replaces DefaultLimits.
func WithLimits(l Limits) Option { return func(r *Runtime) { r.ledger.defaults = l } }

// WithSubjectLimits gives subject its own limits.
func WithSubjectLimits(s authority.Subject, l Limits) Option {
	return func(r *Runtime) { r.ledger.overrides[s] = l }
}

// WithFinality sets the finality step transactions require. The default is
// local.
func WithFinality(f journal.Finality) Option { return func(r *Runtime) { r.finality = f } }

// Runtime executes guarded steps on behalf of local subjects.
type Runtime struct {
	log      log.Logger
	fx       *effects.Effects
	guard    Guard
	journal  Journal
	ledger   *ledger
	finality journal.Finality
}

// NewRuntime returns a runtime checking guards against g and committing to j.
func NewRuntime(l log.Logger, fx *effects.Effects, g Guard, j Journal, opts ...Option) *Runtime {
	r := &Runtime{
		log:     l.Named("choreo"),
		fx:      fx,
		guard:   g,
		journal: j,
		ledger:  newLedger(DefaultLimits),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Budget returns the budgets of subject in the current epoch of scope.
func (r *Runtime) Budget(subject authority.Subject, scope common.ContextID) (Budget, error) {
	epoch, err := r.journal.Epoch(scope)
	if err != nil {
		return Budget{}, err
	}
	return r.ledger.budget(budgetKey{subject, scope}, epoch)
}

// Execute runs a single step for subject in scope.
//
// A denied guard or an exhausted budget aborts before anything happens,
// except that a denial is recorded as evidence. A failing body still charges
// the step's leakage but neither its flow cost nor its deltas. On success
// the deltas are committed in one transaction and both budgets are charged.
func (r *Runtime) Execute(ctx context.Context, subject authority.Subject, scope common.ContextID, step Step) (Receipt, error) {
	ctx, span := metrics.NewSpan(ctx, "choreography.Execute")
	defer span.End()
	return r.run(ctx, subject, scope, []Step{step})
}

// ExecuteSequence runs steps in order as one unit. Every guard and the total
// flow cost are checked before the first body runs. Deltas of all steps are
// committed together at the end. When step i fails the deltas are dropped
// and the leakage of steps 0 to i is charged.
func (r *Runtime) ExecuteSequence(ctx context.Context, subject authority.Subject, scope common.ContextID, steps []Step) (Receipt, error) {
	ctx, span := metrics.NewSpan(ctx, "choreography.ExecuteSequence")
	defer span.End()
	if len(steps) == 0 {
		return Receipt{}, ErrEmptySequence
	}
	return r.run(ctx, subject, scope, steps)
}

// Run executes the steps of c.
func (r *Runtime) Run(ctx context.Context, subject authority.Subject, scope common.ContextID, c *Choreography) (Receipt, error) {
	r.log.Debugw("running choreography", "name", c.Name, "role", c.Role, "steps", len(c.Steps))
	return r.ExecuteSequence(ctx, subject, scope, c.Steps)
}

func (r *Runtime) run(ctx context.Context, subject authority.Subject, scope common.ContextID, steps []Step) (Receipt, error) {
	rc := Receipt{}
	for i := range steps {
		rc.Steps = append(rc.Steps, steps[i].String())
	}

	if err := r.checkGuards(ctx, subject, scope, steps); err != nil {
		outcome("denied")
		return rc, err
	}

	epoch, err := r.journal.Epoch(scope)
	if err != nil {
		outcome("failed")
		return rc, err
	}
	var cost uint64
	var leak Leakage
	for i := range steps {
		cost += steps[i].FlowCost
		leak = leak.Add(steps[i].Leakage)
	}
	res, err := r.ledger.reserve(budgetKey{subject, scope}, epoch, cost, leak)
	if err != nil {
		outcome("exhausted")
		r.log.Infow("step refused", "subject", subject, "scope", scope, "steps", rc.Steps, "err", err)
		return rc, err
	}

	var ops []journal.FactOp
	var peer []*journal.Fact
	var leaked Leakage
	for i := range steps {
		s := &steps[i]
		leaked = leaked.Add(s.Leakage)
		out := Output{}
		if s.Body != nil {
			err = s.Body(ctx, &out)
		}
		if err == nil && len(out.Peer) > 0 && !s.JournalMerge {
			err = ErrUnmergedPeerFacts
		}
		if err != nil {
			rc.Budget = res.abort(leaked)
			outcome("failed")
			r.log.Warnw("step failed", "subject", subject, "scope", scope, "step", s.String(), "err", err)
			return rc, &StepError{Step: s.String(), Index: i, Err: err}
		}
		ops = append(ops, s.Deltas...)
		ops = append(ops, out.Deltas...)
		peer = append(peer, out.Peer...)
	}

	if len(ops) > 0 || len(peer) > 0 {
		// Peer facts and deltas commit together: a failed commit leaves
		// neither behind.
		tx, err := r.journal.ApplyTransaction(ctx, journal.Transaction{
			Scope:     scope,
			Ops:       ops,
			Required:  r.finality,
			BaseEpoch: &epoch,
			Merge:     peer,
		})
		switch {
		case err == nil:
			rc.Transaction = &tx
			rc.Merged = journal.MergeReport{Added: tx.Merged}
		case len(tx.Facts) > 0 && common.KindOf(err) == common.KindFinality:
			// The deltas are in the journal, only the requested finality is
			// missing: the step is paid for.
			rc.Transaction = &tx
			rc.Merged = journal.MergeReport{Added: tx.Merged}
			rc.Budget = res.commit()
			outcome("ok")
			return rc, err
		default:
			rc.Budget = res.abort(leaked)
			if errors.Is(err, journal.ErrTransactionConflict) {
				outcome("conflict")
			} else {
				outcome("failed")
			}
			r.log.Warnw("step deltas not committed", "subject", subject, "scope", scope, "steps", rc.Steps, "err", err)
			return rc, err
		}
	}

	rc.Budget = res.commit()
	outcome("ok")
	r.log.Debugw("steps executed", "subject", subject, "scope", scope, "steps", rc.Steps,
		"flow", cost, "leakage", leak, "remaining", rc.Budget.Remaining())
	return rc, nil
}

// checkGuards evaluates every guard of every step before anything runs. The
// first denial is recorded as evidence.
func (r *Runtime) checkGuards(ctx context.Context, subject authority.Subject, scope common.ContextID, steps []Step) error {
	now := r.fx.Now()
	for i := range steps {
		s := &steps[i]
		for _, g := range s.Guards {
			d := r.guard.Evaluate(subject, g, now)
			if d.Granted {
				continue
			}
			r.log.Infow("guard denied", "subject", subject, "scope", scope, "step", s.String(), "needs", g, "reason", d.Reason)
			r.recordDenial(ctx, scope, s.String(), subject, g, d)
			return &GuardError{Step: s.String(), Subject: subject, Scope: g, Decision: d}
		}
	}
	return nil
}

func (r *Runtime) recordDenial(ctx context.Context, scope common.ContextID, step string, subject authority.Subject, g authority.Scope, d authority.Decision) {
	ev := DenialEvidence{Step: step, Subject: subject, Scope: g, Reason: d.Reason.String(), Chain: d.Chain}
	for _, c := range r.guard.Held(subject) {
		ev.Held = append(ev.Held, c.ID)
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), evidenceTimeout)
	defer cancel()
	if _, err := r.journal.RecordEvidence(ctx, scope, EvidenceDenied, subject.String(), codec.MustMarshal(ev)); err != nil {
		r.log.Errorw("recording guard denial", "scope", scope, "subject", subject, "err", err)
	}
}

func outcome(o string) { metrics.ChoreographySteps.WithLabelValues(o).Inc() }
