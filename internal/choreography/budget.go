package choreography

import (
	"fmt"
	"sync"

	"github.com/hxrts/aura-sub023/common"
	"github.com/hxrts/aura-sub023/internal/authority"
	"github.com/hxrts/aura-sub023/internal/metrics"
)

// Leakage counts privacy budget units by observer class.
type Leakage struct {
	// External observers see traffic from outside the context.
	External uint64 `cbor:"1,keyasint" toml:"external"`
	// Neighbor observers relay for the context without being members.
	Neighbor uint64 `cbor:"2,keyasint" toml:"neighbor"`
	// Ingroup observers are members of the context.
	Ingroup uint64 `cbor:"3,keyasint" toml:"ingroup"`
}

func (l Leakage) Add(o Leakage) Leakage {
	return Leakage{External: l.External + o.External, Neighbor: l.Neighbor + o.Neighbor, Ingroup: l.Ingroup + o.Ingroup}
}

func (l Leakage) sub(o Leakage) Leakage {
	return Leakage{External: l.External - o.External, Neighbor: l.Neighbor - o.Neighbor, Ingroup: l.Ingroup - o.Ingroup}
}

// Within reports whether every class of l is at most the one of limit.
func (l Leakage) Within(limit Leakage) bool {
	return l.External <= limit.External && l.Neighbor <= limit.Neighbor && l.Ingroup <= limit.Ingroup
}

func (l Leakage) IsZero() bool { return l == Leakage{} }

func (l Leakage) String() string {
	return fmt.Sprintf("external=%d neighbor=%d ingroup=%d", l.External, l.Neighbor, l.Ingroup)
}

// Limits are the budgets a subject gets in each epoch of a context.
type Limits struct {
	Flow    uint64  `toml:"flow"`
	Leakage Leakage `toml:"leakage"`
}

// DefaultLimits applies to subjects without limits of their own.
var DefaultLimits = Limits{
	Flow:    1000,
	Leakage: Leakage{External: 64, Neighbor: 256, Ingroup: 1024},
}

// Budget is the state of a subject's budgets in the current epoch of a
// context.
type Budget struct {
	Epoch  common.Epoch
	Limits Limits
	// Spent and Leaked are charged units. Reserved flow belongs to steps in
	// flight.
	Spent    uint64
	Reserved uint64
	Leaked   Leakage
}

// Remaining is the flow a new step may still reserve.
func (b Budget) Remaining() uint64 { return b.Limits.Flow - b.Spent - b.Reserved }

type budgetKey struct {
	subject authority.Subject
	context common.ContextID
}

type account struct {
	Budget
	// leakReserved is leakage of steps in flight.
	leakReserved Leakage
}

// ledger tracks budgets per (subject, context) for the current epoch. An
// epoch bump of the context starts a fresh account.
type ledger struct {
	mu        sync.Mutex
	defaults  Limits
	overrides map[authority.Subject]Limits
	accounts  map[budgetKey]*account
}

func newLedger(defaults Limits) *ledger {
	return &ledger{
		defaults:  defaults,
		overrides: make(map[authority.Subject]Limits),
		accounts:  make(map[budgetKey]*account),
	}
}

func (l *ledger) limits(s authority.Subject) Limits {
	if lim, ok := l.overrides[s]; ok {
		return lim
	}
	return l.defaults
}

// account must be called with mu held.
func (l *ledger) account(k budgetKey, epoch common.Epoch) (*account, error) {
	a, ok := l.accounts[k]
	switch {
	case !ok || a.Epoch < epoch:
		a = &account{Budget: Budget{Epoch: epoch, Limits: l.limits(k.subject)}}
		l.accounts[k] = a
	case a.Epoch > epoch:
		return nil, fmt.Errorf("%w: budget at epoch %d, step read %d", ErrEpochChanged, a.Epoch, epoch)
	}
	return a, nil
}

func (l *ledger) budget(k budgetKey, epoch common.Epoch) (Budget, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, err := l.account(k, epoch)
	if err != nil {
		return Budget{}, err
	}
	return a.Budget, nil
}

// reservation holds flow and leakage of a step in flight until it is
// committed or aborted.
type reservation struct {
	l    *ledger
	a    *account
	flow uint64
	leak Leakage
	done bool
}

// reserve sets aside flow and leak, failing without side effects when either
// budget would be exceeded.
func (l *ledger) reserve(k budgetKey, epoch common.Epoch, flow uint64, leak Leakage) (*reservation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, err := l.account(k, epoch)
	if err != nil {
		return nil, err
	}
	if flow > a.Remaining() {
		return nil, fmt.Errorf("%w: cost %d, remaining %d", ErrFlowExhausted, flow, a.Remaining())
	}
	if !a.Leaked.Add(a.leakReserved).Add(leak).Within(a.Limits.Leakage) {
		return nil, fmt.Errorf("%w: need %s, leaked %s of %s", ErrLeakageExhausted, leak, a.Leaked, a.Limits.Leakage)
	}
	a.Reserved += flow
	a.leakReserved = a.leakReserved.Add(leak)
	return &reservation{l: l, a: a, flow: flow, leak: leak}, nil
}

// commit charges the whole reservation and returns the budget afterwards.
func (r *reservation) commit() Budget {
	r.l.mu.Lock()
	defer r.l.mu.Unlock()
	if !r.done {
		r.done = true
		r.a.Reserved -= r.flow
		r.a.Spent += r.flow
		r.a.leakReserved = r.a.leakReserved.sub(r.leak)
		r.a.Leaked = r.a.Leaked.Add(r.leak)
		charged(r.flow, r.leak)
	}
	return r.a.Budget
}

// abort releases the flow and charges leaked, which must not exceed the
// reserved leakage.
func (r *reservation) abort(leaked Leakage) Budget {
	r.l.mu.Lock()
	defer r.l.mu.Unlock()
	if !r.done {
		r.done = true
		r.a.Reserved -= r.flow
		r.a.leakReserved = r.a.leakReserved.sub(r.leak)
		r.a.Leaked = r.a.Leaked.Add(leaked)
		charged(0, leaked)
	}
	return r.a.Budget
}

func charged(flow uint64, leak Leakage) {
	if flow > 0 {
		metrics.FlowConsumed.Add(float64(flow))
	}
	if leak.External > 0 {
		metrics.LeakageConsumed.WithLabelValues("external").Add(float64(leak.External))
	}
	if leak.Neighbor > 0 {
		metrics.LeakageConsumed.WithLabelValues("neighbor").Add(float64(leak.Neighbor))
	}
	if leak.Ingroup > 0 {
		metrics.LeakageConsumed.WithLabelValues("ingroup").Add(float64(leak.Ingroup))
	}
}
