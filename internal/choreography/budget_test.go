package choreography

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLeakageArithmetic(t *testing.T) {
	a := Leakage{External: 1, Neighbor: 2, Ingroup: 3}
	b := a.Add(Leakage{Ingroup: 1})
	require.Equal(t, Leakage{External: 1, Neighbor: 2, Ingroup: 4}, b)
	require.Equal(t, a, b.sub(Leakage{Ingroup: 1}))
	require.True(t, a.Within(b))
	require.False(t, b.Within(a))
	require.True(t, Leakage{}.IsZero())
	require.Equal(t, "external=1 neighbor=2 ingroup=3", a.String())
}

func TestLedgerReservations(t *testing.T) {
	l := newLedger(Limits{Flow: 10, Leakage: Leakage{External: 4}})
	k := budgetKey{subject: device("alice"), context: testScope}

	r1, err := l.reserve(k, 1, 6, Leakage{External: 2})
	require.NoError(t, err)
	// In-flight reservations count against both budgets.
	_, err = l.reserve(k, 1, 5, Leakage{})
	require.ErrorIs(t, err, ErrFlowExhausted)
	_, err = l.reserve(k, 1, 0, Leakage{External: 3})
	require.ErrorIs(t, err, ErrLeakageExhausted)

	r2, err := l.reserve(k, 1, 4, Leakage{External: 2})
	require.NoError(t, err)
	b := r2.abort(Leakage{External: 1})
	require.Equal(t, uint64(6), b.Reserved)
	require.Equal(t, Leakage{External: 1}, b.Leaked)

	b = r1.commit()
	require.Equal(t, uint64(6), b.Spent)
	require.Zero(t, b.Reserved)
	require.Equal(t, Leakage{External: 3}, b.Leaked)
	require.Equal(t, uint64(4), b.Remaining())

	// Settling twice changes nothing.
	require.Equal(t, b, r1.commit())
	require.Equal(t, b, r2.abort(Leakage{External: 1}))

	// Other subjects and contexts have their own accounts.
	other, err := l.budget(budgetKey{subject: device("bob"), context: testScope}, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(10), other.Remaining())
}

func TestLedgerEpochs(t *testing.T) {
	l := newLedger(DefaultLimits)
	l.overrides[device("bob")] = Limits{Flow: 1}
	k := budgetKey{subject: device("alice"), context: testScope}

	r, err := l.reserve(k, 2, 100, Leakage{})
	require.NoError(t, err)
	r.commit()

	_, err = l.reserve(k, 1, 1, Leakage{})
	require.ErrorIs(t, err, ErrEpochChanged)
	_, err = l.budget(k, 1)
	require.ErrorIs(t, err, ErrEpochChanged)

	b, err := l.budget(k, 3)
	require.NoError(t, err)
	require.Zero(t, b.Spent)
	require.Equal(t, DefaultLimits.Flow, b.Remaining())

	b, err = l.budget(budgetKey{subject: device("bob"), context: testScope}, 3)
	require.NoError(t, err)
	require.Equal(t, uint64(1), b.Remaining())
}
