package journal

import (
	"fmt"

	"github.com/hxrts/aura-sub023/common"
)

// PointKind selects how a TemporalPoint cuts the fact log.
type PointKind uint8

const (
	// PointNow includes everything.
	PointNow PointKind = iota
	// PointTime includes facts asserted at or before Time.
	PointTime
	// PointEpoch includes facts of epoch at most Epoch.
	PointEpoch
	// PointFact includes facts ordered at or before Fact.
	PointFact
	// PointCheckpoint is the exact fact set recorded by a checkpoint.
	PointCheckpoint
	// PointTransaction includes facts ordered at or before the last fact of
	// a transaction.
	PointTransaction
)

// TemporalPoint names a position in a scope's history.
type TemporalPoint struct {
	Kind  PointKind
	Time  common.PhysicalTime
	Epoch common.Epoch
	Fact  common.FactID
	Tx    TransactionID
}

func Now() TemporalPoint                              { return TemporalPoint{Kind: PointNow} }
func AtTime(t common.PhysicalTime) TemporalPoint      { return TemporalPoint{Kind: PointTime, Time: t} }
func AtEpoch(e common.Epoch) TemporalPoint            { return TemporalPoint{Kind: PointEpoch, Epoch: e} }
func AfterFact(id common.FactID) TemporalPoint        { return TemporalPoint{Kind: PointFact, Fact: id} }
func AtCheckpoint(id common.FactID) TemporalPoint     { return TemporalPoint{Kind: PointCheckpoint, Fact: id} }
func AfterTransaction(tx TransactionID) TemporalPoint { return TemporalPoint{Kind: PointTransaction, Tx: tx} }

func (p TemporalPoint) String() string {
	switch p.Kind {
	case PointNow:
		return "now"
	case PointTime:
		return "time:" + p.Time.String()
	case PointEpoch:
		return fmt.Sprintf("epoch:%d", p.Epoch)
	case PointFact:
		return "fact:" + p.Fact.Short()
	case PointCheckpoint:
		return "checkpoint:" + p.Fact.Short()
	case PointTransaction:
		return "tx:" + p.Tx.Short()
	default:
		return "invalid"
	}
}

// TemporalQuery selects facts of a scope.
type TemporalQuery struct {
	// AsOf is the state the query observes; retractions after AsOf are
	// ignored.
	AsOf TemporalPoint
	// Since, when set, keeps only facts that are not included at Since.
	Since *TemporalPoint
	// History keeps retracted facts, with RetractedAt set.
	History bool
	// ContentType, when set, filters on the content type.
	ContentType string
}

// cutoff decides inclusion of facts at a point.
type cutoff func(f *Fact) bool

func (s *State) cutoff(p TemporalPoint) (cutoff, error) {
	switch p.Kind {
	case PointNow:
		return func(*Fact) bool { return true }, nil
	case PointTime:
		return func(f *Fact) bool { return f.AssertedAt <= p.Time }, nil
	case PointEpoch:
		return func(f *Fact) bool { return f.Epoch <= p.Epoch }, nil
	case PointFact:
		ref, ok := s.facts[p.Fact]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrFactNotFound, p.Fact.Short())
		}
		return func(f *Fact) bool { return f.ID == ref.ID || f.Less(ref) }, nil
	case PointCheckpoint:
		cp, err := s.checkpoint(p.Fact)
		if err != nil {
			return nil, err
		}
		set := make(map[common.FactID]struct{}, len(cp.Facts))
		for _, id := range cp.Facts {
			set[id] = struct{}{}
		}
		return func(f *Fact) bool {
			_, ok := set[f.ID]
			return ok
		}, nil
	default:
		return nil, fmt.Errorf("journal: point %s must be resolved by the journal", p)
	}
}

// Between selects the facts included at to but not at from.
func Between(from, to TemporalPoint) TemporalQuery {
	return TemporalQuery{AsOf: to, Since: &from}
}
