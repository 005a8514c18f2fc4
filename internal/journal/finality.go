package journal

import (
	"fmt"
)

// Level is the coarse rung of the finality lattice.
type Level uint8

const (
	LevelLocal Level = iota
	LevelReplicated
	LevelCheckpointed
	LevelConsensus
	LevelArchived
)

func (l Level) String() string {
	switch l {
	case LevelLocal:
		return "Local"
	case LevelReplicated:
		return "Replicated"
	case LevelCheckpointed:
		return "Checkpointed"
	case LevelConsensus:
		return "Consensus"
	case LevelArchived:
		return "Archived"
	default:
		return fmt.Sprintf("Level(%d)", uint8(l))
	}
}

// Finality is a point of the lattice
//
//	Local < Replicated(n) < Checkpointed < Consensus(q) < Archived
//
// where Replicated and Consensus are further ordered by their count.
type Finality struct {
	Level Level `cbor:"1,keyasint"`
	// Count is the number of acknowledgements for Replicated and the quorum
	// size for Consensus. It is zero for the other levels.
	Count uint32 `cbor:"2,keyasint,omitempty"`
}

func Local() Finality               { return Finality{Level: LevelLocal} }
func Replicated(acks int) Finality  { return Finality{Level: LevelReplicated, Count: uint32(acks)} }
func Checkpointed() Finality        { return Finality{Level: LevelCheckpointed} }
func Consensus(quorum int) Finality { return Finality{Level: LevelConsensus, Count: uint32(quorum)} }
func Archived() Finality            { return Finality{Level: LevelArchived} }

// Compare returns -1, 0 or 1.
func (f Finality) Compare(o Finality) int {
	switch {
	case f.Level < o.Level:
		return -1
	case f.Level > o.Level:
		return 1
	case f.Count < o.Count:
		return -1
	case f.Count > o.Count:
		return 1
	default:
		return 0
	}
}

// Satisfies reports whether f is at least target.
func (f Finality) Satisfies(target Finality) bool { return f.Compare(target) >= 0 }

// Join is the lattice join.
func (f Finality) Join(o Finality) Finality {
	if f.Compare(o) >= 0 {
		return f
	}
	return o
}

func (f Finality) String() string {
	switch f.Level {
	case LevelReplicated, LevelConsensus:
		return fmt.Sprintf("%s(%d)", f.Level, f.Count)
	default:
		return f.Level.String()
	}
}

// ParseFinality reads the String form back, e.g. "Replicated(2)".
func ParseFinality(s string) (Finality, error) {
	for _, l := range []Level{LevelLocal, LevelCheckpointed, LevelArchived} {
		if s == l.String() {
			return Finality{Level: l}, nil
		}
	}
	for _, l := range []Level{LevelReplicated, LevelConsensus} {
		var n uint32
		if _, err := fmt.Sscanf(s, l.String()+"(%d)", &n); err == nil {
			return Finality{Level: l, Count: n}, nil
		}
	}
	return Finality{}, fmt.Errorf("journal: unknown finality %q", s)
}
