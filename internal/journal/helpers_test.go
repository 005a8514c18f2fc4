package journal

import (
	"crypto/ed25519"
	"crypto/sha256"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/hxrts/aura-sub023/common"
	"github.com/hxrts/aura-sub023/common/codec"
	"github.com/hxrts/aura-sub023/crypto"
	"github.com/hxrts/aura-sub023/internal/effects"
)

var (
	testCtx   = common.ContextIDFromName("journal-test")
	testStart = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
)

type fixture struct {
	t       *testing.T
	clock   clockwork.FakeClock
	fx      *effects.Effects
	keys    KeyMap
	signers map[string]Signer
}

func newFixture(t *testing.T, names ...string) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(testStart)
	oracle := crypto.NewOracle(nil, effects.NewSeededRandom(1))
	f := &fixture{
		t:       t,
		clock:   clock,
		fx:      &effects.Effects{Clock: clock, Random: effects.NewSeededRandom(2), Crypto: oracle},
		keys:    make(KeyMap),
		signers: make(map[string]Signer),
	}
	for _, n := range names {
		seed := sha256.Sum256([]byte(n))
		priv := ed25519.NewKeyFromSeed(seed[:])
		d := common.DeviceIDFromName(n)
		f.keys[d] = priv.Public().(ed25519.PublicKey)
		f.signers[n] = NewSigner(d, priv, oracle)
	}
	return f
}

// fact builds a sealed fact of testCtx.
func (f *fixture) fact(author string, epoch common.Epoch, at int, contentType string, payload any) *Fact {
	f.t.Helper()
	var b []byte
	switch p := payload.(type) {
	case []byte:
		b = p
	case string:
		b = []byte(p)
	default:
		var err error
		b, err = codec.Marshal(p)
		require.NoError(f.t, err)
	}
	fact := &Fact{
		Context:       testCtx,
		Epoch:         epoch,
		AssertedAt:    common.TimeFrom(testStart.Add(time.Duration(at) * time.Millisecond)),
		ContentType:   contentType,
		SchemaVersion: SchemaVersion,
		Payload:       b,
		Finality:      Local(),
	}
	fact.Seal(f.signers[author])
	return fact
}

func device(name string) common.DeviceID { return common.DeviceIDFromName(name) }

// stateOf applies facts and acks and normalizes.
func stateOf(t *testing.T, facts []*Fact, acks ...Ack) *State {
	t.Helper()
	s := NewState(testCtx)
	for _, f := range facts {
		_, err := s.Apply(f)
		require.NoError(t, err)
	}
	for _, a := range acks {
		s.AddAck(a.Fact, a.From)
	}
	s.normalize()
	return s
}

func mustJoin(t *testing.T, a, b *State) *State {
	t.Helper()
	s, err := Join(a, b)
	require.NoError(t, err)
	return s
}
