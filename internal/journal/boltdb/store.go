package boltdb

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"os"
	"path"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/hxrts/aura-sub023/common"
	"github.com/hxrts/aura-sub023/common/codec"
	"github.com/hxrts/aura-sub023/common/log"
	"github.com/hxrts/aura-sub023/internal/journal"
	"github.com/hxrts/aura-sub023/internal/metrics"
)

// BoltFileName is the name of the file boltdb writes to
const BoltFileName = "journal.db"

// BoltStoreOpenPerm is the permission we will use to read bolt store file from disk
const BoltStoreOpenPerm = 0660

var (
	factBucket  = []byte("facts")
	indexBucket = []byte("index")
	scopeBucket = []byte("scopes")
)

// Store implements journal.Store on top of boltdb. Facts are stored as
// canonical envelopes keyed by fact id; a nested bucket per context indexes
// them by epoch(8 bytes big endian) || fact id, which is also replay order.
type Store struct {
	db  *bolt.DB
	log log.Logger
}

// NewStore opens or creates the journal database in folder.
func NewStore(ctx context.Context, l log.Logger, folder string, opts *bolt.Options) (*Store, error) {
	ctx, span := metrics.NewSpan(ctx, "boltStore.NewStore")
	defer span.End()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	if err := os.MkdirAll(folder, 0740); err != nil {
		return nil, err
	}
	dbPath := path.Join(folder, BoltFileName)
	db, err := bolt.Open(dbPath, BoltStoreOpenPerm, opts)
	if err != nil {
		return nil, err
	}
	// create the buckets already
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{factBucket, indexBucket, scopeBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db, log: l.Named("boltdb")}, nil
}

func indexKey(f *journal.Fact) []byte {
	key := make([]byte, 8, 8+len(f.ID.Hash32))
	binary.BigEndian.PutUint64(key, uint64(f.Epoch))
	return append(key, f.ID.Hash32[:]...)
}

// Len counts the facts indexed under c.
func (b *Store) Len(ctx context.Context, c common.ContextID) (int, error) {
	ctx, span := metrics.NewSpan(ctx, "boltStore.Len")
	defer span.End()

	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}

	var length = 0
	err := b.db.View(func(tx *bolt.Tx) error {
		idx := tx.Bucket(indexBucket).Bucket(c.UUID[:])
		if idx == nil {
			return nil
		}
		length = idx.Stats().KeyN
		return nil
	})
	if err != nil {
		b.log.Warnw("error getting length", "context", c, "err", err)
	}
	return length, err
}

func (b *Store) Close() error {
	err := b.db.Close()
	if err != nil {
		b.log.Errorw("closing", "err", err)
	}
	return err
}

// Put stores every fact in a single transaction. A fact already stored is
// overwritten, which is how finality promotions are persisted.
func (b *Store) Put(ctx context.Context, facts ...*journal.Fact) error {
	ctx, span := metrics.NewSpan(ctx, "boltStore.Put")
	defer span.End()

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(factBucket)
		for _, f := range facts {
			value, err := journal.EncodeFact(f)
			if err != nil {
				return err
			}
			if err := bucket.Put(f.ID.Hash32[:], value); err != nil {
				b.log.Errorw("storing fact", "fact", f.ID.Short(), "err", err)
				return err
			}
			idx, err := tx.Bucket(indexBucket).CreateBucketIfNotExists(f.Context.UUID[:])
			if err != nil {
				return err
			}
			if err := idx.Put(indexKey(f), nil); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *Store) Get(ctx context.Context, id common.FactID) (*journal.Fact, error) {
	ctx, span := metrics.NewSpan(ctx, "boltStore.Get")
	defer span.End()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	var fact *journal.Fact
	err := b.db.View(func(tx *bolt.Tx) error {
		f, err := getFact(tx.Bucket(factBucket), id.Hash32[:])
		fact = f
		return err
	})
	return fact, err
}

func getFact(bucket *bolt.Bucket, key []byte) (*journal.Fact, error) {
	v := bucket.Get(key)
	if v == nil {
		return nil, journal.ErrNoFactStored
	}
	// bolt values are only valid for the life of the transaction
	return journal.DecodeFact(bytes.Clone(v))
}

// Context replays the facts of c in (epoch, id) order.
func (b *Store) Context(ctx context.Context, c common.ContextID) ([]*journal.Fact, error) {
	ctx, span := metrics.NewSpan(ctx, "boltStore.Context")
	defer span.End()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	var out []*journal.Fact
	err := b.db.View(func(tx *bolt.Tx) error {
		idx := tx.Bucket(indexBucket).Bucket(c.UUID[:])
		if idx == nil {
			return nil
		}
		facts := tx.Bucket(factBucket)
		return idx.ForEach(func(k, _ []byte) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			f, err := getFact(facts, k[8:])
			if err != nil {
				b.log.Errorw("replaying context", "context", c, "err", err)
				return err
			}
			out = append(out, f)
			return nil
		})
	})
	return out, err
}

func (b *Store) Epoch(ctx context.Context, c common.ContextID, e common.Epoch) ([]common.FactID, error) {
	ctx, span := metrics.NewSpan(ctx, "boltStore.Epoch")
	defer span.End()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	prefix := make([]byte, 8)
	binary.BigEndian.PutUint64(prefix, uint64(e))
	var out []common.FactID
	err := b.db.View(func(tx *bolt.Tx) error {
		idx := tx.Bucket(indexBucket).Bucket(c.UUID[:])
		if idx == nil {
			return nil
		}
		cur := idx.Cursor()
		for k, _ := cur.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = cur.Next() {
			var id common.FactID
			copy(id.Hash32[:], k[8:])
			out = append(out, id)
		}
		return nil
	})
	return out, err
}

func (b *Store) Contexts(ctx context.Context) ([]common.ContextID, error) {
	ctx, span := metrics.NewSpan(ctx, "boltStore.Contexts")
	defer span.End()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	var out []common.ContextID
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(indexBucket).ForEachBucket(func(k []byte) error {
			id, err := uuid.FromBytes(k)
			if err != nil {
				return err
			}
			out = append(out, common.ContextID{UUID: id})
			return nil
		})
	})
	return out, err
}

func (b *Store) PutScope(ctx context.Context, cfg journal.ScopeConfig) error {
	ctx, span := metrics.NewSpan(ctx, "boltStore.PutScope")
	defer span.End()

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	value, err := codec.Marshal(cfg)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(scopeBucket).Put(cfg.Scope.UUID[:], value)
	})
}

func (b *Store) Scopes(ctx context.Context) ([]journal.ScopeConfig, error) {
	ctx, span := metrics.NewSpan(ctx, "boltStore.Scopes")
	defer span.End()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	var out []journal.ScopeConfig
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(scopeBucket).ForEach(func(_, v []byte) error {
			var cfg journal.ScopeConfig
			if err := codec.Unmarshal(v, &cfg); err != nil {
				return err
			}
			out = append(out, cfg)
			return nil
		})
	})
	return out, err
}

// SaveTo writes a consistent copy of the database to w.
func (b *Store) SaveTo(ctx context.Context, w io.Writer) error {
	_, span := metrics.NewSpan(ctx, "boltStore.SaveTo")
	defer span.End()

	return b.db.View(func(tx *bolt.Tx) error {
		_, err := tx.WriteTo(w)
		return err
	})
}
