package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mmcdole/kinosync/internal/domain"
	bolt "go.etcd.io/bbolt"
)

// BoltStore implements domain.Store using BoltDB.
// With an empty directory it runs memory-only (nothing survives Close).
type BoltStore struct {
	db *bolt.DB

	// Memory-only mode
	mu  sync.RWMutex
	mem map[domain.Collection]map[string][]byte
	seq map[domain.Collection]uint64
}

var _ domain.Store = (*BoltStore)(nil)

// callerError marks errors produced by caller code inside a transaction so they
// are not mistaken for storage failures.
type callerError struct{ err error }

func (e callerError) Error() string { return e.err.Error() }

// Open opens (or creates) the store under baseDir. When serverURL is set the
// database lives in a per-server subdirectory so accounts never share state.
func Open(baseDir, serverURL string) (*BoltStore, error) {
	if baseDir == "" {
		return newMemoryStore(), nil
	}

	dir := baseDir
	if serverURL != "" {
		dir = filepath.Join(baseDir, hashServerURL(serverURL))
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}

	dbPath := filepath.Join(dir, "kinosync.db")
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open bolt db: %v", domain.ErrStoreUnavailable, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, c := range domain.Collections {
			if _, err := tx.CreateBucketIfNotExists([]byte(c)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}

	return &BoltStore{db: db}, nil
}

func newMemoryStore() *BoltStore {
	s := &BoltStore{
		mem: make(map[domain.Collection]map[string][]byte),
		seq: make(map[domain.Collection]uint64),
	}
	for _, c := range domain.Collections {
		s.mem[c] = make(map[string][]byte)
	}
	return s
}

func hashServerURL(serverURL string) string {
	normalized := strings.TrimRight(strings.ToLower(serverURL), "/")
	hash := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(hash[:6])
}

// Path returns the database file path, or "" in memory-only mode.
func (s *BoltStore) Path() string {
	if s.db == nil {
		return ""
	}
	return s.db.Path()
}

func (s *BoltStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// wrap classifies an error returned by a bolt transaction.
func wrap(err error) error {
	if err == nil {
		return nil
	}
	var ce callerError
	if errors.As(err, &ce) {
		return ce.err
	}
	return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
}

func bucket(tx *bolt.Tx, c domain.Collection) (*bolt.Bucket, error) {
	b := tx.Bucket([]byte(c))
	if b == nil {
		return nil, fmt.Errorf("missing bucket %q", c)
	}
	return b, nil
}

func (s *BoltStore) Get(ctx context.Context, c domain.Collection, key string, dest any) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	var data []byte
	if s.db == nil {
		s.mu.RLock()
		data = s.mem[c][key]
		s.mu.RUnlock()
	} else {
		err := s.db.View(func(tx *bolt.Tx) error {
			b, err := bucket(tx, c)
			if err != nil {
				return err
			}
			if v := b.Get([]byte(key)); v != nil {
				data = make([]byte, len(v))
				copy(data, v)
			}
			return nil
		})
		if err != nil {
			return false, wrap(err)
		}
	}

	if data == nil {
		return false, nil
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("decode %s/%s: %w", c, key, err)
	}
	return true, nil
}

func (s *BoltStore) Put(ctx context.Context, c domain.Collection, rec domain.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", c, rec.PrimaryKey(), err)
	}

	if s.db == nil {
		s.mu.Lock()
		s.mem[c][rec.PrimaryKey()] = data
		s.mu.Unlock()
		return nil
	}

	return wrap(s.db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, c)
		if err != nil {
			return err
		}
		return b.Put([]byte(rec.PrimaryKey()), data)
	}))
}

// Insert assigns the collection's next sequence number to rec and stores it
// in the same transaction.
func (s *BoltStore) Insert(ctx context.Context, c domain.Collection, rec domain.AutoKeyed) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if s.db == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.seq[c]++
		rec.SetID(s.seq[c])
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode %s: %w", c, err)
		}
		s.mem[c][rec.PrimaryKey()] = data
		return nil
	}

	return wrap(s.db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, c)
		if err != nil {
			return err
		}
		id, err := b.NextSequence()
		if err != nil {
			return err
		}
		rec.SetID(id)
		data, err := json.Marshal(rec)
		if err != nil {
			return callerError{fmt.Errorf("encode %s: %w", c, err)}
		}
		return b.Put([]byte(rec.PrimaryKey()), data)
	}))
}

// Update runs fn against the current value of key inside a single write
// transaction. fn returning (nil, nil) deletes the key.
func (s *BoltStore) Update(ctx context.Context, c domain.Collection, key string, fn domain.UpdateFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if s.db == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		next, err := fn(s.mem[c][key])
		if err != nil {
			return err
		}
		if next == nil {
			delete(s.mem[c], key)
		} else {
			s.mem[c][key] = next
		}
		return nil
	}

	return wrap(s.db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, c)
		if err != nil {
			return err
		}
		var current []byte
		if v := b.Get([]byte(key)); v != nil {
			current = make([]byte, len(v))
			copy(current, v)
		}
		next, err := fn(current)
		if err != nil {
			return callerError{err}
		}
		if next == nil {
			return b.Delete([]byte(key))
		}
		return b.Put([]byte(key), next)
	}))
}

func (s *BoltStore) Delete(ctx context.Context, c domain.Collection, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if s.db == nil {
		s.mu.Lock()
		delete(s.mem[c], key)
		s.mu.Unlock()
		return nil
	}

	return wrap(s.db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, c)
		if err != nil {
			return err
		}
		return b.Delete([]byte(key))
	}))
}

// GetAll calls fn for every record in the collection. Values are copies and
// may be retained.
func (s *BoltStore) GetAll(ctx context.Context, c domain.Collection, fn func(key string, value []byte) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if s.db == nil {
		s.mu.RLock()
		snapshot := make(map[string][]byte, len(s.mem[c]))
		for k, v := range s.mem[c] {
			snapshot[k] = v
		}
		s.mu.RUnlock()
		for k, v := range snapshot {
			if err := fn(k, v); err != nil {
				return err
			}
		}
		return nil
	}

	return wrap(s.db.View(func(tx *bolt.Tx) error {
		b, err := bucket(tx, c)
		if err != nil {
			return err
		}
		return b.ForEach(func(k, v []byte) error {
			value := make([]byte, len(v))
			copy(value, v)
			if err := fn(string(k), value); err != nil {
				return callerError{err}
			}
			return nil
		})
	}))
}

// All decodes every record of a collection into T.
func All[T any](ctx context.Context, s domain.Store, c domain.Collection) ([]T, error) {
	var out []T
	err := s.GetAll(ctx, c, func(key string, value []byte) error {
		var item T
		if err := json.Unmarshal(value, &item); err != nil {
			return fmt.Errorf("decode %s/%s: %w", c, key, err)
		}
		out = append(out, item)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
