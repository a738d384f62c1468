// Package sourcecache implements the Source Store (§4.8): the analogue of
// the Artifact Store for source-staging trees, keyed by a source's
// fingerprint rather than an element name plus cache key.
package sourcecache

import (
	"context"
	"encoding/json"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/buildstream-go/buildstream/cas"
)

var refsBucket = []byte("source-refs")

// Entry records the staged tree for one source's fingerprint, §3 "Source"
// capability get_unique_key plus is-cached.
type Entry struct {
	Fingerprint string
	Tree        cas.Digest
}

// Store persists source-staging trees keyed by source fingerprint,
// pulling/pushing them to/from a remote source cache, §4.8.
//
// Persisted layout (§6): `<cachedir>/sources/refs/<fingerprint>`.
type Store struct {
	cas  *cas.Client
	db   *bolt.DB
	lock *flock.Flock
}

// Open opens (creating if necessary) the ref-index database at dbPath.
func Open(cc *cas.Client, dbPath, lockPath string) (*Store, error) {
	db, err := bolt.Open(dbPath, 0o644, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "opening source ref db %s", dbPath)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(refsBucket)
		return err
	}); err != nil {
		return nil, err
	}
	return &Store{cas: cc, db: db, lock: flock.New(lockPath)}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Contains reports whether the staged tree for fingerprint is present
// locally, §3 "is-cached".
func (s *Store) Contains(ctx context.Context, fingerprint string) bool {
	_, err := s.Get(ctx, fingerprint)
	return err == nil
}

func (s *Store) lookup(fingerprint string) (cas.Digest, bool, error) {
	var d cas.Digest
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(refsBucket).Get([]byte(fingerprint))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &d)
	})
	return d, found, err
}

// Get returns the staged tree digest for fingerprint.
func (s *Store) Get(ctx context.Context, fingerprint string) (cas.Digest, error) {
	d, ok, err := s.lookup(fingerprint)
	if err != nil {
		return cas.Digest{}, err
	}
	if !ok {
		return cas.Digest{}, errors.Errorf("no cached source tree for fingerprint %s", fingerprint)
	}
	has, err := s.cas.HasBlob(ctx, d)
	if err != nil {
		return cas.Digest{}, err
	}
	if !has {
		return cas.Digest{}, errors.Errorf("source tree %s for fingerprint %s missing from cas", d, fingerprint)
	}
	return d, nil
}

// Put records tree as the staged result of fetching+staging fingerprint.
func (s *Store) Put(ctx context.Context, fingerprint string, tree cas.Digest) error {
	if err := s.lock.Lock(); err != nil {
		return errors.Wrap(err, "acquiring source store write lock")
	}
	defer s.lock.Unlock()

	data, err := json.Marshal(tree)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(refsBucket).Put([]byte(fingerprint), data)
	})
}

// Pull fetches the staged tree for fingerprint from remote into s, §4.8
// "may consult remote source caches before invoking the plugin's native
// fetch".
func (s *Store) Pull(ctx context.Context, fingerprint string, remote *Store) (cas.Digest, error) {
	tree, err := remote.Get(ctx, fingerprint)
	if err != nil {
		return cas.Digest{}, err
	}
	if err := cas.PullTree(ctx, remote.cas, s.cas, tree); err != nil {
		return cas.Digest{}, err
	}
	if err := s.Put(ctx, fingerprint, tree); err != nil {
		return cas.Digest{}, err
	}
	return tree, nil
}

// Push uploads the staged tree for fingerprint to remote, the
// SourcePushQueue operation, §4.4.
func (s *Store) Push(ctx context.Context, fingerprint string, remote *Store) error {
	tree, err := s.Get(ctx, fingerprint)
	if err != nil {
		return err
	}
	if err := cas.PushTree(ctx, s.cas, remote.cas, tree); err != nil {
		return err
	}
	return remote.Put(ctx, fingerprint, tree)
}
