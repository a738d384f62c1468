package artifact

import (
	"context"
	"encoding/json"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"github.com/buildstream-go/buildstream/cachekey"
	"github.com/buildstream-go/buildstream/cas"
)

var refsBucket = []byte("artifact-refs")

// Store is the local Artifact Store, §4.7: a name→key index over artifact
// protos whose actual bytes — the proto itself and everything it
// references — live content-addressed in CAS. The index is the only
// name-addressed state; everything else is looked up by Digest.
//
// Persisted layout (§6): `<cachedir>/artifacts/refs/<project>/<element-name>/<key>`.
type Store struct {
	cas  *cas.Client
	db   *bolt.DB
	lock *flock.Flock
}

// Open opens (creating if necessary) the ref-index database at dbPath,
// backed by cas for blob storage. dbPath is typically
// `<cachedir>/artifacts/refs.db`; lockPath guards concurrent writers
// across processes, §5 "Locking discipline".
func Open(cc *cas.Client, dbPath, lockPath string) (*Store, error) {
	db, err := bolt.Open(dbPath, 0o644, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "opening artifact ref db %s", dbPath)
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

func refKey(project, element string, key cachekey.Key) []byte {
	return []byte(filepath.Join(project, element, key.String()))
}

// Contains reports whether an Artifact addressable by (project, element,
// key) exists locally, together with all blobs it references, §4.7
// "contains".
func (s *Store) Contains(ctx context.Context, project, element string, key cachekey.Key) bool {
	_, err := s.Load(ctx, project, element, key)
	return err == nil
}

// Load reads the proto referenced by (project, element, key) and verifies
// every Digest it references is present in CAS, §4.7 "load".
func (s *Store) Load(ctx context.Context, project, element string, key cachekey.Key) (*Artifact, error) {
	var blobDigest cas.Digest
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(refsBucket).Get(refKey(project, element, key))
		if b == nil {
			return errors.Errorf("no artifact ref for %s/%s@%s", project, element, key)
		}
		return json.Unmarshal(b, &blobDigest)
	})
	if err != nil {
		return nil, err
	}

	data, err := s.cas.GetBlob(ctx, blobDigest)
	if err != nil {
		return nil, errors.Wrapf(err, "loading artifact proto for %s/%s@%s", project, element, key)
	}
	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, errors.Wrap(err, "decoding artifact proto")
	}

	for _, d := range a.referencedDigests() {
		has, err := s.cas.HasBlob(ctx, d)
		if err != nil {
			return nil, err
		}
		if !has {
			return nil, errors.Errorf("artifact %s/%s@%s references missing digest %s", project, element, key, d)
		}
	}
	return &a, nil
}

// Store persists artifact, addressed under both its strong and weak key
// (§4.7 "store"), so a later build satisfied by either strength can find
// it.
func (s *Store) Store(ctx context.Context, project, element string, a *Artifact) error {
	if err := s.lock.Lock(); err != nil {
		return errors.Wrap(err, "acquiring artifact store write lock")
	}
	defer s.lock.Unlock()

	data, err := json.Marshal(a)
	if err != nil {
		return errors.Wrap(err, "encoding artifact proto")
	}
	blobDigest, err := s.cas.PushBlob(ctx, data)
	if err != nil {
		return errors.Wrap(err, "uploading artifact proto")
	}
	encoded, err := json.Marshal(blobDigest)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(refsBucket)
		if err := b.Put(refKey(project, element, a.StrongKey), encoded); err != nil {
			return err
		}
		if a.WeakKey != a.StrongKey {
			if err := b.Put(refKey(project, element, a.WeakKey), encoded); err != nil {
				return err
			}
		}
		return nil
	})
}

// Pull fetches the proto and all referenced blobs (recursively through
// Directory trees) for (project, element, key) from remote, making the
// artifact atomically visible locally on success, §4.7 "pull".
func (s *Store) Pull(ctx context.Context, project, element string, key cachekey.Key, remote *Store) (*Artifact, error) {
	a, err := remote.Load(ctx, project, element, key)
	if err != nil {
		return nil, errors.Wrapf(err, "pulling artifact %s/%s@%s", project, element, key)
	}

	for _, d := range a.referencedDigests() {
		if d == a.Files || d == a.BuildTree || d == a.StagedSources {
			if err := cas.PullTree(ctx, remote.cas, s.cas, d); err != nil {
				return nil, errors.Wrapf(err, "pulling tree %s", d)
			}
			continue
		}
		data, err := remote.cas.GetBlob(ctx, d)
		if err != nil {
			return nil, err
		}
		if _, err := s.cas.PushBlob(ctx, data); err != nil {
			return nil, err
		}
	}

	if err := s.Store(ctx, project, element, a); err != nil {
		return nil, err
	}
	return a, nil
}

// Push uploads artifact's missing blobs and its proto to remote, §4.7
// "push".
func (s *Store) Push(ctx context.Context, project, element string, a *Artifact, remote *Store) error {
	for _, d := range a.referencedDigests() {
		if d == a.Files || d == a.BuildTree || d == a.StagedSources {
			if err := cas.PushTree(ctx, s.cas, remote.cas, d); err != nil {
				return errors.Wrapf(err, "pushing tree %s", d)
			}
			continue
		}
		data, err := s.cas.GetBlob(ctx, d)
		if err != nil {
			return err
		}
		if _, err := remote.cas.PushBlob(ctx, data); err != nil {
			return err
		}
	}
	return remote.Store(ctx, project, element, a)
}

// GC computes the set of local content reachable from any (project,
// element, key) ref currently in the index, §5 "Quota/eviction". It
// deletes nothing itself: callers pass the returned reachable set on to
// casd.Daemon.MarkReachable before triggering the daemon's own pass.
func (s *Store) GC(ctx context.Context) (reachable map[cas.Digest]bool, err error) {
	var protoDigests []cas.Digest
	err = s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(refsBucket).ForEach(func(k, v []byte) error {
			var blobDigest cas.Digest
			if err := json.Unmarshal(v, &blobDigest); err != nil {
				logrus.WithError(err).WithField("ref", string(k)).Warn("artifact: skipping corrupt ref during GC scan")
				return nil
			}
			protoDigests = append(protoDigests, blobDigest)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	reachable = map[cas.Digest]bool{}
	for _, pd := range protoDigests {
		reachable[pd] = true
		data, err := s.cas.GetBlob(ctx, pd)
		if err != nil {
			logrus.WithError(err).WithField("digest", pd).Warn("artifact: skipping unreadable proto during GC scan")
			continue
		}
		var a Artifact
		if err := json.Unmarshal(data, &a); err != nil {
			continue
		}
		for _, d := range a.referencedDigests() {
			reachable[d] = true
		}
	}
	return reachable, nil
}
