// Package metadata implements the persisted ordered map and root-commit
// transaction protocol described in spec.md §4.4: an extent catalog backed
// by copy-on-write node files, with atomic rename-over-root.current as the
// commit's linearization point.
package metadata

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	uuid "github.com/satori/go.uuid"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "metadata")

// snapshot is one consistent, immutable view of every shard. Shards a
// transaction does not touch are shared by reference with the prior
// snapshot — true copy-on-write.
type snapshot struct {
	shards [shardCount]shardMap
}

func emptySnapshot() *snapshot {
	s := &snapshot{}
	for i := range s.shards {
		s.shards[i] = shardMap{}
	}
	return s
}

// Store is the persisted, transactional extent catalog.
type Store struct {
	dir string

	mu      sync.Mutex // root pointer lock: lock order position 1, per spec.md §5
	root    Root
	current *snapshot
	history []Root // most-recent-first, bounded by keepGenerations

	keepGenerations int
}

// Options configure a Store.
type Options struct {
	// RootGenerationsKept bounds how many committed root generations
	// GCOldRoots retains by default (SPEC_FULL.md §5's backup-generation
	// retention). Defaults to 3.
	RootGenerationsKept int
}

// Open loads an existing Store from dir, recovering per spec.md §4.4 step
// 4, or initializes a fresh empty one if dir has no committed root yet.
func Open(dir string, opts Options) (*Store, error) {
	if opts.RootGenerationsKept <= 0 {
		opts.RootGenerationsKept = 3
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("metadata: create pool directory: %v", err)
	}

	s := &Store{dir: dir, keepGenerations: opts.RootGenerationsKept}

	root, err := s.recover()
	if err != nil {
		return nil, err
	}
	s.root = root

	snap, err := s.loadSnapshot(root)
	if err != nil {
		return nil, fmt.Errorf("metadata: load snapshot for recovered root: %v", err)
	}
	s.current = snap
	s.history = []Root{root}

	if err := s.cleanOrphanedFutureVersions(root.Version); err != nil {
		log.WithError(err).Warn("metadata: failed to clean orphaned future versions")
	}

	return s, nil
}

func (s *Store) rootCurrentPath() string  { return filepath.Join(s.dir, "root.current") }
func (s *Store) rootPreviousPath() string { return filepath.Join(s.dir, "root.previous") }

// recover implements spec.md §4.4 step 4: read the committed root pointer,
// verify its checksum, fall back to root.previous on failure. Both
// generations failing is a fatal condition (spec.md §7) surfaced as
// ErrFatalCorruption for the caller to escalate.
func (s *Store) recover() (Root, error) {
	if b, err := os.ReadFile(s.rootCurrentPath()); err == nil {
		if root, decErr := decodeRoot(b); decErr == nil {
			if verErr := root.verify(); verErr == nil {
				return root, nil
			} else {
				log.WithError(verErr).Warn("metadata: root.current failed verification, falling back")
			}
		}
	} else if !os.IsNotExist(err) {
		return Root{}, fmt.Errorf("metadata: read root.current: %v", err)
	} else {
		return Root{}, nil // fresh pool
	}

	if b, err := os.ReadFile(s.rootPreviousPath()); err == nil {
		if root, decErr := decodeRoot(b); decErr == nil {
			if verErr := root.verify(); verErr == nil {
				log.Warn("metadata: recovered from root.previous")
				return root, nil
			}
		}
	}

	return Root{}, ErrFatalCorruption
}

// ErrFatalCorruption is spec.md §7's fatal condition: the committed root
// checksum fails verification and the previous generation also fails.
// Callers must abort the process rather than continue with unknown state.
var ErrFatalCorruption = fmt.Errorf("metadata: committed root and previous generation both failed checksum verification")

func (s *Store) loadSnapshot(root Root) (*snapshot, error) {
	snap := &snapshot{}
	for i := 0; i < shardCount; i++ {
		shard, err := readNode(s.dir, root.ShardVersions[i], i)
		if err != nil {
			return nil, err
		}
		snap.shards[i] = shard
	}
	return snap, nil
}

func (s *Store) cleanOrphanedFutureVersions(committed uint64) error {
	versions, err := listNodeVersions(s.dir)
	if err != nil {
		return err
	}
	for _, v := range versions {
		if v > committed {
			if err := os.RemoveAll(filepath.Join(s.dir, fmt.Sprintf("tree/v%d", v))); err != nil {
				return fmt.Errorf("metadata: remove orphaned version v%d: %v", v, err)
			}
		}
	}
	return nil
}

// Txn is an in-flight metadata transaction. Callers must call Commit or
// Abort exactly once; Abort is safe to call after a successful Commit (a
// no-op), matching the defer-abort idiom used across the Go ecosystem's
// transaction types.
type Txn struct {
	store       *Store
	base        *snapshot
	baseRoot    Root
	nextVersion uint64

	work      [shardCount]shardMap
	touched   [shardCount]bool
	done      bool
}

// Begin starts a transaction. It holds the Store's root-pointer lock for
// its entire lifetime, matching spec.md §5 ("Metadata writes are
// single-writer, serialized by the root pointer lock").
func (s *Store) Begin() *Txn {
	s.mu.Lock()
	next := s.root.nextVersion()
	return &Txn{
		store:       s,
		base:        s.current,
		baseRoot:    s.root,
		nextVersion: next.Version,
	}
}

func (t *Txn) shard(id uuid.UUID) (int, shardMap) {
	idx := shardFor(id)
	if !t.touched[idx] {
		t.work[idx] = t.base.shards[idx].clone()
		t.touched[idx] = true
	}
	return idx, t.work[idx]
}

// Insert stages a key/value write, persisting the touched shard's node
// file immediately under the transaction's next version (spec.md §4.4
// step 1: "staged mutations write new node files under the next root
// version").
func (t *Txn) Insert(id uuid.UUID, value []byte) error {
	idx, shard := t.shard(id)
	shard[id] = value
	return writeNode(t.store.dir, t.nextVersion, idx, shard)
}

// Remove stages a deletion.
func (t *Txn) Remove(id uuid.UUID) error {
	idx, shard := t.shard(id)
	delete(shard, id)
	return writeNode(t.store.dir, t.nextVersion, idx, shard)
}

// Get reads a key as staged so far in this transaction, falling back to
// the transaction's base snapshot for untouched shards.
func (t *Txn) Get(id uuid.UUID) ([]byte, bool) {
	idx := shardFor(id)
	if t.touched[idx] {
		v, ok := t.work[idx][id]
		return v, ok
	}
	v, ok := t.base.shards[idx][id]
	return v, ok
}

// NextExtentID returns and increments the root's monotonic extent ordinal,
// staged for this transaction.
func (t *Txn) NextExtentID() uint64 {
	id := t.baseRoot.NextExtentID
	t.baseRoot.NextExtentID++
	return id
}

// Commit writes the new root with state=committed and the given checksum
// to root.tmp, fsyncs it, renames it atomically over root.current (the
// linearization point), and fsyncs the directory, per spec.md §4.4 step 2.
func (t *Txn) Commit(stateChecksum uint32) error {
	if t.done {
		return nil
	}
	defer func() { t.done = true; t.store.mu.Unlock() }()

	newRoot := t.baseRoot
	newRoot.Version = t.nextVersion
	newRoot.State = stateCommitted
	for i := 0; i < shardCount; i++ {
		if t.touched[i] {
			newRoot.ShardVersions[i] = t.nextVersion
		}
	}
	newRoot.StateChecksum = 0
	newRoot.StateChecksum = combineChecksum(newRoot.checksum(), stateChecksum)

	if err := t.store.commitRoot(newRoot); err != nil {
		return err
	}

	newSnapshot := &snapshot{}
	for i := 0; i < shardCount; i++ {
		if t.touched[i] {
			newSnapshot.shards[i] = t.work[i]
		} else {
			newSnapshot.shards[i] = t.base.shards[i]
		}
	}
	t.store.current = newSnapshot
	t.store.root = newRoot
	t.store.history = append([]Root{newRoot}, t.store.history...)
	if len(t.store.history) > t.store.keepGenerations {
		t.store.history = t.store.history[:t.store.keepGenerations]
	}
	return nil
}

// combineChecksum folds a caller-supplied payload checksum (e.g. the
// ExtentRecord checksum being committed) into the root's own
// state_checksum so recovery can detect either kind of corruption.
func combineChecksum(rootSum, payloadSum uint32) uint32 {
	return rootSum ^ (payloadSum*2654435761 + 0x9e3779b9)
}

// Abort releases the transaction's lock without advancing the committed
// root. Any node files already written under nextVersion are left as
// garbage, collected later by GCOldRoots, per spec.md §4.4 step 3.
func (t *Txn) Abort() {
	if t.done {
		return
	}
	t.done = true
	t.store.mu.Unlock()
}

func (s *Store) commitRoot(root Root) error {
	tmp := filepath.Join(s.dir, "root.tmp")
	if err := os.WriteFile(tmp, root.encode(), 0o644); err != nil {
		return fmt.Errorf("metadata: write root.tmp: %v", err)
	}
	f, err := os.Open(tmp)
	if err != nil {
		return fmt.Errorf("metadata: reopen root.tmp for fsync: %v", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("metadata: fsync root.tmp: %v", err)
	}
	f.Close()

	// Preserve the outgoing committed root as root.previous before the
	// rename makes the new one current.
	if b, err := os.ReadFile(s.rootCurrentPath()); err == nil {
		_ = os.WriteFile(s.rootPreviousPath(), b, 0o644)
	}

	if err := os.Rename(tmp, s.rootCurrentPath()); err != nil {
		return fmt.Errorf("metadata: rename root.tmp over root.current: %v", err)
	}
	dir, err := os.Open(s.dir)
	if err == nil {
		_ = dir.Sync()
		dir.Close()
	}
	return nil
}

// Get reads a key from the current committed snapshot, non-blocking with
// respect to writers.
func (s *Store) Get(id uuid.UUID) ([]byte, bool) {
	s.mu.Lock()
	snap := s.current
	s.mu.Unlock()
	v, ok := snap.shards[shardFor(id)][id]
	return v, ok
}

// ContainsKey reports whether id is present in the current snapshot.
func (s *Store) ContainsKey(id uuid.UUID) bool {
	_, ok := s.Get(id)
	return ok
}

// Len returns the number of entries across every shard of the current
// snapshot.
func (s *Store) Len() int {
	s.mu.Lock()
	snap := s.current
	s.mu.Unlock()
	total := 0
	for _, shard := range snap.shards {
		total += len(shard)
	}
	return total
}

// ListAll returns a snapshot iterator's worth of entries: every key/value
// pair as of the moment ListAll was called, unaffected by concurrent
// writers (spec.md §4.4's "in-order snapshot iterator").
func (s *Store) ListAll() map[uuid.UUID][]byte {
	s.mu.Lock()
	snap := s.current
	s.mu.Unlock()
	out := make(map[uuid.UUID][]byte)
	for _, shard := range snap.shards {
		for k, v := range shard {
			out[k] = v
		}
	}
	return out
}

// GCOldRoots deletes node files whose version is older than the keep-th
// most recent committed root version still referenced by ShardVersions,
// per spec.md §4.4 step 3.
func (s *Store) GCOldRoots(keep int) error {
	s.mu.Lock()
	history := append([]Root{}, s.history...)
	s.mu.Unlock()

	if keep <= 0 || keep > len(history) {
		keep = len(history)
	}
	if keep == 0 {
		return nil
	}
	kept := history[:keep]

	minReferenced := kept[0].Version
	for _, r := range kept {
		for _, v := range r.ShardVersions {
			if v < minReferenced {
				minReferenced = v
			}
		}
		if r.Version < minReferenced {
			minReferenced = r.Version
		}
	}

	versions, err := listNodeVersions(s.dir)
	if err != nil {
		return err
	}
	for _, v := range versions {
		if v < minReferenced {
			if err := os.RemoveAll(filepath.Join(s.dir, fmt.Sprintf("tree/v%d", v))); err != nil {
				return fmt.Errorf("metadata: gc version v%d: %v", v, err)
			}
		}
	}
	return nil
}

// CurrentVersion returns the committed root's version number.
func (s *Store) CurrentVersion() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.root.Version
}
