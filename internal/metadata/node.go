package metadata

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	uuid "github.com/satori/go.uuid"
	"github.com/ulikunitz/xz"
)

// shardFor picks one of the 16 node-file shards for a key, giving the
// B-tree-like layout "node-{k}.bin" files described in spec.md §4.4 and
// §6 without requiring full B-tree traversal machinery.
func shardFor(id uuid.UUID) int {
	return int(id.Bytes()[15]) % shardCount
}

// shardMap is one shard's worth of the catalog: extent UUID -> encoded
// extent record bytes. Immutable once published into a snapshot; a
// transaction that touches a shard works on a fresh clone.
type shardMap map[uuid.UUID][]byte

func (s shardMap) clone() shardMap {
	out := make(shardMap, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

func nodePath(dir string, version uint64, shard int) string {
	return filepath.Join(dir, fmt.Sprintf("tree/v%d/node-%d.bin", version, shard))
}

// writeNode persists a shard's contents to its copy-on-write node file,
// xz-compressed: node files are written once per transaction and read
// rarely (recovery, snapshot iteration), favoring xz's ratio over speed.
func writeNode(dir string, version uint64, shard int, data shardMap) error {
	path := nodePath(dir, version, shard)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("metadata: mkdir for node file: %v", err)
	}

	var raw bytes.Buffer
	enc := gob.NewEncoder(&raw)
	plain := make(map[string][]byte, len(data))
	for k, v := range data {
		plain[k.String()] = v
	}
	if err := enc.Encode(plain); err != nil {
		return fmt.Errorf("metadata: encode node shard %d: %v", shard, err)
	}

	var compressed bytes.Buffer
	w, err := xz.NewWriter(&compressed)
	if err != nil {
		return fmt.Errorf("metadata: create xz writer: %v", err)
	}
	if _, err := w.Write(raw.Bytes()); err != nil {
		return fmt.Errorf("metadata: xz-compress node shard %d: %v", shard, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("metadata: finalize xz stream: %v", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, compressed.Bytes(), 0o644); err != nil {
		return fmt.Errorf("metadata: write node temp file: %v", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("metadata: rename node file into place: %v", err)
	}
	return nil
}

// readNode loads a shard's node file for a given version. A missing file
// (a shard that has never had an entry at this version) is treated as
// empty, not an error.
func readNode(dir string, version uint64, shard int) (shardMap, error) {
	path := nodePath(dir, version, shard)
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return shardMap{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("metadata: read node file %s: %v", path, err)
	}

	r, err := xz.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("metadata: open xz stream for %s: %v", path, err)
	}
	plainBytes, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("metadata: decompress %s: %v", path, err)
	}

	var plain map[string][]byte
	dec := gob.NewDecoder(bytes.NewReader(plainBytes))
	if err := dec.Decode(&plain); err != nil {
		return nil, fmt.Errorf("metadata: decode node file %s: %v", path, err)
	}

	out := make(shardMap, len(plain))
	for k, v := range plain {
		id, err := uuid.FromString(k)
		if err != nil {
			return nil, fmt.Errorf("metadata: bad key %q in node file %s: %v", k, path, err)
		}
		out[id] = v
	}
	return out, nil
}

// listNodeVersions returns every version directory present under dir/tree,
// sorted ascending, used by recovery to clean up orphaned future versions
// and by GCOldRoots to find reclaimable ones.
func listNodeVersions(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(filepath.Join(dir, "tree"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("metadata: list tree directory: %v", err)
	}
	var versions []uint64
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		var v uint64
		if _, err := fmt.Sscanf(e.Name(), "v%d", &v); err == nil {
			versions = append(versions, v)
		}
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })
	return versions, nil
}
