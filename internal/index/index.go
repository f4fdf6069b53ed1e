// Package index implements the per-folder persistent store of signed
// meta records and the chunk location map (spec.md §4.3 / C3).
package index

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"os"
	"sync"

	"github.com/foldersync/foldersyncd/internal/meta"
	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	dberrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/filter"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// minCache/minHandles match the teacher's pkg/cache tuning: small enough
// for dozens of folders to coexist on a modest host.
const (
	minCache   = 16
	minHandles = 32
)

var (
	// ErrNotFound mirrors leveldb.ErrNotFound under this package's name.
	ErrNotFound = errors.New("index: not found")
	// ErrStaleRevision names the error kind for a revision older than the
	// path's current one (spec.md §7, "normal race"). PutMeta does not
	// return it: an older revision is stored as history without moving
	// the current pointer, and PutAllowed reports the condition instead.
	ErrStaleRevision = errors.New("index: stale revision")
	// ErrUnknownWriter is returned by PutMeta when a record's embedded
	// WriterPubKey does not match the folder's pinned writer key: the
	// record is validly self-signed but not by this folder's writer,
	// exactly what spec.md §3/§7's signed-by-the-writer-key trust model
	// must reject.
	ErrUnknownWriter = errors.New("index: record writer key does not match folder")
)

// Event is published by the Index after a successful PutMeta.
type Event struct {
	Record     meta.Record
	External   bool // true if the record arrived from a peer, not a local write
}

// Index is the persistent store for one folder.
type Index struct {
	mu sync.RWMutex
	db *leveldb.DB

	// writerPubKey is the folder's pinned writer public key: PutMeta
	// rejects any record whose own embedded WriterPubKey doesn't match it,
	// rather than trusting whatever key the record carries.
	writerPubKey []byte

	// subscribers receive every metaAdded / metaAddedExternal event.
	subMu sync.Mutex
	subs  []chan Event
}

// Open opens (creating if necessary) the leveldb-backed index at path.
// writerPubKey is the folder's pinned writer public key (see
// secret.Secret.WriterPublicKey), against which every record PutMeta is
// asked to store must match.
func Open(path string, writerPubKey []byte) (*Index, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, errors.Wrap(err, "index: mkdir")
	}
	options := configureOptions(minCache, minHandles)
	db, err := leveldb.OpenFile(path, options)
	if _, corrupted := err.(*dberrors.ErrCorrupted); corrupted {
		db, err = leveldb.RecoverFile(path, nil)
	}
	if err != nil {
		return nil, errors.Wrap(err, "index: open")
	}
	return &Index{db: db, writerPubKey: writerPubKey}, nil
}

func configureOptions(cache, handles int) *opt.Options {
	if cache < minCache {
		cache = minCache
	}
	if handles < minHandles {
		handles = minHandles
	}
	return &opt.Options{
		Filter:                 filter.NewBloomFilter(10),
		DisableSeeksCompaction: true,
		OpenFilesCacheCapacity: handles,
		BlockCacheCapacity:     cache / 2 * opt.MiB,
		WriteBuffer:            cache / 4 * opt.MiB,
	}
}

// Close flushes pending writes and releases the underlying database.
func (idx *Index) Close() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.db.Close()
}

// Subscribe returns a channel that receives every future PutMeta event.
// The channel is closed when unsubscribe is called.
func (idx *Index) Subscribe() (events <-chan Event, unsubscribe func()) {
	ch := make(chan Event, 64)
	idx.subMu.Lock()
	idx.subs = append(idx.subs, ch)
	idx.subMu.Unlock()
	return ch, func() {
		idx.subMu.Lock()
		defer idx.subMu.Unlock()
		for i, c := range idx.subs {
			if c == ch {
				idx.subs = append(idx.subs[:i], idx.subs[i+1:]...)
				close(ch)
				return
			}
		}
	}
}

func (idx *Index) publish(ev Event) {
	idx.subMu.Lock()
	defer idx.subMu.Unlock()
	for _, ch := range idx.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func metaKey(pathID [20]byte, revision uint64) []byte {
	key := make([]byte, 2+20+8)
	copy(key, "m/")
	copy(key[2:], pathID[:])
	binary.BigEndian.PutUint64(key[22:], revision)
	return key
}

func metaPrefix(pathID [20]byte) []byte {
	key := make([]byte, 2+20)
	copy(key, "m/")
	copy(key[2:], pathID[:])
	return key
}

func currentKey(pathID [20]byte) []byte {
	key := make([]byte, 4+20)
	copy(key, "cur/")
	copy(key[4:], pathID[:])
	return key
}

func chunkMapKey(ctHash [32]byte) []byte {
	key := make([]byte, 2+32)
	copy(key, "c/")
	copy(key[2:], ctHash[:])
	return key
}

func chunkDataKey(ctHash [32]byte) []byte {
	key := make([]byte, 3+32)
	copy(key, "ct/")
	copy(key[3:], ctHash[:])
	return key
}

func assembledKey(pathID [20]byte) []byte {
	key := make([]byte, 2+20)
	copy(key, "a/")
	copy(key[2:], pathID[:])
	return key
}

// HaveMeta reports whether a record for (pathID, revision) is stored.
func (idx *Index) HaveMeta(pathID [20]byte, revision uint64) (bool, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	ok, err := idx.db.Has(metaKey(pathID, revision), nil)
	if err != nil {
		return false, errors.Wrap(err, "index: has")
	}
	return ok, nil
}

// GetMeta returns the stored record for (pathID, revision), or
// ErrNotFound.
func (idx *Index) GetMeta(pathID [20]byte, revision uint64) (meta.Record, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	raw, err := idx.db.Get(metaKey(pathID, revision), nil)
	if err == leveldb.ErrNotFound {
		return meta.Record{}, ErrNotFound
	}
	if err != nil {
		return meta.Record{}, errors.Wrap(err, "index: get")
	}
	return meta.Decode(raw)
}

// currentRevision returns the highest known revision for pathID, and
// whether one exists at all.
func (idx *Index) currentRevision(pathID [20]byte) (uint64, bool, error) {
	raw, err := idx.db.Get(currentKey(pathID), nil)
	if err == leveldb.ErrNotFound {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrap(err, "index: get current")
	}
	return binary.BigEndian.Uint64(raw), true, nil
}

// PutAllowed reports whether storing revision for pathID would become
// (or already is) the current view: false iff a strictly newer revision
// for the same path already exists.
func (idx *Index) PutAllowed(pathID [20]byte, revision uint64) (bool, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	cur, ok, err := idx.currentRevision(pathID)
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}
	return revision >= cur, nil
}

// PutMeta verifies r's signature and atomically inserts it, updating the
// chunk map and the current-revision pointer if r is now the newest
// revision for its path. external marks whether r arrived from a peer
// (emits metaAddedExternal) or was produced locally (emits metaAdded).
//
// The whole operation — meta record, chunk map entries, current pointer
// — lands in a single leveldb batch, so a crash mid-write leaves the
// store exactly as it was before the call (spec.md §4.3's transactional
// requirement), relying on leveldb's own write-ahead log the same way
// the teacher's pkg/cache does for its single-key writes.
func (idx *Index) PutMeta(r meta.Record, external bool) error {
	if err := r.Verify(); err != nil {
		return err
	}
	if !bytes.Equal(r.WriterPubKey, idx.writerPubKey) {
		return ErrUnknownWriter
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	cur, haveCur, err := idx.currentRevision(r.PathID)
	if err != nil {
		return err
	}
	// A revision below cur is accepted for history but must not move the
	// current pointer; becameCurrent below handles that distinction.
	if haveCur && r.Revision == cur {
		// put_meta(m); put_meta(m) must be idempotent.
		existing, err := idx.db.Get(metaKey(r.PathID, r.Revision), nil)
		if err == nil {
			if bytes.Equal(existing, mustEncode(r)) {
				return nil
			}
		}
	}

	batch := new(leveldb.Batch)
	encoded, err := meta.Encode(r)
	if err != nil {
		return err
	}
	batch.Put(metaKey(r.PathID, r.Revision), encoded)

	if r.Type == meta.File {
		for _, c := range r.Chunks {
			set, err := idx.readMetaIDSet(chunkMapKey(c.CTHash))
			if err != nil {
				return err
			}
			set[metaID(r.PathID, r.Revision)] = struct{}{}
			enc, err := encodeMetaIDSet(set)
			if err != nil {
				return err
			}
			batch.Put(chunkMapKey(c.CTHash), enc)
		}
	}

	becameCurrent := !haveCur || r.Revision >= cur
	if becameCurrent {
		curVal := make([]byte, 8)
		binary.BigEndian.PutUint64(curVal, r.Revision)
		batch.Put(currentKey(r.PathID), curVal)
	}

	if err := idx.db.Write(batch, nil); err != nil {
		return errors.Wrap(err, "index: put meta")
	}

	idx.publish(Event{Record: r, External: external})
	return nil
}

func mustEncode(r meta.Record) []byte {
	b, _ := meta.Encode(r)
	return b
}

type metaIDKey [28]byte

func metaID(pathID [20]byte, revision uint64) metaIDKey {
	var k metaIDKey
	copy(k[:20], pathID[:])
	binary.BigEndian.PutUint64(k[20:], revision)
	return k
}

func (idx *Index) readMetaIDSet(key []byte) (map[metaIDKey]struct{}, error) {
	raw, err := idx.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return make(map[metaIDKey]struct{}), nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "index: read chunk map")
	}
	var ids []metaIDKey
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&ids); err != nil {
		return nil, errors.Wrap(err, "index: decode chunk map")
	}
	set := make(map[metaIDKey]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set, nil
}

func encodeMetaIDSet(set map[metaIDKey]struct{}) ([]byte, error) {
	ids := make([]metaIDKey, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(ids); err != nil {
		return nil, errors.Wrap(err, "index: encode chunk map")
	}
	return buf.Bytes(), nil
}

// ContainingChunk returns every meta record that references ctHash.
func (idx *Index) ContainingChunk(ctHash [32]byte) ([]meta.Record, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	set, err := idx.readMetaIDSet(chunkMapKey(ctHash))
	if err != nil {
		return nil, err
	}
	records := make([]meta.Record, 0, len(set))
	for id := range set {
		var pathID [20]byte
		copy(pathID[:], id[:20])
		revision := binary.BigEndian.Uint64(id[20:])
		raw, err := idx.db.Get(metaKey(pathID, revision), nil)
		if err == leveldb.ErrNotFound {
			continue
		}
		if err != nil {
			return nil, errors.Wrap(err, "index: get")
		}
		r, err := meta.Decode(raw)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, nil
}

// SetAssembled marks every chunk of pathID's current revision present.
func (idx *Index) SetAssembled(pathID [20]byte) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.db.Put(assembledKey(pathID), []byte{1}, nil)
}

// IsAssembledChunk reports whether pathID's current revision has been
// fully assembled and verified locally.
func (idx *Index) IsAssembledChunk(pathID [20]byte) (bool, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	ok, err := idx.db.Has(assembledKey(pathID), nil)
	if err != nil {
		return false, errors.Wrap(err, "index: has assembled")
	}
	return ok, nil
}

// GetChunkSizeIV returns the (size, iv) pair recorded for ctHash, taken
// from whichever meta record references it first. Available to any
// capability level, including Download-only peers who cannot decrypt.
func (idx *Index) GetChunkSizeIV(ctHash [32]byte) (size uint32, iv [12]byte, err error) {
	records, err := idx.ContainingChunk(ctHash)
	if err != nil {
		return 0, iv, err
	}
	for _, r := range records {
		for _, c := range r.Chunks {
			if c.CTHash == ctHash {
				return c.Size, c.IV, nil
			}
		}
	}
	return 0, iv, ErrNotFound
}

// PutChunk caches one chunk's ciphertext bytes, keyed by its content
// hash, so a later BlockRequest for it — from a peer, or our own
// assembly step — can be served without re-reading the source file.
func (idx *Index) PutChunk(ctHash [32]byte, ciphertext []byte) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.db.Put(chunkDataKey(ctHash), ciphertext, nil)
}

// GetChunk returns a previously cached chunk's ciphertext, or
// ErrNotFound.
func (idx *Index) GetChunk(ctHash [32]byte) ([]byte, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	raw, err := idx.db.Get(chunkDataKey(ctHash), nil)
	if err == leveldb.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "index: get chunk")
	}
	return raw, nil
}

// HasChunk reports whether ctHash's ciphertext is already cached.
func (idx *Index) HasChunk(ctHash [32]byte) (bool, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	ok, err := idx.db.Has(chunkDataKey(ctHash), nil)
	if err != nil {
		return false, errors.Wrap(err, "index: has chunk")
	}
	return ok, nil
}

// Snapshot lists every path's current revision record, for read access
// from outside the folder's owning context (spec.md §5).
func (idx *Index) Snapshot() ([]meta.Record, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	iter := idx.db.NewIterator(util.BytesPrefix([]byte("cur/")), nil)
	defer iter.Release()

	var out []meta.Record
	for iter.Next() {
		pathID := append([]byte{}, iter.Key()[4:]...)
		revision := binary.BigEndian.Uint64(iter.Value())
		var pid [20]byte
		copy(pid[:], pathID)
		raw, err := idx.db.Get(metaKey(pid, revision), nil)
		if err != nil {
			continue
		}
		r, err := meta.Decode(raw)
		if err != nil {
			continue
		}
		out = append(out, r)
	}
	return out, iter.Error()
}

// History returns every revision stored for pathID, including ones that
// are no longer current, ordered oldest first.
func (idx *Index) History(pathID [20]byte) ([]meta.Record, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	iter := idx.db.NewIterator(util.BytesPrefix(metaPrefix(pathID)), nil)
	defer iter.Release()

	var out []meta.Record
	for iter.Next() {
		r, err := meta.Decode(iter.Value())
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, iter.Error()
}
