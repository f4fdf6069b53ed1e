// Package indexer implements the per-folder Indexer Queue (spec.md
// §4.4 / C4): a single-writer pipeline turning filesystem paths into
// signed, committed meta records.
package indexer

import (
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/foldersync/foldersyncd/internal/chunk"
	"github.com/foldersync/foldersyncd/internal/index"
	"github.com/foldersync/foldersyncd/internal/meta"
	"github.com/foldersync/foldersyncd/internal/secret"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/cpu"
)

// State is the lifecycle of one in-flight queue item.
type State byte

const (
	Queued State = iota
	Hashing
	Signing
	Committed
	Failed
)

// IgnoreFunc reports whether relPath should be skipped entirely.
type IgnoreFunc func(relPath string) bool

// Logger is the minimal logging surface the queue needs; satisfied by
// internal/logging.Logger.
type Logger interface {
	Log(level, msg string)
}

const (
	maxRetries  = 5
	backoffBase = 200 * time.Millisecond
)

// item is one path's pipeline state.
type item struct {
	relPath  string
	state    State
	attempts int
	id       string // correlation id for logging
	// generation increments every time this path is re-enqueued while a
	// previous attempt is still in flight, so a superseded attempt can
	// recognize it's been superseded without aborting its own commit —
	// spec.md §4.4's cancellation rule: a valid in-flight result is still
	// committed even if a newer enqueue arrived meanwhile.
	generation int
}

// Queue is one folder's Indexer Queue.
type Queue struct {
	root   string
	secret secret.Secret
	idx    *index.Index
	ignore IgnoreFunc
	log    Logger

	mu       sync.Mutex
	pending  map[string]*item
	paths    chan string
	workers  int
	wg       sync.WaitGroup
	quit     chan struct{}
	quitOnce sync.Once
}

// New builds a Queue rooted at root, committing records into idx under
// secret (which must be ReadWrite or Owner to sign).
func New(root string, s secret.Secret, idx *index.Index, ignore IgnoreFunc, log Logger) *Queue {
	workers := workerCount()
	q := &Queue{
		root:    root,
		secret:  s,
		idx:     idx,
		ignore:  ignore,
		log:     log,
		pending: make(map[string]*item),
		paths:   make(chan string, 1024),
		workers: workers,
		quit:    make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	return q
}

func workerCount() int {
	n, err := cpu.Counts(true)
	if err != nil || n <= 0 {
		return 2
	}
	if n > 8 {
		n = 8
	}
	return n
}

// Enqueue schedules relPath for indexing. Idempotent: a path already
// queued or mid-pipeline is coalesced into a single pending entry by
// bumping its generation rather than creating a duplicate.
func (q *Queue) Enqueue(relPath string) {
	q.mu.Lock()
	it, exists := q.pending[relPath]
	if exists {
		it.generation++
		q.mu.Unlock()
		return
	}
	it = &item{relPath: relPath, state: Queued, id: uuid.NewString()}
	q.pending[relPath] = it
	q.mu.Unlock()

	select {
	case q.paths <- relPath:
	case <-q.quit:
	}
}

// Close stops accepting work and waits for in-flight items to finish.
func (q *Queue) Close() {
	q.quitOnce.Do(func() { close(q.quit) })
	close(q.paths)
	q.wg.Wait()
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for {
		select {
		case relPath, ok := <-q.paths:
			if !ok {
				return
			}
			q.process(relPath)
		case <-q.quit:
			return
		}
	}
}

func (q *Queue) process(relPath string) {
	q.mu.Lock()
	it := q.pending[relPath]
	if it == nil {
		q.mu.Unlock()
		return
	}
	generation := it.generation
	q.mu.Unlock()

	err := q.runPipeline(it)

	q.mu.Lock()
	defer q.mu.Unlock()
	cur := q.pending[relPath]
	if cur == nil {
		return
	}
	if err == nil {
		// Committed successfully. If a newer enqueue arrived meanwhile
		// (generation advanced), leave the entry pending so it runs
		// again; otherwise this path is done.
		if cur.generation == generation {
			delete(q.pending, relPath)
		} else {
			cur.state = Queued
			go func() { q.paths <- relPath }()
		}
		return
	}

	if isPermanent(err) {
		cur.state = Failed
		q.logf("err", "permanently invalid %s: %v", relPath, err)
		delete(q.pending, relPath)
		return
	}

	cur.attempts++
	if cur.attempts > maxRetries {
		cur.state = Failed
		q.logf("err", "giving up on %s after %d attempts: %v", relPath, cur.attempts, err)
		delete(q.pending, relPath)
		return
	}
	delay := backoffBase*time.Duration(1<<uint(cur.attempts-1)) + time.Duration(rand.Intn(100))*time.Millisecond
	q.logf("info", "retrying %s in %s (attempt %d): %v", relPath, delay, cur.attempts, err)
	time.AfterFunc(delay, func() {
		select {
		case q.paths <- relPath:
		case <-q.quit:
		}
	})
}

func (q *Queue) logf(level, format string, args ...any) {
	if q.log == nil {
		return
	}
	q.log.Log(level, fmt.Sprintf(format, args...))
}

// permanentError marks an error as non-retryable (spec.md's
// PermanentlyInvalid kind).
type permanentError struct{ err error }

func (p permanentError) Error() string { return p.err.Error() }
func (p permanentError) Unwrap() error { return p.err }

func isPermanent(err error) bool {
	_, ok := err.(permanentError)
	return ok
}

// runPipeline executes steps (a)-(f) of spec.md §4.4 for one path.
func (q *Queue) runPipeline(it *item) error {
	if q.ignore != nil && q.ignore(it.relPath) {
		return permanentError{errors.New("ignored path")}
	}

	fullPath := filepath.Join(q.root, it.relPath)
	info, statErr := os.Lstat(fullPath)

	pathID, err := q.secret.PathID(it.relPath)
	if err != nil {
		return err
	}

	revision := uint64(time.Now().UnixMilli())

	if statErr != nil {
		if os.IsNotExist(statErr) {
			return q.commitDeletion(pathID, revision)
		}
		return errors.Wrap(statErr, "indexer: stat")
	}

	q.setState(it, Hashing)

	var record meta.Record
	switch {
	case info.Mode()&os.ModeSymlink != 0:
		target, err := os.Readlink(fullPath)
		if err != nil {
			return errors.Wrap(err, "indexer: readlink")
		}
		record = meta.Record{PathID: pathID, Revision: revision, Type: meta.Symlink, Target: target}
	case info.IsDir():
		record = meta.Record{PathID: pathID, Revision: revision, Type: meta.Directory}
	default:
		record, err = q.buildFileRecord(pathID, revision, fullPath)
		if err != nil {
			return err
		}
	}

	q.setState(it, Signing)
	if err := record.Sign(q.secret); err != nil {
		return permanentError{err}
	}

	allowed, err := q.idx.PutAllowed(pathID, revision)
	if err != nil {
		return err
	}
	if !allowed {
		// A newer revision already won the race; nothing to do.
		q.setState(it, Committed)
		return nil
	}

	if err := q.idx.PutMeta(record, false); err != nil {
		return err
	}
	q.setState(it, Committed)
	return nil
}

func (q *Queue) commitDeletion(pathID [20]byte, revision uint64) error {
	record := meta.Record{PathID: pathID, Revision: revision, Type: meta.Deleted}
	if err := record.Sign(q.secret); err != nil {
		return permanentError{err}
	}
	allowed, err := q.idx.PutAllowed(pathID, revision)
	if err != nil {
		return err
	}
	if !allowed {
		return nil
	}
	return q.idx.PutMeta(record, false)
}

func (q *Queue) buildFileRecord(pathID [20]byte, revision uint64, fullPath string) (meta.Record, error) {
	key, err := q.secret.EncryptionKey()
	if err != nil {
		return meta.Record{}, err
	}
	f, err := os.Open(fullPath)
	if err != nil {
		if os.IsPermission(err) {
			return meta.Record{}, err // transient: retry, permission may change
		}
		return meta.Record{}, err
	}
	defer f.Close()

	c := chunk.New(key)
	var infos []chunk.Info
	err = c.Chunk(f, func(ciphertext []byte, info chunk.Info) error {
		infos = append(infos, info)
		// ciphertext is only valid for the duration of this call; copy
		// before handing it to the index's cache.
		stored := make([]byte, len(ciphertext))
		copy(stored, ciphertext)
		return q.idx.PutChunk(info.CTHash, stored)
	})
	if err != nil && err != io.EOF {
		return meta.Record{}, errors.Wrap(err, "indexer: chunk")
	}

	return meta.Record{
		PathID:   pathID,
		Revision: revision,
		Type:     meta.File,
		Chunks:   infos,
	}, nil
}

func (q *Queue) setState(it *item, s State) {
	q.mu.Lock()
	it.state = s
	q.mu.Unlock()
}

