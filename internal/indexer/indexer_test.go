package indexer

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/foldersync/foldersyncd/internal/index"
	"github.com/foldersync/foldersyncd/internal/meta"
	"github.com/foldersync/foldersyncd/internal/secret"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (*Queue, *index.Index, string, secret.Secret) {
	t.Helper()
	dir := t.TempDir()
	root := filepath.Join(dir, "folder")
	require.NoError(t, os.MkdirAll(root, 0o755))

	owner, err := secret.New()
	require.NoError(t, err)
	writerPubKey, err := owner.WriterPublicKey()
	require.NoError(t, err)

	idx, err := index.Open(filepath.Join(dir, "index"), writerPubKey)
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })

	q := New(root, owner, idx, nil, nil)
	t.Cleanup(q.Close)

	return q, idx, root, owner
}

func waitForCommit(t *testing.T, idx *index.Index, pathID [20]byte) meta.Record {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		records, err := idx.History(pathID)
		require.NoError(t, err)
		if len(records) > 0 {
			return records[len(records)-1]
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for commit")
	return meta.Record{}
}

func TestIndexerCommitsFile(t *testing.T) {
	q, idx, root, owner := setup(t)

	require.NoError(t, os.WriteFile(filepath.Join(root, "hello.txt"), []byte("hi"), 0o644))
	q.Enqueue("hello.txt")

	pathID, err := owner.PathID("hello.txt")
	require.NoError(t, err)

	record := waitForCommit(t, idx, pathID)
	require.Equal(t, meta.File, record.Type)
	require.Len(t, record.Chunks, 1)
}

func TestIndexerDedupesPendingPath(t *testing.T) {
	q, _, root, _ := setup(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("a"), 0o644))

	q.Enqueue("a.txt")
	q.Enqueue("a.txt")
	q.Enqueue("a.txt")

	q.mu.Lock()
	_, pending := q.pending["a.txt"]
	q.mu.Unlock()
	require.True(t, pending)
}

func TestIndexerCommitsDeletion(t *testing.T) {
	q, idx, root, owner := setup(t)

	path := filepath.Join(root, "gone.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	q.Enqueue("gone.txt")

	pathID, err := owner.PathID("gone.txt")
	require.NoError(t, err)
	waitForCommit(t, idx, pathID)

	require.NoError(t, os.Remove(path))
	q.Enqueue("gone.txt")

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		records, err := idx.History(pathID)
		require.NoError(t, err)
		if len(records) == 2 && records[1].Type == meta.Deleted {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("deletion was never committed")
}
