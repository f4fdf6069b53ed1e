package index

import (
	"path/filepath"
	"testing"

	"github.com/foldersync/foldersyncd/internal/chunk"
	"github.com/foldersync/foldersyncd/internal/meta"
	"github.com/foldersync/foldersyncd/internal/secret"
	"github.com/stretchr/testify/require"
)

// openTestIndex opens an Index pinned to owner's writer key, so every
// record signed by owner passes PutMeta's writer-key check.
func openTestIndex(t *testing.T, owner secret.Secret) *Index {
	t.Helper()
	dir := t.TempDir()
	writerPubKey, err := owner.WriterPublicKey()
	require.NoError(t, err)
	idx, err := Open(filepath.Join(dir, "index"), writerPubKey)
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func signedRecord(t *testing.T, s secret.Secret, pathID [20]byte, revision uint64) meta.Record {
	t.Helper()
	r := meta.Record{
		PathID:   pathID,
		Revision: revision,
		Type:     meta.File,
		Chunks: []chunk.Info{
			{CTHash: [32]byte{byte(revision)}, Size: 42},
		},
	}
	require.NoError(t, r.Sign(s))
	return r
}

func TestPutGetRoundTrip(t *testing.T) {
	owner, err := secret.New()
	require.NoError(t, err)
	idx := openTestIndex(t, owner)

	pathID := [20]byte{1, 2, 3}
	r := signedRecord(t, owner, pathID, 1)

	require.NoError(t, idx.PutMeta(r, false))

	got, err := idx.GetMeta(pathID, 1)
	require.NoError(t, err)
	require.Equal(t, r, got)
}

func TestPutMetaIdempotent(t *testing.T) {
	owner, err := secret.New()
	require.NoError(t, err)
	idx := openTestIndex(t, owner)

	pathID := [20]byte{4, 5, 6}
	r := signedRecord(t, owner, pathID, 1)

	require.NoError(t, idx.PutMeta(r, false))
	require.NoError(t, idx.PutMeta(r, false))

	got, err := idx.GetMeta(pathID, 1)
	require.NoError(t, err)
	require.Equal(t, r, got)
}

func TestPutAllowed(t *testing.T) {
	owner, err := secret.New()
	require.NoError(t, err)
	idx := openTestIndex(t, owner)

	pathID := [20]byte{7, 8, 9}
	ok, err := idx.PutAllowed(pathID, 5)
	require.NoError(t, err)
	require.True(t, ok, "no record yet, any revision is allowed")

	require.NoError(t, idx.PutMeta(signedRecord(t, owner, pathID, 100), false))

	ok, err = idx.PutAllowed(pathID, 50)
	require.NoError(t, err)
	require.False(t, ok, "a strictly newer revision already exists")

	ok, err = idx.PutAllowed(pathID, 101)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRevisionRaceKeepsHistoryAndCurrent(t *testing.T) {
	owner, err := secret.New()
	require.NoError(t, err)
	idx := openTestIndex(t, owner)

	pathID := [20]byte{10, 11}
	rev100 := signedRecord(t, owner, pathID, 100)
	rev101 := signedRecord(t, owner, pathID, 101)

	require.NoError(t, idx.PutMeta(rev100, false))
	require.NoError(t, idx.PutMeta(rev101, true))

	history, err := idx.History(pathID)
	require.NoError(t, err)
	require.Len(t, history, 2)

	cur, ok, err := idx.currentRevision(pathID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(101), cur)
}

func TestBadSignatureRejected(t *testing.T) {
	owner, err := secret.New()
	require.NoError(t, err)
	idx := openTestIndex(t, owner)

	pathID := [20]byte{1}
	r := signedRecord(t, owner, pathID, 1)
	r.Signature[0] ^= 0xFF // corrupt

	err = idx.PutMeta(r, true)
	require.ErrorIs(t, err, meta.ErrBadSignature)
}

// TestUnknownWriterRejected covers spec.md §3/§7's signed-by-the-writer
// trust model: a record that is validly self-signed by a brand-new,
// unrelated keypair must still be rejected because that key isn't the
// folder's pinned writer key.
func TestUnknownWriterRejected(t *testing.T) {
	owner, err := secret.New()
	require.NoError(t, err)
	idx := openTestIndex(t, owner)

	impostor, err := secret.New()
	require.NoError(t, err)

	pathID := [20]byte{2}
	r := signedRecord(t, impostor, pathID, 1)

	err = idx.PutMeta(r, true)
	require.ErrorIs(t, err, ErrUnknownWriter)
}

func TestContainingChunk(t *testing.T) {
	owner, err := secret.New()
	require.NoError(t, err)
	idx := openTestIndex(t, owner)

	pathID := [20]byte{9, 9}
	r := signedRecord(t, owner, pathID, 1)

	require.NoError(t, idx.PutMeta(r, false))

	records, err := idx.ContainingChunk(r.Chunks[0].CTHash)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, pathID, records[0].PathID)
}
