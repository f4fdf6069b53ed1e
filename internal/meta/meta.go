// Package meta defines the signed per-(path, revision) record that
// describes one version of one file, directory, or symlink in a folder.
package meta

import (
	"bytes"
	"encoding/gob"

	"github.com/foldersync/foldersyncd/internal/chunk"
	"github.com/foldersync/foldersyncd/internal/secret"
	"github.com/pkg/errors"
)

// Type is the kind of filesystem entry a Record describes.
type Type byte

const (
	File Type = iota
	Directory
	Symlink
	Deleted
)

// Record is one (path, revision) version of an entry in a folder.
type Record struct {
	PathID   [20]byte
	Revision uint64
	Type     Type
	Chunks   []chunk.Info // only meaningful when Type == File
	Target   string       // symlink target, only meaningful when Type == Symlink

	WriterPubKey []byte
	Signature    []byte
}

// signedBytes returns the deterministic encoding of every field except
// Signature itself, which is what Sign/Verify operate over.
func (r Record) signedBytes() ([]byte, error) {
	cp := r
	cp.Signature = nil
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(cp); err != nil {
		return nil, errors.Wrap(err, "meta: encode for signing")
	}
	return buf.Bytes(), nil
}

// Sign fills in WriterPubKey and Signature using s, which must be
// ReadWrite or Owner.
func (r *Record) Sign(s secret.Secret) error {
	pub, err := s.WriterPublicKey()
	if err != nil {
		return err
	}
	r.WriterPubKey = pub
	body, err := r.signedBytes()
	if err != nil {
		return err
	}
	sig, err := s.Sign(body)
	if err != nil {
		return err
	}
	r.Signature = sig
	return nil
}

// ErrBadSignature is returned when a record's signature does not verify
// against its own embedded writer public key.
var ErrBadSignature = errors.New("meta: bad signature")

// Verify checks that the record's Signature is valid over its own
// fields under its own embedded WriterPubKey. It does not check that
// WriterPubKey is the folder's actual writer key — callers that care
// about folder membership must separately compare it against the
// folder's pinned writer key (see index.Index's writerPubKey check in
// PutMeta); Verify alone only rules out a corrupted or mismatched
// signature, not an unrelated keypair's self-signed forgery.
func (r Record) Verify() error {
	if len(r.Signature) == 0 || len(r.WriterPubKey) == 0 {
		return ErrBadSignature
	}
	body, err := r.signedBytes()
	if err != nil {
		return err
	}
	ok, err := secret.Verify(r.WriterPubKey, body, r.Signature)
	if err != nil {
		return errors.Wrap(ErrBadSignature, err.Error())
	}
	if !ok {
		return ErrBadSignature
	}
	return nil
}

// Encode serializes a record for storage or for the wire.
func Encode(r Record) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(r); err != nil {
		return nil, errors.Wrap(err, "meta: encode")
	}
	return buf.Bytes(), nil
}

// Decode is the inverse of Encode.
func Decode(b []byte) (Record, error) {
	var r Record
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&r); err != nil {
		return Record{}, errors.Wrap(err, "meta: decode")
	}
	return r, nil
}
