// Package chunk splits a plaintext file stream into content-defined,
// encrypted, content-addressed chunks.
package chunk

import (
	"crypto/aes"
	"crypto/cipher"
	"hash"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/hkdf"
	"lukechampine.com/blake3"
)

const (
	// MinSize is the smallest allowed chunk, per spec.md §4.2.
	MinSize = 64 * 1024
	// TargetSize is the rolling-hash splitter's target average chunk size.
	TargetSize = 1 << 20
	// MaxSize is the largest allowed chunk; the splitter force-cuts here.
	MaxSize = 16 << 20

	ivSize  = 12
	keySize = 32
)

// windowSize is the rolling hash window, chosen so the splitter has seen
// enough bytes to make a boundary decision statistically independent of
// chunk start alignment.
const windowSize = 64

// splitMaskBits is tuned so that, for pseudo-random ciphertext-grade input,
// a boundary is found on average every TargetSize bytes: the rolling
// hash's low bits are zero with probability 1/TargetSize.
const splitMaskBits = 20 // log2(TargetSize)

// Info describes one stored chunk: the hash of its ciphertext, its
// ciphertext size, and the IV used to encrypt it.
type Info struct {
	CTHash [32]byte
	Size   uint32
	IV     [ivSize]byte
}

// Chunker splits plaintext into content-defined boundaries and encrypts
// each resulting chunk under a key derived from the folder's ReadOnly
// encryption key.
type Chunker struct {
	contentKey [keySize]byte
}

// New returns a Chunker keyed by a folder's ReadOnly-derived encryption
// key, as produced by secret.Secret.EncryptionKey.
func New(encryptionKey [32]byte) *Chunker {
	return &Chunker{contentKey: encryptionKey}
}

// Chunk reads all of r, splitting it into content-defined chunks,
// encrypting each one, and invoking emit with the ciphertext and its
// Info. emit's ciphertext slice is only valid for the duration of the
// call. Chunk is deterministic: the same plaintext under the same
// content key always yields the same sequence of Info.CTHash values,
// because both the chunk boundaries and each chunk's IV are derived
// solely from the plaintext content (see deriveIV).
func (c *Chunker) Chunk(r io.Reader, emit func(ciphertext []byte, info Info) error) error {
	buf := make([]byte, 0, MaxSize)
	window := make([]byte, 0, windowSize)
	var hash uint64

	readBuf := make([]byte, 32*1024)
	for {
		n, err := r.Read(readBuf)
		if n > 0 {
			for _, b := range readBuf[:n] {
				buf = append(buf, b)
				hash = rollingUpdate(hash, window, b)
				if len(window) < windowSize {
					window = append(window, b)
				} else {
					copy(window, window[1:])
					window[windowSize-1] = b
				}

				boundary := len(buf) >= MinSize && hash&((1<<splitMaskBits)-1) == 0
				forced := len(buf) >= MaxSize
				if boundary || forced {
					if err := c.emitChunk(buf, emit); err != nil {
						return err
					}
					buf = buf[:0]
					window = window[:0]
					hash = 0
				}
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.Wrap(err, "chunk: read")
		}
	}
	if len(buf) > 0 {
		if err := c.emitChunk(buf, emit); err != nil {
			return err
		}
	}
	return nil
}

// rollingUpdate folds byte b into the rolling hash, forgetting the
// oldest byte in window once it is full. This is a simple polynomial
// rolling hash (Rabin-Karp style), not a cryptographic hash — only
// content-defined boundary selection relies on it.
func rollingUpdate(hash uint64, window []byte, b byte) uint64 {
	const prime = 1099511628211
	hash = hash*prime + uint64(b)
	if len(window) == windowSize {
		// Unroll the oldest byte's contribution so the hash reflects a
		// bounded trailing window rather than the whole stream so far.
		oldest := window[0]
		var factor uint64 = 1
		for i := 0; i < windowSize; i++ {
			factor *= prime
		}
		hash -= uint64(oldest) * factor
	}
	return hash
}

func (c *Chunker) emitChunk(plaintext []byte, emit func([]byte, Info) error) error {
	plainHash := blake2b.Sum256(plaintext)

	iv, err := c.deriveIV(plainHash)
	if err != nil {
		return err
	}
	chunkKey, err := c.deriveChunkKey(iv)
	if err != nil {
		return err
	}

	block, err := aes.NewCipher(chunkKey[:])
	if err != nil {
		return errors.Wrap(err, "chunk: new cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return errors.Wrap(err, "chunk: new gcm")
	}
	ciphertext := gcm.Seal(nil, iv[:], plaintext, nil)

	info := Info{
		CTHash: blake3.Sum256(ciphertext),
		Size:   uint32(len(ciphertext)),
	}
	copy(info.IV[:], iv[:])

	return emit(ciphertext, info)
}

// deriveIV derives the chunk's IV from the folder content key and the
// plaintext's hash, so that two peers who independently chunk identical
// plaintext derive identical IVs — and therefore, via deriveChunkKey,
// identical keys and ct_hash — without any peer coordination. This
// resolves the "Open Question" in spec.md §9 in favor of determinism, to
// enable cross-peer ciphertext dedup.
//
// deriveChunkKey then derives the per-chunk AES key from the IV rather
// than from the plaintext hash directly, so that Decrypt — which only
// has the ciphertext and the stored IV, not the plaintext — can
// reconstruct the same key without a plaintext-hash chicken-and-egg.
func (c *Chunker) deriveIV(plainHash [32]byte) ([ivSize]byte, error) {
	full, err := hkdfExpandBytes(c.contentKey, plainHash[:], "chunk-iv", ivSize)
	if err != nil {
		return [ivSize]byte{}, err
	}
	var iv [ivSize]byte
	copy(iv[:], full)
	return iv, nil
}

func (c *Chunker) deriveChunkKey(iv [ivSize]byte) ([keySize]byte, error) {
	full, err := hkdfExpandBytes(c.contentKey, iv[:], "chunk-key", keySize)
	if err != nil {
		return [keySize]byte{}, err
	}
	var key [keySize]byte
	copy(key[:], full)
	return key, nil
}

func hkdfExpandBytes(key [keySize]byte, salt []byte, info string, size int) ([]byte, error) {
	newBlake2b256 := func() hash.Hash {
		h, err := blake2b.New256(nil)
		if err != nil {
			panic(err)
		}
		return h
	}
	r := hkdf.New(newBlake2b256, key[:], salt, []byte(info))
	out := make([]byte, size)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, errors.Wrap(err, "chunk: hkdf expand")
	}
	return out, nil
}

// Decrypt reverses Chunk for a single chunk: given the ciphertext and
// its Info (as recorded in a meta record), it recovers the plaintext
// bytes using the content key.
func Decrypt(contentKey [keySize]byte, ciphertext []byte, info Info) ([]byte, error) {
	keyBytes, err := hkdfExpandBytes(contentKey, info.IV[:], "chunk-key", keySize)
	if err != nil {
		return nil, err
	}
	var chunkKey [keySize]byte
	copy(chunkKey[:], keyBytes)

	block, err := aes.NewCipher(chunkKey[:])
	if err != nil {
		return nil, errors.Wrap(err, "chunk: new cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "chunk: new gcm")
	}
	plaintext, err := gcm.Open(nil, info.IV[:], ciphertext, nil)
	if err != nil {
		return nil, errors.Wrap(err, "chunk: decrypt")
	}
	return plaintext, nil
}
