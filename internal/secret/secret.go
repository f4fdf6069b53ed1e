// Package secret implements the folder secret: a capability-tagged key
// that simultaneously authorizes folder membership, derives encryption
// keys, and encodes an access level.
package secret

import (
	"crypto/rand"
	"hash/crc32"
	"strings"

	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	mbase32 "github.com/multiformats/go-base32"
	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"
)

// Level is a folder access capability, descending in privilege.
type Level byte

const (
	Owner Level = iota
	ReadWrite
	ReadOnly
	Download
)

func (l Level) String() string {
	switch l {
	case Owner:
		return "owner"
	case ReadWrite:
		return "read-write"
	case ReadOnly:
		return "read-only"
	case Download:
		return "download"
	default:
		return "unknown"
	}
}

var levelTag = map[Level]byte{
	Owner:     'O',
	ReadWrite: 'W',
	ReadOnly:  'R',
	Download:  'D',
}

var tagLevel = map[byte]Level{
	'O': Owner,
	'W': ReadWrite,
	'R': ReadOnly,
	'D': Download,
}

const payloadSize = 32

var (
	// ErrInvalidSecret is returned when a textual secret fails to parse.
	ErrInvalidSecret = errors.New("secret: malformed textual form")
	// ErrCapabilityInsufficient is returned when an operation needs a
	// higher capability than the Secret holds.
	ErrCapabilityInsufficient = errors.New("secret: capability insufficient")
)

// Secret is capability-bearing key material for one folder.
type Secret struct {
	level   Level
	payload [payloadSize]byte
}

// New generates a fresh Owner secret.
func New() (Secret, error) {
	var s Secret
	s.level = Owner
	if _, err := rand.Read(s.payload[:]); err != nil {
		return Secret{}, errors.Wrap(err, "secret: generate")
	}
	return s, nil
}

// Level reports the capability level this secret carries.
func (s Secret) Level() Level { return s.level }

// Derive returns a new Secret at target, which must be no more
// privileged than s. Derivation is a deterministic one-way function:
// the same (s, target) pair always yields the same derived payload, and
// the derived payload cannot be used to recover s.
func (s Secret) Derive(target Level) (Secret, error) {
	if target < s.level {
		return Secret{}, ErrCapabilityInsufficient
	}
	if target == s.level {
		return s, nil
	}
	cur := s
	for cur.level < target {
		next, err := deriveOneLevel(cur)
		if err != nil {
			return Secret{}, err
		}
		cur = next
	}
	return cur, nil
}

func deriveOneLevel(s Secret) (Secret, error) {
	mac, err := blake2b.New256(s.payload[:])
	if err != nil {
		return Secret{}, errors.Wrap(err, "secret: derive")
	}
	_, _ = mac.Write([]byte{byte(s.level + 1)})
	sum := mac.Sum(nil)
	var out Secret
	out.level = s.level + 1
	copy(out.payload[:], sum)
	return out, nil
}

// FolderID is the public fingerprint shared by every derivation of the
// same folder's secret: it is computed from the Download-level payload,
// which every level, Download included, can reach deterministically.
func (s Secret) FolderID() ([20]byte, error) {
	d, err := s.Derive(Download)
	if err != nil {
		return [20]byte{}, err
	}
	sum := blake2b.Sum256(append([]byte("foldersyncd-folder-id"), d.payload[:]...))
	var id [20]byte
	copy(id[:], sum[:20])
	return id, nil
}

// EncryptionKey derives the 32-byte AES-256 key used for path and chunk
// content encryption. Only available from ReadOnly or higher.
func (s Secret) EncryptionKey() ([32]byte, error) {
	ro, err := s.Derive(ReadOnly)
	if err != nil {
		return [32]byte{}, err
	}
	sum := blake2b.Sum256(append([]byte("foldersyncd-encryption-key"), ro.payload[:]...))
	return sum, nil
}

// PathID derives the opaque, peer-stable identifier for relPath: a
// keyed hash of the path under the folder's ReadOnly-derived key, which
// is what spec.md §3 calls "derived from the encrypted path" — the path
// bytes are never recoverable from PathID, but any two holders of the
// same folder secret (at ReadOnly or above) compute the same id for the
// same logical path.
func (s Secret) PathID(relPath string) ([20]byte, error) {
	key, err := s.EncryptionKey()
	if err != nil {
		return [20]byte{}, err
	}
	mac, err := blake2b.New256(key[:])
	if err != nil {
		return [20]byte{}, errors.Wrap(err, "secret: path id")
	}
	_, _ = mac.Write([]byte(relPath))
	sum := mac.Sum(nil)
	var id [20]byte
	copy(id[:], sum[:20])
	return id, nil
}

// HandshakeKey derives the capability-independent key used to authenticate
// a Peer Session (spec.md §4.8). Every level from Owner down to Download
// forward-derives to the same Download-level payload, so an Owner and a
// Download holder of the same folder compute identical bytes here even
// though their textual secrets differ.
func (s Secret) HandshakeKey() ([]byte, error) {
	d, err := s.Derive(Download)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(d.payload))
	copy(out, d.payload[:])
	return out, nil
}

// signingKey reconstructs the Ed25519 key used to sign meta records. Only
// ReadWrite and Owner carry enough privilege to sign.
func (s Secret) signingKey() (libp2pcrypto.PrivKey, error) {
	if s.level > ReadWrite {
		return nil, ErrCapabilityInsufficient
	}
	rw, err := s.Derive(ReadWrite)
	if err != nil {
		return nil, err
	}
	seed := blake2b.Sum256(append([]byte("foldersyncd-signing-key"), rw.payload[:]...))
	priv, _, err := libp2pcrypto.GenerateEd25519Key(&deterministicReader{seed: seed[:]})
	if err != nil {
		return nil, errors.Wrap(err, "secret: derive signing key")
	}
	return priv, nil
}

// deterministicReader is an io.Reader over a fixed seed, used so the
// Ed25519 keypair generator produces the same key for the same seed
// every time instead of drawing from crypto/rand.
type deterministicReader struct {
	seed []byte
	pos  int
}

func (d *deterministicReader) Read(p []byte) (int, error) {
	n := 0
	for n < len(p) {
		mac := blake2b.Sum256(append(d.seed, byte(d.pos)))
		c := copy(p[n:], mac[:])
		n += c
		d.pos++
	}
	return n, nil
}

// Sign signs msg with the folder's writer key. Only ReadWrite or Owner
// may sign; lower levels fail with ErrCapabilityInsufficient.
func (s Secret) Sign(msg []byte) ([]byte, error) {
	priv, err := s.signingKey()
	if err != nil {
		return nil, err
	}
	sig, err := priv.Sign(msg)
	if err != nil {
		return nil, errors.Wrap(err, "secret: sign")
	}
	return sig, nil
}

// WriterPublicKey returns the raw public key bytes corresponding to the
// folder's writer (ReadWrite) key, so it can be embedded in meta records
// and verified by peers who never derive a signing key themselves.
func (s Secret) WriterPublicKey() ([]byte, error) {
	priv, err := s.signingKey()
	if err != nil {
		return nil, err
	}
	pub, err := libp2pcrypto.MarshalPublicKey(priv.GetPublic())
	if err != nil {
		return nil, errors.Wrap(err, "secret: marshal writer public key")
	}
	return pub, nil
}

// Verify checks sig against msg using a writer public key obtained from
// WriterPublicKey (typically embedded in the meta record being verified).
// Any holder of any derivation level can verify, since verification only
// needs the public key bytes.
func Verify(writerPubKey, msg, sig []byte) (bool, error) {
	pub, err := libp2pcrypto.UnmarshalPublicKey(writerPubKey)
	if err != nil {
		return false, errors.Wrap(err, "secret: unmarshal writer public key")
	}
	ok, err := pub.Verify(msg, sig)
	if err != nil {
		return false, errors.Wrap(err, "secret: verify")
	}
	return ok, nil
}

// String renders the textual form: tag + base32 payload + 4-byte
// checksum, all base32-encoded together.
func (s Secret) String() string {
	tag := levelTag[s.level]
	buf := make([]byte, 0, 1+payloadSize+4)
	buf = append(buf, tag)
	buf = append(buf, s.payload[:]...)
	sum := crc32.ChecksumIEEE(buf)
	buf = append(buf, byte(sum>>24), byte(sum>>16), byte(sum>>8), byte(sum))
	return mbase32.RawStdEncoding.EncodeToString(buf)
}

// Parse decodes a Secret from its textual form, as produced by String.
func Parse(text string) (Secret, error) {
	text = strings.TrimSpace(text)
	raw, err := mbase32.RawStdEncoding.DecodeString(text)
	if err != nil {
		return Secret{}, errors.Wrap(ErrInvalidSecret, err.Error())
	}
	if len(raw) != 1+payloadSize+4 {
		return Secret{}, ErrInvalidSecret
	}
	level, ok := tagLevel[raw[0]]
	if !ok {
		return Secret{}, ErrInvalidSecret
	}
	body := raw[:1+payloadSize]
	wantSum := crc32.ChecksumIEEE(body)
	gotSum := uint32(raw[1+payloadSize])<<24 | uint32(raw[1+payloadSize+1])<<16 |
		uint32(raw[1+payloadSize+2])<<8 | uint32(raw[1+payloadSize+3])
	if wantSum != gotSum {
		return Secret{}, ErrInvalidSecret
	}
	var s Secret
	s.level = level
	copy(s.payload[:], raw[1:1+payloadSize])
	return s, nil
}
