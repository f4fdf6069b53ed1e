// Package nodekey manages the daemon's long-lived peer identity (spec.md
// §4.10 / C10): an Ed25519 keypair persisted as PEM files, independent of
// any folder secret.
package nodekey

import (
	"crypto/rand"
	"encoding/pem"
	"os"
	"path/filepath"

	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/pkg/errors"
)

const (
	privateKeyFile = "node.key"
	publicKeyFile  = "node.pub"
	pemPrivateType = "FOLDERSYNCD NODE PRIVATE KEY"
	pemPublicType  = "FOLDERSYNCD NODE PUBLIC KEY"
)

// Key is the daemon's node identity.
type Key struct {
	priv libp2pcrypto.PrivKey
	pub  libp2pcrypto.PubKey
	id   peer.ID
}

// LoadOrGenerate reads the node key from dir, generating and persisting a
// fresh one if absent — mirroring the generate-if-missing, else-load
// pattern of a PEM keypair on disk.
func LoadOrGenerate(dir string) (Key, error) {
	privPath := filepath.Join(dir, privateKeyFile)
	pubPath := filepath.Join(dir, publicKeyFile)

	if _, err := os.Stat(privPath); err == nil {
		return load(privPath, pubPath)
	} else if !os.IsNotExist(err) {
		return Key{}, errors.Wrap(err, "nodekey: stat")
	}
	return generate(dir, privPath, pubPath)
}

func generate(dir, privPath, pubPath string) (Key, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return Key{}, errors.Wrap(err, "nodekey: mkdir")
	}

	priv, pub, err := libp2pcrypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return Key{}, errors.Wrap(err, "nodekey: generate")
	}

	if err := writePEM(privPath, pemPrivateType, priv, 0o600); err != nil {
		return Key{}, err
	}
	if err := writePEM(pubPath, pemPublicType, pub, 0o644); err != nil {
		return Key{}, err
	}

	id, err := peer.IDFromPublicKey(pub)
	if err != nil {
		return Key{}, errors.Wrap(err, "nodekey: derive id")
	}
	return Key{priv: priv, pub: pub, id: id}, nil
}

func load(privPath, pubPath string) (Key, error) {
	privBytes, err := readPEM(privPath, pemPrivateType)
	if err != nil {
		return Key{}, err
	}
	priv, err := libp2pcrypto.UnmarshalPrivateKey(privBytes)
	if err != nil {
		return Key{}, errors.Wrap(err, "nodekey: unmarshal private key")
	}

	_ = pubPath // the public key file is informational; the private key is authoritative

	pub := priv.GetPublic()
	id, err := peer.IDFromPublicKey(pub)
	if err != nil {
		return Key{}, errors.Wrap(err, "nodekey: derive id")
	}
	return Key{priv: priv, pub: pub, id: id}, nil
}

func writePEM(path, pemType string, key any, mode os.FileMode) error {
	var raw []byte
	var err error
	switch k := key.(type) {
	case libp2pcrypto.PrivKey:
		raw, err = libp2pcrypto.MarshalPrivateKey(k)
	case libp2pcrypto.PubKey:
		raw, err = libp2pcrypto.MarshalPublicKey(k)
	default:
		return errors.New("nodekey: unsupported key type")
	}
	if err != nil {
		return errors.Wrap(err, "nodekey: marshal")
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return errors.Wrap(err, "nodekey: create")
	}
	defer f.Close()

	return pem.Encode(f, &pem.Block{Type: pemType, Bytes: raw})
}

func readPEM(path, wantType string) ([]byte, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "nodekey: read")
	}
	block, _ := pem.Decode(buf)
	if block == nil {
		return nil, errors.Errorf("nodekey: %s is not valid PEM", path)
	}
	if block.Type != wantType {
		return nil, errors.Errorf("nodekey: %s has unexpected PEM type %q", path, block.Type)
	}
	return block.Bytes, nil
}

// ID is the node's stable peer identity, derived from its public key.
func (k Key) ID() peer.ID { return k.id }

// Sign signs msg with the node's private key, independent of any folder
// secret. The Peer Session handshake does not call it.
func (k Key) Sign(msg []byte) ([]byte, error) {
	sig, err := k.priv.Sign(msg)
	if err != nil {
		return nil, errors.Wrap(err, "nodekey: sign")
	}
	return sig, nil
}

// PublicKeyBytes returns the marshaled public key, the form Verify and
// PeerIDFromPublicKeyBytes accept. The handshake does not carry it.
func (k Key) PublicKeyBytes() ([]byte, error) {
	raw, err := libp2pcrypto.MarshalPublicKey(k.pub)
	if err != nil {
		return nil, errors.Wrap(err, "nodekey: marshal public key")
	}
	return raw, nil
}

// Verify checks sig against msg using a marshaled public key as produced
// by PublicKeyBytes.
func Verify(pubKeyBytes, msg, sig []byte) (bool, error) {
	pub, err := libp2pcrypto.UnmarshalPublicKey(pubKeyBytes)
	if err != nil {
		return false, errors.Wrap(err, "nodekey: unmarshal public key")
	}
	ok, err := pub.Verify(msg, sig)
	if err != nil {
		return false, errors.Wrap(err, "nodekey: verify")
	}
	return ok, nil
}

// PeerIDFromPublicKeyBytes derives the peer.ID a remote would present for
// a given marshaled public key.
func PeerIDFromPublicKeyBytes(pubKeyBytes []byte) (peer.ID, error) {
	pub, err := libp2pcrypto.UnmarshalPublicKey(pubKeyBytes)
	if err != nil {
		return "", errors.Wrap(err, "nodekey: unmarshal public key")
	}
	id, err := peer.IDFromPublicKey(pub)
	if err != nil {
		return "", errors.Wrap(err, "nodekey: derive id")
	}
	return id, nil
}
