package daemon

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/foldersync/foldersyncd/internal/config"
	"github.com/foldersync/foldersyncd/internal/controlplane"
	"github.com/foldersync/foldersyncd/internal/discovery"
	"github.com/foldersync/foldersyncd/internal/secret"
	multiaddr "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/require"
)

// newTestConfig builds a Config backed by a real on-disk YAML file
// (Config has no serializer of its own) with one folder whose path
// doesn't need to exist yet — openFolder only touches the workspace.
func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	s, err := secret.New()
	require.NoError(t, err)

	workspace := filepath.Join(dir, "ws")
	apiEndpoint := "127.0.0.1:0"
	folderPath := filepath.Join(dir, "f1")
	require.NoError(t, os.MkdirAll(folderPath, 0o755))

	body := "app:\n" +
		"  workspace: \"" + workspace + "\"\n" +
		"  apiendpoint: \"" + apiEndpoint + "\"\n" +
		"folders:\n" +
		"  - id: \"f1\"\n" +
		"    path: \"" + folderPath + "\"\n" +
		"    secret: \"" + s.String() + "\"\n"

	confPath := filepath.Join(dir, "foldersyncd.yaml")
	require.NoError(t, os.WriteFile(confPath, []byte(body), 0o644))

	cfg := config.New()
	require.NoError(t, cfg.Parse(confPath))
	return cfg
}

// newPairedConfig builds a Config for one node of a two-node sync test:
// both nodes share secretStr (so they belong to the same folder) but get
// their own workspace, folder path, and API port.
func newPairedConfig(t *testing.T, secretStr, apiEndpoint string) (*config.Config, string) {
	return newPairedConfigWithWriterKey(t, secretStr, "", apiEndpoint)
}

// newPairedConfigWithWriterKey is newPairedConfig plus an optional pinned
// writerkey, needed when secretStr is a ReadOnly or Download derivation
// that cannot derive the folder's writer key itself.
func newPairedConfigWithWriterKey(t *testing.T, secretStr, writerKeyHex, apiEndpoint string) (*config.Config, string) {
	t.Helper()
	dir := t.TempDir()
	workspace := filepath.Join(dir, "ws")
	folderPath := filepath.Join(dir, "f1")
	require.NoError(t, os.MkdirAll(folderPath, 0o755))

	body := "app:\n" +
		"  workspace: \"" + workspace + "\"\n" +
		"  apiendpoint: \"" + apiEndpoint + "\"\n" +
		"folders:\n" +
		"  - id: \"f1\"\n" +
		"    path: \"" + folderPath + "\"\n" +
		"    secret: \"" + secretStr + "\"\n"
	if writerKeyHex != "" {
		body += "    writerkey: \"" + writerKeyHex + "\"\n"
	}

	confPath := filepath.Join(dir, "foldersyncd.yaml")
	require.NoError(t, os.WriteFile(confPath, []byte(body), 0o644))

	cfg := config.New()
	require.NoError(t, cfg.Parse(confPath))
	return cfg, folderPath
}

// freePort hands back an address string for a port that was free at the
// moment of the call.
func freePort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func waitForDaemon(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

// TestTwoNodesSyncOneFile covers spec.md §8 scenario 1 end to end through
// a real running daemon on each side: one Daemon accepts an inbound
// session through its actual HTTP listener (the Server role of the
// handshake, spec.md §4.8) while the other dials out and drives the same
// folder's meta-record and chunk exchange (C6/C8's real peer.Handler
// dispatch, not a test-only stub).
func TestTwoNodesSyncOneFile(t *testing.T) {
	s, err := secret.New()
	require.NoError(t, err)
	secretStr := s.String()

	serverEndpoint := freePort(t)
	cfg1, folder1 := newPairedConfig(t, secretStr, serverEndpoint)
	cfg2, _ := newPairedConfig(t, secretStr, freePort(t))

	d1, err := New(cfg1)
	require.NoError(t, err)
	defer d1.Close()
	d2, err := New(cfg2)
	require.NoError(t, err)
	defer d2.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d1.Run(ctx)

	_, portStr, err := net.SplitHostPort(serverEndpoint)
	require.NoError(t, err)
	waitForDaemon(t, func() bool {
		conn, err := net.Dial("tcp", "127.0.0.1:"+portStr)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	})

	folderID, err := s.FolderID()
	require.NoError(t, err)
	addr, err := multiaddr.NewMultiaddr(fmt.Sprintf("/ip4/127.0.0.1/tcp/%s", portStr))
	require.NoError(t, err)
	cand := discovery.PeerCandidate{
		FolderID:  folderID,
		Addr:      addr,
		Source:    discovery.SourceMulticast,
		PeerIDHex: hex.EncodeToString([]byte(d1.key.ID())),
	}
	d2.connectCandidate(ctx, cand)

	idHex := hex.EncodeToString(folderID[:])
	waitForDaemon(t, func() bool {
		d1.mu.RLock()
		fr, ok := d1.folders[idHex]
		d1.mu.RUnlock()
		return ok && fr.group.PeerCount() == 1
	})
	waitForDaemon(t, func() bool {
		d2.mu.RLock()
		fr, ok := d2.folders[idHex]
		d2.mu.RUnlock()
		return ok && fr.group.PeerCount() == 1
	})

	require.NoError(t, os.WriteFile(filepath.Join(folder1, "hello.txt"), []byte("hello from node one"), 0o644))

	d2.mu.RLock()
	fr2 := d2.folders[idHex]
	d2.mu.RUnlock()

	waitForDaemon(t, func() bool {
		snap, err := fr2.idx.Snapshot()
		if err != nil || len(snap) == 0 {
			return false
		}
		for _, r := range snap {
			if len(r.Chunks) == 0 {
				continue
			}
			have, err := fr2.idx.HasChunk(r.Chunks[0].CTHash)
			if err == nil && have {
				return true
			}
		}
		return false
	})
}

// TestTwoNodesDifferentCapabilityLevelsHandshake covers spec.md §8
// scenarios 2 and 3: a ReadWrite owner and a ReadOnly holder of the same
// folder must complete a Peer Session handshake with each other, even
// though their textual secrets (and therefore Secret.String()) differ.
// The handshake key is Secret.HandshakeKey(), which both sides derive
// identically regardless of capability level.
func TestTwoNodesDifferentCapabilityLevelsHandshake(t *testing.T) {
	owner, err := secret.New()
	require.NoError(t, err)
	ro, err := owner.Derive(secret.ReadOnly)
	require.NoError(t, err)
	writerPubKey, err := owner.WriterPublicKey()
	require.NoError(t, err)

	serverEndpoint := freePort(t)
	cfg1, folder1 := newPairedConfig(t, owner.String(), serverEndpoint)
	cfg2, _ := newPairedConfigWithWriterKey(t, ro.String(), hex.EncodeToString(writerPubKey), freePort(t))

	d1, err := New(cfg1)
	require.NoError(t, err)
	defer d1.Close()
	d2, err := New(cfg2)
	require.NoError(t, err)
	defer d2.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d1.Run(ctx)

	_, portStr, err := net.SplitHostPort(serverEndpoint)
	require.NoError(t, err)
	waitForDaemon(t, func() bool {
		conn, err := net.Dial("tcp", "127.0.0.1:"+portStr)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	})

	folderID, err := owner.FolderID()
	require.NoError(t, err)
	addr, err := multiaddr.NewMultiaddr(fmt.Sprintf("/ip4/127.0.0.1/tcp/%s", portStr))
	require.NoError(t, err)
	cand := discovery.PeerCandidate{
		FolderID:  folderID,
		Addr:      addr,
		Source:    discovery.SourceMulticast,
		PeerIDHex: hex.EncodeToString([]byte(d1.key.ID())),
	}
	d2.connectCandidate(ctx, cand)

	idHex := hex.EncodeToString(folderID[:])
	waitForDaemon(t, func() bool {
		d1.mu.RLock()
		fr, ok := d1.folders[idHex]
		d1.mu.RUnlock()
		return ok && fr.group.PeerCount() == 1
	})
	waitForDaemon(t, func() bool {
		d2.mu.RLock()
		fr, ok := d2.folders[idHex]
		d2.mu.RUnlock()
		return ok && fr.group.PeerCount() == 1
	})

	require.NoError(t, os.WriteFile(filepath.Join(folder1, "hello.txt"), []byte("hello from the owner"), 0o644))

	d2.mu.RLock()
	fr2 := d2.folders[idHex]
	d2.mu.RUnlock()

	waitForDaemon(t, func() bool {
		snap, err := fr2.idx.Snapshot()
		if err != nil || len(snap) == 0 {
			return false
		}
		for _, r := range snap {
			if len(r.Chunks) == 0 {
				continue
			}
			have, err := fr2.idx.HasChunk(r.Chunks[0].CTHash)
			if err == nil && have {
				return true
			}
		}
		return false
	})
}

func TestNewOpensConfiguredFolders(t *testing.T) {
	cfg := newTestConfig(t)
	d, err := New(cfg)
	require.NoError(t, err)
	defer d.Close()

	folders := d.ListFolders()
	require.Len(t, folders, 1)
	require.Equal(t, 0, folders[0].Peers)
}

func TestListPeersUnknownFolderReturnsNil(t *testing.T) {
	cfg := newTestConfig(t)
	d, err := New(cfg)
	require.NoError(t, err)
	defer d.Close()

	require.Nil(t, d.ListPeers("not-a-real-folder-id"))
}

func TestHandleCommandRejectsUnknownType(t *testing.T) {
	cfg := newTestConfig(t)
	d, err := New(cfg)
	require.NoError(t, err)
	defer d.Close()

	err = d.handleCommand(controlplane.Command{Type: "bogus"})
	require.ErrorIs(t, err, controlplane.ErrUnknownCommand)
}

func TestRemoveFolderThenListIsEmpty(t *testing.T) {
	cfg := newTestConfig(t)
	d, err := New(cfg)
	require.NoError(t, err)
	defer d.Close()

	folders := d.ListFolders()
	require.Len(t, folders, 1)
	require.NoError(t, d.removeFolder(folders[0].FolderID))
	require.Empty(t, d.ListFolders())
}

func TestRemoveFolderUnknownIDErrors(t *testing.T) {
	cfg := newTestConfig(t)
	d, err := New(cfg)
	require.NoError(t, err)
	defer d.Close()

	require.Error(t, d.removeFolder(hex.EncodeToString([]byte("nonexistent-folder-id"))))
}
