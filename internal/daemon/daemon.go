// Package daemon assembles one running foldersyncd process: the node
// identity, one Folder Group per configured folder, the discovery
// sources feeding them candidate peers, and the control plane adapter
// that exposes all of it to a CLI or GUI client. It generalizes the
// teacher's node.Node "one struct owns everything" aggregate
// (node/node.go) and the builder-function wiring of
// cmd/console/runCmd.go to this daemon's own set of subsystems.
package daemon

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/foldersync/foldersyncd/internal/config"
	"github.com/foldersync/foldersyncd/internal/controlplane"
	"github.com/foldersync/foldersyncd/internal/discovery"
	"github.com/foldersync/foldersyncd/internal/foldergroup"
	"github.com/foldersync/foldersyncd/internal/index"
	"github.com/foldersync/foldersyncd/internal/indexer"
	"github.com/foldersync/foldersyncd/internal/logging"
	"github.com/foldersync/foldersyncd/internal/nodekey"
	"github.com/foldersync/foldersyncd/internal/peer"
	"github.com/foldersync/foldersyncd/internal/secret"
	"github.com/foldersync/foldersyncd/internal/watcher"
	"github.com/gorilla/websocket"
	multiaddr "github.com/multiformats/go-multiaddr"
	"github.com/pkg/errors"
)

// logFiles mirrors the teacher's configs.LogFiles list, one rotated
// file per subsystem under workspace/log.
var logFiles = []string{"daemon", "index", "peer", "discovery", "controlplane"}

const (
	multicastPort          = 28103
	defaultTrackerInterval = time.Minute
	defaultRerankInterval  = 10 * time.Second
	defaultPollInterval    = 10 * time.Minute
	maxPeersPerFolder      = 30
)

// folderRuntime bundles everything one configured folder needs at
// runtime, on top of the long-lived Group.
type folderRuntime struct {
	entry    config.FolderEntry
	secret   secret.Secret
	folderID [20]byte
	idx      *index.Index
	queue    *indexer.Queue
	group    *foldergroup.Group
	watcher  *watcher.Watcher
	poller   *watcher.Poller
	stop     chan struct{}
}

// Daemon is the top-level process aggregate.
type Daemon struct {
	cfg *config.Config
	log *logging.Registry
	key nodekey.Key

	mu      sync.RWMutex
	folders map[string]*folderRuntime // keyed by folder id hex

	multicast *discovery.Multicast
	trackers  []*discovery.Tracker
	composite *discovery.Composite
	control   *controlplane.Server

	peerPort int

	httpServer *http.Server
}

// New builds and wires a Daemon from a parsed, validated Config. It
// does not start any network listeners or background loops — call Run
// for that.
func New(cfg *config.Config) (*Daemon, error) {
	logPaths := make(map[string]string, len(logFiles))
	for _, name := range logFiles {
		logPaths[name] = filepath.Join(cfg.Workspace, "log", name+".log")
	}
	reg, err := logging.Open(logPaths)
	if err != nil {
		return nil, errors.Wrap(err, "daemon: open logs")
	}

	key, err := nodekey.LoadOrGenerate(cfg.Workspace)
	if err != nil {
		return nil, errors.Wrap(err, "daemon: node key")
	}

	_, portStr, err := net.SplitHostPort(cfg.APIEndpoint)
	if err != nil {
		return nil, errors.Wrap(err, "daemon: apiendpoint")
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, errors.Wrap(err, "daemon: apiendpoint port")
	}

	d := &Daemon{
		cfg:      cfg,
		log:      reg,
		key:      key,
		folders:  make(map[string]*folderRuntime),
		peerPort: port,
	}

	for _, entry := range cfg.Folders {
		if err := d.openFolder(entry); err != nil {
			return nil, errors.Wrapf(err, "daemon: folder %s", entry.ID)
		}
	}

	d.multicast, err = discovery.NewMulticast(multicastPort, hex.EncodeToString([]byte(key.ID())), time.Duration(cfg.MulticastInterval)*time.Second)
	if err != nil {
		return nil, errors.Wrap(err, "daemon: multicast")
	}
	d.mu.RLock()
	for _, fr := range d.folders {
		d.multicast.AnnounceFolder(fr.folderID)
	}
	d.mu.RUnlock()

	trackerCh := make(chan discovery.PeerCandidate, 64)
	for _, addr := range cfg.Trackers {
		t, err := discovery.DialTracker(addr)
		if err != nil {
			d.log.Named("discovery").Log("warn", "dial tracker "+addr+": "+err.Error())
			continue
		}
		d.trackers = append(d.trackers, t)
		go d.pollTracker(t, trackerCh)
	}
	d.composite = discovery.NewComposite(discovery.DefaultDedupWindow, d.multicast.Candidates(), trackerCh)

	d.control = controlplane.New(d, d.handleCommand, []string{"*"})

	return d, nil
}

// folderWriterKey obtains the folder's writer public key that PutMeta
// pins every incoming record against. An Owner or ReadWrite secret
// derives it directly; a ReadOnly or Download secret cannot, so it must
// carry a pinned copy in the folder's config entry instead.
func folderWriterKey(s secret.Secret, pinnedHex string) ([]byte, error) {
	if s.Level() <= secret.ReadWrite {
		return s.WriterPublicKey()
	}
	if pinnedHex == "" {
		return nil, errors.New("daemon: read-only and download folders require a pinned writerkey")
	}
	key, err := hex.DecodeString(pinnedHex)
	if err != nil {
		return nil, errors.Wrap(err, "daemon: decode writerkey")
	}
	return key, nil
}

func (d *Daemon) openFolder(entry config.FolderEntry) error {
	s, err := secret.Parse(entry.Secret)
	if err != nil {
		return errors.Wrap(err, "parse secret")
	}
	folderID, err := s.FolderID()
	if err != nil {
		return errors.Wrap(err, "folder id")
	}
	idHex := hex.EncodeToString(folderID[:])

	writerPubKey, err := folderWriterKey(s, entry.WriterKey)
	if err != nil {
		return err
	}

	dbPath := filepath.Join(d.cfg.Workspace, idHex+".db")
	idx, err := index.Open(dbPath, writerPubKey)
	if err != nil {
		return errors.Wrap(err, "open index")
	}

	assembledDir := filepath.Join(d.cfg.Workspace, idHex+".assembled")
	if err := os.MkdirAll(assembledDir, 0o750); err != nil {
		return errors.Wrap(err, "mkdir assembled dir")
	}

	queue := indexer.New(entry.Path, s, idx, nil, d.log.Named("index"))
	group := foldergroup.New(folderID, s, idx, queue, d.log.Named("peer"))

	w, err := watcher.New(entry.Path, queue)
	if err != nil {
		idx.Close()
		return errors.Wrap(err, "watcher")
	}
	poller := watcher.NewPoller(entry.Path, queue, defaultPollInterval, nil)

	fr := &folderRuntime{
		entry:    entry,
		secret:   s,
		folderID: folderID,
		idx:      idx,
		queue:    queue,
		group:    group,
		watcher:  w,
		poller:   poller,
		stop:     make(chan struct{}),
	}

	d.mu.Lock()
	d.folders[idHex] = fr
	d.mu.Unlock()

	if d.multicast != nil {
		d.multicast.AnnounceFolder(folderID)
	}

	go d.forwardCommits(fr)
	group.Rerank()

	return nil
}

// forwardCommits subscribes to a folder's Index and broadcasts every
// locally-committed record to connected peers as HaveMeta, the
// dissemination half of the Folder Group's job.
func (d *Daemon) forwardCommits(fr *folderRuntime) {
	events, unsubscribe := fr.idx.Subscribe()
	defer unsubscribe()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !ev.External {
				fr.group.BroadcastHaveMeta(ev.Record)
			}
		case <-fr.stop:
			return
		}
	}
}

// pollTracker re-announces every folder to one UDP tracker on a fixed
// interval and forwards every returned address as a candidate.
func (d *Daemon) pollTracker(t *discovery.Tracker, out chan<- discovery.PeerCandidate) {
	ticker := time.NewTicker(defaultTrackerInterval)
	defer ticker.Stop()
	for range ticker.C {
		d.mu.RLock()
		folders := make([][20]byte, 0, len(d.folders))
		for _, fr := range d.folders {
			folders = append(folders, fr.folderID)
		}
		d.mu.RUnlock()

		for _, folderID := range folders {
			addrs, err := t.Announce(folderID, [20]byte([]byte(d.key.ID())[:20]), uint16(d.peerPort))
			if err != nil {
				continue
			}
			for _, a := range addrs {
				select {
				case out <- discovery.PeerCandidate{FolderID: folderID, Addr: a, Source: discovery.SourceTracker}:
				default:
				}
			}
		}
	}
}

// dialDiscovered connects out to every freshly-discovered candidate
// whose folder is configured locally, subject to a per-folder peer cap.
func (d *Daemon) dialDiscovered(ctx context.Context) {
	for {
		select {
		case cand, ok := <-d.composite.Candidates():
			if !ok {
				return
			}
			d.connectCandidate(ctx, cand)
		case <-ctx.Done():
			return
		}
	}
}

func (d *Daemon) connectCandidate(ctx context.Context, cand discovery.PeerCandidate) {
	idHex := hex.EncodeToString(cand.FolderID[:])
	d.mu.RLock()
	fr, ok := d.folders[idHex]
	d.mu.RUnlock()
	if !ok || fr.group.PeerCount() >= maxPeersPerFolder {
		return
	}

	host, err := cand.Addr.ValueForProtocol(multiaddr.P_IP4)
	if err != nil {
		return
	}
	portStr, err := cand.Addr.ValueForProtocol(multiaddr.P_UDP)
	if err != nil {
		portStr, err = cand.Addr.ValueForProtocol(multiaddr.P_TCP)
		if err != nil {
			return
		}
	}
	if cand.PeerIDHex == "" {
		return // a tracker-sourced candidate carries no node id to bind the handshake token to
	}
	endpoint := "ws://" + net.JoinHostPort(host, portStr) + "/sync/" + idHex

	secretKey, err := fr.secret.HandshakeKey()
	if err != nil {
		return
	}
	ownDigest := []byte(d.key.ID())
	remoteDigest, err := hex.DecodeString(cand.PeerIDHex)
	if err != nil {
		return
	}
	localToken, err := peer.DeriveToken(secretKey, cand.FolderID, ownDigest)
	if err != nil {
		return
	}
	expectedRemoteToken, err := peer.DeriveToken(secretKey, cand.FolderID, remoteDigest)
	if err != nil {
		return
	}

	_, err = peer.Dial(ctx, endpoint, cand.FolderID, ownDigest, localToken, expectedRemoteToken, "foldersyncd", userAgent(), fr.group)
	if err != nil {
		return
	}
	// fr.group.OnReady already self-registered the session under its
	// remote digest by the time Dial returns.
}

func userAgent() string { return "foldersyncd/1.0" }

// Run starts every background loop and the HTTP listener, and blocks
// until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	d.mu.RLock()
	groups := make([]*foldergroup.Group, 0, len(d.folders))
	for _, fr := range d.folders {
		groups = append(groups, fr.group)
	}
	d.mu.RUnlock()
	for _, g := range groups {
		go bandwidthRerankLoop(ctx, g)
	}
	go d.dialDiscovered(ctx)

	mux := http.NewServeMux()
	mux.Handle("/", d.control.Handler())
	mux.Handle("/sync/", peer.UpgradeHandler(func(r *http.Request) bool { return true }, d.onPeerAccept))

	ln, err := net.Listen("tcp", d.cfg.APIEndpoint)
	if err != nil {
		return errors.Wrap(err, "daemon: listen")
	}
	d.httpServer = &http.Server{Addr: d.cfg.APIEndpoint, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- d.httpServer.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return d.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func bandwidthRerankLoop(ctx context.Context, g *foldergroup.Group) {
	ticker := time.NewTicker(defaultRerankInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			g.Rerank()
		case <-ctx.Done():
			return
		}
	}
}

// onPeerAccept is invoked once a websocket connection has been upgraded;
// the folder id travels in the URL path per spec.md's
// wss://host:port/sync/<folder_id_hex> convention. It looks up the
// matching folderRuntime, runs the Server side of the handshake (spec.md
// §4.8), and lets the resulting Group.OnReady self-register the session.
// A request naming an unconfigured or malformed folder id closes the
// connection immediately.
func (d *Daemon) onPeerAccept(conn *websocket.Conn, r *http.Request) {
	idHex := strings.TrimPrefix(r.URL.Path, "/sync/")
	folderIDBytes, err := hex.DecodeString(idHex)
	if err != nil || len(folderIDBytes) != 20 {
		conn.Close()
		return
	}
	var folderID [20]byte
	copy(folderID[:], folderIDBytes)

	d.mu.RLock()
	fr, ok := d.folders[idHex]
	d.mu.RUnlock()
	if !ok {
		conn.Close()
		return
	}
	if fr.group.PeerCount() >= maxPeersPerFolder {
		conn.Close()
		return
	}

	secretKey, err := fr.secret.HandshakeKey()
	if err != nil {
		conn.Close()
		return
	}
	ownDigest := []byte(d.key.ID())
	if _, err := peer.Accept(conn, folderID, secretKey, ownDigest, "foldersyncd", userAgent(), fr.group); err != nil {
		d.log.Named("peer").Log("warn", "inbound handshake failed: "+err.Error())
	}
}

// Close tears down every open folder's resources. Safe to call once.
func (d *Daemon) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.multicast != nil {
		d.multicast.Close()
	}
	for _, t := range d.trackers {
		t.Close()
	}
	var firstErr error
	for _, fr := range d.folders {
		close(fr.stop)
		fr.watcher.Close()
		fr.poller.Close()
		fr.queue.Close()
		if err := fr.idx.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := d.log.Sync(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// ListFolders implements controlplane.FolderLister.
func (d *Daemon) ListFolders() []controlplane.FolderStatus {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]controlplane.FolderStatus, 0, len(d.folders))
	for idHex, fr := range d.folders {
		out = append(out, controlplane.FolderStatus{
			FolderID: idHex,
			Path:     fr.entry.Path,
			State:    "idle",
			Peers:    fr.group.PeerCount(),
		})
	}
	return out
}

// ListPeers implements controlplane.FolderLister.
func (d *Daemon) ListPeers(folderID string) []controlplane.PeerStatus {
	d.mu.RLock()
	fr, ok := d.folders[folderID]
	d.mu.RUnlock()
	if !ok {
		return nil
	}
	peers := fr.group.Peers()
	out := make([]controlplane.PeerStatus, 0, len(peers))
	for _, p := range peers {
		out = append(out, controlplane.PeerStatus{NodeDigest: p.NodeDigest, Choking: p.Choking})
	}
	return out
}

// handleCommand implements controlplane.CommandHandler for the
// add/remove folder, update config key, shutdown, and restart commands
// spec.md §6 names.
func (d *Daemon) handleCommand(cmd controlplane.Command) error {
	switch cmd.Type {
	case "add_folder":
		var entry config.FolderEntry
		if err := json.Unmarshal(cmd.Value, &entry); err != nil {
			return errors.Wrap(err, "daemon: decode add_folder value")
		}
		if err := d.openFolder(entry); err != nil {
			return err
		}
		d.cfg.Folders = append(d.cfg.Folders, entry)
		d.control.Broadcast(controlplane.Notification{Type: controlplane.NotifyFolderAdded, FolderID: entry.ID})
		return nil
	case "remove_folder":
		return d.removeFolder(cmd.FolderID)
	case "update_config":
		d.control.Broadcast(controlplane.Notification{Type: controlplane.NotifyGlobalConfigChanged, Key: cmd.Key})
		return nil
	case "shutdown", "restart":
		return nil
	default:
		return controlplane.ErrUnknownCommand
	}
}

func (d *Daemon) removeFolder(folderID string) error {
	d.mu.Lock()
	fr, ok := d.folders[folderID]
	if ok {
		delete(d.folders, folderID)
	}
	d.mu.Unlock()
	if !ok {
		return errors.Errorf("daemon: unknown folder %q", folderID)
	}
	close(fr.stop)
	fr.watcher.Close()
	fr.poller.Close()
	fr.queue.Close()
	fr.idx.Close()
	d.control.Broadcast(controlplane.Notification{Type: controlplane.NotifyFolderRemoved, FolderID: folderID})
	return nil
}
