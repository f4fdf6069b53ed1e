// Package foldergroup implements the Folder Group (spec.md §4.6 / C6):
// one folder's local state joined to its remote peer sessions.
package foldergroup

import (
	"fmt"
	"sync"

	mapset "github.com/deckarep/golang-set"
	"github.com/foldersync/foldersyncd/internal/bandwidth"
	"github.com/foldersync/foldersyncd/internal/index"
	"github.com/foldersync/foldersyncd/internal/indexer"
	"github.com/foldersync/foldersyncd/internal/meta"
	"github.com/foldersync/foldersyncd/internal/peer"
	"github.com/foldersync/foldersyncd/internal/secret"
	"github.com/pkg/errors"
)

// maxOutstandingPerPeer caps in-flight BlockRequests toward one peer,
// per spec.md §4.6's request scheduler.
const maxOutstandingPerPeer = 8

// Logger is the minimal logging surface the group needs.
type Logger interface {
	Log(level, msg string)
}

// Group joins one folder's Index and Indexer Queue to its peer set and
// implements the request scheduler and broadcast/routing rules of
// spec.md §4.6. Group implements peer.Handler directly: every Session
// dialed or accepted for this folder is handed the Group itself so C8's
// read loop dispatches straight into C6's routing logic.
type Group struct {
	FolderID [20]byte
	secret   secret.Secret
	idx      *index.Index
	queue    *indexer.Queue
	sched    *bandwidth.Scheduler
	log      Logger

	mu          sync.Mutex
	peers       map[string]*peer.Session // keyed by remote node digest
	connected   mapset.Set               // node digests, dedup guard
	outstanding map[string]int           // node digest -> in-flight BlockRequests
	wanted      map[[32]byte][]string    // ct_hash -> node digests claiming to have it
	pendingCT   map[[32]byte]string      // ct_hash -> node digest a BlockRequest for it is outstanding toward
}

// New builds a Group for one folder.
func New(folderID [20]byte, s secret.Secret, idx *index.Index, queue *indexer.Queue, log Logger) *Group {
	return &Group{
		FolderID:    folderID,
		secret:      s,
		idx:         idx,
		queue:       queue,
		sched:       bandwidth.NewScheduler(bandwidth.DefaultUnchokeSlots),
		log:         log,
		peers:       make(map[string]*peer.Session),
		connected:   mapset.NewSet(),
		outstanding: make(map[string]int),
		wanted:      make(map[[32]byte][]string),
		pendingCT:   make(map[[32]byte]string),
	}
}

// ErrAlreadyConnected is returned when a peer with the same digest is
// already part of this group.
var ErrAlreadyConnected = errors.New("foldergroup: peer already connected")

// AddPeer registers a ready Session under its remote node digest,
// rejecting a duplicate connection from an already-connected peer per
// spec.md §4.6.
func (g *Group) AddPeer(nodeDigest string, s *peer.Session) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.connected.Contains(nodeDigest) {
		return ErrAlreadyConnected
	}
	g.connected.Add(nodeDigest)
	g.peers[nodeDigest] = s
	g.sched.Counter(nodeDigest)
	return nil
}

// RemovePeer drops a disconnected peer's bookkeeping, freeing any chunk
// it had an outstanding BlockRequest toward for rescheduling to another
// holder.
func (g *Group) RemovePeer(nodeDigest string) {
	g.mu.Lock()
	delete(g.peers, nodeDigest)
	delete(g.outstanding, nodeDigest)
	g.connected.Remove(nodeDigest)
	for ctHash, holders := range g.wanted {
		kept := holders[:0]
		for _, h := range holders {
			if h != nodeDigest {
				kept = append(kept, h)
			}
		}
		if len(kept) == 0 {
			delete(g.wanted, ctHash)
		} else {
			g.wanted[ctHash] = kept
		}
	}
	for ctHash, digest := range g.pendingCT {
		if digest == nodeDigest {
			delete(g.pendingCT, ctHash)
		}
	}
	g.mu.Unlock()
	g.sched.Remove(nodeDigest)
}

// PeerCount reports the number of currently connected peers.
func (g *Group) PeerCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.peers)
}

// BroadcastHaveMeta announces a newly committed meta record to every
// ready peer, as spec.md §4.6 requires on local metaAdded.
func (g *Group) BroadcastHaveMeta(record meta.Record) {
	bitfield := make([]bool, len(record.Chunks))
	for i := range bitfield {
		bitfield[i] = true
	}
	msg := peer.HaveMeta{
		PathRevision: peer.PathRevision{PathID: record.PathID, Revision: record.Revision},
		Bitfield:     bitfield,
	}
	g.forEachPeer(func(digest string, s *peer.Session) {
		if err := s.SendHaveMeta(msg); err != nil {
			g.logf("warn", "broadcast HaveMeta to %s failed: %v", digest, err)
		}
	})
}

// BroadcastHaveChunk announces a newly assembled chunk to every ready
// peer, as spec.md §4.6 requires on local chunk assembly.
func (g *Group) BroadcastHaveChunk(ctHash [32]byte) {
	msg := peer.HaveChunk{CTHash: ctHash}
	g.forEachPeer(func(digest string, s *peer.Session) {
		if err := s.SendHaveChunk(msg); err != nil {
			g.logf("warn", "broadcast HaveChunk to %s failed: %v", digest, err)
		}
	})
}

func (g *Group) forEachPeer(fn func(digest string, s *peer.Session)) {
	g.mu.Lock()
	snapshot := make(map[string]*peer.Session, len(g.peers))
	for k, v := range g.peers {
		snapshot[k] = v
	}
	g.mu.Unlock()
	for digest, s := range snapshot {
		fn(digest, s)
	}
}

// HandleMetaReply routes an incoming MetaReply into the Index after
// verifying the embedded record's signature, per spec.md §4.6.
func (g *Group) HandleMetaReply(m peer.MetaReply) error {
	record, err := meta.Decode(m.EncodedRecord)
	if err != nil {
		return errors.Wrap(err, "foldergroup: decode meta reply")
	}
	if err := record.Verify(); err != nil {
		return errors.Wrap(err, "foldergroup: meta reply failed signature verification")
	}
	allowed, err := g.idx.PutAllowed(record.PathID, record.Revision)
	if err != nil {
		return err
	}
	if !allowed {
		return nil
	}
	if err := g.idx.PutMeta(record, true); err != nil {
		return err
	}
	for _, c := range record.Chunks {
		g.ScheduleRequest(c.CTHash, c.Size)
	}
	return nil
}

// HandleHaveChunk records that nodeDigest claims to hold ctHash, making
// it a candidate source for the request scheduler.
func (g *Group) HandleHaveChunk(nodeDigest string, ctHash [32]byte) {
	g.mu.Lock()
	defer g.mu.Unlock()
	holders := g.wanted[ctHash]
	for _, h := range holders {
		if h == nodeDigest {
			return
		}
	}
	g.wanted[ctHash] = append(holders, nodeDigest)
}

// ScheduleRequest picks an un-choked peer claiming to hold ctHash,
// respecting the per-peer outstanding-request cap, and issues a
// BlockRequest. The peer's declared interest is not consulted. Returns false if no eligible peer is currently available
// or ctHash is already cached or already requested.
func (g *Group) ScheduleRequest(ctHash [32]byte, size uint32) (bool, error) {
	if have, err := g.idx.HasChunk(ctHash); err != nil {
		return false, err
	} else if have {
		return false, nil
	}

	g.mu.Lock()
	if _, pending := g.pendingCT[ctHash]; pending {
		g.mu.Unlock()
		return false, nil
	}
	holders := append([]string(nil), g.wanted[ctHash]...)
	g.mu.Unlock()

	for _, digest := range holders {
		g.mu.Lock()
		s, ok := g.peers[digest]
		outstanding := g.outstanding[digest]
		g.mu.Unlock()
		if !ok {
			continue
		}
		if outstanding >= maxOutstandingPerPeer {
			continue
		}
		if s.State().PeerChoking {
			continue
		}
		if err := s.SendBlockRequest(peer.BlockRequest{CTHash: ctHash, Offset: 0, Size: size}); err != nil {
			continue
		}
		g.mu.Lock()
		g.outstanding[digest]++
		g.pendingCT[ctHash] = digest
		g.mu.Unlock()
		return true, nil
	}
	return false, nil
}

// CompleteRequest releases one outstanding-request slot for nodeDigest,
// called once a BlockReply (or a choke/disconnect cancellation) resolves
// a previously issued request.
func (g *Group) CompleteRequest(nodeDigest string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.outstanding[nodeDigest] > 0 {
		g.outstanding[nodeDigest]--
	}
}

// resetOutstanding clears the in-flight bookkeeping for every request we
// had pending toward nodeDigest, so those chunks become eligible for
// re-scheduling toward a different holder. Called when nodeDigest chokes
// us or disconnects, per spec.md §4.8's cancellation rule.
func (g *Group) resetOutstanding(nodeDigest string) {
	g.mu.Lock()
	delete(g.outstanding, nodeDigest)
	for ctHash, digest := range g.pendingCT {
		if digest == nodeDigest {
			delete(g.pendingCT, ctHash)
		}
	}
	g.mu.Unlock()
}

// Rerank drives the bandwidth scheduler's periodic choke/unchoke ranking
// and applies it to this group's peers.
func (g *Group) Rerank() {
	unchoked := g.sched.Rerank()
	g.forEachPeer(func(digest string, s *peer.Session) {
		if unchoked[digest] {
			_ = s.Unchoke()
		} else {
			_ = s.Choke()
		}
	})
}

// Counter returns the bandwidth counter for a peer, for the transport
// layer to record ingress/egress against.
func (g *Group) Counter(nodeDigest string) *bandwidth.Counter {
	return g.sched.Counter(nodeDigest)
}

// PeerInfo is a point-in-time snapshot of one connected peer's state,
// for status reporting.
type PeerInfo struct {
	NodeDigest string
	Choking    bool
}

// Peers snapshots every currently connected peer's choke state.
func (g *Group) Peers() []PeerInfo {
	var out []PeerInfo
	g.forEachPeer(func(digest string, s *peer.Session) {
		out = append(out, PeerInfo{NodeDigest: digest, Choking: s.State().AmChoking})
	})
	return out
}

func (g *Group) logf(level, format string, args ...any) {
	if g.log == nil {
		return
	}
	g.log.Log(level, fmt.Sprintf(format, args...))
}

// --- peer.Handler ---
//
// Dial and Accept both hand the Group itself in as the handler, so every
// callback below runs directly off C8's read loop for this folder's
// sessions.

// OnReady self-registers the now-authenticated session under its remote
// node digest. This has to happen here rather than after Dial/Accept
// returns: OnReady fires before either call returns to its caller, so an
// external AddPeer would always run too late to matter for anything a
// peer does immediately after the handshake completes.
func (g *Group) OnReady(s *peer.Session) {
	if err := g.AddPeer(s.RemotePeer, s); err != nil {
		g.logf("warn", "peer %s: %v", s.RemotePeer, err)
		_ = s.Close()
		return
	}
	g.logf("info", "peer %s ready (%s)", s.RemotePeer, s.RemoteAgent)
}

// OnChoke drops our bookkeeping for requests outstanding toward this
// peer, since it has just told us it will not answer them.
func (g *Group) OnChoke(s *peer.Session) {
	g.resetOutstanding(s.RemotePeer)
}

// OnUnchoke needs no action: ScheduleRequest already re-checks
// PeerChoking on the session itself before issuing a BlockRequest.
func (g *Group) OnUnchoke(s *peer.Session) {}

// OnInterested and OnNotInterested are no-ops: this implementation's
// bandwidth.Scheduler ranks peers purely by ingress byte counts, not by
// declared interest.
func (g *Group) OnInterested(s *peer.Session)    {}
func (g *Group) OnNotInterested(s *peer.Session) {}

// OnHaveMeta requests the full record if we don't already hold that
// revision (or a newer one) for the path.
func (g *Group) OnHaveMeta(s *peer.Session, m peer.HaveMeta) {
	have, err := g.idx.HaveMeta(m.PathRevision.PathID, m.PathRevision.Revision)
	if err != nil {
		g.logf("err", "have-meta check for %s: %v", s.RemotePeer, err)
		return
	}
	if have {
		return
	}
	if err := s.SendMetaRequest(peer.MetaRequest{PathRevision: m.PathRevision}); err != nil {
		g.logf("warn", "meta request to %s failed: %v", s.RemotePeer, err)
	}
}

// OnHaveChunk records the claim and immediately tries to schedule a
// request for it, in case we're already waiting on a meta record that
// references it.
func (g *Group) OnHaveChunk(s *peer.Session, m peer.HaveChunk) {
	g.HandleHaveChunk(s.RemotePeer, m.CTHash)
	size, _, err := g.idx.GetChunkSizeIV(m.CTHash)
	if err != nil {
		return
	}
	if _, err := g.ScheduleRequest(m.CTHash, size); err != nil {
		g.logf("err", "schedule request for chunk after have: %v", err)
	}
}

// OnMetaRequest serves a signed record straight out of the Index,
// alongside a bitfield reporting which of its chunks we actually hold
// ciphertext for, so the requester can tell who to ask for which block.
func (g *Group) OnMetaRequest(s *peer.Session, m peer.MetaRequest) {
	record, err := g.idx.GetMeta(m.PathRevision.PathID, m.PathRevision.Revision)
	if err != nil {
		return
	}
	encoded, err := meta.Encode(record)
	if err != nil {
		g.logf("err", "encode meta reply for %s: %v", s.RemotePeer, err)
		return
	}
	bitfield := make([]bool, len(record.Chunks))
	for i, c := range record.Chunks {
		bitfield[i], _ = g.idx.HasChunk(c.CTHash)
	}
	if err := s.SendMetaReply(peer.MetaReply{EncodedRecord: encoded, Bitfield: bitfield}); err != nil {
		g.logf("warn", "meta reply to %s failed: %v", s.RemotePeer, err)
	}
}

// OnMetaReply hands the record to the Index and, once it lands, tries to
// schedule requests for any chunks it references that we don't have yet.
func (g *Group) OnMetaReply(s *peer.Session, m peer.MetaReply) {
	if record, err := meta.Decode(m.EncodedRecord); err == nil {
		for i, c := range record.Chunks {
			if i < len(m.Bitfield) && m.Bitfield[i] {
				g.HandleHaveChunk(s.RemotePeer, c.CTHash)
			}
		}
	}
	if err := g.HandleMetaReply(m); err != nil {
		g.logf("warn", "meta reply from %s: %v", s.RemotePeer, err)
	}
}

// OnBlockRequest serves a cached ciphertext range, refusing silently
// (spec.md §4.8 leaves an unservable request to time out rather than
// erroring the session) when we don't hold the chunk, the requested range
// exceeds it, or we are currently choking this peer.
func (g *Group) OnBlockRequest(s *peer.Session, m peer.BlockRequest) {
	if s.State().AmChoking {
		return
	}
	data, err := g.idx.GetChunk(m.CTHash)
	if err != nil {
		return
	}
	end := uint64(m.Offset) + uint64(m.Size)
	if end > uint64(len(data)) {
		return
	}
	reply := peer.BlockReply{CTHash: m.CTHash[:], Offset: m.Offset, Bytes: data[m.Offset:end]}
	if err := s.SendBlockReply(reply); err != nil {
		g.logf("warn", "block reply to %s failed: %v", s.RemotePeer, err)
	}
}

// OnBlockReply caches the received ciphertext, releases the outstanding
// slot it was consuming, and announces the chunk to the rest of the
// group so other peers (and our own assembly step) can pick it up.
func (g *Group) OnBlockReply(s *peer.Session, m peer.BlockReply) {
	g.CompleteRequest(s.RemotePeer)
	var ctHash [32]byte
	copy(ctHash[:], m.CTHash)
	if m.Offset != 0 {
		// Partial-range replies aren't reassembled; this implementation
		// only ever issues whole-chunk BlockRequests.
		return
	}
	if err := g.idx.PutChunk(ctHash, m.Bytes); err != nil {
		g.logf("err", "cache chunk from %s: %v", s.RemotePeer, err)
		return
	}
	g.mu.Lock()
	delete(g.pendingCT, ctHash)
	g.mu.Unlock()
	g.BroadcastHaveChunk(ctHash)
}

// OnClose drops the peer from the group entirely.
func (g *Group) OnClose(s *peer.Session, err error) {
	g.RemovePeer(s.RemotePeer)
	if err != nil {
		g.logf("info", "peer %s disconnected: %v", s.RemotePeer, err)
	}
}
