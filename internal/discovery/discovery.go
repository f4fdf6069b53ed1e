// Package discovery implements the multicast and UDP-tracker peer
// discovery sub-sources (spec.md §4.7 / C7) and the composite source
// that dedups their output into PeerCandidate events.
package discovery

import (
	"bytes"
	"encoding/gob"
	"encoding/hex"
	"net"
	"strconv"
	"sync"
	"time"

	multiaddr "github.com/multiformats/go-multiaddr"
	"github.com/pkg/errors"
)

// Source names a discovery sub-source, for logging and dedup bookkeeping.
type Source string

const (
	SourceMulticast Source = "multicast"
	SourceTracker   Source = "tracker"
)

// PeerCandidate is one discovered peer endpoint for one folder.
type PeerCandidate struct {
	FolderID [20]byte
	Addr     multiaddr.Multiaddr
	Source   Source
	// PeerIDHex is the announcer's node id, hex-encoded, when the source
	// carries one (multicast always does; a tracker announce does not).
	PeerIDHex string
}

// DefaultMulticastInterval is how often announcements repeat.
const DefaultMulticastInterval = 30 * time.Second

var (
	multicastGroupV4 = &net.UDPAddr{IP: net.ParseIP("239.192.152.144"), Port: 28103}
)

// announcement is the self-describing payload carried on the wire: gob
// encodes its own type descriptors, so receivers don't need a shared
// schema version the way a hand-rolled fixed layout would.
type announcement map[uint8]any

const (
	fieldPort        = 1
	fieldPeerIDHex   = 2
	fieldFolderIDHex = 3
)

// Multicast periodically announces this node's presence for a set of
// folders and reports candidates it hears from others.
type Multicast struct {
	conn     *net.UDPConn
	port     int
	peerIDHex string
	interval time.Duration

	mu      sync.Mutex
	folders map[string][20]byte // hex(folderID) -> folderID, announced set

	candidates chan PeerCandidate
	done       chan struct{}
}

// NewMulticast binds a UDP multicast socket and starts the announce and
// listen loops.
func NewMulticast(port int, peerIDHex string, interval time.Duration) (*Multicast, error) {
	if interval <= 0 {
		interval = DefaultMulticastInterval
	}
	conn, err := net.ListenMulticastUDP("udp4", nil, multicastGroupV4)
	if err != nil {
		return nil, errors.Wrap(err, "discovery: listen multicast")
	}
	m := &Multicast{
		conn:       conn,
		port:       port,
		peerIDHex:  peerIDHex,
		interval:   interval,
		folders:    make(map[string][20]byte),
		candidates: make(chan PeerCandidate, 64),
		done:       make(chan struct{}),
	}
	go m.announceLoop()
	go m.listenLoop()
	return m, nil
}

// AnnounceFolder adds folderID to the set announced on every tick.
func (m *Multicast) AnnounceFolder(folderID [20]byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.folders[hexKey(folderID)] = folderID
}

// Candidates returns the channel of discovered peers.
func (m *Multicast) Candidates() <-chan PeerCandidate { return m.candidates }

func (m *Multicast) announceLoop() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.announceAll()
		case <-m.done:
			return
		}
	}
}

func (m *Multicast) announceAll() {
	m.mu.Lock()
	folders := make([][20]byte, 0, len(m.folders))
	for _, id := range m.folders {
		folders = append(folders, id)
	}
	m.mu.Unlock()

	for _, folderID := range folders {
		a := announcement{
			fieldPort:        m.port,
			fieldPeerIDHex:   m.peerIDHex,
			fieldFolderIDHex: hexKey(folderID),
		}
		buf, err := encodeGob(a)
		if err != nil {
			continue
		}
		_, _ = m.conn.WriteToUDP(buf, multicastGroupV4)
	}
}

func (m *Multicast) listenLoop() {
	buf := make([]byte, 2048)
	for {
		n, from, err := m.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-m.done:
				return
			default:
				continue
			}
		}
		a, err := decodeGob(buf[:n])
		if err != nil {
			continue
		}
		m.handleAnnouncement(a, from)
	}
}

func (m *Multicast) handleAnnouncement(a announcement, from *net.UDPAddr) {
	folderHex, _ := a[fieldFolderIDHex].(string)
	folderID, err := folderIDFromHex(folderHex)
	if err != nil {
		return
	}
	port, _ := a[fieldPort].(int)
	if port == 0 {
		return
	}
	peerIDHex, _ := a[fieldPeerIDHex].(string)
	addr, err := multiaddr.NewMultiaddr(
		"/ip4/" + from.IP.String() + "/udp/" + itoa(port),
	)
	if err != nil {
		return
	}
	select {
	case m.candidates <- PeerCandidate{FolderID: folderID, Addr: addr, Source: SourceMulticast, PeerIDHex: peerIDHex}:
	default:
	}
}

// Close stops the multicast source.
func (m *Multicast) Close() error {
	close(m.done)
	return m.conn.Close()
}

func encodeGob(a announcement) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(a); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte) (announcement, error) {
	var a announcement
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&a); err != nil {
		return nil, err
	}
	return a, nil
}

func hexKey(id [20]byte) string { return hex.EncodeToString(id[:]) }

func folderIDFromHex(s string) ([20]byte, error) {
	var id [20]byte
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != len(id) {
		return id, errors.New("discovery: malformed folder id")
	}
	copy(id[:], raw)
	return id, nil
}

func itoa(n int) string { return strconv.Itoa(n) }
