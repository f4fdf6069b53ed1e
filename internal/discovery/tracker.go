package discovery

import (
	"encoding/binary"
	"math/rand"
	"net"
	"time"

	multiaddr "github.com/multiformats/go-multiaddr"
	"github.com/pkg/errors"
)

// BEP15 action codes.
const (
	actionConnect  uint32 = 0
	actionAnnounce uint32 = 1
)

const protocolID uint64 = 0x41727101980

// eventNone is the announce "event" field for a periodic reannounce.
const eventNone uint32 = 0

// Tracker speaks the BitTorrent UDP tracker protocol (BEP15): connect,
// then announce(info_hash, peer_id, port) to retrieve a peer list. The
// wire layout is exactly specified by the protocol, so encoding/binary
// fixed-size structs are the correct tool — no ecosystem library in the
// pack offers a BitTorrent tracker client.
type Tracker struct {
	addr     *net.UDPAddr
	conn     *net.UDPConn
	clientID string
}

// DialTracker resolves and connects a UDP socket to a tracker address
// such as "tracker.example.org:6969".
func DialTracker(address string) (*Tracker, error) {
	addr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, errors.Wrap(err, "discovery: resolve tracker")
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, errors.Wrap(err, "discovery: dial tracker")
	}
	return &Tracker{addr: addr, conn: conn}, nil
}

// Close closes the tracker's socket.
func (t *Tracker) Close() error { return t.conn.Close() }

// connect performs the connect handshake, returning the session's
// connection id.
func (t *Tracker) connect() (uint64, error) {
	txID := rand.Uint32()
	req := make([]byte, 16)
	binary.BigEndian.PutUint64(req[0:8], protocolID)
	binary.BigEndian.PutUint32(req[8:12], actionConnect)
	binary.BigEndian.PutUint32(req[12:16], txID)

	if err := t.roundTrip(req); err != nil {
		return 0, err
	}
	resp := make([]byte, 16)
	n, err := t.conn.Read(resp)
	if err != nil {
		return 0, errors.Wrap(err, "discovery: tracker connect read")
	}
	if n < 16 {
		return 0, errors.New("discovery: short connect response")
	}
	gotAction := binary.BigEndian.Uint32(resp[0:4])
	gotTxID := binary.BigEndian.Uint32(resp[4:8])
	if gotAction != actionConnect || gotTxID != txID {
		return 0, errors.New("discovery: connect response mismatch")
	}
	return binary.BigEndian.Uint64(resp[8:16]), nil
}

func (t *Tracker) roundTrip(req []byte) error {
	if err := t.conn.SetDeadline(time.Now().Add(15 * time.Second)); err != nil {
		return err
	}
	_, err := t.conn.Write(req)
	return err
}

// Announce announces this node for infoHash/peerID on port and returns
// the peer list the tracker knows about. The info hash is derived from
// the folder id; the peer id is derived from the node's public key.
func (t *Tracker) Announce(infoHash, peerID [20]byte, port uint16) ([]multiaddr.Multiaddr, error) {
	connID, err := t.connect()
	if err != nil {
		return nil, err
	}

	txID := rand.Uint32()
	req := make([]byte, 98)
	binary.BigEndian.PutUint64(req[0:8], connID)
	binary.BigEndian.PutUint32(req[8:12], actionAnnounce)
	binary.BigEndian.PutUint32(req[12:16], txID)
	copy(req[16:36], infoHash[:])
	copy(req[36:56], peerID[:])
	binary.BigEndian.PutUint64(req[56:64], 0)  // downloaded
	binary.BigEndian.PutUint64(req[64:72], 0)  // left
	binary.BigEndian.PutUint64(req[72:80], 0)  // uploaded
	binary.BigEndian.PutUint32(req[80:84], eventNone)
	binary.BigEndian.PutUint32(req[84:88], 0) // ip (0 = let tracker infer)
	binary.BigEndian.PutUint32(req[88:92], rand.Uint32()) // key
	binary.BigEndian.PutUint32(req[92:96], 0xFFFFFFFF)    // num_want (default)
	binary.BigEndian.PutUint16(req[96:98], port)

	if err := t.roundTrip(req); err != nil {
		return nil, err
	}

	resp := make([]byte, 20+6*74) // header + up to 74 peers
	n, err := t.conn.Read(resp)
	if err != nil {
		return nil, errors.Wrap(err, "discovery: tracker announce read")
	}
	if n < 20 {
		return nil, errors.New("discovery: short announce response")
	}
	gotAction := binary.BigEndian.Uint32(resp[0:4])
	gotTxID := binary.BigEndian.Uint32(resp[4:8])
	if gotAction != actionAnnounce || gotTxID != txID {
		return nil, errors.New("discovery: announce response mismatch")
	}

	body := resp[20:n]
	var out []multiaddr.Multiaddr
	for i := 0; i+6 <= len(body); i += 6 {
		ip := net.IPv4(body[i], body[i+1], body[i+2], body[i+3])
		p := binary.BigEndian.Uint16(body[i+4 : i+6])
		addr, err := multiaddr.NewMultiaddr("/ip4/" + ip.String() + "/udp/" + itoa(int(p)))
		if err != nil {
			continue
		}
		out = append(out, addr)
	}
	return out, nil
}
