package peer

import (
	"context"
	"encoding/hex"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"
)

// Role distinguishes which side sends the first handshake message.
type Role byte

const (
	Client Role = iota
	Server
)

const (
	wsBuffRead     = 1024
	wsBuffWrite    = 1024
	wsMsgSizeLimit = 8 * 1024 * 1024

	// DefaultPingInterval matches spec.md's default liveness ping cadence.
	DefaultPingInterval = 20 * time.Second
	// DefaultTimeout closes the session if nothing is received for this long.
	DefaultTimeout = 120 * time.Second
	writeTimeout   = 10 * time.Second
)

var wsBufferPool = new(sync.Pool)

// ErrAuth is returned when handshake token validation fails.
var ErrAuth = errors.New("peer: handshake auth token mismatch")

// ErrProtocol is returned for any message received out of sequence.
var ErrProtocol = errors.New("peer: message received before ready")

// Handler receives events from a Session's read loop. Implementations
// (the Folder Group) must not block for long inside these calls.
type Handler interface {
	OnReady(s *Session)
	OnChoke(s *Session)
	OnUnchoke(s *Session)
	OnInterested(s *Session)
	OnNotInterested(s *Session)
	OnHaveMeta(s *Session, m HaveMeta)
	OnHaveChunk(s *Session, m HaveChunk)
	OnMetaRequest(s *Session, m MetaRequest)
	OnMetaReply(s *Session, m MetaReply)
	OnBlockRequest(s *Session, m BlockRequest)
	OnBlockReply(s *Session, m BlockReply)
	OnClose(s *Session, err error)
}

// State is the per-direction choke/interest flag pair spec.md §4.8
// requires on each session.
type State struct {
	AmChoking      bool
	PeerChoking    bool
	AmInterested   bool
	PeerInterested bool
}

// Session is one authenticated, folder-bound message channel over a
// websocket transport.
type Session struct {
	conn    *websocket.Conn
	role    Role
	handler Handler

	FolderID    [20]byte
	RemotePeer  string // opaque remote node identity, set after handshake
	RemoteAgent string

	mu    sync.Mutex
	state State
	ready bool

	pingReset chan struct{}
	closedCh  chan struct{}
	closeOnce sync.Once
	closeErr  error

	wg sync.WaitGroup
}

func newSession(conn *websocket.Conn, role Role, handler Handler) *Session {
	conn.SetReadLimit(wsMsgSizeLimit)
	s := &Session{
		conn:    conn,
		role:    role,
		handler: handler,
		state: State{
			AmChoking:   true,
			PeerChoking: true,
		},
		pingReset: make(chan struct{}, 1),
		closedCh:  make(chan struct{}),
	}
	conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(DefaultTimeout))
		return nil
	})
	return s
}

// Dial connects as Client to endpoint and runs the handshake. localToken
// and expectedRemoteToken are precomputed by the caller, which already
// knows which remote digest it intends to reach (from discovery).
func Dial(ctx context.Context, endpoint string, folderID [20]byte, localDigest, localToken, expectedRemoteToken []byte, clientName, userAgent string, handler Handler) (*Session, error) {
	dialer := websocket.Dialer{ReadBufferSize: wsBuffRead, WriteBufferSize: wsBuffWrite, WriteBufferPool: wsBufferPool}
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, errors.Wrap(err, "peer: dial")
	}
	s := newSession(conn, Client, handler)
	s.FolderID = folderID
	if err := s.runHandshakeClient(localToken, expectedRemoteToken, localDigest, clientName, userAgent); err != nil {
		conn.Close()
		return nil, err
	}
	s.start()
	handler.OnReady(s)
	return s, nil
}

// Accept wraps an already-upgraded websocket connection as a Server-role
// Session and runs the handshake. Unlike Dial, the Server does not know
// in advance which peer is connecting, so it derives the token it
// expects from the digest the Client declares in its Handshake rather
// than from a precomputed value.
func Accept(conn *websocket.Conn, folderID [20]byte, secretKey, localDigest []byte, clientName, userAgent string, handler Handler) (*Session, error) {
	s := newSession(conn, Server, handler)
	s.FolderID = folderID
	if err := s.runHandshakeServer(secretKey, localDigest, clientName, userAgent); err != nil {
		conn.Close()
		return nil, err
	}
	s.start()
	handler.OnReady(s)
	return s, nil
}

// UpgradeHandler returns an http.Handler suitable for registering a
// websocket endpoint, following the teacher's WebsocketHandler shape.
// onAccept receives the originating request alongside the upgraded
// connection so the caller can route on path elements (e.g. a folder id)
// that only exist on the HTTP side of the upgrade.
func UpgradeHandler(checkOrigin func(*http.Request) bool, onAccept func(*websocket.Conn, *http.Request)) http.Handler {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  wsBuffRead,
		WriteBufferSize: wsBuffWrite,
		WriteBufferPool: wsBufferPool,
		CheckOrigin:     checkOrigin,
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		onAccept(conn, r)
	})
}

// DeriveToken computes KMAC(secretKey, folderID || nodeDigest) using a
// blake2b keyed hash as the KMAC-equivalent one-way function, matching
// the derivation the folder secret package uses elsewhere.
func DeriveToken(secretKey []byte, folderID [20]byte, nodeDigest []byte) ([]byte, error) {
	mac, err := blake2b.New256(secretKey)
	if err != nil {
		return nil, errors.Wrap(err, "peer: token mac")
	}
	_, _ = mac.Write(folderID[:])
	_, _ = mac.Write(nodeDigest)
	return mac.Sum(nil), nil
}

// runHandshakeClient sends first, as spec.md §4.8 requires of the Client
// role, then validates the Server's reply against a token the caller
// already knows to expect.
func (s *Session) runHandshakeClient(localToken, expectedRemoteToken, localDigest []byte, clientName, userAgent string) error {
	if err := s.sendHandshake(localToken, localDigest, clientName, userAgent); err != nil {
		return err
	}
	remote, err := s.recvHandshake()
	if err != nil {
		return err
	}
	if !bytesEqual(remote.AuthToken, expectedRemoteToken) {
		return ErrAuth
	}
	s.finishHandshake(remote)
	return nil
}

// runHandshakeServer receives first, then derives the token it expects
// from the digest the Client declared rather than a precomputed value,
// since the Server cannot know in advance who is dialing in.
func (s *Session) runHandshakeServer(secretKey, localDigest []byte, clientName, userAgent string) error {
	remote, err := s.recvHandshake()
	if err != nil {
		return err
	}
	expectedRemoteToken, err := DeriveToken(secretKey, s.FolderID, remote.NodeDigest)
	if err != nil {
		return err
	}
	if !bytesEqual(remote.AuthToken, expectedRemoteToken) {
		return ErrAuth
	}
	localToken, err := DeriveToken(secretKey, s.FolderID, localDigest)
	if err != nil {
		return err
	}
	if err := s.sendHandshake(localToken, localDigest, clientName, userAgent); err != nil {
		return err
	}
	s.finishHandshake(remote)
	return nil
}

func (s *Session) sendHandshake(authToken, nodeDigest []byte, clientName, userAgent string) error {
	return s.writeFrame(TagHandshake, Handshake{
		AuthToken:  authToken,
		NodeDigest: nodeDigest,
		ClientName: clientName,
		UserAgent:  userAgent,
		FolderID:   s.FolderID,
	})
}

func (s *Session) recvHandshake() (Handshake, error) {
	f, err := s.readFrame()
	if err != nil {
		return Handshake{}, err
	}
	if f.Tag != TagHandshake {
		return Handshake{}, ErrProtocol
	}
	var hs Handshake
	if err := decodePayload(f, &hs); err != nil {
		return Handshake{}, err
	}
	return hs, nil
}

func (s *Session) finishHandshake(remote Handshake) {
	s.RemoteAgent = remote.UserAgent
	s.RemotePeer = hex.EncodeToString(remote.NodeDigest)
	s.mu.Lock()
	s.ready = true
	s.mu.Unlock()
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (s *Session) start() {
	s.conn.SetReadDeadline(time.Now().Add(DefaultTimeout))
	s.wg.Add(2)
	go s.readLoop()
	go s.pingLoop()
}

func (s *Session) writeFrame(tag Tag, payload any) error {
	buf, err := encodeFrame(tag, payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := s.conn.WriteMessage(websocket.BinaryMessage, buf); err != nil {
		return err
	}
	select {
	case s.pingReset <- struct{}{}:
	default:
	}
	return nil
}

func (s *Session) readFrame() (frame, error) {
	_, r, err := s.conn.NextReader()
	if err != nil {
		return frame{}, err
	}
	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 4096)
	for {
		n, err := r.Read(tmp)
		buf = append(buf, tmp[:n]...)
		if err != nil {
			break
		}
	}
	return decodeFrame(buf)
}

func (s *Session) readLoop() {
	defer s.wg.Done()
	for {
		f, err := s.readFrame()
		if err != nil {
			s.closeWith(err)
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(DefaultTimeout))
		if err := s.dispatch(f); err != nil {
			s.closeWith(err)
			return
		}
	}
}

func (s *Session) dispatch(f frame) error {
	switch f.Tag {
	case TagChoke:
		s.mu.Lock()
		s.state.PeerChoking = true
		s.mu.Unlock()
		s.handler.OnChoke(s)
	case TagUnchoke:
		s.mu.Lock()
		s.state.PeerChoking = false
		s.mu.Unlock()
		s.handler.OnUnchoke(s)
	case TagInterested:
		s.mu.Lock()
		s.state.PeerInterested = true
		s.mu.Unlock()
		s.handler.OnInterested(s)
	case TagNotInterested:
		s.mu.Lock()
		s.state.PeerInterested = false
		s.mu.Unlock()
		s.handler.OnNotInterested(s)
	case TagHaveMeta:
		var m HaveMeta
		if err := decodePayload(f, &m); err != nil {
			return err
		}
		s.handler.OnHaveMeta(s, m)
	case TagHaveChunk:
		var m HaveChunk
		if err := decodePayload(f, &m); err != nil {
			return err
		}
		s.handler.OnHaveChunk(s, m)
	case TagMetaRequest:
		var m MetaRequest
		if err := decodePayload(f, &m); err != nil {
			return err
		}
		s.handler.OnMetaRequest(s, m)
	case TagMetaReply:
		var m MetaReply
		if err := decodePayload(f, &m); err != nil {
			return err
		}
		s.handler.OnMetaReply(s, m)
	case TagBlockRequest:
		var m BlockRequest
		if err := decodePayload(f, &m); err != nil {
			return err
		}
		s.handler.OnBlockRequest(s, m)
	case TagBlockReply:
		var m BlockReply
		if err := decodePayload(f, &m); err != nil {
			return err
		}
		s.handler.OnBlockReply(s, m)
	default:
		return ErrProtocol
	}
	return nil
}

func (s *Session) pingLoop() {
	defer s.wg.Done()
	timer := time.NewTimer(DefaultPingInterval)
	defer timer.Stop()
	for {
		select {
		case <-s.closedCh:
			return
		case <-s.pingReset:
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(DefaultPingInterval)
		case <-timer.C:
			s.mu.Lock()
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			_ = s.conn.WriteMessage(websocket.PingMessage, nil)
			s.mu.Unlock()
			timer.Reset(DefaultPingInterval)
		}
	}
}

// Choke sends a Choke message and updates our own choking flag.
func (s *Session) Choke() error {
	s.mu.Lock()
	s.state.AmChoking = true
	s.mu.Unlock()
	return s.writeFrame(TagChoke, nil)
}

// Unchoke sends an Unchoke message.
func (s *Session) Unchoke() error {
	s.mu.Lock()
	s.state.AmChoking = false
	s.mu.Unlock()
	return s.writeFrame(TagUnchoke, nil)
}

// Interested sends an Interested message.
func (s *Session) Interested() error {
	s.mu.Lock()
	s.state.AmInterested = true
	s.mu.Unlock()
	return s.writeFrame(TagInterested, nil)
}

// NotInterested sends a NotInterested message.
func (s *Session) NotInterested() error {
	s.mu.Lock()
	s.state.AmInterested = false
	s.mu.Unlock()
	return s.writeFrame(TagNotInterested, nil)
}

// SendHaveMeta announces a meta record and its chunk bitfield.
func (s *Session) SendHaveMeta(m HaveMeta) error { return s.writeFrame(TagHaveMeta, m) }

// SendHaveChunk announces incremental chunk availability.
func (s *Session) SendHaveChunk(m HaveChunk) error { return s.writeFrame(TagHaveChunk, m) }

// SendMetaRequest asks for a signed meta record.
func (s *Session) SendMetaRequest(m MetaRequest) error { return s.writeFrame(TagMetaRequest, m) }

// SendMetaReply answers a MetaRequest.
func (s *Session) SendMetaReply(m MetaReply) error { return s.writeFrame(TagMetaReply, m) }

// SendBlockRequest asks for a ciphertext range, refusing while the peer
// is choking us per spec.md §4.8's MUST NOT rule.
func (s *Session) SendBlockRequest(m BlockRequest) error {
	s.mu.Lock()
	choking := s.state.PeerChoking
	s.mu.Unlock()
	if choking {
		return errors.New("peer: cannot request while peer is choking")
	}
	return s.writeFrame(TagBlockRequest, m)
}

// SendBlockReply answers a BlockRequest.
func (s *Session) SendBlockReply(m BlockReply) error { return s.writeFrame(TagBlockReply, m) }

// IsReady reports whether the handshake has completed.
func (s *Session) IsReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// State returns a snapshot of the session's choke/interest flags.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) closeWith(err error) {
	s.closeOnce.Do(func() {
		s.closeErr = err
		close(s.closedCh)
		s.conn.Close()
		s.handler.OnClose(s, err)
	})
}

// Close cancels all outstanding requests and closes the transport
// connection. No graceful drain, matching spec.md §4.8's cancellation
// rule.
func (s *Session) Close() error {
	s.closeWith(nil)
	return nil
}
