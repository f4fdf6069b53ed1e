package peer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	mu            sync.Mutex
	ready         bool
	choked        bool
	unchoked      bool
	blockRequests []BlockRequest
	closed        bool
}

func (h *recordingHandler) OnReady(s *Session)        { h.mu.Lock(); h.ready = true; h.mu.Unlock() }
func (h *recordingHandler) OnChoke(s *Session)        { h.mu.Lock(); h.choked = true; h.mu.Unlock() }
func (h *recordingHandler) OnUnchoke(s *Session)      { h.mu.Lock(); h.unchoked = true; h.mu.Unlock() }
func (h *recordingHandler) OnInterested(s *Session)    {}
func (h *recordingHandler) OnNotInterested(s *Session) {}
func (h *recordingHandler) OnHaveMeta(s *Session, m HaveMeta)       {}
func (h *recordingHandler) OnHaveChunk(s *Session, m HaveChunk)     {}
func (h *recordingHandler) OnMetaRequest(s *Session, m MetaRequest) {}
func (h *recordingHandler) OnMetaReply(s *Session, m MetaReply)     {}
func (h *recordingHandler) OnBlockRequest(s *Session, m BlockRequest) {
	h.mu.Lock()
	h.blockRequests = append(h.blockRequests, m)
	h.mu.Unlock()
}
func (h *recordingHandler) OnBlockReply(s *Session, m BlockReply) {}
func (h *recordingHandler) OnClose(s *Session, err error) {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
}

func (h *recordingHandler) isReady() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ready
}

func (h *recordingHandler) isChoked() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.choked
}

func (h *recordingHandler) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// dialPair spins up a real websocket server and client, running the
// handshake with matching tokens, for use across tests.
func dialPair(t *testing.T) (*Session, *Session, *recordingHandler, *recordingHandler) {
	t.Helper()
	folderID := [20]byte{1}
	secretKey := []byte("shared-secret")
	clientDigest := []byte("client-digest")
	serverDigest := []byte("server-digest")

	localToken, err := DeriveToken(secretKey, folderID, clientDigest)
	require.NoError(t, err)
	expectedRemoteToken, err := DeriveToken(secretKey, folderID, serverDigest)
	require.NoError(t, err)

	serverHandler := &recordingHandler{}
	clientHandler := &recordingHandler{}

	var serverSession *Session
	serverReady := make(chan struct{})

	mux := http.NewServeMux()
	mux.Handle("/ws", UpgradeHandler(func(*http.Request) bool { return true }, func(conn *websocket.Conn, _ *http.Request) {
		s, err := Accept(conn, folderID, secretKey, serverDigest, "server", "test/1.0", serverHandler)
		if err == nil {
			serverSession = s
		}
		close(serverReady)
	}))

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	clientSession, err := Dial(context.Background(), wsURL, folderID, clientDigest, localToken, expectedRemoteToken, "client", "test/1.0", clientHandler)
	require.NoError(t, err)
	t.Cleanup(func() { clientSession.Close() })

	<-serverReady
	require.NotNil(t, serverSession)
	t.Cleanup(func() { serverSession.Close() })

	return clientSession, serverSession, clientHandler, serverHandler
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestHandshakeSymmetry(t *testing.T) {
	client, server, clientHandler, serverHandler := dialPair(t)
	_ = client
	_ = server

	waitFor(t, clientHandler.isReady)
	waitFor(t, serverHandler.isReady)
}

func TestHandshakeRejectsMismatchedToken(t *testing.T) {
	folderID := [20]byte{2}
	secretKey := []byte("real-secret")
	clientDigest := []byte("client-digest")
	serverDigest := []byte("server-digest")
	serverHandler := &recordingHandler{}
	clientHandler := &recordingHandler{}

	mux := http.NewServeMux()
	mux.Handle("/ws", UpgradeHandler(func(*http.Request) bool { return true }, func(conn *websocket.Conn, _ *http.Request) {
		_, _ = Accept(conn, folderID, secretKey, serverDigest, "server", "test/1.0", serverHandler)
	}))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	expectedRemoteToken, err := DeriveToken(secretKey, folderID, serverDigest)
	require.NoError(t, err)

	_, err = Dial(context.Background(), wsURL, folderID, clientDigest, []byte("wrong-token"), expectedRemoteToken, "client", "test/1.0", clientHandler)
	require.Error(t, err)
}

func TestChokeUpdatesRemoteState(t *testing.T) {
	client, server, clientHandler, _ := dialPair(t)
	waitFor(t, clientHandler.isReady)

	require.NoError(t, server.Choke())
	waitFor(t, clientHandler.isChoked)

	require.Equal(t, true, client.State().PeerChoking)
}

func TestBlockRequestRefusedWhileChoked(t *testing.T) {
	client, _, clientHandler, _ := dialPair(t)
	waitFor(t, clientHandler.isReady)

	// Default state is choking in both directions.
	err := client.SendBlockRequest(BlockRequest{CTHash: [32]byte{1}, Offset: 0, Size: 10})
	require.Error(t, err)
}

func TestBlockRequestAllowedAfterUnchoke(t *testing.T) {
	client, server, clientHandler, _ := dialPair(t)
	waitFor(t, clientHandler.isReady)

	require.NoError(t, server.Unchoke())
	waitFor(t, func() bool { return !client.State().PeerChoking })

	err := client.SendBlockRequest(BlockRequest{CTHash: [32]byte{1}, Offset: 0, Size: 10})
	require.NoError(t, err)
}

func TestCloseNotifiesHandler(t *testing.T) {
	client, _, clientHandler, serverHandler := dialPair(t)
	waitFor(t, clientHandler.isReady)

	require.NoError(t, client.Close())
	waitFor(t, serverHandler.isClosed)
}
