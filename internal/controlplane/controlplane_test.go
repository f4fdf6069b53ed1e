package controlplane

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

type fakeLister struct {
	folders []FolderStatus
	peers   map[string][]PeerStatus
}

func (f *fakeLister) ListFolders() []FolderStatus { return f.folders }
func (f *fakeLister) ListPeers(folderID string) []PeerStatus {
	return f.peers[folderID]
}

func newTestServer(t *testing.T, handle CommandHandler, origins []string) (*Server, *httptest.Server) {
	t.Helper()
	lister := &fakeLister{
		folders: []FolderStatus{{FolderID: "f1", Path: "/tmp/f1", State: "idle", Peers: 0}},
		peers:   map[string][]PeerStatus{"f1": {{NodeDigest: "abc", Address: "1.2.3.4:9000", Choking: true}}},
	}
	if handle == nil {
		handle = func(Command) error { return nil }
	}
	s := New(lister, handle, origins)
	hs := httptest.NewServer(s.Handler())
	t.Cleanup(hs.Close)
	return s, hs
}

func TestListFoldersEndpoint(t *testing.T) {
	_, hs := newTestServer(t, nil, []string{"*"})
	resp, err := hs.Client().Get(hs.URL + "/folders")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)
}

func TestListPeersEndpoint(t *testing.T) {
	_, hs := newTestServer(t, nil, []string{"*"})
	resp, err := hs.Client().Get(hs.URL + "/peers/f1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + "/ws"
}

func TestCommandRoundTrip(t *testing.T) {
	var received Command
	done := make(chan struct{})
	handle := func(c Command) error {
		received = c
		close(done)
		return nil
	}
	_, hs := newTestServer(t, handle, []string{"*"})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(hs.URL), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(Command{Type: "add_folder", FolderID: "f2"}))

	var reply Notification
	require.NoError(t, conn.ReadJSON(&reply))
	require.Equal(t, "ack", reply.Type)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler never invoked")
	}
	require.Equal(t, "add_folder", received.Type)
	require.Equal(t, "f2", received.FolderID)
}

func TestCommandErrorIsReportedNotClosed(t *testing.T) {
	handle := func(Command) error { return ErrUnknownCommand }
	_, hs := newTestServer(t, handle, []string{"*"})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(hs.URL), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(Command{Type: "bogus"}))

	var reply Notification
	require.NoError(t, conn.ReadJSON(&reply))
	require.Equal(t, "error", reply.Type)
}

func TestBroadcastReachesConnectedClients(t *testing.T) {
	s, hs := newTestServer(t, nil, []string{"*"})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(hs.URL), nil)
	require.NoError(t, err)
	defer conn.Close()

	// give the server a moment to register the connection before broadcasting.
	deadline := time.Now().Add(time.Second)
	for {
		s.mu.Lock()
		n := len(s.conns)
		s.mu.Unlock()
		if n > 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	s.Broadcast(Notification{Type: NotifyFolderAdded, FolderID: "f3"})

	var got Notification
	require.NoError(t, conn.ReadJSON(&got))
	require.Equal(t, NotifyFolderAdded, got.Type)
	require.Equal(t, "f3", got.FolderID)
}

func TestCheckOriginRejectsUnlistedOrigin(t *testing.T) {
	_, hs := newTestServer(t, nil, []string{"https://allowed.example"})

	header := map[string][]string{"Origin": {"https://evil.example"}}
	_, _, err := websocket.DefaultDialer.Dial(wsURL(hs.URL), header)
	require.Error(t, err)
}

func TestCheckOriginAllowsListedOrigin(t *testing.T) {
	_, hs := newTestServer(t, nil, []string{"https://allowed.example"})

	header := map[string][]string{"Origin": {"https://allowed.example"}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(hs.URL), header)
	require.NoError(t, err)
	conn.Close()
}
