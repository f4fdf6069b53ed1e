// Package controlplane implements the external control surface
// (spec.md §6): a JSON-over-websocket command/notification channel plus
// a couple of plain REST endpoints, hosted on gin with an origin
// allowlist modeled on the teacher's websocket origin check.
package controlplane

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	mapset "github.com/deckarep/golang-set"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// Command is an inbound control-plane request.
type Command struct {
	Type     string          `json:"type"`
	FolderID string          `json:"folder_id,omitempty"`
	Key      string          `json:"key,omitempty"`
	Value    json.RawMessage `json:"value,omitempty"`
}

// Notification is an outbound control-plane event.
type Notification struct {
	Type     string `json:"type"`
	FolderID string `json:"folder_id,omitempty"`
	Key      string `json:"key,omitempty"`
	Value    any    `json:"value,omitempty"`
}

const (
	NotifyGlobalConfigChanged = "global_config_changed"
	NotifyGlobalStateChanged  = "global_state_changed"
	NotifyFolderStateChanged  = "folder_state_changed"
	NotifyFolderAdded         = "folder_added"
	NotifyFolderRemoved       = "folder_removed"
)

// CommandHandler processes one inbound Command, returning an error that
// is serialized back to the client.
type CommandHandler func(Command) error

// FolderLister provides the data backing the REST status endpoints.
type FolderLister interface {
	ListFolders() []FolderStatus
	ListPeers(folderID string) []PeerStatus
}

// FolderStatus is the REST-facing view of one configured folder.
type FolderStatus struct {
	FolderID string `json:"folder_id"`
	Path     string `json:"path"`
	State    string `json:"state"`
	Peers    int    `json:"peers"`
}

// PeerStatus is the REST-facing view of one connected peer.
type PeerStatus struct {
	NodeDigest string `json:"node_digest"`
	Address    string `json:"address"`
	Choking    bool   `json:"choking"`
}

// Server hosts the control plane's HTTP surface.
type Server struct {
	engine  *gin.Engine
	lister  FolderLister
	handle  CommandHandler
	origins mapset.Set

	mu    sync.Mutex
	conns []*websocket.Conn
}

// New builds a Server with the given allowed origins (same semantics as
// the teacher's wsHandshakeValidator: "*" allows all, an empty list
// falls back to localhost).
func New(lister FolderLister, handle CommandHandler, allowedOrigins []string) *Server {
	origins := mapset.NewSet()
	allowAll := false
	for _, o := range allowedOrigins {
		if o == "*" {
			allowAll = true
		}
		if o != "" {
			origins.Add(o)
		}
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	corsCfg := cors.Config{
		AllowAllOrigins: allowAll,
		AllowHeaders:    []string{"Content-Type"},
		AllowMethods:    []string{"GET", "POST"},
	}
	if !allowAll {
		corsCfg.AllowOriginFunc = func(origin string) bool {
			if origins.Cardinality() == 0 {
				return strings.Contains(strings.ToLower(origin), "localhost")
			}
			for o := range origins.Iterator().C {
				if strings.EqualFold(o.(string), origin) {
					return true
				}
			}
			return false
		}
	}
	engine.Use(cors.New(corsCfg))

	s := &Server{engine: engine, lister: lister, handle: handle, origins: origins}

	engine.GET("/folders", s.handleListFolders)
	engine.GET("/peers/:folder", s.handleListPeers)
	upgrader := websocket.Upgrader{CheckOrigin: s.checkOrigin}
	engine.GET("/ws", func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		s.trackConn(conn)
		go s.serveWS(conn)
	})

	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if _, ok := r.Header["Origin"]; !ok {
		return true
	}
	origin := strings.ToLower(r.Header.Get("Origin"))
	if s.origins.Cardinality() == 0 {
		return strings.Contains(origin, "localhost")
	}
	it := s.origins.Iterator()
	for o := range it.C {
		if strings.EqualFold(o.(string), origin) || o.(string) == "*" {
			return true
		}
	}
	return false
}

func (s *Server) handleListFolders(c *gin.Context) {
	c.JSON(http.StatusOK, s.lister.ListFolders())
}

func (s *Server) handleListPeers(c *gin.Context) {
	c.JSON(http.StatusOK, s.lister.ListPeers(c.Param("folder")))
}

func (s *Server) trackConn(conn *websocket.Conn) {
	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.mu.Unlock()
}

func (s *Server) untrackConn(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range s.conns {
		if c == conn {
			s.conns = append(s.conns[:i], s.conns[i+1:]...)
			return
		}
	}
}

func (s *Server) serveWS(conn *websocket.Conn) {
	defer s.untrackConn(conn)
	defer conn.Close()
	for {
		var cmd Command
		if err := conn.ReadJSON(&cmd); err != nil {
			return
		}
		result := Notification{Type: "ack"}
		if err := s.handle(cmd); err != nil {
			result = Notification{Type: "error", Value: err.Error()}
		}
		if err := conn.WriteJSON(result); err != nil {
			return
		}
	}
}

// Broadcast sends a notification to every connected control-plane
// client, used for the outbound events spec.md §6 lists
// (folder_added, folder_state_changed, ...).
func (s *Server) Broadcast(n Notification) {
	s.mu.Lock()
	conns := append([]*websocket.Conn(nil), s.conns...)
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.WriteJSON(n)
	}
}

// Handler returns the underlying http.Handler for use with http.Server.
func (s *Server) Handler() http.Handler { return s.engine }

// ErrUnknownCommand is returned by a CommandHandler for an unrecognized
// Command.Type.
var ErrUnknownCommand = errors.New("controlplane: unknown command type")
