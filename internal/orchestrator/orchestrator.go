// Package orchestrator implements the multi-workspace orchestrator of
// spec.md §4.8: a disk-backed roster of ManagedWorkspaces, each owning one
// local router.Router, proxied over an HTTP surface with a WebSocket
// event-push bridge.
//
// Grounded in the teacher's embedded orchestrator Config/CellOptions shape
// (generalized from gox.yaml-driven cells into workspaces.json-backed
// workspaces) and its EventBridge (the topic-pattern subscriber-channel map
// becomes the WebSocket push queue below, same non-blocking-send-or-drop
// discipline).
package orchestrator

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentrelay/relay/internal/logging"
	"github.com/agentrelay/relay/internal/router"
	"github.com/agentrelay/relay/internal/storage"
)

// WebSocketPingInterval matches spec.md §4.8's keepalive cadence.
const WebSocketPingInterval = 30 * time.Second

// Workspace is one managed workspace: a directory plus, once
// autoStartWorkspaces has brought it up, its own Router. AddWorkspace does
// not create a Router.
type Workspace struct {
	ID        string    `json:"id"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"createdAt"`

	router *router.Router
}

// rosterEntry is the persisted shape of workspaces.json.
type rosterEntry struct {
	ID        string    `json:"id"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"createdAt"`
}

type roster struct {
	Workspaces      []rosterEntry `json:"workspaces"`
	ActiveWorkspace string        `json:"activeWorkspaceId"`
}

// DaemonEvent is pushed over the WebSocket bridge and embedded in the
// {type:'event', data} envelope spec.md §6 describes.
type DaemonEvent struct {
	Type      string      `json:"type"`
	Workspace string      `json:"workspaceId,omitempty"`
	Data      interface{} `json:"data"`
}

// Spawner starts and stops agent processes for a workspace. Implementations
// live outside this package (process management is host-specific); the
// orchestrator only needs the narrow contract below.
type Spawner interface {
	Spawn(workspaceID, agentName string, opts map[string]interface{}) error
	Stop(workspaceID, agentName string) error
	ListAgents(workspaceID string) []string
}

// Config tunes the orchestrator.
type Config struct {
	RosterPath       string
	AutoStartDaemons bool
	Debug            bool
}

// Orchestrator owns the workspace roster, the HTTP/WebSocket surface, and
// the event-push bridge described in spec.md §4.8.
type Orchestrator struct {
	cfg     Config
	log     *logging.Logger
	spawner Spawner

	mu         sync.RWMutex
	workspaces map[string]*Workspace
	activeID   string

	upgrader websocket.Upgrader

	clientsMu sync.Mutex
	clients   map[*websocket.Conn]chan DaemonEvent
}

// New constructs an Orchestrator and loads the persisted roster, if any.
func New(cfg Config, spawner Spawner, log *logging.Logger) (*Orchestrator, error) {
	o := &Orchestrator{
		cfg:        cfg,
		log:        log,
		spawner:    spawner,
		workspaces: make(map[string]*Workspace),
		upgrader:   websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		clients:    make(map[*websocket.Conn]chan DaemonEvent),
	}
	if err := o.loadRoster(); err != nil {
		return nil, err
	}
	if cfg.AutoStartDaemons {
		o.autoStartWorkspaces()
	}
	return o, nil
}

func (o *Orchestrator) loadRoster() error {
	data, err := os.ReadFile(o.cfg.RosterPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("orchestrator: read roster: %w", err)
	}
	var r roster
	if err := json.Unmarshal(data, &r); err != nil {
		return fmt.Errorf("orchestrator: parse roster: %w", err)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, e := range r.Workspaces {
		o.workspaces[e.ID] = &Workspace{ID: e.ID, Path: e.Path, CreatedAt: e.CreatedAt}
	}
	o.activeID = r.ActiveWorkspace
	return nil
}

func (o *Orchestrator) saveRosterLocked() error {
	r := roster{ActiveWorkspace: o.activeID}
	for _, w := range o.workspaces {
		r.Workspaces = append(r.Workspaces, rosterEntry{ID: w.ID, Path: w.Path, CreatedAt: w.CreatedAt})
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("orchestrator: marshal roster: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(o.cfg.RosterPath), 0o700); err != nil {
		return fmt.Errorf("orchestrator: create roster dir: %w", err)
	}
	return os.WriteFile(o.cfg.RosterPath, data, 0o600)
}

// autoStartWorkspaces brings up a Router for every workspace whose directory
// still exists, matching spec.md §4.8's "daemons auto-start ... when
// autoStartDaemons is true".
func (o *Orchestrator) autoStartWorkspaces() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, w := range o.workspaces {
		if _, err := os.Stat(w.Path); err == nil && w.router == nil {
			w.router = router.New(storage.NewMemoryStore(), nil, o.log)
		}
	}
}

// AddWorkspace registers a new workspace and persists the roster.
func (o *Orchestrator) AddWorkspace(id, path string) (*Workspace, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.workspaces[id]; exists {
		return nil, fmt.Errorf("orchestrator: workspace %q already exists", id)
	}
	w := &Workspace{ID: id, Path: path, CreatedAt: time.Now()}
	o.workspaces[id] = w
	if o.activeID == "" {
		o.activeID = id
	}
	if err := o.saveRosterLocked(); err != nil {
		delete(o.workspaces, id)
		return nil, err
	}
	return w, nil
}

// RemoveWorkspace drops a workspace from the roster.
func (o *Orchestrator) RemoveWorkspace(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.workspaces[id]; !exists {
		return fmt.Errorf("orchestrator: unknown workspace %q", id)
	}
	delete(o.workspaces, id)
	if o.activeID == id {
		o.activeID = ""
	}
	return o.saveRosterLocked()
}

// SwitchWorkspace marks id as the active workspace.
func (o *Orchestrator) SwitchWorkspace(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.workspaces[id]; !exists {
		return fmt.Errorf("orchestrator: unknown workspace %q", id)
	}
	o.activeID = id
	if err := o.saveRosterLocked(); err != nil {
		return err
	}
	o.broadcast(DaemonEvent{Type: "workspace:switched", Data: id})
	return nil
}

// ListWorkspaces returns a snapshot of the roster.
func (o *Orchestrator) ListWorkspaces() ([]Workspace, string) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]Workspace, 0, len(o.workspaces))
	for _, w := range o.workspaces {
		out = append(out, *w)
	}
	return out, o.activeID
}

// SpawnAgent proxies a spawn request to the named workspace's spawner
// (spec.md §4.8: "Proxy spawn/stop to the right workspace").
func (o *Orchestrator) SpawnAgent(workspaceID, agentName string, opts map[string]interface{}) error {
	o.mu.RLock()
	_, exists := o.workspaces[workspaceID]
	o.mu.RUnlock()
	if !exists {
		return fmt.Errorf("orchestrator: unknown workspace %q", workspaceID)
	}
	if err := o.spawner.Spawn(workspaceID, agentName, opts); err != nil {
		o.broadcast(DaemonEvent{Type: "agent:crashed", Workspace: workspaceID, Data: map[string]string{"agent": agentName, "reason": err.Error()}})
		return err
	}
	o.broadcast(DaemonEvent{Type: "agent:spawned", Workspace: workspaceID, Data: agentName})
	return nil
}

// StopAgent proxies a stop request to the named workspace's spawner.
func (o *Orchestrator) StopAgent(workspaceID, agentName string) error {
	o.mu.RLock()
	_, exists := o.workspaces[workspaceID]
	o.mu.RUnlock()
	if !exists {
		return fmt.Errorf("orchestrator: unknown workspace %q", workspaceID)
	}
	return o.spawner.Stop(workspaceID, agentName)
}

// broadcast pushes an event to every connected WebSocket client,
// non-blocking per client (spec.md §5: broadcasts never block on a slow
// peer).
func (o *Orchestrator) broadcast(e DaemonEvent) {
	o.clientsMu.Lock()
	defer o.clientsMu.Unlock()
	for _, ch := range o.clients {
		select {
		case ch <- e:
		default:
		}
	}
}
