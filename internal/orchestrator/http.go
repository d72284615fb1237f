// HTTP and WebSocket surface for the orchestrator (spec.md §6).
package orchestrator

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentrelay/relay/internal/metrics"
)

const apiVersion = "1"

// Router builds the *http.ServeMux described in spec.md §6's path table,
// with permissive CORS.
func (o *Orchestrator) Router() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", o.handleRoot)
	mux.HandleFunc("/workspaces", o.handleWorkspaces)
	mux.HandleFunc("/workspaces/", o.handleWorkspaceSubpaths)
	mux.HandleFunc("/ws", o.handleWebSocket)
	mux.Handle("/metrics", metrics.Default().Handler())
	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (o *Orchestrator) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeError(w, http.StatusNotFound, errNotFound("route"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": apiVersion})
}

func (o *Orchestrator) handleWorkspaces(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		workspaces, activeID := o.ListWorkspaces()
		writeJSON(w, http.StatusOK, map[string]interface{}{"workspaces": workspaces, "activeWorkspaceId": activeID})
	case http.MethodPost:
		var body struct {
			ID   string `json:"id"`
			Path string `json:"path"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ID == "" || body.Path == "" {
			writeError(w, http.StatusBadRequest, errBadRequest("id and path are required"))
			return
		}
		ws, err := o.AddWorkspace(body.ID, body.Path)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusCreated, ws)
	default:
		writeError(w, http.StatusMethodNotAllowed, errBadRequest(r.Method))
	}
}

// handleWorkspaceSubpaths dispatches /workspaces/{id}, /workspaces/{id}/switch,
// /workspaces/{id}/agents, and /workspaces/{id}/agents/{name}.
func (o *Orchestrator) handleWorkspaceSubpaths(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/workspaces/"), "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusNotFound, errNotFound("workspace id"))
		return
	}
	id := parts[0]

	switch {
	case len(parts) == 1:
		o.handleWorkspaceByID(w, r, id)
	case len(parts) == 2 && parts[1] == "switch" && r.Method == http.MethodPost:
		if err := o.SwitchWorkspace(id); err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"activeWorkspaceId": id})
	case len(parts) == 2 && parts[1] == "agents":
		o.handleAgents(w, r, id)
	case len(parts) == 3 && parts[1] == "agents" && r.Method == http.MethodDelete:
		if err := o.StopAgent(id, parts[2]); err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusNotFound, errNotFound(r.URL.Path))
	}
}

func (o *Orchestrator) handleWorkspaceByID(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodGet:
		workspaces, _ := o.ListWorkspaces()
		for _, ws := range workspaces {
			if ws.ID == id {
				writeJSON(w, http.StatusOK, ws)
				return
			}
		}
		writeError(w, http.StatusNotFound, errNotFound(id))
	case http.MethodDelete:
		if err := o.RemoveWorkspace(id); err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusMethodNotAllowed, errBadRequest(r.Method))
	}
}

func (o *Orchestrator) handleAgents(w http.ResponseWriter, r *http.Request, workspaceID string) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]interface{}{"agents": o.spawner.ListAgents(workspaceID)})
	case http.MethodPost:
		var body struct {
			Name string                 `json:"name"`
			Opts map[string]interface{} `json:"opts"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == "" {
			writeError(w, http.StatusBadRequest, errBadRequest("name is required"))
			return
		}
		if err := o.SpawnAgent(workspaceID, body.Name, body.Opts); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"name": body.Name})
	default:
		writeError(w, http.StatusMethodNotAllowed, errBadRequest(r.Method))
	}
}

// handleWebSocket upgrades the connection, sends the initial snapshot, then
// streams DaemonEvents until the client disconnects or stops ponging
// (spec.md §4.8's 30s keepalive).
func (o *Orchestrator) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := o.upgrader.Upgrade(w, r, nil)
	if err != nil {
		o.log.Warnf("orchestrator: websocket upgrade failed: %v", err)
		return
	}

	ch := make(chan DaemonEvent, 64)
	o.clientsMu.Lock()
	o.clients[conn] = ch
	o.clientsMu.Unlock()

	defer func() {
		o.clientsMu.Lock()
		delete(o.clients, conn)
		o.clientsMu.Unlock()
		conn.Close()
	}()

	workspaces, activeID := o.ListWorkspaces()
	agents := map[string][]string{}
	for _, ws := range workspaces {
		agents[ws.ID] = o.spawner.ListAgents(ws.ID)
	}
	init := map[string]interface{}{
		"type": "init",
		"data": map[string]interface{}{
			"workspaces":        workspaces,
			"activeWorkspaceId": activeID,
			"agents":            agents,
		},
	}
	if err := conn.WriteJSON(init); err != nil {
		return
	}

	pongCh := make(chan struct{}, 1)
	conn.SetPongHandler(func(string) error {
		select {
		case pongCh <- struct{}{}:
		default:
		}
		return nil
	})

	go o.readClientMessages(conn)

	ticker := time.NewTicker(WebSocketPingInterval)
	defer ticker.Stop()
	awaitingPong := false

	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(map[string]interface{}{"type": "event", "data": evt}); err != nil {
				return
			}
		case <-ticker.C:
			if awaitingPong {
				return // client missed the prior cycle's pong
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			awaitingPong = true
		case <-pongCh:
			awaitingPong = false
		}
	}
}

// readClientMessages handles {type:'ping'} and {type:'switch_workspace'}
// client-initiated control messages (spec.md §6).
func (o *Orchestrator) readClientMessages(conn *websocket.Conn) {
	for {
		var msg struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		switch msg.Type {
		case "switch_workspace":
			var id string
			if err := json.Unmarshal(msg.Data, &id); err == nil {
				_ = o.SwitchWorkspace(id)
			}
		case "ping":
			_ = conn.WriteJSON(map[string]string{"type": "pong"})
		}
	}
}

func errNotFound(what string) error   { return httpError{"not found: " + what} }
func errBadRequest(what string) error { return httpError{"bad request: " + what} }

type httpError struct{ msg string }

func (e httpError) Error() string { return e.msg }
