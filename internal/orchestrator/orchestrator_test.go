package orchestrator

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/agentrelay/relay/internal/logging"
)

type fakeSpawner struct {
	spawned map[string][]string
}

func newFakeSpawner() *fakeSpawner { return &fakeSpawner{spawned: map[string][]string{}} }

func (f *fakeSpawner) Spawn(workspaceID, agentName string, opts map[string]interface{}) error {
	f.spawned[workspaceID] = append(f.spawned[workspaceID], agentName)
	return nil
}
func (f *fakeSpawner) Stop(workspaceID, agentName string) error { return nil }
func (f *fakeSpawner) ListAgents(workspaceID string) []string   { return f.spawned[workspaceID] }

func newTestOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	o, err := New(Config{RosterPath: filepath.Join(t.TempDir(), "workspaces.json")}, newFakeSpawner(), logging.New("test", false))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o
}

func TestAddWorkspaceAppearsInList(t *testing.T) {
	o := newTestOrchestrator(t)
	if _, err := o.AddWorkspace("ws1", "/tmp/ws1"); err != nil {
		t.Fatalf("AddWorkspace: %v", err)
	}
	workspaces, activeID := o.ListWorkspaces()
	if len(workspaces) != 1 || workspaces[0].ID != "ws1" {
		t.Fatalf("expected one workspace ws1, got %+v", workspaces)
	}
	if activeID != "ws1" {
		t.Fatalf("expected first workspace to become active, got %q", activeID)
	}
}

func TestHTTPWorkspaceLifecycle(t *testing.T) {
	o := newTestOrchestrator(t)
	srv := httptest.NewServer(o.Router())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/workspaces", "application/json", jsonBody(t, map[string]string{"id": "ws1", "path": "/tmp/ws1"}))
	if err != nil {
		t.Fatalf("POST /workspaces: %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/workspaces/ws1")
	if err != nil {
		t.Fatalf("GET /workspaces/ws1: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/workspaces/unknown")
	if err != nil {
		t.Fatalf("GET unknown workspace: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown workspace, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestSpawnAgentProxiesToSpawner(t *testing.T) {
	o := newTestOrchestrator(t)
	if _, err := o.AddWorkspace("ws1", "/tmp/ws1"); err != nil {
		t.Fatalf("AddWorkspace: %v", err)
	}
	if err := o.SpawnAgent("ws1", "alice", nil); err != nil {
		t.Fatalf("SpawnAgent: %v", err)
	}
	if got := o.spawner.ListAgents("ws1"); len(got) != 1 || got[0] != "alice" {
		t.Fatalf("expected alice spawned in ws1, got %v", got)
	}
}

func TestSpawnAgentRejectsUnknownWorkspace(t *testing.T) {
	o := newTestOrchestrator(t)
	if err := o.SpawnAgent("nope", "alice", nil); err == nil {
		t.Fatal("expected error spawning into unknown workspace")
	}
}

func jsonBody(t *testing.T, v interface{}) *bytes.Reader {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return bytes.NewReader(data)
}
