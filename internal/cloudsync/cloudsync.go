// Package cloudsync implements the best-effort cloud bridge of spec.md
// §4.7: a heartbeat loop that publishes the local agent roster, pulls
// cross-machine messages and cloud commands, and relays a machine identity
// that survives restarts.
//
// Grounded in internal/client/broker.go's reconnect-with-backoff loop
// (generalized from a local TCP redial loop into an HTTP heartbeat tick) and
// internal/delivery/pending.go's time.AfterFunc/timer-table discipline for
// the tick scheduling. Uses net/http directly: no example repo in the pack
// reaches for an HTTP client library (resty, req, etc.) for a simple
// JSON-over-HTTPS heartbeat, so the stdlib client is the idiom actually
// observed.
package cloudsync

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/agentrelay/relay/internal/logging"
)

// DefaultHeartbeatInterval matches spec.md §4.7's default.
const DefaultHeartbeatInterval = 30 * time.Second

// EventKind tags the events the loop emits.
type EventKind string

const (
	EventDisconnected         EventKind = "disconnected"
	EventError                EventKind = "error"
	EventCommand              EventKind = "command"
	EventCrossMachineMessage  EventKind = "cross-machine-message"
	EventRemoteAgentsUpdated  EventKind = "remote-agents-updated"
)

// Event is pushed to Subscribers as the loop runs.
type Event struct {
	Kind EventKind
	Data interface{}
}

// RosterProvider supplies the local agent roster and resource usage for each
// heartbeat tick.
type RosterProvider interface {
	LocalRoster() []string
	Uptime() time.Duration
	MemoryUsageBytes() uint64
}

// heartbeatRequest is the POST body (spec.md §4.7 step 1).
type heartbeatRequest struct {
	MachineID   string   `json:"machineId"`
	Roster      []string `json:"roster"`
	UptimeSec   int64    `json:"uptime"`
	MemoryUsage uint64   `json:"memoryUsage"`
}

// heartbeatResponse is what the cloud endpoint replies with.
type heartbeatResponse struct {
	Commands   []json.RawMessage `json:"commands"`
	Messages   []json.RawMessage `json:"messages"`
	AllAgents  []string          `json:"allAgents"`
}

// Config tunes the Loop.
type Config struct {
	Endpoint          string
	APIKey            string
	HeartbeatInterval time.Duration
	MachineIDPath     string
}

// Loop runs the heartbeat cycle until Stop is called.
type Loop struct {
	cfg      Config
	roster   RosterProvider
	log      *logging.Logger
	client   *http.Client
	machineID string

	mu        sync.Mutex
	connected bool
	handlers  []func(Event)

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Loop and loads (or creates) the persisted machine id.
func New(cfg Config, roster RosterProvider, log *logging.Logger) (*Loop, error) {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	machineID, err := loadOrCreateMachineID(cfg.MachineIDPath)
	if err != nil {
		return nil, err
	}
	return &Loop{
		cfg:       cfg,
		roster:    roster,
		log:       log,
		client:    &http.Client{Timeout: 10 * time.Second},
		machineID: machineID,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}, nil
}

// loadOrCreateMachineID persists `<hostname>-<16 random hex>` on first start
// (spec.md §4.7) and reuses it across restarts.
func loadOrCreateMachineID(path string) (string, error) {
	if data, err := os.ReadFile(path); err == nil {
		return string(data), nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("cloudsync: read machine id: %w", err)
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown-host"
	}
	suffix := make([]byte, 8)
	if _, err := rand.Read(suffix); err != nil {
		return "", fmt.Errorf("cloudsync: generate machine id suffix: %w", err)
	}
	id := hostname + "-" + hex.EncodeToString(suffix)

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", fmt.Errorf("cloudsync: create machine id dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(id), 0o600); err != nil {
		return "", fmt.Errorf("cloudsync: write machine id: %w", err)
	}
	return id, nil
}

// MachineID returns the persisted machine identifier.
func (l *Loop) MachineID() string { return l.machineID }

// OnEvent registers a handler invoked for every emitted Event.
func (l *Loop) OnEvent(handler func(Event)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers = append(l.handlers, handler)
}

func (l *Loop) emit(kind EventKind, data interface{}) {
	l.mu.Lock()
	handlers := append([]func(Event){}, l.handlers...)
	l.mu.Unlock()
	for _, h := range handlers {
		h(Event{Kind: kind, Data: data})
	}
}

// Connected reports whether the last heartbeat succeeded.
func (l *Loop) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

func (l *Loop) setConnected(v bool) {
	l.mu.Lock()
	l.connected = v
	l.mu.Unlock()
}

// Run blocks, ticking the heartbeat cycle until Stop is called. Run is
// meant to be launched in its own goroutine.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.HeartbeatInterval)
	defer ticker.Stop()
	defer close(l.doneCh)

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stopCh:
			return
		case <-ticker.C:
			if !l.tick(ctx) {
				return // 401: caller must re-auth before restarting the loop
			}
		}
	}
}

// Stop cancels the next tick; in-flight awaits observe "not connected"
// (spec.md §5).
func (l *Loop) Stop() {
	l.setConnected(false)
	select {
	case <-l.stopCh:
	default:
		close(l.stopCh)
	}
	<-l.doneCh
}

// tick runs one heartbeat cycle. Returns false when the loop must stop
// (a 401 response, spec.md §4.7 step 2).
func (l *Loop) tick(ctx context.Context) bool {
	localNames := l.roster.LocalRoster()
	body, err := json.Marshal(heartbeatRequest{
		MachineID:   l.machineID,
		Roster:      localNames,
		UptimeSec:   int64(l.roster.Uptime().Seconds()),
		MemoryUsage: l.roster.MemoryUsageBytes(),
	})
	if err != nil {
		l.log.Warnf("cloudsync: marshal heartbeat: %v", err)
		l.emit(EventError, err)
		return true
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		l.emit(EventError, err)
		return true
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+l.cfg.APIKey)

	resp, err := l.client.Do(req)
	if err != nil {
		l.log.Debugf("cloudsync: heartbeat request failed: %v", err)
		l.emit(EventError, err)
		return true
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		l.setConnected(false)
		l.emit(EventDisconnected, nil)
		return false
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		l.emit(EventError, fmt.Errorf("cloudsync: heartbeat status %d", resp.StatusCode))
		return true
	}

	var hr heartbeatResponse
	if err := json.NewDecoder(resp.Body).Decode(&hr); err != nil {
		l.emit(EventError, fmt.Errorf("cloudsync: decode heartbeat response: %w", err))
		return true
	}

	l.setConnected(true)
	for _, cmd := range hr.Commands {
		l.emit(EventCommand, cmd)
	}
	for _, msg := range hr.Messages {
		l.emit(EventCrossMachineMessage, msg)
	}
	remote := filterLocal(hr.AllAgents, localNames)
	if len(remote) > 0 {
		l.emit(EventRemoteAgentsUpdated, remote)
	}
	return true
}

func filterLocal(all, local []string) []string {
	localSet := make(map[string]bool, len(local))
	for _, n := range local {
		localSet[n] = true
	}
	out := make([]string, 0, len(all))
	for _, n := range all {
		if !localSet[n] {
			out = append(out, n)
		}
	}
	return out
}

// ErrNotConnected is returned by SendCrossMachineMessage when the loop isn't
// currently connected (spec.md §4.7: "only accepts when connected == true;
// throws otherwise").
var ErrNotConnected = errors.New("cloudsync: not connected")

// SendCrossMachineMessage posts a single best-effort message to a remote
// peer through the cloud bridge. There is no local retry queue: delivery is
// best-effort, matching spec.md §4.7.
func (l *Loop) SendCrossMachineMessage(ctx context.Context, to string, payload interface{}) error {
	if !l.Connected() {
		return ErrNotConnected
	}
	body, err := json.Marshal(struct {
		MachineID string      `json:"machineId"`
		To        string      `json:"to"`
		Payload   interface{} `json:"payload"`
	}{MachineID: l.machineID, To: to, Payload: payload})
	if err != nil {
		return fmt.Errorf("cloudsync: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.cfg.Endpoint+"/messages", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+l.cfg.APIKey)

	resp, err := l.client.Do(req)
	if err != nil {
		return fmt.Errorf("cloudsync: send message: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("cloudsync: send message status %d", resp.StatusCode)
	}
	return nil
}
