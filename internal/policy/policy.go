// Package policy implements the Policy Gate of spec.md §4.5: spawn/message/
// tool decisions resolved from layered sources, with name-pattern matching
// and an audit trail.
//
// Grounded in internal/config/config.go's yaml.v3 + filepath.Glob idiom for
// loading layered config files, generalized from a single cells.yaml into a
// layered repo/local/workspace/default policy resolution.
package policy

import (
	"bytes"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agentrelay/relay/internal/logging"
)

// Source identifies where an effective policy decision came from.
type Source string

const (
	SourceRepo      Source = "repo"
	SourceLocal     Source = "local"
	SourceWorkspace Source = "workspace"
	SourceDefault   Source = "default"
)

// Record is one named policy entry (spec.md §3 Policy record).
type Record struct {
	NamePattern  string   `yaml:"namePattern"`
	AllowedTools []string `yaml:"allowedTools,omitempty"`
	CanSpawn     *bool    `yaml:"canSpawn,omitempty"`
	CanMessage   []string `yaml:"canMessage,omitempty"`
	MaxSpawns    int      `yaml:"maxSpawns,omitempty"`
	RateLimit    int      `yaml:"rateLimit,omitempty"`
	CanBeSpawned *bool    `yaml:"canBeSpawned,omitempty"`
}

// Decision is the result surfaced by every gate call.
type Decision struct {
	Allowed       bool
	Reason        string
	PolicySource  Source
	MatchedPolicy *Record
}

// AuditEntry records one gate decision.
type AuditEntry struct {
	TS       time.Time
	Kind     string // "spawn" | "message" | "tool"
	Agent    string
	Target   string
	Decision Decision
}

// WorkspacePolicyFetcher pulls the cloud workspace policy layer. When Fetch
// returns a non-nil error the Gate ignores the returned records and keeps
// serving its previous snapshot (stale-on-error).
type WorkspacePolicyFetcher interface {
	Fetch() (records []Record, err error)
}

// Config tunes the Gate.
type Config struct {
	RepoPolicyPath      string
	LocalPolicyGlob     string // e.g. "~/.config/agent-relay/policy/*.yaml", merged in filename order
	WorkspaceTTL        time.Duration
	StrictMode          bool
	RequireExplicitAgents bool
}

// DefaultConfig mirrors spec.md §4.5's defaults.
func DefaultConfig() Config {
	return Config{WorkspaceTTL: 5 * time.Minute}
}

// strictDefaultTools is the fallback tool set when strictMode or
// requireExplicitAgents is set and no other layer matches (spec.md §4.5).
var strictDefaultTools = []string{"Read", "Grep", "Glob"}
var strictDefaultMessageTo = []string{"Lead", "Coordinator"}

// Gate implements canSpawn/canMessage/canUseTool with layered resolution.
type Gate struct {
	cfg     Config
	log     *logging.Logger
	fetcher WorkspacePolicyFetcher

	mu           sync.Mutex
	repoRecords  []Record
	localRecords []Record
	workspace    []Record
	workspaceAt  time.Time
	auditLog     []AuditEntry
}

// New constructs a Gate and loads the repo/local layers eagerly (spec.md
// §4.5 resolution order 1-2); the workspace layer is lazily refreshed on
// first use per its TTL. fetcher may be nil to disable the workspace layer.
func New(cfg Config, fetcher WorkspacePolicyFetcher, log *logging.Logger) *Gate {
	g := &Gate{cfg: cfg, log: log, fetcher: fetcher}
	g.repoRecords = loadYAMLRecords(cfg.RepoPolicyPath, log)
	g.localRecords = loadGlobRecords(cfg.LocalPolicyGlob, log)
	return g
}

func loadYAMLRecords(path string, log *logging.Logger) []Record {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if log != nil {
			log.Debugf("policy: repo config %s: %v", path, err)
		}
		return nil
	}
	var records []Record
	if err := yaml.Unmarshal(data, &records); err != nil {
		if log != nil {
			log.Warnf("policy: parse repo config %s: %v", path, err)
		}
		return nil
	}
	return records
}

// loadGlobRecords merges every file matched by pattern in filename order
// (spec.md §4.5: "merged in filename order").
func loadGlobRecords(pattern string, log *logging.Logger) []Record {
	if pattern == "" {
		return nil
	}
	matches, err := filepath.Glob(pattern)
	if err != nil {
		if log != nil {
			log.Warnf("policy: glob %s: %v", pattern, err)
		}
		return nil
	}
	sort.Strings(matches)

	var out []Record
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		for {
			var doc []Record
			if err := dec.Decode(&doc); err != nil {
				break
			}
			out = append(out, doc...)
		}
	}
	return out
}

func (g *Gate) workspaceRecords() []Record {
	if g.fetcher == nil {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if time.Since(g.workspaceAt) < g.cfg.WorkspaceTTL && g.workspace != nil {
		return g.workspace
	}
	records, err := g.fetcher.Fetch()
	if err != nil {
		// stale-on-error: keep the previous snapshot, refresh the clock so we
		// don't hammer the cloud on every call while it's failing.
		g.workspaceAt = time.Now()
		if g.log != nil {
			g.log.Debugf("policy: workspace fetch failed, using stale snapshot: %v", err)
		}
		return g.workspace
	}
	g.workspace = records
	g.workspaceAt = time.Now()
	return g.workspace
}

// resolve walks the four layers in order and returns the first matching
// record plus the source it came from.
func (g *Gate) resolve(agentName string) (*Record, Source) {
	for _, layer := range []struct {
		records []Record
		source  Source
	}{
		{g.repoRecords, SourceRepo},
		{g.localRecords, SourceLocal},
		{g.workspaceRecords(), SourceWorkspace},
	} {
		if rec := matchLayer(layer.records, agentName); rec != nil {
			return rec, layer.source
		}
	}
	return nil, SourceDefault
}

// matchLayer applies spec.md §4.5's pattern rule: "first exact match wins;
// otherwise first pattern match."
func matchLayer(records []Record, agentName string) *Record {
	lower := strings.ToLower(agentName)
	for i := range records {
		if strings.ToLower(records[i].NamePattern) == lower {
			return &records[i]
		}
	}
	for i := range records {
		if matchPattern(records[i].NamePattern, agentName) {
			return &records[i]
		}
	}
	return nil
}

// matchPattern supports exact (case-insensitive), prefix*, *suffix, and the
// bare * wildcard (spec.md §4.5).
func matchPattern(pattern, name string) bool {
	if pattern == "*" {
		return true
	}
	lp, ln := strings.ToLower(pattern), strings.ToLower(name)
	switch {
	case strings.HasSuffix(lp, "*"):
		return strings.HasPrefix(ln, strings.TrimSuffix(lp, "*"))
	case strings.HasPrefix(lp, "*"):
		return strings.HasSuffix(ln, strings.TrimPrefix(lp, "*"))
	default:
		return lp == ln
	}
}

// CanSpawn decides whether spawner may spawn target via cli.
func (g *Gate) CanSpawn(spawner, target, cli string) Decision {
	rec, source := g.resolve(spawner)
	var d Decision
	switch {
	case rec != nil && rec.CanSpawn != nil:
		d = Decision{Allowed: *rec.CanSpawn, Reason: spawnReason(*rec.CanSpawn), PolicySource: source, MatchedPolicy: rec}
	case g.cfg.StrictMode || g.cfg.RequireExplicitAgents:
		d = Decision{Allowed: false, Reason: "strict mode forbids spawning without an explicit policy", PolicySource: SourceDefault}
	default:
		d = Decision{Allowed: true, Reason: "permissive default", PolicySource: SourceDefault}
	}
	g.recordAudit("spawn", spawner, target, d)
	return d
}

func spawnReason(allowed bool) string {
	if allowed {
		return "matched policy allows spawning"
	}
	return "matched policy forbids spawning"
}

// CanMessage decides whether sender may message recipient.
func (g *Gate) CanMessage(sender, recipient string) Decision {
	rec, source := g.resolve(sender)
	var d Decision
	switch {
	case rec != nil && len(rec.CanMessage) > 0:
		allowed := containsPattern(rec.CanMessage, recipient)
		d = Decision{Allowed: allowed, Reason: messageReason(allowed), PolicySource: source, MatchedPolicy: rec}
	case g.cfg.StrictMode || g.cfg.RequireExplicitAgents:
		allowed := containsPattern(strictDefaultMessageTo, recipient)
		d = Decision{Allowed: allowed, Reason: "strict mode restricts messaging to " + strings.Join(strictDefaultMessageTo, ","), PolicySource: SourceDefault}
	default:
		d = Decision{Allowed: true, Reason: "permissive default", PolicySource: SourceDefault}
	}
	g.recordAudit("message", sender, recipient, d)
	return d
}

func messageReason(allowed bool) string {
	if allowed {
		return "recipient matched canMessage patterns"
	}
	return "recipient did not match canMessage patterns"
}

func containsPattern(patterns []string, name string) bool {
	for _, p := range patterns {
		if matchPattern(p, name) {
			return true
		}
	}
	return false
}

// CanUseTool decides whether agent may invoke tool.
func (g *Gate) CanUseTool(agent, tool string) Decision {
	rec, source := g.resolve(agent)
	var d Decision
	switch {
	case rec != nil && len(rec.AllowedTools) > 0:
		allowed := containsPattern(rec.AllowedTools, tool)
		d = Decision{Allowed: allowed, Reason: toolReason(allowed), PolicySource: source, MatchedPolicy: rec}
	case g.cfg.StrictMode || g.cfg.RequireExplicitAgents:
		allowed := containsPattern(strictDefaultTools, tool)
		d = Decision{Allowed: allowed, Reason: "strict mode restricts tools to " + strings.Join(strictDefaultTools, ","), PolicySource: SourceDefault}
	default:
		d = Decision{Allowed: true, Reason: "permissive default", PolicySource: SourceDefault}
	}
	g.recordAudit("tool", agent, tool, d)
	return d
}

func toolReason(allowed bool) string {
	if allowed {
		return "tool matched allowedTools patterns"
	}
	return "tool did not match allowedTools patterns"
}

// auditCap bounds the ring buffer (spec.md §4.5: "holds up to 1,000
// entries; halved on overflow").
const auditCap = 1000

func (g *Gate) recordAudit(kind, agent, target string, d Decision) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.auditLog = append(g.auditLog, AuditEntry{TS: time.Now(), Kind: kind, Agent: agent, Target: target, Decision: d})
	if len(g.auditLog) > auditCap {
		half := len(g.auditLog) / 2
		copy(g.auditLog, g.auditLog[half:])
		g.auditLog = g.auditLog[:len(g.auditLog)-half]
	}
}

// AuditLog returns a copy of the current audit ring buffer.
func (g *Gate) AuditLog() []AuditEntry {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]AuditEntry, len(g.auditLog))
	copy(out, g.auditLog)
	return out
}
