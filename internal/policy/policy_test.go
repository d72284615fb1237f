package policy

import (
	"testing"

	"github.com/agentrelay/relay/internal/logging"
)

func boolPtr(b bool) *bool { return &b }

func TestCanSpawnDefaultPermissive(t *testing.T) {
	g := New(DefaultConfig(), nil, logging.New("test", false))
	d := g.CanSpawn("alice", "bob", "claude")
	if !d.Allowed || d.PolicySource != SourceDefault {
		t.Fatalf("expected permissive default, got %+v", d)
	}
}

func TestCanSpawnStrictModeForbidsWithoutPolicy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StrictMode = true
	g := New(cfg, nil, logging.New("test", false))
	d := g.CanSpawn("alice", "bob", "claude")
	if d.Allowed {
		t.Fatal("expected strict mode to forbid spawning with no matching policy")
	}
}

func TestPatternMatchingPrefixAndSuffix(t *testing.T) {
	if !matchPattern("worker*", "worker-1") {
		t.Fatal("expected prefix* to match")
	}
	if matchPattern("worker*", "other-1") {
		t.Fatal("expected prefix* to reject non-matching name")
	}
	if !matchPattern("*-shadow", "alice-shadow") {
		t.Fatal("expected *suffix to match")
	}
	if !matchPattern("Lead", "lead") {
		t.Fatal("expected case-insensitive exact match")
	}
	if !matchPattern("*", "anything") {
		t.Fatal("expected bare wildcard to match everything")
	}
}

func TestExactMatchWinsOverPattern(t *testing.T) {
	g := &Gate{repoRecords: []Record{
		{NamePattern: "worker*", CanSpawn: boolPtr(false)},
		{NamePattern: "worker-1", CanSpawn: boolPtr(true)},
	}}
	d := g.CanSpawn("worker-1", "x", "")
	if !d.Allowed {
		t.Fatal("expected the exact match to win over the pattern match")
	}
}

func TestAuditLogHalvesOnOverflow(t *testing.T) {
	g := New(DefaultConfig(), nil, logging.New("test", false))
	for i := 0; i < auditCap+10; i++ {
		g.CanUseTool("alice", "Read")
	}
	if len(g.AuditLog()) > auditCap {
		t.Fatalf("expected audit log capped at %d, got %d", auditCap, len(g.AuditLog()))
	}
}

func TestCanMessageRespectsRecordPatterns(t *testing.T) {
	g := &Gate{repoRecords: []Record{
		{NamePattern: "alice", CanMessage: []string{"bob", "lead*"}},
	}}
	if !g.CanMessage("alice", "bob").Allowed {
		t.Fatal("expected alice able to message bob")
	}
	if !g.CanMessage("alice", "lead-1").Allowed {
		t.Fatal("expected alice able to message lead-1 via prefix pattern")
	}
	if g.CanMessage("alice", "carol").Allowed {
		t.Fatal("expected alice forbidden from messaging carol")
	}
}
