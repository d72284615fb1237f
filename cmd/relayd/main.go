// Command relayd is the agent-relay daemon entry point: it loads config,
// wires Storage, Router, Policy, Consensus, Signing, and Cloud Sync
// together, opens the protocol listener, and serves the orchestrator's
// HTTP/WebSocket surface until a signal asks it to shut down.
//
// Configuration loading follows the teacher's GOX orchestrator priority
// hierarchy: a command-line path, then a default file location, then
// built-in defaults.
package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/agentrelay/relay/internal/cloudsync"
	"github.com/agentrelay/relay/internal/config"
	"github.com/agentrelay/relay/internal/consensus"
	"github.com/agentrelay/relay/internal/envelope"
	"github.com/agentrelay/relay/internal/logging"
	"github.com/agentrelay/relay/internal/orchestrator"
	"github.com/agentrelay/relay/internal/policy"
	"github.com/agentrelay/relay/internal/protocol"
	"github.com/agentrelay/relay/internal/router"
	"github.com/agentrelay/relay/internal/signing"
	"github.com/agentrelay/relay/internal/storage"
)

func main() {
	startedAt := time.Now()
	var cfg *config.Config

	if len(os.Args) >= 2 {
		loaded, err := config.Load(os.Args[1])
		if err != nil {
			log.Fatalf("relayd: failed to load config from %s: %v", os.Args[1], err)
		}
		cfg = loaded
		log.Printf("relayd: loaded config from %s", os.Args[1])
	} else if _, err := os.Stat("config/relay.yaml"); err == nil {
		loaded, err := config.Load("config/relay.yaml")
		if err != nil {
			log.Fatalf("relayd: config/relay.yaml exists but failed to parse: %v", err)
		}
		cfg = loaded
		log.Printf("relayd: loaded config/relay.yaml (default)")
	} else {
		cfg = &config.Config{}
		log.Printf("relayd: no config file specified, using built-in defaults")
	}

	logger := logging.New("relayd", cfg.Debug)

	store, err := buildStore(cfg, logger)
	if err != nil {
		log.Fatalf("relayd: storage init: %v", err)
	}

	var sigVerifier router.SignatureVerifier
	if cfg.Signing.Enabled {
		keys, err := signing.NewKeyStore(cfg.ResolvePath(cfg.Signing.KeyDir))
		if err != nil {
			log.Fatalf("relayd: signing key store: %v", err)
		}
		sigVerifier = signing.NewPolicy(keys, cfg.Signing.RequireSignatures, cfg.Signing.AllowUnsignedFrom)
	}

	r := router.New(store, sigVerifier, logger)

	consensusEngine := consensus.New(r, logger)

	policyGate := policy.New(policy.Config{
		RepoPolicyPath:        cfg.ResolvePath(cfg.Policy.RepoPolicyPath),
		LocalPolicyGlob:       cfg.Policy.LocalPolicyGlob,
		WorkspaceTTL:          time.Duration(cfg.Policy.WorkspaceTTLSeconds) * time.Second,
		StrictMode:            cfg.Policy.StrictMode,
		RequireExplicitAgents: cfg.Policy.RequireExplicitAgents,
	}, noopWorkspaceFetcher{}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup

	if cfg.CloudSync.Enabled {
		syncLoop, err := cloudsync.New(cloudsync.Config{
			Endpoint:          cfg.CloudSync.Endpoint,
			APIKey:            os.Getenv("AGENT_RELAY_API_KEY"),
			HeartbeatInterval: time.Duration(cfg.CloudSync.HeartbeatIntervalSecs) * time.Second,
			MachineIDPath:     cfg.ResolvePath(cfg.CloudSync.MachineIDPath),
		}, routerRoster{r, startedAt}, logger)
		if err != nil {
			log.Fatalf("relayd: cloud sync init: %v", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			syncLoop.Run(ctx)
		}()
	}

	orc, err := orchestrator.New(orchestrator.Config{
		RosterPath:       cfg.ResolvePath("workspaces.json"),
		AutoStartDaemons: true,
		Debug:            cfg.Debug,
	}, noopSpawner{}, logger)
	if err != nil {
		log.Fatalf("relayd: orchestrator init: %v", err)
	}

	httpServer := &http.Server{Addr: ":8787", Handler: orc.Router()}
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Printf("relayd: orchestrator HTTP surface listening on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("relayd: orchestrator HTTP server error: %v", err)
		}
	}()

	ln, err := net.Listen(cfg.Transport.Network, cfg.Transport.Address)
	if err != nil {
		log.Fatalf("relayd: listen on %s %s: %v", cfg.Transport.Network, cfg.Transport.Address, err)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		acceptLoop(ctx, ln, r, consensusEngine, policyGate, logger)
	}()
	log.Printf("relayd: accepting agent connections on %s %s", cfg.Transport.Network, cfg.Transport.Address)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("relayd: shutting down")

	cancel()
	_ = ln.Close()
	_ = httpServer.Shutdown(context.Background())
	wg.Wait()
}

func buildStore(cfg *config.Config, logger *logging.Logger) (storage.Store, error) {
	if cfg.Storage.Type != "badger" {
		return storage.NewMemoryStore(), nil
	}
	backend, err := storage.NewBadgerBackend(storage.BadgerConfig{
		Dir: cfg.ResolvePath(cfg.Storage.Path),
	})
	if err != nil {
		return nil, err
	}
	batchCfg := storage.BatchConfig{
		MaxBatchSize:    cfg.Storage.MaxBatchSize,
		MaxBatchBytes:   cfg.Storage.MaxBatchBytes,
		MaxBatchDelayMs: cfg.Storage.MaxBatchDelayMs,
	}
	return storage.NewBatchedAdapter(backend, batchCfg, logger), nil
}

// acceptLoop accepts connections until ctx is cancelled, running the
// HELLO/HELLO_ACK handshake and registering each peer with the Router.
func acceptLoop(ctx context.Context, ln net.Listener, r *router.Router, ce *consensus.Engine, pg *policy.Gate, logger *logging.Logger) {
	for {
		nc, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				logger.Warnf("relayd: accept: %v", err)
				continue
			}
		}
		go handleConnection(nc, r, ce, pg, logger)
	}
}

func handleConnection(nc net.Conn, r *router.Router, ce *consensus.Engine, pg *policy.Gate, logger *logging.Logger) {
	connID := uuid.New().String()
	conn := protocol.NewConn(connID, nc, logger)
	defer conn.Close()

	helloEnv, err := conn.ReadEnvelope()
	if err != nil || helloEnv.Type != envelope.TypeHello {
		logger.Warnf("relayd: connection %s: expected HELLO, got error=%v", connID, err)
		return
	}
	var hello envelope.HelloPayload
	if err := helloEnv.UnmarshalPayload(&hello); err != nil {
		logger.Warnf("relayd: connection %s: bad HELLO payload: %v", connID, err)
		return
	}

	result, err := r.Register(connID, conn, hello)
	if err != nil {
		logger.Warnf("relayd: connection %s: register failed: %v", connID, err)
		return
	}

	ack, err := envelope.New(envelope.TypeHelloAck, "", "", envelope.HelloAckPayload{
		V:         envelope.ProtocolVersion,
		SessionID: result.SessionID,
	})
	if err != nil || !conn.Send(ack) {
		logger.Warnf("relayd: connection %s: failed to send HELLO_ACK", connID)
		return
	}
	r.ReplayPending(connID, result.PendingReplay)

	for {
		env, err := conn.ReadEnvelope()
		if err != nil {
			r.Unregister(connID, "disconnect")
			return
		}
		dispatch(r, ce, pg, connID, hello.AgentName, env, logger)
	}
}

func dispatch(r *router.Router, ce *consensus.Engine, pg *policy.Gate, connID, agentName string, env *envelope.Envelope, logger *logging.Logger) {
	switch env.Type {
	case envelope.TypeSend:
		var payload envelope.SendPayload
		if err := env.UnmarshalPayload(&payload); err != nil {
			logger.Warnf("relayd: bad SEND payload from %s: %v", agentName, err)
			return
		}
		if _, handled, err := ce.Dispatch(agentName, payload); handled {
			if err != nil {
				logger.Warnf("relayd: consensus action from %s failed: %v", agentName, err)
			}
			return
		}
		if env.To != envelope.BroadcastTarget {
			if d := pg.CanMessage(agentName, env.To); !d.Allowed {
				logger.Warnf("relayd: SEND from %s to %s blocked by policy: %s", agentName, env.To, d.Reason)
				return
			}
		}
		if err := r.HandleSend(agentName, env.To, env.Topic, payload); err != nil {
			logger.Warnf("relayd: SEND from %s failed: %v", agentName, err)
		}
	case envelope.TypeAck:
		var ack envelope.AckPayload
		if err := env.UnmarshalPayload(&ack); err == nil {
			r.HandleAck(connID, ack)
		}
	case envelope.TypeSubscribe:
		r.HandleSubscribe(agentName, env.Topic)
	case envelope.TypeUnsubscribe:
		r.HandleUnsubscribe(agentName, env.Topic)
	case envelope.TypeChannelJoin:
		r.HandleChannelJoin(agentName, env.Topic)
	case envelope.TypeChannelLeave:
		r.HandleChannelLeave(agentName, env.Topic)
	case envelope.TypeChannelMessage:
		var payload envelope.SendPayload
		if err := env.UnmarshalPayload(&payload); err == nil {
			r.HandleChannelMessage(agentName, env.Topic, payload)
		}
	}
}

// routerRoster adapts *router.Router and a process start time into
// cloudsync.RosterProvider.
type routerRoster struct {
	r         *router.Router
	startedAt time.Time
}

func (rr routerRoster) LocalRoster() []string { return rr.r.LocalAgents() }
func (rr routerRoster) Uptime() time.Duration { return time.Since(rr.startedAt) }
func (rr routerRoster) MemoryUsageBytes() uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.Alloc
}

// noopWorkspaceFetcher is used until the cloud-backed workspace policy
// fetch (spec.md §4.5) is wired to a live CloudSync loop.
type noopWorkspaceFetcher struct{}

func (noopWorkspaceFetcher) Fetch() ([]policy.Record, error) { return nil, nil }

// noopSpawner is used until a real process-spawning agent launcher is
// wired; the orchestrator's HTTP surface works against it today with an
// always-empty roster.
type noopSpawner struct{}

func (noopSpawner) Spawn(workspaceID, agentName string, opts map[string]interface{}) error {
	return nil
}
func (noopSpawner) Stop(workspaceID, agentName string) error { return nil }
func (noopSpawner) ListAgents(workspaceID string) []string   { return nil }
