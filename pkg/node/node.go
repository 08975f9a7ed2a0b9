// Package node ties the store, event log and failure detector together
// behind the node's HTTP surface, and runs the heartbeat loop and the
// leader's replication fan-out.
package node

import (
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/probelab/kvbeat/internal/telemetry"
	"github.com/probelab/kvbeat/pkg/config"
	"github.com/probelab/kvbeat/pkg/eventlog"
	"github.com/probelab/kvbeat/pkg/health"
	"github.com/probelab/kvbeat/pkg/kv"
)

// leaderPeerID is the fixed key a follower tracks its leader under.
const leaderPeerID = "leader"

type Node struct {
	cfg    config.NodeConfig
	store  *kv.Store
	health *health.Tracker
	events *eventlog.Logger
	log    *zap.Logger

	probeClient *http.Client
	repl        *replicator

	stop chan struct{}
	wg   sync.WaitGroup
}

func New(cfg config.NodeConfig, store *kv.Store, tracker *health.Tracker, events *eventlog.Logger, log *zap.Logger) *Node {
	n := &Node{
		cfg:         cfg,
		store:       store,
		health:      tracker,
		events:      events,
		log:         log,
		probeClient: &http.Client{Timeout: cfg.ProbeTimeout},
		stop:        make(chan struct{}),
	}
	if cfg.IsLeader {
		n.repl = newReplicator(n)
	}
	return n
}

// Start launches the heartbeat loop and, on the leader, the per-peer
// replication workers.
func (n *Node) Start() {
	if n.repl != nil {
		n.repl.start()
		n.log.Info("replication workers started", zap.Int("peers", len(n.cfg.Peers)))
	}
	n.wg.Add(1)
	go n.heartbeatLoop()
	n.log.Info("heartbeat loop started",
		zap.Duration("interval", n.cfg.HeartbeatInterval),
		zap.Duration("timeout", n.cfg.HeartbeatTimeout),
	)
}

// Shutdown stops the heartbeat loop and drains the replication queues.
// The HTTP server must already have stopped accepting requests; nothing
// may enqueue replication work after this returns.
func (n *Node) Shutdown() {
	close(n.stop)
	n.wg.Wait()
	if n.repl != nil {
		n.repl.stopAndDrain()
	}
	n.log.Info("node stopped")
}

// Handler builds the node's HTTP surface.
func (n *Node) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/put", telemetry.Instrument("put", http.HandlerFunc(n.handlePut)))
	mux.Handle("/del", telemetry.Instrument("del", http.HandlerFunc(n.handleDel)))
	mux.Handle("/get", telemetry.Instrument("get", http.HandlerFunc(n.handleGet)))
	mux.Handle("/internal/replicate", telemetry.Instrument("replicate", http.HandlerFunc(n.handleReplicate)))
	mux.HandleFunc("/internal/ping", n.handlePing)
	mux.HandleFunc("/internal/status", n.handleStatus)
	mux.Handle("/metrics", telemetry.MetricsHandler())
	return mux
}

// probe hits a peer's ping endpoint once, bounded by the probe timeout.
// Any transport error or non-200 counts as a failed probe.
func (n *Node) probe(addr string) bool {
	resp, err := n.probeClient.Get("http://" + addr + "/internal/ping?from=" + n.cfg.NodeID)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// heartbeatLoop probes peers (leader) or the leader (follower) at the
// configured cadence until Shutdown. Probe failures are data for the
// failure detector, never a reason to stop.
func (n *Node) heartbeatLoop() {
	defer n.wg.Done()
	for {
		t0 := time.Now()

		if n.cfg.IsLeader {
			for _, p := range n.cfg.Peers {
				ok := n.probe(p.Addr())
				telemetry.ProbesTotal.WithLabelValues(p.ID, telemetry.Outcome(ok)).Inc()
				n.health.Observe(p.ID, ok, time.Now())
			}
		} else {
			ok := n.probe(n.cfg.LeaderAddr())
			telemetry.ProbesTotal.WithLabelValues(leaderPeerID, telemetry.Outcome(ok)).Inc()
			n.health.Observe(leaderPeerID, ok, time.Now())
		}

		// Hold the nominal cadence regardless of probe latency,
		// with a 1ms floor so a slow cycle can't busy-loop.
		sleep := n.cfg.HeartbeatInterval - time.Since(t0)
		if sleep < time.Millisecond {
			sleep = time.Millisecond
		}
		select {
		case <-n.stop:
			return
		case <-time.After(sleep):
		}
	}
}
