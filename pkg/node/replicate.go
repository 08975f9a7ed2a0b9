package node

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/probelab/kvbeat/internal/telemetry"
	"github.com/probelab/kvbeat/pkg/config"
)

// applyQueueDepth bounds the per-peer backlog of pending apply calls.
const applyQueueDepth = 256

type applyMsg struct {
	rid   string
	op    string
	key   string
	value string
}

// replicator fans accepted writes out to every follower. One worker per
// peer drains a bounded queue, so a write never spawns unbounded
// goroutines and a slow peer never blocks the client path or other
// peers. Outcomes feed the failure detector and the event log only; the
// client's response has already been sent.
type replicator struct {
	n      *Node
	client *http.Client
	queues map[string]chan applyMsg
	wg     sync.WaitGroup
}

func newReplicator(n *Node) *replicator {
	r := &replicator{
		n:      n,
		client: &http.Client{Timeout: n.cfg.ReplicateTimeout},
		queues: make(map[string]chan applyMsg, len(n.cfg.Peers)),
	}
	for _, p := range n.cfg.Peers {
		r.queues[p.ID] = make(chan applyMsg, applyQueueDepth)
	}
	return r
}

func (r *replicator) start() {
	for _, p := range r.n.cfg.Peers {
		r.wg.Add(1)
		go r.worker(p)
	}
}

// stopAndDrain closes the queues and waits for in-flight apply calls to
// finish or time out. Callers must guarantee no concurrent enqueue.
func (r *replicator) stopAndDrain() {
	for _, q := range r.queues {
		close(q)
	}
	r.wg.Wait()
}

// enqueue hands one write to every peer's worker without blocking. A
// full queue counts as a failed outcome for that peer.
func (r *replicator) enqueue(rid, op, key, value string) {
	m := applyMsg{rid: rid, op: op, key: key, value: value}
	for _, p := range r.n.cfg.Peers {
		select {
		case r.queues[p.ID] <- m:
		default:
			telemetry.ReplicationTotal.WithLabelValues(p.ID, "dropped").Inc()
			r.n.health.Observe(p.ID, false, time.Now())
			r.n.events.Emit("replicate_result",
				zap.String("rid", rid),
				zap.String("key", key),
				zap.String("peer_id", p.ID),
				zap.Bool("ok", false),
				zap.Int("http_status", 0),
				zap.String("reason", "queue_full"),
			)
		}
	}
}

func (r *replicator) worker(p config.Peer) {
	defer r.wg.Done()
	for m := range r.queues[p.ID] {
		ok, status := r.apply(p, m)
		telemetry.ReplicationTotal.WithLabelValues(p.ID, telemetry.Outcome(ok)).Inc()
		r.n.health.Observe(p.ID, ok, time.Now())
		r.n.events.Emit("replicate_result",
			zap.String("rid", m.rid),
			zap.String("key", m.key),
			zap.String("peer_id", p.ID),
			zap.Bool("ok", ok),
			zap.Int("http_status", status),
		)
	}
}

func (r *replicator) apply(p config.Peer, m applyMsg) (bool, int) {
	body, err := json.Marshal(applyRequest{RID: &m.rid, Op: &m.op, Key: &m.key, Value: m.value})
	if err != nil {
		return false, 0
	}
	resp, err := r.client.Post("http://"+p.Addr()+"/internal/replicate", "application/json", bytes.NewReader(body))
	if err != nil {
		return false, 0
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK, resp.StatusCode
}
