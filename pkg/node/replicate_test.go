package node

import (
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/probelab/kvbeat/pkg/config"
	"github.com/probelab/kvbeat/pkg/health"
)

func peerFromServer(t *testing.T, id string, ts *httptest.Server) config.Peer {
	t.Helper()
	hostport := strings.TrimPrefix(ts.URL, "http://")
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		t.Fatalf("bad test server url %q: %v", ts.URL, err)
	}
	port, _ := strconv.Atoi(portStr)
	return config.Peer{ID: id, Host: host, Port: port}
}

func TestReplicationFanOutReachesFollower(t *testing.T) {
	follower, followerBuf := newTestNode(t, followerConfig())
	ts := httptest.NewServer(follower.Handler())
	defer ts.Close()

	cfg := leaderConfig(peerFromServer(t, "B", ts))
	cfg.HeartbeatInterval = 50 * time.Millisecond
	leader, leaderBuf := newTestNode(t, cfg)
	leader.Start()
	defer leader.Shutdown()

	h := leader.Handler()
	rec, _ := doJSON(t, h, http.MethodPost, "/put?rid=r1", `{"key":"x","value":"42"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("put status = %d", rec.Code)
	}

	if !waitFor(t, 2*time.Second, func() bool {
		v, ok := follower.store.Get("x")
		return ok && v == "42"
	}) {
		t.Fatalf("write never reached the follower store")
	}

	if !waitFor(t, 2*time.Second, func() bool {
		return len(eventsOfType(t, leaderBuf, "replicate_result")) >= 1
	}) {
		t.Fatalf("no replicate_result event on the leader")
	}
	results := eventsOfType(t, leaderBuf, "replicate_result")
	if results[0]["peer_id"] != "B" || results[0]["ok"] != true || results[0]["rid"] != "r1" {
		t.Fatalf("replicate_result = %v", results[0])
	}
	applies := eventsOfType(t, followerBuf, "replicate_apply")
	if len(applies) != 1 || applies[0]["rid"] != "r1" {
		t.Fatalf("follower replicate_apply = %v", applies)
	}
}

func TestReplicationIsFireAndForget(t *testing.T) {
	// The peer stalls far longer than the replicate timeout; the client
	// response must come back immediately regardless.
	block := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer ts.Close()
	defer close(block)

	cfg := leaderConfig(peerFromServer(t, "B", ts))
	cfg.ReplicateTimeout = 100 * time.Millisecond
	cfg.HeartbeatInterval = time.Hour // keep the probe loop out of the way
	leader, _ := newTestNode(t, cfg)
	leader.Start()
	defer leader.Shutdown()

	start := time.Now()
	rec, _ := doJSON(t, leader.Handler(), http.MethodPost, "/put", `{"key":"x","value":"42"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("put status = %d", rec.Code)
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Fatalf("put blocked on replication: took %s", elapsed)
	}
	if v, ok := leader.store.Get("x"); !ok || v != "42" {
		t.Fatalf("leader store missing local apply")
	}
}

func TestReplicationFailureFeedsDetector(t *testing.T) {
	// Reserve a port with nothing listening on it.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	l.Close()
	host, portStr, _ := net.SplitHostPort(addr)
	port, _ := strconv.Atoi(portStr)

	cfg := leaderConfig(config.Peer{ID: "B", Host: host, Port: port})
	cfg.HeartbeatInterval = time.Hour
	cfg.ReplicateTimeout = 200 * time.Millisecond
	leader, buf := newTestNode(t, cfg)
	leader.Start()
	defer leader.Shutdown()

	doJSON(t, leader.Handler(), http.MethodPost, "/put", `{"key":"x","value":"42"}`)

	if !waitFor(t, 2*time.Second, func() bool {
		results := eventsOfType(t, buf, "replicate_result")
		return len(results) == 1 && results[0]["ok"] == false
	}) {
		t.Fatalf("no failed replicate_result: %v", eventsOfType(t, buf, "replicate_result"))
	}

	// The peer never answered anything, so the grace rule caps it at Suspected.
	if s, ok := leader.health.State("B"); !ok || s != health.StateSuspected {
		t.Fatalf("peer state = %v,%v, want Suspected", s, ok)
	}
}

func TestHeartbeatDeclaresDeadExactlyOnce(t *testing.T) {
	var alive atomic.Bool
	alive.Store(true)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !alive.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer ts.Close()

	cfg := leaderConfig(peerFromServer(t, "B", ts))
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.HeartbeatTimeout = 100 * time.Millisecond
	cfg.ProbeTimeout = 100 * time.Millisecond
	leader, buf := newTestNode(t, cfg)
	leader.Start()

	if !waitFor(t, time.Second, func() bool {
		s, ok := leader.health.State("B")
		return ok && s == health.StateAlive
	}) {
		leader.Shutdown()
		t.Fatalf("peer never observed Alive")
	}

	alive.Store(false)

	if !waitFor(t, 2*time.Second, func() bool {
		return leader.health.IsDead("B")
	}) {
		leader.Shutdown()
		t.Fatalf("peer never declared Dead")
	}
	// Keep probing a while longer; repeated failures must not re-emit.
	time.Sleep(150 * time.Millisecond)
	leader.Shutdown()

	var toSuspected, toDead int
	for _, ev := range eventsOfType(t, buf, "fd_state_change") {
		if ev["peer_id"] != "B" {
			continue
		}
		switch ev["to"] {
		case "Suspected":
			toSuspected++
		case "Dead":
			toDead++
		}
	}
	if toDead != 1 {
		t.Fatalf("declared Dead %d times, want exactly 1", toDead)
	}
	if toSuspected != 1 {
		t.Fatalf("transitioned to Suspected %d times, want exactly 1", toSuspected)
	}
}

func TestFollowerProbesLeader(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":true}`))
	}))
	defer ts.Close()

	cfg := followerConfig()
	cfg.HeartbeatInterval = 20 * time.Millisecond
	hostport := strings.TrimPrefix(ts.URL, "http://")
	host, portStr, _ := net.SplitHostPort(hostport)
	cfg.LeaderHost = host
	cfg.LeaderPort, _ = strconv.Atoi(portStr)

	follower, _ := newTestNode(t, cfg)
	follower.Start()
	defer follower.Shutdown()

	if !waitFor(t, time.Second, func() bool {
		s, ok := follower.health.State("leader")
		return ok && s == health.StateAlive
	}) {
		t.Fatalf("follower never observed its leader Alive")
	}
}

func TestQueueOverflowCountsAsFailure(t *testing.T) {
	// No workers running: fill the queue past its depth and check the
	// overflow path records a failed outcome instead of blocking.
	cfg := leaderConfig(config.Peer{ID: "B", Host: "127.0.0.1", Port: 9})
	leader, buf := newTestNode(t, cfg)
	// Deliberately no Start(): nothing drains the queue.

	for i := 0; i <= applyQueueDepth; i++ {
		leader.repl.enqueue("r", "PUT", "k", "v")
	}

	results := eventsOfType(t, buf, "replicate_result")
	if len(results) != 1 {
		t.Fatalf("overflow results = %d, want 1", len(results))
	}
	if results[0]["ok"] != false || results[0]["reason"] != "queue_full" {
		t.Fatalf("overflow result = %v", results[0])
	}
}
