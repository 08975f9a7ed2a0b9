package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/probelab/kvbeat/discovery"
	"github.com/probelab/kvbeat/pkg/config"
	"github.com/probelab/kvbeat/pkg/eventlog"
	"github.com/probelab/kvbeat/pkg/health"
	"github.com/probelab/kvbeat/pkg/kv"
	"github.com/probelab/kvbeat/pkg/node"
)

func main() {
	cfg := config.Default()

	id := flag.String("id", "", "node id (required)")
	host := flag.String("host", cfg.Host, "listen host")
	port := flag.Int("port", 0, "listen port (required)")
	leader := flag.Bool("leader", false, "run as the leader")
	peers := flag.String("peers", "", "leader only: comma-separated id@host:port list")
	leaderAddr := flag.String("leader_addr", "", "follower only: leader host:port")
	hbInterval := flag.Duration("hb_interval", cfg.HeartbeatInterval, "heartbeat interval")
	hbTimeout := flag.Duration("hb_timeout", cfg.HeartbeatTimeout, "declare-dead timeout since last success")
	probeTimeout := flag.Duration("probe_timeout", cfg.ProbeTimeout, "per-probe HTTP timeout")
	logPath := flag.String("log", cfg.LogPath, "event log path (jsonl)")
	etcdEndpoints := flag.String("etcd", "", "optional comma-separated etcd endpoints for node registration")
	flag.Parse()

	zl, _ := zap.NewProduction()
	defer zl.Sync()

	cfg.NodeID = *id
	cfg.Host = *host
	cfg.Port = *port
	cfg.IsLeader = *leader
	cfg.HeartbeatInterval = *hbInterval
	cfg.HeartbeatTimeout = *hbTimeout
	cfg.ProbeTimeout = *probeTimeout
	cfg.LogPath = *logPath
	if *peers != "" {
		cfg.Peers = config.ParsePeers(*peers)
	}
	if *leaderAddr != "" {
		h, p, err := config.ParseHostPort(*leaderAddr)
		if err != nil {
			zl.Fatal("bad --leader_addr", zap.Error(err))
		}
		cfg.LeaderHost, cfg.LeaderPort = h, p
	}
	if err := cfg.Validate(); err != nil {
		zl.Fatal("invalid configuration", zap.Error(err))
	}

	events, closeLog, err := eventlog.Open(cfg.LogPath, cfg.NodeID)
	if err != nil {
		zl.Fatal("open event log", zap.Error(err))
	}
	defer closeLog()

	store := kv.NewStore()
	tracker := health.NewTracker(cfg.HeartbeatTimeout, events)
	n := node.New(cfg, store, tracker, events, zl)

	if *etcdEndpoints != "" {
		cli, err := discovery.NewClient(strings.Split(*etcdEndpoints, ","))
		if err != nil {
			zl.Fatal("etcd client", zap.Error(err))
		}
		defer cli.Close()
		leaseID, cancel, err := discovery.RegisterNode(cli, cfg.NodeID, cfg.ListenAddr(), 10)
		if err != nil {
			zl.Fatal("etcd registration", zap.Error(err))
		}
		defer func() {
			cancel()
			_, _ = cli.Revoke(context.Background(), leaseID)
		}()
	}

	srv := &http.Server{Addr: cfg.ListenAddr(), Handler: n.Handler()}

	n.Start()
	events.Emit("node_start",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.Bool("is_leader", cfg.IsLeader),
	)
	zl.Info("node listening",
		zap.String("node_id", cfg.NodeID),
		zap.String("addr", cfg.ListenAddr()),
		zap.Bool("leader", cfg.IsLeader),
	)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			zl.Fatal("serve", zap.Error(err))
		}
	case sig := <-sigCh:
		zl.Info("shutting down", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = srv.Shutdown(ctx)
		cancel()
	}

	n.Shutdown()
	events.Emit("node_stop")
}
