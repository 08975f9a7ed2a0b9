package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// Peer is one replication target, fixed at startup.
type Peer struct {
	ID   string
	Host string
	Port int
}

func (p Peer) Addr() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// NodeConfig holds everything a node needs for its process lifetime.
// It is immutable after Load/Validate; the node never mutates it.
type NodeConfig struct {
	NodeID string
	Host   string
	Port   int

	IsLeader   bool
	Peers      []Peer // leader only
	LeaderHost string // follower only
	LeaderPort int

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	ProbeTimeout      time.Duration
	ReplicateTimeout  time.Duration

	LogPath string
}

// Default returns a NodeConfig with the experiment defaults filled in.
func Default() NodeConfig {
	return NodeConfig{
		Host:              "127.0.0.1",
		HeartbeatInterval: 100 * time.Millisecond,
		HeartbeatTimeout:  500 * time.Millisecond,
		ProbeTimeout:      200 * time.Millisecond,
		ReplicateTimeout:  500 * time.Millisecond,
		LogPath:           "node.jsonl",
	}
}

func (c NodeConfig) ListenAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c NodeConfig) LeaderAddr() string {
	return net.JoinHostPort(c.LeaderHost, strconv.Itoa(c.LeaderPort))
}

func (c NodeConfig) Validate() error {
	if c.NodeID == "" {
		return errors.New("config: node id is required")
	}
	if c.Port == 0 {
		return errors.New("config: listen port is required")
	}
	if !c.IsLeader && (c.LeaderHost == "" || c.LeaderPort == 0) {
		return errors.New("config: follower needs a leader address")
	}
	if c.HeartbeatInterval <= 0 || c.HeartbeatTimeout <= 0 {
		return errors.New("config: heartbeat interval and timeout must be positive")
	}
	return nil
}

// ParsePeers parses a comma-separated "id@host:port" list.
// Malformed entries are skipped rather than rejected.
func ParsePeers(s string) []Peer {
	var peers []Peer
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		id, hostport, ok := strings.Cut(item, "@")
		if !ok || id == "" {
			continue
		}
		host, portStr, err := net.SplitHostPort(hostport)
		if err != nil {
			continue
		}
		port, err := strconv.Atoi(portStr)
		if err != nil || port <= 0 {
			continue
		}
		peers = append(peers, Peer{ID: id, Host: host, Port: port})
	}
	return peers
}

// ParseHostPort splits "host:port" for the --leader_addr flag.
func ParseHostPort(s string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return "", 0, fmt.Errorf("config: bad address %q: %w", s, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 {
		return "", 0, fmt.Errorf("config: bad port in %q", s)
	}
	return host, port, nil
}
