// Package discovery registers a node in etcd under a lease so external
// experiment tooling can enumerate live nodes. Registration never feeds
// back into the node: the peer set is fixed at startup.
package discovery

import (
	"context"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const nodePrefix = "/kvbeat/nodes/"

func NewClient(endpoints []string) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
}

// RegisterNode writes id -> addr under a TTL lease and keeps the lease
// alive until the returned cancel func is called. The caller should
// revoke the lease on shutdown so the entry disappears promptly.
func RegisterNode(cli *clientv3.Client, id, addr string, ttlSeconds int64) (clientv3.LeaseID, context.CancelFunc, error) {
	lease, err := cli.Grant(context.Background(), ttlSeconds)
	if err != nil {
		return 0, nil, fmt.Errorf("discovery: grant lease: %w", err)
	}

	key := nodePrefix + id
	if _, err := cli.Put(context.Background(), key, addr, clientv3.WithLease(lease.ID)); err != nil {
		return 0, nil, fmt.Errorf("discovery: register %s: %w", id, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := cli.KeepAlive(ctx, lease.ID)
	if err != nil {
		cancel()
		return 0, nil, fmt.Errorf("discovery: keepalive: %w", err)
	}
	go func() {
		for range ch {
		}
	}()

	return lease.ID, cancel, nil
}

// ListNodes returns the currently registered id -> addr pairs.
func ListNodes(ctx context.Context, cli *clientv3.Client) (map[string]string, error) {
	resp, err := cli.Get(ctx, nodePrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	nodes := make(map[string]string, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		nodes[string(kv.Key[len(nodePrefix):])] = string(kv.Value)
	}
	return nodes, nil
}
