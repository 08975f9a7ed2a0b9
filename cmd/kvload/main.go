// kvload drives a fixed rate of PUT requests against a node and prints
// one latency line per request, for the external aggregation scripts.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/probelab/kvbeat/discovery"
)

func main() {
	addr := flag.String("addr", "http://127.0.0.1:8001", "leader address")
	rate := flag.Int("rate", 50, "requests per second")
	dur := flag.Duration("dur", 10*time.Second, "run duration")
	valSize := flag.Int("val", 64, "value size bytes")
	etcdEndpoints := flag.String("etcd", "", "resolve --node via these etcd endpoints instead of --addr")
	nodeID := flag.String("node", "", "node id to resolve from etcd")
	flag.Parse()

	if *etcdEndpoints != "" {
		cli, err := discovery.NewClient(strings.Split(*etcdEndpoints, ","))
		if err != nil {
			log.Fatal(err)
		}
		defer cli.Close()
		nodes, err := discovery.ListNodes(context.Background(), cli)
		if err != nil {
			log.Fatal(err)
		}
		hp, ok := nodes[*nodeID]
		if !ok {
			log.Fatalf("node %q not registered (known: %v)", *nodeID, nodes)
		}
		*addr = "http://" + hp
	}

	client := &http.Client{Timeout: 2 * time.Second}
	interval := time.Second / time.Duration(*rate)
	value := strings.Repeat("x", *valSize)

	var lats []time.Duration
	errs := 0
	deadline := time.Now().Add(*dur)

	for i := 0; time.Now().Before(deadline); i++ {
		rid := uuid.NewString()
		body, _ := json.Marshal(map[string]string{
			"key":   fmt.Sprintf("k%d", i),
			"value": value,
		})

		start := time.Now()
		resp, err := client.Post(*addr+"/put?rid="+rid, "application/json", bytes.NewReader(body))
		lat := time.Since(start)

		ok := false
		if err == nil {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			ok = resp.StatusCode == http.StatusOK
		}
		if !ok {
			errs++
		} else {
			lats = append(lats, lat)
		}
		fmt.Printf("%d %s %t %.3f\n", start.UnixMilli(), rid, ok, float64(lat.Microseconds())/1000.0)

		if sleep := interval - lat; sleep > 0 {
			time.Sleep(sleep)
		}
	}

	if len(lats) == 0 {
		fmt.Printf("# done: 0 ok, %d errors\n", errs)
		return
	}
	sort.Slice(lats, func(i, j int) bool { return lats[i] < lats[j] })
	p := func(q float64) time.Duration { return lats[int(q*float64(len(lats)-1))] }
	fmt.Printf("# done: %d ok, %d errors, p50=%s p99=%s\n", len(lats), errs, p(0.50), p(0.99))
}
