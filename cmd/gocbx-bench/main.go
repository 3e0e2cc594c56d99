// Command gocbx-bench is a small manual-exercise CLI for the gocbx client,
// in the spirit of the cmd/ utilities the franz-go family ships for poking
// at a live broker by hand.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/couchbase-client/gocbx"
)

func main() {
	var (
		connString = flag.String("conn", "couchbase://127.0.0.1", "connection string")
		bucket     = flag.String("bucket", "default", "bucket name")
		username   = flag.String("username", "", "SASL username")
		password   = flag.String("password", "", "SASL password")
		key        = flag.String("key", "gocbx-bench-key", "key to operate on")
		value      = flag.String("value", "hello", "value to set")
		statement  = flag.String("n1ql", "", "optional N1QL statement to run instead of a KV round-trip")
		timeout    = flag.Duration("timeout", 10*time.Second, "per-operation deadline")
	)
	flag.Parse()

	logger := gocbx.NewBasicLogger(os.Stderr, gocbx.LogLevelInfo)

	agent, err := gocbx.New(
		gocbx.WithConnString(*connString),
		gocbx.WithBucket(*bucket),
		gocbx.WithCredentials(*username, *password),
		gocbx.WithLogger(logger),
	)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer agent.Close()

	ctx := context.Background()
	deadline := time.Now().Add(*timeout)

	if *statement != "" {
		runQuery(ctx, agent, *statement)
		return
	}
	runKV(ctx, agent, *key, *value, deadline)
}

func runKV(ctx context.Context, agent *gocbx.Agent, key, value string, deadline time.Time) {
	if _, err := agent.Set(ctx, []byte(key), []byte(value), 0, deadline); err != nil {
		log.Fatalf("set: %v", err)
	}
	resp, err := agent.Get(ctx, []byte(key), deadline)
	if err != nil {
		log.Fatalf("get: %v", err)
	}
	fmt.Printf("%s = %s (cas=%d)\n", key, resp.Value, resp.CAS)
}

func runQuery(ctx context.Context, agent *gocbx.Agent, statement string) {
	rows, err := agent.Query(ctx, &gocbx.N1qlRequest{Statement: statement})
	if err != nil {
		log.Fatalf("query: %v", err)
	}
	defer rows.Close()

	var row map[string]interface{}
	for {
		ok, err := rows.Next(&row)
		if err != nil {
			log.Fatalf("row: %v", err)
		}
		if !ok {
			break
		}
		fmt.Println(row)
	}
	if meta, err := rows.Metadata(); err == nil {
		fmt.Printf("metadata: %v\n", meta)
	}
}
