// raftdb-cli talks to a running cluster node. Writes sent to a
// follower follow the not_leader redirect once.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/twlk9/raftdb/transport"
)

const version = "1.0.0"

var (
	addr    = flag.String("addr", "127.0.0.1:9001", "node address host:port")
	timeout = flag.Duration("timeout", 10*time.Second, "per-request timeout")
)

func main() {
	flag.Usage = printUsage
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		printUsage()
		os.Exit(1)
	}

	command := args[0]
	args = args[1:]

	var err error
	switch command {
	case "put":
		err = putCommand(args)
	case "get":
		err = getCommand(args)
	case "del":
		err = delCommand(args)
	case "stats":
		err = statsCommand(args)
	case "version":
		fmt.Printf("raftdb-cli version %s\n", version)
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`raftdb-cli - Client for a raftdb cluster node

Usage:
  raftdb-cli [-addr host:port] <command> [arguments]

Commands:
  put <key> <value>    Write a key through the leader
  get [-leader] <key>  Read a key; -leader forces a leader-serviced read
  del <key>            Delete a key through the leader
  stats                Dump the node's role and engine counters
  version              Show version information
  help                 Show this help message

Examples:
  raftdb-cli -addr 10.0.0.1:9001 put greeting hello
  raftdb-cli get -leader greeting
  raftdb-cli stats

`)
}

func newContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), *timeout)
}

func putCommand(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("put requires key and value")
	}
	ctx, cancel := newContext()
	defer cancel()

	client := transport.NewClient(*timeout, nil)
	target := *addr
	for attempt := 0; attempt < 2; attempt++ {
		resp, err := client.Put(ctx, target, []byte(args[0]), []byte(args[1]))
		if err != nil {
			return err
		}
		switch resp.Code {
		case transport.CodeOK:
			fmt.Println("OK")
			return nil
		case transport.CodeNotLeader:
			if resp.Leader == nil || attempt > 0 {
				return fmt.Errorf("not leader and no usable redirect")
			}
			fmt.Fprintf(os.Stderr, "redirected to leader %s\n", resp.Leader)
			target = resp.Leader.HostPort()
		default:
			return fmt.Errorf("put rejected (code %d)", resp.Code)
		}
	}
	return fmt.Errorf("put did not complete")
}

func getCommand(args []string) error {
	fs := flag.NewFlagSet("get", flag.ContinueOnError)
	fromLeader := fs.Bool("leader", false, "read through the leader")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("get requires a key")
	}
	key := fs.Arg(0)

	ctx, cancel := newContext()
	defer cancel()

	client := transport.NewClient(*timeout, nil)
	target := *addr
	for attempt := 0; attempt < 2; attempt++ {
		resp, err := client.Get(ctx, target, []byte(key), *fromLeader)
		if err != nil {
			return err
		}
		switch resp.Code {
		case transport.CodeOK:
			fmt.Printf("%s\n", resp.Value)
			return nil
		case transport.CodeNotFound:
			return fmt.Errorf("key %q not found", key)
		case transport.CodeNotLeader:
			if resp.Leader == nil || attempt > 0 {
				return fmt.Errorf("not leader and no usable redirect")
			}
			fmt.Fprintf(os.Stderr, "redirected to leader %s\n", resp.Leader)
			target = resp.Leader.HostPort()
		default:
			return fmt.Errorf("get rejected (code %d)", resp.Code)
		}
	}
	return fmt.Errorf("get did not complete")
}

func delCommand(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("del requires a key")
	}
	ctx, cancel := newContext()
	defer cancel()

	client := transport.NewClient(*timeout, nil)
	target := *addr
	for attempt := 0; attempt < 2; attempt++ {
		resp, err := client.Delete(ctx, target, []byte(args[0]))
		if err != nil {
			return err
		}
		switch resp.Code {
		case transport.CodeOK:
			fmt.Println("OK")
			return nil
		case transport.CodeNotLeader:
			if resp.Leader == nil || attempt > 0 {
				return fmt.Errorf("not leader and no usable redirect")
			}
			fmt.Fprintf(os.Stderr, "redirected to leader %s\n", resp.Leader)
			target = resp.Leader.HostPort()
		default:
			return fmt.Errorf("del rejected (code %d)", resp.Code)
		}
	}
	return fmt.Errorf("del did not complete")
}

func statsCommand(_ []string) error {
	ctx, cancel := newContext()
	defer cancel()

	client := transport.NewClient(*timeout, nil)
	resp, err := client.Stats(ctx, *addr)
	if err != nil {
		return err
	}

	fmt.Printf("node %d  state=%s  term=%d\n", resp.NodeID, resp.State, resp.Term)
	if resp.Leader != nil {
		fmt.Printf("leader: %s\n", resp.Leader)
	}
	cfg := spew.NewDefaultConfig()
	cfg.Indent = "  "
	cfg.Dump(resp.Engine)
	return nil
}
