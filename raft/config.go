package raft

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"
)

// RosterFileName is the plain-text cluster roster: a count line,
// then one "id ip port" line per member, then one more naming the
// local node.
const RosterFileName = "raft.cfg"

// Address identifies one cluster member.
type Address struct {
	ID   int32  `json:"id"`
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

func (a Address) String() string {
	return fmt.Sprintf("%d@%s:%d", a.ID, a.IP, a.Port)
}

// HostPort is the dial target for the address.
func (a Address) HostPort() string {
	return fmt.Sprintf("%s:%d", a.IP, a.Port)
}

// Timing defaults. Election timeout is randomized per term within
// [ElectionTimeout, 1.5*ElectionTimeout] to keep split votes rare.
var (
	DefaultHeartbeatInterval = 1 * time.Second
	DefaultElectionTimeout   = 5 * time.Second
	DefaultRPCTimeout        = 2 * time.Second
)

// Config carries everything a node needs: identity, peers, timers
// and where the log metadata lives.
type Config struct {
	// Local is this node's address; its ID is the node id.
	Local Address

	// Peers is every other cluster member. A single-node cluster has
	// none.
	Peers []Address

	// Dir is where raft_log_meta persists.
	Dir string

	HeartbeatInterval time.Duration
	ElectionTimeout   time.Duration
	RPCTimeout        time.Duration

	Logger *slog.Logger
}

// DefaultConfig returns a config with the standard timers filled in.
func DefaultConfig() *Config {
	return &Config{
		HeartbeatInterval: DefaultHeartbeatInterval,
		ElectionTimeout:   DefaultElectionTimeout,
		RPCTimeout:        DefaultRPCTimeout,
	}
}

// Validate checks the config is runnable.
func (c *Config) Validate() error {
	if c.Dir == "" {
		return errors.New("raft config: empty dir")
	}
	if c.Local.IP == "" || c.Local.Port <= 0 {
		return fmt.Errorf("raft config: bad local address %s", c.Local)
	}
	for _, p := range c.Peers {
		if p.ID == c.Local.ID {
			return fmt.Errorf("raft config: peer %s repeats the local id", p)
		}
		if p.IP == "" || p.Port <= 0 {
			return fmt.Errorf("raft config: bad peer address %s", p)
		}
	}
	if c.HeartbeatInterval <= 0 || c.ElectionTimeout <= 0 || c.RPCTimeout <= 0 {
		return errors.New("raft config: non-positive timer")
	}
	if c.ElectionTimeout <= c.HeartbeatInterval {
		return errors.New("raft config: election timeout must exceed heartbeat interval")
	}
	return nil
}

// Clone copies the config, peers included.
func (c *Config) Clone() *Config {
	clone := *c
	clone.Peers = append([]Address(nil), c.Peers...)
	return &clone
}

// LoadRoster reads the roster file and splits it into the local
// address and the peer list. The roster lists every member including
// the local node, so the local id is filtered out of the peers.
func LoadRoster(path string) (local Address, peers []Address, err error) {
	f, err := os.Open(path)
	if err != nil {
		return Address{}, nil, err
	}
	defer f.Close()

	var n int
	if _, err := fmt.Fscan(f, &n); err != nil {
		return Address{}, nil, fmt.Errorf("%s: member count: %w", path, err)
	}
	if n <= 0 || n > 1024 {
		return Address{}, nil, fmt.Errorf("%s: %d members", path, n)
	}

	members := make([]Address, n)
	for i := range members {
		if _, err := fmt.Fscan(f, &members[i].ID, &members[i].IP, &members[i].Port); err != nil {
			return Address{}, nil, fmt.Errorf("%s: member %d: %w", path, i, err)
		}
	}
	if _, err := fmt.Fscan(f, &local.ID, &local.IP, &local.Port); err != nil {
		return Address{}, nil, fmt.Errorf("%s: local address: %w", path, err)
	}

	for _, m := range members {
		if m.ID != local.ID {
			peers = append(peers, m)
		}
	}
	return local, peers, nil
}
