// raftdb-server runs one cluster node: storage engine, replicated
// log, raft node and the HTTP surface, wired from a TOML options
// file, optional .env overrides and the raft.cfg roster.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/twlk9/raftdb"
	"github.com/twlk9/raftdb/compression"
	"github.com/twlk9/raftdb/raft"
	"github.com/twlk9/raftdb/transport"
)

// fileConfig is the operator-facing TOML shape. Everything is
// optional; zero values fall back to the library defaults.
type fileConfig struct {
	DataDir string `toml:"data_dir"`
	Roster  string `toml:"roster"`

	MemtableMaxSize int64   `toml:"memtable_max_size"`
	BlockSize       int     `toml:"block_size"`
	BloomFPRate     float64 `toml:"bloom_fp_rate"`
	Compression     string  `toml:"compression"`
	BlockCache      bool    `toml:"block_cache"`
	BlockCacheBytes int64   `toml:"block_cache_bytes"`

	HeartbeatInterval string `toml:"heartbeat_interval"`
	ElectionTimeout   string `toml:"election_timeout"`
	RPCTimeout        string `toml:"rpc_timeout"`

	LogLevel string `toml:"log_level"`
}

func main() {
	configPath := flag.String("config", "", "TOML config file")
	dataDir := flag.String("data", "", "data directory (overrides config)")
	rosterPath := flag.String("roster", "", "roster file (overrides config)")
	flag.Parse()

	if err := run(*configPath, *dataDir, *rosterPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, dataDir, rosterPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if rosterPath != "" {
		cfg.Roster = rosterPath
	}
	if cfg.DataDir == "" {
		return fmt.Errorf("no data directory: set data_dir, RAFTDB_DATA_DIR or -data")
	}
	if cfg.Roster == "" {
		cfg.Roster = filepath.Join(cfg.DataDir, raft.RosterFileName)
	}

	logger := newLogger(cfg.LogLevel)

	local, peers, err := raft.LoadRoster(cfg.Roster)
	if err != nil {
		return fmt.Errorf("load roster %s: %w", cfg.Roster, err)
	}
	logger.Info("roster loaded", "local", local.String(), "peers", len(peers))

	opts, err := engineOptions(cfg, logger)
	if err != nil {
		return err
	}
	db, err := raftdb.Open(opts)
	if err != nil {
		return fmt.Errorf("open engine: %w", err)
	}

	rcfg := raft.DefaultConfig()
	rcfg.Local = local
	rcfg.Peers = peers
	rcfg.Dir = cfg.DataDir
	rcfg.Logger = logger
	if err := applyTimers(rcfg, cfg); err != nil {
		db.Close()
		return err
	}

	rlog, err := raft.OpenLog(cfg.DataDir, db, logger)
	if err != nil {
		db.Close()
		return fmt.Errorf("open replicated log: %w", err)
	}

	client := transport.NewClient(rcfg.RPCTimeout, logger)
	node, err := raft.NewNode(rcfg, rlog, db, client)
	if err != nil {
		rlog.Close()
		db.Close()
		return err
	}

	server := transport.NewServer(node, db, local.HostPort(), logger)
	if err := server.Start(); err != nil {
		rlog.Close()
		db.Close()
		return fmt.Errorf("start http: %w", err)
	}
	node.Start()
	logger.Info("node up", "id", local.ID, "addr", local.HostPort(), "data", cfg.DataDir)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	logger.Info("shutting down", "signal", s.String())

	// Stop order matters: consensus first (election loop, then
	// shippers), then the listener, then the log so the committed
	// index persists, then the engine so the flush queue drains.
	node.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := server.Shutdown(ctx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	cancel()
	if err := rlog.Close(); err != nil {
		logger.Error("close replicated log", "error", err)
	}
	if err := db.Close(); err != nil {
		logger.Error("close engine", "error", err)
	}
	logger.Info("stopped")
	return nil
}

// loadConfig layers the TOML file under .env / environment
// overrides. A missing .env is fine; a named config file that fails
// to parse is not.
func loadConfig(path string) (*fileConfig, error) {
	cfg := &fileConfig{}
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
	}

	godotenv.Load(".env")
	if v := os.Getenv("RAFTDB_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("RAFTDB_ROSTER"); v != "" {
		cfg.Roster = v
	}
	if v := os.Getenv("RAFTDB_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("RAFTDB_COMPRESSION"); v != "" {
		cfg.Compression = v
	}
	if v := os.Getenv("RAFTDB_MEMTABLE_MAX_SIZE"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("RAFTDB_MEMTABLE_MAX_SIZE: %w", err)
		}
		cfg.MemtableMaxSize = n
	}
	return cfg, nil
}

func engineOptions(cfg *fileConfig, logger *slog.Logger) (*raftdb.Options, error) {
	opts := raftdb.DefaultOptions()
	opts.Path = cfg.DataDir
	opts.Logger = logger
	if cfg.MemtableMaxSize > 0 {
		opts.MemtableMaxSize = cfg.MemtableMaxSize
	}
	if cfg.BlockSize > 0 {
		opts.BlockSize = cfg.BlockSize
	}
	if cfg.BloomFPRate > 0 {
		opts.BloomFPRate = cfg.BloomFPRate
	}
	if cfg.Compression != "" {
		t, err := compression.ParseType(cfg.Compression)
		if err != nil {
			return nil, fmt.Errorf("compression: %w", err)
		}
		c := compression.DefaultConfig()
		c.Type = t
		c.Enabled = t != compression.None
		opts.Compression = c
	}
	opts.EnableBlockCache = cfg.BlockCache
	if cfg.BlockCacheBytes > 0 {
		opts.BlockCache.MaxCapacity = cfg.BlockCacheBytes
	}
	return opts, nil
}

func applyTimers(rcfg *raft.Config, cfg *fileConfig) error {
	set := func(name, v string, dst *time.Duration) error {
		if v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*dst = d
		return nil
	}
	if err := set("heartbeat_interval", cfg.HeartbeatInterval, &rcfg.HeartbeatInterval); err != nil {
		return err
	}
	if err := set("election_timeout", cfg.ElectionTimeout, &rcfg.ElectionTimeout); err != nil {
		return err
	}
	return set("rpc_timeout", cfg.RPCTimeout, &rcfg.RPCTimeout)
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "", "info":
		l = slog.LevelInfo
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		fmt.Fprintf(os.Stderr, "unknown log level %q, using info\n", level)
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: l}))
}
