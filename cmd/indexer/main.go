package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/containerman17/midnight-indexer/api"
	"github.com/containerman17/midnight-indexer/consts"
	"github.com/containerman17/midnight-indexer/indexer"
	"github.com/containerman17/midnight-indexer/ledger"
	"github.com/containerman17/midnight-indexer/node"
	"github.com/containerman17/midnight-indexer/pubsub"
	"github.com/containerman17/midnight-indexer/storage"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// fileConfig is the optional YAML overlay over env configuration.
type fileConfig struct {
	RPCURL               string `yaml:"rpc_url"`
	NetworkID            string `yaml:"network_id"`
	Storage              string `yaml:"storage"`
	SQLitePath           string `yaml:"sqlite_path"`
	DatabaseURL          string `yaml:"database_url"`
	DataDir              string `yaml:"data_dir"`
	APIAddr              string `yaml:"api_addr"`
	MetricsAddr          string `yaml:"metrics_addr"`
	GenesisProtocol      uint32 `yaml:"genesis_protocol_version"`
	BlocksBuffer         int    `yaml:"blocks_buffer"`
	SaveLedgerStateAfter uint32 `yaml:"save_ledger_state_after"`
	CaughtUpMaxDistance  uint32 `yaml:"caught_up_max_distance"`
	CaughtUpLeeway       uint32 `yaml:"caught_up_leeway"`
}

func main() {
	_ = godotenv.Load() // Load .env if present

	configPath := flag.String("config", getEnvOrDefault("CONFIG_FILE", ""), "Optional YAML config file")
	flag.Parse()

	var cfg fileConfig
	if *configPath != "" {
		raw, err := os.ReadFile(*configPath)
		if err != nil {
			log.Fatalf("Failed to read config file: %v", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			log.Fatalf("Failed to parse config file: %v", err)
		}
	}

	rpcURL := firstOf(cfg.RPCURL, os.Getenv("RPC_URL"))
	if rpcURL == "" {
		log.Fatal("RPC_URL environment variable is required")
	}
	networkID := firstOf(cfg.NetworkID, getEnvOrDefault("NETWORK_ID", "undeployed"))
	storageKind := firstOf(cfg.Storage, getEnvOrDefault("STORAGE", "sqlite"))
	dataDir := firstOf(cfg.DataDir, getEnvOrDefault("DATA_DIR", "./data"))
	apiAddr := firstOf(cfg.APIAddr, getEnvOrDefault("API_ADDR", consts.ServerListenAddr))
	metricsAddr := firstOf(cfg.MetricsAddr, getEnvOrDefault("METRICS_ADDR", consts.MetricsListenAddr))

	genesisProtocol := uint32(getEnvIntOrDefault("GENESIS_PROTOCOL_VERSION", 7_000))
	if cfg.GenesisProtocol != 0 {
		genesisProtocol = cfg.GenesisProtocol
	}

	appCfg := indexer.Config{
		NetworkID:              networkID,
		GenesisProtocolVersion: genesisProtocol,
		BlocksBuffer:           getEnvIntOrDefault("BLOCKS_BUFFER", cfg.BlocksBuffer),
		SaveLedgerStateAfter:   uint32(getEnvIntOrDefault("SAVE_LEDGER_STATE_AFTER", int(cfg.SaveLedgerStateAfter))),
		CaughtUpMaxDistance:    uint32(getEnvIntOrDefault("CAUGHT_UP_MAX_DISTANCE", int(cfg.CaughtUpMaxDistance))),
		CaughtUpLeeway:         uint32(getEnvIntOrDefault("CAUGHT_UP_LEEWAY", int(cfg.CaughtUpLeeway))),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	networkDataDir := filepath.Join(dataDir, networkID)
	if err := os.MkdirAll(networkDataDir, 0755); err != nil {
		log.Fatalf("Failed to create data directory: %v", err)
	}

	// Storage backend: embedded single-file or networked.
	var (
		store storage.Storage
		arena ledger.Backend
	)
	switch storageKind {
	case "sqlite":
		sqlitePath := firstOf(cfg.SQLitePath, getEnvOrDefault("SQLITE_PATH", filepath.Join(networkDataDir, "indexer.sqlite")))
		sqliteStore, err := storage.NewSQLiteStorage(sqlitePath)
		if err != nil {
			log.Fatalf("Failed to open sqlite storage: %v", err)
		}
		store = sqliteStore
		arena = storage.NewSQLiteArena(sqliteStore)
		log.Printf("Storage opened at %s", sqlitePath)
	case "postgres":
		databaseURL := firstOf(cfg.DatabaseURL, os.Getenv("DATABASE_URL"))
		if databaseURL == "" {
			log.Fatal("DATABASE_URL is required for postgres storage")
		}
		postgresStore, err := storage.NewPostgresStorage(ctx, databaseURL)
		if err != nil {
			log.Fatalf("Failed to connect to postgres: %v", err)
		}
		store = postgresStore
		arena = storage.NewPostgresArena(postgresStore)
		log.Printf("Connected to postgres storage")
	default:
		log.Fatalf("Unknown storage kind %q (want sqlite or postgres)", storageKind)
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	// The arena is a process-wide singleton, initialized once before any
	// ledger state is constructed or loaded.
	ledger.InitArena(arena)

	client, err := node.NewClient(node.Config{
		URL:                    rpcURL,
		GenesisProtocolVersion: genesisProtocol,
		CacheDir:               filepath.Join(networkDataDir, "rpc_cache"),
	})
	if err != nil {
		log.Fatalf("Failed to create node client: %v", err)
	}
	defer client.Close()
	log.Printf("Connected to node at %s (network %s)", rpcURL, networkID)

	follower := node.NewFollower(client)
	bus := pubsub.NewBus()
	defer bus.Close()

	server := api.NewServer(store, bus, networkID)
	if err := server.Start(apiAddr); err != nil {
		log.Fatalf("Failed to start API server: %v", err)
	}
	defer server.Stop()

	indexer.StartMetricsServer(metricsAddr)

	app := indexer.New(appCfg, client, client, follower, store, bus)
	if err := app.Run(ctx); err != nil {
		log.Fatalf("Indexer failed: %v", err)
	}
}

func firstOf(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}
