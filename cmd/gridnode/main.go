package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"gridkv/internal/config"
	"gridkv/internal/node"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to a YAML config file (quorums, maps, peers)")
		nodeID     = flag.String("node-id", "", "Unique node identifier")
		listen     = flag.String("listen", ":50051", "gRPC listen address")
		peers      = flag.String("peers", "", "Comma-separated peers: id1=addr1,id2=addr2")
		vnodes     = flag.Int("vnodes", 0, "Virtual nodes per member on the ring (0 = default)")
		debug      = flag.Bool("debug", false, "Enable debug logging")
	)
	flag.Parse()

	logger, err := newLogger(*debug)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	cfg := &config.Config{}
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
		if err != nil {
			logger.Fatal("failed to load config", zap.Error(err))
		}
	}

	// Flags given explicitly override the file.
	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	if set["node-id"] || cfg.NodeID == "" {
		cfg.NodeID = *nodeID
	}
	if set["listen"] || cfg.ListenAddr == "" {
		cfg.ListenAddr = *listen
	}
	if set["vnodes"] {
		cfg.VNodes = *vnodes
	}
	if set["peers"] {
		cfg.Peers, err = config.ParsePeers(*peers)
		if err != nil {
			logger.Fatal("invalid peers", zap.Error(err))
		}
	}

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid config", zap.Error(err))
	}

	n, err := node.New(cfg, node.WithLogger(logger))
	if err != nil {
		logger.Fatal("failed to create node", zap.Error(err))
	}
	if err := n.Start(); err != nil {
		logger.Fatal("failed to start node", zap.Error(err))
	}
	logger.Info("node ready", zap.String("node", cfg.NodeID), zap.String("addr", n.Addr()))

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	if err := n.Shutdown(); err != nil {
		logger.Error("graceful shutdown error", zap.Error(err))
	}
}

func newLogger(debug bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if debug {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return cfg.Build()
}
