package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/KilimcininKorOglu/raftkit/internal/cluster"
	"github.com/KilimcininKorOglu/raftkit/internal/config"
	"github.com/KilimcininKorOglu/raftkit/internal/logging"
	"github.com/KilimcininKorOglu/raftkit/internal/rest"
)

// reconfigureTimeout bounds a membership change triggered by a config reload.
const reconfigureTimeout = 30 * time.Second

// nodeServer runs a cluster node and its admin API.
type nodeServer struct {
	config     *config.Config
	logger     logging.Logger
	node       *cluster.Node
	restServer *rest.Server
}

// newNodeServer creates the node and, if configured, the admin API.
func newNodeServer(cfg *config.Config) (*nodeServer, error) {
	logger := logging.New(cfg.Logging.ToLogging())

	s := &nodeServer{config: cfg, logger: logger}
	node, err := cluster.New(cfg, logger, cluster.WithLeaderChange(s.leaderChanged))
	if err != nil {
		return nil, err
	}
	s.node = node

	if cfg.HTTP.Address != "" {
		restCfg := rest.DefaultServerConfig()
		restCfg.Address = cfg.HTTP.Address
		restCfg.Version = version
		restCfg.CORSOrigins = cfg.HTTP.CORSOrigins
		if cfg.HTTP.ReadTimeout > 0 {
			restCfg.ReadTimeout = cfg.HTTP.ReadTimeout
			restCfg.WriteTimeout = cfg.HTTP.ReadTimeout
		}
		s.restServer = rest.NewServer(restCfg, node, logger)
	}
	return s, nil
}

func (s *nodeServer) leaderChanged(isLeader bool) {
	if isLeader {
		s.logger.Info("became leader")
	} else {
		s.logger.Info("lost leadership")
	}
}

// Start starts the node, then the admin API.
func (s *nodeServer) Start(ctx context.Context) error {
	if err := s.node.Start(ctx); err != nil {
		return err
	}
	if s.restServer != nil {
		if err := s.restServer.Start(); err != nil {
			s.node.Stop()
			return err
		}
	}
	return nil
}

// Stop stops the admin API, then the node.
func (s *nodeServer) Stop(ctx context.Context) error {
	var err error
	if s.restServer != nil {
		err = s.restServer.Stop(ctx)
	}
	s.node.Stop()
	return err
}

// handleConfigReload applies a changed peer list. Only the leader proposes
// the change; followers pick it up through the log.
func (s *nodeServer) handleConfigReload(oldCfg, newCfg *config.Config) {
	if !config.PeersChanged(oldCfg, newCfg) {
		s.logger.Debug("config reloaded, peers unchanged")
		return
	}
	if !s.node.IsLeader() {
		s.logger.Info("peers changed, leaving reconfiguration to the leader")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), reconfigureTimeout)
	defer cancel()
	if err := s.node.SetMembers(ctx, newCfg.Cluster.Peers); err != nil {
		s.logger.Error("reconfiguration failed", "error", err)
		return
	}
	s.logger.Info("reconfiguration committed", "peers", len(newCfg.Cluster.Peers))
}

// serveCmd handles the serve command.
func serveCmd(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	configFile := fs.String("config", "", "Path to configuration file")
	id := fs.String("id", "", "Node UUID (overrides config)")
	address := fs.String("address", "", "Raft RPC listen address (overrides config)")
	httpAddress := fs.String("http-address", "", "Admin API listen address (overrides config)")
	dataDir := fs.String("data-dir", "", "Data directory path (overrides config)")
	bootstrap := fs.Bool("bootstrap", false, "Initialize a new group from cluster.peers")
	logLevel := fs.String("log-level", "", "Log level: debug, info, warn, error (overrides config)")
	help := fs.Bool("h", false, "Show help message")
	helpLong := fs.Bool("help", false, "Show help message")

	if err := fs.Parse(args); err != nil {
		return 1
	}

	if *help || *helpLong {
		printServeUsage(stdout)
		return 0
	}

	// Load configuration
	var cfg *config.Config
	var err error

	if *configFile != "" {
		cfg, err = config.LoadConfig(*configFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			return 1
		}
	} else {
		cfg = config.DefaultConfig()
	}

	// Apply command-line overrides (higher priority than config file)
	if *id != "" {
		cfg.Node.ID = *id
	}
	if *address != "" {
		cfg.Node.Address = *address
	}
	if *httpAddress != "" {
		cfg.HTTP.Address = *httpAddress
	}
	if *dataDir != "" {
		cfg.Node.DataDir = *dataDir
	}
	if *bootstrap {
		cfg.Cluster.Bootstrap = true
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	// Apply environment variable overrides (highest priority)
	applyEnvOverrides(cfg)

	if !printValidationErrors(cfg) {
		return 1
	}

	srv, err := newNodeServer(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create node: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := srv.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start node: %v\n", err)
		return 1
	}

	// Start config file watcher if config file is specified
	if *configFile != "" {
		watcher, err := config.WatchPeers(config.WatcherConfig{
			FilePath:      *configFile,
			OnPeersChange: srv.handleConfigReload,
			Logger:        srv.logger,
		})
		if err != nil {
			srv.logger.Warn("failed to watch config file", "error", err)
		} else {
			srv.logger.Info("watching config file for peer changes", "file", *configFile)
			defer watcher.Close()
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	srv.logger.Info("received signal, shutting down", "signal", sig.String())

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	if err := srv.Stop(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "Shutdown error: %v\n", err)
		return 1
	}
	return 0
}
