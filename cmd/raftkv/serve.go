package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"reflect"
	"sync"
	"syscall"
	"time"

	"github.com/KilimcininKorOglu/raftkv/internal/config"
	"github.com/KilimcininKorOglu/raftkv/internal/kv"
	"github.com/KilimcininKorOglu/raftkv/internal/logging"
	"github.com/KilimcininKorOglu/raftkv/internal/raft"
	"github.com/KilimcininKorOglu/raftkv/internal/store"
)

// Node errors.
var (
	ErrNodeAlreadyRunning = errors.New("node is already running")
	ErrNodeNotRunning     = errors.New("node is not running")
)

// Node is one raftkv process: a raft server hosting the configured groups
// and the kv service exposed on the same rpcx listener.
type Node struct {
	config        *config.Config
	logger        logging.Logger
	transport     *raft.RPCXTransport
	server        *raft.Server
	service       *kv.Service
	machines      map[int]*kv.StateMachine
	configWatcher *config.Watcher
	running       bool
	mu            sync.Mutex
}

// NewNode opens every group of cfg. Nothing is served until Start.
func NewNode(cfg *config.Config) (*Node, error) {
	logger := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})

	peers := make(map[int]string, len(cfg.Server.Servers)+1)
	servers := make([]int, 0, len(cfg.Server.Servers))
	for _, p := range cfg.Server.Servers {
		peers[p.NodeID] = p.Address
		servers = append(servers, p.NodeID)
	}
	if _, ok := peers[cfg.Server.NodeID]; !ok {
		peers[cfg.Server.NodeID] = cfg.Server.Address
	}

	tr := raft.NewRPCXTransport(raft.RPCXOptions{
		Address:        cfg.Server.Address,
		Peers:          peers,
		ConnectTimeout: cfg.Server.ConnectTimeout,
		Logger:         logger.WithFields("source", "transport"),
	})
	srv := raft.NewServer(raft.ServerOptions{
		NodeID:               cfg.Server.NodeID,
		Servers:              servers,
		ElectTimeout:         cfg.Server.ElectTimeout,
		HeartbeatInterval:    cfg.Server.HeartbeatInterval,
		RPCTimeout:           cfg.Server.RPCTimeout,
		PingInterval:         cfg.Server.PingInterval,
		MaxPendingWrites:     cfg.Server.MaxPendingWrites,
		MaxPendingWriteBytes: int(cfg.Server.MaxPendingWriteBytes),
		MaxBodySize:          int(cfg.Server.MaxBodySize),
	}, tr, logger)

	n := &Node{
		config:    cfg,
		logger:    logger,
		transport: tr,
		server:    srv,
		machines:  make(map[int]*kv.StateMachine, len(cfg.Groups)),
	}

	ctx := context.Background()
	for i := range cfg.Groups {
		if err := n.openGroup(ctx, &cfg.Groups[i]); err != nil {
			srv.Stop()
			return nil, fmt.Errorf("open group %d: %w", cfg.Groups[i].GroupID, err)
		}
	}

	svc, err := kv.NewService(srv, n.machines, logger)
	if err != nil {
		srv.Stop()
		return nil, err
	}
	if err := tr.RegisterService(kv.RPCServicePath, kv.NewRPCService(svc)); err != nil {
		srv.Stop()
		return nil, fmt.Errorf("register kv service: %w", err)
	}
	n.service = svc
	return n, nil
}

// openGroup recovers one group from its data directory and adds it to the
// raft server.
func (n *Node) openGroup(ctx context.Context, gc *config.GroupConfig) error {
	groupLogger := n.logger.WithFields("group", gc.GroupID)
	if err := os.MkdirAll(gc.DataDir, 0755); err != nil {
		return err
	}

	status := store.NewStatusManager(filepath.Join(gc.DataDir, gc.StatusFile))
	if err := status.Load(); err != nil {
		return fmt.Errorf("load status: %w", err)
	}

	sm, err := kv.NewStateMachine(filepath.Join(gc.DataDir, "snapshot"), groupLogger)
	if err != nil {
		return err
	}

	logOpts := store.Options{
		Dir:               filepath.Join(gc.DataDir, "log"),
		LogFileSize:       int64(gc.LogFileSize),
		IdxItemsPerFile:   gc.IdxItemsPerFile,
		IdxFlushThreshold: gc.IdxFlushThreshold,
		SyncForce:         gc.Sync(),
		ItemCacheSize:     int(gc.ItemCacheSize),
		DeleteInterval:    gc.DeleteInterval,
		Logger:            groupLogger,
	}
	_, err = n.server.AddGroup(ctx, raft.GroupOptions{
		GroupID:   gc.GroupID,
		Members:   gc.Members,
		Observers: gc.Observers,
		OpenLog: func(progress store.Progress) (store.RaftLog, error) {
			return store.NewFileRaftLog(logOpts, status, progress), nil
		},
		Status:               status,
		StateMachine:         sm,
		IoRetryInterval:      gc.IoRetryInterval,
		MaxReplicateItems:    gc.MaxReplicateItems,
		MaxReplicateBytes:    int(gc.MaxReplicateBytes),
		SingleReplicateLimit: int(gc.SingleReplicateLimit),
		SnapshotInterval:     gc.SnapshotInterval,
		DeleteDelay:          gc.DeleteInterval,
	})
	if err != nil {
		return err
	}
	n.machines[gc.GroupID] = sm
	groupLogger.Info("group opened", "dataDir", gc.DataDir, "members", gc.Members)
	return nil
}

// Start starts serving raft and client requests.
func (n *Node) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.running {
		return ErrNodeAlreadyRunning
	}
	if err := n.server.Start(context.Background()); err != nil {
		return err
	}
	n.running = true
	n.logger.WithFields("source", "system").Info("node started",
		"nodeId", n.config.Server.NodeID,
		"address", n.config.Server.Address,
		"groups", len(n.config.Groups))
	return nil
}

// Stop stops the config watcher and the raft server. Groups are closed in
// parallel; ctx bounds how long Stop waits for them.
func (n *Node) Stop(ctx context.Context) error {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return ErrNodeNotRunning
	}
	n.running = false
	watcher := n.configWatcher
	n.mu.Unlock()

	if watcher != nil {
		watcher.Stop()
	}

	done := make(chan struct{})
	go func() {
		n.server.Stop()
		close(done)
	}()

	sysLogger := n.logger.WithFields("source", "system")
	select {
	case <-done:
		sysLogger.Info("node stopped gracefully")
		return nil
	case <-ctx.Done():
		sysLogger.Warn("node shutdown timed out")
		return ctx.Err()
	}
}

// Service returns the kv service of the node.
func (n *Node) Service() *kv.Service {
	return n.service
}

// handleConfigReload applies the settings that can change at runtime. The
// others are reported and wait for a restart.
func (n *Node) handleConfigReload(oldCfg, newCfg *config.Config) {
	sysLogger := n.logger.WithFields("source", "system")

	if oldCfg.Logging.Level != newCfg.Logging.Level {
		if logging.SetLevel(n.logger, logging.ParseLevel(newCfg.Logging.Level)) {
			sysLogger.Info("log level changed", "old", oldCfg.Logging.Level, "new", newCfg.Logging.Level)
		}
	}

	n.reloadServers(oldCfg.Server.Servers, newCfg.Server.Servers)
	oldServer, newServer := oldCfg.Server, newCfg.Server
	oldServer.Servers, newServer.Servers = nil, nil
	if !reflect.DeepEqual(oldServer, newServer) {
		sysLogger.Warn("server settings changed, restart required")
	}
	if !reflect.DeepEqual(oldCfg.Groups, newCfg.Groups) {
		sysLogger.Warn("group settings changed, restart required")
	}
	if oldCfg.Logging.Format != newCfg.Logging.Format || oldCfg.Logging.Output != newCfg.Logging.Output {
		sysLogger.Warn("log format or output changed, restart required")
	}
}

// reloadServers adds servers that appeared in the server list and removes
// the ones that left it. A server still used by a group stays.
func (n *Node) reloadServers(oldPeers, newPeers []config.PeerConfig) {
	if n.server == nil {
		return
	}
	known := make(map[int]string, len(oldPeers))
	for _, p := range oldPeers {
		known[p.NodeID] = p.Address
	}
	for _, p := range newPeers {
		if addr, ok := known[p.NodeID]; ok && addr == p.Address {
			delete(known, p.NodeID)
			continue
		}
		delete(known, p.NodeID)
		if err := n.server.AddNode(p.NodeID, p.Address); err != nil {
			n.logger.Warn("failed to add server", "node", p.NodeID, "error", err)
		}
	}
	for id := range known {
		if id == n.config.Server.NodeID {
			continue
		}
		if err := n.server.RemoveNode(id); err != nil {
			n.logger.Warn("failed to remove server", "node", id, "error", err)
		}
	}
}

// serveCmd handles the serve command.
func serveCmd(args []string) int {
	fs, help := newFlagSet("serve")

	configFile := fs.String("config", "", "Path to configuration file")
	nodeID := fs.Int("node-id", 0, "Id of this node (overrides config)")
	address := fs.String("address", "", "Listen address (overrides config)")
	dataDir := fs.String("data-dir", "", "Base data directory (overrides config)")
	logLevel := fs.String("log-level", "", "Log level: debug, info, warn, error (overrides config)")

	if err := fs.Parse(args); err != nil {
		return 1
	}

	if *help {
		printServeUsage(os.Stdout)
		return 0
	}

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

	// Command-line overrides rank above the file, the environment above both.
	if *nodeID != 0 {
		cfg.Server.NodeID = *nodeID
	}
	if *address != "" {
		cfg.Server.Address = *address
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	prepareConfig(cfg, *dataDir)

	if errs := config.ValidateConfig(cfg); len(errs) > 0 {
		printConfigErrors(errs)
		return 1
	}

	node, err := NewNode(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create node: %v\n", err)
		return 1
	}
	sysLogger := node.logger.WithFields("source", "system")

	if *configFile != "" {
		watcher, err := config.NewWatcher(&config.WatcherConfig{
			FilePath: *configFile,
			Logger:   sysLogger,
			OnChange: node.handleConfigReload,
		})
		if err != nil {
			sysLogger.Warn("failed to create config watcher", "error", err)
		} else {
			node.configWatcher = watcher
			watcher.Start()
			sysLogger.Info("config file watcher started", "file", *configFile)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	if err := node.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start node: %v\n", err)
		return 1
	}

	sig := <-sigCh
	sysLogger.Info("received signal, shutting down", "signal", sig.String())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := node.Stop(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "Shutdown error: %v\n", err)
		return 1
	}
	return 0
}
