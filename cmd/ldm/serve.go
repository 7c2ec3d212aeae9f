package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/locstore/ldm/internal/audit"
	"github.com/locstore/ldm/internal/capability"
	"github.com/locstore/ldm/internal/config"
	"github.com/locstore/ldm/internal/ops"
	"github.com/locstore/ldm/internal/rpc"
	"github.com/locstore/ldm/internal/storage"
	"github.com/locstore/ldm/internal/storage/postgres"
	"github.com/locstore/ldm/internal/storage/sqlite"
	"github.com/locstore/ldm/internal/syncer"
	"github.com/locstore/ldm/internal/tm"
	"github.com/locstore/ldm/internal/types"
)

// sweepInterval is how often the trash and operation sweepers run.
const sweepInterval = time.Hour

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the LDM server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func loadConfig() (*config.Config, error) {
	path := flagConfig
	if path == "" {
		if _, err := os.Stat("ldm.yaml"); err == nil {
			path = "ldm.yaml"
		}
	}
	return config.Load(path)
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	var out io.Writer = os.Stderr
	if cfg.Log.File != "" {
		out = &lumberjack.Logger{Filename: cfg.Log.File, MaxSize: 50, MaxBackups: 5, MaxAge: 30}
	}
	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	if cfg.Database.Mode == config.ModeAuthoritative {
		return postgres.Open(ctx, cfg.Database.DSN, postgres.DefaultOptions())
	}
	return sqlite.Open(ctx, cfg.Database.Path)
}

func schedulerConfig(cfg *config.Config) ops.Config {
	sc := ops.DefaultConfig()
	if cfg.Scheduler.PoolSize > 0 {
		sc.PoolSize = cfg.Scheduler.PoolSize
	}
	if len(cfg.Scheduler.PerClassMax) > 0 {
		sc.PerClassMax = make(map[types.OpClass]int, len(cfg.Scheduler.PerClassMax))
		for class, max := range cfg.Scheduler.PerClassMax {
			sc.PerClassMax[types.OpClass(class)] = max
		}
	}
	return sc
}

func embedders(cfg *config.Config) (fast, deep tm.Embedder) {
	if cfg.TM.EmbedEndpoint != "" {
		fast = tm.NewHTTPEmbedder(cfg.TM.EmbedEndpoint, "fast", 256)
		deep = tm.NewHTTPEmbedder(cfg.TM.EmbedEndpoint, "deep", 1024)
		return fast, deep
	}
	return tm.NewFastEmbedder(), tm.NewDeepEmbedder()
}

func serve(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := newLogger(cfg)
	log.Info("starting", "version", version, "mode", cfg.Database.Mode)

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	// The backends read retention from their config KV so both stores of a
	// synced pair keep their own setting.
	if err := store.SetConfig(ctx, "trash.retention_days", strconv.Itoa(cfg.Trash.RetentionDays)); err != nil {
		return err
	}

	auditor := audit.Open(cfg.Audit.Path)
	defer func() { _ = auditor.Close() }()

	resolver, err := capability.NewResolver(cfg.Auth.Tokens)
	if err != nil {
		return err
	}
	if len(cfg.Auth.Tokens) == 0 {
		log.Warn("no auth tokens configured; every call will fail unauthenticated")
	}

	bus := ops.NewBus(types.DefaultOpRetention)
	sched := ops.NewScheduler(schedulerConfig(cfg), bus, log, auditor.Event)
	defer sched.Close()
	sched.StartSweeper(sweepInterval)

	fast, deep := embedders(cfg)
	engine := tm.NewEngine(store, cfg.TM.IndexDir, tm.Config{
		FuzzyThreshold:    cfg.TM.Cascade.ThresholdFuzzy,
		SemanticThreshold: cfg.TM.Cascade.ThresholdSemantic,
		EnableDeep:        cfg.TM.Cascade.EnableDeep,
	}, fast, deep, log)

	var sync *syncer.Engine
	if cfg.Database.Mode == config.ModeLocal && cfg.Sync.CentralURL != "" {
		central := rpc.NewCentral(rpc.NewClient(cfg.Sync.CentralURL, cfg.Sync.CentralToken))
		sync = syncer.NewEngine(central, store, log)
		if _, err := sync.EnsureOfflineSandbox(ctx); err != nil {
			return err
		}
		for _, user := range tokenUsers(cfg) {
			go sync.StartPoller(ctx, user, cfg.SyncPollInterval())
		}
		if cfg.Sync.DropFolder != "" {
			watcher := syncer.NewWatcher(sync, cfg.Sync.DropFolder)
			go func() {
				if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
					log.Error("drop-folder watcher stopped", "error", err)
				}
			}()
		}
	}

	go sweepTrash(ctx, store, log)

	core := rpc.NewServer(store, engine, sched, bus, sync, resolver, auditor, log)
	httpSrv := rpc.NewHTTPServer(core, bus, cfg.Server.Listen, log)
	err = httpSrv.Start(ctx)
	log.Info("stopped")
	return err
}

// tokenUsers returns the distinct user ids in the token table; the local
// instance polls deltas for each of them.
func tokenUsers(cfg *config.Config) []string {
	seen := make(map[string]bool)
	var users []string
	for _, e := range cfg.Auth.Tokens {
		if !seen[e.UserID] {
			seen[e.UserID] = true
			users = append(users, e.UserID)
		}
	}
	return users
}

// sweepTrash permanently removes trash items past their retention window.
func sweepTrash(ctx context.Context, store storage.Store, log *slog.Logger) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.PurgeExpired(ctx, time.Now().UTC())
			if err != nil {
				log.Warn("trash sweep failed", "error", err)
			} else if n > 0 {
				log.Info("trash sweep", "purged", n)
			}
		}
	}
}
