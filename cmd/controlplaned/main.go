package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/cuemby/microvmd/pkg/catalog"
	"github.com/cuemby/microvmd/pkg/controlstore"
	"github.com/cuemby/microvmd/pkg/log"
	"github.com/cuemby/microvmd/pkg/manager"
	"github.com/cuemby/microvmd/pkg/metrics"
	"github.com/cuemby/microvmd/pkg/reconciler"
	"github.com/cuemby/microvmd/pkg/scheduler"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "controlplaned",
	Short: "microvmd control plane - scheduling and reconciliation for the VM fleet",
	Long: `The control plane owns users' containers, quotas, nodes, and
container types. It admits and schedules new containers, reconciles
desired against observed state across the fleet, and proxies console and
editor traffic to the owning node agent.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"microvmd controlplaned %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(reconcileOnceCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

type cpConfig struct {
	DataDir      string
	BindAddr     string
	RedisURL     string
	RedisNS      string
	HeartbeatTTL time.Duration
}

func configFromEnv() cpConfig {
	return cpConfig{
		DataDir:      envOr("CP_DATA_DIR", "/var/lib/microvmd-cp"),
		BindAddr:     envOr("CP_BIND_ADDR", ":8080"),
		RedisURL:     envOr("REDIS_URL", "redis://127.0.0.1:6379/0"),
		RedisNS:      envOr("REDIS_PREFIX", "vmservice"),
		HeartbeatTTL: time.Duration(envInt("CP_NODE_HEARTBEAT_TTL_S", 60)) * time.Second,
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control plane server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := configFromEnv()
		logger := log.WithComponent("controlplaned")

		if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
			return err
		}
		store, err := controlstore.Open(cfg.DataDir)
		if err != nil {
			return err
		}
		defer store.Close()

		mgr := manager.New(store, nil)
		sched := scheduler.NewScheduler(mgr)
		rec := reconciler.NewReconciler(mgr)

		revs, err := catalog.NewRevStore(cfg.RedisURL, cfg.RedisNS)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %v", err)
		}

		collector := metrics.NewCollector(mgr)
		collector.Start()
		defer collector.Stop()

		monitor := manager.NewHealthMonitor(mgr)
		monitor.Start()
		defer monitor.Stop()

		rec.Start()
		defer rec.Stop()

		api := newServer(mgr, sched, revs)
		httpServer := &http.Server{
			Addr:    cfg.BindAddr,
			Handler: api.Router(),
		}

		go func() {
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh
			logger.Info().Msg("Shutting down")
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = httpServer.Shutdown(ctx)
		}()

		logger.Info().Str("bind_addr", cfg.BindAddr).Msg("Control plane serving")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	},
}

var reconcileOnceCmd = &cobra.Command{
	Use:   "reconcile-once",
	Short: "Run one reconciliation pass over all containers and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := configFromEnv()

		store, err := controlstore.Open(cfg.DataDir)
		if err != nil {
			return err
		}
		defer store.Close()

		mgr := manager.New(store, nil)
		rec := reconciler.NewReconciler(mgr)

		actions, updates, err := rec.ReconcileOnce(context.Background())
		if err != nil {
			return err
		}
		fmt.Printf("reconciler: actions=%d local_updates=%d\n", actions, updates)
		return nil
	},
}
