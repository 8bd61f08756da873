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

	"github.com/cuemby/microvmd/pkg/agentapi"
	"github.com/cuemby/microvmd/pkg/catalog"
	"github.com/cuemby/microvmd/pkg/health"
	"github.com/cuemby/microvmd/pkg/log"
	"github.com/cuemby/microvmd/pkg/metrics"
	"github.com/cuemby/microvmd/pkg/sshcache"
	"github.com/cuemby/microvmd/pkg/vmrunner"
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
	Use:   "node-agent",
	Short: "microvmd node agent - QEMU micro-VM lifecycle on one worker host",
	Long: `The node agent owns a directory of VM workdirs and the local VM
catalog: it boots and stops QEMU micro-VMs, generates cloud-init seed
ISOs, probes SSH readiness, caches SSH/SFTP sessions, and exposes the
HTTP/WebSocket API the control plane drives.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"microvmd node-agent %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	serveCmd.Flags().String("bind-addr", ":8000", "HTTP bind address")

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

// agentConfig is the node agent's environment, read once at start.
type agentConfig struct {
	NodeName  string
	AuthToken string
	RedisURL  string
	RedisNS   string
	Runner    vmrunner.Config
	SSH       sshcache.Config
}

func configFromEnv() (agentConfig, error) {
	cfg := agentConfig{
		NodeName:  envOr("NODE_NAME", "node-local"),
		AuthToken: os.Getenv("AUTH_TOKEN"),
		RedisURL:  envOr("REDIS_URL", "redis://127.0.0.1:6379/0"),
		RedisNS:   envOr("REDIS_PREFIX", "vmservice"),
		Runner: vmrunner.Config{
			BaseDir:      envOr("VM_BASE_DIR", "/var/lib/microvmd"),
			SSHUser:      envOr("VM_SSH_USER", "ubuntu"),
			PrivKeyPath:  os.Getenv("VM_SSH_PRIVKEY"),
			QEMUBin:      os.Getenv("VM_QEMU_BIN"),
			UEFIArm64:    os.Getenv("VM_UEFI_ARM64"),
			BaseImage:    os.Getenv("VM_BASE_IMAGE"),
			RunAsUID:     envInt("VM_RUN_AS_UID", -1),
			RunAsGID:     envInt("VM_RUN_AS_GID", -1),
			Kernel:       os.Getenv("VM_KERNEL"),
			KernelAppend: os.Getenv("VM_KERNEL_APPEND"),
			Initrd:       os.Getenv("VM_INITRD"),
		},
	}
	cfg.Runner.BootTimeout = time.Duration(envInt("VM_TIMEOUT_BOOT_S", 600)) * time.Second
	cfg.SSH = sshcache.Config{PrivKeyPath: cfg.Runner.PrivKeyPath}

	if cfg.AuthToken == "" {
		return cfg, fmt.Errorf("AUTH_TOKEN must be set")
	}
	if cfg.Runner.PrivKeyPath == "" {
		return cfg, fmt.Errorf("VM_SSH_PRIVKEY must be set")
	}
	return cfg, nil
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
	Short: "Run the node agent server",
	RunE: func(cmd *cobra.Command, args []string) error {
		bindAddr, _ := cmd.Flags().GetString("bind-addr")

		cfg, err := configFromEnv()
		if err != nil {
			return err
		}

		logger := log.WithComponent("node-agent")
		logger.Info().
			Str("node", cfg.NodeName).
			Str("base_dir", cfg.Runner.BaseDir).
			Str("bind_addr", bindAddr).
			Msg("Starting node agent")

		checkBootTooling(cfg)

		store, err := catalog.New(cfg.RedisURL, cfg.RedisNS)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %v", err)
		}

		// Resync the catalog after a crash before accepting requests
		count := store.ReconcileAll(context.Background())
		logger.Info().Int("vms", count).Msg("Catalog reconciled at startup")
		metrics.RegisterComponent("catalog", true, "reconciled")

		cache := sshcache.New(cfg.SSH)
		runner := vmrunner.New(cfg.Runner, store, cache)
		server := agentapi.NewServer(store, runner, cache, cfg.AuthToken)

		httpServer := &http.Server{
			Addr:    bindAddr,
			Handler: server.Router(),
		}

		go func() {
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh
			logger.Info().Msg("Shutting down")
			cache.ClearAll()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = httpServer.Shutdown(ctx)
		}()

		metrics.RegisterComponent("agentapi", true, "serving")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	},
}

// checkBootTooling verifies the host has the binaries a boot needs and
// records the outcome in the component health registry; a missing tool
// degrades health instead of failing startup, since reattach-only nodes
// are valid.
func checkBootTooling(cfg agentConfig) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	checks := map[string][]string{
		"qemu-img": {"qemu-img", "--version"},
	}
	for name, command := range checks {
		res := health.NewExecChecker(command).Check(ctx)
		metrics.RegisterComponent(name, res.Healthy, res.Message)
	}
}

var reconcileOnceCmd = &cobra.Command{
	Use:   "reconcile-once",
	Short: "Resync the local VM catalog and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := configFromEnv()
		if err != nil {
			return err
		}

		store, err := catalog.New(cfg.RedisURL, cfg.RedisNS)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %v", err)
		}

		count := store.ReconcileAll(context.Background())
		fmt.Printf("reconciled %d vm records\n", count)
		return nil
	},
}
