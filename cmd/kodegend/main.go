package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/cyrup-ai/kodegend/pkg/config"
	"github.com/cyrup-ai/kodegend/pkg/control"
	"github.com/cyrup-ai/kodegend/pkg/daemon"
	"github.com/cyrup-ai/kodegend/pkg/log"
	"github.com/cyrup-ai/kodegend/pkg/metrics"
	"github.com/cyrup-ai/kodegend/pkg/storage"
	"github.com/cyrup-ai/kodegend/pkg/supervisor"
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
	Use:   "kodegend",
	Short: "kodegend - supervisor daemon for the kodegen tool servers",
	Long: `kodegend supervises the fleet of kodegen tool servers on this host:
it brings them up in a consistent order, keeps each one alive under its
restart policy, forwards structured telemetry, and takes the fleet down
cleanly on shutdown.

Running kodegend with no sub-command is equivalent to 'kodegend run'.`,
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon(false, "", false)
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"kodegend version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	// Global flags
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	// Initialize logging before command execution
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(restartCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Normal daemon operation (default if no sub-command)",
	RunE: func(cmd *cobra.Command, args []string) error {
		foreground, _ := cmd.Flags().GetBool("foreground")
		cfgPath, _ := cmd.Flags().GetString("config")
		system, _ := cmd.Flags().GetBool("system")
		return runDaemon(foreground, cfgPath, system)
	},
}

func init() {
	runCmd.Flags().Bool("foreground", false, "Stay in foreground even outside a service manager")
	runCmd.Flags().StringP("config", "c", "", "Path to configuration file")
	runCmd.Flags().Bool("system", false, "Use system-wide config (/etc/kodegend/kodegend.yaml)")
	runCmd.MarkFlagsMutuallyExclusive("config", "system")
}

func runDaemon(foreground bool, cfgPath string, system bool) error {
	// Resolve config path: explicit flag > system-wide > per-user.
	if cfgPath == "" {
		var err error
		cfgPath, err = config.DefaultPath(system)
		if err != nil {
			return err
		}
	}

	cfg, err := config.LoadOrCreate(cfgPath)
	if err != nil {
		return err
	}
	log.Logger.Info().Str("path", cfgPath).Msg("using config")

	// The pid file backs the single-instance check. Service managers keep
	// us in the foreground anyway.
	pidPath := daemon.DefaultPidFile
	if !system && os.Geteuid() != 0 {
		pidPath = filepath.Join(os.TempDir(), "kodegend.pid")
	}
	if err := daemon.WritePidFile(pidPath); err != nil {
		return err
	}
	defer daemon.RemovePidFile(pidPath)

	if !foreground && !daemon.UnderServiceManager() {
		log.Logger.Info().Msg("no service manager detected, staying in foreground")
	}

	store, err := storage.Open(dataDir(system))
	if err != nil {
		return err
	}
	defer store.Close()

	metrics.SetVersion(Version)
	sup, err := supervisor.New(cfg, store)
	if err != nil {
		return err
	}

	if cfg.MCPBind != "" {
		go func() {
			if err := http.ListenAndServe(cfg.MCPBind, metrics.Routes()); err != nil {
				log.Logger.Error().Err(err).Str("addr", cfg.MCPBind).Msg("introspection server error")
			}
		}()
		log.Logger.Info().Str("addr", cfg.MCPBind).Msg("introspection endpoints listening")
	}

	ctx := context.Background()
	if err := sup.StartFleet(ctx); err != nil {
		return fmt.Errorf("failed to start tool servers: %w", err)
	}

	daemon.NotifyReady()
	log.Logger.Info().Int("pid", os.Getpid()).Msg("kodegen daemon started")

	err = sup.Run(ctx)
	daemon.NotifyStopping()
	log.Logger.Info().Msg("kodegen daemon exiting")
	return err
}

func dataDir(system bool) string {
	if system || os.Geteuid() == 0 {
		return "/var/lib/kodegend"
	}
	dir, err := os.UserCacheDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "kodegend")
	}
	return filepath.Join(dir, "kodegend")
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check daemon status (Exit 0 = running, 1 = stopped)",
	Run: func(cmd *cobra.Command, args []string) {
		running, err := control.CheckStatus()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error checking status: %v\n", err)
			os.Exit(1)
		}
		if running {
			fmt.Println("kodegend is running")
			os.Exit(0)
		}
		fmt.Println("kodegend is stopped")
		os.Exit(1)
	},
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the daemon service (Exit 0 = success, 1 = failed)",
	Run: func(cmd *cobra.Command, args []string) {
		if err := control.StartDaemon(); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to start: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("kodegend started successfully")
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the daemon service (Exit 0 = success, 1 = failed)",
	Run: func(cmd *cobra.Command, args []string) {
		if err := control.StopDaemon(); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to stop: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("kodegend stopped successfully")
	},
}

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Restart the daemon service (Exit 0 = success, 1 = failed)",
	Run: func(cmd *cobra.Command, args []string) {
		if err := control.RestartDaemon(); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to restart: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("kodegend restarted successfully")
	},
}
