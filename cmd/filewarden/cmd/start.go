package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/filewarden/filewarden/internal/config"
	"github.com/filewarden/filewarden/internal/supervisor"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Render, import, and run filebrowser",
	Long: `Start the supervisor: render config.json and users.json from the env
files in the secrets directory, import both through the filebrowser CLI,
then run filebrowser until interrupted.

Examples:
  # Run filebrowser alone
  filewarden start --binary /usr/local/bin/filebrowser

  # Front it with the hardening proxy configured in .proxy.env
  filewarden start --binary /usr/local/bin/filebrowser --proxy

  # Keep secrets and rendered files in separate directories
  filewarden start --secrets /run/secrets --settings /var/lib/filewarden`,
	RunE: runStart,
}

var (
	withProxy   bool
	debugMode   bool
	restarts    int
	binaryPath  string
	settingsDir string
	secretsDir  string
)

func init() {
	startCmd.Flags().BoolVar(&withProxy, "proxy", false, "Front filebrowser with the hardening proxy")
	startCmd.Flags().IntVar(&restarts, "restart", 10, "Restart budget after unexpected filebrowser exits (0-10)")
	startCmd.Flags().StringVar(&secretsDir, "secrets", ".", "Directory holding .config.env and *user*.env files")
	startCmd.Flags().StringVar(&settingsDir, "settings", ".", "Directory for rendered JSON files and the database")
	startCmd.Flags().StringVar(&binaryPath, "binary", "filebrowser", "Path to the filebrowser executable")
	startCmd.Flags().BoolVar(&debugMode, "debug", false, "Enable debug logging")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	// Load proxy configuration (without validation, so CLI flags can
	// override first).
	var proxyCfg *config.EnvConfig
	if withProxy {
		cfg, err := config.LoadConfigRaw()
		if err != nil {
			return fmt.Errorf("failed to load proxy config: %w", err)
		}
		if debugMode {
			cfg.Debug = true
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("proxy config validation failed: %w", err)
		}
		cfg.Origins = config.NormalizeOrigins(cfg.Origins)
		proxyCfg = cfg
	}

	logLevel := slog.LevelInfo
	if debugMode || (proxyCfg != nil && proxyCfg.Debug) {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	if configFile := config.ConfigFileUsed(); withProxy && configFile != "" {
		logger.Info("loaded proxy config", "file", configFile)
	}

	// Create signal context for graceful shutdown.
	// stop() restores default signal handling so a second Ctrl+C does a hard kill.
	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	go func() {
		<-ctx.Done()
		stop() // Restore default: next Ctrl+C = immediate exit.
	}()

	// Write PID file so "filewarden stop" can find us.
	pidPath := pidFilePath()
	if err := writePIDFile(pidPath); err != nil {
		logger.Warn("failed to write PID file", "path", pidPath, "error", err)
	} else {
		defer os.Remove(pidPath)
	}

	sup, err := supervisor.New(supervisor.Config{
		Binary:     binaryPath,
		Dir:        settingsDir,
		SecretsDir: secretsDir,
		Proxy:      proxyCfg,
		Restarts:   restarts,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	if err := sup.Start(ctx); err != nil {
		return err
	}

	logger.Info("filewarden stopped")
	return nil
}
