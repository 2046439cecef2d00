// Package cmd provides the CLI commands for filewarden.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/filewarden/filewarden/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "filewarden",
	Short: "Filewarden - supervised filebrowser front-end",
	Long: `Filewarden renders filebrowser's configuration and user database from
environment-driven inputs, imports them through the filebrowser CLI,
and keeps the server running. With --proxy it additionally fronts the
server with a hardening reverse proxy: login rewriting, an origin
firewall, brute-force lockouts, rate limiting, and browser warnings.

Quick start:
  1. Put .config.env and one or more *user*.env files in the secrets dir
  2. Run: filewarden start

Configuration:
  Child settings come from .config.env and the process environment.
  Proxy settings come from .proxy.env in the working directory (or the
  file named by --config) plus the process environment.
  Example: DATABASE=/var/lib/filewarden/auth_errors.db

Commands:
  start       Render, import, and run filebrowser
  stop        Stop the running supervisor
  version     Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "proxy env file (default: ./.proxy.env)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
