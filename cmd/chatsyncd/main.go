// Package main is the entry point of the chat delivery daemon.
// It runs the task scheduler, the upload loop and the local control API
// (HTTP and WebSocket) against one remote chat service.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var configPath string

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "chatsyncd",
	Short: "Offline-first chat delivery and sync engine",
	Long: `chatsyncd queues outbound chat work, streams responses from the remote
chat service and reconciles local conversations with the server copy.

Running without a subcommand starts the daemon.`,
	SilenceUsage: true,
	Version:      version,
	RunE:         runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler and the local control API",
	RunE:  runServe,
}

var drainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Process every queued task once and exit",
	Long: `Drain runs the queue until no runnable task is left, waits for
background reconciliation and exits. Useful after an offline period.`,
	RunE: runDrain,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Directory containing config.yaml")
	rootCmd.AddCommand(serveCmd, drainCmd)
}

func main() {
	// .env is optional
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
