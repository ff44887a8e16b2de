// Package cmd wires the ollm command line: an interactive chat loop,
// an HTTP/WebSocket server, snapshot management, and a one-shot status
// probe, all over the same session core.
package cmd

import (
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/Tecet/ollm-cli/internal/config"
	"github.com/Tecet/ollm-cli/internal/storage"
)

var (
	configPath string
	debug      bool

	logFile *os.File
)

var rootCmd = &cobra.Command{
	Use:   "ollm",
	Short: "Context-managed chat for local language models",
	Long: `ollm runs long conversations against a local model backend (Ollama or
any OpenAI-compatible server) without ever overflowing the context
window. Usage is tracked per token, compression kicks in at soft
pressure, checkpoints preserve compressed history, and snapshots allow
rolling back to earlier states.

Configuration lives in ~/.ollm/config.yaml and can be overridden with
OLLM_* environment variables.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogging()
	},
}

// setupLogging keeps logs off the interactive terminal: unless --debug
// is set, everything goes to ~/.ollm/ollm.log.
func setupLogging() error {
	if debug {
		log.SetLevel(log.DebugLevel)
		return nil
	}

	path, err := storage.DefaultPathManager.LogPath()
	if err != nil {
		return fmt.Errorf("resolve log path: %w", err)
	}
	logFile, err = os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	log.SetOutput(logFile)
	return nil
}

func cleanupLogging() {
	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
}

// loadConfig resolves the config path (flag, else ~/.ollm/config.yaml)
// and loads it. The resolved path is kept so the serve command can
// watch the same file.
func loadConfig() (*config.Config, error) {
	if configPath == "" {
		path, err := storage.DefaultPathManager.ConfigPath()
		if err != nil {
			return nil, fmt.Errorf("resolve config path: %w", err)
		}
		configPath = path
	}
	return config.Load(configPath, debug)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (default ~/.ollm/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Log at debug level to stderr instead of the log file")

	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(snapshotsCmd)
	rootCmd.AddCommand(statusCmd)
}

// Execute runs the root command.
func Execute() {
	defer cleanupLogging()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		cleanupLogging()
		os.Exit(1)
	}
}
