// Command rcpd runs the RCP application server and its WebSocket bridge,
// and carries the small client and secret tools that go with them.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/chronologos/rcp/internal/config"
)

var (
	// Global flags
	cfgFile  string
	logLevel string

	// Set during PersistentPreRunE
	cfg    *config.Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "rcpd",
	Short: "Remote application-control protocol server",
	Long: `rcpd serves the RCP protocol: clients authenticate with a pre-shared
secret or an SSH key, then launch and drive applications from the
server's catalogue. The bridge subcommand lets browsers connect over
WebSocket.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		path := cfgFile
		if path == "" {
			path = config.DefaultPath()
		}
		var err error
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if logLevel != "" {
			cfg.Log.Level = logLevel
		}
		logger = newLogger(cmd.ErrOrStderr(), cfg.Log)
		slog.SetDefault(logger)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ~/.rcp/rcpd.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// newLogger builds the root logger. LOG_LEVEL overrides the configured
// level.
func newLogger(w io.Writer, lc config.LogConfig) *slog.Logger {
	level := lc.Level
	if env := os.Getenv("LOG_LEVEL"); env != "" {
		level = env
	}
	opts := &slog.HandlerOptions{Level: getLogLevel(level)}
	if strings.EqualFold(lc.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func getLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
