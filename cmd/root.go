// Package cmd implements the CLI commands using Cobra.
package cmd

import (
	"fmt"
	"io"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"hlsgrab/internal/config"
	"hlsgrab/internal/logging"
)

// Version is set at build time via ldflags.
var Version = "dev"

// Global flags
var (
	flagCookiesDir   string
	flagDownloadsDir string
	flagYtdlp        string
	flagVerify       bool
	flagDebug        bool
)

// cfg holds the loaded configuration (merged: defaults < config file < flags).
var cfg *config.Config

// logCloser releases the log file sink, if any.
var logCloser io.Closer

var rootCmd = &cobra.Command{
	Use:   "hlsgrab",
	Short: "Resolve media URLs into playable HLS streams",
	Long: `hlsgrab resolves page URLs into adaptive HLS stream descriptors.
pCloud public links are scraped directly; everything else goes through yt-dlp.
Run "hlsgrab serve" for the HTTP API or "hlsgrab resolve <url>" from a shell.`,
	SilenceUsage:       true,
	PersistentPreRunE:  loadConfig,
	PersistentPostRunE: closeLogging,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagCookiesDir, "cookies-dir", "", "Directory for cookie jars")
	rootCmd.PersistentFlags().StringVar(&flagDownloadsDir, "downloads-dir", "", "Directory for downloads")
	rootCmd.PersistentFlags().StringVar(&flagYtdlp, "ytdlp", "", "Path to the yt-dlp binary")
	rootCmd.PersistentFlags().BoolVar(&flagVerify, "verify-streams", false, "Probe every resolved stream")
	rootCmd.PersistentFlags().BoolVarP(&flagDebug, "debug", "x", false, "Debug logging to stderr")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig loads and merges configuration: defaults < config file < CLI flags.
func loadConfig(cmd *cobra.Command, args []string) error {
	var err error
	cfg, err = config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// CLI flags override config file values
	if flagCookiesDir != "" {
		cfg.CookiesDir = flagCookiesDir
	}
	if flagDownloadsDir != "" {
		cfg.DownloadsDir = flagDownloadsDir
	}
	if flagYtdlp != "" {
		cfg.YtdlpPath = flagYtdlp
	}
	if flagVerify {
		cfg.VerifyStreams = true
	}
	if flagDebug {
		cfg.Debug = true
	}
	if flagListen != "" {
		cfg.Listen = flagListen
	}

	// Re-validate after flag overrides
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logCloser, err = logging.Setup(cfg.Log, cfg.Debug)
	if err != nil {
		return fmt.Errorf("setting up logging: %w", err)
	}
	log.WithField("command", cmd.Name()).Debug("configuration loaded")
	return nil
}

func closeLogging(cmd *cobra.Command, args []string) error {
	if logCloser == nil {
		return nil
	}
	return logCloser.Close()
}
