// Package cmd defines and implements the CLI commands for the edarchive
// executable.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/edarchive/internal/app"
	"github.com/JakeFAU/edarchive/internal/archive"
	"github.com/JakeFAU/edarchive/internal/config"
	"github.com/JakeFAU/edarchive/internal/logging"
)

var cfgFile string

// settingsKeyType is the key for storing loaded settings in the context.
type settingsKeyType string

const settingsKey settingsKeyType = "settings"

type settings struct {
	cfg    config.Config
	logger *zap.Logger
}

// Crawler is the part of the application the crawl command drives. It lets
// tests inject a fake in place of the real pipeline.
type Crawler interface {
	Crawl(ctx context.Context) (archive.RunReport, error)
	Close()
}

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(cfg config.Config, logger *zap.Logger) (Crawler, error) {
	return app.New(cfg, logger, app.Options{})
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "edarchive",
		Short: "Archive a government data website to local disk.",
		Long: `edarchive crawls a government statistics site such as ED Data Express,
preserving every page's raw HTML, the tables and data exports it links to
(normalized to CSV with a schema), and its images, videos, and documents,
deduplicated by content hash. Re-running over the same archive resumes
instead of duplicating work.`,
		SilenceUsage: true,

		// Configuration precedence: defaults < file < ARCHIVER_* env < flags.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			path := cfgFile
			if path == "" {
				path = config.DefaultPath()
			}
			cfg, err := config.LoadWithFlags(path, cmd.Flags())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Development)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)
			if path != "" {
				logger.Debug("Loaded config file", zap.String("path", path))
			}
			cmd.SetContext(context.WithValue(cmd.Context(), settingsKey, settings{cfg: cfg, logger: logger}))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if s, ok := cmd.Context().Value(settingsKey).(settings); ok {
				_ = s.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default is $XDG_CONFIG_HOME/edarchive/config.yaml when present)")
	cmd.PersistentFlags().String("archive", "", "archive root directory")

	cmd.AddCommand(newCrawlCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newConfigCmd())

	return cmd
}

func resolveSettings(ctx context.Context) (settings, error) {
	s, ok := ctx.Value(settingsKey).(settings)
	if !ok {
		return settings{}, fmt.Errorf("configuration not loaded")
	}
	return s, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
