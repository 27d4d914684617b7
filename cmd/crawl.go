package cmd

import (
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/edarchive/internal/config"
)

// errPartialRun is returned when the crawl was interrupted; the archive is
// consistent but incomplete.
var errPartialRun = errors.New("crawl interrupted; archive is partial")

// newCrawlCmd creates and configures the 'crawl' subcommand.
func newCrawlCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Crawl the site into the archive",
		Long: `Crawls from the configured seeds, archiving pages, datasets, and media.
Pages already in the archive are not re-fetched unless --refetch is set.
Interrupting the crawl (SIGINT/SIGTERM) lets in-flight pages finish, then
writes the manifest and a run report marked partial.`,
		RunE: runCrawlCommand,
	}

	flags := cmd.Flags()
	flags.StringSlice("seed", []string{config.DefaultSeed}, "seed URL (repeatable)")
	flags.Int("max-depth", -1, "maximum link depth from the seeds; -1 is unlimited")
	flags.Int("max-pages", 0, "maximum pages to admit; 0 is unlimited")
	flags.Int("concurrency", 8, "number of worker goroutines")
	flags.Bool("refetch", false, "re-download pages already in the archive")
	flags.Bool("skip-media", false, "do not download images, videos, or documents")
	flags.Bool("skip-data", false, "do not extract tables or data exports")
	flags.Bool("only-html", false, "archive page HTML only (implies --skip-media and --skip-data)")
	return cmd
}

func runCrawlCommand(cmd *cobra.Command, _ []string) error {
	s, err := resolveSettings(cmd.Context())
	if err != nil {
		return err
	}

	application, err := newApp(s.cfg, s.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize crawl services: %w", err)
	}
	defer application.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	report, err := application.Crawl(ctx)
	if err != nil {
		return err
	}
	s.logger.Info("Crawl command finished",
		zap.String("run_id", report.RunID),
		zap.String("archive", s.cfg.Archive.Root),
		zap.Int("failures", len(report.Failures)))
	if report.Canceled {
		return errPartialRun
	}
	return nil
}
