package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/edarchive/internal/api"
	"github.com/JakeFAU/edarchive/internal/archive"
)

const shutdownTimeout = 10 * time.Second

// newServeCmd creates the 'serve' subcommand, a read-only HTTP API over an
// existing archive.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the archive over a read-only HTTP API",
		Long: `Serves the manifest, paged and filtered dataset rows, media listings,
and run reports from an archive directory. The archive is read from disk on
every request, so a crawl may run against the same root concurrently.`,
		RunE: runServeCommand,
	}
	cmd.Flags().Int("port", 8080, "port to listen on")
	return cmd
}

func runServeCommand(cmd *cobra.Command, _ []string) error {
	s, err := resolveSettings(cmd.Context())
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(s.cfg.Server.Port)))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return serve(ctx, ln, api.NewServer(archive.NewReader(s.cfg.Archive.Root), s.logger), s.logger)
}

// serve runs the API on ln until ctx is done, then drains in-flight requests.
func serve(ctx context.Context, ln net.Listener, server *api.Server, logger *zap.Logger) error {
	srv := &http.Server{
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("Archive API listening", zap.String("addr", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	logger.Info("Shutting down archive API")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
