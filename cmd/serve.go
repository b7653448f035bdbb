package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Norgate-AV/compilerd/internal/config"
	"github.com/Norgate-AV/compilerd/internal/logging"
	"github.com/Norgate-AV/compilerd/internal/server"
)

var serveCmd = &cobra.Command{
	Use:          "serve",
	Short:        "Run the HTTP service",
	Long:         `Accept compilation requests over HTTP until interrupted.`,
	RunE:         runServe,
	SilenceUsage: true,
	Args:         cobra.NoArgs,
}

func init() {
	serveCmd.Flags().String("listen", "", "Address to listen on (default "+config.DefaultListen+")")
	serveCmd.Flags().Int("local-concurrency", 0, "Maximum simultaneous local compilations")
	serveCmd.Flags().Int("stale-after-ms", 0, "Abandon requests older than this many milliseconds")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.NewLoader().Load(cmd)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Verbose)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctx = logging.IntoContext(ctx, logger)

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	logger.V(logging.DEFAULT).Info("Starting compilerd",
		"version", versionString(),
		"compilers", len(cfg.Compilers),
		"localConcurrency", cfg.LocalConcurrency,
		"staleAfter", cfg.StaleAfter.String(),
		"remote", cfg.Remote.Enabled(),
		"stats", a.stats.Enabled(),
	)

	g, ctx := errgroup.WithContext(ctx)

	handler := server.NewHandler(a.orch, a.metrics, logger)
	g.Go(func() error {
		return server.Serve(ctx, cfg.Listen, handler, logger)
	})

	for _, loop := range a.background() {
		g.Go(func() error {
			return loop(ctx)
		})
	}

	return g.Wait()
}

