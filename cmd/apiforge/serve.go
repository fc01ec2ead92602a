package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/apiforge/internal/bus"
	"github.com/basket/apiforge/internal/gateway"
	otelPkg "github.com/basket/apiforge/internal/otel"
	"github.com/basket/apiforge/internal/persistence"
	"github.com/basket/apiforge/internal/telemetry"
)

func serveCmd(g *globalOptions) *cobra.Command {
	var bindAddr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP gateway over the task store without running a scheduler",
		Long: `Serve the query, cancel and event-stream routes for the task store. The
scheduler routes answer 503 because no run is active; use 'run --serve'
to expose a live run.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			if bindAddr != "" {
				cfg.BindAddr = bindAddr
			}
			ctx := cmd.Context()

			logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
			if err != nil {
				return fmt.Errorf("logger: %w", err)
			}
			defer closer.Close()
			slog.SetDefault(logger)
			defer openAudit(cfg)()

			provider, err := otelPkg.Init(ctx, cfg.Telemetry)
			if err != nil {
				return fmt.Errorf("telemetry: %w", err)
			}
			defer func() {
				sctx, cancel := shutdownContext(5 * time.Second)
				defer cancel()
				_ = provider.Shutdown(sctx)
			}()

			events := bus.New()
			store, err := persistence.Open(cfg.DBPath, events)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer store.Close()

			_, err = startGateway(ctx, cfg, gateway.Config{
				Store:   store,
				Bus:     events,
				Logger:  logger,
				Tracer:  provider.Tracer,
				Metrics: provider.Metrics,
			}, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			<-ctx.Done()
			logger.Info("gateway stopping")
			return nil
		},
	}
	cmd.Flags().StringVar(&bindAddr, "addr", "", "listen address (default bind_addr from config)")
	return cmd
}
