package commands

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ineyio/keyrotor"
	"github.com/ineyio/keyrotor/httpapi"
	"github.com/ineyio/keyrotor/meter"
	"github.com/ineyio/keyrotor/sweep"
)

const shutdownTimeout = 10 * time.Second

// NewServeCommand runs the HTTP service and the scheduled sweep.
func NewServeCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP issuance service",
		Long: `Run the HTTP issuance service together with the scheduled daily sweep.

The process stops on SIGINT or SIGTERM, draining in-flight requests first.

Examples:
  keyrotor serve
  keyrotor serve --config /etc/keyrotor/keyrotor.yaml --log-level debug`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load(cmd)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			reg := prometheus.NewRegistry()
			reg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)

			e, closeLedger, err := openEnforcer(ctx, cfg, logger,
				keyrotor.WithMeter(meter.Multi(meter.NewPrometheusMeter(reg), meter.NewLogMeter(logger))),
			)
			if err != nil {
				return err
			}
			defer closeLedger()

			gin.SetMode(gin.ReleaseMode)
			api := httpapi.New(e,
				httpapi.WithAdminSecret(cfg.AdminSecret),
				httpapi.WithLogger(logger),
				httpapi.WithGatherer(reg),
			)
			srv := &http.Server{
				Handler:           api.Handler(),
				ReadTimeout:       cfg.HTTP.ReadTimeout,
				ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
				WriteTimeout:      cfg.HTTP.WriteTimeout,
			}

			ln, err := net.Listen("tcp", cfg.HTTP.Addr)
			if err != nil {
				return err
			}

			scheduler := sweep.New(e, cfg.SweepSchedule(),
				sweep.WithTimeout(cfg.Sweep.Timeout),
				sweep.WithLogger(logger),
			)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				logger.Info("http server listening",
					"addr", ln.Addr().String(),
					"ledger", cfg.Ledger.Backend,
					"pool_size", len(e.Pool()),
					"admin", cfg.AdminSecret != "",
				)
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				return scheduler.Run(gctx)
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				logger.Info("shutting down")
				return srv.Shutdown(shutdownCtx)
			})

			return g.Wait()
		},
	}
}
