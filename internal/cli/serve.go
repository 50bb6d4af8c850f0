package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"djp.chapter42.de/renderq/internal/handlers"
	"djp.chapter42.de/renderq/internal/janitor"
	"djp.chapter42.de/renderq/internal/logger"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

func newServeCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the job queue behind the REST API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
	cmd.Flags().String("port", "", "HTTP port")
	cmd.Flags().Int("concurrency", 0, "Number of jobs running at once")
	cmd.Flags().Int("retries", 0, "Retries per job after the first attempt")
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	cfg := a.cfg
	log := logger.Log

	q, client, err := newQueue(cfg, log)
	if err != nil {
		return err
	}
	jan, err := janitor.New(cfg.Housekeeping.ClearCompleted, q, log.Named("janitor"))
	if err != nil {
		return err
	}

	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           handlers.NewRouter(q, q.Bus(), cfg.CORS, log.Named("http"), handlers.WithEngineStatus(client)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	q.Start(cfg.Queue.Concurrency)
	jan.Start()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("Server startet...", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("fehler beim Starten des Servers: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Server wird heruntergefahren...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		jan.Stop()
		var errs []error
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("server-Shutdown fehlgeschlagen: %w", err))
		}
		if err := q.Stop(shutdownCtx, true); err != nil {
			errs = append(errs, fmt.Errorf("laufende Jobs nicht beendet: %w", err))
		}
		if len(errs) == 0 {
			log.Info("Server heruntergefahren.")
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}
