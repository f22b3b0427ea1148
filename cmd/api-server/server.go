package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"coopcycle/db/migrations"
	"coopcycle/internal/handlers"
	"coopcycle/internal/scheduler"
	"coopcycle/pkg/log"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func serve(c *cli.Context, a *app) error {
	if a.conn != nil && a.conf.Postgres.MigrateOnStart {
		if err := migrations.Run(a.conn.DB); err != nil {
			return err
		}
	}

	if schedule := a.conf.Allocation.Schedule; schedule != "" {
		sched := scheduler.New(a.svc, log.L.Named("scheduler"), a.conf.Allocation.Timeout)
		if err := sched.Start(schedule); err != nil {
			return err
		}
		defer sched.Stop()
	}

	h := handlers.NewHandler(a.svc, log.L.Named("http"))
	srv := &http.Server{
		Addr:         a.conf.Server.Address,
		Handler:      h.Router(),
		ReadTimeout:  a.conf.Server.ReadTimeout,
		WriteTimeout: a.conf.Server.WriteTimeout,
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGINT)
	defer signal.Stop(sig)

	eg, ctx := errgroup.WithContext(c.Context)
	eg.Go(func() error {
		log.L.Info("server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), a.conf.Server.ShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.L.Warn("server shutdown", zap.Error(err))
			}
		}()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sig:
			return nil
		}
	})

	if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.L.Info("server stopped")
	return nil
}
