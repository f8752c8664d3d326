package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"neonsched/internal/agents"
	"neonsched/internal/api"
	"neonsched/internal/budget"
	"neonsched/internal/config"
	"neonsched/internal/db"
	"neonsched/internal/lock"
	"neonsched/internal/logging"
	"neonsched/internal/models"
	"neonsched/internal/registry"
	"neonsched/internal/repository"
	"neonsched/internal/scheduler"
)

const shutdownGrace = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler and management API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		log := logging.New(cfg.Logging.Level, cfg.Logging.Format)
		log.Info().Str("version", version).Str("driver", cfg.Database.Driver).Msg("starting neonsched")

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		conn, err := db.Open(cfg.Database.Driver, cfg.Database.DSN)
		if err != nil {
			return err
		}
		defer conn.Close()

		var locks lock.Manager = &lock.Noop{}
		if cfg.Database.Driver == db.DriverPostgres {
			locks = lock.NewPostgresManager(conn)
		}
		if err := db.Migrate(ctx, conn, cfg.Database.Driver, locks, logging.Component(log, "db")); err != nil {
			return err
		}

		schedules := repository.NewScheduleRepository(conn)
		executions := repository.NewExecutionRepository(conn)
		budgets := repository.NewBudgetRepository(conn)

		reg := registry.New()
		if err := agents.RegisterBuiltins(reg, agents.Deps{
			Schedules:  schedules,
			Executions: executions,
			Budgets:    budgets,
			Log:        logging.Component(log, "agents"),
		}); err != nil {
			return err
		}

		var templates *registry.Templates
		if cfg.Templates != "" {
			templates = registry.NewTemplates(cfg.Templates, logging.Component(log, "templates"))
			if err := templates.Load(); err != nil {
				return err
			}
			if err := templates.Watch(ctx); err != nil {
				return err
			}
		}

		tracker := budget.New(budgets, cfg.Budget.DefaultMonthlyCap, cfg.Budget.MonthlyCaps)

		sched := scheduler.New(scheduler.Config{
			Workers:        cfg.Scheduler.Workers,
			DefaultTimeout: config.Duration(cfg.Scheduler.DefaultTimeout),
			DefaultRetry: models.RetryPolicy{
				MaxRetries: cfg.Scheduler.RetryMax,
				BaseDelay:  config.Duration(cfg.Scheduler.RetryBaseDelay),
				Multiplier: cfg.Scheduler.RetryMultiplier,
				MaxDelay:   config.Duration(cfg.Scheduler.RetryMaxDelay),
			},
			Timezone:   cfg.Scheduler.Timezone,
			RatePerSec: cfg.Scheduler.RatePerSec,
		}, schedules, executions, reg, tracker, locks, logging.Component(log, "scheduler"))

		if err := sched.Start(ctx); err != nil {
			return err
		}

		server := api.NewServer(sched, reg, templates, api.Options{
			Token:      cfg.Server.Token,
			RatePerSec: cfg.Server.RatePerSec,
			RateBurst:  cfg.Server.RateBurst,
		}, logging.Component(log, "api"))

		httpSrv := &http.Server{
			Addr:              cfg.Server.Addr,
			Handler:           server.Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			log.Info().Str("addr", cfg.Server.Addr).Msg("api listening")
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()

		select {
		case err := <-errCh:
			sched.Stop(context.Background())
			return err
		case <-ctx.Done():
		}
		log.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()

		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("http shutdown")
		}
		sched.Stop(shutdownCtx)
		return nil
	},
}
