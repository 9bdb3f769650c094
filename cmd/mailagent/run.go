package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nhle/mailagent/internal/api"
)

func newRunCmd(load configLoader) *cobra.Command {
	var noAPI bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the scheduler and the control API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.Log.Level)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			a, err := newAgent(cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			user, err := a.mailbox.ValidateConnection(ctx)
			cancel()
			if err != nil {
				// The scheduler retries on every tick.
				logger.Warn("mailbox not reachable at startup", zap.Error(err))
			} else {
				logger.Info("connected to mailbox", zap.String("user", user))
			}

			if err := a.scheduler.Start(nil); err != nil {
				return fmt.Errorf("starting scheduler: %w", err)
			}

			var server *http.Server
			if !noAPI {
				server = &http.Server{
					Addr:         cfg.API.Addr,
					Handler:      api.NewRouter(a.scheduler, a.store, logger),
					ReadTimeout:  10 * time.Second,
					WriteTimeout: 5 * time.Minute,
					IdleTimeout:  120 * time.Second,
				}
				go func() {
					if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.Error("HTTP server failed", zap.Error(err))
					}
				}()
				logger.Info("control API listening", zap.String("address", cfg.API.Addr))
			}

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
			<-sigChan

			logger.Info("shutting down")
			if server != nil {
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				if err := server.Shutdown(ctx); err != nil {
					logger.Error("HTTP server shutdown failed", zap.Error(err))
				}
			}
			a.scheduler.Stop()
			return nil
		},
	}

	cmd.Flags().BoolVar(&noAPI, "no-api", false, "Do not start the HTTP control API")
	return cmd
}

func newOnceCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "once",
		Short: "Process the mailbox once and print the run record",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.Log.Level)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			a, err := newAgent(cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			rec, err := a.scheduler.RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			if err := printYAML(cmd.OutOrStdout(), rec); err != nil {
				return err
			}
			if rec.Error != "" {
				return errors.New(rec.Error)
			}
			return nil
		},
	}
}
