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

	"github.com/npezzotti/roomsync/internal/api"
	"github.com/npezzotti/roomsync/internal/config"
	"github.com/npezzotti/roomsync/internal/presence"
	"github.com/npezzotti/roomsync/internal/room"
	"github.com/npezzotti/roomsync/internal/session"
	"github.com/npezzotti/roomsync/internal/stats"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

var (
	configPath string
	cfg        *config.Config
	logger     *logrus.Logger

	rootCmd = &cobra.Command{
		Use:           "roomsync",
		Short:         "Shared room presence, chat and attendance queue over a remote tree store",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load(configPath)
			if err != nil {
				return err
			}
			applyFlags(cmd, loaded)
			if err := loaded.Validate(); err != nil {
				return err
			}
			cfg = loaded
			logger = newLogger(cfg.Log)
			return nil
		},
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Serve the local UI bridge for one participant",
		RunE:  runServe,
	}

	gcCmd = &cobra.Command{
		Use:   "gc",
		Short: "Delete rooms idle past the inactivity threshold and orphaned room nodes",
		RunE:  runGC,
	}
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	pf.String("log-level", "", "log level (trace, debug, info, warn, error)")
	pf.String("log-format", "", "log format (text, json)")
	pf.String("store", "", "store driver (memory, redis, postgres, sqlite, badger)")
	pf.String("dsn", "", "postgres or sqlite connection string")
	pf.String("redis-addr", "", "redis address")
	pf.String("badger-path", "", "badger data directory")

	serveCmd.Flags().String("addr", "", "server address")
	serveCmd.Flags().StringSlice("allowed-origins", nil, "comma-separated list of allowed origins for CORS")

	rootCmd.AddCommand(serveCmd, gcCmd)
}

// applyFlags overlays flags the user actually set on the file config.
func applyFlags(cmd *cobra.Command, c *config.Config) {
	flags := cmd.Flags()
	str := func(name string, dst *string) {
		if flags.Changed(name) {
			*dst, _ = flags.GetString(name)
		}
	}
	str("log-level", &c.Log.Level)
	str("log-format", &c.Log.Format)
	str("store", &c.Store.Driver)
	str("dsn", &c.Store.DSN)
	str("redis-addr", &c.Store.RedisAddr)
	str("badger-path", &c.Store.BadgerPath)
	str("addr", &c.Server.Addr)
	if flags.Changed("allowed-origins") {
		c.Server.AllowedOrigins, _ = flags.GetStringSlice("allowed-origins")
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	st, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.WithError(err).Error("store close")
		}
	}()

	blobs, closeBlobs, err := openBlobs(ctx, cfg.Blobs)
	if err != nil {
		return err
	}
	defer closeBlobs()

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)
	for _, m := range session.Metrics {
		statsUpdater.RegisterMetric(m)
	}
	statsUpdater.Run()
	defer statsUpdater.Stop()

	rooms := room.NewManager(st, blobs, roomConfig(cfg), logger, nil)
	deps := session.Deps{
		Store:    st,
		Rooms:    rooms,
		Presence: presence.NewTracker(st, cfg.Sync.PresenceTTL, logger),
		Stats:    statsUpdater,
		Logger:   logger,
	}
	srv := api.NewApp(mux, deps, syncConfig(cfg), cfg.Server)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigs:
		logger.Infof("received signal: %s", sig)
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("server: %w", err)
		}
	}

	shutDownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		return err
	}

	logger.Info("shutdown complete")
	return runErr
}

func runGC(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	st, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	blobs, closeBlobs, err := openBlobs(ctx, cfg.Blobs)
	if err != nil {
		return err
	}
	defer closeBlobs()

	rooms := room.NewManager(st, blobs, roomConfig(cfg), logger, nil)
	collected, err := rooms.CollectGarbage(ctx, "")
	if err != nil {
		return fmt.Errorf("collect garbage: %w", err)
	}

	for _, code := range collected {
		fmt.Fprintln(cmd.OutOrStdout(), code)
	}
	logger.WithField("count", len(collected)).Info("garbage collection finished")
	return nil
}
