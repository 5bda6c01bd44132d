package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/immxrtalbeast/guest_signaling/internal/app"
	"github.com/immxrtalbeast/guest_signaling/internal/config"
	"github.com/immxrtalbeast/guest_signaling/lib/logger/sl"
	"github.com/immxrtalbeast/guest_signaling/lib/logger/slogpretty"
)

func main() {
	_ = godotenv.Load(".env")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := buildRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	var configPath string

	serve := buildServeCmd(&configPath)
	root := &cobra.Command{
		Use:           "guest-signaling",
		Short:         "Guest call signaling coordinator",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serve.RunE,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config (default $CONFIG_PATH)")
	root.AddCommand(serve, buildPurgeCmd(&configPath))

	return root
}

func buildServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the signaling server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := bootstrap(*configPath)
			if err != nil {
				return err
			}

			a, err := app.New(cfg, log)
			if err != nil {
				log.Error("failed to build application", sl.Err(err))
				return err
			}

			log.Info("starting application",
				slog.String("env", cfg.Env),
				slog.String("instance_id", cfg.InstanceID),
			)
			if err := a.Run(cmd.Context()); err != nil {
				log.Error("application stopped", sl.Err(err))
				return err
			}
			return nil
		},
	}
}

func buildPurgeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Remove stale guest state from the mirror store and peer services, then exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := bootstrap(*configPath)
			if err != nil {
				return err
			}

			a, err := app.New(cfg, log)
			if err != nil {
				log.Error("failed to build application", sl.Err(err))
				return err
			}
			defer a.Close()

			res, err := a.Purge(cmd.Context())
			if err != nil {
				log.Error("purge failed", sl.Err(err))
				return err
			}
			log.Info("purge finished",
				slog.Int("mirror_keys", res.MirrorKeys),
				slog.Int("peer_removed", res.PeerRemoved),
				slog.Int("peer_failures", res.PeerFailures),
			)
			return nil
		},
	}
}

func bootstrap(configPath string) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("cannot read config", sl.Err(err))
		return nil, nil, err
	}
	return cfg, setupLogger(cfg.Env), nil
}

const (
	envLocal = "local"
	envDev   = "dev"
	envProd  = "prod"
)

func setupLogger(env string) *slog.Logger {
	var log *slog.Logger

	switch env {
	case envLocal:
		log = setupPrettySlog()
	case envDev:
		log = slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}),
		)
	case envProd:
		log = slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}),
		)
	default:
		log = setupPrettySlog()
	}

	return log
}

func setupPrettySlog() *slog.Logger {
	opts := slogpretty.PrettyHandlerOptions{
		SlogOpts: &slog.HandlerOptions{
			Level: slog.LevelDebug,
		},
	}

	handler := opts.NewPrettyHandler(os.Stdout)

	return slog.New(handler)
}
