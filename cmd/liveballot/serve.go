package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/vango-dev/liveballot/internal/config"
	"github.com/vango-dev/liveballot/internal/errors"
	"github.com/vango-dev/liveballot/pkg/archive"
	"github.com/vango-dev/liveballot/pkg/server"
)

type serveOptions struct {
	configPath string
	envFile    string
	addr       string
}

func serveCmd() *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the ballot server",
		Long: `Start the ballot server.

Configuration is read from --config (YAML) when given, then overridden
by LIVEBALLOT_* environment variables. A .env file in the working
directory is loaded first if present; use --env-file to name another.
Run "liveballot env" for the list of variables.

Examples:
  liveballot serve
  liveballot serve --config config/liveballot.yaml
  liveballot serve --addr :9000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "Path to a YAML config file")
	cmd.Flags().StringVar(&opts.envFile, "env-file", "", "Load environment variables from this file")
	cmd.Flags().StringVarP(&opts.addr, "addr", "a", "", "Listen address (overrides server.address)")

	return cmd
}

func runServe(ctx context.Context, opts serveOptions) error {
	if opts.envFile != "" {
		if err := godotenv.Load(opts.envFile); err != nil {
			return errors.New("E110").WithField(opts.envFile).Wrap(err)
		}
	} else {
		// A missing .env is the common case.
		_ = godotenv.Load()
	}

	srv, err := buildServer(opts)
	if err != nil {
		return err
	}
	if err := srv.Run(ctx); err != nil {
		return errors.FromError(err, "E200")
	}
	return nil
}

// buildServer turns the loaded configuration into a server ready to Run.
func buildServer(opts serveOptions) (*server.Server, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.addr != "" {
		cfg.Server.Address = opts.addr
	}

	logger := cfg.NewLogger(os.Stderr)
	slog.SetDefault(logger)

	sc, err := cfg.ServerConfig()
	if err != nil {
		return nil, err
	}
	sc.Logger = logger

	archiver, err := newArchiver(cfg, logger)
	if err != nil {
		return nil, err
	}
	sc.Archiver = archiver

	return server.New(sc), nil
}

// newArchiver logs every closed ballot and, when a bucket is configured,
// also stores it in S3.
func newArchiver(cfg *config.Config, logger *slog.Logger) (archive.Archiver, error) {
	logArchiver := archive.LogArchiver{Logger: logger.With("component", "archive")}

	s3cfg := cfg.S3()
	if !s3cfg.Enabled() {
		return logArchiver, nil
	}
	client, err := archive.NewS3Client(s3cfg)
	if err != nil {
		return nil, errors.New("E201").WithField("archive.s3").Wrap(err)
	}
	logger.Info("archiving closed ballots to s3",
		"bucket", s3cfg.Bucket,
		"prefix", s3cfg.Prefix,
		"region", s3cfg.Region)
	return archive.Multi{logArchiver, archive.NewS3Archiver(client, s3cfg.Bucket, s3cfg.Prefix)}, nil
}
