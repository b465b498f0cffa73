package main

import (
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-ingest-sink/internal/config"
	"github.com/JakeFAU/crawl-ingest-sink/internal/logging"
	"github.com/JakeFAU/crawl-ingest-sink/internal/server"
)

type runOptions struct {
	*rootOptions
	input string
	runID string
}

// newRunCmd creates the 'run' subcommand.
func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{rootOptions: root}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Ingest records until the input ends or a stop is requested",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runIngest(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.input, "input", "-", "NDJSON input file, - for stdin")
	cmd.Flags().StringVar(&opts.runID, "run-id", "", "run identifier stamped on records (default: random UUID)")
	return cmd
}

func runIngest(cmd *cobra.Command, opts *runOptions) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	runID := opts.runID
	if runID == "" {
		runID = uuid.NewString()
	}

	logger, err := logging.New(cfg.Logging.Development, zap.String("run_id", runID))
	if err != nil {
		return fmt.Errorf("logger init failed: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	input, closeInput, err := openInput(cmd, opts.input)
	if err != nil {
		return err
	}
	defer closeInput()

	app, err := server.Build(cmd.Context(), cfg, input, runID, logger)
	if err != nil {
		logger.Error("build failed", zap.Error(err))
		return err //nolint:wrapcheck
	}
	if err := app.Run(cmd.Context()); err != nil {
		logger.Error("run failed", zap.Error(err))
		return err //nolint:wrapcheck
	}
	return nil
}

func openInput(cmd *cobra.Command, path string) (io.Reader, func(), error) {
	if path == "" || path == "-" {
		return cmd.InOrStdin(), func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open input: %w", err)
	}
	return f, func() { _ = f.Close() }, nil
}
