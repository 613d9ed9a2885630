package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/analysis"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/logging"
	"github.com/loqalabs/loqa-scribe/internal/runtime"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var Version = "0.1.0-dev"

var (
	// Access these variables only from a main package:

	Root = &cobra.Command{
		Use:           "scribed",
		Short:         "Live transcript session controller",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	Serve = &cobra.Command{
		Use:   "serve",
		Short: "Run the session controller with its HTTP control surface",
		Args:  cobra.ExactArgs(0),
		RunE:  serve,
	}

	Replay = &cobra.Command{
		Use:   "replay <file.wav>",
		Short: "Run one recording of a WAV file through an offline session and print the transcript",
		Args:  cobra.ExactArgs(1),
		RunE:  replay,
	}

	VersionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.ExactArgs(0),
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), Version)
		},
	}
)

func init() {
	Root.AddCommand(Serve)
	Root.AddCommand(Replay)
	Root.AddCommand(VersionCmd)

	Root.PersistentFlags().String("config", "scribe.yaml", "path to the configuration file (optional)")
	Root.PersistentFlags().String("log-level", "", "override telemetry.log_level")

	Replay.Flags().String("provider", "mock", "recognition provider label for the session")
	Replay.Flags().Duration("settle", 0, "time to wait for trailing results after capture ends (default endpoint + 2s)")
	Replay.Flags().Bool("json", false, "print the transcript and analyses as JSON")
	Replay.Flags().Bool("analysis", true, "run the development analyzer")
	Replay.Flags().Duration("window", 0, "override session.window_ms for the replay")
}

func load(cmd *cobra.Command) (config.Config, zerolog.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	if path != "" {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) && !cmd.Flags().Changed("config") {
			path = ""
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, zerolog.Nop(), err
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Telemetry.LogLevel = level
	}
	logger := logging.New(logging.Config{
		Level:  cfg.Telemetry.LogLevel,
		Format: cfg.Telemetry.LogFormat,
	}, os.Stderr)
	return cfg, logger, nil
}

func serve(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := load(cmd)
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "failed to load config: %v\n", err)
		return err
	}
	rt := runtime.New(cfg, logger)
	if err := rt.Start(cmd.Context()); err != nil {
		logger.Error().Err(err).Msg("runtime exited with error")
		return err
	}
	logger.Info().Msg("shutdown complete")
	return nil
}

func replay(cmd *cobra.Command, args []string) error {
	cfg, logger, err := load(cmd)
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "failed to load config: %v\n", err)
		return err
	}

	// offline: private bus, random ports, local recognizer
	cfg.Bus.Embedded = true
	cfg.Bus.Port = -1
	cfg.HTTP.Port = 0
	cfg.Telemetry.PrometheusBind = ""
	cfg.STT.Enabled = true
	cfg.LLM.Enabled, _ = cmd.Flags().GetBool("analysis")

	if window, _ := cmd.Flags().GetDuration("window"); window > 0 {
		cfg.Session.WindowMS = int(window / time.Millisecond)
	}
	cfg.Session.ForceRotateOnTimeout = true

	provider, _ := cmd.Flags().GetString("provider")
	settle, _ := cmd.Flags().GetDuration("settle")
	if settle <= 0 {
		settle = time.Duration(cfg.STT.EndpointMS)*time.Millisecond + 2*time.Second
	}
	asJSON, _ := cmd.Flags().GetBool("json")

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	rt := runtime.New(cfg, logger)
	runErr := make(chan error, 1)
	go func() { runErr <- rt.Start(ctx) }()

	select {
	case <-rt.Ready():
	case err := <-runErr:
		return fmt.Errorf("runtime failed to start: %w", err)
	}

	result, replayErr := runtime.Replay(ctx, rt.Controller(), args[0], provider, settle)
	cancel()
	if err := <-runErr; err != nil {
		logger.Warn().Err(err).Msg("runtime shutdown")
	}
	if replayErr != nil && result.Transcript == "" {
		return replayErr
	}

	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			return err
		}
		return replayErr
	}
	fmt.Fprintln(out, result.Transcript)
	for _, entry := range result.Blocks {
		for _, variant := range []analysis.Variant{analysis.Original, analysis.Document} {
			if r, ok := entry.Results[variant]; ok {
				fmt.Fprintf(out, "\n[%s %s %s]\n%s\n", entry.Block.ID, variant, r.Agent, r.Text)
			}
		}
	}
	return replayErr
}
