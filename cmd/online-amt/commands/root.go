// Package commands implements the online-amt command tree.
package commands

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/MeBadDev/online-amt/internal/model"
)

// Version is set at build time with -ldflags "-X ...commands.Version=...".
var Version = "dev"

var logLevel string

var rootCmd = &cobra.Command{
	Use:   "online-amt",
	Short: "Streaming automatic piano transcription",
	Long: `online-amt turns piano audio into MIDI note events while it plays.

The serve command runs the WebSocket streaming server. The transcribe command
processes WAV files offline with the same streaming pipeline.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override: debug, info, warn or error")
	rootCmd.AddCommand(serveCmd, transcribeCmd, checkpointCmd, versionCmd)
}

// newLogger builds the stderr text logger. level controls the minimum level
// and may be changed later for hot reload.
func newLogger(level *slog.LevelVar) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// loadModel returns the network from a checkpoint file, or a seeded random
// network when path is empty.
func loadModel(path string, strict bool, h model.Hyper, seed uint64, log *slog.Logger) (*model.Model, error) {
	if path == "" {
		log.Warn("no checkpoint given, using randomly initialised weights", "seed", seed)
		return model.NewRandom(h, seed)
	}
	m, report, err := model.LoadFile(path, model.WithStrict(strict), model.WithLoadLogger(log))
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", path, err)
	}
	log.Debug("checkpoint loaded", "path", path, "tensors", len(report.Loaded))
	return m, nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "online-amt", Version)
	},
}
