package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"runtime"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/MeBadDev/online-amt/internal/model"
	"github.com/MeBadDev/online-amt/internal/notes"
	"github.com/MeBadDev/online-amt/internal/stream"
	"github.com/MeBadDev/online-amt/pkg/audio"
)

type transcribeFlags struct {
	checkpoint string
	strict     bool
	seed       uint64
	conv       int
	lstm       int
	threshold  float64
	patience   int
	jobs       int
	json       bool
}

var tf transcribeFlags

var transcribeCmd = &cobra.Command{
	Use:   "transcribe FILE.wav...",
	Short: "Transcribe WAV files offline",
	Long: `Transcribe WAV files with the streaming pipeline.

Each file is converted to 16 kHz mono and fed to its own session in hop-sized
chunks, exactly as a live stream would be. Files are processed in parallel and
printed in argument order.

Examples:
  online-amt transcribe --checkpoint piano.msgpack etude.wav
  online-amt transcribe --checkpoint piano.msgpack --json a.wav b.wav`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		level := new(slog.LevelVar)
		level.Set(slog.LevelWarn)
		if logLevel != "" {
			if err := level.UnmarshalText([]byte(logLevel)); err != nil {
				return fmt.Errorf("invalid --log-level: %w", err)
			}
		}
		log := newLogger(level)

		m, err := loadModel(tf.checkpoint, tf.strict, model.Hyper{ConvComplexity: tf.conv, LSTMComplexity: tf.lstm}, tf.seed, log)
		if err != nil {
			return err
		}
		results, err := transcribeFiles(cmd.Context(), m, args, tf, log)
		if err != nil {
			return err
		}
		return writeResults(cmd.OutOrStdout(), results, tf.json)
	},
}

func init() {
	f := transcribeCmd.Flags()
	f.StringVar(&tf.checkpoint, "checkpoint", "", "model checkpoint (random weights when empty)")
	f.BoolVar(&tf.strict, "strict", false, "fail on missing or mismatched checkpoint tensors")
	f.Uint64Var(&tf.seed, "seed", 0, "seed for random weights")
	f.IntVar(&tf.conv, "conv-complexity", model.DefaultHyper().ConvComplexity, "convolution width multiplier for random weights")
	f.IntVar(&tf.lstm, "lstm-complexity", model.DefaultHyper().LSTMComplexity, "recurrent width multiplier for random weights")
	f.Float64Var(&tf.threshold, "threshold", stream.DefaultThreshold, "activity gate threshold")
	f.IntVar(&tf.patience, "patience", stream.DefaultPatience, "quiet steps before the gate suppresses inference")
	f.IntVarP(&tf.jobs, "jobs", "j", runtime.GOMAXPROCS(0), "files transcribed in parallel")
	f.BoolVar(&tf.json, "json", false, "print one JSON object per file")
}

// fileResult is the transcription of one input file.
type fileResult struct {
	File    string        `json:"file"`
	Seconds float64       `json:"seconds"`
	Events  []notes.Event `json:"events"`
}

func transcribeFiles(ctx context.Context, net stream.Network, paths []string, f transcribeFlags, log *slog.Logger) ([]fileResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	results := make([]fileResult, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(f.jobs, 1))
	for i, path := range paths {
		g.Go(func() error {
			res, err := transcribeFile(gctx, net, path, f, log)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func transcribeFile(ctx context.Context, net stream.Network, path string, f transcribeFlags, log *slog.Logger) (fileResult, error) {
	wav, err := audio.ReadWAVFile(path)
	if err != nil {
		return fileResult{}, err
	}
	tr, err := stream.New(net,
		stream.WithThreshold(f.threshold),
		stream.WithPatience(f.patience),
		stream.WithLogger(log.With("file", path)),
	)
	if err != nil {
		return fileResult{}, err
	}
	samples := audio.Resample(wav.Mono(), wav.SampleRate, tr.SampleRate())
	events, err := notes.TranscribeClip(ctx, tr, samples, tr.Layout().Hop)
	if err != nil {
		return fileResult{}, err
	}
	if events == nil {
		events = []notes.Event{}
	}
	log.Info("file transcribed", "file", path, "steps", tr.Steps(), "events", len(events))
	return fileResult{
		File:    path,
		Seconds: float64(len(samples)) / float64(tr.SampleRate()),
		Events:  events,
	}, nil
}

func writeResults(w io.Writer, results []fileResult, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		for _, r := range results {
			if err := enc.Encode(r); err != nil {
				return err
			}
		}
		return nil
	}
	for i, r := range results {
		if len(results) > 1 {
			if i > 0 {
				fmt.Fprintln(w)
			}
			fmt.Fprintf(w, "== %s (%.2fs) ==\n", r.File, r.Seconds)
		}
		for _, e := range r.Events {
			if _, err := fmt.Fprintln(w, e.String()); err != nil {
				return err
			}
		}
	}
	return nil
}
