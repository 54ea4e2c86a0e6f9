package commands

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/MeBadDev/online-amt/internal/model"
)

var (
	ckptSeed   uint64
	ckptConv   int
	ckptLSTM   int
	ckptStrict bool
)

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Create and inspect model checkpoints",
}

var checkpointInitCmd = &cobra.Command{
	Use:   "init OUT.msgpack",
	Short: "Write a checkpoint with seeded random weights",
	Long: `Write a checkpoint with seeded random weights.

Useful for exercising the server without trained weights. The same seed and
sizes always produce the same file.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := model.NewRandom(model.Hyper{ConvComplexity: ckptConv, LSTMComplexity: ckptLSTM}, ckptSeed)
		if err != nil {
			return err
		}
		if err := m.SaveFile(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d tensors, conv_complexity=%d, lstm_complexity=%d)\n",
			args[0], len(m.ParamNames()), ckptConv, ckptLSTM)
		return nil
	},
}

var checkpointInspectCmd = &cobra.Command{
	Use:   "inspect FILE.msgpack",
	Short: "Load a checkpoint and report what matched",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		level := new(slog.LevelVar)
		level.Set(slog.LevelError)
		m, report, err := model.LoadFile(args[0],
			model.WithStrict(ckptStrict),
			model.WithLoadLogger(newLogger(level)),
		)
		if err != nil {
			return err
		}
		h := m.Hyper()
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "conv_complexity: %d\n", h.ConvComplexity)
		fmt.Fprintf(out, "lstm_complexity: %d\n", h.LSTMComplexity)
		fmt.Fprintf(out, "loaded:          %d\n", len(report.Loaded))
		fmt.Fprintf(out, "skipped:         %d\n", len(report.Skipped))
		fmt.Fprintf(out, "mismatched:      %d\n", len(report.Mismatched))
		for _, name := range report.Mismatched {
			fmt.Fprintf(out, "  %s\n", name)
		}
		return nil
	},
}

func init() {
	f := checkpointInitCmd.Flags()
	f.Uint64Var(&ckptSeed, "seed", 0, "random seed")
	f.IntVar(&ckptConv, "conv-complexity", model.DefaultHyper().ConvComplexity, "convolution width multiplier")
	f.IntVar(&ckptLSTM, "lstm-complexity", model.DefaultHyper().LSTMComplexity, "recurrent width multiplier")
	checkpointInspectCmd.Flags().BoolVar(&ckptStrict, "strict", false, "fail on missing or mismatched tensors")

	checkpointCmd.AddCommand(checkpointInitCmd, checkpointInspectCmd)
}
