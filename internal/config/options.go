package config

import (
	"log/slog"

	"github.com/MeBadDev/online-amt/internal/model"
	"github.com/MeBadDev/online-amt/internal/notes"
	"github.com/MeBadDev/online-amt/internal/stream"
)

// Hyper returns the network size for a randomly initialised model.
func (m ModelConfig) Hyper() model.Hyper {
	h := model.DefaultHyper()
	if m.ConvComplexity != 0 {
		h.ConvComplexity = m.ConvComplexity
	}
	if m.LSTMComplexity != 0 {
		h.LSTMComplexity = m.LSTMComplexity
	}
	return h
}

func (b *OnsetBiasConfig) bias() stream.OnsetBias {
	return stream.OnsetBias{Classes: b.Classes, Factor: b.Factor}
}

// Options translates s into session options. An invalid mode falls back to
// event output; [Validate] rejects it earlier.
func (s StreamConfig) Options(log *slog.Logger) []stream.Option {
	opts := []stream.Option{}
	if mode, err := stream.ParseMode(s.Mode); err == nil {
		opts = append(opts, stream.WithMode(mode))
	}
	if s.Threshold != nil {
		opts = append(opts, stream.WithThreshold(*s.Threshold))
	}
	if s.Patience != nil {
		opts = append(opts, stream.WithPatience(*s.Patience))
	}
	if s.OnsetBias != nil {
		opts = append(opts, stream.WithOnsetBias(s.OnsetBias.bias()))
	}
	if log != nil {
		opts = append(opts, stream.WithLogger(log))
	}
	return opts
}

// HistoryLimit returns the note history bound.
func (s StreamConfig) HistoryLimit() int {
	if s.History > 0 {
		return s.History
	}
	return notes.DefaultHistory
}
