package model

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

// ErrShapeMismatch is returned by strict loads when a checkpoint tensor does
// not match the shape of the parameter it names.
var ErrShapeMismatch = errors.New("model: shape mismatch")

// ErrInvalidCheckpoint is returned when a checkpoint cannot describe a network.
var ErrInvalidCheckpoint = errors.New("model: invalid checkpoint")

// skippedPrefixes name checkpoint entries that belong to the training-time
// spectrogram module; the streaming front end computes its own.
var skippedPrefixes = []string{"melspectrogram.stft."}

// Checkpoint is the on-disk model format: a MessagePack map carrying the
// architecture hyperparameters and a state dictionary of named tensors.
type Checkpoint struct {
	ConvComplexity int               `msgpack:"model_complexity_conv"`
	LSTMComplexity int               `msgpack:"model_complexity_lstm"`
	State          map[string]Tensor `msgpack:"model_state_dict"`
}

// Tensor is one named entry of a checkpoint's state dictionary.
type Tensor struct {
	Shape []int     `msgpack:"shape"`
	Data  []float32 `msgpack:"data"`
}

// LoadReport lists what a load did with each checkpoint entry.
type LoadReport struct {
	Loaded     []string
	Skipped    []string
	Mismatched []string
}

// LoadOption is a functional option for [Load].
type LoadOption func(*loadOptions)

type loadOptions struct {
	strict bool
	log    *slog.Logger
}

// WithStrict makes shape mismatches fail the load with [ErrShapeMismatch]
// instead of being skipped.
func WithStrict(strict bool) LoadOption {
	return func(o *loadOptions) { o.strict = strict }
}

// WithLoadLogger sets the logger that receives skip warnings.
func WithLoadLogger(l *slog.Logger) LoadOption {
	return func(o *loadOptions) { o.log = l }
}

// Load decodes a checkpoint and builds the network it describes.
//
// Entries the architecture does not contain and entries whose shape differs
// from the parameter they name are skipped with a warning; the parameter
// keeps its default value. Spectrogram buffers are skipped and reported at
// info level; batch-norm counters are skipped at debug level.
func Load(r io.Reader, opts ...LoadOption) (*Model, LoadReport, error) {
	o := loadOptions{log: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	var ck Checkpoint
	if err := msgpack.NewDecoder(bufio.NewReader(r)).Decode(&ck); err != nil {
		return nil, LoadReport{}, fmt.Errorf("model: decode checkpoint: %w", err)
	}
	h := Hyper{ConvComplexity: ck.ConvComplexity, LSTMComplexity: ck.LSTMComplexity}
	if err := h.Validate(); err != nil {
		return nil, LoadReport{}, fmt.Errorf("%w: %w", ErrInvalidCheckpoint, err)
	}
	m, err := New(h)
	if err != nil {
		return nil, LoadReport{}, err
	}

	var rep LoadReport
	for _, name := range slices.Sorted(maps.Keys(ck.State)) {
		t := ck.State[name]
		if spectrogramEntry(name) {
			o.log.Info("model: spectrogram buffer in checkpoint, skipping", "name", name)
			rep.Skipped = append(rep.Skipped, name)
			continue
		}
		if strings.HasSuffix(name, ".num_batches_tracked") {
			o.log.Debug("model: skipping batch-norm counter", "name", name)
			rep.Skipped = append(rep.Skipped, name)
			continue
		}
		p := m.Param(name)
		if p == nil {
			o.log.Warn("model: checkpoint entry not in architecture, skipping", "name", name)
			rep.Skipped = append(rep.Skipped, name)
			continue
		}
		if !p.SameShape(t.Shape) || len(t.Data) != p.Len() {
			if o.strict {
				return nil, rep, fmt.Errorf("model: load %s: checkpoint %v, architecture %v: %w", name, t.Shape, p.Shape, ErrShapeMismatch)
			}
			o.log.Warn("model: checkpoint shape mismatch, skipping",
				"name", name, "checkpoint_shape", t.Shape, "model_shape", p.Shape)
			rep.Mismatched = append(rep.Mismatched, name)
			continue
		}
		for i, v := range t.Data {
			p.Data[i] = float64(v)
		}
		rep.Loaded = append(rep.Loaded, name)
	}
	if missing := len(m.params) - len(rep.Loaded); missing > 0 {
		o.log.Warn("model: parameters left at defaults", "count", missing)
	}
	return m, rep, nil
}

// LoadFile opens path and calls [Load].
func LoadFile(path string, opts ...LoadOption) (*Model, LoadReport, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, LoadReport{}, fmt.Errorf("model: open checkpoint: %w", err)
	}
	defer f.Close()
	return Load(f, opts...)
}

// Checkpoint returns the network as a checkpoint value.
func (m *Model) Checkpoint() Checkpoint {
	ck := Checkpoint{
		ConvComplexity: m.hyper.ConvComplexity,
		LSTMComplexity: m.hyper.LSTMComplexity,
		State:          make(map[string]Tensor, len(m.params)),
	}
	for name, p := range m.params {
		data := make([]float32, p.Len())
		for i, v := range p.Data {
			data[i] = float32(v)
		}
		ck.State[name] = Tensor{Shape: append([]int(nil), p.Shape...), Data: data}
	}
	return ck
}

// Save encodes the network as a checkpoint.
func (m *Model) Save(w io.Writer) error {
	bw := bufio.NewWriter(w)
	enc := msgpack.NewEncoder(bw)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(m.Checkpoint()); err != nil {
		return fmt.Errorf("model: encode checkpoint: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("model: write checkpoint: %w", err)
	}
	return nil
}

// SaveFile writes the checkpoint to path, replacing any existing file.
func (m *Model) SaveFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("model: create checkpoint: %w", err)
	}
	if err := m.Save(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func spectrogramEntry(name string) bool {
	for _, p := range skippedPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}
