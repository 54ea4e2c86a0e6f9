package mcpserver

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"slices"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.opentelemetry.io/otel/metric"

	"github.com/MeBadDev/online-amt/internal/notes"
	"github.com/MeBadDev/online-amt/internal/notestore"
	"github.com/MeBadDev/online-amt/internal/observe"
	"github.com/MeBadDev/online-amt/internal/stream"
	"github.com/MeBadDev/online-amt/pkg/audio"
)

// Tool names.
const (
	ToolTranscribe   = "transcribe_audio"
	ToolSessionNotes = "session_notes"
)

// encodingWAV selects a complete RIFF/WAVE file as the audio payload.
const encodingWAV = "wav"

// transcribeArgs is the input of the "transcribe_audio" tool.
type transcribeArgs struct {
	// Audio is the base64-encoded clip.
	Audio string `json:"audio" jsonschema:"base64-encoded audio clip"`

	// Encoding is one of pcm_s16le (default), f32le, opus or wav. A wav clip
	// carries its own rate and channel count.
	Encoding string `json:"encoding,omitempty" jsonschema:"pcm_s16le, f32le, opus or wav; default pcm_s16le"`

	// SampleRate of raw clips in Hz. Defaults to 16000.
	SampleRate int `json:"sample_rate,omitempty" jsonschema:"sample rate of raw audio in Hz; default 16000"`

	// Channels of raw clips. Defaults to 1.
	Channels int `json:"channels,omitempty" jsonschema:"interleaved channel count of raw audio; default 1"`
}

// transcribeResult is the output of the "transcribe_audio" tool.
type transcribeResult struct {
	// Events are the detected onsets and offsets in stream order.
	Events []notes.Event `json:"events"`

	// Seconds is the clip duration after conversion to the model rate.
	Seconds float64 `json:"seconds"`

	// Onsets and Offsets count the events by kind.
	Onsets  int `json:"onsets"`
	Offsets int `json:"offsets"`
}

// sessionNotesArgs is the input of the "session_notes" tool.
type sessionNotesArgs struct {
	// SessionID is the streaming session to read.
	SessionID string `json:"session_id" jsonschema:"id returned in the ready message of a streaming session"`

	// Limit keeps only the most recent events when positive.
	Limit int `json:"limit,omitempty" jsonschema:"return at most this many recent events; 0 returns all"`
}

// sessionNotesResult is the output of the "session_notes" tool.
type sessionNotesResult struct {
	SessionID string        `json:"session_id"`
	Events    []notes.Event `json:"events"`
}

// decodeClip turns the tool payload into mono samples at rate.
func decodeClip(args transcribeArgs, rate int) ([]float32, error) {
	raw, err := base64.StdEncoding.DecodeString(args.Audio)
	if err != nil {
		return nil, fmt.Errorf("decode base64 audio: %w", err)
	}
	if len(raw) == 0 {
		return nil, errors.New("audio is empty")
	}

	if args.Encoding == encodingWAV {
		wav, err := audio.DecodeWAV(bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		return audio.Resample(wav.Mono(), wav.SampleRate, rate), nil
	}

	enc, err := audio.ParseEncoding(args.Encoding)
	if err != nil {
		return nil, err
	}
	format := audio.Format{
		SampleRate: max(args.SampleRate, 0),
		Channels:   max(args.Channels, 0),
		Encoding:   enc,
	}
	if format.SampleRate == 0 {
		format.SampleRate = rate
	}
	if format.Channels == 0 {
		format.Channels = 1
	}
	conv, err := audio.NewConverter(format, rate, nil)
	if err != nil {
		return nil, err
	}
	frame, err := conv.Convert(raw)
	if err != nil {
		return nil, err
	}
	return frame.Samples, nil
}

func (s *Server) transcribe(ctx context.Context, _ *mcpsdk.CallToolRequest, args transcribeArgs) (*mcpsdk.CallToolResult, transcribeResult, error) {
	var res transcribeResult
	start := time.Now()
	err := s.observeTool(ctx, ToolTranscribe, start, func() error {
		opts := append(slices.Clone(s.settings()), stream.WithMode(stream.ModeEvents), stream.WithLogger(s.log))
		tr, err := stream.New(s.net, opts...)
		if err != nil {
			return err
		}
		samples, err := decodeClip(args, tr.SampleRate())
		if err != nil {
			return err
		}
		seconds := float64(len(samples)) / float64(tr.SampleRate())
		if s.maxClip > 0 && seconds > s.maxClip.Seconds() {
			return fmt.Errorf("clip is %.1fs long, the limit is %s", seconds, s.maxClip)
		}

		events, err := notes.TranscribeClip(ctx, tr, samples, tr.Layout().Hop)
		if err != nil {
			return err
		}
		res = transcribeResult{Events: events, Seconds: seconds}
		if res.Events == nil {
			res.Events = []notes.Event{}
		}
		for _, e := range events {
			if e.Kind == notes.KindOnset {
				res.Onsets++
			} else {
				res.Offsets++
			}
		}
		return nil
	})
	if err != nil {
		return nil, transcribeResult{}, fmt.Errorf("%s: %w", ToolTranscribe, err)
	}
	s.log.Debug("mcp: clip transcribed",
		"seconds", res.Seconds,
		"events", len(res.Events),
		"elapsed", time.Since(start),
	)
	return nil, res, nil
}

func (s *Server) sessionNotes(ctx context.Context, _ *mcpsdk.CallToolRequest, args sessionNotesArgs) (*mcpsdk.CallToolResult, sessionNotesResult, error) {
	var res sessionNotesResult
	err := s.observeTool(ctx, ToolSessionNotes, time.Now(), func() error {
		if args.SessionID == "" {
			return errors.New("session_id is required")
		}
		events, err := s.store.List(ctx, args.SessionID, max(args.Limit, 0))
		if errors.Is(err, notestore.ErrNotFound) {
			events, err = []notes.Event{}, nil
		}
		if err != nil {
			s.metrics.RecordStoreError(ctx, s.driver, "list")
			return err
		}
		res = sessionNotesResult{SessionID: args.SessionID, Events: events}
		return nil
	})
	if err != nil {
		return nil, sessionNotesResult{}, fmt.Errorf("%s: %w", ToolSessionNotes, err)
	}
	return nil, res, nil
}

// observeTool runs fn and records its latency and outcome.
func (s *Server) observeTool(ctx context.Context, tool string, start time.Time, fn func() error) error {
	err := fn()
	status := "ok"
	if err != nil {
		status = "error"
		s.log.Warn("mcp: tool call failed", "tool", tool, "err", err)
	}
	s.metrics.ToolExecutionDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(observe.Attr("tool", tool), observe.Attr("status", status)))
	s.metrics.RecordToolCall(ctx, tool, status)
	return err
}
