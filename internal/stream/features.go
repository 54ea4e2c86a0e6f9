package stream

import (
	"fmt"

	"github.com/MeBadDev/online-amt/internal/dsp"
	"github.com/MeBadDev/online-amt/internal/nn"
)

// FeatureCache keeps the most recent frames of the two cache points of the
// convolutional stack so that each step only runs every stage on the
// Context frames its newest output depends on.
//
// With Context k the first cache point holds 1+2(k-1) frames and the second
// 1+(k-1): exactly the history the following stages need to reproduce the
// whole-window computation for the newest frame.
type FeatureCache struct {
	net    Network
	layout Layout
	front  *nn.Tensor
	middle *nn.Tensor
}

// NewFeatureCache returns an empty cache. Bootstrap must run before Update.
func NewFeatureCache(net Network, layout Layout) *FeatureCache {
	return &FeatureCache{net: net, layout: layout}
}

// Bootstrap fills both caches by running the whole stack over the full
// spectrogram window and returns the feature vector of its newest frame.
func (c *FeatureCache) Bootstrap(mel *nn.Tensor) ([]float64, error) {
	if mel.T != c.layout.MelFrames {
		return nil, fmt.Errorf("stream: feature bootstrap: got %d mel frames, want %d", mel.T, c.layout.MelFrames)
	}
	front := c.net.ApplyStage(StageFront, mel)
	if front.T != c.layout.FrontFrames {
		return nil, fmt.Errorf("stream: feature bootstrap: front stage yields %d frames, want %d", front.T, c.layout.FrontFrames)
	}
	middle := c.net.ApplyStage(StageMiddle, front)
	if middle.T != c.layout.MiddleFrames {
		return nil, fmt.Errorf("stream: feature bootstrap: middle stage yields %d frames, want %d", middle.T, c.layout.MiddleFrames)
	}
	c.front, c.middle = front, middle
	return c.back()
}

// Update advances both caches by one frame using the newest Context frames
// of the spectrogram window and returns the new feature vector.
func (c *FeatureCache) Update(mel *nn.Tensor) ([]float64, error) {
	if c.front == nil {
		return nil, fmt.Errorf("stream: feature update: cache not bootstrapped")
	}
	k := c.layout.Context
	x := c.net.ApplyStage(StageFront, mel.Tail(k))
	if err := c.front.ShiftAppend(x); err != nil {
		return nil, fmt.Errorf("stream: feature update: front cache: %w", err)
	}
	y := c.net.ApplyStage(StageMiddle, c.front.Tail(k))
	if err := c.middle.ShiftAppend(y); err != nil {
		return nil, fmt.Errorf("stream: feature update: middle cache: %w", err)
	}
	return c.back()
}

func (c *FeatureCache) back() ([]float64, error) {
	out := c.net.ApplyStage(StageBack, c.middle)
	if out.T != 1 || out.F != c.net.Shape().FeatureSize {
		return nil, fmt.Errorf("stream: feature projection yields %v, want one frame of %d", out, c.net.Shape().FeatureSize)
	}
	return out.Data, nil
}

// BatchFeatures runs the whole non-incremental pipeline over a full ring
// window: every spectrogram frame and every stage are computed from scratch.
// It returns the feature vector of the newest frame, which the incremental
// path must reproduce.
func BatchFeatures(net Network, spec *dsp.Spectrogram, layout Layout, window []float64) ([]float64, error) {
	if len(window) != layout.Window {
		return nil, fmt.Errorf("stream: batch features: %d samples, want %d", len(window), layout.Window)
	}
	mel := nn.FromFrames(spec.Frames(window), layout.MelFrames, spec.Config().NumMels)
	return NewFeatureCache(net, layout).Bootstrap(mel)
}
