package source

import (
	"context"
	"fmt"
	"math"

	"seriesview/internal/config"
	"seriesview/internal/errors"
)

// Synthetic generates amplitude*sin(frequency*t)+offset at every step
// from start to end inclusive. It stands in for a real store in demos and
// tests.
type Synthetic struct {
	step       float64
	amplitude  float64
	frequency  float64
	offset     float64
	maxSamples int
}

// DefaultSyntheticMaxSamples applies when the config leaves MaxSamples unset.
const DefaultSyntheticMaxSamples = 1000000

// NewSynthetic validates cfg. Zero amplitude and frequency default to 1.
func NewSynthetic(cfg config.SyntheticConfig) (*Synthetic, error) {
	if cfg.Step <= 0 || math.IsNaN(cfg.Step) || math.IsInf(cfg.Step, 0) {
		return nil, errors.ErrInvalidConfiguration.WithDetails("synthetic step must be positive and finite")
	}
	s := &Synthetic{
		step:       cfg.Step,
		amplitude:  cfg.Amplitude,
		frequency:  cfg.Frequency,
		offset:     cfg.Offset,
		maxSamples: cfg.MaxSamples,
	}
	if s.amplitude == 0 {
		s.amplitude = 1
	}
	if s.frequency == 0 {
		s.frequency = 1
	}
	if s.maxSamples < 0 {
		return nil, errors.ErrInvalidConfiguration.WithDetails("synthetic max_samples must not be negative")
	}
	if s.maxSamples == 0 {
		s.maxSamples = DefaultSyntheticMaxSamples
	}
	return s, nil
}

func (s *Synthetic) Name() string { return TypeSynthetic }

// Fetch ignores id; every series sees the same waveform. Ranges that would
// produce more than maxSamples samples are rejected with INVALID_RANGE.
func (s *Synthetic) Fetch(ctx context.Context, id string, start, end float64) ([]Sample, error) {
	if end < start {
		return nil, errors.ErrInvalidRange
	}
	span := math.Floor((end - start) / s.step)
	if math.IsNaN(span) || math.IsInf(span, 0) || span >= float64(s.maxSamples) {
		return nil, errors.ErrInvalidRange.WithDetails(
			fmt.Sprintf("range [%g, %g] exceeds %d synthetic samples", start, end, s.maxSamples))
	}
	return observe(TypeSynthetic, func() ([]Sample, error) {
		n := int(span) + 1
		out := make([]Sample, 0, n)
		for i := 0; i < n; i++ {
			if i%4096 == 0 && ctx.Err() != nil {
				return nil, ctx.Err()
			}
			t := start + float64(i)*s.step
			out = append(out, Sample{Timestamp: t, Value: s.Value(t)})
		}
		return out, nil
	})
}

// Value is the waveform at t.
func (s *Synthetic) Value(t float64) float64 {
	return s.amplitude*math.Sin(s.frequency*t) + s.offset
}
