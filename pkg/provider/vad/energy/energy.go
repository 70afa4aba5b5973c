// Package energy provides a dependency-free reference vad.Model based on
// frame energy. It is meant for development and tests; production deployments
// should plug in a trained model behind the same contract.
package energy

import (
	"errors"
	"math"

	"github.com/parley-ai/parley/pkg/provider/vad"
)

// defaultPivot is the RMS value that maps to probability 0.5. Normalized
// speech typically lands well above it, room noise well below.
const defaultPivot = 0.02

// Compile-time assertion that Model implements vad.Model.
var _ vad.Model = (*Model)(nil)

// Option is a functional option for configuring the energy Model.
type Option func(*Model)

// WithPivot sets the RMS value that maps to probability 0.5. Raise it for
// noisy inputs, lower it for quiet microphones. Must be positive.
func WithPivot(pivot float64) Option {
	return func(m *Model) {
		m.pivot = pivot
	}
}

// Model scores frames by root-mean-square energy squashed into [0, 1).
// The mapping is rms / (rms + pivot): zero energy scores 0, energy at the
// pivot scores exactly 0.5, and the score approaches 1 as energy grows.
type Model struct {
	pivot float64
}

// New creates an energy Model with the default pivot.
func New(opts ...Option) (*Model, error) {
	m := &Model{pivot: defaultPivot}
	for _, o := range opts {
		o(m)
	}
	if m.pivot <= 0 {
		return nil, errors.New("energy: pivot must be positive")
	}
	return m, nil
}

// Predict implements vad.Model.
func (m *Model) Predict(frame []float32) (float64, error) {
	if len(frame) == 0 {
		return 0, errors.New("energy: empty frame")
	}
	var sum float64
	for _, s := range frame {
		sum += float64(s) * float64(s)
	}
	rms := math.Sqrt(sum / float64(len(frame)))
	return rms / (rms + m.pivot), nil
}

// Reset implements vad.Model. The energy model is stateless, so there is
// nothing to clear.
func (m *Model) Reset() {}
