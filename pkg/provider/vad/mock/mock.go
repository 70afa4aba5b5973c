// Package mock provides a configurable in-memory vad.Model for tests.
package mock

import (
	"github.com/parley-ai/parley/pkg/provider/vad"
)

// Compile-time assertion that Model implements vad.Model.
var _ vad.Model = (*Model)(nil)

// PredictCall records a single Predict invocation.
type PredictCall struct {
	// Frame is a copy of the samples passed to Predict.
	Frame []float32
}

// Model is a mock implementation of vad.Model. Configure the exported fields
// before use; invocations are recorded for later assertions.
type Model struct {
	// Probability is returned by Predict when PredictFunc is nil.
	Probability float64

	// Err, if non-nil, is returned by every Predict call.
	Err error

	// PredictFunc, when set, overrides the static Probability/Err pair.
	// call is the zero-based invocation count.
	PredictFunc func(frame []float32, call int) (float64, error)

	// PredictCalls records every Predict invocation in order.
	PredictCalls []PredictCall

	// ResetCallCount is the number of times Reset was called.
	ResetCallCount int
}

// Predict records the call and returns the configured result.
func (m *Model) Predict(frame []float32) (float64, error) {
	call := len(m.PredictCalls)
	cp := make([]float32, len(frame))
	copy(cp, frame)
	m.PredictCalls = append(m.PredictCalls, PredictCall{Frame: cp})

	if m.PredictFunc != nil {
		return m.PredictFunc(frame, call)
	}
	return m.Probability, m.Err
}

// Reset records the call by incrementing ResetCallCount.
func (m *Model) Reset() {
	m.ResetCallCount++
}

// ResetCalls clears all recorded call history.
func (m *Model) ResetCalls() {
	m.PredictCalls = nil
	m.ResetCallCount = 0
}
