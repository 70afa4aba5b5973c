// Package vad defines the speech-probability model contract used by the
// voice activity gate.
//
// A Model scores individual audio frames; it does not decide when speech
// starts or ends. The confirmation and redemption state machine that turns
// per-frame probabilities into utterance boundaries lives in the gate, so a
// model implementation only needs to answer "how much does this frame sound
// like speech" and to clear whatever recurrent state it keeps between
// utterances.
package vad

// Model scores audio frames with a speech probability.
//
// Frames are 10 ms of 16 kHz mono audio (160 samples) with values normalized
// to [-1, 1]. A Model is used from a single goroutine; implementations that
// keep recurrent state (e.g., neural models) do not need internal locking.
type Model interface {
	// Predict returns the speech probability of the frame in [0, 1].
	Predict(frame []float32) (float64, error)

	// Reset clears accumulated state so the next frame is scored as the
	// start of a fresh stream. The gate calls this after each utterance.
	Reset()
}
