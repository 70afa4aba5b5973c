package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use this to prevent goroutine leaks when the data on a streaming channel
// is not needed (e.g., an adaptor's inbound frames after a turn was
// cancelled, or a TTS chunk stream a test only counts).
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
