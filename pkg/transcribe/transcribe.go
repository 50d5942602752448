// Package transcribe defines the speech-to-text contract the control task
// uses to obtain partial transcripts for finalized speech segments.
// Transcription is best-effort: the classifier falls back to duration and
// confidence heuristics when no transcript arrives in time.
package transcribe

import "context"

// Provider transcribes one finalized speech segment at a time.
type Provider interface {
	// Transcribe converts mono 16 kHz float32 samples to text in the given
	// BCP-47 language. An empty string with nil error means no speech was
	// recognized.
	Transcribe(ctx context.Context, samples []float32, language string) (string, error)

	// Close releases the provider's resources.
	Close() error
}
