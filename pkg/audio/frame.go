// Package audio provides the frame types and PCM utilities shared by every
// stage of the duplex pipeline: fixed-size frame normalization, sample-format
// conversion, resampling of the playback reference, Opus packet decoding for
// compressed uplinks, and WAV file ingestion for offline replay.
//
// Frames are the atomic unit of audio transport. A [Frame] is passed by value
// between pipeline stages; a stage must not retain the sample slice beyond the
// call that delivered it.
package audio

import "time"

// DefaultFrameSize is the number of samples per pipeline frame. 512 samples at
// 16 kHz is 32 ms — the chunk size the neural estimator's model topology
// requires, so the whole pipeline frames at this granularity.
const DefaultFrameSize = 512

// DefaultSampleRate is the pipeline's internal sample rate in Hz. All input
// audio is converted to mono at this rate before detection.
const DefaultSampleRate = 16000

// Frame is a fixed-length buffer of mono samples with a monotonically
// increasing sequence number and timestamp. The stage currently processing a
// Frame owns it exclusively; Samples is never aliased across stages.
type Frame struct {
	// Samples holds normalized mono samples in [-1, 1].
	Samples []float32

	// SampleRate in Hz.
	SampleRate int

	// Seq is the frame's position in the stream, starting at 0.
	Seq uint64

	// Timestamp is the capture time of the first sample, relative to stream
	// start. Derived from the sample count, so it is monotonic by construction.
	Timestamp time.Duration
}

// Duration returns the real-time length of the frame.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(f.SampleRate)
}

// End returns the timestamp just past the frame's last sample.
func (f Frame) End() time.Duration {
	return f.Timestamp + f.Duration()
}

// Normalizer re-frames arbitrarily sized PCM pushes into fixed-size frames
// with contiguous sequence numbers and timestamps. Leftover samples are
// carried across pushes. Create one per stream; not safe for concurrent use.
type Normalizer struct {
	frameSize  int
	sampleRate int

	pending []float32
	seq     uint64
	samples uint64 // total samples emitted, drives timestamps
}

// NewNormalizer creates a Normalizer producing frames of frameSize samples at
// sampleRate. Zero values select [DefaultFrameSize] and [DefaultSampleRate].
func NewNormalizer(frameSize, sampleRate int) *Normalizer {
	if frameSize <= 0 {
		frameSize = DefaultFrameSize
	}
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	return &Normalizer{
		frameSize:  frameSize,
		sampleRate: sampleRate,
		pending:    make([]float32, 0, frameSize),
	}
}

// Push appends samples and returns all complete frames now available. Each
// returned frame owns a fresh sample slice; the input slice is not retained.
func (n *Normalizer) Push(samples []float32) []Frame {
	if len(samples) == 0 {
		return nil
	}
	n.pending = append(n.pending, samples...)

	var frames []Frame
	for len(n.pending) >= n.frameSize {
		buf := make([]float32, n.frameSize)
		copy(buf, n.pending[:n.frameSize])
		n.pending = n.pending[:copy(n.pending, n.pending[n.frameSize:])]

		frames = append(frames, Frame{
			Samples:    buf,
			SampleRate: n.sampleRate,
			Seq:        n.seq,
			Timestamp:  time.Duration(n.samples) * time.Second / time.Duration(n.sampleRate),
		})
		n.seq++
		n.samples += uint64(n.frameSize)
	}
	return frames
}

// PushBytes decodes little-endian int16 PCM and pushes the samples.
// Odd trailing bytes are dropped (see [BytesToFloat32]).
func (n *Normalizer) PushBytes(pcm []byte) []Frame {
	return n.Push(BytesToFloat32(pcm))
}

// Pending returns the number of samples buffered but not yet emitted.
func (n *Normalizer) Pending() int { return len(n.pending) }

// Flush returns a final zero-padded frame containing any pending samples, or
// a zero Frame and false when nothing is buffered. Use at end of stream.
func (n *Normalizer) Flush() (Frame, bool) {
	if len(n.pending) == 0 {
		return Frame{}, false
	}
	buf := make([]float32, n.frameSize)
	copy(buf, n.pending)
	n.pending = n.pending[:0]

	f := Frame{
		Samples:    buf,
		SampleRate: n.sampleRate,
		Seq:        n.seq,
		Timestamp:  time.Duration(n.samples) * time.Second / time.Duration(n.sampleRate),
	}
	n.seq++
	n.samples += uint64(n.frameSize)
	return f, true
}
