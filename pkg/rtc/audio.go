package rtc

import (
	"context"
	"sync"
	"time"
)

// Frame is one chunk of interleaved PCM audio.
type Frame struct {
	// PCM holds interleaved signed 16-bit samples.
	PCM []int16

	// SampleRate in Hz.
	SampleRate int

	// Channels is 1 for mono, 2 for stereo.
	Channels int
}

// AudioSource supplies captured local audio to the outbound track.
// Start blocks until the capture device is acquired — on platforms with a
// permission prompt, that includes waiting for the user's grant.
type AudioSource interface {
	// Start begins capture and returns the frame stream. The stream is
	// closed when capture stops. The supplied ctx governs acquisition only.
	Start(ctx context.Context) (<-chan Frame, error)

	// Close stops capture and releases the device. Idempotent.
	Close() error
}

// AudioSink consumes decoded remote audio from the peer.
type AudioSink interface {
	// Play renders one frame. Implementations must not block indefinitely.
	Play(Frame) error
}

// SilenceSource is an [AudioSource] that emits silent frames at a steady
// 20 ms cadence. It stands in for a capture device on hosts without one,
// keeping the full negotiation and media pipeline exercisable.
type SilenceSource struct {
	sampleRate int
	channels   int

	mu     sync.Mutex
	cancel context.CancelFunc
	closed bool
}

// NewSilenceSource creates a SilenceSource producing 48 kHz stereo frames.
func NewSilenceSource() *SilenceSource {
	return &SilenceSource{sampleRate: 48000, channels: 2}
}

// Start begins emitting silent frames until Close is called or ctx expires.
func (s *SilenceSource) Start(ctx context.Context) (<-chan Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	const frameDur = 20 * time.Millisecond
	samples := s.sampleRate * s.channels / 50 // 20 ms worth

	out := make(chan Frame)
	go func() {
		defer close(out)
		ticker := time.NewTicker(frameDur)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				frame := Frame{
					PCM:        make([]int16, samples),
					SampleRate: s.sampleRate,
					Channels:   s.channels,
				}
				select {
				case out <- frame:
				case <-runCtx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close stops the frame stream.
func (s *SilenceSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}

// DiscardSink drops all remote audio. Useful on headless hosts.
type DiscardSink struct{}

// Play discards the frame.
func (DiscardSink) Play(Frame) error { return nil }
