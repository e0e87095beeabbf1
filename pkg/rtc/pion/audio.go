package pion

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"layeh.com/gopus"

	"github.com/feldgren/voxwire/pkg/rtc"
)

// The realtime provider negotiates 48 kHz stereo Opus at 20 ms frames.
const (
	opusSampleRate  = 48000
	opusChannels    = 2
	opusFrameSizeMs = 20
	// opusFrameSize is the number of samples per channel per 20 ms frame.
	opusFrameSize = opusSampleRate * opusFrameSizeMs / 1000 // 960
	// maxOpusPacket bounds the encoded packet size handed to the encoder.
	maxOpusPacket = 4000
)

// pumpOutbound encodes captured PCM frames to Opus and writes them to the
// outbound track until the frame stream or ctx ends.
func pumpOutbound(ctx context.Context, frames <-chan rtc.Frame, track *webrtc.TrackLocalStaticSample) {
	enc, err := gopus.NewEncoder(opusSampleRate, opusChannels, gopus.Audio)
	if err != nil {
		slog.Error("pion: create opus encoder", "err", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			packet, err := enc.Encode(frame.PCM, opusFrameSize, maxOpusPacket)
			if err != nil {
				slog.Warn("pion: opus encode failed, frame dropped", "err", err)
				continue
			}
			sample := media.Sample{Data: packet, Duration: opusFrameSizeMs * time.Millisecond}
			if err := track.WriteSample(sample); err != nil {
				slog.Warn("pion: track write failed", "err", err)
			}
		}
	}
}

// handleRemoteTrack decodes the model's Opus audio and hands PCM frames to
// the configured sink. Each remote track gets its own decoder to keep
// decoder state coherent across consecutive packets.
func (t *Transport) handleRemoteTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	if track.Codec().MimeType != webrtc.MimeTypeOpus {
		slog.Debug("pion: ignoring non-opus remote track", "mime", track.Codec().MimeType)
		return
	}

	dec, err := gopus.NewDecoder(opusSampleRate, opusChannels)
	if err != nil {
		slog.Error("pion: create opus decoder", "err", err)
		return
	}

	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				slog.Debug("pion: remote track read ended", "err", err)
			}
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		pcm, err := dec.Decode(pkt.Payload, opusFrameSize, false)
		if err != nil {
			slog.Debug("pion: opus decode failed, packet dropped", "err", err)
			continue
		}
		if err := t.sink.Play(rtc.Frame{PCM: pcm, SampleRate: opusSampleRate, Channels: opusChannels}); err != nil {
			slog.Debug("pion: sink rejected frame", "err", err)
		}
	}
}
