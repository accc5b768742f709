// Package media provides the local capture capability behind an opaque
// handle. Device access itself lives outside this repository; the static
// source here exposes placeholder RTP tracks so negotiation carries real
// media sections, and it is what the CLI and tests run with.
package media

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/roulette-chat/roulette/internal/core"
	"github.com/roulette-chat/roulette/internal/domain"
)

// Handle owns the acquired tracks. Stop releases them exactly once; the
// per-kind toggles survive until then.
type Handle struct {
	tracks []webrtc.TrackLocal

	mu    sync.Mutex
	audio bool
	video bool
	once  sync.Once
}

var _ core.MediaHandle = (*Handle)(nil)

func (h *Handle) Tracks() []webrtc.TrackLocal { return h.tracks }

func (h *Handle) SetAudioEnabled(on bool) {
	h.mu.Lock()
	h.audio = on
	h.mu.Unlock()
}

func (h *Handle) SetVideoEnabled(on bool) {
	h.mu.Lock()
	h.video = on
	h.mu.Unlock()
}

func (h *Handle) AudioEnabled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.audio
}

func (h *Handle) VideoEnabled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.video
}

// Stop is idempotent; concurrent callers release the capture exactly once.
func (h *Handle) Stop() {
	h.once.Do(func() {
		log.Info().Str("module", "media").Int("tracks", len(h.tracks)).Msg("capture stopped")
	})
}

// StaticSource builds handles backed by static sample tracks.
type StaticSource struct{}

var _ core.MediaSource = (*StaticSource)(nil)

func NewStaticSource() *StaticSource { return &StaticSource{} }

func (s *StaticSource) Acquire(ctx context.Context, mode domain.ChatMode) (core.MediaHandle, error) {
	h := &Handle{audio: true, video: true}
	if mode != domain.ModeVideo {
		return h, nil
	}

	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "roulette")
	if err != nil {
		return nil, wrapMediaErr(err)
	}
	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "roulette")
	if err != nil {
		return nil, wrapMediaErr(err)
	}
	h.tracks = []webrtc.TrackLocal{audio, video}
	log.Info().Str("module", "media").Msg("capture acquired")
	return h, nil
}

type mediaErr struct{ err error }

func (e *mediaErr) Error() string { return "media: " + e.err.Error() }
func (e *mediaErr) Unwrap() error { return core.ErrMediaAccess }

func wrapMediaErr(err error) error { return &mediaErr{err} }
