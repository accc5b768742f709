// Package rtc wraps pion into the peer-negotiation capability. One PeerLink
// serves exactly one session; a new session gets a new link after the old one
// is closed.
package rtc

import (
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/roulette-chat/roulette/internal/core"
	"github.com/roulette-chat/roulette/internal/domain"
)

type PeerLink struct {
	pc  *webrtc.PeerConnection
	sid domain.SessionID

	mu        sync.Mutex
	remoteSet bool
	pending   []webrtc.ICECandidateInit
	closed    bool

	onICE       func(webrtc.ICECandidateInit)
	onConnected func()
	onClosed    func()
}

var _ core.PeerLink = (*PeerLink)(nil)

func Configuration(stunServers []string) webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: stunServers}},
	}
}

// NewFactory returns the PeerLinkFactory the orchestrator consumes.
func NewFactory(stunServers []string) core.PeerLinkFactory {
	cfg := Configuration(stunServers)
	return func(sid domain.SessionID) (core.PeerLink, error) {
		return NewPeerLink(cfg, sid)
	}
}

func NewPeerLink(cfg webrtc.Configuration, sid domain.SessionID) (*PeerLink, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	l := &PeerLink{pc: pc, sid: sid}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		l.mu.Lock()
		fn := l.onICE
		l.mu.Unlock()
		if fn != nil {
			fn(cand.ToJSON())
		}
	})

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "rtc").Str("sid", string(sid)).Str("ice_state", s.String()).Msg("ICE state")
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "rtc").Str("sid", string(sid)).Str("peer_connection_state", s.String()).Msg("Peer state")
		switch s {
		case webrtc.PeerConnectionStateConnected:
			l.mu.Lock()
			fn := l.onConnected
			l.mu.Unlock()
			if fn != nil {
				fn()
			}
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			l.fireClosed()
		}
	})

	return l, nil
}

func (l *PeerLink) SessionID() domain.SessionID { return l.sid }

func (l *PeerLink) OnLocalCandidate(fn func(webrtc.ICECandidateInit)) {
	l.mu.Lock()
	l.onICE = fn
	l.mu.Unlock()
}

func (l *PeerLink) OnConnected(fn func()) {
	l.mu.Lock()
	l.onConnected = fn
	l.mu.Unlock()
}

func (l *PeerLink) OnClosed(fn func()) {
	l.mu.Lock()
	l.onClosed = fn
	l.mu.Unlock()
}

// AttachMedia adds every local track before negotiation starts so the offer
// carries the media sections.
func (l *PeerLink) AttachMedia(h core.MediaHandle) error {
	for _, track := range h.Tracks() {
		if _, err := l.pc.AddTrack(track); err != nil {
			return err
		}
	}
	return nil
}

func (l *PeerLink) CreateOffer() (*webrtc.SessionDescription, error) {
	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return nil, err
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return nil, err
	}
	return l.pc.LocalDescription(), nil
}

func (l *PeerLink) AcceptOffer(offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	if err := l.setRemote(offer); err != nil {
		return nil, err
	}
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return nil, err
	}
	return l.pc.LocalDescription(), nil
}

func (l *PeerLink) AcceptAnswer(answer webrtc.SessionDescription) error {
	return l.setRemote(answer)
}

func (l *PeerLink) setRemote(desc webrtc.SessionDescription) error {
	if err := l.pc.SetRemoteDescription(desc); err != nil {
		return err
	}

	l.mu.Lock()
	l.remoteSet = true
	queued := l.pending
	l.pending = nil
	l.mu.Unlock()

	for _, ci := range queued {
		if err := l.pc.AddICECandidate(ci); err != nil {
			log.Warn().Str("module", "rtc").Str("sid", string(l.sid)).Err(err).Msg("queued candidate rejected")
		}
	}
	return nil
}

// AddRemoteCandidate queues candidates that trickle in before the remote
// description is installed.
func (l *PeerLink) AddRemoteCandidate(ci webrtc.ICECandidateInit) error {
	l.mu.Lock()
	if !l.remoteSet {
		l.pending = append(l.pending, ci)
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()
	return l.pc.AddICECandidate(ci)
}

// OnTrack exposes remote media to the application layer.
func (l *PeerLink) OnTrack(fn func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)) {
	l.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		log.Info().Str("module", "rtc").Str("sid", string(l.sid)).
			Str("kind", track.Kind().String()).Msg("remote track")
		fn(track, receiver)
	})
}

func (l *PeerLink) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.mu.Unlock()

	if err := l.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "rtc").Str("sid", string(l.sid)).Msg("close error")
	} else {
		log.Info().Str("module", "rtc").Str("sid", string(l.sid)).Msg("closed")
	}
}

func (l *PeerLink) fireClosed() {
	l.mu.Lock()
	fn := l.onClosed
	l.mu.Unlock()
	if fn != nil {
		fn()
	}
}
