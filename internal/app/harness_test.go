package app

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/roulette-chat/roulette/internal/config"
	"github.com/roulette-chat/roulette/internal/core"
	"github.com/roulette-chat/roulette/internal/domain"
)

// fakeChannel is an in-memory core.EventChannel. Deliver pushes an event
// through the registry the way the read pump would: sequentially, on the
// caller's goroutine.
type fakeChannel struct {
	mu                sync.Mutex
	connected         bool
	gen               uint64
	handlers          map[string]map[string]core.Handler
	emitted           []emittedEvent
	hooks             []func()
	connectErr        error
	announceOnConnect string
	onEmit            func(event string, payload any)
}

type emittedEvent struct {
	event   string
	payload any
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		handlers:          make(map[string]map[string]core.Handler),
		announceOnConnect: "user-1",
	}
}

func (f *fakeChannel) Connect(ctx context.Context) error {
	f.mu.Lock()
	if f.connectErr != nil {
		err := f.connectErr
		f.mu.Unlock()
		return err
	}
	if !f.connected {
		f.connected = true
		f.gen++
	}
	announce := f.announceOnConnect
	f.mu.Unlock()

	if announce != "" {
		f.deliver(core.EvIdentityAnnounce, core.IdentityAnnounce{UserID: announce})
	}
	return nil
}

func (f *fakeChannel) Disconnect() {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
}

func (f *fakeChannel) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeChannel) Generation() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gen
}

func (f *fakeChannel) OnReconnect(fn func()) {
	f.mu.Lock()
	f.hooks = append(f.hooks, fn)
	f.mu.Unlock()
}

func (f *fakeChannel) Subscribe(event, id string, fn core.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handlers[event] == nil {
		f.handlers[event] = make(map[string]core.Handler)
	}
	f.handlers[event][id] = fn
}

func (f *fakeChannel) Unsubscribe(event, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.handlers[event]; ok {
		delete(m, id)
		if len(m) == 0 {
			delete(f.handlers, event)
		}
	}
}

func (f *fakeChannel) UnsubscribeAll() {
	f.mu.Lock()
	f.handlers = make(map[string]map[string]core.Handler)
	f.mu.Unlock()
}

func (f *fakeChannel) SubscriptionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.handlers {
		n += len(m)
	}
	return n
}

func (f *fakeChannel) Emit(event string, payload any) error {
	f.mu.Lock()
	f.emitted = append(f.emitted, emittedEvent{event, payload})
	hook := f.onEmit
	f.mu.Unlock()
	if hook != nil {
		hook(event, payload)
	}
	return nil
}

func (f *fakeChannel) deliver(event string, payload any) {
	data, _ := json.Marshal(payload)
	f.mu.Lock()
	fns := make([]core.Handler, 0, len(f.handlers[event]))
	for _, fn := range f.handlers[event] {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(data)
	}
}

func (f *fakeChannel) emittedEvents(event string) []emittedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []emittedEvent
	for _, e := range f.emitted {
		if e.event == event {
			out = append(out, e)
		}
	}
	return out
}

// fireReconnect simulates the adapter's automatic reconnect.
func (f *fakeChannel) fireReconnect() {
	f.mu.Lock()
	f.connected = true
	f.gen++
	hooks := append([]func(){}, f.hooks...)
	f.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

type fakeAPI struct {
	mu           sync.Mutex
	startFn      func() (*core.PairingResult, error)
	lookupFn     func() (*core.PairingResult, error)
	sendErr      error
	sent         []string
	disconnects  []domain.SessionID
	onDisconnect func()
	startCalls   int
}

func (f *fakeAPI) Start(ctx context.Context, user domain.Identity, mode domain.ChatMode) (*core.PairingResult, error) {
	f.mu.Lock()
	f.startCalls++
	fn := f.startFn
	f.mu.Unlock()
	if fn == nil {
		return &core.PairingResult{SessionID: domain.SessionID(user), Status: "waiting"}, nil
	}
	return fn()
}

func (f *fakeAPI) SendMessage(ctx context.Context, sid domain.SessionID, user domain.Identity, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeAPI) Disconnect(ctx context.Context, sid domain.SessionID, user domain.Identity) error {
	f.mu.Lock()
	f.disconnects = append(f.disconnects, sid)
	hook := f.onDisconnect
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

func (f *fakeAPI) Lookup(ctx context.Context, user domain.Identity) (*core.PairingResult, error) {
	f.mu.Lock()
	fn := f.lookupFn
	f.mu.Unlock()
	if fn == nil {
		return &core.PairingResult{SessionID: domain.SessionID(user), Status: "waiting"}, nil
	}
	return fn()
}

func (f *fakeAPI) Block(ctx context.Context, user, blocked domain.Identity) error   { return nil }
func (f *fakeAPI) Report(ctx context.Context, a, b domain.Identity, r string) error { return nil }

func (f *fakeAPI) disconnectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.disconnects)
}

type fakeLink struct {
	mu          sync.Mutex
	sid         domain.SessionID
	closed      bool
	offerMade   bool
	answered    bool
	candidates  []webrtc.ICECandidateInit
	onConnected func()
	onTrack     func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
}

func (l *fakeLink) SessionID() domain.SessionID { return l.sid }

func (l *fakeLink) CreateOffer() (*webrtc.SessionDescription, error) {
	l.mu.Lock()
	l.offerMade = true
	l.mu.Unlock()
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}, nil
}

func (l *fakeLink) AcceptOffer(offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	l.mu.Lock()
	l.answered = true
	l.mu.Unlock()
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"}, nil
}

func (l *fakeLink) AcceptAnswer(answer webrtc.SessionDescription) error { return nil }

func (l *fakeLink) AddRemoteCandidate(ci webrtc.ICECandidateInit) error {
	l.mu.Lock()
	l.candidates = append(l.candidates, ci)
	l.mu.Unlock()
	return nil
}

func (l *fakeLink) OnLocalCandidate(fn func(webrtc.ICECandidateInit)) {}
func (l *fakeLink) OnConnected(fn func()) {
	l.mu.Lock()
	l.onConnected = fn
	l.mu.Unlock()
}
func (l *fakeLink) OnClosed(fn func())                   {}
func (l *fakeLink) AttachMedia(h core.MediaHandle) error { return nil }

func (l *fakeLink) OnTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	l.mu.Lock()
	l.onTrack = fn
	l.mu.Unlock()
}

func (l *fakeLink) fireTrack(track *webrtc.TrackRemote) {
	l.mu.Lock()
	fn := l.onTrack
	l.mu.Unlock()
	if fn != nil {
		fn(track, nil)
	}
}

func (l *fakeLink) Close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
}

func (l *fakeLink) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *fakeLink) connect() {
	l.mu.Lock()
	fn := l.onConnected
	l.mu.Unlock()
	if fn != nil {
		fn()
	}
}

type fakeMediaHandle struct {
	mu    sync.Mutex
	stops int
	audio bool
	video bool
}

func (h *fakeMediaHandle) Tracks() []webrtc.TrackLocal { return nil }
func (h *fakeMediaHandle) SetAudioEnabled(on bool)     { h.mu.Lock(); h.audio = on; h.mu.Unlock() }
func (h *fakeMediaHandle) SetVideoEnabled(on bool)     { h.mu.Lock(); h.video = on; h.mu.Unlock() }
func (h *fakeMediaHandle) AudioEnabled() bool          { h.mu.Lock(); defer h.mu.Unlock(); return h.audio }
func (h *fakeMediaHandle) VideoEnabled() bool          { h.mu.Lock(); defer h.mu.Unlock(); return h.video }
func (h *fakeMediaHandle) Stop()                       { h.mu.Lock(); h.stops++; h.mu.Unlock() }

func (h *fakeMediaHandle) stopCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stops
}

type fakeMediaSource struct {
	handle *fakeMediaHandle
	err    error
}

func (s *fakeMediaSource) Acquire(ctx context.Context, mode domain.ChatMode) (core.MediaHandle, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.handle, nil
}

type harness struct {
	client *Client
	ch     *fakeChannel
	api    *fakeAPI
	media  *fakeMediaHandle
	links  []*fakeLink
	linkMu sync.Mutex
}

func (h *harness) lastLink() *fakeLink {
	h.linkMu.Lock()
	defer h.linkMu.Unlock()
	if len(h.links) == 0 {
		return nil
	}
	return h.links[len(h.links)-1]
}

func testConfig() config.ClientConfig {
	return config.ClientConfig{
		ServerURL:       "http://test",
		IdentityTimeout: 200 * time.Millisecond,
		PairingRetries:  1,
		PairingBackoff:  time.Millisecond,
	}
}

func newHarness(t *testing.T, cfg config.ClientConfig) *harness {
	t.Helper()
	h := &harness{
		ch:    newFakeChannel(),
		api:   &fakeAPI{},
		media: &fakeMediaHandle{audio: true, video: true},
	}
	factory := func(sid domain.SessionID) (core.PeerLink, error) {
		l := &fakeLink{sid: sid}
		h.linkMu.Lock()
		h.links = append(h.links, l)
		h.linkMu.Unlock()
		return l, nil
	}
	h.client = New(cfg, h.ch, h.api, factory, &fakeMediaSource{handle: h.media})
	return h
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met: %s", msg)
}
