// Package server is the reference pairing service: the REST pairing API, the
// event channel endpoint and the matchmaking core the client package talks to.
package server

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/roulette-chat/roulette/internal/core"
	"github.com/roulette-chat/roulette/internal/domain"
)

const banThreshold = 5

// PairedSession is one live conversation between two visitors. Initiator is
// the user who was waiting when the match formed.
type PairedSession struct {
	ID         domain.SessionID
	Mode       domain.ChatMode
	Users      [2]domain.Identity
	Initiator  domain.Identity
	CreatedAt  time.Time
	LastActive time.Time
}

func (s *PairedSession) PartnerOf(user domain.Identity) (domain.Identity, bool) {
	switch user {
	case s.Users[0]:
		return s.Users[1], true
	case s.Users[1]:
		return s.Users[0], true
	}
	return "", false
}

type waiter struct {
	user  domain.Identity
	since time.Time
}

// Matchmaker owns the pairing state: registered profiles, per-mode waiting
// queues, live sessions and the moderation ledgers.
type Matchmaker struct {
	mu       sync.Mutex
	profiles map[domain.Identity]*domain.Profile
	waiting  map[domain.ChatMode][]waiter
	sessions map[domain.SessionID]*PairedSession
	byUser   map[domain.Identity]domain.SessionID
	blocks   map[domain.Identity]map[domain.Identity]bool
	reports  map[domain.Identity]map[domain.Identity]bool
	banned   map[domain.Identity]bool
}

func NewMatchmaker() *Matchmaker {
	return &Matchmaker{
		profiles: make(map[domain.Identity]*domain.Profile),
		waiting:  make(map[domain.ChatMode][]waiter),
		sessions: make(map[domain.SessionID]*PairedSession),
		byUser:   make(map[domain.Identity]domain.SessionID),
		blocks:   make(map[domain.Identity]map[domain.Identity]bool),
		reports:  make(map[domain.Identity]map[domain.Identity]bool),
		banned:   make(map[domain.Identity]bool),
	}
}

// Register creates or refreshes the profile for a connected visitor.
func (m *Matchmaker) Register(user domain.Identity) {
	m.mu.Lock()
	if _, ok := m.profiles[user]; !ok {
		m.profiles[user] = domain.NewProfile(user)
	}
	m.mu.Unlock()
}

func (m *Matchmaker) Registered(user domain.Identity) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.profiles[user]
	return ok
}

func (m *Matchmaker) Banned(user domain.Identity) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.banned[user]
}

// UpdateProfile merges the matching preferences a visitor pushed.
func (m *Matchmaker) UpdateProfile(user domain.Identity, p domain.Profile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.profiles[user]
	if !ok {
		return
	}
	if p.Interests != nil {
		cur.Interests = p.Interests
	}
	if p.Language != "" {
		cur.Language = p.Language
	}
	if p.Country != "" {
		cur.Country = p.Country
	}
	if p.AgeGroup != "" {
		cur.AgeGroup = p.AgeGroup
	}
	if p.Gender != "" {
		cur.Gender = p.Gender
	}
}

func (m *Matchmaker) SetQuality(user domain.Identity, quality string) {
	m.mu.Lock()
	if p, ok := m.profiles[user]; ok && quality != "" {
		p.ConnectionQuality = quality
	}
	m.mu.Unlock()
}

// score rates a candidate pairing; higher is better. Shared language weighs
// most, then age group, country and each common interest.
func score(a, b *domain.Profile) int {
	if a == nil || b == nil {
		return 0
	}
	s := 0
	if a.Language != "" && a.Language == b.Language {
		s += 50
	}
	if a.AgeGroup != "" && a.AgeGroup == b.AgeGroup {
		s += 20
	}
	if a.Country != "" && a.Country == b.Country {
		s += 15
	}
	for _, ai := range a.Interests {
		for _, bi := range b.Interests {
			if ai == bi {
				s += 10
			}
		}
	}
	return s
}

func (m *Matchmaker) blocked(a, b domain.Identity) bool {
	return m.blocks[a][b] || m.blocks[b][a]
}

// estimatedWait is a rough seconds guess for a freshly queued user: video
// pairings turn over slower than text ones.
func estimatedWait(mode domain.ChatMode, ahead int) int {
	perUser := 30
	if mode == domain.ModeVideo {
		perUser = 45
	}
	return perUser * (ahead + 1)
}

// Pair enqueues the user or matches them against the best waiting candidate.
// The waiting reply carries the user's own id as the provisional session id;
// the matched reply carries the real one. The waiting candidate becomes the
// session initiator.
func (m *Matchmaker) Pair(user domain.Identity, mode domain.ChatMode) (*core.PairingResult, *PairedSession) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// A repeated pairing request supersedes whatever the user had going.
	m.dropLocked(user)

	queue := m.waiting[mode]
	best, bestScore := -1, -1
	me := m.profiles[user]
	for i, w := range queue {
		if w.user == user || m.blocked(user, w.user) || m.banned[w.user] {
			continue
		}
		if s := score(me, m.profiles[w.user]); s > bestScore {
			best, bestScore = i, s
		}
	}

	if best < 0 {
		m.waiting[mode] = append(queue, waiter{user: user, since: time.Now()})
		return &core.PairingResult{
			SessionID:         domain.SessionID(user),
			Status:            "waiting",
			EstimatedWaitTime: estimatedWait(mode, len(queue)),
		}, nil
	}

	partner := queue[best].user
	m.waiting[mode] = append(queue[:best:best], queue[best+1:]...)

	sess := &PairedSession{
		ID:         domain.SessionID(uuid.NewString()),
		Mode:       mode,
		Users:      [2]domain.Identity{partner, user},
		Initiator:  partner,
		CreatedAt:  time.Now(),
		LastActive: time.Now(),
	}
	m.sessions[sess.ID] = sess
	m.byUser[partner] = sess.ID
	m.byUser[user] = sess.ID

	if p := m.profiles[partner]; p != nil {
		p.TotalSessions++
	}
	if me != nil {
		me.TotalSessions++
	}

	log.Info().Str("module", "server.match").Str("sid", string(sess.ID)).
		Str("user1", string(partner)).Str("user2", string(user)).
		Int("score", bestScore).Msg("paired")

	return &core.PairingResult{
		SessionID:      sess.ID,
		Status:         "matched",
		PartnerID:      partner,
		IsInitiator:    false,
		PartnerProfile: m.profileCopyLocked(partner),
	}, sess
}

// Touch validates session membership and bumps the idle clock.
func (m *Matchmaker) Touch(sid domain.SessionID, user domain.Identity) (*PairedSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sid]
	if !ok {
		return nil, false
	}
	if _, member := sess.PartnerOf(user); !member {
		return nil, false
	}
	sess.LastActive = time.Now()
	return sess, true
}

// End removes the session if the user belongs to it and returns it for
// partner notification.
func (m *Matchmaker) End(sid domain.SessionID, user domain.Identity) (*PairedSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sid]
	if !ok {
		return nil, false
	}
	if _, member := sess.PartnerOf(user); !member {
		return nil, false
	}
	m.removeSessionLocked(sess)
	return sess, true
}

// DropUser clears every trace of a departed visitor: waiting slots, the live
// session and, last, the profile. Returns the ended session, if any.
func (m *Matchmaker) DropUser(user domain.Identity) *PairedSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess := m.dropLocked(user)
	delete(m.profiles, user)
	return sess
}

func (m *Matchmaker) dropLocked(user domain.Identity) *PairedSession {
	for mode, queue := range m.waiting {
		for i, w := range queue {
			if w.user == user {
				m.waiting[mode] = append(queue[:i:i], queue[i+1:]...)
				break
			}
		}
	}
	sid, ok := m.byUser[user]
	if !ok {
		return nil
	}
	sess := m.sessions[sid]
	if sess != nil {
		m.removeSessionLocked(sess)
	}
	return sess
}

func (m *Matchmaker) removeSessionLocked(sess *PairedSession) {
	delete(m.sessions, sess.ID)
	delete(m.byUser, sess.Users[0])
	delete(m.byUser, sess.Users[1])
}

// Lookup answers the reconciliation read: the session of a user, if one
// exists, shaped exactly like the pairing reply.
func (m *Matchmaker) Lookup(user domain.Identity) *core.PairingResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	sid, ok := m.byUser[user]
	if !ok {
		return &core.PairingResult{Status: "waiting", SessionID: domain.SessionID(user)}
	}
	sess := m.sessions[sid]
	partner, _ := sess.PartnerOf(user)
	return &core.PairingResult{
		SessionID:      sess.ID,
		Status:         "matched",
		PartnerID:      partner,
		IsInitiator:    sess.Initiator == user,
		PartnerProfile: m.profileCopyLocked(partner),
	}
}

func (m *Matchmaker) Block(user, blocked domain.Identity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.blocks[user] == nil {
		m.blocks[user] = make(map[domain.Identity]bool)
	}
	m.blocks[user][blocked] = true
}

// Report files a complaint. Only distinct reporters count toward the ban
// threshold; the ban sticks for the process lifetime.
func (m *Matchmaker) Report(reporter, reported domain.Identity, reason string) (banned bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reports[reported] == nil {
		m.reports[reported] = make(map[domain.Identity]bool)
	}
	m.reports[reported][reporter] = true
	count := len(m.reports[reported])
	log.Info().Str("module", "server.match").Str("reporter", string(reporter)).
		Str("reported", string(reported)).Str("reason", reason).
		Int("count", count).Msg("report filed")
	if count >= banThreshold && !m.banned[reported] {
		m.banned[reported] = true
		log.Warn().Str("module", "server.match").Str("user", string(reported)).Msg("user banned")
	}
	return m.banned[reported]
}

// SweepIdle ends sessions with no activity past the cutoff and returns them
// so both sides can be notified.
func (m *Matchmaker) SweepIdle(maxIdle time.Duration) []*PairedSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-maxIdle)
	var ended []*PairedSession
	for _, sess := range m.sessions {
		if sess.LastActive.Before(cutoff) {
			ended = append(ended, sess)
		}
	}
	for _, sess := range ended {
		m.removeSessionLocked(sess)
		log.Info().Str("module", "server.match").Str("sid", string(sess.ID)).Msg("idle session swept")
	}
	return ended
}

func (m *Matchmaker) Stats() (active, waiting int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, q := range m.waiting {
		waiting += len(q)
	}
	return len(m.sessions), waiting
}

func (m *Matchmaker) profileCopy(user domain.Identity) *domain.Profile {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.profileCopyLocked(user)
}

func (m *Matchmaker) profileCopyLocked(user domain.Identity) *domain.Profile {
	p, ok := m.profiles[user]
	if !ok {
		return nil
	}
	cp := *p
	return &cp
}
