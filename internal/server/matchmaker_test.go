package server

import (
	"testing"
	"time"

	"github.com/roulette-chat/roulette/internal/domain"
)

func TestPairWaitingThenMatched(t *testing.T) {
	mm := NewMatchmaker()
	mm.Register("alice")
	mm.Register("bob")

	res, sess := mm.Pair("alice", domain.ModeText)
	if sess != nil {
		t.Fatal("first user should wait")
	}
	if res.Status != "waiting" || res.SessionID != "alice" {
		t.Fatalf("waiting result = %+v", res)
	}

	res, sess = mm.Pair("bob", domain.ModeText)
	if sess == nil {
		t.Fatal("second user should match")
	}
	if res.Status != "matched" || res.PartnerID != "alice" {
		t.Fatalf("matched result = %+v", res)
	}
	if res.IsInitiator {
		t.Fatal("joining user must not be the initiator")
	}
	if sess.Initiator != "alice" {
		t.Fatalf("initiator = %s, want alice (the waiting side)", sess.Initiator)
	}
}

func TestPairModesSeparated(t *testing.T) {
	mm := NewMatchmaker()
	mm.Register("alice")
	mm.Register("bob")

	mm.Pair("alice", domain.ModeText)
	_, sess := mm.Pair("bob", domain.ModeVideo)
	if sess != nil {
		t.Fatal("text and video queues must not cross")
	}
}

func TestPairPrefersBestScore(t *testing.T) {
	mm := NewMatchmaker()
	for _, u := range []domain.Identity{"first", "kindred", "joiner"} {
		mm.Register(u)
	}
	mm.UpdateProfile("kindred", domain.Profile{Language: "fr", Interests: []string{"go", "chess"}})
	mm.UpdateProfile("joiner", domain.Profile{Language: "fr", Interests: []string{"chess"}})

	mm.Pair("first", domain.ModeText)
	mm.Pair("kindred", domain.ModeText)

	res, sess := mm.Pair("joiner", domain.ModeText)
	if sess == nil {
		t.Fatal("expected a match")
	}
	if res.PartnerID != "kindred" {
		t.Fatalf("partner = %s, want kindred (shared language and interest)", res.PartnerID)
	}
}

func TestPairSkipsBlocked(t *testing.T) {
	mm := NewMatchmaker()
	mm.Register("alice")
	mm.Register("bob")
	mm.Block("bob", "alice")

	mm.Pair("alice", domain.ModeText)
	_, sess := mm.Pair("bob", domain.ModeText)
	if sess != nil {
		t.Fatal("blocked pair must not match")
	}
}

func TestRepeatedPairSupersedes(t *testing.T) {
	mm := NewMatchmaker()
	mm.Register("alice")
	mm.Register("bob")

	mm.Pair("alice", domain.ModeText)
	_, sess := mm.Pair("bob", domain.ModeText)
	if sess == nil {
		t.Fatal("expected a match")
	}

	// bob asks again: the old session dies, bob goes back to waiting.
	res, newSess := mm.Pair("bob", domain.ModeText)
	if newSess != nil {
		t.Fatal("no candidates left, bob should wait")
	}
	if res.Status != "waiting" {
		t.Fatalf("status = %q, want waiting", res.Status)
	}
	if got := mm.Lookup("alice"); got.Status != "waiting" {
		t.Fatalf("alice still matched after supersede: %+v", got)
	}
}

func TestLookupMirrorsPairing(t *testing.T) {
	mm := NewMatchmaker()
	mm.Register("alice")
	mm.Register("bob")

	mm.Pair("alice", domain.ModeText)
	_, sess := mm.Pair("bob", domain.ModeText)

	aliceView := mm.Lookup("alice")
	if aliceView.Status != "matched" || aliceView.SessionID != sess.ID {
		t.Fatalf("alice view = %+v", aliceView)
	}
	if !aliceView.IsInitiator {
		t.Fatal("waiting side must be the initiator in Lookup too")
	}
	bobView := mm.Lookup("bob")
	if bobView.IsInitiator {
		t.Fatal("joining side must not be the initiator")
	}
	if bobView.PartnerID != "alice" {
		t.Fatalf("bob partner = %s, want alice", bobView.PartnerID)
	}
}

func TestTouchValidatesMembership(t *testing.T) {
	mm := NewMatchmaker()
	mm.Register("alice")
	mm.Register("bob")
	mm.Register("mallory")

	mm.Pair("alice", domain.ModeText)
	_, sess := mm.Pair("bob", domain.ModeText)

	if _, ok := mm.Touch(sess.ID, "mallory"); ok {
		t.Fatal("outsider touched a foreign session")
	}
	if _, ok := mm.Touch("no-such-session", "alice"); ok {
		t.Fatal("touched a missing session")
	}
	if _, ok := mm.Touch(sess.ID, "alice"); !ok {
		t.Fatal("member failed to touch own session")
	}
}

func TestReportBansAtThreshold(t *testing.T) {
	mm := NewMatchmaker()
	mm.Register("troll")

	// The same reporter piling on does not move the count.
	for i := 0; i < banThreshold+2; i++ {
		if banned := mm.Report("grudge", "troll", "spam"); banned {
			t.Fatal("banned on repeat reports from one user")
		}
	}

	// grudge already counts as one distinct reporter.
	reporters := []domain.Identity{"a", "b", "c"}
	for i, r := range reporters {
		if banned := mm.Report(r, "troll", "spam"); banned {
			t.Fatalf("banned after %d distinct reporters, threshold is %d", i+2, banThreshold)
		}
	}
	if banned := mm.Report("d", "troll", "spam"); !banned {
		t.Fatal("not banned at threshold")
	}
	if !mm.Banned("troll") {
		t.Fatal("Banned() disagrees")
	}

	// A banned user never enters the waiting pool of others.
	mm.Register("victim")
	mm.Pair("troll", domain.ModeText)
	_, sess := mm.Pair("victim", domain.ModeText)
	if sess != nil {
		t.Fatal("matched against a banned user")
	}
}

func TestDropUserEndsSessionAndQueue(t *testing.T) {
	mm := NewMatchmaker()
	mm.Register("alice")
	mm.Register("bob")

	mm.Pair("alice", domain.ModeText)
	_, sess := mm.Pair("bob", domain.ModeText)

	dropped := mm.DropUser("bob")
	if dropped == nil || dropped.ID != sess.ID {
		t.Fatalf("dropped = %+v, want session %s", dropped, sess.ID)
	}
	if got := mm.Lookup("alice"); got.Status != "waiting" {
		t.Fatalf("alice still matched after partner drop: %+v", got)
	}
	if mm.Registered("bob") {
		t.Fatal("profile survived drop")
	}
}

func TestSweepIdle(t *testing.T) {
	mm := NewMatchmaker()
	mm.Register("alice")
	mm.Register("bob")

	mm.Pair("alice", domain.ModeText)
	_, sess := mm.Pair("bob", domain.ModeText)
	sess.LastActive = time.Now().Add(-time.Hour)

	ended := mm.SweepIdle(30 * time.Minute)
	if len(ended) != 1 || ended[0].ID != sess.ID {
		t.Fatalf("ended = %+v, want the stale session", ended)
	}
	if active, _ := mm.Stats(); active != 0 {
		t.Fatalf("active = %d after sweep, want 0", active)
	}

	// A fresh session survives.
	mm.Register("carol")
	mm.Register("dave")
	mm.Pair("carol", domain.ModeText)
	mm.Pair("dave", domain.ModeText)
	if ended := mm.SweepIdle(30 * time.Minute); len(ended) != 0 {
		t.Fatalf("fresh session swept: %+v", ended)
	}
}
