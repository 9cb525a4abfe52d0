package coordinator

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/veil/chat-app/internal/moderation"
	"github.com/veil/chat-app/internal/protocol"
	"github.com/veil/chat-app/internal/session"
	"github.com/veil/chat-app/internal/ws"
)

// ---------------------------------------------------------------------------
// In-memory fakes
// ---------------------------------------------------------------------------

type fakeQueue struct {
	mu      sync.Mutex
	buckets map[string][]string
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{buckets: make(map[string][]string)}
}

func (q *fakeQueue) Add(_ context.Context, gender, connID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.buckets[gender] = append(q.buckets[gender], connID)
	return nil
}

func (q *fakeQueue) Pop(_ context.Context, gender string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	bucket := q.buckets[gender]
	if len(bucket) == 0 {
		return "", nil
	}
	connID := bucket[0]
	q.buckets[gender] = bucket[1:]
	return connID, nil
}

func (q *fakeQueue) Purge(_ context.Context, connID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for gender, bucket := range q.buckets {
		kept := bucket[:0]
		for _, id := range bucket {
			if id != connID {
				kept = append(kept, id)
			}
		}
		q.buckets[gender] = kept
	}
	return nil
}

func (q *fakeQueue) contains(connID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, bucket := range q.buckets {
		for _, id := range bucket {
			if id == connID {
				return true
			}
		}
	}
	return false
}

func (q *fakeQueue) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, bucket := range q.buckets {
		n += len(bucket)
	}
	return n
}

type fakeRegistry struct {
	mu       sync.Mutex
	profiles map[string]ws.Profile
	dead     map[string]bool
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		profiles: make(map[string]ws.Profile),
		dead:     make(map[string]bool),
	}
}

func (r *fakeRegistry) IsLive(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.profiles[id]
	return ok && !r.dead[id]
}

func (r *fakeRegistry) Profile(id string) (ws.Profile, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dead[id] {
		return ws.Profile{}, false
	}
	p, ok := r.profiles[id]
	return p, ok
}

func (r *fakeRegistry) UpdateProfile(id string, p ws.Profile) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.profiles[id] = p
}

func (r *fakeRegistry) kill(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dead[id] = true
}

type fakeSender struct {
	mu           sync.Mutex
	sent         map[string][]map[string]interface{}
	disconnected []string
	onDisconnect func(connID string)
}

func newFakeSender() *fakeSender {
	return &fakeSender{sent: make(map[string][]map[string]interface{})}
}

func (s *fakeSender) Send(connID string, data []byte) error {
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	s.mu.Lock()
	s.sent[connID] = append(s.sent[connID], m)
	s.mu.Unlock()
	return nil
}

func (s *fakeSender) Disconnect(connID string) {
	s.mu.Lock()
	s.disconnected = append(s.disconnected, connID)
	hook := s.onDisconnect
	s.mu.Unlock()
	if hook != nil {
		hook(connID)
	}
}

// typesSent returns the message types delivered to a connection, in order.
func (s *fakeSender) typesSent(connID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	types := make([]string, 0, len(s.sent[connID]))
	for _, m := range s.sent[connID] {
		types = append(types, m["type"].(string))
	}
	return types
}

// lastOfType returns the most recent message of the given type sent to a
// connection, or nil.
func (s *fakeSender) lastOfType(connID, msgType string) map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.sent[connID]) - 1; i >= 0; i-- {
		if s.sent[connID][i]["type"] == msgType {
			return s.sent[connID][i]
		}
	}
	return nil
}

func (s *fakeSender) countOfType(connID, msgType string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.sent[connID] {
		if m["type"] == msgType {
			n++
		}
	}
	return n
}

type fakeDaily struct {
	mu     sync.Mutex
	counts map[string]int
}

func newFakeDaily() *fakeDaily {
	return &fakeDaily{counts: make(map[string]int)}
}

func (d *fakeDaily) Count(_ context.Context, fp string) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.counts[fp], nil
}

func (d *fakeDaily) Increment(_ context.Context, fp string) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.counts[fp]++
	return d.counts[fp], nil
}

type fakeStrikes struct {
	mu     sync.Mutex
	counts map[string]int
}

func newFakeStrikes() *fakeStrikes {
	return &fakeStrikes{counts: make(map[string]int)}
}

func (s *fakeStrikes) Add(_ context.Context, fp string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fp == "" {
		return 0, nil
	}
	s.counts[fp]++
	return s.counts[fp], nil
}

// ---------------------------------------------------------------------------
// Test harness
// ---------------------------------------------------------------------------

type harness struct {
	coord    *Coordinator
	queue    *fakeQueue
	registry *fakeRegistry
	sender   *fakeSender
	sessions *session.Table
	daily    *fakeDaily
	strikes  *fakeStrikes
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		queue:    newFakeQueue(),
		registry: newFakeRegistry(),
		sender:   newFakeSender(),
		sessions: session.NewTable(),
		daily:    newFakeDaily(),
		strikes:  newFakeStrikes(),
	}
	h.coord = New(DefaultConfig(), h.registry, h.sessions, h.queue,
		h.daily, h.strikes, moderation.NewFilter(), h.sender, nil, nil)
	return h
}

func (h *harness) connect(connID string) {
	h.registry.UpdateProfile(connID, ws.Profile{})
}

func (h *harness) join(t *testing.T, connID, gender, pref, fp, nickname string) {
	t.Helper()
	h.connect(connID)
	h.coord.HandleJoin(context.Background(), connID, protocol.JoinQueueMsg{
		Gender:      gender,
		Preference:  pref,
		Fingerprint: fp,
		Nickname:    nickname,
	})
}

// pair connects two test connections and matches them, returning the room ID.
func (h *harness) pair(t *testing.T, a, b string) string {
	t.Helper()
	h.join(t, a, protocol.GenderMale, protocol.PreferenceAny, "fp-"+a, "nick-"+a)
	h.join(t, b, protocol.GenderFemale, protocol.PreferenceAny, "fp-"+b, "nick-"+b)

	found := h.sender.lastOfType(a, protocol.TypeMatchFound)
	if found == nil {
		t.Fatal("expected a match between the two joins")
	}
	return found["room_id"].(string)
}

// ---------------------------------------------------------------------------
// Matchmaking
// ---------------------------------------------------------------------------

func TestJoinWithEmptyQueueWaits(t *testing.T) {
	h := newHarness(t)
	h.join(t, "c1", protocol.GenderMale, protocol.PreferenceAny, "fp1", "alice")

	if got := h.sender.typesSent("c1"); len(got) != 1 || got[0] != protocol.TypeWaiting {
		t.Fatalf("expected a single waiting message, got %v", got)
	}
	if !h.queue.contains("c1") {
		t.Fatal("expected c1 to be enqueued")
	}
	if _, ok := h.sessions.Lookup("c1"); ok {
		t.Fatal("waiting connection must not have a session")
	}
}

func TestJoinMatchesWaitingPeer(t *testing.T) {
	h := newHarness(t)
	h.join(t, "c1", protocol.GenderMale, protocol.PreferenceAny, "fp1", "alice")
	h.join(t, "c2", protocol.GenderFemale, protocol.PreferenceAny, "fp2", "bob")

	m1 := h.sender.lastOfType("c1", protocol.TypeMatchFound)
	m2 := h.sender.lastOfType("c2", protocol.TypeMatchFound)
	if m1 == nil || m2 == nil {
		t.Fatal("expected match_found on both sides")
	}
	if m1["room_id"] != m2["room_id"] {
		t.Fatalf("room mismatch: %v vs %v", m1["room_id"], m2["room_id"])
	}
	if m1["partner_nickname"] != "bob" || m2["partner_nickname"] != "alice" {
		t.Fatalf("wrong partner nicknames: %v / %v", m1["partner_nickname"], m2["partner_nickname"])
	}

	// Both sides share one session, and neither lingers in the queue.
	e1, ok1 := h.sessions.Lookup("c1")
	e2, ok2 := h.sessions.Lookup("c2")
	if !ok1 || !ok2 || e1.RoomID != e2.RoomID || e1.PeerID != "c2" || e2.PeerID != "c1" {
		t.Fatalf("inconsistent session entries: %+v %+v", e1, e2)
	}
	if h.queue.size() != 0 {
		t.Fatalf("queue should be empty after a match, has %d entries", h.queue.size())
	}
}

func TestEnqueueUsesOwnGenderNotPreference(t *testing.T) {
	h := newHarness(t)
	h.join(t, "c1", protocol.GenderFemale, protocol.GenderMale, "fp1", "")

	h.queue.mu.Lock()
	defer h.queue.mu.Unlock()
	if len(h.queue.buckets[protocol.GenderFemale]) != 1 {
		t.Fatal("expected c1 in the female bucket")
	}
	if len(h.queue.buckets[protocol.GenderMale]) != 0 {
		t.Fatal("preference must not determine the waiting bucket")
	}
}

func TestJoinRejectsInvalidAttributes(t *testing.T) {
	h := newHarness(t)
	h.join(t, "c1", "robot", protocol.PreferenceAny, "fp1", "")

	errMsg := h.sender.lastOfType("c1", protocol.TypeError)
	if errMsg == nil || errMsg["code"] != "invalid_join" {
		t.Fatalf("expected invalid_join error, got %v", h.sender.typesSent("c1"))
	}
	if h.queue.size() != 0 {
		t.Fatal("invalid join must not enqueue")
	}
}

func TestJoinWhileMatchedRejected(t *testing.T) {
	h := newHarness(t)
	h.pair(t, "a", "b")

	h.coord.HandleJoin(context.Background(), "a", protocol.JoinQueueMsg{
		Gender:     protocol.GenderMale,
		Preference: protocol.PreferenceAny,
	})

	errMsg := h.sender.lastOfType("a", protocol.TypeError)
	if errMsg == nil || errMsg["code"] != "already_matched" {
		t.Fatalf("expected already_matched error, got %v", h.sender.typesSent("a"))
	}
	if h.queue.contains("a") {
		t.Fatal("matched connection must never enter the queue")
	}
	if _, ok := h.sessions.Lookup("a"); !ok {
		t.Fatal("existing session must be untouched")
	}
}

func TestRejoinWhileQueuedPurgesOldEntry(t *testing.T) {
	h := newHarness(t)
	h.join(t, "c1", protocol.GenderMale, protocol.PreferenceAny, "fp1", "")
	if !h.queue.contains("c1") {
		t.Fatal("first join should leave c1 waiting")
	}

	// A peer arrives, then c1 retries its join and gets matched.
	h.connect("w1")
	_ = h.queue.Add(context.Background(), protocol.GenderFemale, "w1")
	h.join(t, "c1", protocol.GenderMale, protocol.PreferenceAny, "fp1", "")

	if e, ok := h.sessions.Lookup("c1"); !ok || e.PeerID != "w1" {
		t.Fatalf("expected c1 matched with w1, got %+v ok=%v", e, ok)
	}
	// Neither party may keep a waiting entry after the match.
	if h.queue.size() != 0 {
		t.Fatalf("match must leave zero queue entries, found %d", h.queue.size())
	}
}

func TestRejoinWithChangedGenderKeepsSingleEntry(t *testing.T) {
	h := newHarness(t)
	h.join(t, "c1", protocol.GenderMale, protocol.PreferenceAny, "fp1", "")
	h.join(t, "c1", protocol.GenderFemale, protocol.PreferenceAny, "fp1", "")

	if h.queue.size() != 1 {
		t.Fatalf("expected exactly one waiting entry, found %d", h.queue.size())
	}
	h.queue.mu.Lock()
	defer h.queue.mu.Unlock()
	if len(h.queue.buckets[protocol.GenderFemale]) != 1 {
		t.Fatal("re-declared gender must move the entry to the female bucket")
	}
}

func TestSkipWhileWaitingKeepsSingleEntry(t *testing.T) {
	h := newHarness(t)
	h.join(t, "c1", protocol.GenderMale, protocol.PreferenceAny, "fp1", "")

	h.coord.HandleSkip(context.Background(), "c1")

	if h.queue.size() != 1 {
		t.Fatalf("skip while waiting must leave exactly one queue entry, found %d", h.queue.size())
	}
	if !h.queue.contains("c1") {
		t.Fatal("expected c1 still waiting after skip")
	}
}

func TestFailedPairingTriesRemainingCandidates(t *testing.T) {
	h := newHarness(t)

	// "busy" is live and sits stale in the bucket but is already paired
	// elsewhere, so pairing with it fails; the next candidate must be tried.
	if _, err := h.sessions.Create("busy", "other"); err != nil {
		t.Fatalf("seed session: %v", err)
	}
	h.connect("busy")
	_ = h.queue.Add(context.Background(), protocol.GenderMale, "busy")
	h.connect("free")
	_ = h.queue.Add(context.Background(), protocol.GenderMale, "free")

	h.join(t, "c1", protocol.GenderFemale, protocol.GenderMale, "fp1", "")

	if e, ok := h.sessions.Lookup("c1"); !ok || e.PeerID != "free" {
		t.Fatalf("expected c1 matched with free, got %+v ok=%v", e, ok)
	}
}

func TestStaleCandidatesDiscarded(t *testing.T) {
	h := newHarness(t)

	// Three dead entries ahead of one live peer.
	for _, id := range []string{"dead1", "dead2", "dead3"} {
		_ = h.queue.Add(context.Background(), protocol.GenderMale, id)
	}
	h.connect("live")
	_ = h.queue.Add(context.Background(), protocol.GenderMale, "live")

	h.join(t, "c1", protocol.GenderFemale, protocol.GenderMale, "fp1", "")

	m := h.sender.lastOfType("c1", protocol.TypeMatchFound)
	if m == nil {
		t.Fatalf("expected match with the live peer, got %v", h.sender.typesSent("c1"))
	}
	if e, _ := h.sessions.Lookup("c1"); e.PeerID != "live" {
		t.Fatalf("matched wrong peer: %q", e.PeerID)
	}
}

func TestPopBudgetExhaustedFallsBackToWaiting(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < DefaultConfig().MaxPopAttempts+2; i++ {
		_ = h.queue.Add(context.Background(), protocol.GenderMale, "dead"+string(rune('a'+i)))
	}

	h.join(t, "c1", protocol.GenderFemale, protocol.GenderMale, "fp1", "")

	if h.sender.lastOfType("c1", protocol.TypeWaiting) == nil {
		t.Fatalf("expected waiting after the attempt budget, got %v", h.sender.typesSent("c1"))
	}
	if !h.queue.contains("c1") {
		t.Fatal("expected c1 enqueued after exhausted attempts")
	}
}

func TestOwnStaleEntryNotMatched(t *testing.T) {
	h := newHarness(t)

	// A leftover entry for the requester itself sits ahead of a real peer.
	h.connect("c1")
	_ = h.queue.Add(context.Background(), protocol.GenderMale, "c1")
	h.connect("peer")
	_ = h.queue.Add(context.Background(), protocol.GenderMale, "peer")

	h.join(t, "c1", protocol.GenderMale, protocol.GenderMale, "fp1", "")

	e, ok := h.sessions.Lookup("c1")
	if !ok || e.PeerID != "peer" {
		t.Fatalf("expected c1 matched with peer, got %+v ok=%v", e, ok)
	}
}

func TestAnyPreferenceDrawsFromBothBuckets(t *testing.T) {
	h := newHarness(t)
	h.connect("w1")
	_ = h.queue.Add(context.Background(), protocol.GenderFemale, "w1")

	// Force the draw to start from the male bucket; the empty bucket must
	// fall back to the female one.
	h.coord.intn = func(int) int { return 0 }
	h.join(t, "c1", protocol.GenderMale, protocol.PreferenceAny, "fp1", "")

	if e, _ := h.sessions.Lookup("c1"); e.PeerID != "w1" {
		t.Fatalf("expected fallback to the female bucket, got %+v", e)
	}
}

func TestConcurrentJoinsKeepInvariants(t *testing.T) {
	h := newHarness(t)

	const n = 16
	ids := make([]string, 0, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		connID := "conn" + string(rune('a'+i))
		ids = append(ids, connID)
		gender := protocol.GenderMale
		if i%2 == 1 {
			gender = protocol.GenderFemale
		}
		h.connect(connID)
		wg.Add(1)
		go func(id, g string) {
			defer wg.Done()
			h.coord.HandleJoin(context.Background(), id, protocol.JoinQueueMsg{
				Gender:      g,
				Preference:  protocol.PreferenceAny,
				Fingerprint: "fp-" + id,
			})
		}(connID, gender)
	}
	wg.Wait()

	matched, waiting := 0, 0
	for _, id := range ids {
		entry, inSession := h.sessions.Lookup(id)
		inQueue := h.queue.contains(id)
		if inSession && inQueue {
			t.Fatalf("%s is both in a session and in the queue", id)
		}
		if inSession {
			peer, ok := h.sessions.Lookup(entry.PeerID)
			if !ok || peer.PeerID != id || peer.RoomID != entry.RoomID {
				t.Fatalf("%s has a one-sided or inconsistent session", id)
			}
			matched++
		}
		if inQueue {
			waiting++
		}
	}
	if matched%2 != 0 {
		t.Fatalf("odd number of matched connections: %d", matched)
	}
	if matched+waiting != n {
		t.Fatalf("matched %d + waiting %d != %d joins", matched, waiting, n)
	}
}

// ---------------------------------------------------------------------------
// Daily limit
// ---------------------------------------------------------------------------

func TestDailyLimitDowngradesPreference(t *testing.T) {
	h := newHarness(t)
	h.daily.counts["fp1"] = DefaultConfig().DailyCap

	h.join(t, "c1", protocol.GenderMale, protocol.GenderFemale, "fp1", "")

	upd := h.sender.lastOfType("c1", protocol.TypePreferenceUpdated)
	if upd == nil || upd["preference"] != protocol.PreferenceAny {
		t.Fatalf("expected downgrade to any, got %v", h.sender.typesSent("c1"))
	}
	notice := h.sender.lastOfType("c1", protocol.TypeReceiveMessage)
	if notice == nil || !strings.Contains(notice["text"].(string), "limit") {
		t.Fatal("expected an advisory message about the daily limit")
	}
}

func TestFilteredMatchIncrementsDailyCount(t *testing.T) {
	h := newHarness(t)
	h.connect("w1")
	_ = h.queue.Add(context.Background(), protocol.GenderFemale, "w1")

	h.join(t, "c1", protocol.GenderMale, protocol.GenderFemale, "fp1", "")

	if h.sender.lastOfType("c1", protocol.TypeMatchFound) == nil {
		t.Fatal("expected a filtered match")
	}
	if got := h.daily.counts["fp1"]; got != 1 {
		t.Fatalf("expected daily count 1, got %d", got)
	}
}

func TestAnyMatchDoesNotConsumeQuota(t *testing.T) {
	h := newHarness(t)
	h.connect("w1")
	_ = h.queue.Add(context.Background(), protocol.GenderFemale, "w1")

	h.join(t, "c1", protocol.GenderMale, protocol.PreferenceAny, "fp1", "")

	if got := h.daily.counts["fp1"]; got != 0 {
		t.Fatalf("any-preference match must not consume quota, count=%d", got)
	}
}

func TestWaitingDoesNotConsumeQuota(t *testing.T) {
	h := newHarness(t)
	h.join(t, "c1", protocol.GenderMale, protocol.GenderFemale, "fp1", "")

	if got := h.daily.counts["fp1"]; got != 0 {
		t.Fatalf("unmatched filtered join must not consume quota, count=%d", got)
	}
}

// ---------------------------------------------------------------------------
// Relay
// ---------------------------------------------------------------------------

func TestMessageRelayedToPartnerOnly(t *testing.T) {
	h := newHarness(t)
	roomID := h.pair(t, "a", "b")

	h.coord.HandleMessage(context.Background(), "a", protocol.ChatMsg{RoomID: roomID, Text: "hi"})

	got := h.sender.lastOfType("b", protocol.TypeReceiveMessage)
	if got == nil || got["text"] != "hi" {
		t.Fatalf("expected b to receive the relay, got %v", h.sender.typesSent("b"))
	}
	if got["ts"] == nil {
		t.Fatal("relay must carry a server timestamp")
	}
	if h.sender.lastOfType("a", protocol.TypeReceiveMessage) != nil {
		t.Fatal("sender must not receive its own message")
	}
}

func TestMessageWithWrongRoomRejected(t *testing.T) {
	h := newHarness(t)
	h.pair(t, "a", "b")

	h.coord.HandleMessage(context.Background(), "a", protocol.ChatMsg{RoomID: "bogus", Text: "hi"})

	errMsg := h.sender.lastOfType("a", protocol.TypeError)
	if errMsg == nil || errMsg["code"] != "invalid_room" {
		t.Fatalf("expected invalid_room error, got %v", h.sender.typesSent("a"))
	}
	if h.sender.lastOfType("b", protocol.TypeReceiveMessage) != nil {
		t.Fatal("nothing must be relayed for a room mismatch")
	}
}

func TestMessageWithoutSessionRejected(t *testing.T) {
	h := newHarness(t)
	h.connect("a")

	h.coord.HandleMessage(context.Background(), "a", protocol.ChatMsg{RoomID: "r", Text: "hi"})

	if errMsg := h.sender.lastOfType("a", protocol.TypeError); errMsg == nil {
		t.Fatal("expected an error for a sessionless message")
	}
}

func TestTypingRelayedToPartner(t *testing.T) {
	h := newHarness(t)
	h.pair(t, "a", "b")

	h.coord.HandleTyping(context.Background(), "a")

	if h.sender.lastOfType("b", protocol.TypePartnerTyping) == nil {
		t.Fatal("expected partner_typing on b")
	}
	if h.sender.lastOfType("a", protocol.TypePartnerTyping) != nil {
		t.Fatal("typing must not echo to the sender")
	}
}

func TestTypingWithoutSessionIgnored(t *testing.T) {
	h := newHarness(t)
	h.connect("a")
	h.coord.HandleTyping(context.Background(), "a")
	if got := h.sender.typesSent("a"); len(got) != 0 {
		t.Fatalf("expected silence, got %v", got)
	}
}

// ---------------------------------------------------------------------------
// Skip / disconnect
// ---------------------------------------------------------------------------

func TestSkipNotifiesPartnerAndRequeues(t *testing.T) {
	h := newHarness(t)
	h.pair(t, "a", "b")

	h.coord.HandleSkip(context.Background(), "a")

	if h.sender.lastOfType("b", protocol.TypePartnerLeft) == nil {
		t.Fatal("expected partner_left on b")
	}
	if _, ok := h.sessions.Lookup("a"); ok {
		t.Fatal("session must be destroyed on skip")
	}
	if _, ok := h.sessions.Lookup("b"); ok {
		t.Fatal("partner's session entry must be destroyed too")
	}
	// a re-enters matchmaking with its stored attributes.
	if !h.queue.contains("a") {
		t.Fatal("expected a re-enqueued after skip")
	}
	if h.sender.lastOfType("a", protocol.TypeWaiting) == nil {
		t.Fatal("expected waiting after skip with empty queue")
	}
}

func TestDisconnectCleansSessionAndQueue(t *testing.T) {
	h := newHarness(t)
	h.pair(t, "a", "b")

	h.coord.HandleDisconnect(context.Background(), "a")

	if h.sender.lastOfType("b", protocol.TypePartnerLeft) == nil {
		t.Fatal("expected partner_left on b")
	}
	if _, ok := h.sessions.Lookup("a"); ok {
		t.Fatal("session must be destroyed on disconnect")
	}
	if h.queue.contains("a") {
		t.Fatal("queue entry must be purged on disconnect")
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.pair(t, "a", "b")

	h.coord.HandleDisconnect(context.Background(), "a")
	h.coord.HandleDisconnect(context.Background(), "a")
	h.coord.HandleDisconnect(context.Background(), "b")

	if got := h.sender.countOfType("b", protocol.TypePartnerLeft); got != 1 {
		t.Fatalf("partner must be notified exactly once, got %d", got)
	}
	if h.sessions.Len() != 0 {
		t.Fatalf("expected empty session table, len=%d", h.sessions.Len())
	}
}

func TestDisconnectOfWaitingConnection(t *testing.T) {
	h := newHarness(t)
	h.join(t, "c1", protocol.GenderMale, protocol.PreferenceAny, "fp1", "")

	h.coord.HandleDisconnect(context.Background(), "c1")

	if h.queue.contains("c1") {
		t.Fatal("waiting entry must be purged on disconnect")
	}
}

// ---------------------------------------------------------------------------
// Reports
// ---------------------------------------------------------------------------

func reportWith(entries ...protocol.EvidenceEntry) protocol.ReportMsg {
	return protocol.ReportMsg{Evidence: entries}
}

func TestVerifiedReportAddsOneStrike(t *testing.T) {
	h := newHarness(t)
	h.pair(t, "a", "b")

	// Two flagged peer messages still count as one strike.
	h.coord.HandleReport(context.Background(), "a", reportWith(
		protocol.EvidenceEntry{Speaker: "peer", Text: "you are an asshole"},
		protocol.EvidenceEntry{Speaker: "peer", Text: "shut up bitch"},
		protocol.EvidenceEntry{Speaker: "peer", Text: "hello there"},
	))

	if got := h.strikes.counts["fp-b"]; got != 1 {
		t.Fatalf("expected exactly one strike, got %d", got)
	}
	notice := h.sender.lastOfType("a", protocol.TypeReceiveMessage)
	if notice == nil || !strings.Contains(notice["text"].(string), "verified") {
		t.Fatalf("expected a verification notice, got %v", notice)
	}
}

func TestSelfAuthoredEvidenceIgnored(t *testing.T) {
	h := newHarness(t)
	h.pair(t, "a", "b")

	h.coord.HandleReport(context.Background(), "a", reportWith(
		protocol.EvidenceEntry{Speaker: "self", Text: "you are an asshole"},
		protocol.EvidenceEntry{Speaker: "peer", Text: "good morning"},
	))

	if got := h.strikes.counts["fp-b"]; got != 0 {
		t.Fatalf("self-authored abuse must not penalize the peer, strikes=%d", got)
	}
	notice := h.sender.lastOfType("a", protocol.TypeReceiveMessage)
	if notice == nil || !strings.Contains(notice["text"].(string), "No automated violations") {
		t.Fatalf("expected a no-violation notice, got %v", notice)
	}
}

func TestThirdStrikeBansAndDisconnects(t *testing.T) {
	h := newHarness(t)
	h.pair(t, "a", "b")
	h.strikes.counts["fp-b"] = 2

	// Force disconnect runs the normal cleanup path.
	h.sender.onDisconnect = func(connID string) {
		h.registry.kill(connID)
		h.coord.HandleDisconnect(context.Background(), connID)
	}

	h.coord.HandleReport(context.Background(), "a", reportWith(
		protocol.EvidenceEntry{Speaker: "peer", Text: "fuck off"},
	))

	if h.sender.lastOfType("b", protocol.TypeBanned) == nil {
		t.Fatal("expected banned notification on b")
	}
	if len(h.sender.disconnected) != 1 || h.sender.disconnected[0] != "b" {
		t.Fatalf("expected force disconnect of b, got %v", h.sender.disconnected)
	}
	if h.sender.lastOfType("a", protocol.TypePartnerLeft) == nil {
		t.Fatal("reporter must learn the partner left")
	}
	if _, ok := h.sessions.Lookup("a"); ok {
		t.Fatal("session must be gone after the ban disconnect")
	}
}

func TestReportWithoutSessionIgnored(t *testing.T) {
	h := newHarness(t)
	h.connect("a")

	h.coord.HandleReport(context.Background(), "a", reportWith(
		protocol.EvidenceEntry{Speaker: "peer", Text: "fuck off"},
	))

	if len(h.strikes.counts) != 0 {
		t.Fatal("report without a session must not record strikes")
	}
}

func TestReportRecordedInSink(t *testing.T) {
	h := newHarness(t)
	var recorded []ReportRecord
	h.coord.reports = reportSinkFunc(func(_ context.Context, r ReportRecord) error {
		recorded = append(recorded, r)
		return nil
	})
	roomID := h.pair(t, "a", "b")

	h.coord.HandleReport(context.Background(), "a", reportWith(
		protocol.EvidenceEntry{Speaker: "peer", Text: "fuck off"},
	))

	if len(recorded) != 1 {
		t.Fatalf("expected one recorded report, got %d", len(recorded))
	}
	r := recorded[0]
	if r.ReporterFingerprint != "fp-a" || r.ReportedFingerprint != "fp-b" ||
		r.RoomID != roomID || r.Strikes != 1 || r.Flagged != 1 {
		t.Fatalf("unexpected record: %+v", r)
	}
}

type reportSinkFunc func(ctx context.Context, r ReportRecord) error

func (f reportSinkFunc) Record(ctx context.Context, r ReportRecord) error {
	return f(ctx, r)
}

// ---------------------------------------------------------------------------
// leave_queue
// ---------------------------------------------------------------------------

func TestLeaveQueueRemovesEntry(t *testing.T) {
	h := newHarness(t)
	h.join(t, "c1", protocol.GenderMale, protocol.PreferenceAny, "fp1", "")

	h.coord.HandleLeaveQueue(context.Background(), "c1")

	if h.queue.contains("c1") {
		t.Fatal("expected c1 removed from the queue")
	}
}
