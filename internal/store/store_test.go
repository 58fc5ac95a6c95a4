package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentpager/agentpager/internal/common/logger"
	"github.com/agentpager/agentpager/internal/risk"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), logger.NewNop())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func createTestSession(t *testing.T, s *Store, id string) {
	t.Helper()
	err := s.CreateSession(context.Background(), &Session{
		ID:    id,
		Agent: "claude",
		Task:  "refactor the parser",
		Cwd:   "/tmp/work",
	})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
}

func TestCreateAndGetSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createTestSession(t, s, "s1")

	sess, err := s.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if sess.Agent != "claude" {
		t.Errorf("expected agent claude, got %q", sess.Agent)
	}
	if sess.Status != StatusCreated {
		t.Errorf("expected status created, got %q", sess.Status)
	}
	if sess.FinishedAt != nil {
		t.Error("new session should not have finished_at")
	}
}

func TestCreateSessionDuplicate(t *testing.T) {
	s := newTestStore(t)
	createTestSession(t, s, "s1")

	err := s.CreateSession(context.Background(), &Session{ID: "s1", Agent: "claude"})
	if !errors.Is(err, ErrSessionExists) {
		t.Errorf("expected ErrSessionExists, got %v", err)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetSession(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateStatusSetsFinishedAtOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createTestSession(t, s, "s1")

	if err := s.UpdateStatus(ctx, "s1", StatusRunning); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}
	sess, _ := s.GetSession(ctx, "s1")
	if sess.FinishedAt != nil {
		t.Error("non-terminal status must not set finished_at")
	}

	if err := s.UpdateStatus(ctx, "s1", StatusStopped); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}
	sess, _ = s.GetSession(ctx, "s1")
	if sess.FinishedAt == nil {
		t.Fatal("terminal status must set finished_at")
	}
	first := *sess.FinishedAt

	// A second terminal write keeps the original timestamp.
	time.Sleep(10 * time.Millisecond)
	if err := s.UpdateStatus(ctx, "s1", StatusStopped); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}
	sess, _ = s.GetSession(ctx, "s1")
	if !sess.FinishedAt.Equal(first) {
		t.Errorf("finished_at changed on re-finish: %v vs %v", sess.FinishedAt, first)
	}
}

func TestListSessionsActiveOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createTestSession(t, s, "s1")
	createTestSession(t, s, "s2")
	if err := s.UpdateStatus(ctx, "s2", StatusDone); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}

	active, err := s.ListSessions(ctx, true)
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(active) != 1 || active[0].ID != "s1" {
		t.Errorf("expected only s1 active, got %+v", active)
	}

	all, err := s.ListSessions(ctx, false)
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("expected 2 sessions, got %d", len(all))
	}
}

func TestInsertEventSeqConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createTestSession(t, s, "s1")

	if _, err := s.InsertEvent(ctx, "s1", 1, "message", nil); err != nil {
		t.Fatalf("InsertEvent failed: %v", err)
	}
	_, err := s.InsertEvent(ctx, "s1", 1, "message", nil)
	if !errors.Is(err, ErrSeqConflict) {
		t.Errorf("expected ErrSeqConflict, got %v", err)
	}
}

func TestEventsSinceAndLatestSeq(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createTestSession(t, s, "s1")

	for seq := int64(1); seq <= 5; seq++ {
		payload, _ := json.Marshal(map[string]int64{"n": seq})
		if _, err := s.InsertEvent(ctx, "s1", seq, "progress", payload); err != nil {
			t.Fatalf("InsertEvent failed: %v", err)
		}
	}

	events, err := s.EventsSince(ctx, "s1", 2, 10)
	if err != nil {
		t.Fatalf("EventsSince failed: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	for i, ev := range events {
		if ev.Seq != int64(i+3) {
			t.Errorf("expected seq %d at index %d, got %d", i+3, i, ev.Seq)
		}
	}

	latest, err := s.LatestSeq(ctx, "s1")
	if err != nil {
		t.Fatalf("LatestSeq failed: %v", err)
	}
	if latest != 5 {
		t.Errorf("expected latest seq 5, got %d", latest)
	}

	latest, _ = s.LatestSeq(ctx, "empty")
	if latest != 0 {
		t.Errorf("expected latest seq 0 for unknown session, got %d", latest)
	}
}

func TestSearchEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createTestSession(t, s, "s1")
	createTestSession(t, s, "s2")

	payload, _ := json.Marshal(map[string]string{"text": "refactor the tokenizer"})
	if _, err := s.InsertEvent(ctx, "s1", 1, "message", payload); err != nil {
		t.Fatalf("InsertEvent failed: %v", err)
	}
	other, _ := json.Marshal(map[string]string{"text": "unrelated chatter"})
	if _, err := s.InsertEvent(ctx, "s2", 1, "message", other); err != nil {
		t.Fatalf("InsertEvent failed: %v", err)
	}

	hits, err := s.SearchEvents(ctx, "tokenizer", "")
	if err != nil {
		t.Fatalf("SearchEvents failed: %v", err)
	}
	if len(hits) != 1 || hits[0].SessionID != "s1" {
		t.Fatalf("expected one hit in s1, got %+v", hits)
	}

	// Restricting to the other session must drop the hit.
	hits, err = s.SearchEvents(ctx, "tokenizer", "s2")
	if err != nil {
		t.Fatalf("SearchEvents failed: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("expected no hits in s2, got %d", len(hits))
	}
}

func TestSearchEventsQuotesOperators(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createTestSession(t, s, "s1")

	payload, _ := json.Marshal(map[string]string{"text": "a AND b"})
	if _, err := s.InsertEvent(ctx, "s1", 1, "message", payload); err != nil {
		t.Fatalf("InsertEvent failed: %v", err)
	}

	// FTS operators in user input must be treated as literal text, not syntax.
	if _, err := s.SearchEvents(ctx, `a AND b"`, ""); err != nil {
		t.Errorf("SearchEvents with operator-laden query failed: %v", err)
	}
}

func TestPendingApprovalLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createTestSession(t, s, "s1")

	p := &PendingApproval{
		RequestID: "r1",
		SessionID: "s1",
		Tool:      "Bash",
		Target:    "rm -rf /tmp/junk",
		Risk:      "dangerous",
	}
	if err := s.CreatePending(ctx, p); err != nil {
		t.Fatalf("CreatePending failed: %v", err)
	}

	got, err := s.GetPending(ctx, "r1")
	if err != nil {
		t.Fatalf("GetPending failed: %v", err)
	}
	if got.Tool != "Bash" || got.Risk != "dangerous" {
		t.Errorf("unexpected pending row: %+v", got)
	}

	count, err := s.CountPendingUnresolved(ctx, "s1")
	if err != nil || count != 1 {
		t.Fatalf("expected 1 unresolved, got %d (err %v)", count, err)
	}

	if err := s.ResolvePending(ctx, "r1", "approved"); err != nil {
		t.Fatalf("ResolvePending failed: %v", err)
	}
	if _, err := s.GetPending(ctx, "r1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("resolved pending should not be returned, got err %v", err)
	}

	// Resolving again is a no-op.
	if err := s.ResolvePending(ctx, "r1", "denied"); err != nil {
		t.Errorf("double resolve should not error: %v", err)
	}
}

func TestUpdatePendingPayload(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createTestSession(t, s, "s1")

	if err := s.CreatePending(ctx, &PendingApproval{
		RequestID: "r1", SessionID: "s1", Tool: "Bash", Risk: "moderate",
	}); err != nil {
		t.Fatalf("CreatePending failed: %v", err)
	}

	edited := json.RawMessage(`{"command":"ls -la"}`)
	if err := s.UpdatePendingPayload(ctx, "r1", edited); err != nil {
		t.Fatalf("UpdatePendingPayload failed: %v", err)
	}
	got, err := s.GetPending(ctx, "r1")
	if err != nil {
		t.Fatalf("GetPending failed: %v", err)
	}
	if string(got.Payload) != string(edited) {
		t.Errorf("payload not updated: %s", got.Payload)
	}

	if err := s.UpdatePendingPayload(ctx, "missing", edited); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown request, got %v", err)
	}
}

func TestPruneSessionsCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createTestSession(t, s, "old")
	createTestSession(t, s, "live")

	if _, err := s.InsertEvent(ctx, "old", 1, "message", nil); err != nil {
		t.Fatalf("InsertEvent failed: %v", err)
	}
	if err := s.UpdateStatus(ctx, "old", StatusDone); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}

	n, err := s.PruneSessions(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("PruneSessions failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 pruned session, got %d", n)
	}
	if _, err := s.GetSession(ctx, "old"); !errors.Is(err, ErrNotFound) {
		t.Error("pruned session still present")
	}
	if _, err := s.GetSession(ctx, "live"); err != nil {
		t.Errorf("non-terminal session must survive pruning: %v", err)
	}
	latest, _ := s.LatestSeq(ctx, "old")
	if latest != 0 {
		t.Error("events did not cascade on prune")
	}
}

func TestCheckTrustRuleMatching(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createTestSession(t, s, "s1")

	if _, err := s.AddTrustRule(ctx, &TrustRule{
		Tool: "Bash", RiskMax: "safe", Scope: "session", SessionID: "s1",
	}); err != nil {
		t.Fatalf("AddTrustRule failed: %v", err)
	}

	ok, err := s.CheckTrustRule(ctx, "Bash", "ls", risk.Safe, "s1")
	if err != nil || !ok {
		t.Errorf("safe Bash in s1 should match (ok=%v err=%v)", ok, err)
	}

	// Risk above the rule's cap does not match.
	ok, _ = s.CheckTrustRule(ctx, "Bash", "curl example.com", risk.Moderate, "s1")
	if ok {
		t.Error("moderate risk must not match a safe-capped rule")
	}

	// Session-scoped rule does not leak into other sessions.
	ok, _ = s.CheckTrustRule(ctx, "Bash", "ls", risk.Safe, "s2")
	if ok {
		t.Error("session rule matched a different session")
	}

	// Different tool never matches.
	ok, _ = s.CheckTrustRule(ctx, "Write", "ls", risk.Safe, "s1")
	if ok {
		t.Error("rule matched a different tool")
	}
}

func TestCheckTrustRuleTargetPattern(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.AddTrustRule(ctx, &TrustRule{
		Tool: "Bash", TargetPattern: `^git (status|log)`, RiskMax: "moderate", Scope: "global",
	}); err != nil {
		t.Fatalf("AddTrustRule failed: %v", err)
	}

	ok, _ := s.CheckTrustRule(ctx, "Bash", "git status", risk.Safe, "any")
	if !ok {
		t.Error("expected pattern match for git status")
	}
	ok, _ = s.CheckTrustRule(ctx, "Bash", "git push", risk.Safe, "any")
	if ok {
		t.Error("git push must not match the pattern")
	}
}

func TestClearSessionTrustRules(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.AddTrustRule(ctx, &TrustRule{
		Tool: "Bash", RiskMax: "safe", Scope: "session", SessionID: "s1",
	}); err != nil {
		t.Fatalf("AddTrustRule failed: %v", err)
	}
	if _, err := s.AddTrustRule(ctx, &TrustRule{
		Tool: "Bash", RiskMax: "safe", Scope: "global",
	}); err != nil {
		t.Fatalf("AddTrustRule failed: %v", err)
	}

	if err := s.ClearSessionTrustRules(ctx, "s1"); err != nil {
		t.Fatalf("ClearSessionTrustRules failed: %v", err)
	}

	ok, _ := s.CheckTrustRule(ctx, "Bash", "ls", risk.Safe, "s1")
	if !ok {
		t.Error("global rule must survive session clear")
	}
	rules, err := s.TrustRulesFor(ctx, "Bash", "s1")
	if err != nil {
		t.Fatalf("TrustRulesFor failed: %v", err)
	}
	if len(rules) != 1 || rules[0].Scope != "global" {
		t.Errorf("expected only the global rule, got %+v", rules)
	}
}
