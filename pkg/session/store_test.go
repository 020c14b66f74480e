package session

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pario-ai/chatrelay/pkg/models"
)

func exchange(n int) (models.ChatTurn, models.ChatTurn) {
	return models.HumanTurn(fmt.Sprintf("q%d", n)), models.AssistantTurn(fmt.Sprintf("a%d", n))
}

func TestResolveGeneratesID(t *testing.T) {
	s := New(Options{})

	sess, created := s.Resolve("")
	if !created {
		t.Error("expected new session")
	}
	if sess.ID == "" {
		t.Fatal("expected generated id")
	}

	again, created := s.Resolve(sess.ID)
	if created {
		t.Error("expected existing session")
	}
	if again != sess {
		t.Error("expected same session pointer")
	}
}

func TestResolveUnknownIDCreatesSession(t *testing.T) {
	s := New(Options{})

	sess, created := s.Resolve("user1")
	if !created || sess.ID != "user1" {
		t.Fatalf("expected created session user1, got %q (created=%v)", sess.ID, created)
	}
	if got := s.Snapshot("user1"); len(got) != 0 {
		t.Errorf("expected empty history, got %d turns", len(got))
	}
}

func TestAppendAndSnapshot(t *testing.T) {
	s := New(Options{})
	h, a := exchange(1)
	if err := s.Append("user1", h, a); err != nil {
		t.Fatal(err)
	}

	got := s.Snapshot("user1")
	if len(got) != 2 {
		t.Fatalf("expected 2 turns, got %d", len(got))
	}
	if got[0].Role != models.RoleHuman || got[1].Role != models.RoleAssistant {
		t.Errorf("unexpected roles: %v", got)
	}

	// snapshot is a copy
	got[0].Content = "mutated"
	if s.Snapshot("user1")[0].Content != "q1" {
		t.Error("snapshot must not alias session turns")
	}
}

func TestAppendEvictsOldestExchange(t *testing.T) {
	s := New(Options{MaxTurns: 10})
	for i := 1; i <= 12; i++ {
		h, a := exchange(i)
		if err := s.Append("user1", h, a); err != nil {
			t.Fatal(err)
		}
		if n := len(s.Snapshot("user1")); n > 20 {
			t.Fatalf("history exceeded cap after %d exchanges: %d", i, n)
		}
	}

	got := s.Snapshot("user1")
	if len(got) != 20 {
		t.Fatalf("expected 20 turns, got %d", len(got))
	}
	if got[0].Content != "q3" || got[1].Content != "a3" {
		t.Errorf("expected oldest remaining exchange to be #3, got %q/%q", got[0].Content, got[1].Content)
	}
	if got[19].Content != "a12" {
		t.Errorf("expected newest turn a12, got %q", got[19].Content)
	}
	for _, turn := range got {
		if turn.Content == "q1" || turn.Content == "q2" {
			t.Errorf("evicted turn %q still present", turn.Content)
		}
	}
}

func TestTrimMidExchange(t *testing.T) {
	turns := []models.ChatTurn{
		models.AssistantTurn("orphan"),
		models.HumanTurn("q1"), models.AssistantTurn("a1"),
		models.HumanTurn("q2"), models.AssistantTurn("a2"),
	}
	got := trim(turns, 4)
	if len(got) != 4 || got[0].Content != "q1" {
		t.Errorf("expected orphan turn dropped, got %v", got)
	}
}

func TestReset(t *testing.T) {
	s := New(Options{})
	h, a := exchange(1)
	_ = s.Append("user1", h, a)

	if err := s.Reset("user1"); err != nil {
		t.Fatal(err)
	}
	if n := len(s.Snapshot("user1")); n != 0 {
		t.Errorf("expected empty history after reset, got %d", n)
	}

	h2, a2 := exchange(2)
	if err := s.ResetAndAppend("user1", h2, a2); err != nil {
		t.Fatal(err)
	}
	got := s.Snapshot("user1")
	if len(got) != 2 || got[0].Content != "q2" {
		t.Errorf("expected only exchange #2, got %v", got)
	}
}

func TestEmptyIDRejected(t *testing.T) {
	s := New(Options{})
	h, a := exchange(1)
	if err := s.Append("", h, a); err != ErrEmptyID {
		t.Errorf("expected ErrEmptyID, got %v", err)
	}
	if err := s.Reset(""); err != ErrEmptyID {
		t.Errorf("expected ErrEmptyID, got %v", err)
	}
}

func TestSessionsIsolated(t *testing.T) {
	s := New(Options{Shards: 4})

	var wg sync.WaitGroup
	for _, id := range []string{"alice", "bob"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_ = s.Append(id, models.HumanTurn(id), models.AssistantTurn(id))
			}
		}(id)
	}
	wg.Wait()

	for _, id := range []string{"alice", "bob"} {
		for _, turn := range s.Snapshot(id) {
			if turn.Content != id {
				t.Errorf("session %s observed foreign turn %q", id, turn.Content)
			}
		}
	}
}

func TestConcurrentAppendsStayPaired(t *testing.T) {
	s := New(Options{MaxTurns: 5})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, a := exchange(i)
			_ = s.Append("shared", h, a)
		}(i)
	}
	wg.Wait()

	got := s.Snapshot("shared")
	if len(got) != 10 {
		t.Fatalf("expected 10 turns, got %d", len(got))
	}
	for i := 0; i < len(got); i += 2 {
		if got[i].Role != models.RoleHuman || got[i+1].Role != models.RoleAssistant {
			t.Fatalf("append interleaved at %d: %v", i, got)
		}
		if got[i].Content[1:] != got[i+1].Content[1:] {
			t.Errorf("pair mismatch: %q / %q", got[i].Content, got[i+1].Content)
		}
	}
}

func TestPrune(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s := New(Options{Now: func() time.Time { return now }})

	s.Resolve("old")
	now = now.Add(time.Hour)
	s.Resolve("fresh")

	if n := s.Prune(0); n != 0 {
		t.Errorf("expected pruning disabled, removed %d", n)
	}
	if n := s.Prune(30 * time.Minute); n != 1 {
		t.Errorf("expected 1 pruned, got %d", n)
	}
	if s.Len() != 1 {
		t.Errorf("expected 1 remaining session, got %d", s.Len())
	}
	if _, ok := s.lookup("fresh"); !ok {
		t.Error("expected fresh session kept")
	}
}
