package auditlog_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"conductor/internal/auditlog"
	"conductor/internal/domain"
)

func TestSanitizeStoreID(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{"proj-1", "proj-1"},
		{"My Project", "my-project"},
		{"A//B\\C", "a-b-c"},
		{"  padded  ", "padded"},
		{"mix_OK.2", "mix_ok.2"},
		{"weird!!!chars###here", "weird-chars-here"},
		{"../escape", "escape"},
	}
	for _, tc := range cases {
		got, err := auditlog.SanitizeStoreID(tc.raw)
		if err != nil {
			t.Errorf("sanitize %q: %v", tc.raw, err)
			continue
		}
		if got != tc.want {
			t.Errorf("sanitize %q: got %q, want %q", tc.raw, got, tc.want)
		}
	}
}

func TestSanitizeStoreIDRejects(t *testing.T) {
	for _, raw := range []string{"", "   ", "###", "..", "//", strings.Repeat("a", 200)} {
		if _, err := auditlog.SanitizeStoreID(raw); !errors.Is(err, auditlog.ErrInvalidStoreID) {
			t.Errorf("expected ErrInvalidStoreID for %q, got %v", raw, err)
		}
	}
}

func TestManagerIsolatesProjects(t *testing.T) {
	m := auditlog.NewManager(t.TempDir())
	defer m.Close()
	ctx := context.Background()

	a, err := m.Store("proj-a")
	if err != nil {
		t.Fatal(err)
	}
	b, err := m.Store("proj-b")
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Fatal("expected distinct stores per project")
	}

	if _, err := a.Append(ctx, domain.LogEntry{Action: "only_in_a"}); err != nil {
		t.Fatal(err)
	}
	if err := a.SetMetadata(ctx, auditlog.MetaGoal, "goal a"); err != nil {
		t.Fatal(err)
	}

	entries, err := b.Query(ctx, auditlog.QueryOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("project b sees project a's entries: %+v", entries)
	}
	if _, err := b.GetMetadata(ctx, auditlog.MetaGoal); !errors.Is(err, auditlog.ErrNotFound) {
		t.Fatalf("project b sees project a's metadata: %v", err)
	}

	// same id returns the cached store
	again, err := m.Store("proj-a")
	if err != nil {
		t.Fatal(err)
	}
	if again != a {
		t.Fatal("expected cached store for repeat id")
	}
}

func TestManagerRejectsInvalidID(t *testing.T) {
	m := auditlog.NewManager(t.TempDir())
	defer m.Close()
	if _, err := m.Store(""); !errors.Is(err, auditlog.ErrInvalidStoreID) {
		t.Fatalf("expected ErrInvalidStoreID, got %v", err)
	}
	if _, err := m.Store("!!!"); !errors.Is(err, auditlog.ErrInvalidStoreID) {
		t.Fatalf("expected ErrInvalidStoreID, got %v", err)
	}
}

func TestManagerListReturnsOriginalIDs(t *testing.T) {
	dir := t.TempDir()
	m := auditlog.NewManager(dir)
	ctx := context.Background()

	for _, id := range []string{"Proj One", "proj-two"} {
		s, err := m.Store(id)
		if err != nil {
			t.Fatal(err)
		}
		if err := s.SetMetadata(ctx, auditlog.MetaProjectID, id); err != nil {
			t.Fatal(err)
		}
	}
	m.Close()

	// fresh manager discovers stores from disk
	m2 := auditlog.NewManager(dir)
	defer m2.Close()
	ids, err := m2.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 || ids[0] != "Proj One" || ids[1] != "proj-two" {
		t.Fatalf("unexpected ids: %v", ids)
	}
}

func TestStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	m := auditlog.NewManager(dir)
	s, err := m.Store("proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Record(ctx, map[string]any{auditlog.MetaGoal: "persist me", auditlog.MetaStatus: string(domain.ProjectRunning)}, domain.LogEntry{Action: "checkpoint"}); err != nil {
		t.Fatal(err)
	}
	m.Close()

	m2 := auditlog.NewManager(dir)
	defer m2.Close()
	s2, err := m2.Store("proj-1")
	if err != nil {
		t.Fatal(err)
	}
	goal, err := s2.GetMetadataString(ctx, auditlog.MetaGoal)
	if err != nil || goal != "persist me" {
		t.Fatalf("goal after reopen: %q, %v", goal, err)
	}
	entries, err := s2.Query(ctx, auditlog.QueryOptions{})
	if err != nil || len(entries) != 1 || entries[0].Action != "checkpoint" {
		t.Fatalf("entries after reopen: %+v, %v", entries, err)
	}
}
