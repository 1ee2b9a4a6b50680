package archive

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stumn/Chatment-sub000/internal/store"
)

func TestSpaceArchiveLifecycle(t *testing.T) {
	tempDir := t.TempDir()
	svc := New(tempDir)

	if err := svc.EnsureSpaceRepo(7, "Planning", "Aki"); err != nil {
		t.Fatalf("EnsureSpaceRepo() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(tempDir, "space-7")); err != nil {
		t.Fatalf("repo directory missing: %v", err)
	}
	// Idempotent for an existing repo.
	if err := svc.EnsureSpaceRepo(7, "Planning", "Aki"); err != nil {
		t.Fatalf("second EnsureSpaceRepo() error = %v", err)
	}

	posts := []store.Post{
		{ID: "post_1", Content: "Agenda", OrderKey: 1},
		{ID: "post_2", Content: "Budget review", OrderKey: 2, IndentLevel: 1},
	}
	commit, err := svc.Snapshot(7, "Planning", posts, "Aki", "Snapshot before finish")
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if commit.Hash == "" {
		t.Fatal("expected commit hash")
	}

	markdown, head, err := svc.Head(7)
	if err != nil {
		t.Fatalf("Head() error = %v", err)
	}
	if head.Hash != commit.Hash {
		t.Errorf("head = %s, want %s", head.Hash, commit.Hash)
	}
	if !strings.Contains(markdown, "# Planning") || !strings.Contains(markdown, "  - Budget review") {
		t.Errorf("unexpected markdown:\n%s", markdown)
	}

	history, err := svc.History(7, 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history has %d commits, want 2", len(history))
	}
	if history[0].Hash != commit.Hash {
		t.Errorf("newest commit = %s, want %s", history[0].Hash, commit.Hash)
	}

	archived, err := svc.ContentByHash(7, commit.Hash)
	if err != nil {
		t.Fatalf("ContentByHash() error = %v", err)
	}
	if archived != markdown {
		t.Error("content by hash differs from head content")
	}
}

func TestRenderMarkdown(t *testing.T) {
	posts := []store.Post{
		{Content: "Intro", OrderKey: 1},
		{Content: "Point one", OrderKey: 2, IndentLevel: 1},
		{Content: "Detail\nwith newline", OrderKey: 3, IndentLevel: 2},
	}

	got := RenderMarkdown("Planning", posts)
	want := "# Planning\n\n- Intro\n\n  - Point one\n\n    - Detail with newline\n"
	if got != want {
		t.Errorf("RenderMarkdown() =\n%q\nwant\n%q", got, want)
	}
}

func TestConcurrentSnapshots(t *testing.T) {
	tempDir := t.TempDir()
	svc := New(tempDir)
	if err := svc.EnsureSpaceRepo(7, "Planning", "Aki"); err != nil {
		t.Fatalf("EnsureSpaceRepo() error = %v", err)
	}

	const writers = 8
	var wg sync.WaitGroup
	errCh := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			posts := []store.Post{{Content: fmt.Sprintf("row-%02d", idx), OrderKey: 1}}
			if _, err := svc.Snapshot(7, "Planning", posts, "Aki", fmt.Sprintf("Snapshot %02d", idx)); err != nil {
				errCh <- err
			}
		}(i)
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		t.Fatalf("Snapshot() concurrent error = %v", err)
	}

	history, err := svc.History(7, 100)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) < writers+1 {
		t.Fatalf("expected at least %d commits, got %d", writers+1, len(history))
	}
}
