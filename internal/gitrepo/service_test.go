package gitrepo

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func TestStepRepoLifecycle(t *testing.T) {
	tempDir := t.TempDir()
	svc := New(tempDir)

	if err := svc.EnsureStepRepo("step-1", "open page\nlog in", "Avery"); err != nil {
		t.Fatalf("EnsureStepRepo() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(tempDir, "step-1")); err != nil {
		t.Fatalf("repo directory missing: %v", err)
	}
	// second call is a no-op
	if err := svc.EnsureStepRepo("step-1", "ignored", "Avery"); err != nil {
		t.Fatalf("EnsureStepRepo() repeat error = %v", err)
	}

	commit, err := svc.CommitFork("step-1", "uc-1", "open page\nscan badge", "Blake", "Edited for use case uc-1")
	if err != nil {
		t.Fatalf("CommitFork() error = %v", err)
	}
	if commit.Hash == "" || commit.Author != "Blake" {
		t.Fatalf("unexpected commit: %+v", commit)
	}
	if commit.Added != 1 || commit.Removed != 1 {
		t.Fatalf("commit stats = +%d -%d, want +1 -1", commit.Added, commit.Removed)
	}

	fork, _, err := svc.HeadContent("step-1", ForkBranch("uc-1"))
	if err != nil {
		t.Fatalf("HeadContent(fork) error = %v", err)
	}
	if fork != "open page\nscan badge" {
		t.Fatalf("fork content = %q", fork)
	}
	base, _, err := svc.HeadContent("step-1", MainBranch)
	if err != nil {
		t.Fatalf("HeadContent(main) error = %v", err)
	}
	if base != "open page\nlog in" {
		t.Fatalf("fork commit leaked onto main: %q", base)
	}

	history, err := svc.History("step-1", ForkBranch("uc-1"), 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 commits on fork, got %d", len(history))
	}

	old, err := svc.ContentByHash("step-1", history[1].Hash)
	if err != nil {
		t.Fatalf("ContentByHash() error = %v", err)
	}
	if old != base {
		t.Fatalf("ContentByHash() = %q, want base", old)
	}
}

func TestCommitOverrideRecordsSupersededForks(t *testing.T) {
	svc := New(t.TempDir())
	if err := svc.EnsureStepRepo("step-1", "base", "Avery"); err != nil {
		t.Fatalf("EnsureStepRepo() error = %v", err)
	}
	for _, uc := range []string{"uc-1", "uc-2"} {
		if _, err := svc.CommitFork("step-1", uc, "edit "+uc, "Blake", "fork"); err != nil {
			t.Fatalf("CommitFork(%s) error = %v", uc, err)
		}
	}

	commit, err := svc.CommitOverride("step-1", "merged", "Casey", []string{"uc-1", "uc-2"})
	if err != nil {
		t.Fatalf("CommitOverride() error = %v", err)
	}
	if !strings.Contains(commit.Message, "superseded=usecase-uc-1,usecase-uc-2") {
		t.Fatalf("unexpected override message: %q", commit.Message)
	}
	head, _, err := svc.HeadContent("step-1", MainBranch)
	if err != nil {
		t.Fatalf("HeadContent() error = %v", err)
	}
	if head != "merged" {
		t.Fatalf("main = %q, want merged", head)
	}
	// fork branches are kept
	if fork, _, err := svc.HeadContent("step-1", ForkBranch("uc-2")); err != nil || fork != "edit uc-2" {
		t.Fatalf("fork branch = %q, %v", fork, err)
	}
}

func TestTagApproval(t *testing.T) {
	svc := New(t.TempDir())
	if err := svc.EnsureStepRepo("step-1", "base", "Avery"); err != nil {
		t.Fatalf("EnsureStepRepo() error = %v", err)
	}
	if err := svc.TagApproval("step-1", MainBranch, "approved-1", "Casey"); err != nil {
		t.Fatalf("TagApproval() error = %v", err)
	}
	if err := svc.TagApproval("step-1", MainBranch, "approved-1", "Casey"); err != nil {
		t.Fatalf("TagApproval() repeat error = %v", err)
	}
}

func TestConcurrentForkCommits(t *testing.T) {
	svc := New(t.TempDir())
	if err := svc.EnsureStepRepo("step-1", "base", "Avery"); err != nil {
		t.Fatalf("EnsureStepRepo() error = %v", err)
	}

	const writers = 12
	var wg sync.WaitGroup
	errCh := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			uc := fmt.Sprintf("uc-%d", idx%3)
			if _, err := svc.CommitFork("step-1", uc, fmt.Sprintf("edit-%02d", idx), "Blake", "fork"); err != nil {
				errCh <- err
			}
		}(i)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatalf("CommitFork() concurrent error = %v", err)
	}

	total := 0
	for i := 0; i < 3; i++ {
		history, err := svc.History("step-1", ForkBranch(fmt.Sprintf("uc-%d", i)), 100)
		if err != nil {
			t.Fatalf("History() error = %v", err)
		}
		total += len(history) - 1
	}
	if total != writers {
		t.Fatalf("expected %d fork commits, got %d", writers, total)
	}
}
