package worktree

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/mkallio/fanout/internal/testutil"
)

func TestFindGitRoot(t *testing.T) {
	testutil.SkipIfNoGit(t)

	t.Run("from repository root", func(t *testing.T) {
		repoDir := testutil.SetupTestRepo(t)
		got, err := FindGitRoot(repoDir)
		if err != nil {
			t.Fatalf("FindGitRoot: %v", err)
		}
		if got != repoDir {
			t.Errorf("root = %q, want %q", got, repoDir)
		}
	})

	t.Run("from nested subdirectory", func(t *testing.T) {
		repoDir := testutil.SetupTestRepo(t)
		subDir := filepath.Join(repoDir, "src", "internal", "deep")
		if err := os.MkdirAll(subDir, 0755); err != nil {
			t.Fatal(err)
		}
		got, err := FindGitRoot(subDir)
		if err != nil {
			t.Fatalf("FindGitRoot: %v", err)
		}
		if got != repoDir {
			t.Errorf("root = %q, want %q", got, repoDir)
		}
	})

	t.Run("non-git directory", func(t *testing.T) {
		if _, err := FindGitRoot(t.TempDir()); err == nil {
			t.Error("expected error outside a repository")
		}
	})
}

func TestManager_CreateListRemove(t *testing.T) {
	testutil.SkipIfNoGit(t)

	repoDir := testutil.SetupTestRepo(t)
	m, err := New(repoDir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	wtPath := filepath.Join(t.TempDir(), "job-wt")
	if _, err := m.Create("job-123", wtPath); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// The worktree inherits the repo content on the job branch.
	if _, err := os.Stat(filepath.Join(wtPath, "README.md")); err != nil {
		t.Errorf("worktree missing repo content: %v", err)
	}

	exists, err := m.Exists(wtPath)
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if !exists {
		t.Error("worktree not listed after create")
	}

	if err := m.Remove(wtPath); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	exists, err = m.Exists(wtPath)
	if err != nil {
		t.Fatalf("Exists after remove: %v", err)
	}
	if exists {
		t.Error("worktree still listed after remove")
	}

	if err := m.DeleteBranch("job-123"); err != nil {
		t.Errorf("DeleteBranch: %v", err)
	}
}

func TestManager_CreateDuplicateBranchFails(t *testing.T) {
	testutil.SkipIfNoGit(t)

	repoDir := testutil.SetupTestRepo(t)
	m, err := New(repoDir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	base := t.TempDir()
	if _, err := m.Create("job-dup", filepath.Join(base, "first")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := m.Create("job-dup", filepath.Join(base, "second")); err == nil {
		t.Error("expected second create on the same job to fail")
	}
}

func TestManager_HasUncommittedChanges(t *testing.T) {
	testutil.SkipIfNoGit(t)

	repoDir := testutil.SetupTestRepo(t)
	m, err := New(repoDir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	wtPath := filepath.Join(t.TempDir(), "job-wt")
	if _, err := m.Create("job-dirty", wtPath); err != nil {
		t.Fatalf("Create: %v", err)
	}

	dirty, err := m.HasUncommittedChanges(wtPath)
	if err != nil {
		t.Fatalf("HasUncommittedChanges: %v", err)
	}
	if dirty {
		t.Error("fresh worktree reported dirty")
	}

	if err := os.WriteFile(filepath.Join(wtPath, "scratch.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	dirty, err = m.HasUncommittedChanges(wtPath)
	if err != nil {
		t.Fatalf("HasUncommittedChanges: %v", err)
	}
	if !dirty {
		t.Error("modified worktree reported clean")
	}
}

func TestBranchName(t *testing.T) {
	if got := BranchName("abc"); got != "fanout/abc" {
		t.Errorf("BranchName = %q", got)
	}
}
