// Package worktree manages the isolated git worktrees that jobs run in.
// A job gets its own worktree and branch so agent edits never touch the
// caller's checkout, and an interrupted job's worktree survives for
// resume.
package worktree

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// BranchPrefix is the namespace for job branches.
const BranchPrefix = "fanout/"

// Manager handles git worktree operations for one repository.
type Manager struct {
	repoDir string
}

// FindGitRoot walks up from startDir to the directory containing .git,
// which may be a directory or, inside a worktree, a file.
func FindGitRoot(startDir string) (string, error) {
	dir := startDir
	for {
		gitPath := filepath.Join(dir, ".git")
		if info, err := os.Stat(gitPath); err == nil {
			if info.IsDir() || info.Mode().IsRegular() {
				return dir, nil
			}
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("not a git repository (or any parent up to mount point)")
		}
		dir = parent
	}
}

// New creates a Manager rooted at the repository containing repoDir.
func New(repoDir string) (*Manager, error) {
	gitRoot, err := FindGitRoot(repoDir)
	if err != nil {
		return nil, fmt.Errorf("not a git repository: %s", repoDir)
	}
	return &Manager{repoDir: gitRoot}, nil
}

// RepoDir returns the repository root the manager operates on.
func (m *Manager) RepoDir() string {
	return m.repoDir
}

// BranchName returns the branch a job's worktree is created on.
func BranchName(jobID string) string {
	return BranchPrefix + jobID
}

// Create makes a worktree for the job at path, on a fresh branch cut
// from the current HEAD. It returns the worktree path.
func (m *Manager) Create(jobID, path string) (string, error) {
	cmd := exec.Command("git", "worktree", "add", "-b", BranchName(jobID), path)
	cmd.Dir = m.repoDir

	if output, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("failed to create worktree: %w\n%s", err, string(output))
	}
	return path, nil
}

// Attach recreates a worktree at path on the job's existing branch.
// Used on resume when the original worktree directory is gone but the
// branch survived.
func (m *Manager) Attach(jobID, path string) (string, error) {
	cmd := exec.Command("git", "worktree", "add", path, BranchName(jobID))
	cmd.Dir = m.repoDir

	if output, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("failed to attach worktree: %w\n%s", err, string(output))
	}
	return path, nil
}

// Exists reports whether path is a registered worktree of the
// repository. A resumed job re-uses its worktree when it still exists.
func (m *Manager) Exists(path string) (bool, error) {
	paths, err := m.List()
	if err != nil {
		return false, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return false, err
	}
	for _, p := range paths {
		if p == abs {
			return true, nil
		}
	}
	return false, nil
}

// Remove removes a worktree. When git refuses, the directory is
// deleted manually and stale references are pruned.
func (m *Manager) Remove(path string) error {
	cmd := exec.Command("git", "worktree", "remove", "--force", path)
	cmd.Dir = m.repoDir

	if output, err := cmd.CombinedOutput(); err != nil {
		_ = os.RemoveAll(path)
		_ = m.Prune()
		return fmt.Errorf("failed to remove worktree cleanly: %w\n%s", err, string(output))
	}
	return nil
}

// DeleteBranch removes a job's branch after its worktree is gone.
func (m *Manager) DeleteBranch(jobID string) error {
	cmd := exec.Command("git", "branch", "-D", BranchName(jobID))
	cmd.Dir = m.repoDir

	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to delete branch %s: %w\n%s", BranchName(jobID), err, string(output))
	}
	return nil
}

// List returns the absolute paths of all worktrees, the main checkout
// included.
func (m *Manager) List() ([]string, error) {
	cmd := exec.Command("git", "worktree", "list", "--porcelain")
	cmd.Dir = m.repoDir

	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("failed to list worktrees: %w", err)
	}

	var worktrees []string
	for _, line := range strings.Split(string(output), "\n") {
		if path, ok := strings.CutPrefix(line, "worktree "); ok {
			worktrees = append(worktrees, path)
		}
	}
	return worktrees, nil
}

// Prune drops references to worktrees whose directories are gone.
func (m *Manager) Prune() error {
	cmd := exec.Command("git", "worktree", "prune")
	cmd.Dir = m.repoDir
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to prune worktrees: %w\n%s", err, string(output))
	}
	return nil
}

// HasUncommittedChanges reports whether the worktree at path is dirty.
func (m *Manager) HasUncommittedChanges(path string) (bool, error) {
	cmd := exec.Command("git", "status", "--porcelain")
	cmd.Dir = path

	output, err := cmd.Output()
	if err != nil {
		return false, fmt.Errorf("failed to check worktree status: %w", err)
	}
	return len(strings.TrimSpace(string(output))) > 0, nil
}
