// Package git reads the state of the local source tree so manual runs can be
// evaluated against the commit that is actually checked out.
package git

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/dyluth/convoy/internal/toolexec"
)

// Checker runs git in one working directory
type Checker struct {
	Dir string
}

// NewChecker creates a checker for dir ("" means the current directory)
func NewChecker(dir string) *Checker {
	return &Checker{Dir: dir}
}

// Commit describes the checked-out commit
type Commit struct {
	SHA     string
	Message string // Subject line only
	Branch  string // Empty on a detached HEAD
}

func (c *Checker) git(ctx context.Context, args ...string) (string, error) {
	res, err := toolexec.Run(ctx, toolexec.Command{Args: append([]string{"git"}, args...), Dir: c.Dir})
	if err != nil {
		var execErr *exec.Error
		if errors.As(err, &execErr) {
			return "", fmt.Errorf("git not found in PATH\nInstall Git: https://git-scm.com/downloads")
		}
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

// IsGitRepository checks if the directory is within a Git repository
func (c *Checker) IsGitRepository(ctx context.Context) (bool, error) {
	_, err := c.git(ctx, "rev-parse", "--git-dir")
	if err != nil {
		var exitErr *toolexec.ExitError
		if errors.As(err, &exitErr) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// GetGitRoot returns the absolute path to the Git repository root
func (c *Checker) GetGitRoot(ctx context.Context) (string, error) {
	root, err := c.git(ctx, "rev-parse", "--show-toplevel")
	if err != nil {
		return "", fmt.Errorf("failed to get Git root: %w", err)
	}
	return root, nil
}

// Head returns the checked-out commit
func (c *Checker) Head(ctx context.Context) (Commit, error) {
	sha, err := c.git(ctx, "rev-parse", "HEAD")
	if err != nil {
		return Commit{}, fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	msg, err := c.git(ctx, "log", "-1", "--format=%s", "HEAD")
	if err != nil {
		return Commit{}, fmt.Errorf("failed to read commit message: %w", err)
	}
	// Exits non-zero on a detached HEAD
	branch, _ := c.git(ctx, "symbolic-ref", "--quiet", "--short", "HEAD")

	return Commit{SHA: sha, Message: msg, Branch: branch}, nil
}

// IsWorkspaceClean returns true if the Git working directory has no uncommitted changes.
// This includes staged, unstaged, and untracked files.
func (c *Checker) IsWorkspaceClean(ctx context.Context) (bool, error) {
	out, err := c.git(ctx, "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("failed to check Git status: %w", err)
	}
	return out == "", nil
}

// GetDirtyFiles returns a formatted list of uncommitted changes for warnings.
// Returns empty string if workspace is clean.
func (c *Checker) GetDirtyFiles(ctx context.Context) (string, error) {
	porcelain, err := c.git(ctx, "status", "--porcelain")
	if err != nil {
		return "", fmt.Errorf("failed to check Git status: %w", err)
	}
	return FormatPorcelain(porcelain), nil
}

// FormatPorcelain groups `git status --porcelain` output into modified and
// untracked sections.
func FormatPorcelain(porcelain string) string {
	if porcelain == "" {
		return ""
	}

	var modified, untracked []string
	for _, line := range strings.Split(porcelain, "\n") {
		if len(line) < 3 {
			continue
		}
		status := line[:2]
		file := strings.TrimSpace(line[2:])

		if strings.HasPrefix(status, "??") {
			untracked = append(untracked, file)
		} else {
			modified = append(modified, file)
		}
	}

	var parts []string
	if len(modified) > 0 {
		parts = append(parts, "Uncommitted changes:")
		for _, file := range modified {
			parts = append(parts, fmt.Sprintf(" M %s", file))
		}
	}
	if len(untracked) > 0 {
		if len(parts) > 0 {
			parts = append(parts, "")
		}
		parts = append(parts, "Untracked files:")
		for _, file := range untracked {
			parts = append(parts, fmt.Sprintf("?? %s", file))
		}
	}

	return strings.Join(parts, "\n")
}
