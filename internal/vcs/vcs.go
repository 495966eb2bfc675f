// Package vcs wraps the version-control operations the transpose pipeline
// needs from a checkout: syncing it, reading a file's content at a
// historical ref, and uploading the working tree for review. The engine only
// sees the Client interface; the shell implementation drives the git and
// repo command-line tools.
package vcs

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
)

// Client provides version-control operations on a checkout.
type Client interface {
	// Sync brings the checkout up to date (repo sync).
	Sync(ctx context.Context, checkout string) error
	// FileAtRef returns the content of relPath (checkout-relative) as it
	// existed at the given git ref. It fails if the ref or the file does
	// not exist at that point in history.
	FileAtRef(ctx context.Context, checkout, ref, relPath string) ([]byte, error)
	// Upload commits the working tree of the git project at relDir
	// (checkout-relative) and uploads it for review.
	Upload(ctx context.Context, checkout, relDir string, reviewers []string) error
}

// ShellClient implements Client by shelling out to git and repo.
type ShellClient struct{}

// NewShellClient creates a client backed by the git and repo commands.
func NewShellClient() *ShellClient {
	return &ShellClient{}
}

// Sync runs repo sync inside the checkout.
func (c *ShellClient) Sync(ctx context.Context, checkout string) error {
	cmd := exec.CommandContext(ctx, "repo", "sync", "--current-branch")
	cmd.Dir = checkout
	if err := runCommand(cmd); err != nil {
		return fmt.Errorf("repo sync in %s failed: %w", checkout, err)
	}
	return nil
}

// FileAtRef reads relPath at the given ref via git show. The git project is
// assumed to contain the file's directory, so the command runs there and
// shows the file by basename.
func (c *ShellClient) FileAtRef(ctx context.Context, checkout, ref, relPath string) ([]byte, error) {
	dir := filepath.Join(checkout, filepath.FromSlash(filepath.Dir(relPath)))
	spec := ref + ":./" + filepath.Base(relPath)
	cmd := exec.CommandContext(ctx, "git", "-C", dir, "show", spec)
	output, err := cmd.Output()
	if err != nil {
		detail := ""
		if exitErr, ok := err.(*exec.ExitError); ok {
			detail = ": " + strings.TrimSpace(string(exitErr.Stderr))
		}
		return nil, fmt.Errorf("git show %s in %s failed: %w%s", spec, dir, err, detail)
	}
	return output, nil
}

// Upload stages and commits everything under the project at relDir, then
// runs repo upload against it with the given reviewers.
func (c *ShellClient) Upload(ctx context.Context, checkout, relDir string, reviewers []string) error {
	dir := filepath.Join(checkout, filepath.FromSlash(relDir))

	add := exec.CommandContext(ctx, "git", "-C", dir, "add", "-A", ".")
	if err := runCommand(add); err != nil {
		return fmt.Errorf("git add in %s failed: %w", dir, err)
	}
	commit := exec.CommandContext(ctx, "git", "-C", dir, "commit", "-m", "Transpose new patches from the sibling PATCHES.json")
	if err := runCommand(commit); err != nil {
		return fmt.Errorf("git commit in %s failed: %w", dir, err)
	}

	args := []string{"upload", "--br=main", "--no-verify", "-y"}
	if len(reviewers) > 0 {
		args = append(args, "--re="+strings.Join(reviewers, ","))
	}
	args = append(args, ".")
	upload := exec.CommandContext(ctx, "repo", args...)
	upload.Dir = dir
	if err := runCommand(upload); err != nil {
		return fmt.Errorf("repo upload in %s failed: %w", dir, err)
	}
	return nil
}

// runCommand executes a command and returns an error with its output on failure.
func runCommand(cmd *exec.Cmd) error {
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, string(output))
	}
	return nil
}
