// Package build runs the build matrix: one isolated build task per target
// platform, executed in parallel and joined at a single barrier.
package build

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrBuildTaskFailed is wrapped by every TaskError.
var ErrBuildTaskFailed = errors.New("build task failed")

// Platform is one (os, arch, linkage) build target.
type Platform struct {
	OS      string
	Arch    string
	Linkage string
	Name    string // Target triple; derived from the other fields when empty
}

// Triple returns the platform's target triple.
func (p Platform) Triple() string {
	if p.Name != "" {
		return p.Name
	}
	parts := []string{p.Arch, p.OS}
	if p.Linkage != "" {
		parts = append(parts, p.Linkage)
	}
	return strings.Join(parts, "-")
}

// IsWindows reports whether binaries for this platform carry an .exe suffix.
func (p Platform) IsWindows() bool {
	return p.OS == "windows" || strings.Contains(p.Name, "windows")
}

// TaskStatus is the lifecycle state of one build task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
)

// Task is the input to a Builder for one platform.
type Task struct {
	RunID    string
	Platform Platform
	Env      []string // KEY=VALUE pairs propagated into the build environment
}

// File is one binary inside a bundle.
type File struct {
	Name string // Binary name as it will appear inside archives
	Path string // Absolute path on the local filesystem
}

// Bundle is the raw output of one build task.
type Bundle struct {
	Platform Platform
	Dir      string
	Files    []File
}

// Lookup returns the file with the given binary name.
func (b Bundle) Lookup(name string) (File, bool) {
	for _, f := range b.Files {
		if f.Name == name {
			return f, true
		}
	}
	return File{}, false
}

// Builder provisions an isolated environment for one platform, runs the
// external build procedure in it and returns the collected bundle.
type Builder interface {
	Build(ctx context.Context, task Task) (Bundle, error)
}

// TaskError reports the failure of one platform's build.
type TaskError struct {
	Platform Platform
	Err      error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("build for %s failed: %v", e.Platform.Triple(), e.Err)
}

func (e *TaskError) Unwrap() []error {
	return []error{ErrBuildTaskFailed, e.Err}
}

// HandoffDir returns the inter-stage directory for a platform under root.
// Pattern: {root}/{triple}/release
func HandoffDir(root string, p Platform) string {
	return filepath.Join(root, p.Triple(), "release")
}
