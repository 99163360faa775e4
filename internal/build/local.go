package build

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/dyluth/convoy/internal/toolexec"
)

// Environment variables every builder sets for the external build procedure
const (
	EnvTarget    = "CONVOY_TARGET"
	EnvOutputDir = "CONVOY_OUTPUT_DIR"
	EnvRunID     = "CONVOY_RUN_ID"
)

// LocalBuilder runs the build command as a host process. Isolation is limited
// to a dedicated output directory per platform; use DockerBuilder when tasks
// must not share a toolchain.
type LocalBuilder struct {
	Command    []string // Supports {triple}, {os}, {arch}, {linkage}, {output}
	Workdir    string
	OutputRoot string // Each run writes to HandoffDir(OutputRoot/{run_id}, platform)
	Collector  Collector
	Output     io.Writer // Optional; receives build output as "[triple] line"

	outputMu sync.Mutex
}

// Build runs the command for one platform and collects its bundle.
func (b *LocalBuilder) Build(ctx context.Context, task Task) (Bundle, error) {
	outDir, err := filepath.Abs(HandoffDir(filepath.Join(b.OutputRoot, task.RunID), task.Platform))
	if err != nil {
		return Bundle{}, fmt.Errorf("failed to resolve output dir: %w", err)
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return Bundle{}, fmt.Errorf("failed to create output dir: %w", err)
	}

	env := append([]string{}, task.Env...)
	env = append(env,
		fmt.Sprintf("%s=%s", EnvTarget, task.Platform.Triple()),
		fmt.Sprintf("%s=%s", EnvOutputDir, outDir),
		fmt.Sprintf("%s=%s", EnvRunID, task.RunID),
	)

	cmd := toolexec.Command{
		Args: toolexec.Expand(b.Command, placeholders(task.Platform, outDir)),
		Dir:  b.Workdir,
		Env:  env,
	}
	if b.Output != nil {
		stream := &prefixWriter{mu: &b.outputMu, w: b.Output, prefix: "[" + task.Platform.Triple() + "] "}
		defer stream.Flush()
		cmd.Stream = stream
	}

	if _, err := toolexec.Run(ctx, cmd); err != nil {
		return Bundle{}, err
	}

	return b.Collector.Collect(task.Platform, outDir)
}

func placeholders(p Platform, outDir string) map[string]string {
	return map[string]string{
		"triple":  p.Triple(),
		"os":      p.OS,
		"arch":    p.Arch,
		"linkage": p.Linkage,
		"output":  outDir,
	}
}
