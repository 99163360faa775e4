package scaffold

import (
	"embed"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dyluth/convoy/internal/config"
)

//go:embed templates/*
var templatesFS embed.FS

// ConfigFile is the name of the generated configuration
const ConfigFile = "convoy.yml"

// BuildScript is the example build procedure referenced by the template
var BuildScript = filepath.Join("scripts", "build.sh")

// FileInfo represents a file to be created during initialization
type FileInfo struct {
	Path        string
	Content     []byte
	Permissions os.FileMode
}

// Initialize writes convoy.yml and an example build script into dir.
// If force is true, existing files are overwritten.
func Initialize(dir string, force bool) error {
	if !force {
		if err := CheckExisting(dir); err != nil {
			return err
		}
	}

	files, err := getTemplateFiles()
	if err != nil {
		return err
	}

	for _, file := range files {
		path := filepath.Join(dir, file.Path)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", filepath.Dir(path), err)
		}
		if err := os.WriteFile(path, file.Content, file.Permissions); err != nil {
			return fmt.Errorf("failed to write %s: %w", file.Path, err)
		}
	}

	// The template must always load cleanly
	if _, err := config.Load(filepath.Join(dir, ConfigFile)); err != nil {
		return fmt.Errorf("generated %s is invalid: %w", ConfigFile, err)
	}

	return nil
}

func getTemplateFiles() ([]FileInfo, error) {
	convoyYml, err := templatesFS.ReadFile("templates/convoy.yml.tmpl")
	if err != nil {
		return nil, fmt.Errorf("failed to read convoy.yml template: %w", err)
	}
	buildSh, err := templatesFS.ReadFile("templates/build.sh.tmpl")
	if err != nil {
		return nil, fmt.Errorf("failed to read build.sh template: %w", err)
	}

	return []FileInfo{
		{Path: ConfigFile, Content: convoyYml, Permissions: 0o644},
		{Path: BuildScript, Content: buildSh, Permissions: 0o755}, // Executable
	}, nil
}

// PrintSuccess prints the created files and next steps
func PrintSuccess(w io.Writer) {
	fmt.Fprintln(w, "\n✅ Successfully initialized convoy!")
	fmt.Fprintln(w, "\nCreated:")
	fmt.Fprintf(w, "  ✓ %s\n", ConfigFile)
	fmt.Fprintf(w, "  ✓ %s\n", BuildScript)
	fmt.Fprintln(w, "\nNext steps:")
	fmt.Fprintln(w, "  1. Set trigger.owner, products and release_host.repository in convoy.yml")
	fmt.Fprintln(w, "  2. Check the pipeline would start: convoy gate --ref main")
	fmt.Fprintln(w, "  3. Start local Redis and MinIO: convoy up")
}
