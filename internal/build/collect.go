package build

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Collector gathers product binaries from a build output directory.
type Collector struct {
	Binaries []string // Binary names across all products
	Exclude  []string // Glob patterns matched against base names
}

// Collect walks dir and returns a bundle holding every known binary found.
// Excluded directories are not descended into and excluded files are never
// collected, so lock files and incremental caches stay out of the bundle.
func (c Collector) Collect(p Platform, dir string) (Bundle, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return Bundle{}, fmt.Errorf("failed to stat build output %s: %w", dir, err)
	}
	if !info.IsDir() {
		return Bundle{}, fmt.Errorf("build output %s is not a directory", dir)
	}

	wanted := make(map[string]string, len(c.Binaries)*2)
	for _, name := range c.Binaries {
		wanted[name] = name
		if p.IsWindows() {
			wanted[name+".exe"] = name + ".exe"
		}
	}

	found := make(map[string]File)
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == dir {
			return nil
		}
		if c.excluded(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		name, ok := wanted[d.Name()]
		if !ok {
			return nil
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			return err
		}
		// Shallowest match wins; the top-level release dir holds the final binary
		if prev, dup := found[name]; !dup || depth(abs) < depth(prev.Path) {
			found[name] = File{Name: name, Path: abs}
		}
		return nil
	})
	if err != nil {
		return Bundle{}, fmt.Errorf("failed to collect build output: %w", err)
	}

	files := make([]File, 0, len(found))
	for _, f := range found {
		files = append(files, f)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })

	return Bundle{Platform: p, Dir: dir, Files: files}, nil
}

func depth(path string) int {
	return strings.Count(path, string(filepath.Separator))
}

func (c Collector) excluded(name string) bool {
	for _, pattern := range c.Exclude {
		if ok, _ := filepath.Match(pattern, name); ok {
			return true
		}
	}
	return false
}
