// Package pack turns build bundles into per-product archives in both
// container formats. Archive contents are reproducible: entries are sorted
// and carry fixed timestamps and permissions, so packaging the same bundle
// twice yields identical bytes.
package pack

import (
	"archive/tar"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"os"
	"path"
	"path/filepath"
	"sort"
	"time"

	"github.com/dyluth/convoy/internal/build"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
)

// LatestLabel is the mutable label overwritten by every push-triggered run
const LatestLabel = "latest"

// Format is an archive container format.
type Format string

const (
	FormatTarGz Format = "tar.gz"
	FormatZip   Format = "zip"
)

// Formats lists every container produced for each product and platform
var Formats = []Format{FormatTarGz, FormatZip}

// entryModTime is stamped on every archive entry. Zip cannot represent
// anything before 1980.
var entryModTime = time.Date(1980, time.January, 1, 0, 0, 0, 0, time.UTC)

const entryMode = 0o755

// Product is one logical deliverable and the binaries it ships.
type Product struct {
	Name     string
	Binaries []string
}

// Archive is one packaged (product, platform, label, format) combination.
type Archive struct {
	Product   string
	Triple    string
	Label     string // Semantic version or LatestLabel
	Format    Format
	LocalPath string
	Size      int64
	SHA256    string
	Entries   []string // Member names in archive order
}

// Path returns the durable storage path.
// Pattern: {product}/{triple}/{label}.{tar.gz|zip}
func (a Archive) Path() string {
	return path.Join(a.Product, a.Triple, a.Label+"."+string(a.Format))
}

// AssetName is the file name used when attaching the archive to a release record.
func (a Archive) AssetName() string {
	return fmt.Sprintf("%s-%s-%s.%s", a.Product, a.Label, a.Triple, a.Format)
}

// Versioned reports whether the archive carries an immutable version label.
func (a Archive) Versioned() bool {
	return a.Label != LatestLabel
}

// ContentType returns the MIME type for the archive format.
func (a Archive) ContentType() string {
	if a.Format == FormatZip {
		return "application/zip"
	}
	return "application/gzip"
}

// Open opens the packaged file for reading.
func (a Archive) Open() (*os.File, error) {
	return os.Open(a.LocalPath)
}

// Packager writes archives below OutputDir using the storage path layout.
type Packager struct {
	Products  []Product
	OutputDir string
}

// PackageVersioned packages every product present in the bundle under its
// version from versions. A product present in the bundle without a version
// is an error.
func (p *Packager) PackageVersioned(bundle build.Bundle, versions map[string]string) ([]Archive, error) {
	return p.pack(bundle, func(product string) (string, error) {
		v, ok := versions[product]
		if !ok || v == "" {
			return "", fmt.Errorf("no version known for product %s", product)
		}
		if v == LatestLabel {
			return "", fmt.Errorf("product %s: %q is reserved and cannot be used as a version", product, LatestLabel)
		}
		return v, nil
	})
}

// PackageLatest packages every product present in the bundle under LatestLabel.
func (p *Packager) PackageLatest(bundle build.Bundle) ([]Archive, error) {
	return p.pack(bundle, func(string) (string, error) { return LatestLabel, nil })
}

func (p *Packager) pack(bundle build.Bundle, labelFor func(product string) (string, error)) ([]Archive, error) {
	triple := bundle.Platform.Triple()
	var archives []Archive

	for _, product := range p.Products {
		files, err := productFiles(bundle, product)
		if err != nil {
			return nil, err
		}
		if len(files) == 0 {
			log.Printf("[Pack] %s: no binaries for product %s, skipping", triple, product.Name)
			continue
		}

		label, err := labelFor(product.Name)
		if err != nil {
			return nil, err
		}

		for _, format := range Formats {
			a := Archive{Product: product.Name, Triple: triple, Label: label, Format: format}
			a.LocalPath = filepath.Join(p.OutputDir, filepath.FromSlash(a.Path()))
			if err := writeArchive(&a, files); err != nil {
				return nil, fmt.Errorf("failed to package %s: %w", a.Path(), err)
			}
			archives = append(archives, a)
		}
	}

	return archives, nil
}

// productFiles returns the product's binaries from the bundle sorted by name.
// A product is either fully present or absent; a partial set means the
// build produced an incomplete bundle.
func productFiles(bundle build.Bundle, product Product) ([]build.File, error) {
	var missing []string
	var out []build.File
	for _, bin := range product.Binaries {
		name := bin
		if bundle.Platform.IsWindows() {
			name += ".exe"
		}
		f, ok := bundle.Lookup(name)
		if !ok {
			missing = append(missing, name)
			continue
		}
		out = append(out, f)
	}
	if len(out) > 0 && len(missing) > 0 {
		return nil, fmt.Errorf("product %s is incomplete for %s: missing %v", product.Name, bundle.Platform.Triple(), missing)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func writeArchive(a *Archive, files []build.File) error {
	if err := os.MkdirAll(filepath.Dir(a.LocalPath), 0o755); err != nil {
		return err
	}
	f, err := os.Create(a.LocalPath)
	if err != nil {
		return err
	}
	defer f.Close()

	hash := sha256.New()
	counter := &countingWriter{}
	w := io.MultiWriter(f, hash, counter)

	switch a.Format {
	case FormatTarGz:
		err = writeTarGz(w, files)
	case FormatZip:
		err = writeZip(w, files)
	default:
		err = fmt.Errorf("unknown archive format %q", a.Format)
	}
	if err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	a.Size = counter.n
	a.SHA256 = hex.EncodeToString(hash.Sum(nil))
	a.Entries = make([]string, len(files))
	for i, file := range files {
		a.Entries[i] = file.Name
	}
	return nil
}

func writeTarGz(w io.Writer, files []build.File) error {
	gz, err := gzip.NewWriterLevel(w, gzip.BestCompression)
	if err != nil {
		return err
	}
	// Header.Name and Header.ModTime are left empty for stable output
	tw := tar.NewWriter(gz)

	for _, file := range files {
		info, err := os.Stat(file.Path)
		if err != nil {
			return err
		}
		hdr := &tar.Header{
			Typeflag: tar.TypeReg,
			Name:     file.Name,
			Mode:     entryMode,
			Size:     info.Size(),
			ModTime:  entryModTime,
			Format:   tar.FormatUSTAR,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if err := copyFile(tw, file.Path); err != nil {
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}

func writeZip(w io.Writer, files []build.File) error {
	zw := zip.NewWriter(w)

	for _, file := range files {
		hdr := &zip.FileHeader{
			Name:     file.Name,
			Method:   zip.Deflate,
			Modified: entryModTime,
		}
		hdr.SetMode(entryMode)
		writer, err := zw.CreateHeader(hdr)
		if err != nil {
			_ = zw.Close()
			return err
		}
		if err := copyFile(writer, file.Path); err != nil {
			_ = zw.Close()
			return err
		}
	}

	return zw.Close()
}

func copyFile(w io.Writer, src string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}

type countingWriter struct{ n int64 }

func (c *countingWriter) Write(p []byte) (int, error) {
	c.n += int64(len(p))
	return len(p), nil
}
