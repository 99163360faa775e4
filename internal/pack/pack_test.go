package pack

import (
	"archive/tar"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/dyluth/convoy/internal/build"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBundle(t *testing.T, p build.Platform, names ...string) build.Bundle {
	t.Helper()
	dir := t.TempDir()
	bundle := build.Bundle{Platform: p, Dir: dir}
	for _, name := range names {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte("binary:"+name), 0o700))
		bundle.Files = append(bundle.Files, build.File{Name: name, Path: path})
	}
	return bundle
}

func testProducts() []Product {
	return []Product{
		{Name: "safe", Binaries: []string{"safe"}},
		{Name: "sn_node", Binaries: []string{"safenode", "safenode_rpc_client"}},
		{Name: "faucet", Binaries: []string{"faucet"}},
	}
}

var linux = build.Platform{OS: "linux", Arch: "x86_64", Linkage: "musl", Name: "x86_64-unknown-linux-musl"}

func tarEntries(t *testing.T, path string) map[string]*tar.Header {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	tr := tar.NewReader(gz)

	out := map[string]*tar.Header{}
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		out[hdr.Name] = hdr
	}
	return out
}

func TestPackageVersioned_PathsAndFormats(t *testing.T) {
	bundle := testBundle(t, linux, "safe", "safenode", "safenode_rpc_client")
	p := &Packager{Products: testProducts(), OutputDir: t.TempDir()}

	archives, err := p.PackageVersioned(bundle, map[string]string{"safe": "0.83.1", "sn_node": "0.90.0"})
	require.NoError(t, err)
	require.Len(t, archives, 4, "faucet is absent from the bundle")

	assert.Equal(t, "safe/x86_64-unknown-linux-musl/0.83.1.tar.gz", archives[0].Path())
	assert.Equal(t, "safe/x86_64-unknown-linux-musl/0.83.1.zip", archives[1].Path())
	assert.Equal(t, "sn_node/x86_64-unknown-linux-musl/0.90.0.tar.gz", archives[2].Path())
	assert.Equal(t, "sn_node-0.90.0-x86_64-unknown-linux-musl.zip", archives[3].AssetName())

	for _, a := range archives {
		assert.True(t, a.Versioned())
		assert.FileExists(t, a.LocalPath)
		assert.Len(t, a.SHA256, 64)
		info, err := os.Stat(a.LocalPath)
		require.NoError(t, err)
		assert.Equal(t, info.Size(), a.Size)
	}
	assert.Equal(t, []string{"safenode", "safenode_rpc_client"}, archives[2].Entries)
	assert.Equal(t, "application/gzip", archives[0].ContentType())
	assert.Equal(t, "application/zip", archives[1].ContentType())
}

func TestPackage_TarMembership(t *testing.T) {
	bundle := testBundle(t, linux, "safenode_rpc_client", "safenode")
	p := &Packager{Products: testProducts(), OutputDir: t.TempDir()}

	archives, err := p.PackageLatest(bundle)
	require.NoError(t, err)
	require.Len(t, archives, 2)
	assert.Equal(t, "sn_node/x86_64-unknown-linux-musl/latest.tar.gz", archives[0].Path())
	assert.False(t, archives[0].Versioned())

	entries := tarEntries(t, archives[0].LocalPath)
	require.Len(t, entries, 2)
	hdr := entries["safenode"]
	require.NotNil(t, hdr)
	assert.Equal(t, int64(0o755), hdr.Mode)
	assert.True(t, entryModTime.Equal(hdr.ModTime))
	assert.Equal(t, 0, hdr.Uid)
}

func TestPackage_ZipMembership(t *testing.T) {
	bundle := testBundle(t, linux, "safe")
	p := &Packager{Products: testProducts(), OutputDir: t.TempDir()}

	archives, err := p.PackageLatest(bundle)
	require.NoError(t, err)
	require.Len(t, archives, 2)

	zr, err := zip.OpenReader(archives[1].LocalPath)
	require.NoError(t, err)
	defer zr.Close()

	require.Len(t, zr.File, 1)
	assert.Equal(t, "safe", zr.File[0].Name)

	rc, err := zr.File[0].Open()
	require.NoError(t, err)
	defer rc.Close()
	content, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "binary:safe", string(content))
}

func TestPackage_Reproducible(t *testing.T) {
	bundle := testBundle(t, linux, "safe", "safenode", "safenode_rpc_client", "faucet")
	versions := map[string]string{"safe": "1.0.0", "sn_node": "2.0.0", "faucet": "3.0.0"}

	first, err := (&Packager{Products: testProducts(), OutputDir: t.TempDir()}).PackageVersioned(bundle, versions)
	require.NoError(t, err)

	// Touch the binaries so host mtimes differ between runs
	for _, f := range bundle.Files {
		require.NoError(t, os.Chtimes(f.Path, entryModTime, entryModTime))
	}

	second, err := (&Packager{Products: testProducts(), OutputDir: t.TempDir()}).PackageVersioned(bundle, versions)
	require.NoError(t, err)

	require.Len(t, second, len(first))
	for i := range first {
		assert.Equal(t, first[i].Path(), second[i].Path())
		assert.Equal(t, first[i].Entries, second[i].Entries)
		assert.Equal(t, first[i].SHA256, second[i].SHA256, "archive %s differs", first[i].Path())
	}
}

func TestPackage_WindowsBinaries(t *testing.T) {
	win := build.Platform{OS: "windows", Arch: "x86_64", Linkage: "msvc", Name: "x86_64-pc-windows-msvc"}
	bundle := testBundle(t, win, "safe.exe")
	p := &Packager{Products: testProducts(), OutputDir: t.TempDir()}

	archives, err := p.PackageVersioned(bundle, map[string]string{"safe": "0.1.0"})
	require.NoError(t, err)
	require.Len(t, archives, 2)
	assert.Equal(t, []string{"safe.exe"}, archives[0].Entries)
	assert.Equal(t, "safe/x86_64-pc-windows-msvc/0.1.0.zip", archives[1].Path())
}

func TestPackage_Errors(t *testing.T) {
	p := &Packager{Products: testProducts(), OutputDir: t.TempDir()}

	t.Run("missing version", func(t *testing.T) {
		_, err := p.PackageVersioned(testBundle(t, linux, "safe"), map[string]string{})
		assert.ErrorContains(t, err, "no version known for product safe")
	})

	t.Run("latest is reserved", func(t *testing.T) {
		_, err := p.PackageVersioned(testBundle(t, linux, "safe"), map[string]string{"safe": "latest"})
		assert.ErrorContains(t, err, "reserved")
	})

	t.Run("incomplete product", func(t *testing.T) {
		_, err := p.PackageLatest(testBundle(t, linux, "safenode"))
		assert.ErrorContains(t, err, "product sn_node is incomplete")
	})
}
