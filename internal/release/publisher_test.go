package release

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/dyluth/convoy/internal/build"
	"github.com/dyluth/convoy/internal/pack"
	"github.com/dyluth/convoy/internal/trigger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type publishCall struct {
	Product, Version string
	DryRun           bool
}

type fakeRegistry struct {
	mu        sync.Mutex
	bumps     []Bump
	planErr   error
	failOn    string
	published []publishCall
}

func (r *fakeRegistry) Versions(ctx context.Context) (map[string]string, error) {
	out := map[string]string{}
	for _, b := range r.bumps {
		out[b.Product] = b.Next
	}
	return out, nil
}

func (r *fakeRegistry) Plan(ctx context.Context) ([]Bump, error) {
	return r.bumps, r.planErr
}

func (r *fakeRegistry) Publish(ctx context.Context, product, version string, dryRun bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if product == r.failOn {
		return errors.New("registry rejected " + product)
	}
	r.published = append(r.published, publishCall{product, version, dryRun})
	return nil
}

type fakeHost struct {
	mu        sync.Mutex
	created   []ReleaseRequest
	assets    []string
	createErr error
}

func (h *fakeHost) CreateRelease(ctx context.Context, req ReleaseRequest) (*HostedRelease, error) {
	if h.createErr != nil {
		return nil, h.createErr
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.created = append(h.created, req)
	return &HostedRelease{ID: 42, TagName: req.TagName, HTMLURL: "https://example.test/releases/42", Draft: req.Draft}, nil
}

func (h *fakeHost) UploadAsset(ctx context.Context, rel *HostedRelease, name, contentType string, body io.Reader, size int64) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	if int64(len(data)) != size {
		return errors.New("size mismatch")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.assets = append(h.assets, name)
	return nil
}

func versionedArchives(t *testing.T, versions map[string]string) []pack.Archive {
	t.Helper()
	dir := t.TempDir()
	var files []build.File
	var products []pack.Product
	for product := range versions {
		path := filepath.Join(dir, product)
		require.NoError(t, os.WriteFile(path, []byte(product), 0o755))
		files = append(files, build.File{Name: product, Path: path})
		products = append(products, pack.Product{Name: product, Binaries: []string{product}})
	}
	bundle := build.Bundle{Platform: build.Platform{OS: "linux", Arch: "x86_64", Linkage: "musl"}, Dir: dir, Files: files}
	archives, err := (&pack.Packager{Products: products, OutputDir: t.TempDir()}).PackageVersioned(bundle, versions)
	require.NoError(t, err)
	return archives
}

func TestPublish_StableCreatesTaggedRelease(t *testing.T) {
	reg := &fakeRegistry{bumps: []Bump{
		{Product: "sn_node", Previous: "0.90.0", Next: "0.91.0"},
		{Product: "safe", Previous: "0.83.0", Next: "0.83.1"},
	}}
	host := &fakeHost{}
	p := &Publisher{Registry: reg, Host: host, Products: []string{"safe", "sn_node", "faucet"}}

	archives := versionedArchives(t, map[string]string{"safe": "0.83.1", "sn_node": "0.91.0", "faucet": "0.1.0"})

	rec, err := p.Publish(context.Background(), trigger.Stable, archives)
	require.NoError(t, err)
	require.NotNil(t, rec)

	assert.Equal(t, []publishCall{{"safe", "0.83.1", false}, {"sn_node", "0.91.0", false}}, reg.published)
	assert.Equal(t, "safe-v0.83.1", rec.Tag)
	assert.False(t, rec.Draft)
	assert.True(t, rec.TagCreated)
	assert.False(t, rec.DryRun)
	assert.Equal(t, "https://example.test/releases/42", rec.URL)
	assert.Contains(t, rec.Changelog, "- safe: 0.83.0 -> 0.83.1")

	require.Len(t, host.created, 1)
	assert.False(t, host.created[0].Draft)
	assert.Equal(t, rec.Changelog, host.created[0].Body)

	// faucet did not change, so its archives are not attached
	assert.Equal(t, []string{
		"safe-0.83.1-x86_64-linux-musl.tar.gz",
		"safe-0.83.1-x86_64-linux-musl.zip",
		"sn_node-0.91.0-x86_64-linux-musl.tar.gz",
		"sn_node-0.91.0-x86_64-linux-musl.zip",
	}, host.assets)
	assert.Equal(t, host.assets, rec.Assets)
}

func TestPublish_NonStableIsDryDraftWithoutTag(t *testing.T) {
	for _, class := range []trigger.BranchClass{
		trigger.PreRelease(trigger.KindAlpha),
		trigger.PreRelease(trigger.KindBeta),
		trigger.PreRelease(trigger.KindRC),
		trigger.Other,
	} {
		t.Run(class.String(), func(t *testing.T) {
			reg := &fakeRegistry{bumps: []Bump{{Product: "safe", Previous: "1.0.0", Next: "1.1.0-alpha.1"}}}
			host := &fakeHost{}
			p := &Publisher{Registry: reg, Host: host, Products: []string{"safe"}}

			rec, err := p.Publish(context.Background(), class, versionedArchives(t, map[string]string{"safe": "1.1.0-alpha.1"}))
			require.NoError(t, err)

			for _, call := range reg.published {
				assert.True(t, call.DryRun, "non-stable runs never publish publicly")
			}
			assert.True(t, rec.Draft)
			assert.False(t, rec.TagCreated)
			assert.True(t, rec.DryRun)
			require.Len(t, host.created, 1)
			assert.True(t, host.created[0].Draft)
		})
	}
}

func TestPublish_NoChangesIsNoop(t *testing.T) {
	reg := &fakeRegistry{}
	host := &fakeHost{}
	p := &Publisher{Registry: reg, Host: host}

	rec, err := p.Publish(context.Background(), trigger.Stable, nil)
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.Empty(t, reg.published)
	assert.Empty(t, host.created)
}

func TestPublish_Failures(t *testing.T) {
	t.Run("plan", func(t *testing.T) {
		p := &Publisher{Registry: &fakeRegistry{planErr: errors.New("boom")}, Host: &fakeHost{}}
		_, err := p.Publish(context.Background(), trigger.Stable, nil)
		assert.True(t, errors.Is(err, ErrPublishFailed))
	})

	t.Run("registry publish", func(t *testing.T) {
		host := &fakeHost{}
		reg := &fakeRegistry{bumps: []Bump{{Product: "safe", Next: "1.0.0"}}, failOn: "safe"}
		_, err := (&Publisher{Registry: reg, Host: host}).Publish(context.Background(), trigger.Stable, nil)
		assert.True(t, errors.Is(err, ErrPublishFailed))
		assert.Contains(t, err.Error(), "registry rejected safe")
		assert.Empty(t, host.created, "no release record after a failed publish")
	})

	t.Run("release record", func(t *testing.T) {
		reg := &fakeRegistry{bumps: []Bump{{Product: "safe", Next: "1.0.0"}}}
		host := &fakeHost{createErr: errors.New("401 bad credentials")}
		_, err := (&Publisher{Registry: reg, Host: host}).Publish(context.Background(), trigger.Stable, nil)
		assert.True(t, errors.Is(err, ErrPublishFailed))
		assert.Contains(t, err.Error(), "401 bad credentials")
	})
}

func TestOrdered_UnknownProductsLast(t *testing.T) {
	p := &Publisher{Products: []string{"b", "a"}}
	got := p.ordered([]Bump{{Product: "z"}, {Product: "a"}, {Product: "y"}, {Product: "b"}})
	var names []string
	for _, b := range got {
		names = append(names, b.Product)
	}
	assert.Equal(t, []string{"b", "a", "y", "z"}, names)
}

func TestChangelog_NewProduct(t *testing.T) {
	assert.Equal(t, "## Version bumps\n\n- faucet: new -> 0.1.0\n", Changelog([]Bump{{Product: "faucet", Next: "0.1.0"}}))
}
