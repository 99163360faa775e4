package release

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/dyluth/convoy/internal/pack"
	"github.com/dyluth/convoy/internal/trigger"
)

// ErrPublishFailed wraps every registry or release record failure.
// Versioned archives uploaded before the failure stay in storage.
var ErrPublishFailed = errors.New("publish failed")

// Record is the outcome of a publish that changed at least one product.
type Record struct {
	Tag        string   `json:"tag"`
	Name       string   `json:"name"`
	URL        string   `json:"url,omitempty"`
	Draft      bool     `json:"draft"`
	TagCreated bool     `json:"tag_created"`
	Prerelease bool     `json:"prerelease"`
	DryRun     bool     `json:"dry_run"`
	Bumps      []Bump   `json:"bumps"`
	Assets     []string `json:"assets"`
	Changelog  string   `json:"changelog"`
}

// Publisher publishes changed products and creates the release record.
type Publisher struct {
	Registry Registry
	Host     ReleaseHost
	Products []string // Configured product order
}

// Publish applies the branch policy for class. It returns a nil Record and
// no error when no product changed version.
func (p *Publisher) Publish(ctx context.Context, class trigger.BranchClass, archives []pack.Archive) (*Record, error) {
	policy := trigger.PolicyFor(class)

	bumps, err := p.Registry.Plan(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	if len(bumps) == 0 {
		log.Printf("[Publish] No product changed version; nothing to publish")
		return nil, nil
	}
	bumps = p.ordered(bumps)

	dryRun := !policy.PublicRegistry
	for _, b := range bumps {
		log.Printf("[Publish] Publishing %s %s -> %s (dry run: %t)", b.Product, b.Previous, b.Next, dryRun)
		if err := p.Registry.Publish(ctx, b.Product, b.Next, dryRun); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrPublishFailed, err)
		}
	}

	rec := &Record{
		Tag:        fmt.Sprintf("%s-v%s", bumps[0].Product, bumps[0].Next),
		Draft:      policy.Draft,
		TagCreated: policy.CreateTag,
		Prerelease: policy.Prerelease,
		DryRun:     dryRun,
		Bumps:      bumps,
		Changelog:  Changelog(bumps),
	}
	rec.Name = rec.Tag

	// Drafts carry the tag name; the host creates the tag only when a draft
	// is published, which convoy never does.
	hosted, err := p.Host.CreateRelease(ctx, ReleaseRequest{
		TagName:    rec.Tag,
		Name:       rec.Name,
		Body:       rec.Changelog,
		Draft:      policy.Draft,
		Prerelease: policy.Prerelease,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create release record: %w", ErrPublishFailed, err)
	}
	rec.URL = hosted.HTMLURL
	log.Printf("[Publish] Created release %s (draft: %t) %s", rec.Tag, rec.Draft, rec.URL)

	for _, a := range attachable(archives, bumps) {
		if err := p.attach(ctx, hosted, a); err != nil {
			return rec, fmt.Errorf("%w: %w", ErrPublishFailed, err)
		}
		rec.Assets = append(rec.Assets, a.AssetName())
	}

	return rec, nil
}

func (p *Publisher) attach(ctx context.Context, rel *HostedRelease, a pack.Archive) error {
	f, err := a.Open()
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", a.LocalPath, err)
	}
	defer f.Close()
	if err := p.Host.UploadAsset(ctx, rel, a.AssetName(), a.ContentType(), f, a.Size); err != nil {
		return fmt.Errorf("failed to attach %s: %w", a.AssetName(), err)
	}
	return nil
}

// ordered sorts bumps by configured product order; unknown products go last by name.
func (p *Publisher) ordered(bumps []Bump) []Bump {
	rank := make(map[string]int, len(p.Products))
	for i, name := range p.Products {
		rank[name] = i
	}
	out := append([]Bump(nil), bumps...)
	sort.SliceStable(out, func(i, j int) bool {
		ri, iok := rank[out[i].Product]
		rj, jok := rank[out[j].Product]
		switch {
		case iok && jok:
			return ri < rj
		case iok != jok:
			return iok
		default:
			return out[i].Product < out[j].Product
		}
	})
	return out
}

// attachable keeps the versioned archives of changed products at their new version.
func attachable(archives []pack.Archive, bumps []Bump) []pack.Archive {
	next := make(map[string]string, len(bumps))
	for _, b := range bumps {
		next[b.Product] = b.Next
	}
	var out []pack.Archive
	for _, a := range archives {
		if a.Versioned() && next[a.Product] == a.Label {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].AssetName() < out[j].AssetName() })
	return out
}

// Changelog renders the version bump summary used as the release body.
func Changelog(bumps []Bump) string {
	var sb strings.Builder
	sb.WriteString("## Version bumps\n\n")
	for _, b := range bumps {
		prev := b.Previous
		if prev == "" {
			prev = "new"
		}
		fmt.Fprintf(&sb, "- %s: %s -> %s\n", b.Product, prev, b.Next)
	}
	return sb.String()
}
