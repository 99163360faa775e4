package release

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"
)

// ReleaseRequest describes the release record to create.
type ReleaseRequest struct {
	TagName    string `json:"tag_name"`
	Name       string `json:"name"`
	Body       string `json:"body"`
	Draft      bool   `json:"draft"`
	Prerelease bool   `json:"prerelease"`
}

// HostedRelease is a created release record.
type HostedRelease struct {
	ID      int64  `json:"id"`
	TagName string `json:"tag_name"`
	HTMLURL string `json:"html_url"`
	Draft   bool   `json:"draft"`
}

// ReleaseHost is the source host's release API.
type ReleaseHost interface {
	CreateRelease(ctx context.Context, req ReleaseRequest) (*HostedRelease, error)
	UploadAsset(ctx context.Context, rel *HostedRelease, name, contentType string, body io.Reader, size int64) error
}

// GitHubHost talks to the GitHub releases API with a token-authenticated client.
type GitHubHost struct {
	apiURL     string
	uploadURL  string
	repository string // owner/name
	http       *http.Client
}

// NewGitHubHost creates a host client. ctx is only used to build the oauth2
// transport; requests carry their own contexts.
func NewGitHubHost(ctx context.Context, apiURL, uploadURL, repository, token string) (*GitHubHost, error) {
	if strings.TrimSpace(token) == "" {
		return nil, fmt.Errorf("source host token is required")
	}
	if parts := strings.Split(repository, "/"); len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return nil, fmt.Errorf("repository must be 'owner/name', got %q", repository)
	}
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	return &GitHubHost{
		apiURL:     strings.TrimRight(apiURL, "/"),
		uploadURL:  strings.TrimRight(uploadURL, "/"),
		repository: repository,
		http:       oauth2.NewClient(ctx, src),
	}, nil
}

func (g *GitHubHost) CreateRelease(ctx context.Context, req ReleaseRequest) (*HostedRelease, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/repos/%s/releases", g.apiURL, g.repository)
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/vnd.github+json")

	resp, err := g.http.Do(request)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("create release %s: status %s: %s", req.TagName, resp.Status, readSnippet(resp.Body))
	}

	var rel HostedRelease
	if err := json.NewDecoder(resp.Body).Decode(&rel); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &rel, nil
}

func (g *GitHubHost) UploadAsset(ctx context.Context, rel *HostedRelease, name, contentType string, body io.Reader, size int64) error {
	endpoint := fmt.Sprintf("%s/repos/%s/releases/%d/assets?name=%s", g.uploadURL, g.repository, rel.ID, url.QueryEscape(name))
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	request.ContentLength = size
	request.Header.Set("Content-Type", contentType)
	request.Header.Set("Accept", "application/vnd.github+json")

	resp, err := g.http.Do(request)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("upload asset %s: status %s: %s", name, resp.Status, readSnippet(resp.Body))
	}
	return nil
}

func readSnippet(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, 512))
	return strings.TrimSpace(string(data))
}
