// Package source provides remote document sources for the indexing pipeline.
package source

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/gofri/go-github-ratelimit/github_ratelimit"
	"github.com/google/go-github/v81/github"
)

// GitHub lists and fetches markdown documents from a repository directory.
// It implements index.DocumentSource.
type GitHub struct {
	client   *github.Client
	owner    string
	repo     string
	basePath string
}

// NewGitHub creates a source rooted at basePath of owner/repo. When the
// GITHUB_TOKEN environment variable is set the client authenticates with it,
// raising the rate limit from 60 to 5000 requests per hour. Secondary rate
// limits are handled with automatic backoff either way.
func NewGitHub(owner, repo, basePath string) (*GitHub, error) {
	rateLimiter, err := github_ratelimit.NewRateLimitWaiterClient(nil)
	if err != nil {
		return nil, err
	}

	client := github.NewClient(rateLimiter)
	if token := os.Getenv("GITHUB_TOKEN"); token != "" {
		client = client.WithAuthToken(token)
	}

	return &GitHub{
		client:   client,
		owner:    owner,
		repo:     repo,
		basePath: basePath,
	}, nil
}

// List returns the repository-relative paths of all markdown files under the
// base path, traversing subdirectories.
func (g *GitHub) List(ctx context.Context) ([]string, error) {
	return g.listRecursive(ctx, g.basePath, "")
}

func (g *GitHub) listRecursive(ctx context.Context, fullPath, relPath string) ([]string, error) {
	_, entries, _, err := g.client.Repositories.GetContents(ctx, g.owner, g.repo, fullPath, nil)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", fullPath, err)
	}

	var docs []string
	for _, entry := range entries {
		if entry.Type == nil || entry.Name == nil {
			continue
		}
		entryRelPath := path.Join(relPath, *entry.Name)

		switch *entry.Type {
		case "file":
			if strings.HasSuffix(*entry.Name, ".md") || strings.HasSuffix(*entry.Name, ".markdown") {
				docs = append(docs, entryRelPath)
			}
		case "dir":
			sub, err := g.listRecursive(ctx, path.Join(fullPath, *entry.Name), entryRelPath)
			if err != nil {
				return nil, err
			}
			docs = append(docs, sub...)
		}
	}
	return docs, nil
}

// Fetch returns the decoded content of one markdown file.
func (g *GitHub) Fetch(ctx context.Context, relPath string) (string, error) {
	fullPath := path.Join(g.basePath, relPath)

	file, _, _, err := g.client.Repositories.GetContents(ctx, g.owner, g.repo, fullPath, nil)
	if err != nil {
		return "", fmt.Errorf("fetching %s: %w", fullPath, err)
	}
	if file == nil || file.Content == nil {
		return "", fmt.Errorf("no file content returned for %s", fullPath)
	}

	content, err := base64.StdEncoding.DecodeString(*file.Content)
	if err != nil {
		return "", fmt.Errorf("decoding %s: %w", fullPath, err)
	}
	return string(content), nil
}

// LatestCommitSHA returns the SHA of the most recent commit touching the
// base path. Callers can use it to skip re-indexing an unchanged source.
func (g *GitHub) LatestCommitSHA(ctx context.Context) (string, error) {
	commits, _, err := g.client.Repositories.ListCommits(ctx, g.owner, g.repo,
		&github.CommitsListOptions{
			Path:        g.basePath,
			ListOptions: github.ListOptions{PerPage: 1},
		})
	if err != nil {
		return "", fmt.Errorf("getting latest commit: %w", err)
	}
	if len(commits) == 0 || commits[0].SHA == nil {
		return "", fmt.Errorf("no commits found for path %s", g.basePath)
	}
	return *commits[0].SHA, nil
}
