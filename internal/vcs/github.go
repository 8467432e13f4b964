// Package vcs reads recent changesets from the project's GitHub
// repository so branches can show commits that have not built yet.
package vcs

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"
)

// Changeset is one recent commit on a branch.
type Changeset struct {
	Version   string `json:"version"`
	Author    string `json:"author"`
	Timestamp int64  `json:"timestamp"`
	Message   string `json:"message"`
}

// Client reads commit history through the GitHub API.
type Client struct {
	gh     *github.Client
	Logger *slog.Logger
}

// NewClient creates a GitHub-backed VCS reader. An empty token yields
// an unauthenticated client, which is enough for public repositories.
func NewClient(token string, logger *slog.Logger) *Client {
	var gh *github.Client
	if token == "" {
		gh = github.NewClient(nil)
	} else {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		gh = github.NewClient(oauth2.NewClient(context.Background(), ts))
	}
	return &Client{gh: gh, Logger: logger}
}

// RecentChangesets returns at most limit commits from the branch,
// newest first.
func (c *Client) RecentChangesets(ctx context.Context, repo, branch string, limit int) ([]Changeset, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}

	opts := &github.CommitsListOptions{
		SHA:         branch,
		ListOptions: github.ListOptions{PerPage: limit},
	}
	commits, _, err := c.gh.Repositories.ListCommits(ctx, owner, name, opts)
	if err != nil {
		return nil, fmt.Errorf("listing commits for %s@%s: %w", repo, branch, err)
	}

	out := make([]Changeset, 0, len(commits))
	for _, cm := range commits {
		if len(out) >= limit {
			break
		}
		cs := Changeset{Version: cm.GetSHA()}
		if commit := cm.GetCommit(); commit != nil {
			cs.Message = firstLine(commit.GetMessage())
			if author := commit.GetAuthor(); author != nil {
				cs.Author = author.GetName()
				cs.Timestamp = author.GetDate().UnixMilli()
			}
		}
		out = append(out, cs)
	}
	return out, nil
}

func splitRepo(repo string) (owner, name string, err error) {
	parts := strings.Split(repo, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid owner/repo format: %s", repo)
	}
	return parts[0], parts[1], nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return strings.TrimSpace(s)
}
