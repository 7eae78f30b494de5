// Package github is a thin facade over the gh CLI: repository metadata,
// authentication, and the access token injected into sandboxes.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Repo is the hosting-side view of a repository.
type Repo struct {
	Owner         string    `json:"owner"`
	Name          string    `json:"name"`
	FullName      string    `json:"fullName"`
	DefaultBranch string    `json:"defaultBranch"`
	Private       bool      `json:"private"`
	PushedAt      time.Time `json:"pushedAt"`
}

// PR is an open pull request for a session branch.
type PR struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	URL    string `json:"url"`
	State  string `json:"state"`
	Draft  bool   `json:"isDraft"`
}

// Client shells out to the gh CLI. The CLI owns credentials and token
// refresh; nothing is persisted here.
type Client struct{}

// NewClient creates the gh-backed client.
func NewClient() *Client {
	return &Client{}
}

// Available checks that the gh CLI is installed.
func Available() bool {
	_, err := exec.LookPath("gh")
	return err == nil
}

// IsAuthenticated reports whether gh holds a usable login.
func (c *Client) IsAuthenticated(ctx context.Context) (bool, error) {
	_, err := c.run(ctx, "auth", "status", "--hostname", "github.com")
	if err != nil {
		msg := err.Error()
		if strings.Contains(msg, "not logged") || strings.Contains(msg, "no accounts") {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// AccessToken returns the token gh currently holds for github.com.
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	out, err := c.run(ctx, "auth", "token", "--hostname", "github.com")
	if err != nil {
		return "", fmt.Errorf("get access token: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// ghRepo is the JSON shape returned by gh repo view.
type ghRepo struct {
	Name  string `json:"name"`
	Owner struct {
		Login string `json:"login"`
	} `json:"owner"`
	DefaultBranchRef struct {
		Name string `json:"name"`
	} `json:"defaultBranchRef"`
	IsPrivate bool      `json:"isPrivate"`
	PushedAt  time.Time `json:"pushedAt"`
}

// GetRepo resolves a repository's metadata.
func (c *Client) GetRepo(ctx context.Context, owner, name string) (*Repo, error) {
	out, err := c.run(ctx, "repo", "view", fmt.Sprintf("%s/%s", owner, name),
		"--json", "name,owner,defaultBranchRef,isPrivate,pushedAt")
	if err != nil {
		return nil, fmt.Errorf("get repo %s/%s: %w", owner, name, err)
	}
	var raw ghRepo
	if err := json.Unmarshal([]byte(out), &raw); err != nil {
		return nil, fmt.Errorf("parse repo response: %w", err)
	}
	return &Repo{
		Owner:         raw.Owner.Login,
		Name:          raw.Name,
		FullName:      raw.Owner.Login + "/" + raw.Name,
		DefaultBranch: raw.DefaultBranchRef.Name,
		Private:       raw.IsPrivate,
		PushedAt:      raw.PushedAt,
	}, nil
}

// FindPRByBranch returns the open PR whose head is the given branch, or nil.
func (c *Client) FindPRByBranch(ctx context.Context, owner, name, branch string) (*PR, error) {
	out, err := c.run(ctx, "pr", "list",
		"--repo", fmt.Sprintf("%s/%s", owner, name),
		"--head", branch,
		"--state", "open",
		"--json", "number,title,url,state,isDraft",
		"--limit", "1")
	if err != nil {
		return nil, fmt.Errorf("find PR by branch %q: %w", branch, err)
	}
	var prs []PR
	if err := json.Unmarshal([]byte(out), &prs); err != nil {
		return nil, fmt.Errorf("parse PR list: %w", err)
	}
	if len(prs) == 0 {
		return nil, nil
	}
	return &prs[0], nil
}

// PullRequestURL returns the URL of the open PR for the branch, or empty
// when there is none.
func (c *Client) PullRequestURL(ctx context.Context, owner, name, branch string) (string, error) {
	pr, err := c.FindPRByBranch(ctx, owner, name, branch)
	if err != nil || pr == nil {
		return "", err
	}
	return pr.URL, nil
}

// run executes one gh command, returning stdout.
func (c *Client) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "gh", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stdout.String(), fmt.Errorf("gh %s: %w: %s", args[0], err, stderr.String())
	}
	return stdout.String(), nil
}
