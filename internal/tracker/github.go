package tracker

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"

	"github.com/Iron-Ham/cadence/internal/config"
	"github.com/Iron-Ham/cadence/internal/errors"
	"github.com/Iron-Ham/cadence/internal/plan"
)

var markerPattern = regexp.MustCompile(`<!-- cadence-step:([^ ]+) -->`)

// GitHub keeps one issue per plan step in a GitHub repository.
type GitHub struct {
	client      *github.Client
	owner       string
	repo        string
	labels      []string
	concurrency int
}

// NewGitHub creates a GitHub tracker around an existing client.
func NewGitHub(client *github.Client, owner, repo string, labels []string, concurrency int) *GitHub {
	return &GitHub{
		client:      client,
		owner:       owner,
		repo:        repo,
		labels:      labels,
		concurrency: concurrency,
	}
}

// NewGitHubFromConfig authenticates with the token named by cfg.TokenEnv.
func NewGitHubFromConfig(ctx context.Context, cfg config.GitHubConfig, concurrency int) (*GitHub, error) {
	tokenEnv := cfg.TokenEnv
	if tokenEnv == "" {
		tokenEnv = "GITHUB_TOKEN"
	}
	token := os.Getenv(tokenEnv)
	if token == "" {
		return nil, errors.NewAdapterError(fmt.Sprintf("GitHub token not set (%s)", tokenEnv), errors.ErrInvalidInput).
			WithAdapter("github").
			WithOperation("auth")
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	client := github.NewClient(oauth2.NewClient(ctx, ts))
	if cfg.BaseURL != "" {
		var err error
		client, err = client.WithEnterpriseURLs(cfg.BaseURL, cfg.BaseURL)
		if err != nil {
			return nil, errors.NewAdapterError("invalid GitHub base URL", err).
				WithAdapter("github").
				WithOperation("auth")
		}
	}
	return NewGitHub(client, cfg.Owner, cfg.Repo, cfg.Labels, concurrency), nil
}

// SyncAndMap finds issues already tagged with a step marker and creates the rest.
func (g *GitHub) SyncAndMap(ctx context.Context, p *plan.Plan) (map[string]string, error) {
	existing, err := g.existing(ctx)
	if err != nil {
		return nil, err
	}
	return syncSteps(ctx, p, existing, g.concurrency, func(ctx context.Context, s plan.Step) (string, error) {
		return g.create(ctx, p, s)
	})
}

func (g *GitHub) existing(ctx context.Context) (map[string]string, error) {
	found := make(map[string]string)
	opts := &github.IssueListByRepoOptions{
		State:       "all",
		Labels:      g.labels,
		ListOptions: github.ListOptions{PerPage: 100},
	}
	for {
		issues, resp, err := g.client.Issues.ListByRepo(ctx, g.owner, g.repo, opts)
		if err != nil {
			return nil, g.wrap("list issues", "list", err, resp)
		}
		for _, issue := range issues {
			if issue.IsPullRequest() {
				continue
			}
			if m := markerPattern.FindStringSubmatch(issue.GetBody()); m != nil {
				if _, dup := found[m[1]]; !dup {
					found[m[1]] = strconv.Itoa(issue.GetNumber())
				}
			}
		}
		if resp == nil || resp.NextPage == 0 {
			return found, nil
		}
		opts.Page = resp.NextPage
	}
}

func (g *GitHub) create(ctx context.Context, p *plan.Plan, s plan.Step) (string, error) {
	body := itemBody(s) + "\n<!-- " + stepMarker(s.ID) + " -->\n"
	req := &github.IssueRequest{
		Title: github.String(itemTitle(p, s)),
		Body:  github.String(body),
	}
	if len(g.labels) > 0 {
		labels := append([]string(nil), g.labels...)
		req.Labels = &labels
	}
	issue, resp, err := g.client.Issues.Create(ctx, g.owner, g.repo, req)
	if err != nil {
		return "", g.wrap("create issue", "create", err, resp)
	}
	return strconv.Itoa(issue.GetNumber()), nil
}

// Close comments with the reason and closes the issue as completed.
func (g *GitHub) Close(ctx context.Context, itemID, reason string) error {
	number, err := strconv.Atoi(strings.TrimPrefix(itemID, "#"))
	if err != nil {
		return errors.NewAdapterError(fmt.Sprintf("invalid issue number %q", itemID), errors.ErrInvalidInput).
			WithAdapter("github").
			WithOperation("close")
	}

	if reason != "" {
		_, resp, err := g.client.Issues.CreateComment(ctx, g.owner, g.repo, number, &github.IssueComment{
			Body: github.String(reason),
		})
		if err != nil {
			return g.wrap("comment on issue", "close", err, resp)
		}
	}

	_, resp, err := g.client.Issues.Edit(ctx, g.owner, g.repo, number, &github.IssueRequest{
		State:       github.String("closed"),
		StateReason: github.String("completed"),
	})
	if err != nil {
		return g.wrap("close issue", "close", err, resp)
	}
	return nil
}

func (g *GitHub) wrap(msg, op string, err error, resp *github.Response) error {
	return errors.NewAdapterError(msg, err).
		WithAdapter("github").
		WithOperation(op).
		WithRetryable(isRetryableGitHubError(err, resp))
}

// isRetryableGitHubError treats rate limits and server errors as transient.
func isRetryableGitHubError(err error, resp *github.Response) bool {
	if err == nil {
		return false
	}
	var rateErr *github.RateLimitError
	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &rateErr) || errors.As(err, &abuseErr) {
		return true
	}
	if resp != nil && resp.Response != nil {
		switch code := resp.StatusCode; {
		case code == http.StatusTooManyRequests:
			return true
		case code == http.StatusForbidden:
			// Secondary rate limits come back as 403 with rate headers.
			return resp.Rate.Limit > 0 && resp.Rate.Remaining == 0
		case code >= 500:
			return true
		default:
			return false
		}
	}
	// No response at all: network failure.
	return true
}
