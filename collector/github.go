package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/time/rate"

	"github.com/siglab/scout/source"
	"github.com/siglab/scout/store"
)

// defaultGitHubBaseURL is the public GitHub REST endpoint.
const defaultGitHubBaseURL = "https://api.github.com"

// githubPageSize bounds items fetched per repository per kind.
const githubPageSize = 100

// githubPullLimit bounds pull requests examined per repository. The
// pulls listing has no since filter, so recent-first pages are walked
// until the watermark.
const githubPullLimit = 50

// githubCollector collects commits, issues and pull requests from the
// repositories configured on a repository-activity source.
type githubCollector struct {
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

func newGitHubCollector(client *http.Client, limiter *rate.Limiter, logger *slog.Logger) *githubCollector {
	return &githubCollector{client: client, limiter: limiter, logger: logger}
}

func (c *githubCollector) Type() source.Type {
	return source.TypeRepository
}

type githubCommit struct {
	SHA     string `json:"sha"`
	HTMLURL string `json:"html_url"`
	Commit  struct {
		Message string `json:"message"`
		Author  struct {
			Name string    `json:"name"`
			Date time.Time `json:"date"`
		} `json:"author"`
	} `json:"commit"`
}

type githubIssue struct {
	Number  int    `json:"number"`
	Title   string `json:"title"`
	Body    string `json:"body"`
	HTMLURL string `json:"html_url"`
	State   string `json:"state"`
	User    struct {
		Login string `json:"login"`
	} `json:"user"`
	Labels []struct {
		Name string `json:"name"`
	} `json:"labels"`
	Comments    int             `json:"comments"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	PullRequest json.RawMessage `json:"pull_request"`
}

// githubCommitDetail is the per-commit response carrying diff stats.
type githubCommitDetail struct {
	Stats struct {
		Additions int `json:"additions"`
		Deletions int `json:"deletions"`
	} `json:"stats"`
	Files []struct {
		Filename string `json:"filename"`
	} `json:"files"`
}

type githubPull struct {
	Number  int    `json:"number"`
	Title   string `json:"title"`
	Body    string `json:"body"`
	HTMLURL string `json:"html_url"`
	State   string `json:"state"`
	User    struct {
		Login string `json:"login"`
	} `json:"user"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	MergedAt  *time.Time `json:"merged_at"`
	// Only the per-pull detail response fills these.
	Merged         bool `json:"merged"`
	Additions      int  `json:"additions"`
	Deletions      int  `json:"deletions"`
	ChangedFiles   int  `json:"changed_files"`
	Comments       int  `json:"comments"`
	ReviewComments int  `json:"review_comments"`
}

// Collect fetches activity since the watermark from every configured
// repository. A repository that has vanished is skipped with a warning;
// provider outages and rate limiting fail the collection so the same
// window is retried.
func (c *githubCollector) Collect(ctx context.Context, src *source.Source, since time.Time) ([]store.Event, error) {
	cfg := src.Repository
	base := cfg.BaseURL
	if base == "" {
		base = defaultGitHubBaseURL
	}

	var events []store.Event
	for _, repo := range cfg.Repositories {
		if c.excluded(repo, cfg.Exclude) {
			continue
		}

		commits, err := c.fetchCommits(ctx, base, cfg.Token, repo, since)
		if err != nil {
			if warn, ok := skippableRepoError(err); ok {
				c.logger.Warn("collection warning: skipping repository",
					"source", src.ID, "repo", repo, "reason", warn)
				continue
			}
			return events, err
		}
		for _, commit := range commits {
			detail, err := c.fetchCommitDetail(ctx, base, cfg.Token, repo, commit.SHA)
			if err != nil {
				c.logger.Warn("collection warning: commit stats unavailable",
					"source", src.ID, "repo", repo, "sha", commit.SHA, "error", err)
			}
			events = append(events, c.commitEvent(src, repo, commit, detail))
		}

		issues, err := c.fetchIssues(ctx, base, cfg.Token, repo, since)
		if err != nil {
			if warn, ok := skippableRepoError(err); ok {
				c.logger.Warn("collection warning: skipping repository issues",
					"source", src.ID, "repo", repo, "reason", warn)
				continue
			}
			return events, err
		}
		for _, issue := range issues {
			if len(issue.PullRequest) > 0 {
				// The pulls fetch owns these, with merge and diff stats.
				continue
			}
			events = append(events, c.issueEvent(src, repo, issue))
		}

		pulls, err := c.fetchPulls(ctx, base, cfg.Token, repo, since)
		if err != nil {
			if warn, ok := skippableRepoError(err); ok {
				c.logger.Warn("collection warning: skipping repository pulls",
					"source", src.ID, "repo", repo, "reason", warn)
				continue
			}
			return events, err
		}
		for _, pr := range pulls {
			events = append(events, c.pullEvent(src, repo, pr))
		}
	}
	return events, nil
}

// excluded reports whether the repository matches any exclude pattern.
// Patterns use doublestar glob syntax against "owner/name".
func (c *githubCollector) excluded(repo string, patterns []string) bool {
	for _, p := range patterns {
		ok, err := doublestar.Match(p, repo)
		if err != nil {
			c.logger.Warn("collection warning: bad exclude pattern", "pattern", p, "error", err)
			continue
		}
		if ok {
			return true
		}
	}
	return false
}

func (c *githubCollector) commitEvent(src *source.Source, repo string, commit githubCommit, detail githubCommitDetail) store.Event {
	title := commit.Commit.Message
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = title[:i]
	}
	return store.Event{
		SourceID:   src.ID,
		ExternalID: repo + "@" + commit.SHA,
		Topic:      src.AnalysisKey(),
		Kind:       "commit",
		Title:      title,
		Content:    commit.Commit.Message,
		URL:        commit.HTMLURL,
		Author:     commit.Commit.Author.Name,
		ObservedAt: commit.Commit.Author.Date,
		Sentiment:  scoreSentiment(commit.Commit.Message),
		Payload: map[string]any{
			"repo":          repo,
			"additions":     detail.Stats.Additions,
			"deletions":     detail.Stats.Deletions,
			"files_changed": len(detail.Files),
		},
	}
}

func (c *githubCollector) issueEvent(src *source.Source, repo string, issue githubIssue) store.Event {
	labels := make([]string, 0, len(issue.Labels))
	for _, l := range issue.Labels {
		labels = append(labels, l.Name)
	}
	return store.Event{
		SourceID:   src.ID,
		ExternalID: fmt.Sprintf("%s#%d", repo, issue.Number),
		Topic:      src.AnalysisKey(),
		Kind:       "issue",
		Title:      issue.Title,
		Content:    issue.Body,
		URL:        issue.HTMLURL,
		Author:     issue.User.Login,
		ObservedAt: issue.CreatedAt,
		Sentiment:  scoreSentiment(issue.Title + " " + issue.Body),
		Payload: map[string]any{
			"repo":     repo,
			"state":    issue.State,
			"labels":   labels,
			"comments": issue.Comments,
		},
	}
}

func (c *githubCollector) pullEvent(src *source.Source, repo string, pr githubPull) store.Event {
	return store.Event{
		SourceID:   src.ID,
		ExternalID: fmt.Sprintf("%s#%d", repo, pr.Number),
		Topic:      src.AnalysisKey(),
		Kind:       "pull_request",
		Title:      pr.Title,
		Content:    pr.Body,
		URL:        pr.HTMLURL,
		Author:     pr.User.Login,
		ObservedAt: pr.CreatedAt,
		Sentiment:  scoreSentiment(pr.Title + " " + pr.Body),
		Payload: map[string]any{
			"repo":            repo,
			"state":           pr.State,
			"merged":          pr.Merged,
			"additions":       pr.Additions,
			"deletions":       pr.Deletions,
			"changed_files":   pr.ChangedFiles,
			"comments":        pr.Comments,
			"review_comments": pr.ReviewComments,
		},
	}
}

func (c *githubCollector) fetchCommits(ctx context.Context, base, token, repo string, since time.Time) ([]githubCommit, error) {
	u := fmt.Sprintf("%s/repos/%s/commits?per_page=%d&since=%s",
		base, repo, githubPageSize, url.QueryEscape(since.UTC().Format(time.RFC3339)))

	var commits []githubCommit
	if err := c.getJSON(ctx, u, token, &commits); err != nil {
		return nil, err
	}
	return commits, nil
}

func (c *githubCollector) fetchIssues(ctx context.Context, base, token, repo string, since time.Time) ([]githubIssue, error) {
	u := fmt.Sprintf("%s/repos/%s/issues?per_page=%d&state=all&since=%s",
		base, repo, githubPageSize, url.QueryEscape(since.UTC().Format(time.RFC3339)))

	var issues []githubIssue
	if err := c.getJSON(ctx, u, token, &issues); err != nil {
		return nil, err
	}
	return issues, nil
}

func (c *githubCollector) fetchCommitDetail(ctx context.Context, base, token, repo, sha string) (githubCommitDetail, error) {
	u := fmt.Sprintf("%s/repos/%s/commits/%s", base, repo, sha)

	var detail githubCommitDetail
	err := c.getJSON(ctx, u, token, &detail)
	return detail, err
}

// fetchPulls lists recently updated pull requests and resolves each one
// to its detail response for the merged flag and diff stats.
func (c *githubCollector) fetchPulls(ctx context.Context, base, token, repo string, since time.Time) ([]githubPull, error) {
	u := fmt.Sprintf("%s/repos/%s/pulls?per_page=%d&state=all&sort=updated&direction=desc",
		base, repo, githubPullLimit)

	var pulls []githubPull
	if err := c.getJSON(ctx, u, token, &pulls); err != nil {
		return nil, err
	}

	var out []githubPull
	for _, pr := range pulls {
		if pr.UpdatedAt.Before(since) {
			break
		}
		detail := pr
		du := fmt.Sprintf("%s/repos/%s/pulls/%d", base, repo, pr.Number)
		if err := c.getJSON(ctx, du, token, &detail); err != nil {
			c.logger.Warn("collection warning: pull request detail unavailable",
				"repo", repo, "number", pr.Number, "error", err)
			detail.Merged = pr.MergedAt != nil
		}
		out = append(out, detail)
	}
	return out, nil
}

func (c *githubCollector) getJSON(ctx context.Context, url, token string, out any) error {
	headers := map[string]string{"Accept": "application/vnd.github+json"}
	if token != "" {
		headers["Authorization"] = "Bearer " + token
	}

	resp, err := doGet(ctx, c.client, c.limiter, url, headers)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10*1024*1024))
	if err != nil {
		return NewUnavailableError(fmt.Errorf("read response: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return &repoSkipError{status: resp.StatusCode}
	default:
		// 403 here is almost always rate limiting; retry the window later.
		return NewUnavailableError(fmt.Errorf("provider returned status %d for %s", resp.StatusCode, url))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return NewUnavailableError(fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// repoSkipError marks a repository that no longer exists. The repo is
// skipped as a warning rather than failing the whole collection.
type repoSkipError struct {
	status int
}

func (e *repoSkipError) Error() string {
	return fmt.Sprintf("repository unavailable (status %d)", e.status)
}

func skippableRepoError(err error) (string, bool) {
	if skip, ok := err.(*repoSkipError); ok {
		return skip.Error(), true
	}
	return "", false
}
