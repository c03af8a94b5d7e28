package collector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siglab/scout/source"
)

func repoSource(baseURL string, repos ...string) *source.Source {
	return &source.Source{
		ID:            "gh-1",
		Type:          source.TypeRepository,
		CheckInterval: 300,
		Enabled:       true,
		Repository: &source.RepositoryConfig{
			Repositories: repos,
			BaseURL:      baseURL,
		},
	}
}

func githubMock(t *testing.T, status int, responses map[string]string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/vnd.github+json", r.Header.Get("Accept"))
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		body, ok := responses[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
}

func TestGitHubCollect(t *testing.T) {
	responses := map[string]string{
		"/repos/siglab/scout/commits": `[
			{"sha": "abc123", "html_url": "https://example.com/c/abc123",
			 "commit": {"message": "fix scheduler drift\n\nlong body",
			            "author": {"name": "dev", "date": "2026-08-20T10:00:00Z"}}}
		]`,
		"/repos/siglab/scout/commits/abc123": `{
			"stats": {"additions": 10, "deletions": 2},
			"files": [{"filename": "scheduler.go"}]
		}`,
		"/repos/siglab/scout/issues": `[
			{"number": 7, "title": "Crash on startup", "body": "panics immediately",
			 "html_url": "https://example.com/i/7", "state": "open",
			 "user": {"login": "reporter"}, "labels": [{"name": "bug"}],
			 "comments": 2, "created_at": "2026-08-20T11:00:00Z",
			 "updated_at": "2026-08-20T11:00:00Z"},
			{"number": 8, "title": "Add feed support", "body": "",
			 "html_url": "https://example.com/p/8", "state": "open",
			 "user": {"login": "dev"}, "labels": [],
			 "comments": 0, "created_at": "2026-08-20T12:00:00Z",
			 "updated_at": "2026-08-20T12:00:00Z", "pull_request": {"url": "x"}}
		]`,
		"/repos/siglab/scout/pulls": `[
			{"number": 8, "title": "Add feed support", "body": "wires gofeed",
			 "html_url": "https://example.com/p/8", "state": "closed",
			 "user": {"login": "dev"},
			 "created_at": "2026-08-20T12:00:00Z",
			 "updated_at": "2026-08-21T09:00:00Z",
			 "merged_at": "2026-08-21T09:00:00Z"},
			{"number": 5, "title": "Old cleanup", "body": "",
			 "html_url": "https://example.com/p/5", "state": "closed",
			 "user": {"login": "dev"},
			 "created_at": "2026-08-01T12:00:00Z",
			 "updated_at": "2026-08-02T09:00:00Z"}
		]`,
		"/repos/siglab/scout/pulls/8": `{
			"number": 8, "title": "Add feed support", "body": "wires gofeed",
			"html_url": "https://example.com/p/8", "state": "closed",
			"user": {"login": "dev"},
			"created_at": "2026-08-20T12:00:00Z",
			"updated_at": "2026-08-21T09:00:00Z",
			"merged_at": "2026-08-21T09:00:00Z",
			"merged": true, "additions": 120, "deletions": 30,
			"changed_files": 4, "comments": 1, "review_comments": 3
		}`,
	}
	server := githubMock(t, http.StatusOK, responses)
	defer server.Close()

	set := NewSet(Options{RequestsPerSecond: 1000})
	src := repoSource(server.URL, "siglab/scout")

	events, err := set.Collect(context.Background(), src, time.Date(2026, 8, 19, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, events, 3)

	commit := events[0]
	assert.Equal(t, "commit", commit.Kind)
	assert.Equal(t, "siglab/scout@abc123", commit.ExternalID)
	assert.Equal(t, "fix scheduler drift", commit.Title)
	assert.Equal(t, "gh-1", commit.Topic, "no topic configured means the source ID")
	assert.Equal(t, 10, commit.Payload["additions"])
	assert.Equal(t, 2, commit.Payload["deletions"])
	assert.Equal(t, 1, commit.Payload["files_changed"])

	issue := events[1]
	assert.Equal(t, "issue", issue.Kind)
	assert.Equal(t, "siglab/scout#7", issue.ExternalID)
	require.NotNil(t, issue.Sentiment)
	assert.Less(t, *issue.Sentiment, 0.0, "crash reports read negative")

	pr := events[2]
	assert.Equal(t, "pull_request", pr.Kind)
	assert.Equal(t, "siglab/scout#8", pr.ExternalID, "one event per PR, not one per listing")
	assert.Equal(t, true, pr.Payload["merged"])
	assert.Equal(t, 120, pr.Payload["additions"])
	assert.Equal(t, 30, pr.Payload["deletions"])
	assert.Equal(t, 4, pr.Payload["changed_files"])
}

func TestGitHubPullsStopAtWatermark(t *testing.T) {
	// Only PR 8 is newer than the watermark; PR 5 must not be resolved.
	detailFetched := map[string]bool{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/repos/siglab/scout/commits", "/repos/siglab/scout/issues":
			_, _ = w.Write([]byte(`[]`))
		case "/repos/siglab/scout/pulls":
			_, _ = w.Write([]byte(`[
				{"number": 8, "title": "Recent", "updated_at": "2026-08-21T09:00:00Z",
				 "created_at": "2026-08-20T12:00:00Z", "user": {"login": "dev"}},
				{"number": 5, "title": "Stale", "updated_at": "2026-08-02T09:00:00Z",
				 "created_at": "2026-08-01T12:00:00Z", "user": {"login": "dev"}}
			]`))
		default:
			detailFetched[r.URL.Path] = true
			_, _ = w.Write([]byte(`{"number": 8, "merged": false}`))
		}
	}))
	defer server.Close()

	set := NewSet(Options{RequestsPerSecond: 1000})
	src := repoSource(server.URL, "siglab/scout")

	events, err := set.Collect(context.Background(), src, time.Date(2026, 8, 19, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "siglab/scout#8", events[0].ExternalID)
	assert.True(t, detailFetched["/repos/siglab/scout/pulls/8"])
	assert.False(t, detailFetched["/repos/siglab/scout/pulls/5"], "stale PRs stay unfetched")
}

func TestGitHubCollectUnavailable(t *testing.T) {
	server := githubMock(t, http.StatusServiceUnavailable, nil)
	defer server.Close()

	set := NewSet(Options{RequestsPerSecond: 1000})
	src := repoSource(server.URL, "siglab/scout")

	_, err := set.Collect(context.Background(), src, time.Now().Add(-time.Hour))
	require.Error(t, err)
	assert.True(t, IsUnavailable(err), "5xx must classify as source unavailable")
}

func TestGitHubCollectSkipsVanishedRepo(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/repos/gone/repo/commits" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode([]any{})
	}))
	defer server.Close()

	set := NewSet(Options{RequestsPerSecond: 1000})
	src := repoSource(server.URL, "gone/repo", "siglab/scout")

	events, err := set.Collect(context.Background(), src, time.Now().Add(-time.Hour))
	require.NoError(t, err, "a vanished repository is a warning, not a failure")
	assert.Empty(t, events)
}

func TestGitHubExcludePatterns(t *testing.T) {
	requested := map[string]bool{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requested[r.URL.Path] = true
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode([]any{})
	}))
	defer server.Close()

	set := NewSet(Options{RequestsPerSecond: 1000})
	src := repoSource(server.URL, "siglab/scout", "archived/old-thing")
	src.Repository.Exclude = []string{"archived/*"}

	_, err := set.Collect(context.Background(), src, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.True(t, requested["/repos/siglab/scout/commits"])
	assert.False(t, requested["/repos/archived/old-thing/commits"], "excluded repo must not be fetched")
}
