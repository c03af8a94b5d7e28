package collector

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"
	readability "github.com/go-shiori/go-readability"
	"github.com/mmcdole/gofeed"
	"golang.org/x/net/html"
	"golang.org/x/time/rate"

	"github.com/siglab/scout/source"
	"github.com/siglab/scout/store"
)

// maxArticleSize bounds a fetched article page.
const maxArticleSize = 5 * 1024 * 1024

// feedCollector collects items from RSS/Atom feeds. With extract_content
// enabled it fetches the linked article for items whose entry carries no
// body and normalizes the extracted HTML to markdown.
type feedCollector struct {
	client    *http.Client
	limiter   *rate.Limiter
	logger    *slog.Logger
	parser    *gofeed.Parser
	converter *md.Converter
}

func newFeedCollector(client *http.Client, limiter *rate.Limiter, logger *slog.Logger) *feedCollector {
	converter := md.NewConverter("", true, nil)
	converter.Use(plugin.GitHubFlavored())

	return &feedCollector{
		client:    client,
		limiter:   limiter,
		logger:    logger,
		parser:    gofeed.NewParser(),
		converter: converter,
	}
}

func (c *feedCollector) Type() source.Type {
	return source.TypeFeed
}

func (c *feedCollector) Collect(ctx context.Context, src *source.Source, since time.Time) ([]store.Event, error) {
	cfg := src.Feed

	var events []store.Event
	for _, feedURL := range cfg.URLs {
		feed, err := c.fetchFeed(ctx, feedURL)
		if err != nil {
			return events, err
		}

		for _, item := range feed.Items {
			ev, ok := c.itemEvent(ctx, src, feedURL, item, since)
			if !ok {
				continue
			}
			events = append(events, ev)
		}
	}
	return events, nil
}

func (c *feedCollector) fetchFeed(ctx context.Context, feedURL string) (*gofeed.Feed, error) {
	resp, err := doGet(ctx, c.client, c.limiter, feedURL, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, NewUnavailableError(fmt.Errorf("feed %s returned status %d", feedURL, resp.StatusCode))
	}

	feed, err := c.parser.Parse(resp.Body)
	if err != nil {
		return nil, NewUnavailableError(fmt.Errorf("parse feed %s: %w", feedURL, err))
	}
	return feed, nil
}

// itemEvent maps one feed entry onto the event shape. Returns false for
// items at or before the watermark and for malformed items, which are
// logged and skipped.
func (c *feedCollector) itemEvent(ctx context.Context, src *source.Source, feedURL string, item *gofeed.Item, since time.Time) (store.Event, bool) {
	published := time.Time{}
	if item.PublishedParsed != nil {
		published = *item.PublishedParsed
	} else if item.UpdatedParsed != nil {
		published = *item.UpdatedParsed
	}
	if published.IsZero() {
		c.logger.Warn("collection warning: feed item without timestamp skipped",
			"source", src.ID, "feed", feedURL, "title", item.Title)
		return store.Event{}, false
	}
	if !published.After(since) {
		return store.Event{}, false
	}

	externalID := item.GUID
	if externalID == "" {
		externalID = item.Link
	}
	if externalID == "" {
		sum := sha256.Sum256([]byte(item.Title + published.Format(time.RFC3339)))
		externalID = hex.EncodeToString(sum[:8])
	}

	content := item.Content
	if content == "" {
		content = item.Description
	}
	title := item.Title

	if content == "" && src.Feed.ExtractContent && item.Link != "" {
		extracted, extractedTitle := c.extractArticle(ctx, item.Link)
		content = extracted
		if title == "" {
			title = extractedTitle
		}
	}

	author := ""
	if len(item.Authors) > 0 {
		author = item.Authors[0].Name
	}

	return store.Event{
		SourceID:   src.ID,
		ExternalID: externalID,
		Topic:      src.AnalysisKey(),
		Kind:       "article",
		Title:      title,
		Content:    content,
		URL:        item.Link,
		Author:     author,
		ObservedAt: published,
		Sentiment:  scoreSentiment(title + " " + content),
		Payload:    map[string]any{"feed": feedURL},
	}, true
}

// extractArticle fetches the linked page and returns readable content as
// markdown. Failures degrade to an empty body; the item itself survives.
func (c *feedCollector) extractArticle(ctx context.Context, link string) (content, title string) {
	resp, err := doGet(ctx, c.client, c.limiter, link, nil)
	if err != nil {
		c.logger.Warn("collection warning: article fetch failed", "url", link, "error", err)
		return "", ""
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("collection warning: article fetch failed", "url", link, "status", resp.StatusCode)
		return "", ""
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxArticleSize))
	if err != nil {
		c.logger.Warn("collection warning: article read failed", "url", link, "error", err)
		return "", ""
	}

	pageURL, err := url.Parse(link)
	if err != nil {
		return "", ""
	}

	article, err := readability.FromReader(strings.NewReader(string(body)), pageURL)
	if err != nil {
		c.logger.Warn("collection warning: article extraction failed", "url", link, "error", err)
		return "", extractHTMLTitle(body)
	}

	markdown, err := c.converter.ConvertString(article.Content)
	if err != nil {
		// Fall back to the plain-text extraction.
		markdown = article.TextContent
	}

	title = article.Title
	if title == "" {
		title = extractHTMLTitle(body)
	}
	return strings.TrimSpace(markdown), title
}

// extractHTMLTitle pulls the <title> element out of a page.
func extractHTMLTitle(content []byte) string {
	doc, err := html.Parse(strings.NewReader(string(content)))
	if err != nil {
		return ""
	}

	var title string
	var extract func(*html.Node)
	extract = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "title" && n.FirstChild != nil {
			title = strings.TrimSpace(n.FirstChild.Data)
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if title != "" {
				return
			}
			extract(c)
		}
	}
	extract(doc)

	return title
}
