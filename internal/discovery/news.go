// internal/discovery/news.go
package discovery

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/outreach-backend/internal/errors"
)

const DefaultFeedURL = "https://news.google.com/rss/search"

// NewsSource searches a news RSS feed and derives one contact per article.
type NewsSource struct {
	FeedURL string
	Limit   int
	Timeout time.Duration

	parser *gofeed.Parser
	logger *zap.Logger
}

func NewNewsSource(feedURL string, limit int, timeout time.Duration, logger *zap.Logger) *NewsSource {
	if feedURL == "" {
		feedURL = DefaultFeedURL
	}
	if limit <= 0 {
		limit = 10
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NewsSource{FeedURL: feedURL, Limit: limit, Timeout: timeout, parser: gofeed.NewParser(), logger: logger}
}

var _ Source = (*NewsSource)(nil)

func (s *NewsSource) searchURL(topic string) (string, error) {
	u, err := url.Parse(s.FeedURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("q", topic)
	q.Set("hl", "en-US")
	q.Set("gl", "US")
	q.Set("ceid", "US:en")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (s *NewsSource) Discover(ctx context.Context, topic string) ([]Candidate, error) {
	feedURL, err := s.searchURL(topic)
	if err != nil {
		return nil, appErrors.NewDiscoveryUnavailable(topic, err)
	}
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	feed, err := s.parser.ParseURLWithContext(feedURL, ctx)
	if err != nil {
		return nil, appErrors.NewDiscoveryUnavailable(topic, fmt.Errorf("fetch feed: %w", err))
	}

	var out []Candidate
	for _, item := range feed.Items {
		if len(out) >= s.Limit {
			break
		}
		c, ok := candidateFromItem(item)
		if !ok {
			continue
		}
		out = append(out, c)
	}
	s.logger.Info("news discovery finished",
		zap.String("topic", topic),
		zap.Int("items", len(feed.Items)),
		zap.Int("candidates", len(out)))
	return out, nil
}

func candidateFromItem(item *gofeed.Item) (Candidate, bool) {
	article, publication := splitTitle(item.Title)
	if publication == "" {
		return Candidate{}, false
	}

	name := ""
	for _, p := range item.Authors {
		if p == nil {
			continue
		}
		if names := ParseAuthors(p.Name); len(names) > 0 {
			name = names[0]
			break
		}
	}
	if name == "" {
		name = publication + " Editorial Team"
	}

	return Candidate{
		Name:        name,
		Publication: publication,
		Article:     article,
		Email:       EditorAddress(publication),
	}, true
}

// splitTitle separates "Headline - Publication".
func splitTitle(title string) (article, publication string) {
	title = strings.TrimSpace(title)
	i := strings.LastIndex(title, " - ")
	if i < 0 {
		return title, ""
	}
	return strings.TrimSpace(title[:i]), strings.TrimSpace(title[i+3:])
}

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// EditorAddress guesses the editorial inbox for a publication.
func EditorAddress(publication string) string {
	domain := nonAlnum.ReplaceAllString(strings.ToLower(publication), "")
	if domain == "" {
		return ""
	}
	return "editor@" + domain + ".com"
}

var (
	authorSplit  = regexp.MustCompile(`(?i),|\s+and\s+|&`)
	authorIgnore = []string{"editorial", "staff", "team", "newsroom"}
)

// ParseAuthors splits a byline into person names, dropping desk credits.
func ParseAuthors(byline string) []string {
	var names []string
	for _, part := range authorSplit.Split(byline, -1) {
		part = strings.Join(strings.Fields(strings.TrimPrefix(strings.TrimSpace(part), "By ")), " ")
		if part == "" || isDeskCredit(part) {
			continue
		}
		names = append(names, part)
	}
	return names
}

func isDeskCredit(name string) bool {
	lower := strings.ToLower(name)
	for _, w := range authorIgnore {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}
