package discovery

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/unclebandit/outreach-backend/internal/errors"
)

const feedXML = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
<channel>
<title>"AI Teaching Tools" - Google News</title>
<item>
  <title>Classrooms adopt AI tutors - EdSurge</title>
  <link>https://example.com/1</link>
  <author>Jane Doe and Staff Writers</author>
</item>
<item>
  <title>Teachers weigh chatbots - The Hechinger Report</title>
  <link>https://example.com/2</link>
</item>
<item>
  <title>A headline without a source</title>
  <link>https://example.com/3</link>
</item>
<item>
  <title>Third story - Wired</title>
  <link>https://example.com/4</link>
</item>
</channel>
</rss>`

func TestNewsSourceDiscover(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("q")
		w.Header().Set("Content-Type", "application/rss+xml")
		_, _ = w.Write([]byte(feedXML))
	}))
	defer srv.Close()

	src := NewNewsSource(srv.URL, 2, time.Second, nil)
	got, err := src.Discover(context.Background(), "AI Teaching Tools")
	require.NoError(t, err)
	assert.Equal(t, "AI Teaching Tools", gotQuery)

	want := []Candidate{
		{Name: "Jane Doe", Publication: "EdSurge", Article: "Classrooms adopt AI tutors", Email: "editor@edsurge.com"},
		{Name: "The Hechinger Report Editorial Team", Publication: "The Hechinger Report", Article: "Teachers weigh chatbots", Email: "editor@thehechingerreport.com"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("candidates mismatch (-want +got):\n%s", diff)
	}
}

func TestNewsSourceUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewNewsSource(srv.URL, 10, time.Second, nil).Discover(context.Background(), "x")
	var down *appErrors.ErrDiscoveryUnavailable
	assert.True(t, errors.As(err, &down))
	assert.True(t, appErrors.IsDiscoveryFailure(err))
}

func TestParseAuthors(t *testing.T) {
	assert.Equal(t, []string{"Jane Doe", "John Roe"}, ParseAuthors("By Jane Doe & John Roe"))
	assert.Equal(t, []string{"Ann Lee"}, ParseAuthors("Newsroom Staff, Ann Lee"))
	assert.Empty(t, ParseAuthors("Editorial Team"))
}

func TestEditorAddress(t *testing.T) {
	assert.Equal(t, "editor@thenewyorktimes.com", EditorAddress("The New York Times"))
	assert.Equal(t, "", EditorAddress("  ---  "))
}

func TestCandidateContactDropsBadEmail(t *testing.T) {
	c := Candidate{Name: "Jane", Publication: "EdSurge", Email: "not-an-address"}.Contact()
	assert.Nil(t, c.Email)
	assert.Nil(t, c.Article)

	c = Candidate{Name: "Jane", Publication: "EdSurge", Email: " jane@edsurge.com ", Article: "Hi"}.Contact()
	require.NotNil(t, c.Email)
	assert.Equal(t, "jane@edsurge.com", *c.Email)
	assert.Equal(t, "Hi", c.ArticleTitle())
}

func TestDedupe(t *testing.T) {
	in := []Candidate{
		{Name: "Jane", Publication: "A", Email: "jane@a.com"},
		{Name: "Jane D.", Publication: "A", Email: "JANE@a.com"},
		{Name: "Bob", Publication: "B"},
		{Name: "bob", Publication: "b"},
		{Name: "Bob", Publication: "C"},
	}
	got := Dedupe(in)
	assert.Equal(t, []Candidate{in[0], in[2], in[4]}, got)
}

func TestCommandSource(t *testing.T) {
	src := &CommandSource{
		Argv:    []string{"sh", "-c", `printf '[{"name":"Jane","publication":"EdSurge","article":"%s","email":"jane@edsurge.com"}]' "$1"`, "--"},
		Timeout: time.Second,
	}

	got, err := src.Discover(context.Background(), "AI Teaching Tools")
	require.NoError(t, err)
	assert.Equal(t, []Candidate{{Name: "Jane", Publication: "EdSurge", Article: "AI Teaching Tools", Email: "jane@edsurge.com"}}, got)
}

func TestNewCommandSourceSplitsArgs(t *testing.T) {
	src, err := NewCommandSource("python3 scraper.py --json", time.Second, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"python3", "scraper.py", "--json"}, src.Argv)
}

func TestCommandSourceFailures(t *testing.T) {
	cases := map[string][]string{
		"exit":    {"sh", "-c", "exit 3", "--"},
		"json":    {"sh", "-c", "echo not json", "--"},
		"timeout": {"sh", "-c", "exec sleep 5", "--"},
	}
	for name, argv := range cases {
		t.Run(name, func(t *testing.T) {
			src := &CommandSource{Argv: argv, Timeout: 100 * time.Millisecond}
			_, err := src.Discover(context.Background(), "topic")
			assert.True(t, appErrors.IsDiscoveryFailure(err), "got %v", err)
		})
	}
}

func TestNewCommandSourceRejectsEmpty(t *testing.T) {
	_, err := NewCommandSource("   ", time.Second, nil)
	assert.Error(t, err)
}
