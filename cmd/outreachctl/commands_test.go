package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/outreach-backend/internal/discovery"
	"github.com/unclebandit/outreach-backend/internal/generator"
	"github.com/unclebandit/outreach-backend/internal/repository/repotest"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("GOOGLE_API_KEY", "")
	t.Setenv("DISCOVERY_MODE", "")
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestPreviewCommand(t *testing.T) {
	out, err := execute(t, "--config", "missing.yaml", "preview",
		"--company", "Dumroo.ai", "--topic", "AI Teaching Tools", "--name", "Ann Lee", "--publication", "EdSurge")
	require.NoError(t, err)

	var content generator.Content
	require.NoError(t, json.Unmarshal([]byte(out), &content))
	assert.Equal(t, "Story idea: AI Teaching Tools", content.Subject)
	assert.True(t, content.Fallback)
	assert.Contains(t, content.Text, "PR Team")
}

func TestPreviewRequiresTopic(t *testing.T) {
	_, err := execute(t, "--config", "missing.yaml", "preview", "--company", "Dumroo.ai")
	assert.Error(t, err)
}

func TestDiscoverCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<rss version="2.0"><channel><title>x</title>
<item><title>Classrooms adopt AI tutors - EdSurge</title></item>
<item><title>Classrooms adopt AI tutors again - EdSurge</title></item>
</channel></rss>`))
	}))
	defer srv.Close()
	cfg := writeFile(t, "config.yaml", "discovery:\n  mode: rss\n  feed_url: "+srv.URL+"\n")

	out, err := execute(t, "--config", cfg, "discover", "AI Teaching Tools")
	require.NoError(t, err)

	var found []discovery.Candidate
	require.NoError(t, json.Unmarshal([]byte(out), &found))
	require.Len(t, found, 1, "same editorial desk collapses to one contact")
	assert.Equal(t, "editor@edsurge.com", found[0].Email)
}

func TestSeedContacts(t *testing.T) {
	path := writeFile(t, "contacts.yaml", `contacts:
  - name: Ann Lee
    publication: EdSurge
    email: ann@edsurge.com
  - name: Ann L.
    publication: EdSurge
    email: ANN@edsurge.com
  - name: Bob Roe
    publication: Wired
    article: Chatbots in class
`)
	candidates, err := loadSeed(path)
	require.NoError(t, err)
	require.Len(t, candidates, 2)

	store := repotest.New()
	n, err := seedContacts(context.Background(), store, candidates)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = loadSeed(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
