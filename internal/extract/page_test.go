package extract_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soheilrt/play-scraper/internal/domain"
	"github.com/soheilrt/play-scraper/internal/extract"
)

const detailsPage = `<html><head><title> Example App </title></head><body>
<h1 itemprop="name">Example App</h1>
<a class="dev" href="/store/apps/developer?id=Example+Inc">Example Inc</a>
<a href="/store/apps/details?id=com.example.other">Other</a>
<a href="/store/apps/details?id=com.example.other">Other again</a>
<a href="/store/apps/details?id=com.example.app">Self</a>
<a href="https://elsewhere.test/">Elsewhere</a>
</body></html>`

func newPageServer(t *testing.T, status int, body string) (*httptest.Server, *string) {
	t.Helper()
	var lastQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lastQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(status)
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, &lastQuery
}

func mustRule(t *testing.T, kind, pattern string) extract.FollowRule {
	t.Helper()
	rule, err := extract.NewFollowRule(kind, pattern)
	require.NoError(t, err)
	return rule
}

func TestPageExtractor_ExtractsFieldsAndFollowUps(t *testing.T) {
	srv, lastQuery := newPageServer(t, http.StatusOK, detailsPage)

	p, err := extract.NewPageExtractor(extract.PageConfig{
		Kind:        "details",
		URLTemplate: srv.URL + "/store/apps/details?id={target}&hl=en",
		Fields:      map[string]string{"name": "h1[itemprop=name]", "developer": "a.dev"},
		Follow: []extract.FollowRule{
			mustRule(t, "details", `/store/apps/details\?id=([A-Za-z0-9._]+)`),
			mustRule(t, "developer", `/store/apps/developer\?id=([^&]+)`),
		},
		Timeout: 2 * time.Second,
	})
	require.NoError(t, err)

	res, err := p.Extract(context.Background(), domain.NewTask("details", "com.example.app", nil))
	require.NoError(t, err)

	assert.Equal(t, "id=com.example.app&hl=en", *lastQuery)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "Example App", res.Title)
	assert.Equal(t, "Example App", res.Fields["name"])
	assert.Equal(t, "Example Inc", res.Fields["developer"])

	ids := make([]string, 0, len(res.Discovered))
	for _, task := range res.Discovered {
		ids = append(ids, task.ID)
	}
	assert.ElementsMatch(t, []string{"developer:Example Inc", "details:com.example.other"}, ids)
}

func TestPageExtractor_StatusClassification(t *testing.T) {
	cases := []struct {
		status    int
		permanent bool
	}{
		{http.StatusNotFound, true},
		{http.StatusGone, true},
		{http.StatusTooManyRequests, false},
		{http.StatusServiceUnavailable, false},
		{http.StatusInternalServerError, false},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			srv, _ := newPageServer(t, tc.status, "<html></html>")
			p, err := extract.NewPageExtractor(extract.PageConfig{Kind: "details", URLTemplate: srv.URL + "/?id={target}"})
			require.NoError(t, err)

			_, err = p.Extract(context.Background(), domain.NewTask("details", "x", nil))
			require.Error(t, err)
			assert.Equal(t, tc.permanent, domain.IsPermanent(err))
			if !tc.permanent {
				var transient *domain.TransientFetchError
				assert.ErrorAs(t, err, &transient)
			}
		})
	}
}

func TestPageExtractor_NetworkErrorIsTransient(t *testing.T) {
	srv, _ := newPageServer(t, http.StatusOK, "")
	addr := srv.URL
	srv.Close()

	p, err := extract.NewPageExtractor(extract.PageConfig{Kind: "details", URLTemplate: addr + "/?id={target}", Timeout: time.Second})
	require.NoError(t, err)

	_, err = p.Extract(context.Background(), domain.NewTask("details", "x", nil))
	var transient *domain.TransientFetchError
	require.ErrorAs(t, err, &transient)
}

func TestPageExtractor_ContextCancelled(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(block) })

	p, err := extract.NewPageExtractor(extract.PageConfig{Kind: "details", URLTemplate: srv.URL + "/?id={target}", Timeout: 5 * time.Second})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = p.Extract(ctx, domain.NewTask("details", "x", nil))
	var transient *domain.TransientFetchError
	require.ErrorAs(t, err, &transient)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPageExtractor_PayloadURLOverride(t *testing.T) {
	srv, lastQuery := newPageServer(t, http.StatusOK, "<html><title>t</title></html>")
	p, err := extract.NewPageExtractor(extract.PageConfig{Kind: "category", URLTemplate: "http://unused.invalid/{target}"})
	require.NoError(t, err)

	task := domain.NewTask("category", "GAME", []byte(`{"url":"`+srv.URL+`/?cat=GAME"}`))
	res, err := p.Extract(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, "cat=GAME", *lastQuery)
	assert.Equal(t, "t", res.Title)
}

func TestNewPageExtractor_Validation(t *testing.T) {
	_, err := extract.NewPageExtractor(extract.PageConfig{Kind: "details", URLTemplate: "https://example.test/"})
	require.Error(t, err)

	_, err = extract.NewPageExtractor(extract.PageConfig{URLTemplate: "https://example.test/{target}"})
	require.Error(t, err)
}

func TestNewFollowRule(t *testing.T) {
	_, err := extract.NewFollowRule("details", "no-group")
	require.Error(t, err)

	_, err = extract.NewFollowRule("details", "([")
	require.Error(t, err)

	rule := mustRule(t, "developer", `developer\?id=([^&]+)`)
	task, ok := rule.Match("https://play.example/store/apps/developer?id=Big%20Co&hl=en")
	require.True(t, ok)
	assert.Equal(t, "developer:Big Co", task.ID)

	_, ok = rule.Match("https://play.example/store/apps/details?id=x")
	assert.False(t, ok)
}
