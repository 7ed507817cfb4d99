package crawler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kirillkom/knowledge-indexer/internal/core/domain"
	"github.com/kirillkom/knowledge-indexer/internal/infrastructure/resilience"
)

type metricsFake struct {
	mu       sync.Mutex
	outcomes map[string]int
}

func (m *metricsFake) ObserveCrawlFetch(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.outcomes == nil {
		m.outcomes = make(map[string]int)
	}
	m.outcomes[outcome]++
}

type progressFake struct {
	checkpoints int
	stopAfter   int
	advanced    int
	total       int
}

func (p *progressFake) SetState(domain.JobState, string) {}
func (p *progressFake) SetTotal(n int)                   { p.total = n }
func (p *progressFake) Advance(n int, _ string)          { p.advanced += n }
func (p *progressFake) Checkpoint(ctx context.Context) error {
	p.checkpoints++
	if p.stopAfter > 0 && p.checkpoints > p.stopAfter {
		return domain.ErrStopped
	}
	return ctx.Err()
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func siteServer(t *testing.T) *httptest.Server {
	t.Helper()
	pages := map[string]string{
		"/": `<html><head><title>Home</title><script>var x = 1;</script></head><body>
			<p>Welcome home</p>
			<a href="/a">A</a>
			<a href="b?ref=nav#top">B</a>
			<a href="/a#again">A again</a>
			<a href="mailto:team@example.com">Mail</a>
			<a href="javascript:void(0)">JS</a>
			<a href="/logo.png">Logo</a>
			<a href="/missing">Missing</a>
			<a href="https://other.example/">External</a>
		</body></html>`,
		"/a": `<html><body><p>Page A</p><a href="/c">C</a></body></html>`,
		"/b": `<html><body><p>Page B</p></body></html>`,
		"/c": `<html><body><p>Page C</p></body></html>`,
	}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/logo.png" {
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write([]byte{0x89, 'P', 'N', 'G'})
			return
		}
		body, ok := pages[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = io.WriteString(w, body)
	}))
}

func TestCrawlFollowsSameSiteLinksToDepth(t *testing.T) {
	server := siteServer(t)
	defer server.Close()
	metrics := &metricsFake{}
	c := New(Options{Metrics: metrics, Logger: quietLogger()})

	result, err := c.Crawl(context.Background(), domain.CrawlRequest{Seed: server.URL, MaxPages: 30, MaxDepth: 1}, nil)
	require.NoError(t, err)

	var urls []string
	for _, p := range result.Pages {
		urls = append(urls, p.URL)
	}
	assert.Equal(t, []string{server.URL + "/", server.URL + "/a", server.URL + "/b"}, urls)
	assert.Equal(t, 5, result.Fetched)
	assert.Equal(t, 2, result.Failed)
	assert.Len(t, result.Errors, 2)

	home := result.Pages[0]
	assert.Equal(t, 0, home.Depth)
	assert.Contains(t, home.Text, "Welcome home")
	assert.NotContains(t, home.Text, "var x")
	assert.Equal(t, 1, result.Pages[1].Depth)

	assert.Equal(t, 3, metrics.outcomes[OutcomeOK])
	assert.Equal(t, 1, metrics.outcomes[OutcomeContentType])
	assert.Equal(t, 1, metrics.outcomes[OutcomeHTTPStatus])
}

func TestCrawlDepthZeroFetchesSeedOnly(t *testing.T) {
	server := siteServer(t)
	defer server.Close()
	c := New(Options{Logger: quietLogger()})

	result, err := c.Crawl(context.Background(), domain.CrawlRequest{Seed: server.URL + "/", MaxPages: 30, MaxDepth: 0}, nil)
	require.NoError(t, err)
	require.Len(t, result.Pages, 1)
	assert.Equal(t, 1, result.Fetched)
}

func TestCrawlDeeperDepthReachesGrandchildren(t *testing.T) {
	server := siteServer(t)
	defer server.Close()
	c := New(Options{Logger: quietLogger()})

	result, err := c.Crawl(context.Background(), domain.CrawlRequest{Seed: server.URL, MaxPages: 30, MaxDepth: 2}, nil)
	require.NoError(t, err)

	last := result.Pages[len(result.Pages)-1]
	assert.Equal(t, server.URL+"/c", last.URL)
	assert.Equal(t, 2, last.Depth)
}

func TestCrawlStopsAtMaxPages(t *testing.T) {
	server := siteServer(t)
	defer server.Close()
	progress := &progressFake{}
	c := New(Options{Logger: quietLogger()})

	result, err := c.Crawl(context.Background(), domain.CrawlRequest{Seed: server.URL, MaxPages: 2, MaxDepth: 3}, progress)
	require.NoError(t, err)

	assert.Equal(t, 2, result.Fetched)
	assert.Len(t, result.Pages, 2)
	assert.Equal(t, 2, progress.total)
	assert.Equal(t, 2, progress.advanced)
}

func TestCrawlRejectsSeedOutsideAllowList(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer server.Close()
	c := New(Options{AllowedDomains: []string{"example.com"}, Logger: quietLogger()})

	_, err := c.Crawl(context.Background(), domain.CrawlRequest{Seed: server.URL, MaxPages: 5}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))
	assert.Zero(t, hits.Load())
}

func TestCrawlRejectsNonHTTPSeed(t *testing.T) {
	c := New(Options{Logger: quietLogger()})

	_, err := c.Crawl(context.Background(), domain.CrawlRequest{Seed: "ftp://example.com/file"}, nil)
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))
}

func TestCrawlCapsPageText(t *testing.T) {
	server := siteServer(t)
	defer server.Close()
	c := New(Options{MaxPageChars: 4, Logger: quietLogger()})

	result, err := c.Crawl(context.Background(), domain.CrawlRequest{Seed: server.URL + "/b", MaxDepth: 0}, nil)
	require.NoError(t, err)
	require.Len(t, result.Pages, 1)
	assert.Equal(t, "Page", result.Pages[0].Text)
}

func TestCrawlStopsAtCheckpoint(t *testing.T) {
	server := siteServer(t)
	defer server.Close()
	c := New(Options{Logger: quietLogger()})

	result, err := c.Crawl(context.Background(), domain.CrawlRequest{Seed: server.URL, MaxPages: 30, MaxDepth: 1}, &progressFake{stopAfter: 1})
	assert.ErrorIs(t, err, domain.ErrStopped)
	assert.Equal(t, 1, result.Fetched)
}

func TestCrawlRetriesTransientStatus(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, "<p>recovered</p>")
	}))
	defer server.Close()

	cfg := resilience.DefaultConfig()
	cfg.RetryInitialBackoff = time.Millisecond
	cfg.RetryMaxBackoff = 2 * time.Millisecond
	cfg.BreakerEnabled = false
	c := New(Options{Executor: resilience.NewExecutor(cfg), Logger: quietLogger()})

	result, err := c.Crawl(context.Background(), domain.CrawlRequest{Seed: server.URL}, nil)
	require.NoError(t, err)
	require.Len(t, result.Pages, 1)
	assert.Equal(t, "recovered", result.Pages[0].Text)
	assert.Equal(t, int32(2), calls.Load())
}

func TestCrawlAppliesPerHostRateLimit(t *testing.T) {
	server := siteServer(t)
	defer server.Close()
	c := New(Options{RequestsPerSecond: 20, Burst: 1, Logger: quietLogger()})

	started := time.Now()
	result, err := c.Crawl(context.Background(), domain.CrawlRequest{Seed: server.URL, MaxPages: 3, MaxDepth: 1}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Fetched)
	assert.GreaterOrEqual(t, time.Since(started), 90*time.Millisecond)
}

func TestCanonical(t *testing.T) {
	cases := map[string]string{
		"HTTPS://Example.com":                 "https://example.com/",
		"https://example.com/docs?page=2#top": "https://example.com/docs",
		"http://example.com:8080/a/":          "http://example.com:8080/a/",
	}
	for in, want := range cases {
		got, err := Canonical(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	for _, bad := range []string{"mailto:a@b.c", "/relative", "ftp://example.com/"} {
		_, err := Canonical(bad)
		assert.Error(t, err, bad)
	}
}

func TestLinksResolvesAndFilters(t *testing.T) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(`
		<a href="../up">up</a>
		<a href="child?q=1">child</a>
		<a href="child#frag">dup</a>
		<a href="#only">anchor</a>
		<a href="tel:+100">tel</a>
		<a href="data:text/plain,hi">data</a>
		<a href="https://docs.example.com/x">abs</a>`))
	require.NoError(t, err)

	links := Links(doc, "https://example.com/dir/page")

	assert.Equal(t, []string{
		"https://example.com/up",
		"https://example.com/dir/child",
		"https://docs.example.com/x",
	}, links)
}

func TestRegistrableDomain(t *testing.T) {
	assert.Equal(t, "example.co.uk", registrableDomain("docs.example.co.uk"))
	assert.Equal(t, "example.com", registrableDomain("WWW.Example.com."))
	assert.Equal(t, "127.0.0.1", registrableDomain("127.0.0.1"))
	assert.Equal(t, "localhost", registrableDomain("localhost"))
}

func TestAllowed(t *testing.T) {
	c := New(Options{AllowedDomains: []string{" Example.com ", ""}})

	assert.True(t, c.Allowed("example.com"))
	assert.True(t, c.Allowed("docs.example.com"))
	assert.False(t, c.Allowed("badexample.com"))
	assert.True(t, New(Options{}).Allowed("anything.test"))
}

func TestCrawlRefusesRedirectOffSite(t *testing.T) {
	offsite := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, "<p>offsite secret</p>")
	}))
	defer offsite.Close()
	site := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, offsite.URL+"/", http.StatusFound)
	}))
	defer site.Close()

	seed := strings.Replace(site.URL, "127.0.0.1", "localhost", 1)
	metrics := &metricsFake{}
	c := New(Options{AllowedDomains: []string{"localhost"}, Metrics: metrics, Logger: quietLogger()})

	result, err := c.Crawl(context.Background(), domain.CrawlRequest{Seed: seed, MaxPages: 5}, nil)
	require.NoError(t, err)
	assert.Empty(t, result.Pages)
	assert.Equal(t, 1, result.Failed)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "leaves the crawled site")
	assert.Equal(t, 1, metrics.outcomes[OutcomeRedirect])
}

func TestCrawlStoresRedirectedPageUnderServedURL(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/docs":
			http.Redirect(w, r, "/guide/", http.StatusMovedPermanently)
		case "/guide/":
			w.Header().Set("Content-Type", "text/html")
			_, _ = io.WriteString(w, `<p>Guide</p><a href="intro">Intro</a>`)
		case "/guide/intro":
			w.Header().Set("Content-Type", "text/html")
			_, _ = io.WriteString(w, `<p>Intro</p>`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()
	c := New(Options{Logger: quietLogger()})

	result, err := c.Crawl(context.Background(), domain.CrawlRequest{Seed: server.URL + "/docs", MaxPages: 5, MaxDepth: 1}, nil)
	require.NoError(t, err)

	var urls []string
	for _, p := range result.Pages {
		urls = append(urls, p.URL)
	}
	assert.Equal(t, []string{server.URL + "/guide/", server.URL + "/guide/intro"}, urls)
}

func TestScopeCoversSeedSiteOnly(t *testing.T) {
	c := New(Options{AllowedDomains: []string{"a.test", "b.test"}})

	inA := c.Scope("https://a.test/docs")
	assert.True(t, inA("https://a.test/"))
	assert.True(t, inA("https://www.a.test/page"))
	assert.False(t, inA("https://b.test/"))
	assert.False(t, inA("not a url\x7f"))

	assert.False(t, c.Scope("ftp://a.test/")("https://a.test/"))
}
