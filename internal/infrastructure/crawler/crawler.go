package crawler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/time/rate"

	"github.com/kirillkom/knowledge-indexer/internal/core/domain"
	"github.com/kirillkom/knowledge-indexer/internal/core/ports"
	"github.com/kirillkom/knowledge-indexer/internal/infrastructure/extractor"
	"github.com/kirillkom/knowledge-indexer/internal/infrastructure/resilience"
)

const (
	DefaultMaxPages     = 30
	DefaultUserAgent    = "knowledge-indexer/1.0 (+crawler)"
	defaultMaxBodyBytes = 5 << 20
	maxRedirects        = 10
)

// Fetch outcomes reported to metrics.
const (
	OutcomeOK          = "ok"
	OutcomeHTTPStatus  = "http_status"
	OutcomeContentType = "content_type"
	OutcomeRedirect    = "redirect"
	OutcomeError       = "error"
)

type Options struct {
	// AllowedDomains restricts crawling to hosts ending with one of the entries.
	// An empty list allows any host.
	AllowedDomains []string
	// MaxPageChars caps the stored text of one page; 0 keeps it whole.
	MaxPageChars int
	// RequestsPerSecond is the per-host politeness limit; 0 disables it.
	RequestsPerSecond float64
	Burst             int
	UserAgent         string
	Timeout           time.Duration
	MaxBodyBytes      int64
	HTTPClient        *http.Client
	Executor          *resilience.Executor
	Metrics           ports.CrawlMetrics
	Logger            *slog.Logger
}

// Crawler walks one site breadth-first and returns the visible text of its HTML pages.
type Crawler struct {
	allowed      []string
	maxPageChars int
	rps          float64
	burst        int
	userAgent    string
	maxBodyBytes int64
	httpClient   *http.Client
	executor     *resilience.Executor
	metrics      ports.CrawlMetrics
	logger       *slog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func New(opts Options) *Crawler {
	c := &Crawler{
		allowed:      normalizeDomains(opts.AllowedDomains),
		maxPageChars: max(opts.MaxPageChars, 0),
		rps:          opts.RequestsPerSecond,
		burst:        opts.Burst,
		userAgent:    opts.UserAgent,
		maxBodyBytes: opts.MaxBodyBytes,
		httpClient:   opts.HTTPClient,
		executor:     opts.Executor,
		metrics:      opts.Metrics,
		logger:       opts.Logger,
		limiters:     make(map[string]*rate.Limiter),
	}
	if c.burst <= 0 {
		c.burst = 1
	}
	if c.userAgent == "" {
		c.userAgent = DefaultUserAgent
	}
	if c.maxBodyBytes <= 0 {
		c.maxBodyBytes = defaultMaxBodyBytes
	}
	if c.httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		c.httpClient = &http.Client{Timeout: timeout}
	}
	client := *c.httpClient
	client.CheckRedirect = c.checkRedirect
	c.httpClient = &client
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

type queued struct {
	url   string
	depth int
}

type siteKey struct{}

// Scope reports whether source lies within the site a crawl from seed may visit.
func (c *Crawler) Scope(seed string) func(source string) bool {
	canonical, err := Canonical(seed)
	if err != nil {
		return func(string) bool { return false }
	}
	seedURL, _ := url.Parse(canonical)
	site := registrableDomain(seedURL.Hostname())
	return func(source string) bool {
		u, err := url.Parse(source)
		return err == nil && c.inSite(u, site)
	}
}

func (c *Crawler) inSite(u *url.URL, site string) bool {
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return false
	}
	return registrableDomain(u.Hostname()) == site && c.Allowed(u.Hostname())
}

// Crawl fetches at most MaxPages URLs. Links are followed only to depth MaxDepth and
// only within the seed's registrable domain and the allow-list. A failed page is
// counted and skipped.
func (c *Crawler) Crawl(ctx context.Context, req domain.CrawlRequest, progress ports.ProgressReporter) (domain.CrawlResult, error) {
	var result domain.CrawlResult

	seed, err := Canonical(req.Seed)
	if err != nil {
		return result, domain.WrapError(domain.ErrInvalidInput, "crawl", err)
	}
	seedURL, _ := url.Parse(seed)
	if !c.Allowed(seedURL.Hostname()) {
		return result, domain.WrapError(domain.ErrInvalidInput, "crawl", fmt.Errorf("host %s is not in the allowed domains %v", seedURL.Hostname(), c.allowed))
	}
	site := registrableDomain(seedURL.Hostname())
	ctx = context.WithValue(ctx, siteKey{}, site)

	maxPages := req.MaxPages
	if maxPages <= 0 {
		maxPages = DefaultMaxPages
	}
	maxDepth := max(req.MaxDepth, 0)
	if progress != nil {
		progress.SetTotal(maxPages)
	}

	visited := map[string]bool{seed: true}
	stored := make(map[string]bool)
	queue := []queued{{url: seed, depth: 0}}
	c.logger.Info("crawl_started", "seed", seed, "max_pages", maxPages, "max_depth", maxDepth)

	for len(queue) > 0 && result.Fetched < maxPages {
		if progress != nil {
			if err := progress.Checkpoint(ctx); err != nil {
				return result, err
			}
		} else if err := ctx.Err(); err != nil {
			return result, err
		}

		item := queue[0]
		queue = queue[1:]
		result.Fetched++

		doc, final, err := c.fetch(ctx, item.url)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return result, ctxErr
			}
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", item.url, err))
			c.logger.Warn("crawl_fetch_failed", "url", item.url, "error", err)
			c.advance(progress, "failed "+item.url)
			continue
		}

		// A redirected page is stored under the URL it was served from.
		visited[final] = true
		if text := c.capText(extractor.VisibleText(doc.Selection)); text != "" && !stored[final] {
			stored[final] = true
			result.Pages = append(result.Pages, domain.Page{
				URL:       final,
				Depth:     item.depth,
				Text:      text,
				FetchedAt: time.Now().UTC(),
			})
		}

		if item.depth+1 <= maxDepth {
			for _, link := range Links(doc, final) {
				if visited[link] {
					continue
				}
				u, err := url.Parse(link)
				if err != nil || !c.inSite(u, site) {
					continue
				}
				visited[link] = true
				queue = append(queue, queued{url: link, depth: item.depth + 1})
			}
		}
		c.advance(progress, "fetched "+item.url)
	}

	c.logger.Info("crawl_completed", "seed", seed, "pages", len(result.Pages), "fetched", result.Fetched, "failed", result.Failed)
	return result, nil
}

// Allowed reports whether host falls under the allow-list.
func (c *Crawler) Allowed(host string) bool {
	if len(c.allowed) == 0 {
		return true
	}
	host = strings.ToLower(host)
	for _, d := range c.allowed {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// fetch returns the parsed page and the canonical URL it was finally served from.
func (c *Crawler) fetch(ctx context.Context, pageURL string) (*goquery.Document, string, error) {
	u, err := url.Parse(pageURL)
	if err != nil {
		return nil, "", err
	}
	if err := c.wait(ctx, u.Host); err != nil {
		return nil, "", err
	}

	var body []byte
	final := pageURL
	call := func(callCtx context.Context) error {
		out, served, err := c.get(callCtx, pageURL)
		if err != nil {
			return err
		}
		body, final = out, served
		return nil
	}
	if c.executor != nil {
		err = c.executor.Execute(ctx, "crawler.fetch", call, classifyFetchError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		c.observe(fetchOutcome(err))
		return nil, "", err
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		c.observe(OutcomeError)
		return nil, "", fmt.Errorf("parse html: %w", err)
	}
	c.observe(OutcomeOK)
	return doc, final, nil
}

func (c *Crawler) get(ctx context.Context, pageURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", &HTTPStatusError{URL: pageURL, StatusCode: resp.StatusCode, Status: resp.Status}
	}
	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(strings.ToLower(contentType), "text/html") {
		return nil, "", &ContentTypeError{URL: pageURL, ContentType: contentType}
	}

	served, err := canonicalURL(resp.Request.URL)
	if err != nil {
		return nil, "", err
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBodyBytes))
	if err != nil {
		return nil, "", fmt.Errorf("read body: %w", err)
	}
	return body, served, nil
}

// checkRedirect keeps redirects inside the crawled site and the allow-list.
func (c *Crawler) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return fmt.Errorf("stopped after %d redirects", maxRedirects)
	}
	site, ok := req.Context().Value(siteKey{}).(string)
	if !ok {
		site = registrableDomain(via[0].URL.Hostname())
	}
	if !c.inSite(req.URL, site) {
		return &RedirectError{From: via[len(via)-1].URL.String(), To: req.URL.String()}
	}
	return nil
}

func (c *Crawler) wait(ctx context.Context, host string) error {
	if c.rps <= 0 {
		return nil
	}
	c.mu.Lock()
	limiter, ok := c.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(c.rps), c.burst)
		c.limiters[host] = limiter
	}
	c.mu.Unlock()
	return limiter.Wait(ctx)
}

func (c *Crawler) capText(text string) string {
	if c.maxPageChars <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= c.maxPageChars {
		return text
	}
	return string(runes[:c.maxPageChars])
}

func (c *Crawler) observe(outcome string) {
	if c.metrics != nil {
		c.metrics.ObserveCrawlFetch(outcome)
	}
}

func (c *Crawler) advance(progress ports.ProgressReporter, message string) {
	if progress != nil {
		progress.Advance(1, message)
	}
}

func fetchOutcome(err error) string {
	var statusErr *HTTPStatusError
	var typeErr *ContentTypeError
	var redirectErr *RedirectError
	switch {
	case errors.As(err, &statusErr):
		return OutcomeHTTPStatus
	case errors.As(err, &typeErr):
		return OutcomeContentType
	case errors.As(err, &redirectErr):
		return OutcomeRedirect
	default:
		return OutcomeError
	}
}

func normalizeDomains(domains []string) []string {
	out := make([]string, 0, len(domains))
	for _, d := range domains {
		d = strings.Trim(strings.ToLower(strings.TrimSpace(d)), ".")
		if d != "" {
			out = append(out, d)
		}
	}
	return out
}
