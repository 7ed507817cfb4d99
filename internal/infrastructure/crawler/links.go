package crawler

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/publicsuffix"
)

// Canonical resolves raw to an absolute http(s) URL without query or fragment.
func Canonical(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", raw, err)
	}
	return canonicalURL(u)
}

func canonicalURL(u *url.URL) (string, error) {
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("url %q has no host", u.String())
	}
	out := url.URL{
		Scheme: scheme,
		Host:   strings.ToLower(u.Host),
		Path:   u.Path,
	}
	if out.Path == "" {
		out.Path = "/"
	}
	return out.String(), nil
}

// Links returns the canonical targets of the page's anchors in document order,
// without duplicates.
func Links(doc *goquery.Document, pageURL string) []string {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil
	}

	seen := make(map[string]bool)
	var links []string
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		if skipHref(href) {
			return
		}
		resolved, err := base.Parse(strings.TrimSpace(href))
		if err != nil {
			return
		}
		link, err := canonicalURL(resolved)
		if err != nil || seen[link] {
			return
		}
		seen[link] = true
		links = append(links, link)
	})
	return links
}

func skipHref(href string) bool {
	href = strings.ToLower(strings.TrimSpace(href))
	if href == "" || strings.HasPrefix(href, "#") {
		return true
	}
	for _, prefix := range []string{"javascript:", "mailto:", "tel:", "data:"} {
		if strings.HasPrefix(href, prefix) {
			return true
		}
	}
	return false
}

// registrableDomain is the eTLD+1 of host, or the host itself for IPs and
// single-label names.
func registrableDomain(host string) string {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if net.ParseIP(host) != nil {
		return host
	}
	site, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return site
}
