// Package extract derives link-preview metadata from HTML documents.
package extract

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/og-crawler/internal/crawler"
)

var (
	titleSelectors = []string{
		`meta[property="og:title"]`,
		`meta[name="twitter:title"]`,
	}
	descriptionSelectors = []string{
		`meta[property="og:description"]`,
		`meta[name="description"]`,
		`meta[name="twitter:description"]`,
	}
	urlSelectors      = []string{`meta[property="og:url"]`}
	siteNameSelectors = []string{`meta[property="og:site_name"]`}
	imageSelectors    = []string{
		`meta[property="og:image"]`,
		`meta[property="og:image:secure_url"]`,
		`meta[name="twitter:image"]`,
	}
)

// OpenGraph extracts Open Graph, Twitter card and plain HTML metadata.
// It is stateless and safe for concurrent use.
type OpenGraph struct{}

// New returns an OpenGraph extractor.
func New() *OpenGraph {
	return &OpenGraph{}
}

var _ crawler.Extractor = (*OpenGraph)(nil)

// Extract parses html and resolves relative references against baseURL.
// Missing fields are left empty; it never fails.
func (OpenGraph) Extract(html, baseURL string) crawler.Metadata {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		doc, _ = goquery.NewDocumentFromReader(strings.NewReader(""))
	}

	base, _ := url.Parse(baseURL)
	if base != nil && (base.Scheme == "" || base.Host == "") {
		base = nil
	}

	var meta crawler.Metadata

	meta.Title = firstContent(doc, titleSelectors)
	if meta.Title == "" {
		meta.Title = strings.TrimSpace(doc.Find("title").First().Text())
	}
	meta.Description = firstContent(doc, descriptionSelectors)

	if raw := firstContent(doc, urlSelectors); raw != "" {
		meta.URL = ResolveURL(base, raw)
	} else if base != nil {
		meta.URL = baseURL
	}

	meta.SiteName = firstContent(doc, siteNameSelectors)
	if meta.SiteName == "" && base != nil {
		meta.SiteName = strings.ToLower(base.Hostname())
	}

	if raw := firstContent(doc, imageSelectors); raw != "" {
		meta.Image = ResolveURL(base, raw)
	}

	if href := bestIconHref(doc); href != "" {
		meta.Favicon = ResolveURL(base, href)
	} else if base != nil {
		meta.Favicon = base.ResolveReference(&url.URL{Path: "/favicon.ico"}).String()
	}

	return meta
}

// firstContent returns the trimmed content attribute of the first selector that yields one.
func firstContent(doc *goquery.Document, selectors []string) string {
	for _, sel := range selectors {
		if v := strings.TrimSpace(doc.Find(sel).First().AttrOr("content", "")); v != "" {
			return v
		}
	}
	return ""
}

// ResolveURL resolves target against base. data: URIs pass through untouched
// and references that cannot be resolved are returned as given.
func ResolveURL(base *url.URL, target string) string {
	target = strings.TrimSpace(target)
	if target == "" {
		return ""
	}
	if strings.HasPrefix(strings.ToLower(target), "data:") {
		return target
	}
	ref, err := url.Parse(target)
	if err != nil {
		return target
	}
	if base == nil {
		if ref.IsAbs() {
			return ref.String()
		}
		return target
	}
	return base.ResolveReference(ref).String()
}
