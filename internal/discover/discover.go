// Package discover extracts page links, assets, and data exports from HTML.
package discover

import (
	"bytes"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html/charset"

	"github.com/JakeFAU/edarchive/internal/crawler"
)

// Discovery is the best-effort result of parsing one page. Lists are
// deduplicated and keep document order.
type Discovery struct {
	Title     string
	Links     []string
	Assets    []crawler.AssetRef
	DataLinks []string
	Warnings  []string
}

var (
	dataExtensions = map[string]struct{}{".csv": {}, ".xlsx": {}, ".xls": {}, ".json": {}}
	dataFormat     = regexp.MustCompile(`(?i)^(csv|xlsx|xls|json)$`)
	dataLinkText   = regexp.MustCompile(`(?i)\b(csv|excel|xlsx)\b`)
	skippedSchemes = []string{"javascript:", "mailto:", "tel:", "data:"}
)

// Discover parses html fetched from baseURL. It never panics; malformed
// input yields partial results plus warnings.
func Discover(html []byte, baseURL string) (d Discovery) {
	defer func() {
		if r := recover(); r != nil {
			d.Warnings = append(d.Warnings, fmt.Sprintf("discovery aborted: %v", r))
		}
	}()

	base, err := url.Parse(baseURL)
	if err != nil {
		d.Warnings = append(d.Warnings, fmt.Sprintf("invalid base url %q: %v", baseURL, err))
		return d
	}

	reader, err := charset.NewReader(bytes.NewReader(html), "")
	if err != nil {
		d.Warnings = append(d.Warnings, fmt.Sprintf("charset detection failed: %v", err))
		reader = bytes.NewReader(html)
	}
	doc, err := goquery.NewDocumentFromReader(reader)
	if err != nil {
		d.Warnings = append(d.Warnings, fmt.Sprintf("parse html: %v", err))
		return d
	}

	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if b, err := base.Parse(strings.TrimSpace(href)); err == nil {
			base = b
		} else {
			d.Warnings = append(d.Warnings, fmt.Sprintf("invalid base href %q", href))
		}
	}

	c := &collector{base: base, seen: map[string]struct{}{}, pageURL: baseURL}
	d.Title = strings.TrimSpace(doc.Find("title").First().Text())

	doc.Find("a[href], area[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		c.anchor(href, s.Text())
	})
	doc.Find("iframe[src], frame[src]").Each(func(_ int, s *goquery.Selection) {
		src, _ := s.Attr("src")
		c.page(src)
	})

	doc.Find("img").Each(func(_ int, s *goquery.Selection) {
		c.attrAsset(s, "src", crawler.MediaImage)
		c.srcset(s, crawler.MediaImage)
	})
	doc.Find("video").Each(func(_ int, s *goquery.Selection) {
		c.attrAsset(s, "src", crawler.MediaVideo)
		c.attrAsset(s, "poster", crawler.MediaImage)
	})
	doc.Find("source").Each(func(_ int, s *goquery.Selection) {
		guess := crawler.MediaOther
		switch {
		case s.ParentFiltered("video").Length() > 0:
			guess = crawler.MediaVideo
		case s.ParentFiltered("picture").Length() > 0:
			guess = crawler.MediaImage
		}
		c.attrAsset(s, "src", guess)
		c.srcset(s, guess)
	})
	doc.Find("audio[src], track[src], embed[src], script[src]").Each(func(_ int, s *goquery.Selection) {
		c.attrAsset(s, "src", crawler.MediaOther)
	})
	doc.Find("object[data]").Each(func(_ int, s *goquery.Selection) {
		c.attrAsset(s, "data", crawler.MediaOther)
	})
	doc.Find("link[href]").Each(func(_ int, s *goquery.Selection) {
		rel := strings.Fields(strings.ToLower(s.AttrOr("rel", "")))
		for _, r := range rel {
			switch {
			case r == "stylesheet":
				c.attrAsset(s, "href", crawler.MediaOther)
				return
			case strings.Contains(r, "icon"):
				c.attrAsset(s, "href", crawler.MediaImage)
				return
			}
		}
	})

	d.Links = c.links
	d.Assets = c.assets
	d.DataLinks = c.dataLinks
	d.Warnings = append(d.Warnings, c.warnings...)
	return d
}

// IsDataLink reports whether an absolute URL or its link text looks like a
// tabular data export.
func IsDataLink(rawURL, text string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	if _, ok := dataExtensions[crawler.Extension(rawURL)]; ok {
		return true
	}
	if dataFormat.MatchString(u.Query().Get("format")) {
		return true
	}
	for _, seg := range strings.Split(strings.ToLower(u.Path), "/") {
		if seg == "api" {
			return true
		}
	}
	return text != "" && dataLinkText.MatchString(text)
}

type collector struct {
	base      *url.URL
	pageURL   string
	seen      map[string]struct{}
	links     []string
	assets    []crawler.AssetRef
	dataLinks []string
	warnings  []string
}

func (c *collector) resolve(ref string) (string, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "#") {
		return "", false
	}
	lower := strings.ToLower(ref)
	for _, scheme := range skippedSchemes {
		if strings.HasPrefix(lower, scheme) {
			return "", false
		}
	}
	abs, err := c.base.Parse(ref)
	if err != nil {
		c.warnings = append(c.warnings, fmt.Sprintf("unresolvable reference %q: %v", ref, err))
		return "", false
	}
	normalized, err := crawler.NormalizeURL(abs.String())
	if err != nil {
		return "", false
	}
	return normalized, true
}

// claim records a URL under a role so each URL lands in exactly one list.
func (c *collector) claim(u string) bool {
	if _, dup := c.seen[u]; dup {
		return false
	}
	c.seen[u] = struct{}{}
	return true
}

func (c *collector) anchor(href, text string) {
	u, ok := c.resolve(href)
	if !ok {
		return
	}
	switch {
	case IsDataLink(u, strings.TrimSpace(text)):
		if c.claim(u) {
			c.dataLinks = append(c.dataLinks, u)
		}
	default:
		if cat, isAsset := crawler.CategoryFromExtension(u); isAsset {
			c.addAsset(u, cat)
			return
		}
		if c.claim(u) {
			c.links = append(c.links, u)
		}
	}
}

func (c *collector) page(src string) {
	if u, ok := c.resolve(src); ok && c.claim(u) {
		c.links = append(c.links, u)
	}
}

func (c *collector) attrAsset(s *goquery.Selection, attr string, guess crawler.MediaCategory) {
	if v, ok := s.Attr(attr); ok {
		if u, ok := c.resolve(v); ok {
			c.addAsset(u, guess)
		}
	}
}

func (c *collector) srcset(s *goquery.Selection, guess crawler.MediaCategory) {
	v, ok := s.Attr("srcset")
	if !ok {
		return
	}
	for _, candidate := range strings.Split(v, ",") {
		fields := strings.Fields(candidate)
		if len(fields) == 0 {
			continue
		}
		if u, ok := c.resolve(fields[0]); ok {
			c.addAsset(u, guess)
		}
	}
}

func (c *collector) addAsset(u string, guess crawler.MediaCategory) {
	if cat, ok := crawler.CategoryFromExtension(u); ok {
		guess = cat
	}
	if !c.claim(u) {
		return
	}
	c.assets = append(c.assets, crawler.AssetRef{URL: u, MediaTypeGuess: guess, ReferencedBy: c.pageURL})
}
