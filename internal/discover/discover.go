// Package discover finds downloadable data files on a publisher's listing page
// and its "previous versions" pages.
package discover

import (
	"bytes"
	"context"
	"net/url"
	"path"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/net/html"
	"golang.org/x/net/html/charset"

	"github.com/sells-group/priceindex-cli/internal/fetcher"
	"github.com/sells-group/priceindex-cli/internal/period"
)

// Config selects which links on a listing page are data files and which lead
// to older editions.
type Config struct {
	// SearchTerms must appear somewhere in a link target.
	SearchTerms []string
	// FileExtensions a data file link must end with.
	FileExtensions []string
	// PreviousVersionMarkers are matched case-insensitively against anchor text.
	PreviousVersionMarkers []string
}

// Candidate is a data file link found during discovery.
type Candidate struct {
	URL          string
	Name         string
	Key          period.Key
	FromPrevious bool
}

// Discoverer collects candidate links.
type Discoverer struct {
	fetcher    fetcher.Fetcher
	normalizer *period.Normalizer
	cfg        Config
}

// New creates a Discoverer.
func New(f fetcher.Fetcher, n *period.Normalizer, cfg Config) *Discoverer {
	return &Discoverer{fetcher: f, normalizer: n, cfg: cfg}
}

type anchor struct {
	href string
	text string
}

// Discover returns the candidates of the primary listing page followed by those
// of each previous-versions page, in page order. Every matching link of the
// primary page is kept; a link on a previous-versions page is dropped when its
// period key has already been seen.
func (d *Discoverer) Discover(ctx context.Context, listingURL string) ([]Candidate, error) {
	log := zap.L().With(zap.String("component", "discover"))

	base, err := url.Parse(listingURL)
	if err != nil {
		return nil, eris.Wrapf(err, "discover: parse listing url %q", listingURL)
	}

	anchors, err := d.fetchAnchors(ctx, listingURL)
	if err != nil {
		return nil, eris.Wrap(err, "discover: fetch listing page")
	}

	seenURL := make(map[string]bool)
	seenKey := make(map[period.Key]bool)

	var out []Candidate
	for _, a := range anchors {
		c, ok := d.candidate(base, a.href)
		if !ok || seenURL[c.URL] {
			continue
		}
		seenURL[c.URL] = true
		seenKey[c.Key] = true
		out = append(out, c)
	}
	primary := len(out)
	log.Info("found links on listing page", zap.Int("count", primary))

	pages := d.previousPages(base, anchors)
	log.Info("found previous version pages", zap.Int("count", len(pages)))

	for _, page := range pages {
		pageURL, _ := url.Parse(page)
		prev, err := d.fetchAnchors(ctx, page)
		if err != nil {
			log.Warn("skipping previous version page", zap.String("url", page), zap.Error(err))
			continue
		}
		found := 0
		for _, a := range prev {
			c, ok := d.candidate(pageURL, a.href)
			if !ok || seenURL[c.URL] || seenKey[c.Key] {
				continue
			}
			c.FromPrevious = true
			seenURL[c.URL] = true
			seenKey[c.Key] = true
			out = append(out, c)
			found++
		}
		log.Debug("processed previous version page", zap.String("url", page), zap.Int("new_links", found))
	}

	log.Info("discovery complete",
		zap.Int("primary", primary),
		zap.Int("previous_versions", len(out)-primary),
	)
	return out, nil
}

// candidate turns an href into a Candidate when it matches the search terms
// and file extensions.
func (d *Discoverer) candidate(base *url.URL, href string) (Candidate, bool) {
	raw := strings.TrimSpace(href)
	if i := strings.IndexByte(raw, '#'); i >= 0 {
		raw = raw[:i]
	}
	if raw == "" || !d.matchesSearch(raw) || !d.hasExtension(raw) {
		return Candidate{}, false
	}
	abs, ok := resolve(base, raw)
	if !ok {
		return Candidate{}, false
	}
	// Listing links often carry the file path in the query (/file?uri=/a/b.csv),
	// so the name is taken from the href text rather than the URL path.
	name := path.Base(raw)
	return Candidate{
		URL:  abs,
		Name: name,
		Key:  d.normalizer.Normalize(name),
	}, true
}

// previousPages returns the resolved URLs of anchors whose text carries a
// previous-versions marker and whose target matches a search term. Duplicates
// keep their first position.
func (d *Discoverer) previousPages(base *url.URL, anchors []anchor) []string {
	seen := make(map[string]bool)
	var pages []string
	for _, a := range anchors {
		if a.href == "" || !d.matchesSearch(a.href) || !d.hasMarker(a.text) {
			continue
		}
		abs, ok := resolve(base, a.href)
		if !ok || seen[abs] {
			continue
		}
		seen[abs] = true
		pages = append(pages, abs)
	}
	return pages
}

func (d *Discoverer) matchesSearch(href string) bool {
	for _, term := range d.cfg.SearchTerms {
		if strings.Contains(href, term) {
			return true
		}
	}
	return false
}

func (d *Discoverer) hasExtension(href string) bool {
	p := strings.ToLower(href)
	for _, ext := range d.cfg.FileExtensions {
		if strings.HasSuffix(p, strings.ToLower(ext)) {
			return true
		}
	}
	return false
}

func (d *Discoverer) hasMarker(text string) bool {
	text = strings.ToLower(text)
	for _, m := range d.cfg.PreviousVersionMarkers {
		if m != "" && strings.Contains(text, strings.ToLower(m)) {
			return true
		}
	}
	return false
}

func (d *Discoverer) fetchAnchors(ctx context.Context, pageURL string) ([]anchor, error) {
	body, err := d.fetcher.Get(ctx, pageURL)
	if err != nil {
		return nil, err
	}
	return parseAnchors(body)
}

func resolve(base *url.URL, href string) (string, bool) {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return "", false
	}
	abs := base.ResolveReference(ref)
	abs.Fragment = ""
	return abs.String(), true
}

// parseAnchors returns every <a> element's href and visible text in document
// order. The page encoding is sniffed from its meta tags.
func parseAnchors(body []byte) ([]anchor, error) {
	r, err := charset.NewReader(bytes.NewReader(body), "text/html")
	if err != nil {
		return nil, eris.Wrap(err, "discover: detect page charset")
	}
	doc, err := html.Parse(r)
	if err != nil {
		return nil, eris.Wrap(err, "discover: parse html")
	}

	var anchors []anchor
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			a := anchor{text: strings.TrimSpace(nodeText(n))}
			for _, attr := range n.Attr {
				if attr.Key == "href" {
					a.href = attr.Val
					break
				}
			}
			anchors = append(anchors, a)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return anchors, nil
}

func nodeText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}
