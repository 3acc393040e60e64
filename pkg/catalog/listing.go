package catalog

import (
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const listingTimeLayout = "02-Jan-2006 15:04"

var (
	trailingSize = regexp.MustCompile(`(\d+)\s*$`)
	listingTime  = regexp.MustCompile(`(\d{2}-\w{3}-\d{4})\s+(\d{2}:\d{2})`)
)

// parseListing extracts snapshots from a directory index page. Unparsable
// sizes default to 0 and unparsable times to now.
func parseListing(r io.Reader, indexURL string, now time.Time) ([]Snapshot, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, err
	}
	base := strings.TrimRight(indexURL, "/")

	var out []Snapshot
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == atom.A {
			if snap, ok := snapshotFromAnchor(n, base, now); ok {
				out = append(out, snap)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return out, nil
}

func snapshotFromAnchor(a *html.Node, base string, now time.Time) (Snapshot, bool) {
	href := strings.TrimSpace(attr(a, "href"))
	if href == "" || !strings.HasSuffix(href, ".tgz") {
		return Snapshot{}, false
	}
	if strings.HasPrefix(href, "..") || strings.HasPrefix(href, "/") {
		return Snapshot{}, false
	}
	kind, ok := Classify(href)
	if !ok {
		return Snapshot{}, false
	}

	snap := Snapshot{
		Name:       href,
		URL:        base + "/" + href,
		ModifiedAt: now,
		Kind:       kind,
	}
	text := rowText(a)
	if m := trailingSize.FindStringSubmatch(strings.TrimSpace(text)); m != nil {
		if size, err := strconv.ParseInt(m[1], 10, 64); err == nil {
			snap.SizeBytes = size
		}
	}
	if m := listingTime.FindStringSubmatch(text); m != nil {
		if t, err := time.ParseInLocation(listingTimeLayout, m[1]+" "+m[2], time.UTC); err == nil {
			snap.ModifiedAt = t
		}
	}
	return snap, true
}

// rowText returns the text describing an anchor: the enclosing table row
// when there is one, else the text following the anchor up to the end of
// its line as rendered by preformatted listings.
func rowText(a *html.Node) string {
	for p := a.Parent; p != nil; p = p.Parent {
		if p.Type == html.ElementNode && p.DataAtom == atom.Tr {
			var parts []string
			collectText(p, &parts)
			return strings.Join(parts, " ")
		}
	}
	var b strings.Builder
	for s := a.NextSibling; s != nil; s = s.NextSibling {
		if s.Type == html.ElementNode && s.DataAtom == atom.A {
			break
		}
		var parts []string
		collectText(s, &parts)
		chunk := strings.Join(parts, " ")
		if i := strings.IndexByte(chunk, '\n'); i >= 0 {
			b.WriteString(chunk[:i])
			break
		}
		b.WriteString(chunk)
	}
	return b.String()
}

func collectText(n *html.Node, parts *[]string) {
	if n.Type == html.TextNode {
		*parts = append(*parts, n.Data)
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(c, parts)
	}
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}
