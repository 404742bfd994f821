package adapter

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/jotter/pkg/model"
	"golang.org/x/net/html"
)

// LinkFetcher resolves page metadata for URLs found in notes
type LinkFetcher interface {
	Fetch(ctx context.Context, rawURL string) (*model.LinkMetadata, error)
}

const maxPageBytes = 1 << 20

type httpLinkFetcher struct {
	client  *http.Client
	timeout time.Duration
}

// NewHTTPLinkFetcher fetches pages with client. A zero timeout means 5 seconds.
func NewHTTPLinkFetcher(client *http.Client, timeout time.Duration) LinkFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &httpLinkFetcher{client: client, timeout: timeout}
}

func (f *httpLinkFetcher) Fetch(ctx context.Context, rawURL string) (*model.LinkMetadata, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create request", goerr.V("url", rawURL))
	}
	req.Header.Set("User-Agent", "jotter-link-preview/1.0")
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to fetch page", goerr.V("url", rawURL))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, goerr.New("unexpected status code",
			goerr.V("url", rawURL),
			goerr.V("status", resp.StatusCode))
	}

	base := resp.Request.URL
	meta, err := parseLinkMetadata(io.LimitReader(resp.Body, maxPageBytes), base)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to parse page", goerr.V("url", rawURL))
	}
	return meta, nil
}

func parseLinkMetadata(r io.Reader, base *url.URL) (*model.LinkMetadata, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, err
	}

	meta := &model.LinkMetadata{}
	var title, ogTitle, ogDesc, desc, icon string

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "title":
				if title == "" && n.FirstChild != nil {
					title = n.FirstChild.Data
				}
			case "meta":
				key := strings.ToLower(attr(n, "property"))
				if key == "" {
					key = strings.ToLower(attr(n, "name"))
				}
				content := attr(n, "content")
				switch key {
				case "og:title":
					ogTitle = content
				case "og:description":
					ogDesc = content
				case "description":
					desc = content
				case "og:site_name":
					meta.SiteName = content
				case "og:image":
					meta.ImageURL = resolveURL(base, content)
				}
			case "link":
				rel := strings.ToLower(attr(n, "rel"))
				if icon == "" && (rel == "icon" || rel == "shortcut icon" || rel == "apple-touch-icon") {
					icon = attr(n, "href")
				}
			case "body":
				// metadata lives in head
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	meta.Title = strings.TrimSpace(firstNonEmpty(ogTitle, title))
	meta.Description = strings.TrimSpace(firstNonEmpty(ogDesc, desc))
	if icon != "" {
		meta.FaviconURL = resolveURL(base, icon)
	} else if base != nil {
		meta.FaviconURL = resolveURL(base, "/favicon.ico")
	}
	if meta.SiteName == "" && base != nil {
		meta.SiteName = strings.TrimPrefix(base.Hostname(), "www.")
	}
	return meta, nil
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return a.Val
		}
	}
	return ""
}

func resolveURL(base *url.URL, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	if base == nil {
		return u.String()
	}
	return base.ResolveReference(u).String()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
