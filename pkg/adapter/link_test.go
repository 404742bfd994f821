package adapter_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/jotter/pkg/adapter"
)

const samplePage = `<!doctype html>
<html><head>
<title>Plain title</title>
<meta property="og:title" content="Launch plan">
<meta name="description" content="fallback">
<meta property="og:description" content="How we ship v2">
<meta property="og:site_name" content="Example Blog">
<meta property="og:image" content="/img/cover.png">
<link rel="icon" href="/static/icon.png">
</head><body><title>not this</title></body></html>`

func TestHTTPLinkFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/post":
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte(samplePage))
		case "/bare":
			_, _ = w.Write([]byte(`<html><head><title> Only title </title></head></html>`))
		case "/slow":
			time.Sleep(200 * time.Millisecond)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	ctx := context.Background()

	t.Run("og tags win over plain tags", func(t *testing.T) {
		f := adapter.NewHTTPLinkFetcher(srv.Client(), time.Second)
		meta, err := f.Fetch(ctx, srv.URL+"/post")
		gt.NoError(t, err)
		gt.Equal(t, meta.Title, "Launch plan")
		gt.Equal(t, meta.Description, "How we ship v2")
		gt.Equal(t, meta.SiteName, "Example Blog")
		gt.Equal(t, meta.ImageURL, srv.URL+"/img/cover.png")
		gt.Equal(t, meta.FaviconURL, srv.URL+"/static/icon.png")
	})

	t.Run("defaults from host", func(t *testing.T) {
		f := adapter.NewHTTPLinkFetcher(srv.Client(), time.Second)
		meta, err := f.Fetch(ctx, srv.URL+"/bare")
		gt.NoError(t, err)
		gt.Equal(t, meta.Title, "Only title")
		gt.Equal(t, meta.FaviconURL, srv.URL+"/favicon.ico")
		gt.S(t, meta.SiteName).Contains("127.0.0.1")
	})

	t.Run("non 200 is an error", func(t *testing.T) {
		f := adapter.NewHTTPLinkFetcher(srv.Client(), time.Second)
		_, err := f.Fetch(ctx, srv.URL+"/missing")
		gt.Error(t, err)
	})

	t.Run("timeout", func(t *testing.T) {
		f := adapter.NewHTTPLinkFetcher(srv.Client(), 20*time.Millisecond)
		_, err := f.Fetch(ctx, srv.URL+"/slow")
		gt.Error(t, err)
	})
}
