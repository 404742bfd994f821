package pipeline

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/m-mizutani/jotter/pkg/model"
	"github.com/m-mizutani/jotter/pkg/utils/logging"
	"golang.org/x/sync/errgroup"
)

// MaxLinksPerNote bounds URL lookups for one note
const MaxLinksPerNote = 5

var urlPattern = regexp.MustCompile(`https?://[^\s<>"'\x60]+`)

// DetectURLs returns the distinct http(s) URLs in text in order of
// appearance, at most MaxLinksPerNote.
func DetectURLs(text string) []string {
	var urls []string
	seen := make(map[string]bool)
	for _, m := range urlPattern.FindAllString(text, -1) {
		u := trimURL(m)
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		urls = append(urls, u)
		if len(urls) == MaxLinksPerNote {
			break
		}
	}
	return urls
}

// trimURL drops sentence punctuation and unbalanced closing brackets
func trimURL(u string) string {
	for len(u) > 0 {
		last := u[len(u)-1]
		switch {
		case strings.ContainsRune(".,;:!?", rune(last)):
			u = u[:len(u)-1]
		case last == ')' && strings.Count(u, "(") < strings.Count(u, ")"):
			u = u[:len(u)-1]
		case last == ']' && strings.Count(u, "[") < strings.Count(u, "]"):
			u = u[:len(u)-1]
		default:
			if strings.HasSuffix(u, "://") {
				return ""
			}
			return u
		}
	}
	return u
}

// fetchLinks looks up metadata for every URL in the note. Failures are stored
// on the link record and never returned.
func (s *Service) fetchLinks(ctx context.Context, note *model.Note) []*model.Link {
	urls := DetectURLs(note.Text())
	if len(urls) == 0 {
		return nil
	}

	links := make([]*model.Link, len(urls))
	var eg errgroup.Group
	for i, u := range urls {
		eg.Go(func() error {
			links[i] = s.fetchLink(ctx, note.ID, u)
			return nil
		})
	}
	_ = eg.Wait()

	stored := make([]*model.Link, 0, len(links))
	for _, link := range links {
		if link != nil {
			stored = append(stored, link)
		}
	}
	return stored
}

func (s *Service) fetchLink(ctx context.Context, noteID model.NoteID, rawURL string) *model.Link {
	logger := logging.From(ctx)
	link := &model.Link{
		ID:     model.NewLinkID(),
		NoteID: noteID,
		URL:    rawURL,
	}

	if s.links == nil {
		link.Error = "link preview disabled"
	} else if meta, err := s.links.Fetch(ctx, rawURL); err != nil {
		logger.Info("link preview failed", "url", rawURL, "error", err)
		link.Error = err.Error()
	} else {
		link.Title = meta.Title
		link.Description = meta.Description
		link.SiteName = meta.SiteName
		link.ImageURL = meta.ImageURL
		link.FaviconURL = meta.FaviconURL
	}
	link.FetchedAt = s.now()

	if err := s.repo.PutLink(ctx, link); err != nil {
		if !errors.Is(err, model.ErrNotFound) {
			logger.Error("failed to store link", "url", rawURL, "error", err)
		}
		return nil
	}
	return link
}
