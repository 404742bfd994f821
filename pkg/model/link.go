package model

import (
	"time"

	"github.com/google/uuid"
)

type LinkID string

func NewLinkID() LinkID {
	return LinkID(uuid.New().String())
}

// Link is a URL detected in a note with the page metadata fetched for it.
// Error is set when the fetch failed; the link is still kept.
type Link struct {
	ID          LinkID
	NoteID      NoteID
	URL         string
	Title       string
	Description string
	SiteName    string
	ImageURL    string
	FaviconURL  string
	FetchedAt   time.Time
	Error       string
}

// LinkMetadata is what a page fetch yields
type LinkMetadata struct {
	Title       string
	Description string
	SiteName    string
	ImageURL    string
	FaviconURL  string
}
