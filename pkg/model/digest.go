package model

import (
	"time"

	"github.com/google/uuid"
)

type DigestID string

func NewDigestID() DigestID {
	return DigestID(uuid.New().String())
}

// DigestSchemaVersion is bumped whenever the sub-record layout changes
const DigestSchemaVersion = 1

const dateKeyLayout = "2006-01-02"

// StartOfDay returns midnight of t's calendar day in t's location
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// DateKey is the normalized key of t's calendar day
func DateKey(t time.Time) string {
	return StartOfDay(t).Format(dateKeyLayout)
}

// ParseDateKey parses a YYYY-MM-DD key in loc
func ParseDateKey(key string, loc *time.Location) (time.Time, error) {
	return time.ParseInLocation(dateKeyLayout, key, loc)
}

type DigestHighlight struct {
	Title  string `json:"title"`
	Detail string `json:"detail"`
}

type DigestWarning struct {
	Title    string `json:"title"`
	Detail   string `json:"detail"`
	Severity string `json:"severity"`
}

type DigestSuggestedAction struct {
	Text     string `json:"text"`
	Reason   string `json:"reason"`
	Priority string `json:"priority"`
}

// DailyDigest is the once-per-day summary. At most one exists per DateKey.
type DailyDigest struct {
	ID               DigestID                `json:"id"`
	DateKey          string                  `json:"date_key"`
	Date             time.Time               `json:"date"`
	GeneratedAt      time.Time               `json:"generated_at"`
	Narrative        string                  `json:"narrative"`
	Highlights       []DigestHighlight       `json:"highlights"`
	Warnings         []DigestWarning         `json:"warnings"`
	SuggestedActions []DigestSuggestedAction `json:"suggested_actions"`
	NoteCount        int                     `json:"note_count"`
	Revision         int                     `json:"revision"`
	SchemaVersion    int                     `json:"schema_version"`
}
