package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type TagID string

func NewTagID() TagID {
	return TagID(uuid.New().String())
}

type Tag struct {
	ID        TagID
	Name      string
	CreatedAt time.Time
}

// NoteTag links a note to a tag
type NoteTag struct {
	NoteID NoteID
	TagID  TagID
}

// TagKey is the case-insensitive identity of a tag name
func TagKey(name string) string {
	return strings.ToLower(strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(name), "#")))
}
