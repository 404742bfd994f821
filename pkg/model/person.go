package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type PersonID string

func NewPersonID() PersonID {
	return PersonID(uuid.New().String())
}

// Person is a mentioned person, unique per NormalizedName
type Person struct {
	ID             PersonID
	Name           string
	NormalizedName string
	MentionCount   int
	FirstSeenAt    time.Time
	LastSeenAt     time.Time

	// OpenCommitments is derived from commitments involving the person
	OpenCommitments int
}

// NormalizeName lowercases and trims a person name and collapses inner spaces
func NormalizeName(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}

// CountOpenCommitments counts incomplete commitments involving the person
func CountOpenCommitments(normalizedName string, commitments []*Commitment) int {
	n := 0
	for _, c := range commitments {
		if !c.Completed && c.Involves(normalizedName) {
			n++
		}
	}
	return n
}
