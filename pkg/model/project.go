package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type ProjectID string

func NewProjectID() ProjectID {
	return ProjectID(uuid.New().String())
}

type Project struct {
	ID       ProjectID
	Name     string
	Aliases  []string
	Archived bool

	LastActiveAt time.Time
	CreatedAt    time.Time
}

// HasAlias reports whether alias equals the project name or one of its aliases,
// ignoring case and surrounding spaces.
func (x *Project) HasAlias(alias string) bool {
	alias = strings.TrimSpace(alias)
	if strings.EqualFold(strings.TrimSpace(x.Name), alias) {
		return true
	}
	for _, a := range x.Aliases {
		if strings.EqualFold(strings.TrimSpace(a), alias) {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers can mutate aliases without touching shared state
func (x *Project) Clone() *Project {
	cp := *x
	cp.Aliases = append([]string(nil), x.Aliases...)
	return &cp
}
