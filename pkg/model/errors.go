package model

import "github.com/m-mizutani/goerr/v2"

var (
	ErrNotFound           = goerr.New("not found")
	ErrDigestExists       = goerr.New("digest already exists for the date")
	ErrQuotaExceeded      = goerr.New("quota exceeded")
	ErrExtractionInFlight = goerr.New("extraction already in progress for the note")
	ErrInvalidIntent      = goerr.New("invalid intent")
	ErrInvalidNextStep    = goerr.New("invalid next step type")
	ErrInvalidCategory    = goerr.New("invalid quota category")
	ErrEmptyNote          = goerr.New("note has no content")
	ErrProjectExists      = goerr.New("project with the same name already exists")
	ErrInvalidProject     = goerr.New("invalid project")
)
