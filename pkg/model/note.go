package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
)

type NoteID string

// NewNoteID generates a new unique NoteID
func NewNoteID() NoteID {
	return NoteID(uuid.New().String())
}

// NoteSource tells where the note text came from. Audio and image notes arrive
// already transcribed; the pipeline treats them like typed text.
type NoteSource string

const (
	NoteSourceTyped NoteSource = "typed"
	NoteSourceAudio NoteSource = "audio"
	NoteSourceImage NoteSource = "image"
)

func (x NoteSource) Validate() error {
	switch x {
	case NoteSourceTyped, NoteSourceAudio, NoteSourceImage:
		return nil
	default:
		return goerr.New("invalid note source", goerr.V("source", x))
	}
}

type Intent string

const (
	IntentAction     Intent = "action"
	IntentDecision   Intent = "decision"
	IntentIdea       Intent = "idea"
	IntentQuestion   Intent = "question"
	IntentReminder   Intent = "reminder"
	IntentReflection Intent = "reflection"
	IntentReference  Intent = "reference"
	IntentUnknown    Intent = "unknown"
)

// Validate checks if the intent is valid
func (x Intent) Validate() error {
	switch x {
	case IntentAction, IntentDecision, IntentIdea, IntentQuestion,
		IntentReminder, IntentReflection, IntentReference, IntentUnknown:
		return nil
	default:
		return goerr.Wrap(ErrInvalidIntent, "unsupported intent", goerr.V("intent", x))
	}
}

// ParseIntent normalizes a label returned by inference. Unknown labels become
// IntentUnknown instead of failing.
func ParseIntent(label string) Intent {
	x := Intent(strings.ToLower(strings.TrimSpace(label)))
	if err := x.Validate(); err != nil {
		return IntentUnknown
	}
	return x
}

type NextStepType string

const (
	NextStepDate     NextStepType = "date"
	NextStepContact  NextStepType = "contact"
	NextStepDecision NextStepType = "decision"
	NextStepSimple   NextStepType = "simple"
)

// Validate checks if the next step type is valid
func (x NextStepType) Validate() error {
	switch x {
	case NextStepDate, NextStepContact, NextStepDecision, NextStepSimple:
		return nil
	default:
		return goerr.Wrap(ErrInvalidNextStep, "unsupported next step type", goerr.V("type", x))
	}
}

// ParseNextStepType maps an inferred label to a NextStepType, defaulting to simple
func ParseNextStepType(label string) NextStepType {
	x := NextStepType(strings.ToLower(strings.TrimSpace(label)))
	if err := x.Validate(); err != nil {
		return NextStepSimple
	}
	return x
}

type NextStep struct {
	Text       string
	Type       NextStepType
	Resolved   bool
	ResolvedAt *time.Time
}

type ExtractionStatus string

const (
	ExtractionNone      ExtractionStatus = ""
	ExtractionSucceeded ExtractionStatus = "succeeded"
	ExtractionPartial   ExtractionStatus = "partial"
	ExtractionFailed    ExtractionStatus = "failed"
)

// ExtractionState records the last extraction attempt so a client can offer a retry
type ExtractionState struct {
	Status      ExtractionStatus
	AttemptedAt *time.Time
	Error       string
}

// Processed reports whether derived fields were populated by a previous run
func (x ExtractionState) Processed() bool {
	return x.Status == ExtractionSucceeded || x.Status == ExtractionPartial
}

type Note struct {
	ID         NoteID
	Content    string
	Transcript string
	Source     NoteSource

	Title            string
	Intent           Intent
	IntentConfidence float64
	NextStep         *NextStep

	ProjectID           ProjectID
	ProjectAutoAssigned bool
	InferredProject     string

	Extraction ExtractionState

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Text returns the text the pipeline works on: the user content, or the
// transcript when the note was captured by voice or camera without edits.
func (x *Note) Text() string {
	if strings.TrimSpace(x.Content) != "" {
		return x.Content
	}
	return x.Transcript
}

// DisplayTitle returns the derived title or a placeholder built from the text
func (x *Note) DisplayTitle() string {
	if x.Title != "" {
		return x.Title
	}
	text := strings.Join(strings.Fields(x.Text()), " ")
	const maxLen = 48
	if r := []rune(text); len(r) > maxLen {
		return string(r[:maxLen]) + "…"
	}
	if text == "" {
		return "Untitled note"
	}
	return text
}
