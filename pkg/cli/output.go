package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/m-mizutani/jotter/pkg/model"
	"github.com/m-mizutani/jotter/pkg/usecase/pipeline"
)

// withSpinner shows a spinner on stderr while fn runs. Nothing is drawn when
// stderr is not a terminal.
func withSpinner[T any](message string, fn func() T) T {
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond,
		spinner.WithWriterFile(os.Stderr),
		spinner.WithSuffix(" "+message),
	)
	s.Start()
	defer s.Stop()
	return fn()
}

// shortID is the prefix shown in listings. Commands accept any unique prefix.
func shortID[T ~string](id T) string {
	const n = 8
	if len(id) <= n {
		return string(id)
	}
	return string(id[:n])
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format("2006-01-02 15:04")
}

func checkbox(done bool) string {
	if done {
		return "[x]"
	}
	return "[ ]"
}

func printNoteLine(w io.Writer, n *model.Note) {
	status := ""
	switch n.Extraction.Status {
	case model.ExtractionFailed:
		status = " (extraction failed)"
	case model.ExtractionPartial:
		status = " (partial)"
	}
	fmt.Fprintf(w, "%s  %s  %-10s %s%s\n", shortID(n.ID), formatTime(n.CreatedAt), n.Intent, n.DisplayTitle(), status)
}

func printNoteDetail(w io.Writer, d *pipeline.NoteDetail) {
	n := d.Note
	fmt.Fprintf(w, "ID:       %s\n", n.ID)
	fmt.Fprintf(w, "Title:    %s\n", n.DisplayTitle())
	fmt.Fprintf(w, "Created:  %s (%s)\n", formatTime(n.CreatedAt), n.Source)
	if n.Intent != "" {
		fmt.Fprintf(w, "Intent:   %s (%.2f)\n", n.Intent, n.IntentConfidence)
	}
	switch {
	case d.Project != nil && n.ProjectAutoAssigned:
		fmt.Fprintf(w, "Project:  %s (inferred)\n", d.Project.Name)
	case d.Project != nil:
		fmt.Fprintf(w, "Project:  %s\n", d.Project.Name)
	case n.InferredProject != "":
		fmt.Fprintf(w, "Project:  none (mentions %q)\n", n.InferredProject)
	}
	if len(d.Tags) > 0 {
		names := make([]string, 0, len(d.Tags))
		for _, t := range d.Tags {
			names = append(names, "#"+t.Name)
		}
		fmt.Fprintf(w, "Tags:     %s\n", strings.Join(names, " "))
	}
	if n.NextStep != nil {
		fmt.Fprintf(w, "Next:     %s %s (%s)\n", checkbox(n.NextStep.Resolved), n.NextStep.Text, n.NextStep.Type)
	}
	if n.Extraction.Status != model.ExtractionNone {
		fmt.Fprintf(w, "Extract:  %s", n.Extraction.Status)
		if n.Extraction.Error != "" {
			fmt.Fprintf(w, " (%s)", n.Extraction.Error)
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "\n%s\n", n.Text())

	if len(d.Decisions) > 0 {
		fmt.Fprintln(w, "\nDecisions:")
		for _, x := range d.Decisions {
			fmt.Fprintf(w, "  - %s\n", x.Content)
		}
	}
	if len(d.Actions) > 0 {
		fmt.Fprintln(w, "\nActions:")
		for _, x := range d.Actions {
			printAction(w, x)
		}
	}
	if len(d.Commitments) > 0 {
		fmt.Fprintln(w, "\nCommitments:")
		for _, x := range d.Commitments {
			printCommitment(w, x)
		}
	}
	if len(d.Unresolved) > 0 {
		fmt.Fprintln(w, "\nOpen questions:")
		for _, x := range d.Unresolved {
			printUnresolved(w, x)
		}
	}
	if len(d.Links) > 0 {
		fmt.Fprintln(w, "\nLinks:")
		for _, l := range d.Links {
			switch {
			case l.Error != "":
				fmt.Fprintf(w, "  %s (%s)\n", l.URL, l.Error)
			case l.Title != "":
				fmt.Fprintf(w, "  %s - %s\n", l.URL, l.Title)
			default:
				fmt.Fprintf(w, "  %s\n", l.URL)
			}
		}
	}
}

func printAction(w io.Writer, a *model.Action) {
	fmt.Fprintf(w, "  %s %s %s", checkbox(a.Completed), shortID(a.ID), a.Content)
	if a.Owner != "" {
		fmt.Fprintf(w, " @%s", a.Owner)
	}
	if a.Deadline != "" {
		fmt.Fprintf(w, " (due %s)", a.Deadline)
	}
	fmt.Fprintln(w)
}

func printCommitment(w io.Writer, c *model.Commitment) {
	fmt.Fprintf(w, "  %s %s %s", checkbox(c.Completed), shortID(c.ID), c.Content)
	if c.Owner != "" {
		fmt.Fprintf(w, " @%s", c.Owner)
	}
	if c.Counterparty != "" {
		fmt.Fprintf(w, " to %s", c.Counterparty)
	}
	if c.Deadline != "" {
		fmt.Fprintf(w, " (due %s)", c.Deadline)
	}
	fmt.Fprintln(w)
}

func printUnresolved(w io.Writer, u *model.UnresolvedItem) {
	fmt.Fprintf(w, "  %s %s %s (%s)\n", checkbox(u.Resolved), shortID(u.ID), u.Content, u.Reason)
}

func printSnapshot(w io.Writer, s model.SessionSnapshot) {
	fmt.Fprintf(w, "Notes today:      %d\n", s.NotesToday)
	fmt.Fprintf(w, "Open actions:     %d\n", s.OpenActions)
	fmt.Fprintf(w, "Open commitments: %d\n", s.OpenCommitments)
	fmt.Fprintf(w, "Open questions:   %d\n", s.OpenUnresolved)
	fmt.Fprintf(w, "Stalled items:    %d\n", s.StalledItems)
	fmt.Fprintf(w, "Momentum:         %s (%d vs %d)\n", s.Momentum, s.CurrentWindow, s.PriorWindow)
	for _, warning := range s.Warnings {
		fmt.Fprintf(w, "! %s\n", warning.Message)
	}
}

func printDigest(w io.Writer, d *model.DailyDigest) {
	fmt.Fprintf(w, "Digest for %s (revision %d, %d notes)\n\n", d.DateKey, d.Revision, d.NoteCount)
	fmt.Fprintln(w, d.Narrative)
	if len(d.Highlights) > 0 {
		fmt.Fprintln(w, "\nHighlights:")
		for _, h := range d.Highlights {
			fmt.Fprintf(w, "  - %s", h.Title)
			if h.Detail != "" {
				fmt.Fprintf(w, ": %s", h.Detail)
			}
			fmt.Fprintln(w)
		}
	}
	if len(d.Warnings) > 0 {
		fmt.Fprintln(w, "\nWarnings:")
		for _, x := range d.Warnings {
			fmt.Fprintf(w, "  ! [%s] %s", x.Severity, x.Title)
			if x.Detail != "" {
				fmt.Fprintf(w, ": %s", x.Detail)
			}
			fmt.Fprintln(w)
		}
	}
	if len(d.SuggestedActions) > 0 {
		fmt.Fprintln(w, "\nSuggested:")
		for _, a := range d.SuggestedActions {
			fmt.Fprintf(w, "  - [%s] %s", a.Priority, a.Text)
			if a.Reason != "" {
				fmt.Fprintf(w, " (%s)", a.Reason)
			}
			fmt.Fprintln(w)
		}
	}
}
