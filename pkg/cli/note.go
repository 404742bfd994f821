package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/jotter/pkg/model"
	"github.com/m-mizutani/jotter/pkg/repository"
	"github.com/m-mizutani/jotter/pkg/usecase/extraction"
	"github.com/m-mizutani/jotter/pkg/usecase/pipeline"
	"github.com/urfave/cli/v3"
)

func noteCommand() *cli.Command {
	return &cli.Command{
		Name:  "note",
		Usage: "Capture and manage notes",
		Commands: []*cli.Command{
			noteAddCommand(),
			noteListCommand(),
			noteShowCommand(),
			noteRetryCommand(),
			noteResolveCommand(),
			noteDeleteCommand(),
		},
	}
}

func noteAddCommand() *cli.Command {
	var (
		cfg        config
		transcript bool
		source     string
		assign     string
	)

	flags := commandFlags(&cfg,
		&cli.BoolFlag{
			Name:        "transcript",
			Aliases:     []string{"t"},
			Usage:       "Store the text as a speech-to-text or OCR transcript",
			Destination: &transcript,
		},
		&cli.StringFlag{
			Name:        "source",
			Aliases:     []string{"s"},
			Usage:       "Where the text came from (typed, audio, image)",
			Value:       string(model.NoteSourceTyped),
			Destination: &source,
		},
		&cli.StringFlag{
			Name:        "assign",
			Aliases:     []string{"a"},
			Usage:       "File the note under a project (name or ID) instead of inferring it",
			Destination: &assign,
		},
	)

	return &cli.Command{
		Name:      "add",
		Usage:     "Save a note. Reads stdin when no text is given",
		ArgsUsage: "[text...]",
		Flags:     flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			defer cfg.close(ctx)

			text := strings.Join(c.Args().Slice(), " ")
			if text == "" || text == "-" {
				data, err := io.ReadAll(c.Root().Reader)
				if err != nil {
					return goerr.Wrap(err, "failed to read note from stdin")
				}
				text = string(data)
			}

			noteSource := model.NoteSource(source)
			if err := noteSource.Validate(); err != nil {
				return err
			}

			svc, err := cfg.newService(ctx)
			if err != nil {
				return err
			}

			input := pipeline.SaveNoteInput{Source: noteSource}
			if transcript {
				input.Transcript = text
			} else {
				input.Content = text
			}
			if assign != "" {
				p, err := svc.Projects().Resolve(ctx, assign)
				if err != nil {
					return err
				}
				input.ProjectID = p.ID
			}

			return saveNote(ctx, c.Root().Writer, svc, input)
		},
	}
}

// saveNote saves one note and reports what extraction made of it
func saveNote(ctx context.Context, w io.Writer, svc *pipeline.Service, input pipeline.SaveNoteInput) error {
	type saved struct {
		result *pipeline.SaveNoteResult
		err    error
	}
	out := withSpinner("saving note", func() saved {
		result, err := svc.SaveNote(ctx, input)
		return saved{result, err}
	})
	if out.err != nil {
		return goerr.Wrap(out.err, "failed to save note")
	}

	fmt.Fprintf(w, "Saved %s: %s\n", shortID(out.result.Note.ID), out.result.Note.DisplayTitle())
	printExtraction(w, out.result.Extraction)
	for _, link := range out.result.Links {
		if link.Error != "" {
			fmt.Fprintf(w, "  link %s (%s)\n", link.URL, link.Error)
		} else {
			fmt.Fprintf(w, "  link %s - %s\n", link.URL, link.Title)
		}
	}
	return nil
}

func printExtraction(w io.Writer, outcome *extraction.Outcome) {
	if outcome == nil {
		return
	}

	switch outcome.Status {
	case extraction.StatusSucceeded, extraction.StatusPartial:
		r := outcome.Result
		if outcome.Status == extraction.StatusPartial {
			fmt.Fprintln(w, "  extraction was partial, some fields could not be read")
		}
		if outcome.Match != nil {
			fmt.Fprintf(w, "  project: %s\n", outcome.Match.Project.Name)
		}
		if r != nil {
			fmt.Fprintf(w, "  %d decisions, %d actions, %d commitments, %d open questions\n",
				len(r.Decisions), len(r.Actions), len(r.Commitments), len(r.Unresolved))
		}
		if n := outcome.Note; n != nil && n.NextStep != nil {
			fmt.Fprintf(w, "  next: %s\n", n.NextStep.Text)
		}
	case extraction.StatusQuotaExceeded:
		fmt.Fprintln(w, "  extraction skipped: monthly allowance used up")
	case extraction.StatusInferenceFailed:
		fmt.Fprintf(w, "  extraction failed, run `jotter note retry` later: %v\n", outcome.Err)
	case extraction.StatusSkipped:
	default:
		fmt.Fprintf(w, "  extraction %s", outcome.Status)
		if outcome.Err != nil {
			fmt.Fprintf(w, ": %v", outcome.Err)
		}
		fmt.Fprintln(w)
	}
}

func noteListCommand() *cli.Command {
	var (
		cfg   config
		limit int64
		since time.Duration
	)

	flags := commandFlags(&cfg,
		&cli.IntFlag{
			Name:        "limit",
			Aliases:     []string{"n"},
			Usage:       "Maximum number of notes to list",
			Value:       20,
			Destination: &limit,
		},
		&cli.DurationFlag{
			Name:        "since",
			Usage:       "Only notes saved within this duration",
			Destination: &since,
		},
	)

	return &cli.Command{
		Name:  "list",
		Usage: "List notes, newest first",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			defer cfg.close(ctx)

			svc, err := cfg.newService(ctx)
			if err != nil {
				return err
			}

			input := repository.ListNotesInput{Limit: int(limit)}
			if since > 0 {
				input.Since = time.Now().Add(-since)
			}
			notes, err := svc.ListNotes(ctx, input)
			if err != nil {
				return goerr.Wrap(err, "failed to list notes")
			}

			for _, n := range notes {
				printNoteLine(c.Root().Writer, n)
			}
			return nil
		},
	}
}

// noteAction builds a subcommand that resolves a note reference first
func noteAction(name, usage string, run func(ctx context.Context, w io.Writer, svc *pipeline.Service, note *model.Note) error) *cli.Command {
	var cfg config

	return &cli.Command{
		Name:      name,
		Usage:     usage,
		ArgsUsage: "<note-id>",
		Flags:     commandFlags(&cfg),
		Action: func(ctx context.Context, c *cli.Command) error {
			defer cfg.close(ctx)

			if c.Args().Len() != 1 {
				return goerr.New("note ID is required")
			}
			svc, err := cfg.newService(ctx)
			if err != nil {
				return err
			}
			note, err := svc.FindNote(ctx, c.Args().First())
			if err != nil {
				return err
			}
			return run(ctx, c.Root().Writer, svc, note)
		},
	}
}

func noteShowCommand() *cli.Command {
	return noteAction("show", "Show a note with everything extracted from it",
		func(ctx context.Context, w io.Writer, svc *pipeline.Service, note *model.Note) error {
			detail, err := svc.GetNoteDetail(ctx, note.ID)
			if err != nil {
				return err
			}
			printNoteDetail(w, detail)
			return nil
		})
}

func noteRetryCommand() *cli.Command {
	return noteAction("retry", "Run extraction again for a note",
		func(ctx context.Context, w io.Writer, svc *pipeline.Service, note *model.Note) error {
			outcome := withSpinner("extracting", func() *extraction.Outcome {
				return svc.RetryExtraction(ctx, note.ID)
			})
			fmt.Fprintf(w, "Extraction %s for %s\n", outcome.Status, shortID(note.ID))
			printExtraction(w, outcome)
			return nil
		})
}

func noteResolveCommand() *cli.Command {
	return noteAction("resolve", "Mark the suggested next step of a note as done",
		func(ctx context.Context, w io.Writer, svc *pipeline.Service, note *model.Note) error {
			updated, err := svc.ResolveNextStep(ctx, note.ID)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "Resolved: %s\n", updated.NextStep.Text)
			return nil
		})
}

func noteDeleteCommand() *cli.Command {
	return noteAction("delete", "Delete a note with everything extracted from it",
		func(ctx context.Context, w io.Writer, svc *pipeline.Service, note *model.Note) error {
			if err := svc.DeleteNote(ctx, note.ID); err != nil {
				return err
			}
			fmt.Fprintf(w, "Deleted %s\n", note.ID)
			return nil
		})
}
