package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/jotter/pkg/model"
	"github.com/m-mizutani/jotter/pkg/usecase/digest"
	"github.com/m-mizutani/jotter/pkg/usecase/pipeline"
	"github.com/urfave/cli/v3"
)

// parseDate reads a YYYY-MM-DD flag value in the configured time zone. An
// empty value means today.
func (cfg *config) parseDate(value string) (time.Time, error) {
	now, err := cfg.clock()
	if err != nil {
		return time.Time{}, err
	}
	today := now()
	if value == "" {
		return today, nil
	}
	date, err := model.ParseDateKey(value, today.Location())
	if err != nil {
		return time.Time{}, goerr.Wrap(err, "date must be YYYY-MM-DD", goerr.V("date", value))
	}
	return date, nil
}

func dateFlag(dst *string) cli.Flag {
	return &cli.StringFlag{
		Name:        "date",
		Usage:       "Day in YYYY-MM-DD (default today)",
		Destination: dst,
	}
}

func digestCommand() *cli.Command {
	var (
		cfg        config
		date       string
		regenerate bool
	)

	return &cli.Command{
		Name:  "digest",
		Usage: "Show the digest of a day, generating it when missing",
		Flags: commandFlags(&cfg,
			dateFlag(&date),
			&cli.BoolFlag{
				Name:        "regenerate",
				Aliases:     []string{"r"},
				Usage:       "Replace the stored digest of the day",
				Destination: &regenerate,
			},
		),
		Commands: []*cli.Command{
			digestShowCommand(),
			digestListCommand(),
		},
		Action: serviceAction(&cfg, func(ctx context.Context, c *cli.Command, svc *pipeline.Service) error {
			day, err := cfg.parseDate(date)
			if err != nil {
				return err
			}

			outcome := withSpinner("writing digest", func() *digest.Outcome {
				if regenerate {
					return svc.RegenerateDigest(ctx, day)
				}
				return svc.GenerateDigest(ctx, day)
			})
			printDigestOutcome(c.Root().Writer, outcome)
			return nil
		}),
	}
}

func digestShowCommand() *cli.Command {
	var (
		cfg  config
		date string
	)

	return &cli.Command{
		Name:  "show",
		Usage: "Show a stored digest without generating one",
		Flags: commandFlags(&cfg, dateFlag(&date)),
		Action: serviceAction(&cfg, func(ctx context.Context, c *cli.Command, svc *pipeline.Service) error {
			day, err := cfg.parseDate(date)
			if err != nil {
				return err
			}
			d, err := svc.GetDigest(ctx, day)
			if err != nil {
				return err
			}
			printDigest(c.Root().Writer, d)
			return nil
		}),
	}
}

func digestListCommand() *cli.Command {
	var (
		cfg   config
		limit int64
	)

	return &cli.Command{
		Name:  "list",
		Usage: "List stored digests, newest first",
		Flags: commandFlags(&cfg,
			&cli.IntFlag{
				Name:        "limit",
				Aliases:     []string{"n"},
				Usage:       "Maximum number of digests to list",
				Value:       14,
				Destination: &limit,
			},
		),
		Action: serviceAction(&cfg, func(ctx context.Context, c *cli.Command, svc *pipeline.Service) error {
			digests, err := svc.ListDigests(ctx, int(limit))
			if err != nil {
				return err
			}
			for _, d := range digests {
				fmt.Fprintf(c.Root().Writer, "%s  r%d  %2d notes  %s\n", d.DateKey, d.Revision, d.NoteCount, summaryLine(d.Narrative))
			}
			return nil
		}),
	}
}

func summaryLine(text string) string {
	const maxLen = 60
	r := []rune(text)
	for i, c := range r {
		if c == '\n' {
			r = r[:i]
			break
		}
	}
	if len(r) > maxLen {
		return string(r[:maxLen]) + "…"
	}
	return string(r)
}
