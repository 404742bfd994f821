package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/m-mizutani/jotter/pkg/usecase/digest"
	"github.com/m-mizutani/jotter/pkg/usecase/pipeline"
	"github.com/urfave/cli/v3"
)

func sessionCommand() *cli.Command {
	var (
		cfg   config
		force bool
	)

	return &cli.Command{
		Name:  "session",
		Usage: "Show today's rollup of notes and open items",
		Flags: commandFlags(&cfg,
			&cli.BoolFlag{
				Name:        "force",
				Aliases:     []string{"f"},
				Usage:       "Recompute even when the rollup is fresh",
				Destination: &force,
			},
		),
		Action: serviceAction(&cfg, func(ctx context.Context, c *cli.Command, svc *pipeline.Service) error {
			if force {
				svc.MarkSessionStale()
			}
			printSnapshot(c.Root().Writer, svc.RefreshSession(ctx))
			return nil
		}),
	}
}

func todayCommand() *cli.Command {
	var cfg config

	return &cli.Command{
		Name:  "today",
		Usage: "Show the session rollup and today's digest, generating the digest once per day",
		Flags: commandFlags(&cfg),
		Action: serviceAction(&cfg, func(ctx context.Context, c *cli.Command, svc *pipeline.Service) error {
			result := withSpinner("checking today's digest", func() *pipeline.ActivateResult {
				return svc.Activate(ctx)
			})

			w := c.Root().Writer
			printSnapshot(w, result.Snapshot)
			fmt.Fprintln(w)
			printDigestOutcome(w, result.Digest)
			return nil
		}),
	}
}

func printDigestOutcome(w io.Writer, outcome *digest.Outcome) {
	switch outcome.Status {
	case digest.StatusQuotaExceeded:
		fmt.Fprintln(w, "No digest: monthly digest allowance used up")
	case digest.StatusInferenceFailed, digest.StatusFailed:
		fmt.Fprintf(w, "Digest generation failed, try `jotter digest --regenerate`: %v\n", outcome.Err)
	case digest.StatusPartial:
		fmt.Fprintln(w, "Digest is incomplete, some sections could not be read")
	}
	if outcome.HasDigest() {
		printDigest(w, outcome.Digest)
	}
}
