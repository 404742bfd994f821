package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/jotter/pkg/model"
	"github.com/urfave/cli/v3"
)

func exportCommand() *cli.Command {
	var (
		cfg      config
		from, to string
	)

	return &cli.Command{
		Name:  "export",
		Usage: "Export stored digests to Cloud Storage and BigQuery as set in the config file",
		Flags: commandFlags(&cfg,
			&cli.StringFlag{
				Name:        "from",
				Usage:       "First day to export, YYYY-MM-DD",
				Destination: &from,
			},
			&cli.StringFlag{
				Name:        "to",
				Usage:       "Last day to export, YYYY-MM-DD",
				Destination: &to,
			},
		),
		Action: func(ctx context.Context, c *cli.Command) error {
			defer cfg.close(ctx)

			fromDate, err := parseOptionalDate(from)
			if err != nil {
				return err
			}
			toDate, err := parseOptionalDate(to)
			if err != nil {
				return err
			}

			uc, err := cfg.newExporter(ctx)
			if err != nil {
				return err
			}
			result, err := uc.Digests(ctx, fromDate, toDate)
			if err != nil {
				return goerr.Wrap(err, "failed to export digests")
			}

			w := c.Root().Writer
			fmt.Fprintf(w, "Exported %d digests (%d objects, %d rows)\n", len(result.Digests), len(result.Objects), result.Rows)
			for _, key := range result.Objects {
				fmt.Fprintf(w, "  %s\n", key)
			}
			return nil
		},
	}
}

func parseOptionalDate(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	date, err := model.ParseDateKey(value, time.UTC)
	if err != nil {
		return time.Time{}, goerr.Wrap(err, "date must be YYYY-MM-DD", goerr.V("date", value))
	}
	return date, nil
}
