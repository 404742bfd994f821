package cli

import (
	"context"
	"fmt"

	"github.com/m-mizutani/jotter/pkg/model"
	"github.com/m-mizutani/jotter/pkg/usecase/pipeline"
	"github.com/urfave/cli/v3"
)

func quotaCommand() *cli.Command {
	var cfg config

	return &cli.Command{
		Name:  "quota",
		Usage: "Show remaining allowances",
		Flags: commandFlags(&cfg),
		Action: serviceAction(&cfg, func(ctx context.Context, c *cli.Command, svc *pipeline.Service) error {
			w := c.Root().Writer
			state := svc.Quota(ctx)
			if state.Unlimited {
				fmt.Fprintln(w, "Unlimited plan, allowances are not enforced")
			}

			for _, category := range model.QuotaCategories {
				counter, ok := state.Counters[category]
				if !ok {
					continue
				}
				fmt.Fprintf(w, "%-13s %4d / %-4d %-8s", category, counter.Remaining, counter.Max, counter.Reset)
				if counter.Reset == model.ResetMonthly {
					fmt.Fprintf(w, " since %s", counter.PeriodStart.Format("2006-01-02"))
				}
				if !counter.FreeGrantUsed {
					fmt.Fprint(w, " (first use free)")
				}
				fmt.Fprintln(w)
			}
			return nil
		}),
	}
}
