package cli

import (
	"context"
	"fmt"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/jotter/pkg/usecase/pipeline"
	"github.com/urfave/cli/v3"
)

func actionCommand() *cli.Command {
	return &cli.Command{
		Name:  "action",
		Usage: "Actions extracted from notes",
		Commands: []*cli.Command{
			itemListCommand("actions", func(c *cli.Command, items *pipeline.Items) {
				for _, a := range items.Actions {
					printAction(c.Root().Writer, a)
				}
			}),
			itemDoneCommand("done", "Mark an action as completed", "action-id",
				func(ctx context.Context, svc *pipeline.Service, ref string, done bool) (string, error) {
					a, err := svc.CompleteAction(ctx, ref, done)
					if err != nil {
						return "", err
					}
					return a.Content, nil
				}),
		},
	}
}

func commitmentCommand() *cli.Command {
	return &cli.Command{
		Name:  "commitment",
		Usage: "Commitments extracted from notes",
		Commands: []*cli.Command{
			itemListCommand("commitments", func(c *cli.Command, items *pipeline.Items) {
				for _, x := range items.Commitments {
					printCommitment(c.Root().Writer, x)
				}
			}),
			itemDoneCommand("done", "Mark a commitment as kept", "commitment-id",
				func(ctx context.Context, svc *pipeline.Service, ref string, done bool) (string, error) {
					x, err := svc.CompleteCommitment(ctx, ref, done)
					if err != nil {
						return "", err
					}
					return x.Content, nil
				}),
		},
	}
}

func questionCommand() *cli.Command {
	return &cli.Command{
		Name:  "question",
		Usage: "Open questions and blockers extracted from notes",
		Commands: []*cli.Command{
			itemListCommand("questions", func(c *cli.Command, items *pipeline.Items) {
				for _, x := range items.Unresolved {
					printUnresolved(c.Root().Writer, x)
				}
			}),
			itemDoneCommand("resolve", "Mark an open question as resolved", "question-id",
				func(ctx context.Context, svc *pipeline.Service, ref string, done bool) (string, error) {
					x, err := svc.ResolveUnresolved(ctx, ref, done)
					if err != nil {
						return "", err
					}
					return x.Content, nil
				}),
		},
	}
}

func itemListCommand(kind string, show func(c *cli.Command, items *pipeline.Items)) *cli.Command {
	var (
		cfg config
		all bool
	)

	return &cli.Command{
		Name:  "list",
		Usage: "List " + kind + " that are still open",
		Flags: commandFlags(&cfg,
			&cli.BoolFlag{
				Name:        "all",
				Aliases:     []string{"a"},
				Usage:       "Include finished ones",
				Destination: &all,
			},
		),
		Action: serviceAction(&cfg, func(ctx context.Context, c *cli.Command, svc *pipeline.Service) error {
			items, err := svc.ListItems(ctx, all)
			if err != nil {
				return err
			}
			show(c, items)
			return nil
		}),
	}
}

func itemDoneCommand(name, usage, arg string, mark func(ctx context.Context, svc *pipeline.Service, ref string, done bool) (string, error)) *cli.Command {
	var (
		cfg    config
		reopen bool
	)

	return &cli.Command{
		Name:      name,
		Usage:     usage,
		ArgsUsage: "<" + arg + ">",
		Flags: commandFlags(&cfg,
			&cli.BoolFlag{
				Name:        "reopen",
				Usage:       "Mark it as open again",
				Destination: &reopen,
			},
		),
		Action: serviceAction(&cfg, func(ctx context.Context, c *cli.Command, svc *pipeline.Service) error {
			if c.Args().Len() != 1 {
				return goerr.New(arg + " is required")
			}
			content, err := mark(ctx, svc, c.Args().First(), !reopen)
			if err != nil {
				return err
			}
			if reopen {
				fmt.Fprintf(c.Root().Writer, "Reopened: %s\n", content)
			} else {
				fmt.Fprintf(c.Root().Writer, "Done: %s\n", content)
			}
			return nil
		}),
	}
}
