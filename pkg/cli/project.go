package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/jotter/pkg/model"
	"github.com/m-mizutani/jotter/pkg/usecase/pipeline"
	"github.com/urfave/cli/v3"
)

func projectCommand() *cli.Command {
	return &cli.Command{
		Name:  "project",
		Usage: "Manage projects notes are filed under",
		Commands: []*cli.Command{
			projectAddCommand(),
			projectListCommand(),
			projectAliasCommand(),
			projectArchiveCommand(),
			projectMatchCommand(),
			projectAssignCommand(),
		},
	}
}

// serviceAction builds a command that only needs the pipeline service
func serviceAction(cfg *config, run func(ctx context.Context, c *cli.Command, svc *pipeline.Service) error) cli.ActionFunc {
	return func(ctx context.Context, c *cli.Command) error {
		defer cfg.close(ctx)

		svc, err := cfg.newService(ctx)
		if err != nil {
			return err
		}
		return run(ctx, c, svc)
	}
}

func printProject(w io.Writer, p *model.Project) {
	fmt.Fprintf(w, "%s  %s", shortID(p.ID), p.Name)
	if len(p.Aliases) > 0 {
		fmt.Fprintf(w, " (%s)", strings.Join(p.Aliases, ", "))
	}
	if p.Archived {
		fmt.Fprint(w, " [archived]")
	}
	fmt.Fprintln(w)
}

func projectAddCommand() *cli.Command {
	var (
		cfg     config
		aliases []string
	)

	return &cli.Command{
		Name:      "add",
		Usage:     "Create a project",
		ArgsUsage: "<name>",
		Flags: commandFlags(&cfg,
			&cli.StringSliceFlag{
				Name:        "alias",
				Usage:       "Alternative name to match (repeatable)",
				Destination: &aliases,
			},
		),
		Action: serviceAction(&cfg, func(ctx context.Context, c *cli.Command, svc *pipeline.Service) error {
			name := strings.Join(c.Args().Slice(), " ")
			p, err := svc.Projects().Create(ctx, name, aliases)
			if err != nil {
				return err
			}
			printProject(c.Root().Writer, p)
			return nil
		}),
	}
}

func projectListCommand() *cli.Command {
	var (
		cfg config
		all bool
	)

	return &cli.Command{
		Name:  "list",
		Usage: "List projects",
		Flags: commandFlags(&cfg,
			&cli.BoolFlag{
				Name:        "all",
				Aliases:     []string{"a"},
				Usage:       "Include archived projects",
				Destination: &all,
			},
		),
		Action: serviceAction(&cfg, func(ctx context.Context, c *cli.Command, svc *pipeline.Service) error {
			projects, err := svc.Projects().List(ctx, all)
			if err != nil {
				return err
			}
			for _, p := range projects {
				printProject(c.Root().Writer, p)
			}
			return nil
		}),
	}
}

func projectAliasCommand() *cli.Command {
	var cfg config

	return &cli.Command{
		Name:      "alias",
		Usage:     "Add an alias to a project",
		ArgsUsage: "<project> <alias>",
		Flags:     commandFlags(&cfg),
		Action: serviceAction(&cfg, func(ctx context.Context, c *cli.Command, svc *pipeline.Service) error {
			if c.Args().Len() < 2 {
				return goerr.New("project and alias are required")
			}
			p, err := svc.Projects().Resolve(ctx, c.Args().First())
			if err != nil {
				return err
			}
			p, err = svc.Projects().AddAlias(ctx, p.ID, strings.Join(c.Args().Tail(), " "))
			if err != nil {
				return err
			}
			printProject(c.Root().Writer, p)
			return nil
		}),
	}
}

func projectArchiveCommand() *cli.Command {
	var (
		cfg     config
		restore bool
	)

	return &cli.Command{
		Name:      "archive",
		Usage:     "Archive a project so it is no longer matched",
		ArgsUsage: "<project>",
		Flags: commandFlags(&cfg,
			&cli.BoolFlag{
				Name:        "restore",
				Usage:       "Bring an archived project back",
				Destination: &restore,
			},
		),
		Action: serviceAction(&cfg, func(ctx context.Context, c *cli.Command, svc *pipeline.Service) error {
			p, err := svc.Projects().Resolve(ctx, strings.Join(c.Args().Slice(), " "))
			if err != nil {
				return err
			}
			p, err = svc.Projects().Archive(ctx, p.ID, !restore)
			if err != nil {
				return err
			}
			printProject(c.Root().Writer, p)
			return nil
		}),
	}
}

func projectMatchCommand() *cli.Command {
	var cfg config

	return &cli.Command{
		Name:      "match",
		Usage:     "Show which project a text would be filed under",
		ArgsUsage: "<text...>",
		Flags:     commandFlags(&cfg),
		Action: serviceAction(&cfg, func(ctx context.Context, c *cli.Command, svc *pipeline.Service) error {
			match, err := svc.Projects().Match(ctx, strings.Join(c.Args().Slice(), " "))
			if err != nil {
				return err
			}
			if match == nil {
				fmt.Fprintln(c.Root().Writer, "No matching project")
				return nil
			}
			fmt.Fprintf(c.Root().Writer, "%s (score %.2f, matched %q)\n", match.Project.Name, match.Score, match.Term)
			return nil
		}),
	}
}

func projectAssignCommand() *cli.Command {
	var (
		cfg      config
		unassign bool
	)

	return &cli.Command{
		Name:      "assign",
		Usage:     "Move a note to a project. Corrections of inferred projects are learned as aliases",
		ArgsUsage: "<note-id> [project]",
		Flags: commandFlags(&cfg,
			&cli.BoolFlag{
				Name:        "clear",
				Usage:       "Remove the note from its project",
				Destination: &unassign,
			},
		),
		Action: serviceAction(&cfg, func(ctx context.Context, c *cli.Command, svc *pipeline.Service) error {
			note, err := svc.FindNote(ctx, c.Args().First())
			if err != nil {
				return err
			}

			var projectID model.ProjectID
			if !unassign {
				ref := strings.Join(c.Args().Tail(), " ")
				if ref == "" {
					return goerr.New("project is required unless --clear is given")
				}
				p, err := svc.Projects().Resolve(ctx, ref)
				if err != nil {
					return err
				}
				projectID = p.ID
			}

			result, err := svc.Projects().CorrectNoteProject(ctx, note.ID, projectID)
			if err != nil {
				return err
			}
			svc.MarkSessionStale()

			w := c.Root().Writer
			if result.Project == nil {
				fmt.Fprintf(w, "Removed %s from its project\n", shortID(note.ID))
				return nil
			}
			fmt.Fprintf(w, "Moved %s to %s\n", shortID(note.ID), result.Project.Name)
			if result.LearnedAlias {
				fmt.Fprintf(w, "Learned alias %q\n", result.Project.Aliases[len(result.Project.Aliases)-1])
			}
			return nil
		}),
	}
}
