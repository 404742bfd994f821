package cli

import (
	"context"
	"io"
	"os"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/jotter/pkg/utils/logging"
	"github.com/urfave/cli/v3"
)

type Error struct {
	Code    int
	Message string
}

// Command builds the root command. Output goes to w.
func Command(w io.Writer) *cli.Command {
	var (
		logLevel  string
		logFormat string
	)

	return &cli.Command{
		Name:   "jotter",
		Usage:  "Capture notes and keep track of what they commit you to",
		Writer: w,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "log-level",
				Aliases:     []string{"l"},
				Usage:       "Log level (debug, info, warn, error)",
				Value:       "warn",
				Sources:     cli.EnvVars("JOTTER_LOG_LEVEL"),
				Destination: &logLevel,
			},
			&cli.StringFlag{
				Name:        "log-format",
				Usage:       "Log format (console, json)",
				Value:       string(logging.FormatConsole),
				Sources:     cli.EnvVars("JOTTER_LOG_FORMAT"),
				Destination: &logFormat,
			},
		},
		Before: func(ctx context.Context, c *cli.Command) (context.Context, error) {
			format := logging.Format(logFormat)
			switch format {
			case logging.FormatConsole, logging.FormatJSON:
			default:
				return ctx, goerr.New("invalid log format", goerr.V("format", logFormat))
			}
			if _, err := logging.ParseLevel(logLevel); err != nil {
				return ctx, err
			}

			// logs never go to stdout, which carries command output and the MCP stdio stream
			logger := logging.New(logLevel, os.Stderr, logging.WithFormat(format))
			logging.SetDefault(logger)
			return logging.With(ctx, logger), nil
		},
		Commands: []*cli.Command{
			noteCommand(),
			captureCommand(),
			projectCommand(),
			actionCommand(),
			commitmentCommand(),
			questionCommand(),
			todayCommand(),
			sessionCommand(),
			digestCommand(),
			quotaCommand(),
			exportCommand(),
			mcpCommand(),
		},
	}
}

func Run(ctx context.Context, argv []string) *Error {
	if err := Command(os.Stdout).Run(ctx, argv); err != nil {
		logging.From(ctx).Error("command failed", "error", err)
		return &Error{
			Code:    1,
			Message: err.Error(),
		}
	}

	return nil
}
