package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/jotter/pkg/model"
	"github.com/m-mizutani/jotter/pkg/usecase/pipeline"
	"github.com/urfave/cli/v3"
)

const captureHelp = `Each line you enter is saved as a note.
  :session   show the session rollup
  :help      show this help
  :quit      leave (Ctrl-D works too)`

func captureCommand() *cli.Command {
	var cfg config

	return &cli.Command{
		Name:  "capture",
		Usage: "Interactive capture, one note per line",
		Flags: commandFlags(&cfg),
		Action: func(ctx context.Context, c *cli.Command) error {
			defer cfg.close(ctx)

			svc, err := cfg.newService(ctx)
			if err != nil {
				return err
			}

			rlConfig := &readline.Config{
				Prompt:          "jot> ",
				InterruptPrompt: "^C",
				EOFPrompt:       "exit",
			}
			if home, err := os.UserHomeDir(); err == nil {
				rlConfig.HistoryFile = filepath.Join(home, ".jotter", "capture_history")
			}

			rl, err := readline.NewEx(rlConfig)
			if err != nil {
				return goerr.Wrap(err, "failed to start line editor")
			}
			defer rl.Close()

			w := rl.Stdout()
			fmt.Fprintln(w, "Capture started. Type :help for commands.")
			return captureLoop(ctx, rl, w, svc)
		},
	}
}

func captureLoop(ctx context.Context, rl *readline.Instance, w io.Writer, svc *pipeline.Service) error {
	for {
		line, err := rl.Readline()
		switch {
		case errors.Is(err, readline.ErrInterrupt):
			if line == "" {
				return nil
			}
			continue
		case errors.Is(err, io.EOF):
			return nil
		case err != nil:
			return goerr.Wrap(err, "failed to read line")
		}

		line = strings.TrimSpace(line)
		switch line {
		case "":
			continue
		case ":q", ":quit", ":exit":
			return nil
		case ":help":
			fmt.Fprintln(w, captureHelp)
			continue
		case ":session":
			printSnapshot(w, svc.RefreshSession(ctx))
			continue
		}

		if err := saveNote(ctx, w, svc, pipeline.SaveNoteInput{Content: line, Source: model.NoteSourceTyped}); err != nil {
			if errors.Is(err, model.ErrQuotaExceeded) {
				fmt.Fprintln(w, "Note allowance used up, nothing saved.")
				continue
			}
			return err
		}
	}
}
