package cli

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/jotter/pkg/service/mcp"
	"github.com/m-mizutani/jotter/pkg/usecase/pipeline"
	"github.com/m-mizutani/jotter/pkg/utils/logging"
	"github.com/urfave/cli/v3"
)

func mcpCommand() *cli.Command {
	var (
		cfg  config
		addr string
	)

	return &cli.Command{
		Name:  "mcp",
		Usage: "Serve the note tools to MCP clients over stdio, or HTTP with --http",
		Flags: commandFlags(&cfg,
			&cli.StringFlag{
				Name:        "http",
				Usage:       "Listen address for streamable HTTP, e.g. 127.0.0.1:8765",
				Sources:     cli.EnvVars("JOTTER_MCP_HTTP"),
				Destination: &addr,
			},
		),
		Action: serviceAction(&cfg, func(ctx context.Context, c *cli.Command, svc *pipeline.Service) error {
			now, err := cfg.clock()
			if err != nil {
				return err
			}
			server := mcp.NewServer(svc, mcp.WithClock(now))

			if addr == "" {
				return server.ServeStdio(ctx)
			}
			return serveHTTP(ctx, addr, server.Handler())
		}),
	}
}

func serveHTTP(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.From(ctx).Info("mcp server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return goerr.Wrap(err, "mcp http server failed", goerr.V("addr", addr))
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return goerr.Wrap(err, "failed to shut down mcp http server")
		}
		return nil
	}
}
