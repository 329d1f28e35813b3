/*
Copyright © 2023 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"notifeed/server"
)

// serveCmd relays the feed to browser clients over HTTP
func serveCmd() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the feed over HTTP and server-sent events",
		Description: `Starts the relay HTTP server and keeps the feed in sync.

The feed state is available at /api/feed and streamed as server-sent events
from /api/feed/sse. Items can be marked through /api/items/:id/:action and
prometheus metrics are exposed at /metrics.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "hostname",
				Aliases: []string{"n"},
				Usage:   "The hostname to listen on",
				EnvVars: []string{"NOTIFEED_HOSTNAME"},
			},
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Value:   3000,
				Usage:   "Port to listen on",
				EnvVars: []string{"NOTIFEED_PORT"},
			},
			&cli.StringFlag{
				Name:    "allow-origins",
				Usage:   "Comma separated CORS origins, e.g. http://localhost:3001",
				EnvVars: []string{"NOTIFEED_ALLOW_ORIGINS"},
			},
		},
		Action: func(ctx *cli.Context) error {
			p, s, err := newProvider(ctx)
			if err != nil {
				return err
			}
			defer p.Close()

			hostname := firstSet(ctx.String("hostname"), s.server.Host)
			port := ctx.Int("port")
			if !ctx.IsSet("port") && s.server.Port > 0 {
				port = s.server.Port
			}

			bc := server.NewBroadcaster()
			app := server.Server(&server.ServerConfig{
				Provider:     p,
				Broadcaster:  bc,
				AllowOrigins: firstSet(ctx.String("allow-origins"), s.server.AllowOrigins),
			})

			runCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			g, gctx := errgroup.WithContext(runCtx)

			g.Go(func() error {
				// A failed first fetch is kept in the feed state, clients can retry
				if err := p.Start(gctx); err != nil {
					log.WithField("error", err).Warn("Initial feed fetch failed")
				}
				return nil
			})

			g.Go(func() error {
				addr := fmt.Sprintf("%s:%d", hostname, port)
				log.WithField("addr", addr).Info("Starting server")
				return app.Listen(addr)
			})

			g.Go(func() error {
				<-gctx.Done()
				log.Info("Gracefully shutting down...")
				bc.Shutdown()
				return app.ShutdownWithTimeout(60 * time.Second)
			})

			if err := g.Wait(); err != nil && err != context.Canceled {
				return err
			}
			log.Info("Done!")
			return nil
		},
	}
}
