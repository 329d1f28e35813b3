/*
Copyright © 2023 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func RootApp() *cli.App {
	return &cli.App{
		Name:  "notifeed",
		Usage: "Follow an in-app notification feed from the command line",
		Description: `Keeps a live copy of a user's in-app notification feed in sync with
		the feed API. Items are fetched over HTTP and updates arrive over a
		websocket push channel.

		Feeds can be watched, listed and marked from the command line, or
		relayed to a browser UI over HTTP and server-sent events.

		Flags can generally be set via environment variables, e.g.:

		--api-key => NOTIFEED_API_KEY=pk_test_...
		--user-id => NOTIFEED_USER_ID=user-1
		--feed => NOTIFEED_FEED=in-app
		`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "api-key",
				Aliases: []string{"k"},
				Usage:   "Public API key, prompted for when missing",
				EnvVars: []string{"NOTIFEED_API_KEY"},
			},
			&cli.StringFlag{
				Name:    "user-id",
				Aliases: []string{"u"},
				Usage:   "Id of the user whose feed is read",
				EnvVars: []string{"NOTIFEED_USER_ID"},
			},
			&cli.StringFlag{
				Name:    "user-token",
				Usage:   "Signed user token, required when enhanced security mode is on",
				EnvVars: []string{"NOTIFEED_USER_TOKEN"},
			},
			&cli.StringFlag{
				Name:    "host",
				Usage:   "Feed API host",
				EnvVars: []string{"NOTIFEED_HOST"},
			},
			&cli.BoolFlag{
				Name:    "compress",
				Usage:   "Ask the push channel for zstd compressed frames",
				EnvVars: []string{"NOTIFEED_COMPRESS"},
			},
			&cli.StringFlag{
				Name:    "feed",
				Aliases: []string{"f"},
				Usage:   "Feed channel id, defaults to the first feed in the config file",
				EnvVars: []string{"NOTIFEED_FEED"},
			},
			&cli.StringFlag{
				Name:    "status",
				Aliases: []string{"s"},
				Usage:   "Filter status: all, unread, unseen or archived",
				EnvVars: []string{"NOTIFEED_STATUS"},
			},
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to an optional TOML configuration file",
				EnvVars: []string{"NOTIFEED_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "info",
				Usage:   "Log level: trace, debug, info, warn or error",
				EnvVars: []string{"NOTIFEED_LOG_LEVEL"},
			},
		},
		Before: func(ctx *cli.Context) error {
			// Stdout is reserved for feed output
			log.SetOutput(os.Stderr)

			level, err := log.ParseLevel(ctx.String("log-level"))
			if err != nil {
				return fmt.Errorf("invalid log level: %w", err)
			}
			log.SetLevel(level)
			return nil
		},
		Commands: []*cli.Command{
			watchCmd(),
			listCmd(),
			markCmd(),
			serveCmd(),
		},
		Action: func(ctx *cli.Context) error {
			// Show help if no command is specified
			return ctx.App.Run([]string{"", "help"})
		},
	}
}
