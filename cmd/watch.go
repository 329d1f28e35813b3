/*
Copyright © 2023 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"notifeed/feed"
)

// watchCmd prints feed items as they arrive
func watchCmd() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "Print feed items to the command line as they arrive",
		Description: `Fetch the first page of the feed and listen for updates on the
push channel. Every item is printed once, the first time it shows up.

Returns each item as a JSON object on a single line. Use a tool like jq to process
the output.

Prints all other log messages to stderr.`,
		Action: func(ctx *cli.Context) error {
			p, _, err := newProvider(ctx)
			if err != nil {
				return err
			}
			defer p.Close()

			runCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			printed := make(map[string]bool)
			p.Subscribe(func(state feed.State) {
				// Oldest first so the output reads top to bottom
				for i := len(state.Items) - 1; i >= 0; i-- {
					item := state.Items[i]
					if printed[item.Id] {
						continue
					}
					printed[item.Id] = true
					printStdout(item)
				}
			})

			if err := p.Start(runCtx); err != nil {
				return err
			}

			<-runCtx.Done()
			log.Info("Stopping feed watch")
			return nil
		},
	}
}
