/*
Copyright © 2023 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"errors"

	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"notifeed/models"
)

// markCmd applies an item action to the given item ids
func markCmd() *cli.Command {
	return &cli.Command{
		Name:      "mark",
		Usage:     "Mark feed items as read, seen, archived or the reverse",
		ArgsUsage: "<read|seen|archived|unread|unseen|unarchived> <item id>...",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "all",
				Usage: "Apply the action to every item of the first page instead of the given ids",
			},
		},
		Action: func(ctx *cli.Context) error {
			if ctx.NArg() < 1 {
				return errors.New("please specify an action")
			}
			action, err := models.ParseItemAction(ctx.Args().First())
			if err != nil {
				return err
			}

			ids := ctx.Args().Tail()
			if len(ids) == 0 && !ctx.Bool("all") {
				return errors.New("please specify item ids or --all")
			}

			p, _, err := newProvider(ctx)
			if err != nil {
				return err
			}
			defer p.Close()

			sub := p.Feed()
			items := lo.Map(ids, func(id string, _ int) models.FeedItem {
				return models.FeedItem{Id: id}
			})
			if ctx.Bool("all") {
				if _, err := sub.Fetch(ctx.Context, models.FetchOptions{Status: p.Status()}); err != nil {
					return err
				}
				items = sub.State().Items
			}

			updated, err := sub.UpdateItems(ctx.Context, action, items)
			if err != nil {
				return err
			}

			log.WithFields(log.Fields{
				"action": action,
				"items":  len(updated),
			}).Info("Marked feed items")
			for _, item := range updated {
				printStdout(item)
			}
			return nil
		},
	}
}
