/*
Copyright © 2023 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"notifeed/cell"
	"notifeed/feed"
)

// listCmd prints one page of the feed
func listCmd() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "Print one page of the feed",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "json",
				Usage: "Print cells as JSON lines",
			},
		},
		Action: func(ctx *cli.Context) error {
			p, _, err := newProvider(ctx)
			if err != nil {
				return err
			}
			defer p.Close()

			sub := p.Feed()
			if err := p.SetStatus(ctx.Context, p.Status()); err != nil {
				return err
			}

			state := sub.State()
			cells := cell.Cells(state.Items, time.Now())
			if ctx.Bool("json") {
				for _, c := range cells {
					printStdout(c)
				}
				return nil
			}

			printCells(os.Stdout, state, cells)
			return nil
		},
	}
}

func printCells(w io.Writer, state feed.State, cells []cell.Cell) {
	fmt.Fprintf(w, "%s: %d total, %d unread, %d unseen\n",
		state.Status, state.Metadata.TotalCount, state.Metadata.UnreadCount, state.Metadata.UnseenCount)

	for _, c := range cells {
		marker := " "
		if c.Unread {
			marker = "*"
		}

		actor := ""
		if c.Actor != nil {
			actor = c.Actor.Name + ": "
		}

		body := ""
		if block, ok := c.BlocksByName["body"]; ok {
			body = strings.Join(strings.Fields(block.Content), " ")
		}

		fmt.Fprintf(w, "%s %s  %s%s  (%s)\n", marker, c.Item.Id, actor, body, c.Timestamp)
		if c.ActionURL != "" {
			fmt.Fprintf(w, "    %s\n", c.ActionURL)
		}
	}
}
