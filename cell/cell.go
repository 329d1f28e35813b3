package cell

import (
	"context"
	"html/template"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"

	"notifeed/models"
)

const (
	blockBody      = "body"
	blockActionURL = "action_url"
)

// Cell is the display form of one feed item
type Cell struct {
	Item         models.FeedItem                `json:"item"`
	BlocksByName map[string]models.ContentBlock `json:"-"`
	Body         template.HTML                  `json:"body"`
	ActionURL    string                         `json:"action_url"`
	Unread       bool                           `json:"unread"`
	Actor        *models.Actor                  `json:"actor,omitempty"`
	Timestamp    string                         `json:"timestamp"`
}

// ReadMarker is the part of the feed store a cell needs when clicked
type ReadMarker interface {
	MarkAsRead(ctx context.Context, item models.FeedItem) (*models.FeedItem, error)
}

func New(item models.FeedItem) Cell {
	return NewAt(item, time.Now())
}

// NewAt builds a cell with the timestamp relative to now
func NewAt(item models.FeedItem, now time.Time) Cell {
	blocks := lo.KeyBy(item.Blocks, func(block models.ContentBlock) string {
		return block.Name
	})

	c := Cell{
		Item:         item,
		BlocksByName: blocks,
		Unread:       item.ReadAt == nil,
		Timestamp:    humanize.RelTime(item.InsertedAt, now, "ago", "from now"),
	}

	// Rendered blocks are produced by the backend's templating
	if body, ok := blocks[blockBody]; ok {
		c.Body = template.HTML(body.Rendered)
	}
	if action, ok := blocks[blockActionURL]; ok {
		c.ActionURL = action.Rendered
	}
	if item.TotalActors > 0 && len(item.Actors) > 0 {
		actor := item.Actors[0]
		c.Actor = &actor
	}
	return c
}

// Cells builds a cell per item, keeping the order
func Cells(items []models.FeedItem, now time.Time) []Cell {
	return lo.Map(items, func(item models.FeedItem, _ int) Cell {
		return NewAt(item, now)
	})
}

// Click marks the item as read and hands it to onItemClick. Without a
// callback the action URL to navigate to is returned. A failed mark is logged
// and does not stop the click.
func (c Cell) Click(ctx context.Context, marker ReadMarker, onItemClick func(models.FeedItem)) string {
	if _, err := marker.MarkAsRead(ctx, c.Item); err != nil {
		log.WithFields(log.Fields{
			"item":  c.Item.Id,
			"error": err,
		}).Warn("Failed to mark clicked item as read")
	}

	if onItemClick != nil {
		onItemClick(c.Item)
		return ""
	}
	return c.ActionURL
}
