package cell_test

import (
	"context"
	"errors"
	"html/template"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notifeed/cell"
	"notifeed/models"
)

var now = time.Date(2024, 3, 1, 15, 0, 0, 0, time.UTC)

func sampleItem() models.FeedItem {
	return models.FeedItem{
		Id: "msg_1",
		Blocks: []models.ContentBlock{
			{Name: "body", Type: "markdown", Content: "Hi **Ada**", Rendered: "<p>Hi <strong>Ada</strong></p>"},
			{Name: "action_url", Type: "text", Content: "{{ url }}", Rendered: "https://example.com/items/1"},
		},
		Actors:      []models.Actor{{Id: "u2", Name: "Ada"}, {Id: "u3", Name: "Grace"}},
		TotalActors: 2,
		InsertedAt:  now.Add(-3 * time.Hour),
	}
}

type fakeMarker struct {
	marked []string
	err    error
}

func (m *fakeMarker) MarkAsRead(ctx context.Context, item models.FeedItem) (*models.FeedItem, error) {
	m.marked = append(m.marked, item.Id)
	if m.err != nil {
		return nil, m.err
	}
	return &item, nil
}

func TestNew(t *testing.T) {
	c := cell.NewAt(sampleItem(), now)

	assert.Len(t, c.BlocksByName, 2)
	assert.Equal(t, template.HTML("<p>Hi <strong>Ada</strong></p>"), c.Body)
	assert.Equal(t, "https://example.com/items/1", c.ActionURL)
	assert.True(t, c.Unread)
	require.NotNil(t, c.Actor)
	assert.Equal(t, "Ada", c.Actor.Name)
	assert.Equal(t, "3 hours ago", c.Timestamp)
}

func TestNewWithoutActorsOrBlocks(t *testing.T) {
	readAt := now
	item := models.FeedItem{
		Id:         "msg_2",
		Actors:     []models.Actor{{Id: "u2", Name: "Ada"}},
		ReadAt:     &readAt,
		InsertedAt: now.Add(-30 * time.Second),
	}

	c := cell.NewAt(item, now)
	assert.Nil(t, c.Actor)
	assert.Empty(t, c.Body)
	assert.Empty(t, c.ActionURL)
	assert.False(t, c.Unread)
	assert.Equal(t, "30 seconds ago", c.Timestamp)
}

func TestCellsKeepOrder(t *testing.T) {
	a, b := sampleItem(), sampleItem()
	b.Id = "msg_2"

	cells := cell.Cells([]models.FeedItem{a, b}, now)
	require.Len(t, cells, 2)
	assert.Equal(t, "msg_1", cells[0].Item.Id)
	assert.Equal(t, "msg_2", cells[1].Item.Id)
}

func TestClick(t *testing.T) {
	c := cell.NewAt(sampleItem(), now)

	t.Run("navigates without callback", func(t *testing.T) {
		marker := &fakeMarker{}
		url := c.Click(context.Background(), marker, nil)
		assert.Equal(t, "https://example.com/items/1", url)
		assert.Equal(t, []string{"msg_1"}, marker.marked)
	})

	t.Run("hands the item to the callback", func(t *testing.T) {
		marker := &fakeMarker{}
		var clicked string
		url := c.Click(context.Background(), marker, func(item models.FeedItem) {
			clicked = item.Id
		})
		assert.Empty(t, url)
		assert.Equal(t, "msg_1", clicked)
		assert.Equal(t, []string{"msg_1"}, marker.marked)
	})

	t.Run("mark failure does not stop navigation", func(t *testing.T) {
		marker := &fakeMarker{err: errors.New("offline")}
		url := c.Click(context.Background(), marker, nil)
		assert.Equal(t, "https://example.com/items/1", url)
	})
}
