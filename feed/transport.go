package feed

import (
	"context"
	"encoding/json"

	"notifeed/models"
)

// Transport reads feeds and applies item actions on the backend
type Transport interface {
	FetchFeed(ctx context.Context, feedId string, opts models.FetchOptions) (*models.FeedResponse, error)
	UpdateItems(ctx context.Context, action models.ItemAction, itemIds []string) ([]models.FeedItem, error)
}

// MessageHandler receives the events pushed on a joined topic
type MessageHandler = func(event string, payload json.RawMessage)

// PushChannel delivers server side events for topics
type PushChannel interface {
	Join(topic string, handler MessageHandler) (leave func())
}
