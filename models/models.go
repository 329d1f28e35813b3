package models

import "time"

// ContentBlock is one named, rendered piece of a feed item (body, action_url, ...)
type ContentBlock struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Content  string `json:"content"`
	Rendered string `json:"rendered"`
}

// Actor that caused a feed item
type Actor struct {
	Id     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Email  string `json:"email,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}

// FeedItem model with the fields the feed API returns for an entry.
// Values are treated as immutable, state transitions build a new item.
type FeedItem struct {
	Id              string                 `json:"id"`
	Cursor          string                 `json:"__cursor,omitempty"`
	Blocks          []ContentBlock         `json:"blocks"`
	Actors          []Actor                `json:"actors"`
	TotalActors     int                    `json:"total_actors"`
	TotalActivities int                    `json:"total_activities"`
	Data            map[string]interface{} `json:"data,omitempty"`
	InsertedAt      time.Time              `json:"inserted_at"`
	ReadAt          *time.Time             `json:"read_at"`
	SeenAt          *time.Time             `json:"seen_at"`
	ArchivedAt      *time.Time             `json:"archived_at"`
}

// FeedMetadata holds the server side counts for a feed
type FeedMetadata struct {
	TotalCount  int `json:"total_count"`
	UnreadCount int `json:"unread_count"`
	UnseenCount int `json:"unseen_count"`
}

type PageInfo struct {
	After    string `json:"after,omitempty"`
	Before   string `json:"before,omitempty"`
	PageSize int    `json:"page_size,omitempty"`
}

// FeedResponse is a single page of a feed
type FeedResponse struct {
	Entries  []FeedItem   `json:"entries"`
	Meta     FeedMetadata `json:"meta"`
	PageInfo PageInfo     `json:"page_info"`
}

// FetchOptions for reading a page of a feed
type FetchOptions struct {
	Status   FilterStatus
	After    string
	Before   string
	PageSize int
}

// FirstPage reports whether the options start from the top of the feed
func (o FetchOptions) FirstPage() bool {
	return o.After == "" && o.Before == ""
}

type PushEventType string

const (
	ItemAdded     PushEventType = "item-added"
	ItemUpdated   PushEventType = "item-updated"
	CountsUpdated PushEventType = "counts-updated"
)

// PushEvent is delivered by the realtime channel without a client request
type PushEvent struct {
	Type   PushEventType `json:"type"`
	Item   *FeedItem     `json:"item,omitempty"`
	Counts *FeedMetadata `json:"counts,omitempty"`
}
