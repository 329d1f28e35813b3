package models

import (
	"fmt"
	"time"
)

// FilterStatus selects which items of a feed are loaded
type FilterStatus string

const (
	StatusAll      FilterStatus = "all"
	StatusUnread   FilterStatus = "unread"
	StatusUnseen   FilterStatus = "unseen"
	StatusArchived FilterStatus = "archived"
)

func ParseFilterStatus(s string) (FilterStatus, error) {
	switch status := FilterStatus(s); status {
	case StatusAll, StatusUnread, StatusUnseen, StatusArchived:
		return status, nil
	case "":
		return StatusAll, nil
	default:
		return "", fmt.Errorf("unknown filter status %q", s)
	}
}

// Matches reports whether the item belongs to the filter. Archived items are
// only part of the archived filter.
func (s FilterStatus) Matches(item FeedItem) bool {
	switch s {
	case StatusArchived:
		return item.ArchivedAt != nil
	case StatusUnread:
		return item.ArchivedAt == nil && item.ReadAt == nil
	case StatusUnseen:
		return item.ArchivedAt == nil && item.SeenAt == nil
	default:
		return item.ArchivedAt == nil
	}
}

// ItemAction is a state transition on a feed item
type ItemAction string

const (
	ActionRead       ItemAction = "read"
	ActionSeen       ItemAction = "seen"
	ActionArchived   ItemAction = "archived"
	ActionUnread     ItemAction = "unread"
	ActionUnseen     ItemAction = "unseen"
	ActionUnarchived ItemAction = "unarchived"
)

func ParseItemAction(s string) (ItemAction, error) {
	switch action := ItemAction(s); action {
	case ActionRead, ActionSeen, ActionArchived, ActionUnread, ActionUnseen, ActionUnarchived:
		return action, nil
	default:
		return "", fmt.Errorf("unknown item action %q", s)
	}
}

// Sets is true for actions that set a timestamp, false for the ones clearing it
func (a ItemAction) Sets() bool {
	switch a {
	case ActionRead, ActionSeen, ActionArchived:
		return true
	}
	return false
}

// Timestamp returns the timestamp the action touches on the item
func (a ItemAction) Timestamp(item FeedItem) *time.Time {
	switch a {
	case ActionRead, ActionUnread:
		return item.ReadAt
	case ActionSeen, ActionUnseen:
		return item.SeenAt
	default:
		return item.ArchivedAt
	}
}

// Applied reports whether the item is already in the state the action leads to
func (a ItemAction) Applied(item FeedItem) bool {
	return (a.Timestamp(item) != nil) == a.Sets()
}

// WithTimestamp returns a copy of item with the action's timestamp replaced by ts
func (a ItemAction) WithTimestamp(item FeedItem, ts *time.Time) FeedItem {
	switch a {
	case ActionRead, ActionUnread:
		item.ReadAt = ts
	case ActionSeen, ActionUnseen:
		item.SeenAt = ts
	default:
		item.ArchivedAt = ts
	}
	return item
}

// AdjustCount moves the count the action affects by delta, never below zero.
// It returns the delta that was actually applied.
func (a ItemAction) AdjustCount(meta FeedMetadata, delta int) (FeedMetadata, int) {
	var count *int
	switch a {
	case ActionRead, ActionUnread:
		count = &meta.UnreadCount
	case ActionSeen, ActionUnseen:
		count = &meta.UnseenCount
	default:
		count = &meta.TotalCount
	}

	next := *count + delta
	if next < 0 {
		next = 0
	}
	applied := next - *count
	*count = next
	return meta, applied
}
