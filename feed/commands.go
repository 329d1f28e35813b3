package feed

import (
	"context"
	"time"

	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"

	"notifeed/models"
)

// optimisticChange remembers what an optimistic update did so it can be undone
type optimisticChange struct {
	item  models.FeedItem
	prev  *time.Time
	delta int
	// metaGen is the metadata generation the delta was applied to
	metaGen uint64
}

func (s *Store) MarkAsRead(ctx context.Context, item models.FeedItem) (*models.FeedItem, error) {
	return s.updateItem(ctx, models.ActionRead, item)
}

func (s *Store) MarkAsSeen(ctx context.Context, item models.FeedItem) (*models.FeedItem, error) {
	return s.updateItem(ctx, models.ActionSeen, item)
}

func (s *Store) MarkAsArchived(ctx context.Context, item models.FeedItem) (*models.FeedItem, error) {
	return s.updateItem(ctx, models.ActionArchived, item)
}

func (s *Store) MarkAsUnread(ctx context.Context, item models.FeedItem) (*models.FeedItem, error) {
	return s.updateItem(ctx, models.ActionUnread, item)
}

func (s *Store) MarkAsUnseen(ctx context.Context, item models.FeedItem) (*models.FeedItem, error) {
	return s.updateItem(ctx, models.ActionUnseen, item)
}

func (s *Store) MarkAsUnarchived(ctx context.Context, item models.FeedItem) (*models.FeedItem, error) {
	return s.updateItem(ctx, models.ActionUnarchived, item)
}

// MarkAllAsRead marks every loaded unread item as read
func (s *Store) MarkAllAsRead(ctx context.Context) ([]models.FeedItem, error) {
	return s.UpdateItems(ctx, models.ActionRead, s.State().Items)
}

// MarkAllAsSeen marks every loaded unseen item as seen
func (s *Store) MarkAllAsSeen(ctx context.Context) ([]models.FeedItem, error) {
	return s.UpdateItems(ctx, models.ActionSeen, s.State().Items)
}

func (s *Store) updateItem(ctx context.Context, action models.ItemAction, item models.FeedItem) (*models.FeedItem, error) {
	updated, err := s.UpdateItems(ctx, action, []models.FeedItem{item})
	if err != nil {
		return nil, err
	}

	result, ok := lo.Find(updated, func(u models.FeedItem) bool {
		return u.Id == item.Id
	})
	if !ok {
		result = item
	}
	return &result, nil
}

// UpdateItems applies action to items in two phases. The change is applied to
// the store right away, then confirmed with the backend. The server's items
// win on success, on failure every optimistic change is reverted.
func (s *Store) UpdateItems(ctx context.Context, action models.ItemAction, items []models.FeedItem) ([]models.FeedItem, error) {
	var changes []optimisticChange
	var unchanged []models.FeedItem

	_, err := s.apply("command", func(st State) (State, error) {
		var ts *time.Time
		if action.Sets() {
			now := s.now()
			ts = &now
		}

		delta := 1
		if action.Sets() {
			delta = -1
		}

		for _, item := range lo.UniqBy(items, func(item models.FeedItem) string { return item.Id }) {
			current, ok := findItem(st.Items, item.Id)
			if !ok {
				current = item
			}
			if action.Applied(current) {
				unchanged = append(unchanged, current)
				continue
			}

			next := action.WithTimestamp(current, ts)
			change := optimisticChange{item: next, prev: action.Timestamp(current), metaGen: s.metaGen}
			// Counts only move for loaded items, the server's view of others is unknown
			if ok {
				st.Metadata, change.delta = action.AdjustCount(st.Metadata, delta)
			}
			st.Items, _ = replaceItem(st.Items, next)
			changes = append(changes, change)
		}

		if len(changes) == 0 {
			return st, errUnchanged
		}
		return st, nil
	})
	if err != nil {
		return nil, err
	}
	if len(changes) == 0 {
		return unchanged, nil
	}

	ids := lo.Map(changes, func(c optimisticChange, _ int) string {
		return c.item.Id
	})

	updated, err := s.transport.UpdateItems(ctx, action, ids)
	if err != nil {
		err = asNetworkError("mark items "+string(action), err)
		log.WithFields(log.Fields{
			"feed":   s.feedId,
			"action": action,
			"items":  ids,
			"error":  err,
		}).Warn("Reverting optimistic item update")

		if _, applyErr := s.apply("revert", func(st State) (State, error) {
			return s.revert(st, action, changes), nil
		}); applyErr != nil {
			return nil, applyErr
		}
		return nil, err
	}

	serverItems := lo.KeyBy(updated, func(item models.FeedItem) string {
		return item.Id
	})

	if _, err := s.apply("reconcile", func(st State) (State, error) {
		return s.reconcile(st, action, changes, serverItems), nil
	}); err != nil {
		return nil, err
	}

	result := make([]models.FeedItem, 0, len(unchanged)+len(changes))
	result = append(result, unchanged...)
	for _, change := range changes {
		if server, ok := serverItems[change.item.Id]; ok {
			result = append(result, server)
		} else {
			result = append(result, change.item)
		}
	}
	return result, nil
}

// revert undoes optimistic changes. A timestamp is only restored while the
// item still carries the optimistic value, anything newer is left alone.
func (s *Store) revert(st State, action models.ItemAction, changes []optimisticChange) State {
	for _, change := range changes {
		current, ok := findItem(st.Items, change.item.Id)
		if ok && sameTime(action.Timestamp(current), action.Timestamp(change.item)) {
			st.Items, _ = replaceItem(st.Items, action.WithTimestamp(current, change.prev))
		}
		st.Metadata = s.undoCount(st.Metadata, action, change)
	}
	return st
}

// undoCount takes back the delta of change unless newer server counts have
// replaced the metadata it was applied to
func (s *Store) undoCount(meta models.FeedMetadata, action models.ItemAction, change optimisticChange) models.FeedMetadata {
	if change.metaGen != s.metaGen {
		return meta
	}
	meta, _ = action.AdjustCount(meta, -change.delta)
	return meta
}

// reconcile replaces optimistic items with the server's. When the server
// disagrees with the change, the server item wins and the count delta is undone.
func (s *Store) reconcile(st State, action models.ItemAction, changes []optimisticChange, serverItems map[string]models.FeedItem) State {
	for _, change := range changes {
		server, ok := serverItems[change.item.Id]
		if !ok {
			continue
		}

		st.Items, _ = replaceItem(st.Items, server)
		if action.Applied(server) {
			continue
		}

		storeConflicts.Inc()
		log.WithFields(log.Fields{
			"feed":   s.feedId,
			"item":   server.Id,
			"action": action,
		}).Warn("Server state contradicts optimistic update")
		st.Metadata = s.undoCount(st.Metadata, action, change)
	}
	return st
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
