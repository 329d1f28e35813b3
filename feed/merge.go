package feed

import (
	"sort"

	"github.com/samber/lo"

	"notifeed/models"
)

// mergeItems merges incoming into existing by identifier. Incoming versions
// replace existing ones, new items are inserted and the result is ordered
// newest first. Items with equal insertion time keep the order they arrived in.
func mergeItems(existing []models.FeedItem, incoming []models.FeedItem) []models.FeedItem {
	merged := make([]models.FeedItem, 0, len(existing)+len(incoming))
	position := make(map[string]int, len(existing)+len(incoming))

	for _, item := range incoming {
		if idx, ok := position[item.Id]; ok {
			merged[idx] = item
			continue
		}
		position[item.Id] = len(merged)
		merged = append(merged, item)
	}

	for _, item := range existing {
		if _, ok := position[item.Id]; ok {
			continue
		}
		position[item.Id] = len(merged)
		merged = append(merged, item)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].InsertedAt.After(merged[j].InsertedAt)
	})

	return merged
}

// replaceItem swaps the item with the same id, reporting whether it was found
func replaceItem(items []models.FeedItem, item models.FeedItem) ([]models.FeedItem, bool) {
	_, idx, ok := lo.FindIndexOf(items, func(existing models.FeedItem) bool {
		return existing.Id == item.Id
	})
	if !ok {
		return items, false
	}

	next := make([]models.FeedItem, len(items))
	copy(next, items)
	next[idx] = item
	return next, true
}

func findItem(items []models.FeedItem, id string) (models.FeedItem, bool) {
	return lo.Find(items, func(item models.FeedItem) bool {
		return item.Id == id
	})
}

func filterStatus(items []models.FeedItem, status models.FilterStatus) []models.FeedItem {
	return lo.Filter(items, func(item models.FeedItem, _ int) bool {
		return status.Matches(item)
	})
}
