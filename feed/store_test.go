package feed_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notifeed/feed"
	"notifeed/feed/feedtest"
	"notifeed/models"
)

var (
	baseTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	now      = time.Date(2024, 3, 2, 9, 30, 0, 0, time.UTC)
)

func newItem(id string, minutes int) models.FeedItem {
	return models.FeedItem{
		Id:         id,
		InsertedAt: baseTime.Add(time.Duration(minutes) * time.Minute),
		Blocks: []models.ContentBlock{
			{Name: "body", Type: "markdown", Rendered: "<p>" + id + "</p>"},
		},
	}
}

func ids(items []models.FeedItem) []string {
	return lo.Map(items, func(item models.FeedItem, _ int) string { return item.Id })
}

func newStore(transport *feedtest.Transport) *feed.Store {
	return feed.NewStore("feed1", transport, feed.WithClock(func() time.Time { return now }))
}

// loadUnread puts A and B in the store with five unread items on the server
func loadUnread(t *testing.T, store *feed.Store, transport *feedtest.Transport) (models.FeedItem, models.FeedItem) {
	t.Helper()
	a, b := newItem("A", 20), newItem("B", 10)
	transport.FetchFunc = func(ctx context.Context, feedId string, opts models.FetchOptions) (*models.FeedResponse, error) {
		return &models.FeedResponse{
			Entries: []models.FeedItem{a, b},
			Meta:    models.FeedMetadata{TotalCount: 9, UnreadCount: 5, UnseenCount: 3},
		}, nil
	}
	_, err := store.Fetch(context.Background(), models.FetchOptions{Status: models.StatusAll})
	require.NoError(t, err)
	return a, b
}

func TestFetchUnreadPage(t *testing.T) {
	transport := &feedtest.Transport{}
	store := newStore(transport)

	a, b := newItem("A", 20), newItem("B", 10)
	transport.FetchFunc = func(ctx context.Context, feedId string, opts models.FetchOptions) (*models.FeedResponse, error) {
		assert.True(t, store.State().Loading)
		return &models.FeedResponse{
			Entries:  []models.FeedItem{a, b},
			Meta:     models.FeedMetadata{TotalCount: 12, UnreadCount: 5},
			PageInfo: models.PageInfo{After: "cursor-b", PageSize: 2},
		}, nil
	}

	_, err := store.SetFilterStatus(context.Background(), models.StatusUnread)
	require.NoError(t, err)

	calls := transport.FetchCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "feed1", calls[0].FeedId)
	assert.Equal(t, models.StatusUnread, calls[0].Opts.Status)

	transport.FetchFunc = func(ctx context.Context, feedId string, opts models.FetchOptions) (*models.FeedResponse, error) {
		assert.Equal(t, 2, opts.PageSize)
		return &models.FeedResponse{
			Entries: []models.FeedItem{a, b},
			Meta:    models.FeedMetadata{TotalCount: 12, UnreadCount: 5},
		}, nil
	}
	_, err = store.Fetch(context.Background(), models.FetchOptions{Status: models.StatusUnread, PageSize: 2})
	require.NoError(t, err)

	state := store.State()
	assert.Equal(t, []string{"A", "B"}, ids(state.Items))
	assert.Equal(t, 5, state.Metadata.UnreadCount)
	assert.False(t, state.Loading)
	assert.NoError(t, state.Err)
}

func TestFetchFailureKeepsState(t *testing.T) {
	transport := &feedtest.Transport{}
	store := newStore(transport)
	loadUnread(t, store, transport)

	transport.FetchFunc = func(ctx context.Context, feedId string, opts models.FetchOptions) (*models.FeedResponse, error) {
		return nil, errors.New("connection reset")
	}

	_, err := store.Fetch(context.Background(), models.FetchOptions{})
	var netErr *feed.NetworkError
	require.ErrorAs(t, err, &netErr)

	state := store.State()
	assert.Equal(t, []string{"A", "B"}, ids(state.Items))
	assert.Equal(t, 5, state.Metadata.UnreadCount)
	assert.False(t, state.Loading)
	assert.ErrorAs(t, state.Err, &netErr)

	// A successful retry clears the error
	loadUnread(t, store, transport)
	assert.NoError(t, store.State().Err)
}

func TestFetchMergesByIdentifier(t *testing.T) {
	transport := &feedtest.Transport{}
	store := newStore(transport)
	a, _ := loadUnread(t, store, transport)

	updatedA := a
	updatedA.TotalActivities = 3
	c := newItem("C", 5)

	transport.FetchFunc = func(ctx context.Context, feedId string, opts models.FetchOptions) (*models.FeedResponse, error) {
		assert.Equal(t, "cursor-b", opts.After)
		return &models.FeedResponse{
			Entries: []models.FeedItem{updatedA, c},
			Meta:    models.FeedMetadata{UnreadCount: 6},
		}, nil
	}

	_, err := store.Fetch(context.Background(), models.FetchOptions{After: "cursor-b"})
	require.NoError(t, err)

	state := store.State()
	assert.Equal(t, []string{"A", "B", "C"}, ids(state.Items))
	assert.Equal(t, 3, state.Items[0].TotalActivities)
	assert.Equal(t, 6, state.Metadata.UnreadCount)
}

func TestFetchNextPage(t *testing.T) {
	transport := &feedtest.Transport{}
	store := newStore(transport)

	_, err := store.FetchNextPage(context.Background())
	assert.ErrorIs(t, err, feed.ErrNoMorePages)

	transport.FetchFunc = func(ctx context.Context, feedId string, opts models.FetchOptions) (*models.FeedResponse, error) {
		if opts.After == "" {
			return &models.FeedResponse{
				Entries:  []models.FeedItem{newItem("A", 20)},
				PageInfo: models.PageInfo{After: "next", PageSize: 1},
			}, nil
		}
		return &models.FeedResponse{Entries: []models.FeedItem{newItem("B", 10)}}, nil
	}

	_, err = store.Fetch(context.Background(), models.FetchOptions{})
	require.NoError(t, err)
	_, err = store.FetchNextPage(context.Background())
	require.NoError(t, err)

	calls := transport.FetchCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, "next", calls[1].Opts.After)
	assert.Equal(t, 1, calls[1].Opts.PageSize)
	assert.Equal(t, []string{"A", "B"}, ids(store.State().Items))

	_, err = store.FetchNextPage(context.Background())
	assert.ErrorIs(t, err, feed.ErrNoMorePages)
}

func TestMarkAsReadOptimisticThenRevert(t *testing.T) {
	transport := &feedtest.Transport{}
	store := newStore(transport)
	a, _ := loadUnread(t, store, transport)

	transport.UpdateFunc = func(ctx context.Context, action models.ItemAction, itemIds []string) ([]models.FeedItem, error) {
		state := store.State()
		assert.Equal(t, 4, state.Metadata.UnreadCount)
		require.NotNil(t, state.Items[0].ReadAt)
		assert.Equal(t, now, *state.Items[0].ReadAt)
		return nil, errors.New("503 service unavailable")
	}

	_, err := store.MarkAsRead(context.Background(), a)
	var netErr *feed.NetworkError
	require.ErrorAs(t, err, &netErr)

	state := store.State()
	assert.Equal(t, 5, state.Metadata.UnreadCount)
	assert.Nil(t, state.Items[0].ReadAt)
	assert.Equal(t, []string{"A", "B"}, ids(state.Items))

	calls := transport.UpdateCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, models.ActionRead, calls[0].Action)
	assert.Equal(t, []string{"A"}, calls[0].ItemIds)
}

func TestRevertAfterFetchKeepsServerCounts(t *testing.T) {
	tests := []struct {
		name   string
		result func(a models.FeedItem) ([]models.FeedItem, error)
	}{
		{
			name: "transport failure",
			result: func(a models.FeedItem) ([]models.FeedItem, error) {
				return nil, errors.New("503 service unavailable")
			},
		},
		{
			name: "server contradicts",
			result: func(a models.FeedItem) ([]models.FeedItem, error) {
				return []models.FeedItem{a}, nil
			},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			transport := &feedtest.Transport{}
			store := newStore(transport)
			a, _ := loadUnread(t, store, transport)

			started := make(chan struct{})
			release := make(chan struct{})
			transport.UpdateFunc = func(ctx context.Context, action models.ItemAction, itemIds []string) ([]models.FeedItem, error) {
				close(started)
				<-release
				return test.result(a)
			}

			done := make(chan struct{})
			go func() {
				defer close(done)
				store.MarkAsRead(context.Background(), a)
			}()

			<-started
			assert.Equal(t, 4, store.State().Metadata.UnreadCount)

			// The server has not seen the read yet and still counts five
			_, err := store.Fetch(context.Background(), models.FetchOptions{})
			require.NoError(t, err)
			assert.Equal(t, 5, store.State().Metadata.UnreadCount)

			close(release)
			<-done
			assert.Equal(t, 5, store.State().Metadata.UnreadCount)
		})
	}
}

func TestMarkUnloadedItemLeavesCounts(t *testing.T) {
	transport := &feedtest.Transport{}
	store := newStore(transport)
	loadUnread(t, store, transport)

	readAt := now.Add(-time.Hour)
	transport.UpdateFunc = func(ctx context.Context, action models.ItemAction, itemIds []string) ([]models.FeedItem, error) {
		return []models.FeedItem{{Id: "Z", ReadAt: &readAt}}, nil
	}

	updated, err := store.MarkAsRead(context.Background(), models.FeedItem{Id: "Z"})
	require.NoError(t, err)
	assert.Equal(t, &readAt, updated.ReadAt)
	assert.Equal(t, 5, store.State().Metadata.UnreadCount)
	assert.Equal(t, []string{"A", "B"}, ids(store.State().Items))

	transport.UpdateFunc = func(ctx context.Context, action models.ItemAction, itemIds []string) ([]models.FeedItem, error) {
		return nil, errors.New("timeout")
	}
	_, err = store.MarkAsRead(context.Background(), models.FeedItem{Id: "Y"})
	require.Error(t, err)
	assert.Equal(t, 5, store.State().Metadata.UnreadCount)
}

func TestMarkAsReadServerWins(t *testing.T) {
	transport := &feedtest.Transport{}
	store := newStore(transport)
	a, _ := loadUnread(t, store, transport)

	serverTime := now.Add(-2 * time.Second)
	transport.UpdateFunc = func(ctx context.Context, action models.ItemAction, itemIds []string) ([]models.FeedItem, error) {
		confirmed := a
		confirmed.ReadAt = &serverTime
		return []models.FeedItem{confirmed}, nil
	}

	updated, err := store.MarkAsRead(context.Background(), a)
	require.NoError(t, err)
	require.NotNil(t, updated.ReadAt)
	assert.Equal(t, serverTime, *updated.ReadAt)

	state := store.State()
	assert.Equal(t, serverTime, *state.Items[0].ReadAt)
	assert.Equal(t, 4, state.Metadata.UnreadCount)
}

func TestMarkAsReadConflictUndoesCount(t *testing.T) {
	transport := &feedtest.Transport{}
	store := newStore(transport)
	a, _ := loadUnread(t, store, transport)

	transport.UpdateFunc = func(ctx context.Context, action models.ItemAction, itemIds []string) ([]models.FeedItem, error) {
		return []models.FeedItem{a}, nil
	}

	updated, err := store.MarkAsRead(context.Background(), a)
	require.NoError(t, err)
	assert.Nil(t, updated.ReadAt)

	state := store.State()
	assert.Nil(t, state.Items[0].ReadAt)
	assert.Equal(t, 5, state.Metadata.UnreadCount)
}

func TestMarkAsReadIsIdempotent(t *testing.T) {
	transport := &feedtest.Transport{}
	store := newStore(transport)
	a, _ := loadUnread(t, store, transport)

	first, err := store.MarkAsRead(context.Background(), a)
	require.NoError(t, err)
	require.NotNil(t, first.ReadAt)

	// The caller still holds the stale unread copy
	second, err := store.MarkAsRead(context.Background(), a)
	require.NoError(t, err)
	assert.Equal(t, *first.ReadAt, *second.ReadAt)

	assert.Len(t, transport.UpdateCalls(), 1)
	assert.Equal(t, 4, store.State().Metadata.UnreadCount)
}

func TestMarkAsReadFloorsCountAtZero(t *testing.T) {
	transport := &feedtest.Transport{}
	store := newStore(transport)

	a := newItem("A", 1)
	transport.FetchFunc = func(ctx context.Context, feedId string, opts models.FetchOptions) (*models.FeedResponse, error) {
		return &models.FeedResponse{Entries: []models.FeedItem{a}}, nil
	}
	_, err := store.Fetch(context.Background(), models.FetchOptions{})
	require.NoError(t, err)

	transport.UpdateFunc = func(ctx context.Context, action models.ItemAction, itemIds []string) ([]models.FeedItem, error) {
		assert.Equal(t, 0, store.State().Metadata.UnreadCount)
		return nil, errors.New("timeout")
	}

	_, err = store.MarkAsRead(context.Background(), a)
	require.Error(t, err)
	assert.Equal(t, 0, store.State().Metadata.UnreadCount)
}

func TestMarkAsUnreadAndArchived(t *testing.T) {
	transport := &feedtest.Transport{}
	store := newStore(transport)
	a, b := loadUnread(t, store, transport)

	read, err := store.MarkAsRead(context.Background(), a)
	require.NoError(t, err)
	assert.Equal(t, 4, store.State().Metadata.UnreadCount)

	unread, err := store.MarkAsUnread(context.Background(), *read)
	require.NoError(t, err)
	assert.Nil(t, unread.ReadAt)
	assert.Equal(t, 5, store.State().Metadata.UnreadCount)

	archived, err := store.MarkAsArchived(context.Background(), b)
	require.NoError(t, err)
	assert.NotNil(t, archived.ArchivedAt)
	assert.Equal(t, 8, store.State().Metadata.TotalCount)

	seen, err := store.MarkAsSeen(context.Background(), b)
	require.NoError(t, err)
	assert.NotNil(t, seen.SeenAt)
	assert.Equal(t, 2, store.State().Metadata.UnseenCount)
}

func TestMarkAllAsReadRevertsEveryItem(t *testing.T) {
	transport := &feedtest.Transport{}
	store := newStore(transport)
	loadUnread(t, store, transport)

	transport.UpdateFunc = func(ctx context.Context, action models.ItemAction, itemIds []string) ([]models.FeedItem, error) {
		assert.ElementsMatch(t, []string{"A", "B"}, itemIds)
		assert.Equal(t, 3, store.State().Metadata.UnreadCount)
		return nil, errors.New("connection refused")
	}

	_, err := store.MarkAllAsRead(context.Background())
	require.Error(t, err)

	state := store.State()
	assert.Equal(t, 5, state.Metadata.UnreadCount)
	for _, item := range state.Items {
		assert.Nil(t, item.ReadAt, item.Id)
	}
}

func TestCloseRejectsOperations(t *testing.T) {
	transport := &feedtest.Transport{}
	store := newStore(transport)
	a, _ := loadUnread(t, store, transport)

	var notified int
	store.Subscribe(func(feed.State) { notified++ })
	store.Close()
	store.Close()

	_, err := store.Fetch(context.Background(), models.FetchOptions{})
	assert.ErrorIs(t, err, feed.ErrSessionClosed)

	_, err = store.FetchNextPage(context.Background())
	assert.ErrorIs(t, err, feed.ErrSessionClosed)

	_, err = store.MarkAsRead(context.Background(), a)
	assert.ErrorIs(t, err, feed.ErrSessionClosed)

	_, err = store.SetFilterStatus(context.Background(), models.StatusUnread)
	assert.ErrorIs(t, err, feed.ErrSessionClosed)

	err = store.ApplyPushEvent(models.PushEvent{Type: models.CountsUpdated, Counts: &models.FeedMetadata{}})
	assert.ErrorIs(t, err, feed.ErrSessionClosed)

	assert.Equal(t, 0, notified)
	assert.Len(t, transport.UpdateCalls(), 0)
}

func TestResultsAfterCloseAreDiscarded(t *testing.T) {
	transport := &feedtest.Transport{}
	store := newStore(transport)

	var notified int
	store.Subscribe(func(feed.State) { notified++ })

	transport.FetchFunc = func(ctx context.Context, feedId string, opts models.FetchOptions) (*models.FeedResponse, error) {
		store.Close()
		return &models.FeedResponse{Entries: []models.FeedItem{newItem("A", 1)}}, nil
	}

	_, err := store.Fetch(context.Background(), models.FetchOptions{})
	assert.ErrorIs(t, err, feed.ErrSessionClosed)
	assert.Empty(t, store.State().Items)
	// Only the loading transition was published
	assert.Equal(t, 1, notified)
}

func TestSetFilterStatusKeepsItemsUntilFetchResolves(t *testing.T) {
	transport := &feedtest.Transport{}
	store := newStore(transport)
	a, b := loadUnread(t, store, transport)

	_, err := store.MarkAsRead(context.Background(), b)
	require.NoError(t, err)

	transport.FetchFunc = func(ctx context.Context, feedId string, opts models.FetchOptions) (*models.FeedResponse, error) {
		state := store.State()
		assert.Equal(t, models.StatusUnread, state.Status)
		assert.Equal(t, []string{"A", "B"}, ids(state.Items))
		return &models.FeedResponse{
			Entries: []models.FeedItem{a},
			Meta:    models.FeedMetadata{UnreadCount: 4},
		}, nil
	}

	_, err = store.SetFilterStatus(context.Background(), models.StatusUnread)
	require.NoError(t, err)

	state := store.State()
	assert.Equal(t, []string{"A"}, ids(state.Items))
	assert.Equal(t, models.StatusUnread, state.Status)
}

func TestStaleFilterResultIsNotMerged(t *testing.T) {
	transport := &feedtest.Transport{}
	store := newStore(transport)

	release := make(chan struct{})
	started := make(chan struct{})
	transport.FetchFunc = func(ctx context.Context, feedId string, opts models.FetchOptions) (*models.FeedResponse, error) {
		if opts.Status == models.StatusAll {
			close(started)
			<-release
			return &models.FeedResponse{Entries: []models.FeedItem{newItem("OLD", 1)}}, nil
		}
		return &models.FeedResponse{Entries: []models.FeedItem{newItem("NEW", 2)}}, nil
	}

	done := make(chan error)
	go func() {
		_, err := store.Fetch(context.Background(), models.FetchOptions{Status: models.StatusAll})
		done <- err
	}()

	<-started
	_, err := store.SetFilterStatus(context.Background(), models.StatusUnread)
	require.NoError(t, err)
	assert.True(t, store.State().Loading)

	close(release)
	require.NoError(t, <-done)

	state := store.State()
	assert.Equal(t, []string{"NEW"}, ids(state.Items))
	assert.False(t, state.Loading)
}

func TestPushDuringFetchAppliesWholeMutations(t *testing.T) {
	transport := &feedtest.Transport{}
	store := newStore(transport)

	var states []feed.State
	store.Subscribe(func(state feed.State) { states = append(states, state) })

	release := make(chan struct{})
	started := make(chan struct{})
	transport.FetchFunc = func(ctx context.Context, feedId string, opts models.FetchOptions) (*models.FeedResponse, error) {
		close(started)
		<-release
		return &models.FeedResponse{
			Entries: []models.FeedItem{newItem("A", 20), newItem("B", 10)},
			Meta:    models.FeedMetadata{UnreadCount: 2},
		}, nil
	}

	done := make(chan error)
	go func() {
		_, err := store.Fetch(context.Background(), models.FetchOptions{})
		done <- err
	}()

	<-started
	c := newItem("C", 30)
	require.NoError(t, store.ApplyPushEvent(models.PushEvent{
		Type:   models.ItemAdded,
		Item:   &c,
		Counts: &models.FeedMetadata{UnreadCount: 3},
	}))
	close(release)
	require.NoError(t, <-done)

	// loading, push, fetch result
	require.Len(t, states, 3)
	assert.Equal(t, []string{"C"}, ids(states[1].Items))
	assert.Equal(t, []string{"C", "A", "B"}, ids(states[2].Items))
	assert.False(t, states[2].Loading)
}

func TestConcurrentMutationsNeverInterleave(t *testing.T) {
	transport := &feedtest.Transport{}
	store := newStore(transport)

	var inListener, overlaps int32
	store.Subscribe(func(state feed.State) {
		if atomic.AddInt32(&inListener, 1) > 1 {
			atomic.AddInt32(&overlaps, 1)
		}
		seen := map[string]bool{}
		for _, item := range state.Items {
			if seen[item.Id] {
				atomic.AddInt32(&overlaps, 1)
			}
			seen[item.Id] = true
		}
		atomic.AddInt32(&inListener, -1)
	})

	transport.FetchFunc = func(ctx context.Context, feedId string, opts models.FetchOptions) (*models.FeedResponse, error) {
		entries := make([]models.FeedItem, 0, 10)
		for i := 0; i < 10; i++ {
			entries = append(entries, newItem(fmt.Sprintf("item-%d", i), i))
		}
		return &models.FeedResponse{Entries: entries}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := store.Fetch(context.Background(), models.FetchOptions{})
			assert.NoError(t, err)
		}()
		go func(i int) {
			defer wg.Done()
			item := newItem(fmt.Sprintf("item-%d", i%15), i)
			item.TotalActivities = i
			assert.NoError(t, store.ApplyPushEvent(models.PushEvent{Type: models.ItemUpdated, Item: &item}))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(0), atomic.LoadInt32(&overlaps))
	state := store.State()
	assert.Len(t, lo.Uniq(ids(state.Items)), len(state.Items))
	assert.False(t, state.Loading)
}

func TestApplyPushEvent(t *testing.T) {
	transport := &feedtest.Transport{}
	store := newStore(transport)
	a, _ := loadUnread(t, store, transport)

	require.NoError(t, store.ApplyPushEvent(models.PushEvent{
		Type:   models.CountsUpdated,
		Counts: &models.FeedMetadata{TotalCount: 10, UnreadCount: 6, UnseenCount: 4},
	}))
	assert.Equal(t, 6, store.State().Metadata.UnreadCount)

	readAt := now
	a.ReadAt = &readAt
	require.NoError(t, store.ApplyPushEvent(models.PushEvent{Type: models.ItemUpdated, Item: &a}))
	assert.NotNil(t, store.State().Items[0].ReadAt)

	archived := newItem("Z", 100)
	archived.ArchivedAt = &readAt
	require.NoError(t, store.ApplyPushEvent(models.PushEvent{Type: models.ItemAdded, Item: &archived}))
	assert.Equal(t, []string{"A", "B"}, ids(store.State().Items))

	before := store.State()
	err := store.ApplyPushEvent(models.PushEvent{Type: "item-deleted"})
	assert.ErrorIs(t, err, feed.ErrInvalidEvent)
	err = store.ApplyPushEvent(models.PushEvent{Type: models.ItemAdded})
	assert.ErrorIs(t, err, feed.ErrInvalidEvent)
	assert.Equal(t, before, store.State())
}

func TestSubscribeAndUnsubscribe(t *testing.T) {
	transport := &feedtest.Transport{}
	store := newStore(transport)

	var first, second []feed.State
	unsubscribe := store.Subscribe(func(state feed.State) { first = append(first, state) })
	store.Subscribe(func(state feed.State) { second = append(second, state) })

	require.NoError(t, store.ApplyPushEvent(models.PushEvent{Type: models.CountsUpdated, Counts: &models.FeedMetadata{UnreadCount: 1}}))
	unsubscribe()
	require.NoError(t, store.ApplyPushEvent(models.PushEvent{Type: models.CountsUpdated, Counts: &models.FeedMetadata{UnreadCount: 2}}))

	require.Len(t, first, 1)
	require.Len(t, second, 2)
	assert.Equal(t, 1, first[0].Metadata.UnreadCount)
	assert.Equal(t, 2, second[1].Metadata.UnreadCount)
}
