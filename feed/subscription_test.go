package feed_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notifeed/feed"
	"notifeed/feed/feedtest"
	"notifeed/models"
)

func TestSubscriptionMergesPushedEvents(t *testing.T) {
	transport := &feedtest.Transport{}
	push := feedtest.NewPushChannel()
	sub := feed.NewSubscription("feed1", "user1", transport, push)

	assert.Equal(t, "feeds:feed1:user1", sub.Topic())
	require.NoError(t, sub.ListenForUpdates(context.Background()))
	require.NoError(t, sub.ListenForUpdates(context.Background()))
	assert.Equal(t, 1, push.Joins())

	c := newItem("C", 30)
	require.True(t, push.Deliver(sub.Topic(), "item-added", map[string]interface{}{
		"item":   c,
		"counts": models.FeedMetadata{TotalCount: 1, UnreadCount: 1, UnseenCount: 1},
	}))

	state := sub.State()
	assert.Equal(t, []string{"C"}, ids(state.Items))
	assert.Equal(t, 1, state.Metadata.UnreadCount)

	// Unknown events and malformed payloads leave the store alone
	push.Deliver(sub.Topic(), "presence_diff", map[string]interface{}{})
	push.Deliver(sub.Topic(), "item-added", map[string]interface{}{})
	assert.Equal(t, state, sub.State())
}

func TestSubscriptionRefetchesOnNewMessage(t *testing.T) {
	transport := &feedtest.Transport{}
	transport.FetchFunc = func(ctx context.Context, feedId string, opts models.FetchOptions) (*models.FeedResponse, error) {
		return &models.FeedResponse{
			Entries: []models.FeedItem{newItem("N", 40)},
			Meta:    models.FeedMetadata{TotalCount: 1, UnreadCount: 1},
		}, nil
	}
	push := feedtest.NewPushChannel()
	sub := feed.NewSubscription("feed1", "user1", transport, push)
	require.NoError(t, sub.ListenForUpdates(context.Background()))

	push.Deliver(sub.Topic(), feed.EventNewMessage, map[string]interface{}{
		"metadata": models.FeedMetadata{TotalCount: 1, UnreadCount: 7},
	})

	require.Eventually(t, func() bool {
		return len(transport.FetchCalls()) == 1 && !sub.State().Loading
	}, time.Second, 10*time.Millisecond)

	state := sub.State()
	assert.Equal(t, []string{"N"}, ids(state.Items))
	assert.Equal(t, 1, state.Metadata.UnreadCount)
}

func TestSubscriptionCloseLeavesTopic(t *testing.T) {
	transport := &feedtest.Transport{}
	push := feedtest.NewPushChannel()
	sub := feed.NewSubscription("feed1", "user1", transport, push)
	require.NoError(t, sub.ListenForUpdates(context.Background()))
	require.True(t, push.Joined(sub.Topic()))

	sub.Close()
	sub.Close()

	assert.False(t, push.Joined(sub.Topic()))
	assert.ErrorIs(t, sub.ListenForUpdates(context.Background()), feed.ErrSessionClosed)
	_, err := sub.Fetch(context.Background(), models.FetchOptions{})
	assert.ErrorIs(t, err, feed.ErrSessionClosed)
}
