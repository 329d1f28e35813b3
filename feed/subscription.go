package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"notifeed/models"
)

// EventNewMessage is the backend's summary event, it carries counts but no item
const EventNewMessage = "new-message"

// Subscription binds the store of one feed to its transport and push channel.
// It is created and torn down by its session.
type Subscription struct {
	*Store

	feedId string
	topic  string
	push   PushChannel

	mu        sync.Mutex
	listenCtx context.Context
	leave     func()
}

func NewSubscription(feedId string, userId string, transport Transport, push PushChannel, opts ...StoreOption) *Subscription {
	return &Subscription{
		Store:  NewStore(feedId, transport, opts...),
		feedId: feedId,
		topic:  fmt.Sprintf("feeds:%s:%s", feedId, userId),
		push:   push,
	}
}

func (s *Subscription) FeedId() string {
	return s.feedId
}

func (s *Subscription) Topic() string {
	return s.topic
}

// ListenForUpdates joins the feed topic on the push channel. Events are merged
// into the store until the subscription is closed. Calling it again is a no-op.
func (s *Subscription) ListenForUpdates(ctx context.Context) error {
	if s.Closed() {
		return ErrSessionClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.leave != nil {
		return nil
	}
	if s.push == nil {
		log.WithField("feed", s.feedId).Warn("No push channel configured, not listening for updates")
		return nil
	}

	s.listenCtx = ctx
	s.leave = s.push.Join(s.topic, s.handleMessage)
	log.WithFields(log.Fields{
		"feed":  s.feedId,
		"topic": s.topic,
	}).Info("Listening for feed updates")
	return nil
}

type pushPayload struct {
	Item     *models.FeedItem     `json:"item"`
	Counts   *models.FeedMetadata `json:"counts"`
	Metadata *models.FeedMetadata `json:"metadata"`
}

func (s *Subscription) handleMessage(event string, payload json.RawMessage) {
	var p pushPayload
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &p); err != nil {
			log.WithFields(log.Fields{
				"feed":  s.feedId,
				"event": event,
				"error": err,
			}).Error("Failed to decode push payload")
			return
		}
	}

	var err error
	switch models.PushEventType(event) {
	case models.ItemAdded, models.ItemUpdated, models.CountsUpdated:
		err = s.ApplyPushEvent(models.PushEvent{
			Type:   models.PushEventType(event),
			Item:   p.Item,
			Counts: p.Counts,
		})
	default:
		if event != EventNewMessage {
			log.WithFields(log.Fields{"feed": s.feedId, "event": event}).Debug("Ignoring push event")
			return
		}

		counts := p.Metadata
		if counts == nil {
			counts = p.Counts
		}
		if counts != nil {
			err = s.ApplyPushEvent(models.PushEvent{Type: models.CountsUpdated, Counts: counts})
		}
		if err == nil {
			go s.refetch()
		}
	}

	if err != nil {
		entry := log.WithFields(log.Fields{"feed": s.feedId, "event": event, "error": err})
		if errors.Is(err, ErrSessionClosed) {
			entry.Debug("Dropping push event for closed feed")
		} else {
			entry.Error("Failed to apply push event")
		}
	}
}

// refetch reloads the first page for the active filter
func (s *Subscription) refetch() {
	s.mu.Lock()
	ctx := s.listenCtx
	s.mu.Unlock()

	if _, err := s.Fetch(ctx, models.FetchOptions{}); err != nil && !errors.Is(err, ErrSessionClosed) {
		log.WithFields(log.Fields{"feed": s.feedId, "error": err}).Warn("Refetch after new message failed")
	}
}

// Close leaves the feed topic and makes the store inert
func (s *Subscription) Close() {
	s.mu.Lock()
	leave := s.leave
	s.leave = nil
	s.mu.Unlock()

	if leave != nil {
		leave()
	}
	s.Store.Close()
}
