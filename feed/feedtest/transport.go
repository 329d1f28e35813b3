// Package feedtest provides in-memory fakes for the feed transport and push channel
package feedtest

import (
	"context"
	"encoding/json"
	"sync"

	"notifeed/models"
)

// FetchCall records one FetchFeed call
type FetchCall struct {
	FeedId string
	Opts   models.FetchOptions
}

// UpdateCall records one UpdateItems call
type UpdateCall struct {
	Action  models.ItemAction
	ItemIds []string
}

// Transport is a programmable fake. Without handlers it returns an empty page
// and no updated items, so optimistic changes stand unconfirmed.
type Transport struct {
	mu          sync.Mutex
	FetchFunc   func(ctx context.Context, feedId string, opts models.FetchOptions) (*models.FeedResponse, error)
	UpdateFunc  func(ctx context.Context, action models.ItemAction, itemIds []string) ([]models.FeedItem, error)
	fetchCalls  []FetchCall
	updateCalls []UpdateCall
}

func (t *Transport) FetchFeed(ctx context.Context, feedId string, opts models.FetchOptions) (*models.FeedResponse, error) {
	t.mu.Lock()
	t.fetchCalls = append(t.fetchCalls, FetchCall{FeedId: feedId, Opts: opts})
	fn := t.FetchFunc
	t.mu.Unlock()

	if fn == nil {
		return &models.FeedResponse{}, nil
	}
	return fn(ctx, feedId, opts)
}

func (t *Transport) UpdateItems(ctx context.Context, action models.ItemAction, itemIds []string) ([]models.FeedItem, error) {
	t.mu.Lock()
	t.updateCalls = append(t.updateCalls, UpdateCall{Action: action, ItemIds: itemIds})
	fn := t.UpdateFunc
	t.mu.Unlock()

	if fn == nil {
		return nil, nil
	}
	return fn(ctx, action, itemIds)
}

func (t *Transport) FetchCalls() []FetchCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]FetchCall(nil), t.fetchCalls...)
}

func (t *Transport) UpdateCalls() []UpdateCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]UpdateCall(nil), t.updateCalls...)
}

// PushChannel hands joined handlers back to the test so it can deliver events
type PushChannel struct {
	mu       sync.Mutex
	handlers map[string]func(event string, payload json.RawMessage)
	joins    int
}

func NewPushChannel() *PushChannel {
	return &PushChannel{handlers: make(map[string]func(string, json.RawMessage))}
}

func (p *PushChannel) Join(topic string, handler func(event string, payload json.RawMessage)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[topic] = handler
	p.joins++

	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.handlers, topic)
	}
}

// Deliver sends an event to the handler joined on topic, reporting whether one was
func (p *PushChannel) Deliver(topic string, event string, payload interface{}) bool {
	p.mu.Lock()
	handler, ok := p.handlers[topic]
	p.mu.Unlock()
	if !ok {
		return false
	}

	data, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	handler(event, data)
	return true
}

func (p *PushChannel) Joined(topic string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.handlers[topic]
	return ok
}

func (p *PushChannel) Joins() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.joins
}
