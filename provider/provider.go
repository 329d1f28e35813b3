package provider

import (
	"context"
	"fmt"
	"sync"

	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"

	"notifeed/client"
	"notifeed/feed"
	"notifeed/models"
	"notifeed/session"
)

// Config selects the user and the feed a provider serves
type Config struct {
	APIKey    string
	UserId    string
	UserToken string
	Host      string
	FeedId    string
	Status    models.FilterStatus
}

func (c Config) Credentials() client.Credentials {
	return client.Credentials{
		APIKey:    c.APIKey,
		UserId:    c.UserId,
		UserToken: c.UserToken,
		Host:      c.Host,
	}
}

// Provider owns one session and one feed of it, tracks the active filter and
// survives re-authentication. Listeners registered on the provider follow the
// feed across session swaps.
type Provider struct {
	feedId string
	opts   []session.Option

	mu          sync.RWMutex
	session     *session.Session
	sub         *feed.Subscription
	unsubscribe func()
	status      models.FilterStatus
	started     context.Context

	listenersMu  sync.Mutex
	listeners    map[int]feed.Listener
	nextListener int
}

// New opens the session and subscribes to the configured feed. Nothing is
// fetched until Start.
func New(cfg Config, opts ...session.Option) (*Provider, error) {
	status := cfg.Status
	if status == "" {
		status = models.StatusAll
	}

	p := &Provider{
		feedId:    cfg.FeedId,
		opts:      opts,
		status:    status,
		listeners: make(map[int]feed.Listener),
	}

	s, sub, err := p.open(cfg.Credentials())
	if err != nil {
		return nil, err
	}
	p.session = s
	p.sub = sub
	p.unsubscribe = sub.Subscribe(p.broadcast)
	return p, nil
}

func (p *Provider) open(creds client.Credentials) (*session.Session, *feed.Subscription, error) {
	s, err := session.Open(creds, p.opts...)
	if err != nil {
		return nil, nil, err
	}

	sub, err := s.Feed(p.feedId)
	if err != nil {
		s.Teardown()
		return nil, nil, err
	}
	return s, sub, nil
}

// start listens for updates and loads the first page for status
func start(ctx context.Context, sub *feed.Subscription, status models.FilterStatus) error {
	if err := sub.ListenForUpdates(ctx); err != nil {
		return err
	}

	var err error
	if sub.State().Status != status {
		_, err = sub.SetFilterStatus(ctx, status)
	} else {
		_, err = sub.Fetch(ctx, models.FetchOptions{Status: status})
	}
	return err
}

// Start joins the push channel and runs the initial fetch for the current status
func (p *Provider) Start(ctx context.Context) error {
	p.mu.Lock()
	p.started = ctx
	sub := p.sub
	status := p.status
	p.mu.Unlock()

	if err := start(ctx, sub, status); err != nil {
		return fmt.Errorf("failed to start feed %s: %w", p.feedId, err)
	}

	log.WithFields(log.Fields{
		"feed":   p.feedId,
		"status": status,
	}).Info("Feed provider started")
	return nil
}

// SetStatus changes the active filter and refetches
func (p *Provider) SetStatus(ctx context.Context, status models.FilterStatus) error {
	p.mu.Lock()
	p.status = status
	sub := p.sub
	p.mu.Unlock()

	_, err := sub.SetFilterStatus(ctx, status)
	return err
}

func (p *Provider) Status() models.FilterStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

func (p *Provider) Feed() *feed.Subscription {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sub
}

func (p *Provider) Session() *session.Session {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.session
}

// Subscribe registers a listener on the current feed and every feed that
// replaces it after Authenticate
func (p *Provider) Subscribe(listener feed.Listener) (unsubscribe func()) {
	p.listenersMu.Lock()
	defer p.listenersMu.Unlock()

	id := p.nextListener
	p.nextListener++
	p.listeners[id] = listener

	return func() {
		p.listenersMu.Lock()
		defer p.listenersMu.Unlock()
		delete(p.listeners, id)
	}
}

func (p *Provider) broadcast(state feed.State) {
	p.listenersMu.Lock()
	listeners := lo.Values(p.listeners)
	p.listenersMu.Unlock()

	for _, listener := range listeners {
		listener(state)
	}
}

// Authenticate replaces the session. The new session is opened, and started
// when the provider was, before it is swapped in and the old one torn down.
// On error the current session stays active.
func (p *Provider) Authenticate(creds client.Credentials) error {
	s, sub, err := p.open(creds)
	if err != nil {
		return err
	}

	p.mu.RLock()
	ctx := p.started
	status := p.status
	p.mu.RUnlock()

	if ctx != nil {
		if err := start(ctx, sub, status); err != nil {
			s.Teardown()
			return fmt.Errorf("failed to start feed %s: %w", p.feedId, err)
		}
	}

	p.mu.Lock()
	old := p.session
	oldUnsubscribe := p.unsubscribe
	p.session = s
	p.sub = sub
	p.unsubscribe = sub.Subscribe(p.broadcast)
	p.mu.Unlock()

	oldUnsubscribe()
	old.Teardown()

	log.WithFields(log.Fields{
		"feed": p.feedId,
		"user": s.UserId(),
	}).Info("Feed provider re-authenticated")

	// Push the new feed's state to listeners that only saw the old one
	p.broadcast(sub.State())
	return nil
}

// Close tears the session down
func (p *Provider) Close() {
	p.mu.RLock()
	s := p.session
	p.mu.RUnlock()
	s.Teardown()
}
