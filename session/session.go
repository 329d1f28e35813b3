package session

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"notifeed/client"
	"notifeed/feed"
	"notifeed/realtime"
)

var (
	ErrAuthConfig    = errors.New("api key and user id are required")
	ErrInvalidFeedID = errors.New("feed id must not be empty")
)

// Session is one authenticated user and the feed subscriptions opened for it.
// All subscriptions share the session's transport and push socket.
type Session struct {
	creds     client.Credentials
	transport feed.Transport
	push      feed.PushChannel
	socket    *realtime.Socket
	storeOpts []feed.StoreOption

	mu     sync.Mutex
	feeds  map[string]*feed.Subscription
	closed bool
}

type options struct {
	transport  feed.Transport
	push       feed.PushChannel
	httpClient *http.Client
	userAgent  string
	compress   bool
	storeOpts  []feed.StoreOption
}

type Option func(*options)

// WithTransport replaces the REST client
func WithTransport(transport feed.Transport) Option {
	return func(o *options) {
		o.transport = transport
	}
}

// WithPushChannel replaces the websocket push socket
func WithPushChannel(push feed.PushChannel) Option {
	return func(o *options) {
		o.push = push
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(o *options) {
		o.httpClient = httpClient
	}
}

func WithUserAgent(userAgent string) Option {
	return func(o *options) {
		o.userAgent = userAgent
	}
}

// WithCompression asks the push socket for zstd compressed frames
func WithCompression(compress bool) Option {
	return func(o *options) {
		o.compress = compress
	}
}

// WithStoreOptions are passed to the store of every subscription
func WithStoreOptions(opts ...feed.StoreOption) Option {
	return func(o *options) {
		o.storeOpts = append(o.storeOpts, opts...)
	}
}

// Open validates the credentials and prepares the transport and push socket.
// It does not touch the network; the socket connects on the first join.
func Open(creds client.Credentials, opts ...Option) (*Session, error) {
	creds.APIKey = strings.TrimSpace(creds.APIKey)
	creds.UserId = strings.TrimSpace(creds.UserId)
	if creds.APIKey == "" || creds.UserId == "" {
		return nil, ErrAuthConfig
	}
	if creds.Host == "" {
		creds.Host = client.DefaultHost
	}

	o := &options{userAgent: client.DefaultUserAgent}
	for _, opt := range opts {
		opt(o)
	}

	s := &Session{
		creds:     creds,
		transport: o.transport,
		push:      o.push,
		storeOpts: o.storeOpts,
		feeds:     make(map[string]*feed.Subscription),
	}

	if s.transport == nil {
		clientOpts := []client.Option{client.WithUserAgent(o.userAgent)}
		if o.httpClient != nil {
			clientOpts = append(clientOpts, client.WithHTTPClient(o.httpClient))
		}
		s.transport = client.New(creds, clientOpts...)
	}

	if s.push == nil {
		socketURL, err := realtime.SocketURL(creds.Host)
		if err != nil {
			return nil, fmt.Errorf("invalid host %q: %w", creds.Host, err)
		}
		socket, err := realtime.NewSocket(realtime.Config{
			Hosts:     []string{socketURL},
			APIKey:    creds.APIKey,
			UserToken: creds.UserToken,
			UserAgent: o.userAgent,
			Compress:  o.compress,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create push socket: %w", err)
		}
		s.socket = socket
		s.push = socket
	}

	log.WithFields(log.Fields{
		"user": creds.UserId,
		"host": creds.Host,
	}).Info("Opened feed session")

	return s, nil
}

func (s *Session) UserId() string {
	return s.creds.UserId
}

func (s *Session) Host() string {
	return s.creds.Host
}

// Feed returns the subscription for feedId, creating it on first use
func (s *Session) Feed(feedId string) (*feed.Subscription, error) {
	feedId = strings.TrimSpace(feedId)
	if feedId == "" {
		return nil, ErrInvalidFeedID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, feed.ErrSessionClosed
	}

	if sub, ok := s.feeds[feedId]; ok {
		return sub, nil
	}

	sub := feed.NewSubscription(feedId, s.creds.UserId, s.transport, s.push, s.storeOpts...)
	s.feeds[feedId] = sub
	log.WithFields(log.Fields{
		"user": s.creds.UserId,
		"feed": feedId,
	}).Debug("Created feed subscription")
	return sub, nil
}

// Teardown closes every subscription and the push socket. Safe to call more than once.
func (s *Session) Teardown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	feeds := s.feeds
	s.feeds = make(map[string]*feed.Subscription)
	s.mu.Unlock()

	for _, sub := range feeds {
		sub.Close()
	}
	if s.socket != nil {
		s.socket.Close()
	}

	log.WithFields(log.Fields{
		"user":  s.creds.UserId,
		"feeds": len(feeds),
	}).Info("Tore down feed session")
}

func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
