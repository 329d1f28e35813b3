package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"

	"notifeed/models"
)

var (
	storeMutations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notifeed_store_mutations_total",
		Help: "The total number of mutations applied to feed stores",
	}, []string{"source"})

	storeFetchErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notifeed_store_fetch_errors_total",
		Help: "The total number of failed feed fetches",
	})

	storeConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notifeed_store_reconciliation_conflicts_total",
		Help: "Optimistic item updates contradicted by the server",
	})
)

// errUnchanged lets a mutation finish without publishing a new state
var errUnchanged = errors.New("state unchanged")

// State is an immutable snapshot of a feed store
type State struct {
	Items    []models.FeedItem
	Metadata models.FeedMetadata
	PageInfo models.PageInfo
	Status   models.FilterStatus
	Loading  bool
	Err      error
}

// Listener is called synchronously after every mutation with the new state.
// It must not call mutating store operations inline, schedule them instead.
type Listener func(State)

type listenerEntry struct {
	id       int
	listener Listener
}

type StoreOption func(*Store)

// WithClock replaces the clock used for optimistic timestamps
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		s.now = now
	}
}

// WithPageSize sets the page size used when fetch options leave it empty
func WithPageSize(size int) StoreOption {
	return func(s *Store) {
		s.pageSize = size
	}
}

// Store holds the observable state of one feed. All mutations, whether they
// come from fetch results, item commands or push events, go through apply and
// run one at a time.
type Store struct {
	feedId    string
	transport Transport
	now       func() time.Time
	pageSize  int

	mu      sync.Mutex
	closed  bool
	pending int
	// metaGen counts authoritative metadata replacements
	metaGen uint64
	state   atomic.Pointer[State]

	listenersMu  sync.Mutex
	listeners    []listenerEntry
	nextListener int
}

func NewStore(feedId string, transport Transport, opts ...StoreOption) *Store {
	s := &Store{
		feedId:    feedId,
		transport: transport,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.state.Store(&State{Status: models.StatusAll})
	return s
}

// State returns the latest snapshot
func (s *Store) State() State {
	return *s.state.Load()
}

// Subscribe registers a listener and returns the function removing it
func (s *Store) Subscribe(listener Listener) (unsubscribe func()) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()

	id := s.nextListener
	s.nextListener++
	s.listeners = append(s.listeners, listenerEntry{id: id, listener: listener})

	return func() {
		s.listenersMu.Lock()
		defer s.listenersMu.Unlock()
		s.listeners = lo.Reject(s.listeners, func(entry listenerEntry, _ int) bool {
			return entry.id == id
		})
	}
}

func (s *Store) notify(state State) {
	s.listenersMu.Lock()
	listeners := make([]listenerEntry, len(s.listeners))
	copy(listeners, s.listeners)
	s.listenersMu.Unlock()

	for _, entry := range listeners {
		entry.listener(state)
	}
}

// apply runs fn against the current state and publishes the result. A
// mutation returning an error is rejected as a whole and nothing is published.
func (s *Store) apply(source string, fn func(State) (State, error)) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return State{}, ErrSessionClosed
	}

	current := *s.state.Load()
	next, err := fn(current)
	if errors.Is(err, errUnchanged) {
		return current, nil
	}
	if err != nil {
		return current, err
	}

	s.state.Store(&next)
	storeMutations.WithLabelValues(source).Inc()
	s.notify(next)
	return next, nil
}

// Close discards every later mutation and drops all listeners
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true

	s.listenersMu.Lock()
	s.listeners = nil
	s.listenersMu.Unlock()
}

func (s *Store) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Fetch reads a page of the feed and merges it into the store. Failures are
// recorded in the state and returned, the loaded items are left untouched.
func (s *Store) Fetch(ctx context.Context, opts models.FetchOptions) (*models.FeedResponse, error) {
	if opts.PageSize == 0 {
		opts.PageSize = s.pageSize
	}

	_, err := s.apply("fetch", func(st State) (State, error) {
		if opts.Status == "" {
			opts.Status = st.Status
		}
		s.pending++
		st.Loading = true
		return st, nil
	})
	if err != nil {
		return nil, err
	}

	resp, err := s.transport.FetchFeed(ctx, s.feedId, opts)
	if err != nil {
		err = asNetworkError("fetch feed", err)
		storeFetchErrors.Inc()
		log.WithFields(log.Fields{
			"feed":   s.feedId,
			"status": opts.Status,
			"error":  err,
		}).Warn("Failed to fetch feed")

		if _, applyErr := s.apply("fetch", func(st State) (State, error) {
			s.pending--
			st.Loading = s.pending > 0
			if opts.Status == st.Status {
				st.Err = err
			}
			return st, nil
		}); applyErr != nil {
			return nil, applyErr
		}
		return nil, err
	}

	_, err = s.apply("fetch", func(st State) (State, error) {
		s.pending--
		st.Loading = s.pending > 0

		// The filter moved on while this page was in flight
		if opts.Status != st.Status {
			return st, nil
		}

		existing := st.Items
		if opts.FirstPage() {
			existing = filterStatus(existing, opts.Status)
		}
		st.Items = mergeItems(existing, resp.Entries)
		st.Metadata = resp.Meta
		s.metaGen++
		st.PageInfo = resp.PageInfo
		st.Err = nil
		return st, nil
	})
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"feed":    s.feedId,
		"status":  opts.Status,
		"entries": len(resp.Entries),
		"unread":  resp.Meta.UnreadCount,
	}).Debug("Fetched feed page")

	return resp, nil
}

// FetchNextPage fetches the page after the last loaded one
func (s *Store) FetchNextPage(ctx context.Context) (*models.FeedResponse, error) {
	if s.Closed() {
		return nil, ErrSessionClosed
	}

	st := s.State()
	if st.PageInfo.After == "" {
		return nil, ErrNoMorePages
	}

	return s.Fetch(ctx, models.FetchOptions{
		Status:   st.Status,
		After:    st.PageInfo.After,
		PageSize: st.PageInfo.PageSize,
	})
}

// SetFilterStatus switches the active filter and refetches from the start.
// The loaded items stay visible until the new page arrives.
func (s *Store) SetFilterStatus(ctx context.Context, status models.FilterStatus) (*models.FeedResponse, error) {
	_, err := s.apply("status", func(st State) (State, error) {
		if st.Status == status {
			return st, errUnchanged
		}
		st.Status = status
		return st, nil
	})
	if err != nil {
		return nil, err
	}

	return s.Fetch(ctx, models.FetchOptions{Status: status})
}

// ApplyPushEvent merges a server pushed item or count update
func (s *Store) ApplyPushEvent(evt models.PushEvent) error {
	_, err := s.apply("push", func(st State) (State, error) {
		switch evt.Type {
		case models.ItemAdded, models.ItemUpdated:
			if evt.Item == nil {
				return st, fmt.Errorf("%w: %s without item", ErrInvalidEvent, evt.Type)
			}
			_, present := findItem(st.Items, evt.Item.Id)
			if !present && !st.Status.Matches(*evt.Item) && evt.Counts == nil {
				return st, errUnchanged
			}
			if present || st.Status.Matches(*evt.Item) {
				st.Items = mergeItems(st.Items, []models.FeedItem{*evt.Item})
			}
			if evt.Counts != nil {
				st.Metadata = *evt.Counts
				s.metaGen++
			}
		case models.CountsUpdated:
			if evt.Counts == nil {
				return st, fmt.Errorf("%w: %s without counts", ErrInvalidEvent, evt.Type)
			}
			st.Metadata = *evt.Counts
			s.metaGen++
		default:
			return st, fmt.Errorf("%w: %q", ErrInvalidEvent, evt.Type)
		}
		return st, nil
	})
	return err
}
