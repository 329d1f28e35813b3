package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"notifeed/feed"
	"notifeed/models"
)

const (
	DefaultHost      = "https://api.knock.app"
	DefaultUserAgent = "notifeed"

	requestTimeout  = 30 * time.Second
	maxErrorBodyLen = 512
)

// Credentials identify the user the feeds are read for
type Credentials struct {
	APIKey    string
	UserId    string
	UserToken string
	Host      string
}

// Client talks to the feed REST API
type Client struct {
	host      string
	creds     Credentials
	http      *http.Client
	userAgent string
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.http = httpClient
	}
}

func WithUserAgent(userAgent string) Option {
	return func(c *Client) {
		c.userAgent = userAgent
	}
}

func New(creds Credentials, opts ...Option) *Client {
	host := creds.Host
	if host == "" {
		host = DefaultHost
	}

	c := &Client{
		host:      strings.TrimSuffix(host, "/"),
		creds:     creds,
		http:      &http.Client{Timeout: requestTimeout},
		userAgent: DefaultUserAgent,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Host() string {
	return c.host
}

// FetchFeed reads one page of a user's feed
func (c *Client) FetchFeed(ctx context.Context, feedId string, opts models.FetchOptions) (*models.FeedResponse, error) {
	q := url.Values{}
	if opts.Status != "" {
		q.Set("status", string(opts.Status))
	}
	if opts.PageSize > 0 {
		q.Set("page_size", strconv.Itoa(opts.PageSize))
	}
	if opts.After != "" {
		q.Set("after", opts.After)
	}
	if opts.Before != "" {
		q.Set("before", opts.Before)
	}

	path := fmt.Sprintf("/v1/users/%s/feeds/%s", url.PathEscape(c.creds.UserId), url.PathEscape(feedId))

	var resp models.FeedResponse
	if err := c.do(ctx, "fetch feed", http.MethodGet, path, q, nil, &resp); err != nil {
		return nil, err
	}
	if resp.Entries == nil {
		resp.Entries = []models.FeedItem{}
	}
	return &resp, nil
}

type batchRequest struct {
	MessageIds []string `json:"message_ids"`
}

// UpdateItems applies action to the given items and returns them as stored on the server
func (c *Client) UpdateItems(ctx context.Context, action models.ItemAction, itemIds []string) ([]models.FeedItem, error) {
	var items []models.FeedItem
	path := "/v1/messages/batch/" + url.PathEscape(string(action))
	if err := c.do(ctx, "mark items "+string(action), http.MethodPost, path, nil, batchRequest{MessageIds: itemIds}, &items); err != nil {
		return nil, err
	}
	return items, nil
}

func (c *Client) do(ctx context.Context, op string, method string, path string, query url.Values, body interface{}, out interface{}) error {
	u := c.host + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode %s request: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.creds.APIKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if c.creds.UserToken != "" {
		req.Header.Set("X-Knock-User-Token", c.creds.UserToken)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return &feed.NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	log.WithFields(log.Fields{
		"method":  method,
		"path":    path,
		"status":  resp.StatusCode,
		"latency": time.Since(start),
	}).Debug("Feed API request")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyLen))
		return &feed.NetworkError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("%s", strings.TrimSpace(string(msg))),
		}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &feed.NetworkError{Op: op, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	return nil
}

var _ feed.Transport = (*Client)(nil)
