package server

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"

	"notifeed/cell"
	"notifeed/feed"
	"notifeed/models"
	"notifeed/provider"
)

var httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "notifeed_http_requests_total",
	Help: "Relay server requests, by method, route and status",
}, []string{"method", "route", "status"})

type ServerConfig struct {

	// The provider whose feed is served
	Provider *provider.Provider

	// Broadcast channels to pass feed state to SSE clients
	Broadcaster *Broadcaster

	// Origins allowed to call the API, e.g. http://localhost:3001
	AllowOrigins string

	// Clock for cell timestamps, defaults to time.Now
	Now func() time.Time
}

// FeedView is the JSON form of a feed state
type FeedView struct {
	Status   models.FilterStatus `json:"status"`
	Meta     models.FeedMetadata `json:"meta"`
	PageInfo models.PageInfo     `json:"page_info"`
	Loading  bool                `json:"loading"`
	Error    string              `json:"error,omitempty"`
	Cells    []cell.Cell         `json:"cells"`
}

func newFeedView(state feed.State, now time.Time) FeedView {
	view := FeedView{
		Status:   state.Status,
		Meta:     state.Metadata,
		PageInfo: state.PageInfo,
		Loading:  state.Loading,
		Cells:    cell.Cells(state.Items, now),
	}
	if state.Err != nil {
		view.Error = state.Err.Error()
	}
	return view
}

type statusRequest struct {
	Status string `json:"status"`
}

// errorStatus maps feed errors to HTTP status codes
func errorStatus(err error) int {
	var netErr *feed.NetworkError
	switch {
	case errors.Is(err, feed.ErrSessionClosed):
		return fiber.StatusServiceUnavailable
	case errors.Is(err, feed.ErrNoMorePages):
		return fiber.StatusConflict
	case errors.As(err, &netErr):
		return fiber.StatusBadGateway
	default:
		return fiber.StatusInternalServerError
	}
}

func sendError(c *fiber.Ctx, err error) error {
	status := errorStatus(err)
	log.WithFields(log.Fields{
		"route":  c.Route().Path,
		"status": status,
		"error":  err,
	}).Warn("Request failed")
	return c.Status(status).JSON(fiber.Map{"error": err.Error()})
}

// Returns a fiber.App relaying the provider's feed over HTTP
func Server(config *ServerConfig) *fiber.App {

	bc := config.Broadcaster
	p := config.Provider
	now := config.Now
	if now == nil {
		now = time.Now
	}

	// The broadcaster follows the feed across re-authentication
	p.Subscribe(bc.BroadcastState)

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})

	// Middleware to track the latency of each request
	app.Use(func(c *fiber.Ctx) error {
		start := time.Now()

		err := c.Next()

		log.WithFields(log.Fields{
			"method":  c.Method(),
			"route":   c.Route().Path,
			"latency": time.Since(start),
		}).Info("Request")
		httpRequests.WithLabelValues(c.Method(), c.Route().Path, strconv.Itoa(c.Response().StatusCode())).Inc()
		return err
	})

	app.Use(requestid.New(requestid.Config{
		Generator: func() string {
			return uuid.New().String()
		},
	}))
	app.Use(compress.New(compress.Config{
		Next: func(c *fiber.Ctx) bool {
			// Compression buffers the stream
			return strings.HasSuffix(c.Path(), "/sse")
		},
	}))

	if config.AllowOrigins != "" {
		app.Use(cors.New(cors.Config{
			AllowOrigins:     config.AllowOrigins,
			AllowHeaders:     "Cache-Control, Content-Type",
			AllowCredentials: true,
		}))
	}

	app.Get("/health", func(c *fiber.Ctx) error {
		if p.Session().Closed() {
			return c.Status(fiber.StatusServiceUnavailable).SendString("closed")
		}
		return c.SendString("OK")
	})

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	api := app.Group("/api")

	api.Get("/feed", func(c *fiber.Ctx) error {
		return c.JSON(newFeedView(p.Feed().State(), now()))
	})

	api.Put("/feed/status", func(c *fiber.Ctx) error {
		var req statusRequest
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid body"})
		}
		status, err := models.ParseFilterStatus(req.Status)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}

		log.WithFields(log.Fields{
			"status": status,
		}).Info("Set feed status")

		if err := p.SetStatus(c.UserContext(), status); err != nil {
			return sendError(c, err)
		}
		return c.JSON(newFeedView(p.Feed().State(), now()))
	})

	api.Post("/feed/next", func(c *fiber.Ctx) error {
		if _, err := p.Feed().FetchNextPage(c.UserContext()); err != nil {
			return sendError(c, err)
		}
		return c.JSON(newFeedView(p.Feed().State(), now()))
	})

	api.Post("/feed/read-all", func(c *fiber.Ctx) error {
		items, err := p.Feed().MarkAllAsRead(c.UserContext())
		if err != nil {
			return sendError(c, err)
		}
		return c.JSON(fiber.Map{"items": lo.Ternary(items == nil, []models.FeedItem{}, items)})
	})

	api.Post("/items/:id/:action", func(c *fiber.Ctx) error {
		action, err := models.ParseItemAction(c.Params("action"))
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}

		sub := p.Feed()
		id := c.Params("id")
		item, ok := lo.Find(sub.State().Items, func(item models.FeedItem) bool {
			return item.Id == id
		})
		if !ok {
			item = models.FeedItem{Id: id}
		}

		items, err := sub.UpdateItems(c.UserContext(), action, []models.FeedItem{item})
		if err != nil {
			return sendError(c, err)
		}
		return c.JSON(fiber.Map{"items": items})
	})

	api.Delete("/feed/sse", func(c *fiber.Ctx) error {
		key := c.Query("key", "")
		bc.RemoveClient(key)
		return c.Status(200).SendString("OK")
	})

	api.Get("/feed/sse", func(c *fiber.Ctx) error {
		c.Set("Content-Type", "text/event-stream")
		c.Set("Cache-Control", "no-cache")
		c.Set("Connection", "keep-alive")
		c.Set("Transfer-Encoding", "chunked")

		// Unique client key
		key := uuid.New().String()
		stateChannel := make(chan feed.State, 10) // Buffered channel
		aliveChan := time.NewTicker(5 * time.Second)

		bc.AddClient(key, stateChannel)
		initial := p.Feed().State()

		cleanup := func() {
			log.Infof("Cleaning up SSE stream for client: %s", key)
			aliveChan.Stop()
			bc.RemoveClient(key)
		}

		c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
			defer cleanup()

			fmt.Fprintf(w, "event: init\ndata: %s\n\n", key)
			if err := writeState(w, initial, now()); err != nil {
				log.Errorf("Failed to send initial state to client %s: %v", key, err)
				return
			}

			for {
				select {
				case <-aliveChan.C:
					// Send keep-alive pings
					if _, err := fmt.Fprintf(w, "event: ping\ndata: \n\n"); err != nil {
						log.Warnf("Failed to send ping to client %s: %v", key, err)
						return
					}
					if err := w.Flush(); err != nil {
						log.Warnf("Failed to flush ping for client %s: %v", key, err)
						return
					}

				case state, ok := <-stateChannel:
					if !ok {
						log.Infof("State channel closed for client %s", key)
						return
					}
					if err := writeState(w, state, now()); err != nil {
						log.Warnf("Failed to send state event to client %s: %v", key, err)
						return
					}
				}
			}
		}))

		return nil
	})

	return app
}

func writeState(w *bufio.Writer, state feed.State, now time.Time) error {
	data, err := json.Marshal(newFeedView(state, now))
	if err != nil {
		return fmt.Errorf("error marshalling state: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: state\ndata: %s\n\n", data); err != nil {
		return err
	}
	return w.Flush()
}
