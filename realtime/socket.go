package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/zstd"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"notifeed/feed"
)

var (
	wsConnectionAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notifeed_realtime_connection_attempts_total",
		Help: "The total number of connection attempts to the push socket",
	})

	wsConnectionErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notifeed_realtime_connection_errors_total",
		Help: "The total number of connection errors encountered",
	})

	wsCurrentConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "notifeed_realtime_current_connections",
		Help: "The current number of open push sockets",
	})

	wsConnectionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "notifeed_realtime_connection_duration_seconds",
		Help:    "Duration of push socket connections",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	})

	wsHostSwitches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notifeed_realtime_host_switches_total",
		Help: "Number of times the connection switched to a different host",
	}, []string{"from_host", "to_host"})

	wsMessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notifeed_realtime_messages_received_total",
		Help: "Push socket messages received, by event",
	}, []string{"event"})
)

const (
	wsReadBufferSize  = 64 * 1024
	wsWriteBufferSize = 4 * 1024
	wsReadTimeout     = 60 * time.Second
	wsWriteTimeout    = 10 * time.Second
	wsPingInterval    = 30 * time.Second
)

// Config holds configuration for the push socket
type Config struct {
	// Hosts is a list of websocket endpoints to try in order
	// e.g. ["wss://api.knock.app/ws/v1/websocket"]
	Hosts     []string
	APIKey    string
	UserToken string
	UserAgent string
	// Compress asks for zstd compressed binary frames
	Compress bool
}

type channel struct {
	joinRef string
	handler feed.MessageHandler
	// joined is the connection the topic was last joined on
	joined *websocket.Conn
}

// Socket multiplexes topic subscriptions over one websocket connection. It
// connects in the background on the first Join and reconnects, re-joining
// every topic, until it is closed.
type Socket struct {
	config  Config
	decoder *zstd.Decoder

	ctx    context.Context
	cancel context.CancelFunc
	start  sync.Once
	stop   sync.Once
	done   chan struct{}

	mu       sync.Mutex
	channels map[string]*channel
	conn     *websocket.Conn

	writeMu sync.Mutex
	ref     atomic.Uint64
}

func NewSocket(config Config) (*Socket, error) {
	if len(config.Hosts) == 0 {
		return nil, fmt.Errorf("no hosts provided in config")
	}

	s := &Socket{
		config:   config,
		channels: make(map[string]*channel),
		done:     make(chan struct{}),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	if config.Compress {
		decoder, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
		}
		s.decoder = decoder
	}

	return s, nil
}

func (s *Socket) nextRef() string {
	return strconv.FormatUint(s.ref.Add(1), 10)
}

// Join subscribes handler to topic. The returned function leaves the topic.
func (s *Socket) Join(topic string, handler feed.MessageHandler) (leave func()) {
	s.mu.Lock()
	ch := &channel{joinRef: s.nextRef(), handler: handler}
	s.channels[topic] = ch
	conn := s.conn
	ch.joined = conn
	joinRef := ch.joinRef
	s.mu.Unlock()

	s.start.Do(func() {
		go s.run()
	})

	if conn != nil {
		s.sendJoin(conn, topic, joinRef)
	}

	return func() {
		s.mu.Lock()
		current, ok := s.channels[topic]
		if !ok || current != ch {
			s.mu.Unlock()
			return
		}
		delete(s.channels, topic)
		conn := s.conn
		joinRef := ch.joinRef
		s.mu.Unlock()

		if conn != nil {
			s.write(conn, Message{JoinRef: joinRef, Ref: s.nextRef(), Topic: topic, Event: eventLeave})
		}
	}
}

// Close shuts the connection down and stops reconnecting. Safe to call more than once.
func (s *Socket) Close() {
	s.stop.Do(func() {
		s.cancel()

		s.mu.Lock()
		conn := s.conn
		s.channels = make(map[string]*channel)
		s.mu.Unlock()
		if conn != nil {
			conn.Close()
		}

		started := true
		s.start.Do(func() { started = false })
		if started {
			<-s.done
		}
		if s.decoder != nil {
			s.decoder.Close()
		}
	})
}

func (s *Socket) run() {
	defer close(s.done)

	reconnect := backoff.NewExponentialBackOff()
	reconnect.InitialInterval = 500 * time.Millisecond
	reconnect.MaxInterval = 30 * time.Second
	reconnect.MaxElapsedTime = 0

	for {
		conn, err := s.connect(s.ctx)
		if err != nil {
			return
		}

		connStart := time.Now()
		wsCurrentConnections.Inc()
		s.setConn(conn)
		s.joinAll(conn)

		heartbeatCtx, stopHeartbeat := context.WithCancel(s.ctx)
		go s.heartbeat(heartbeatCtx, conn)

		err = s.readLoop(conn)

		stopHeartbeat()
		s.setConn(nil)
		conn.Close()
		wsCurrentConnections.Dec()
		wsConnectionDuration.Observe(time.Since(connStart).Seconds())

		if s.ctx.Err() != nil {
			return
		}

		if time.Since(connStart) > wsReadTimeout {
			reconnect.Reset()
		}
		delay := reconnect.NextBackOff()
		log.WithFields(log.Fields{
			"error": err,
			"delay": delay,
		}).Warn("Push socket disconnected, reconnecting")

		select {
		case <-s.ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (s *Socket) setConn(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = conn
}

// connect dials the configured hosts until one accepts, switching host after
// every failure and backing off once all hosts have been tried
func (s *Socket) connect(ctx context.Context) (*websocket.Conn, error) {
	log.WithFields(log.Fields{
		"hosts": s.config.Hosts,
	}).Info("Connecting to push socket")

	currentHostIdx := 0

	dialer := websocket.Dialer{
		ReadBufferSize:   wsReadBufferSize,
		WriteBufferSize:  wsWriteBufferSize,
		HandshakeTimeout: 45 * time.Second,
		NetDialContext: (&net.Dialer{
			Timeout:   45 * time.Second,
			KeepAlive: 45 * time.Second,
		}).DialContext,
	}

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = 100 * time.Millisecond
	retry.MaxInterval = 30 * time.Second
	retry.Multiplier = 1.5
	retry.MaxElapsedTime = 0 // Never stop retrying

	hostsTried := 0
	for {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		currentHost := s.config.Hosts[currentHostIdx]
		u, err := s.endpoint(currentHost)
		if err != nil {
			return nil, err
		}

		headers := http.Header{}
		if s.config.UserAgent != "" {
			headers.Set("User-Agent", s.config.UserAgent)
		}
		if s.config.Compress {
			headers.Set("Accept-Encoding", "zstd")
		}

		wsConnectionAttempts.Inc()
		conn, _, dialErr := dialer.DialContext(ctx, u, headers)
		if dialErr == nil {
			setupConnectionHandlers(conn)
			log.WithField("host", currentHost).Info("Connected to push socket")
			return conn, nil
		}

		wsConnectionErrors.Inc()
		log.Errorf("Error connecting to push socket %s: %s", currentHost, dialErr)
		hostsTried++

		if len(s.config.Hosts) > 1 && hostsTried < len(s.config.Hosts) {
			nextHostIdx := (currentHostIdx + 1) % len(s.config.Hosts)
			wsHostSwitches.WithLabelValues(currentHost, s.config.Hosts[nextHostIdx]).Inc()
			log.Infof("Switching from host %s to %s", currentHost, s.config.Hosts[nextHostIdx])
			currentHostIdx = nextHostIdx
			continue
		}

		// Every host failed, wait before starting over
		hostsTried = 0
		currentHostIdx = (currentHostIdx + 1) % len(s.config.Hosts)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retry.NextBackOff()):
		}
	}
}

func (s *Socket) endpoint(host string) (string, error) {
	u, err := url.Parse(host)
	if err != nil {
		return "", fmt.Errorf("failed to parse URL: %w", err)
	}

	q := u.Query()
	q.Set("vsn", protocolVersion)
	q.Set("api_key", s.config.APIKey)
	if s.config.UserToken != "" {
		q.Set("user_token", s.config.UserToken)
	}
	if s.config.Compress {
		q.Set("compress", "true")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// setupConnectionHandlers configures the websocket connection handlers
func setupConnectionHandlers(conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(wsReadTimeout))

	conn.SetCloseHandler(func(code int, text string) error {
		log.Infof("Push socket closed with code %d: %s", code, text)
		return nil
	})

	conn.SetPingHandler(func(appData string) error {
		log.Debug("Received ping from server")
		if err := conn.SetReadDeadline(time.Now().Add(wsReadTimeout)); err != nil {
			return err
		}
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(wsWriteTimeout))
	})

	conn.SetPongHandler(func(appData string) error {
		log.Debug("Received pong from server")
		return conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})
}

// heartbeat keeps the channel alive. A failed write closes the connection so
// the read loop ends and run reconnects.
func (s *Socket) heartbeat(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			log.Debug("Sending heartbeat")
			if err := s.write(conn, Message{Ref: s.nextRef(), Topic: topicPhoenix, Event: eventHeartbeat}); err != nil {
				log.Warn("Heartbeat failed, closing connection for restart: ", err)
				wsConnectionErrors.Inc()
				conn.Close()
				return
			}
		}
	}
}

func (s *Socket) write(conn *websocket.Conn, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode %s frame: %w", msg.Event, err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Socket) sendJoin(conn *websocket.Conn, topic string, joinRef string) {
	err := s.write(conn, Message{JoinRef: joinRef, Ref: joinRef, Topic: topic, Event: eventJoin})
	if err != nil {
		log.WithFields(log.Fields{"topic": topic, "error": err}).Warn("Failed to join topic")
		return
	}
	log.WithField("topic", topic).Debug("Joined topic")
}

// joinAll joins every registered topic not yet joined on conn, used after
// each (re)connect
func (s *Socket) joinAll(conn *websocket.Conn) {
	s.mu.Lock()
	joins := make(map[string]string, len(s.channels))
	for topic, ch := range s.channels {
		if ch.joined == conn {
			continue
		}
		ch.joined = conn
		ch.joinRef = s.nextRef()
		joins[topic] = ch.joinRef
	}
	s.mu.Unlock()

	for topic, joinRef := range joins {
		s.sendJoin(conn, topic, joinRef)
	}
}

func (s *Socket) readLoop(conn *websocket.Conn) error {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Errorf("Unexpected push socket close: %v", err)
			}
			if !errors.Is(s.ctx.Err(), context.Canceled) {
				wsConnectionErrors.Inc()
			}
			return err
		}

		if err := conn.SetReadDeadline(time.Now().Add(wsReadTimeout)); err != nil {
			return err
		}

		if messageType == websocket.BinaryMessage && s.decoder != nil {
			data, err = s.decoder.DecodeAll(data, nil)
			if err != nil {
				log.Errorf("Failed to decompress push message: %v", err)
				continue
			}
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Errorf("Failed to decode push message: %v", err)
			continue
		}
		s.dispatch(msg)
	}
}

func (s *Socket) dispatch(msg Message) {
	wsMessagesReceived.WithLabelValues(msg.Event).Inc()

	switch msg.Event {
	case eventReply:
		var reply replyPayload
		if err := json.Unmarshal(msg.Payload, &reply); err == nil && reply.Status != "ok" {
			log.WithFields(log.Fields{
				"topic":    msg.Topic,
				"status":   reply.Status,
				"response": string(reply.Response),
			}).Warn("Push socket request rejected")
		}
		return
	case eventError, eventClose:
		log.WithFields(log.Fields{"topic": msg.Topic, "event": msg.Event}).Warn("Push channel closed by server")
		return
	}

	s.mu.Lock()
	ch, ok := s.channels[msg.Topic]
	s.mu.Unlock()
	if !ok {
		log.WithFields(log.Fields{"topic": msg.Topic, "event": msg.Event}).Debug("Message for unknown topic")
		return
	}

	ch.handler(msg.Event, msg.Payload)
}

var _ feed.PushChannel = (*Socket)(nil)
