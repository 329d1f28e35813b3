package realtime

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

const (
	socketPath      = "/ws/v1/websocket"
	protocolVersion = "2.0.0"

	eventJoin      = "phx_join"
	eventLeave     = "phx_leave"
	eventReply     = "phx_reply"
	eventError     = "phx_error"
	eventClose     = "phx_close"
	eventHeartbeat = "heartbeat"
	topicPhoenix   = "phoenix"
)

// Message is a phoenix v2 frame, serialized as
// [join_ref, ref, topic, event, payload]
type Message struct {
	JoinRef string
	Ref     string
	Topic   string
	Event   string
	Payload json.RawMessage
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func (m Message) MarshalJSON() ([]byte, error) {
	payload := m.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	return json.Marshal([]interface{}{nullable(m.JoinRef), nullable(m.Ref), m.Topic, m.Event, payload})
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("frame is not an array: %w", err)
	}
	if len(parts) != 5 {
		return fmt.Errorf("frame has %d elements, expected 5", len(parts))
	}

	var joinRef, ref *string
	if err := json.Unmarshal(parts[0], &joinRef); err != nil {
		return fmt.Errorf("invalid join ref: %w", err)
	}
	if err := json.Unmarshal(parts[1], &ref); err != nil {
		return fmt.Errorf("invalid ref: %w", err)
	}
	if err := json.Unmarshal(parts[2], &m.Topic); err != nil {
		return fmt.Errorf("invalid topic: %w", err)
	}
	if err := json.Unmarshal(parts[3], &m.Event); err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}

	if joinRef != nil {
		m.JoinRef = *joinRef
	}
	if ref != nil {
		m.Ref = *ref
	}
	m.Payload = parts[4]
	return nil
}

type replyPayload struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

// SocketURL turns an API host into the websocket endpoint of the push channel
func SocketURL(host string) (string, error) {
	u, err := url.Parse(strings.TrimSuffix(host, "/"))
	if err != nil {
		return "", fmt.Errorf("failed to parse host: %w", err)
	}

	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported host scheme %q", u.Scheme)
	}

	u.Path = u.Path + socketPath
	return u.String(), nil
}
