package mirror

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Tyrowin/chatrelay/internal/chat"
)

const (
	writeWait    = 10 * time.Second
	closeTimeout = time.Second
)

// Conn is the client end of a relay WebSocket. Run feeds every received event
// into a Mirror.
type Conn struct {
	ws  *websocket.Conn
	log *zap.Logger

	writeMu sync.Mutex
}

// Dial opens an authenticated connection to the relay's /ws endpoint.
// baseURL is the relay's HTTP address, for example http://localhost:8080.
func Dial(ctx context.Context, baseURL, token string, log *zap.Logger) (*Conn, error) {
	if log == nil {
		log = zap.NewNop()
	}

	wsURL, err := websocketURL(baseURL)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("%w: %s", chat.ErrAuthentication, resp.Status)
		}
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}

	return &Conn{ws: ws, log: log.Named("conn")}, nil
}

func websocketURL(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse relay url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported relay url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String(), nil
}

// Send writes one inbound event.
func (c *Conn) Send(ev chat.Inbound) error {
	raw, err := chat.EncodeInbound(ev)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, raw)
}

// Run reads until the connection ends or ctx is cancelled, applying each
// event to m. onEvent, when set, observes every event after it is applied.
// A normal close from either side returns nil.
func (c *Conn) Run(ctx context.Context, m *Mirror, onEvent func(chat.Outbound)) error {
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	for {
		_, frame, err := c.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}

		for _, line := range bytes.Split(frame, []byte{'\n'}) {
			line = bytes.TrimSpace(line)
			if len(line) == 0 {
				continue
			}
			ev, err := chat.DecodeOutbound(line)
			if err != nil {
				c.log.Warn("skipping undecodable event", zap.Error(err))
				continue
			}
			m.Apply(ev)
			if onEvent != nil {
				onEvent(ev)
			}
		}
	}
}

// Close sends a normal close frame and releases the connection.
func (c *Conn) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(closeTimeout))
	c.writeMu.Unlock()
	return c.ws.Close()
}

// HTTPHistory fetches conversation history from the relay's /history
// endpoint.
type HTTPHistory struct {
	BaseURL string
	Token   string
	Limit   int
	Client  *http.Client
}

// History implements HistoryFetcher.
func (h *HTTPHistory) History(ctx context.Context, target chat.Target) ([]*chat.Message, error) {
	q := url.Values{}
	if target.IsRoom() {
		q.Set("roomId", target.RoomID())
	} else {
		q.Set("receiverId", target.ReceiverID())
	}
	if h.Limit > 0 {
		q.Set("limit", strconv.Itoa(h.Limit))
	}

	endpoint := strings.TrimSuffix(h.BaseURL, "/") + "/history?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+h.Token)

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch history: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return nil, fmt.Errorf("%w: %s", chat.ErrAuthentication, resp.Status)
	default:
		return nil, fmt.Errorf("fetch history: unexpected status %s", resp.Status)
	}

	var msgs []*chat.Message
	if err := json.NewDecoder(resp.Body).Decode(&msgs); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	return msgs, nil
}
