package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// SubscriptionQuery is the GraphQL subscription issued against the feed.
const SubscriptionQuery = `
subscription ($query: String!, $cursor: String, $limit: Int64, $low: Int64,
              $high: Int64, $irrev: Boolean, $interval: Uint32) {
    searchTransactionsForward(
                query: $query, lowBlockNum: $low, highBlockNum: $high,
                limit: $limit, cursor: $cursor, irreversibleOnly: $irrev,
                liveMarkerInterval: $interval) {
        undo
        cursor
        irreversibleBlockNum
        block {
            num
            id
            timestamp
            previous
        }
        trace {
            id
            status
            matchingActions {
                seq
                receiver
                account
                name
                json
            }
        }
    }
}`

// graphql-ws (subscriptions-transport-ws) frame types.
const (
	gqlConnectionInit      = "connection_init"
	gqlConnectionAck       = "connection_ack"
	gqlConnectionError     = "connection_error"
	gqlConnectionTerminate = "connection_terminate"
	gqlKeepAlive           = "ka"
	gqlStart               = "start"
	gqlStop                = "stop"
	gqlData                = "data"
	gqlError               = "error"
	gqlComplete            = "complete"
)

const operationID = "1"

// DfuseConfig configures the websocket subscriber.
type DfuseConfig struct {
	Network          string        // host or ws(s)/http(s) URL of the GraphQL endpoint
	HandshakeTimeout time.Duration // default 30s
	MaxPayload       int64         // default 10 MiB
}

// DfuseSubscriber opens graphql-ws subscriptions over gorilla/websocket.
type DfuseSubscriber struct {
	cfg    DfuseConfig
	tokens oauth2.TokenSource
	dialer *websocket.Dialer
	logger *zap.Logger
}

// NewDfuseSubscriber creates a subscriber. tokens may be nil for endpoints
// that do not require authentication.
func NewDfuseSubscriber(cfg DfuseConfig, tokens oauth2.TokenSource, logger *zap.Logger) *DfuseSubscriber {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 30 * time.Second
	}
	if cfg.MaxPayload <= 0 {
		cfg.MaxPayload = 10 << 20
	}
	return &DfuseSubscriber{
		cfg:    cfg,
		tokens: tokens,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
			Subprotocols:     []string{"graphql-ws"},
		},
		logger: logger,
	}
}

type gqlFrame struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Subscribe implements Subscriber. It returns once the server has
// acknowledged the connection and the subscription has been started.
func (s *DfuseSubscriber) Subscribe(ctx context.Context, req Request) (Stream, error) {
	token, err := s.token()
	if err != nil {
		return nil, err
	}

	wsURL, err := graphqlURL(s.cfg.Network, token)
	if err != nil {
		return nil, fmt.Errorf("build graphql url: %w", err)
	}

	conn, _, err := s.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", redact(wsURL), err)
	}
	conn.SetReadLimit(s.cfg.MaxPayload)

	if err := s.handshake(ctx, conn, token, req); err != nil {
		conn.Close() //nolint:errcheck
		return nil, err
	}

	return &wsStream{conn: conn, logger: s.logger}, nil
}

func (s *DfuseSubscriber) token() (string, error) {
	if s.tokens == nil {
		return "", nil
	}
	tok, err := s.tokens.Token()
	if err != nil {
		return "", fmt.Errorf("feed auth: %w", err)
	}
	return tok.AccessToken, nil
}

func (s *DfuseSubscriber) handshake(ctx context.Context, conn *websocket.Conn, token string, req Request) error {
	deadline := time.Now().Add(s.cfg.HandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)
	_ = conn.SetWriteDeadline(deadline)
	defer func() {
		_ = conn.SetReadDeadline(time.Time{})
		_ = conn.SetWriteDeadline(time.Time{})
	}()
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
		_ = conn.SetWriteDeadline(time.Now())
	})
	defer stop()

	initPayload := map[string]any{}
	if token != "" {
		initPayload["Authorization"] = "Bearer " + token
	}
	if err := writeFrame(conn, "", gqlConnectionInit, initPayload); err != nil {
		return handshakeErr(ctx, "send connection_init", err)
	}

	for {
		var f gqlFrame
		if err := conn.ReadJSON(&f); err != nil {
			return handshakeErr(ctx, "await connection_ack", err)
		}
		switch f.Type {
		case gqlConnectionAck:
			start := map[string]any{
				"query":     SubscriptionQuery,
				"variables": req.variables(),
			}
			if err := writeFrame(conn, operationID, gqlStart, start); err != nil {
				return handshakeErr(ctx, "send start", err)
			}
			return nil
		case gqlConnectionError:
			return fmt.Errorf("connection rejected: %s", string(f.Payload))
		case gqlKeepAlive:
		default:
			s.logger.Debug("unexpected frame during handshake", zap.String("type", f.Type))
		}
	}
}

// handshakeErr reports ctx's error in place of the deadline error it caused.
func handshakeErr(ctx context.Context, stage string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = ctxErr
	}
	return fmt.Errorf("%s: %w", stage, err)
}

func writeFrame(conn *websocket.Conn, id, typ string, payload any) error {
	f := gqlFrame{ID: id, Type: typ}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		f.Payload = raw
	}
	return conn.WriteJSON(f)
}

// graphqlURL derives the websocket GraphQL endpoint from a network setting.
func graphqlURL(network, token string) (string, error) {
	if !strings.Contains(network, "://") {
		network = "wss://" + network
	}
	parsed, err := url.Parse(network)
	if err != nil {
		return "", err
	}
	switch parsed.Scheme {
	case "https", "wss":
		parsed.Scheme = "wss"
	case "http", "ws":
		parsed.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported scheme %q", parsed.Scheme)
	}
	if parsed.Path == "" || parsed.Path == "/" {
		parsed.Path = "/graphql"
	}
	if token != "" {
		q := parsed.Query()
		q.Set("token", token)
		parsed.RawQuery = q.Encode()
	}
	return parsed.String(), nil
}

// redact strips the query string, which may carry the access token.
func redact(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		return raw[:i]
	}
	return raw
}

type dataPayload struct {
	Data *struct {
		SearchTransactionsForward *Record `json:"searchTransactionsForward"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// wsStream is a single graphql-ws operation on its own connection.
type wsStream struct {
	conn   *websocket.Conn
	logger *zap.Logger

	closeOnce sync.Once
	closeErr  error
}

// Recv implements Stream.
func (s *wsStream) Recv(ctx context.Context) (*Message, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = s.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		var f gqlFrame
		if err := s.conn.ReadJSON(&f); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("read frame: %w", err)
		}

		switch f.Type {
		case gqlKeepAlive, gqlConnectionAck:
			continue
		case gqlData:
			var p dataPayload
			if err := json.Unmarshal(f.Payload, &p); err != nil {
				return nil, fmt.Errorf("decode data frame: %w", err)
			}
			if p.Data == nil || p.Data.SearchTransactionsForward == nil {
				msgs := make([]string, 0, len(p.Errors))
				for _, e := range p.Errors {
					msgs = append(msgs, e.Message)
				}
				return &Message{Type: MessageError, Err: fmt.Errorf("graphql: %s", strings.Join(msgs, "; "))}, nil
			}
			return &Message{Type: MessageData, Record: p.Data.SearchTransactionsForward}, nil
		case gqlError, gqlConnectionError:
			return &Message{Type: MessageError, Err: fmt.Errorf("graphql %s: %s", f.Type, string(f.Payload))}, nil
		case gqlComplete:
			return &Message{Type: MessageComplete}, nil
		default:
			s.logger.Debug("ignoring graphql-ws frame", zap.String("type", f.Type))
		}
	}
}

// Mark implements Stream. It is a no-op: graphql-ws has no acknowledgement
// frame, and the caller resumes by passing its last cursor to Subscribe.
func (s *wsStream) Mark(string) {}

// Close implements Stream. It stops the operation, terminates the session and
// closes the socket. Subsequent calls return the first result.
func (s *wsStream) Close() error {
	s.closeOnce.Do(func() {
		_ = s.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = writeFrame(s.conn, operationID, gqlStop, nil)
		_ = writeFrame(s.conn, "", gqlConnectionTerminate, nil)
		_ = s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		if err := s.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.closeErr = err
		}
	})
	return s.closeErr
}
