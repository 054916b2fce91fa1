package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tbourn/go-chat-mirror/internal/config"
)

// Socket is one open gateway transport. Read blocks until a text frame
// arrives; once the peer closes it returns a *CloseError.
type Socket interface {
	Read() ([]byte, error)
	Write(b []byte) error
	Close(code int, reason string) error
}

// Dialer opens sockets.
type Dialer interface {
	Dial(ctx context.Context, url string) (Socket, error)
}

// WebsocketDialer dials the gateway over gorilla/websocket.
type WebsocketDialer struct {
	dialer       websocket.Dialer
	writeTimeout time.Duration
	readLimit    int64
}

// NewWebsocketDialer builds a dialer from the gateway settings.
func NewWebsocketDialer(cfg config.GatewayConfig) *WebsocketDialer {
	return &WebsocketDialer{
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.DialTimeout,
		},
		writeTimeout: cfg.WriteTimeout,
		readLimit:    cfg.ReadLimit,
	}
}

// Dial implements Dialer.
func (d *WebsocketDialer) Dial(ctx context.Context, url string) (Socket, error) {
	conn, resp, err := d.dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	if d.readLimit > 0 {
		conn.SetReadLimit(d.readLimit)
	}
	return &wsSocket{conn: conn, writeTimeout: d.writeTimeout}, nil
}

type wsSocket struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

func (s *wsSocket) Read() ([]byte, error) {
	for {
		kind, b, err := s.conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return nil, &CloseError{Code: ce.Code, Reason: ce.Text}
			}
			return nil, &CloseError{Code: CloseAbnormal, Reason: err.Error()}
		}
		if kind == websocket.TextMessage {
			return b, nil
		}
	}
}

func (s *wsSocket) Write(b []byte) error {
	if s.writeTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	return s.conn.WriteMessage(websocket.TextMessage, b)
}

func (s *wsSocket) Close(code int, reason string) error {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return s.conn.Close()
}
