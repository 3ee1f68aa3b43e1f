package push

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var (
	ErrUnauthorized = errors.New("push handshake unauthorized")
	ErrForbidden    = errors.New("push handshake forbidden")
)

const (
	defaultReadTimeout  = 90 * time.Second
	defaultWriteTimeout = 10 * time.Second
)

// WebsocketDialer subscribes through the authority's stream endpoint,
// {BaseURL}/api/subjects/{id}/stream.
type WebsocketDialer struct {
	BaseURL string
	// Token returns the bearer token for each dial so refreshed tokens are
	// picked up on reconnect.
	Token func() string
	// ReadTimeout bounds the silence tolerated between frames; pongs count.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Dialer       *websocket.Dialer
}

func (d WebsocketDialer) streamURL(subjectID string) (string, error) {
	base, err := url.Parse(strings.TrimRight(d.BaseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("parse stream url: %w", err)
	}
	switch base.Scheme {
	case "http":
		base.Scheme = "ws"
	case "https":
		base.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported stream scheme %q", base.Scheme)
	}
	base.Path = base.Path + "/api/subjects/" + url.PathEscape(subjectID) + "/stream"
	if d.Token != nil {
		if token := d.Token(); token != "" {
			query := base.Query()
			query.Set("token", token)
			base.RawQuery = query.Encode()
		}
	}
	return base.String(), nil
}

func (d WebsocketDialer) Dial(ctx context.Context, subjectID string) (Conn, error) {
	target, err := d.streamURL(subjectID)
	if err != nil {
		return nil, err
	}
	dialer := d.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 15 * time.Second,
		}
	}

	conn, resp, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusUnauthorized:
				return nil, fmt.Errorf("dial stream %s: %w", subjectID, ErrUnauthorized)
			case http.StatusForbidden:
				return nil, fmt.Errorf("dial stream %s: %w", subjectID, ErrForbidden)
			}
			return nil, fmt.Errorf("dial stream %s: status %d: %w", subjectID, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial stream %s: %w", subjectID, err)
	}

	readTimeout := d.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = defaultReadTimeout
	}
	writeTimeout := d.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	ws := &wsConn{conn: conn, readTimeout: readTimeout, writeTimeout: writeTimeout}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})
	return ws, nil
}

type wsConn struct {
	conn         *websocket.Conn
	readTimeout  time.Duration
	writeTimeout time.Duration
	closeOnce    sync.Once
	closeErr     error
}

func (c *wsConn) ReadMessage(ctx context.Context) ([]byte, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := c.conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
			return nil, fmt.Errorf("set read deadline: %w", err)
		}
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, fmt.Errorf("%w: %v", ErrClosed, err)
			}
			return nil, fmt.Errorf("read stream: %w", err)
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		return data, nil
	}
}

func (c *wsConn) Ping(ctx context.Context) error {
	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
		return fmt.Errorf("ping stream: %w", err)
	}
	return nil
}

func (c *wsConn) Close(intentional bool) error {
	c.closeOnce.Do(func() {
		code, reason := websocket.CloseGoingAway, "reconnecting"
		if intentional {
			code, reason = websocket.CloseNormalClosure, "subject closed"
		}
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.writeTimeout))
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
