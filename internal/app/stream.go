package app

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"ticketdesk/threads/internal/util"
)

const (
	streamWriteWait = 10 * time.Second
	streamReadLimit = 4 << 10
)

func (s *HTTPServer) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
}

func (s *HTTPServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || s.corsOrigin == "*" {
		return true
	}
	if origin == s.corsOrigin {
		return true
	}
	u, err := url.Parse(origin)
	return err == nil && u.Host == r.Host
}

// handleStream subscribes before upgrading so an unavailable broker still
// answers with a plain HTTP error. Once upgraded it sends
// connection_established, then forwards broker payloads and pings on an
// interval until either side goes away.
func (s *HTTPServer) handleStream(w http.ResponseWriter, r *http.Request, session Session, subjectID string) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub, err := s.service.Subscribe(ctx, session, subjectID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	defer sub.Close()

	upgrader := s.upgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.logger.Debug().Err(err).Str("subject", subjectID).Msg("app: stream upgrade failed")
		return
	}
	defer conn.Close()

	connectionID := util.NewID("conn")
	log := s.logger.With().Str("subject", subjectID).Str("connection", connectionID).Str("user", session.UserName).Logger()
	log.Info().Msg("app: stream opened")
	defer log.Info().Msg("app: stream closed")

	hello, err := connectionEstablished(subjectID, connectionID, time.Now())
	if err != nil {
		log.Error().Err(err).Msg("app: encode connection_established")
		return
	}
	if err := writeFrame(conn, websocket.TextMessage, hello); err != nil {
		return
	}

	// The reader only drains control frames; clients send nothing else.
	readTimeout := 2 * s.pingInterval
	conn.SetReadLimit(streamReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		}
	}()

	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server closing")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(streamWriteWait))
			return
		case payload, ok := <-sub.Messages():
			if !ok {
				msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "broker closed")
				_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(streamWriteWait))
				return
			}
			if err := writeFrame(conn, websocket.TextMessage, payload); err != nil {
				log.Debug().Err(err).Msg("app: stream write failed")
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				log.Debug().Err(err).Msg("app: stream ping failed")
				return
			}
		}
	}
}

func writeFrame(conn *websocket.Conn, kind int, payload []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(streamWriteWait)); err != nil {
		return err
	}
	return conn.WriteMessage(kind, payload)
}
