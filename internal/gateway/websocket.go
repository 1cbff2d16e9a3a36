package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tradewire/terminal-api/internal/marketdata"
	"github.com/tradewire/terminal-api/internal/types"
	"github.com/tradewire/terminal-api/pkg/middleware"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 50 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The JWT middleware already authenticated the upgrade request.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// clientFrame is an inbound websocket message.
type clientFrame struct {
	Type    string   `json:"type"`
	Symbols []string `json:"symbols,omitempty"`
}

// serverFrame is an outbound websocket message.
type serverFrame struct {
	Type  string                 `json:"type"`
	Tick  *types.MarketDataPoint `json:"tick,omitempty"`
	Event *types.OrderEvent      `json:"event,omitempty"`
}

// StreamHandler upgrades to a websocket and streams ticks and order
// events. Clients steer the tick feed with subscribe and unsubscribe
// frames; order events for the authenticated user always flow.
func (h *GinHandlers) StreamHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.UserID(c)

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Warn().
				Str("component", "stream").
				Str("user_id", userID).
				Err(err).
				Msg("websocket upgrade failed")
			return
		}

		sub := h.gateway.SubscribeStream(userID)
		defer h.gateway.UnsubscribeStream(sub.ID)

		logger := log.With().
			Str("component", "stream").
			Str("user_id", userID).
			Str("subscriber_id", sub.ID).
			Logger()
		logger.Info().Msg("stream connected")

		done := make(chan struct{})
		go readLoop(conn, sub, done, logger)
		writeLoop(conn, sub, done)
		logger.Info().Int64("dropped_ticks", sub.Dropped()).Msg("stream closed")
	}
}

// readLoop consumes client control frames until the connection dies.
func readLoop(conn *websocket.Conn, sub *marketdata.Subscriber, done chan struct{}, logger zerolog.Logger) {
	defer close(done)

	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			logger.Debug().Err(err).Msg("malformed stream frame")
			continue
		}

		switch frame.Type {
		case "subscribe":
			sub.Watch(frame.Symbols...)
		case "unsubscribe":
			sub.Unwatch(frame.Symbols...)
		default:
			logger.Debug().Str("type", frame.Type).Msg("unknown stream frame type")
		}
	}
}

// writeLoop pushes ticks, order events and protocol pings to the client.
func writeLoop(conn *websocket.Conn, sub *marketdata.Subscriber, done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case <-done:
			return

		case tick := <-sub.Ticks():
			if err := writeFrame(conn, serverFrame{Type: "tick", Tick: &tick}); err != nil {
				return
			}

		case ev := <-sub.Events():
			if err := writeFrame(conn, serverFrame{Type: "order_event", Event: &ev}); err != nil {
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func writeFrame(conn *websocket.Conn, frame serverFrame) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(frame)
}
