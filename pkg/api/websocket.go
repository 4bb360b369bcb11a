package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/memeperp/memeperp/pkg/broadcast"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	writeWait  = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// CORS is handled by the main server.
		return true
	},
}

// wsClient ties one WebSocket connection to one bus subscription. The
// connection controls its topic set with subscribe/unsubscribe frames;
// envelopes flow from the bus subscription straight onto the socket.
type wsClient struct {
	srv  *Server
	conn *websocket.Conn
	sub  *broadcast.Subscription
	id   string
}

// handleWebSocket upgrades the connection and starts the pumps.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnw("ws_upgrade_failed", "err", err)
		return
	}

	c := &wsClient{
		srv:  s,
		conn: conn,
		sub:  s.deps.Bus.Subscribe(),
		id:   conn.RemoteAddr().String(),
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.WSConnectionsActive.Inc()
	}
	s.log.Infow("ws_connected", "client", c.id)

	go c.writePump()
	go c.readPump()
}

// readPump handles subscription control frames until the connection drops.
func (c *wsClient) readPump() {
	defer func() {
		c.sub.Close()
		c.conn.Close()
		if c.srv.deps.Metrics != nil {
			c.srv.deps.Metrics.WSConnectionsActive.Dec()
		}
		c.srv.log.Infow("ws_disconnected", "client", c.id, "gaps", c.sub.Gaps())
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.srv.log.Warnw("ws_read_error", "client", c.id, "err", err)
			}
			return
		}

		var req WSRequest
		if err := json.Unmarshal(message, &req); err != nil {
			c.srv.log.Debugw("ws_bad_frame", "client", c.id, "err", err)
			continue
		}

		switch req.Op {
		case "subscribe":
			for _, topic := range req.Topics {
				c.sub.Add(topic)
				if c.srv.deps.Metrics != nil {
					c.srv.deps.Metrics.WSSubscriptions.WithLabelValues(topicKind(topic)).Inc()
				}
			}
		case "unsubscribe":
			for _, topic := range req.Topics {
				c.sub.Remove(topic)
				if c.srv.deps.Metrics != nil {
					c.srv.deps.Metrics.WSSubscriptions.WithLabelValues(topicKind(topic)).Dec()
				}
			}
		default:
			c.srv.log.Debugw("ws_unknown_op", "client", c.id, "op", req.Op)
		}
	}
}

// writePump forwards bus envelopes onto the socket and keeps the
// connection alive with pings.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case env, ok := <-c.sub.C():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			data, err := json.Marshal(env)
			if err != nil {
				c.srv.log.Errorw("ws_marshal_error", "topic", env.Topic, "err", err)
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
			if c.srv.deps.Metrics != nil {
				c.srv.deps.Metrics.WSMessagesTotal.WithLabelValues(topicKind(env.Topic)).Inc()
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// topicKind strips the variable suffix ("book:0xabc.." -> "book") so
// metric label cardinality stays bounded.
func topicKind(topic string) string {
	for i := 0; i < len(topic); i++ {
		if topic[i] == ':' {
			return topic[:i]
		}
	}
	return topic
}
