package reload

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Send pings to peer with this period.
	pingPeriod = 54 * time.Second

	// Maximum message size allowed from peer.
	maxMessageSize = 512

	sendBuffer = 16
)

// ErrSlowClient is returned when a client's send queue is full.
var ErrSlowClient = errors.New("client send queue full")

// wsClient is a browser connected over a websocket.
type wsClient struct {
	id        string
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newWSClient(conn *websocket.Conn) *wsClient {
	return &wsClient{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
}

func (c *wsClient) ID() string { return c.id }

// Send queues payload for the write pump. It never blocks on the network.
func (c *wsClient) Send(_ context.Context, payload []byte) error {
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}

	select {
	case c.send <- payload:
		return nil
	case <-c.done:
		return ErrClientClosed
	default:
		return ErrSlowClient
	}
}

func (c *wsClient) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// writePump pumps messages to the websocket connection
func (c *wsClient) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		select {
		case <-c.done:
			return
		case <-ctx.Done():
			return
		case message := <-c.send:
			writeCtx, cancel := context.WithTimeout(ctx, writeWait)
			err := c.conn.Write(writeCtx, websocket.MessageText, message)
			cancel()
			if err != nil {
				c.Close()
				return
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, writeWait)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				c.Close()
				return
			}
		}
	}
}

// readPump drains the connection until the peer goes away. Clients never
// send anything meaningful; reading is what notices the disconnect.
func (c *wsClient) readPump(ctx context.Context) error {
	c.conn.SetReadLimit(maxMessageSize)
	for {
		if _, _, err := c.conn.Read(ctx); err != nil {
			return err
		}
	}
}

// Handler upgrades requests to websockets and registers them as clients.
// originPatterns are host patterns (path.Match syntax) accepted in addition
// to the request's own host.
func (n *Notifier) Handler(originPatterns ...string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: originPatterns,
		})
		if err != nil {
			// Accept has already written the error response.
			n.logger.Debug(r.Context(), "WebSocket upgrade rejected", "error", err.Error(), "origin", r.Header.Get("Origin"))
			return
		}

		client := newWSClient(conn)
		if !n.Register(client) {
			conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go client.writePump(ctx)

		err = client.readPump(ctx)
		switch websocket.CloseStatus(err) {
		case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		default:
			n.logger.Debug(ctx, "WebSocket closed", "client", client.ID(), "error", err.Error())
		}
		n.Unregister(client)
	})
}
