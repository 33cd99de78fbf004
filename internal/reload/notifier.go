// Package reload keeps the set of live browser clients of one worker and
// pushes a message to each of them whenever a watched file changes.
package reload

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/conneroisu/wildcat/internal/logging"
	"github.com/conneroisu/wildcat/internal/watcher"
)

// ErrClientClosed is returned when sending to a client that has gone away.
var ErrClientClosed = errors.New("client closed")

// Message is pushed to every live client on a change.
type Message struct {
	Type      string       `json:"type"`
	Path      string       `json:"path"`
	Kind      watcher.Kind `json:"kind"`
	Timestamp int64        `json:"timestamp"`
}

// Client is one open notification channel.
type Client interface {
	ID() string
	Send(ctx context.Context, payload []byte) error
	Close()
}

// Notifier broadcasts reload messages to registered clients. Safe for
// concurrent use; registration during a broadcast takes effect from the
// next broadcast on.
type Notifier struct {
	clients map[Client]struct{}
	mutex   sync.RWMutex
	closed  bool
	logger  logging.Logger
	now     func() time.Time
}

// New creates a notifier with no clients.
func New(logger logging.Logger) *Notifier {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Notifier{
		clients: make(map[Client]struct{}),
		logger:  logger.WithComponent("reload"),
		now:     time.Now,
	}
}

// Register adds c. A closed notifier closes c immediately and reports false.
func (n *Notifier) Register(c Client) bool {
	n.mutex.Lock()
	if n.closed {
		n.mutex.Unlock()
		c.Close()
		return false
	}
	n.clients[c] = struct{}{}
	count := len(n.clients)
	n.mutex.Unlock()

	n.logger.Debug(context.Background(), "Client connected", "client", c.ID(), "total", count)
	return true
}

// Unregister removes and closes c. Unknown clients are ignored.
func (n *Notifier) Unregister(c Client) {
	n.mutex.Lock()
	_, ok := n.clients[c]
	delete(n.clients, c)
	count := len(n.clients)
	n.mutex.Unlock()

	if ok {
		c.Close()
		n.logger.Debug(context.Background(), "Client disconnected", "client", c.ID(), "total", count)
	}
}

// Broadcast sends a reload message for event to every client registered at
// the time of the call. Clients whose send fails are dropped without retry.
// It returns the number of clients the message was delivered to.
func (n *Notifier) Broadcast(ctx context.Context, event watcher.Event) int {
	payload, err := json.Marshal(Message{
		Type:      "reload",
		Path:      event.Path,
		Kind:      event.Kind,
		Timestamp: n.now().Unix(),
	})
	if err != nil {
		n.logger.Error(ctx, err, "Failed to encode reload message")
		return 0
	}

	n.mutex.RLock()
	snapshot := make([]Client, 0, len(n.clients))
	for c := range n.clients {
		snapshot = append(snapshot, c)
	}
	n.mutex.RUnlock()

	delivered := 0
	var failed []Client
	for _, c := range snapshot {
		if err := c.Send(ctx, payload); err != nil {
			failed = append(failed, c)
			continue
		}
		delivered++
	}

	// Clean up failed clients outside the read lock
	for _, c := range failed {
		n.Unregister(c)
	}
	if len(failed) > 0 {
		n.logger.Debug(ctx, "Dropped unreachable clients", "count", len(failed))
	}

	return delivered
}

// Len returns the number of registered clients.
func (n *Notifier) Len() int {
	n.mutex.RLock()
	defer n.mutex.RUnlock()
	return len(n.clients)
}

// Close disconnects every client and rejects later registrations.
func (n *Notifier) Close() {
	n.mutex.Lock()
	clients := n.clients
	n.clients = make(map[Client]struct{})
	n.closed = true
	n.mutex.Unlock()

	for c := range clients {
		c.Close()
	}
}
