// Package group keeps the working memory of several robots in lock-step:
// active/passive membership with failover, remember fan-out, and a
// Postgres NOTIFY/LISTEN channel that propagates added/evicted/cleared
// events between processes.
package group

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/robomem/robomem/pkg/core"
)

// Event is a working-memory change broadcast on the group channel.
type Event string

const (
	EventAdded   Event = "added"
	EventEvicted Event = "evicted"
	EventCleared Event = "cleared"
)

// channelPrefix namespaces group channels inside the database.
const channelPrefix = "htm_wm_"

// listenerWait bounds how long the listener blocks before re-checking for
// shutdown.
const listenerWait = 500 * time.Millisecond

// ChannelName builds the notify channel for a group: the prefix plus the
// lowercased group name with every character outside [a-z0-9_] replaced
// by an underscore.
func ChannelName(group string) string {
	var b strings.Builder
	b.WriteString(channelPrefix)
	for _, r := range strings.ToLower(group) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// payload is the JSON wire format of one channel event. NodeID is null for
// cleared events.
type payload struct {
	Event     Event  `json:"event"`
	NodeID    *int64 `json:"node_id"`
	RobotID   int64  `json:"robot_id"`
	Timestamp string `json:"timestamp"`
}

func encodePayload(event Event, nodeID core.NodeID, robotID core.RobotID, now time.Time) ([]byte, error) {
	p := payload{
		Event:     event,
		RobotID:   int64(robotID),
		Timestamp: now.UTC().Format(time.RFC3339),
	}
	if event != EventCleared {
		id := int64(nodeID)
		p.NodeID = &id
	}
	return json.Marshal(p)
}

func decodePayload(data []byte) (Event, core.NodeID, core.RobotID, error) {
	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return "", 0, 0, core.Wrap(core.KindValidation, "group.decodePayload", err)
	}
	switch p.Event {
	case EventAdded, EventEvicted, EventCleared:
	default:
		return "", 0, 0, core.E(core.KindValidation, "group.decodePayload", "unknown event %q", p.Event)
	}
	var nodeID core.NodeID
	if p.NodeID != nil {
		nodeID = core.NodeID(*p.NodeID)
	}
	return p.Event, nodeID, core.RobotID(p.RobotID), nil
}

// ChangeFunc receives one decoded channel event. NodeID is zero for
// cleared events.
type ChangeFunc func(event Event, nodeID core.NodeID, robotID core.RobotID)

// PubSubChannel is a thin pub/sub protocol over a Postgres notify channel.
// Notify uses the shared pool; the listener holds its own dedicated
// connection via pq.Listener, which reconnects on its own after failures.
type PubSubChannel struct {
	name string
	db   *sqlx.DB
	dsn  string
	log  zerolog.Logger

	mu        sync.Mutex
	callbacks []ChangeFunc
	listener  *pq.Listener
	stop      chan struct{}
	done      chan struct{}
}

// NewPubSubChannel binds a channel for the named group. dsn is the
// connection string used by the dedicated listener connection.
func NewPubSubChannel(db *sqlx.DB, dsn, groupName string, log zerolog.Logger) *PubSubChannel {
	name := ChannelName(groupName)
	return &PubSubChannel{
		name: name,
		db:   db,
		dsn:  dsn,
		log:  log.With().Str("channel", name).Logger(),
	}
}

// Name returns the fully qualified channel name.
func (c *PubSubChannel) Name() string { return c.name }

// Notify publishes one event on the channel.
func (c *PubSubChannel) Notify(ctx context.Context, event Event, nodeID core.NodeID, robotID core.RobotID) error {
	const op = "group.PubSubChannel.Notify"

	body, err := encodePayload(event, nodeID, robotID, time.Now())
	if err != nil {
		return core.Wrap(core.KindValidation, op, err)
	}
	if _, err := c.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, c.name, string(body)); err != nil {
		return core.Wrap(core.KindDatabase, op, err)
	}
	return nil
}

// OnChange registers a callback for decoded events. Callbacks run on the
// listener goroutine, one at a time.
func (c *PubSubChannel) OnChange(cb ChangeFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callbacks = append(c.callbacks, cb)
}

// StartListening opens the dedicated connection, issues LISTEN, and starts
// the delivery goroutine. Calling it twice is an error.
func (c *PubSubChannel) StartListening() error {
	const op = "group.PubSubChannel.StartListening"

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listener != nil {
		return core.E(core.KindValidation, op, "already listening on %s", c.name)
	}

	listener := pq.NewListener(c.dsn, time.Second, 30*time.Second,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				c.log.Warn().Err(err).Int("event", int(ev)).Msg("listener connection event")
			}
		})
	if err := listener.Listen(c.name); err != nil {
		listener.Close() //nolint:errcheck
		return core.Wrap(core.KindDatabase, op, err)
	}

	c.listener = listener
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	go c.run(listener, c.stop, c.done)

	c.log.Debug().Msg("listening")
	return nil
}

// StopListening shuts the listener down and waits for the delivery
// goroutine to exit. Safe to call when not listening.
func (c *PubSubChannel) StopListening() {
	c.mu.Lock()
	listener, stop, done := c.listener, c.stop, c.done
	c.listener, c.stop, c.done = nil, nil, nil
	c.mu.Unlock()

	if listener == nil {
		return
	}
	close(stop)
	<-done
	if err := listener.Close(); err != nil {
		c.log.Warn().Err(err).Msg("closing listener")
	}
}

// run delivers notifications until stopped. A nil notification marks a
// reconnect; intervening events may have been lost, which the store-level
// sync operations tolerate.
func (c *PubSubChannel) run(listener *pq.Listener, stop, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-stop:
			return
		case n, ok := <-listener.Notify:
			if !ok {
				return
			}
			if n == nil {
				c.log.Debug().Msg("listener reconnected")
				continue
			}
			c.deliver(n.Extra)
		case <-time.After(listenerWait):
			// Bounded wait so shutdown is never stuck behind a quiet channel.
		}
	}
}

// deliver decodes one raw notification and fans it out. Malformed payloads
// are logged and dropped; the listener keeps running.
func (c *PubSubChannel) deliver(raw string) {
	event, nodeID, robotID, err := decodePayload([]byte(raw))
	if err != nil {
		c.log.Warn().Err(err).Str("payload", raw).Msg("dropping undecodable notification")
		return
	}

	c.mu.Lock()
	callbacks := make([]ChangeFunc, len(c.callbacks))
	copy(callbacks, c.callbacks)
	c.mu.Unlock()

	for _, cb := range callbacks {
		cb(event, nodeID, robotID)
	}
}
