// Package delivery implements the per-connection post protocol: an initial
// status snapshot, paginated history on request, and live ledger events.
package delivery

import (
	"context"
	"fmt"
	"sync"

	"github.com/jmerrifield20/freetalk/internal/posts"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Conn is a bidirectional message connection. *websocket.Conn satisfies it.
// ReadJSON is only called from one goroutine and WriteJSON calls are
// serialised by the Connection.
type Conn interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	Close() error
}

// Ledger is the read side of the post ledger.
type Ledger interface {
	Status() posts.Status
	Read(dir posts.Direction, anchor, count int) (posts.Status, []posts.IndexedPost)
	Subscribe(id string) *posts.Subscription
}

// MetricsRecorder receives connection metrics. Optional.
type MetricsRecorder interface {
	ConnectionOpened()
	ConnectionClosed()
	RecordMessages(kind string, n int)
}

// Config tunes a Connection.
type Config struct {
	// RequestRate limits pagination requests per second. 0 disables.
	RequestRate  rate.Limit
	RequestBurst int
}

// Connection serves one client.
type Connection struct {
	id        string
	conn      Conn
	ledger    Ledger
	limiter   *rate.Limiter
	onMetrics MetricsRecorder
	logger    *zap.Logger

	sub      *posts.Subscription
	writeMu  sync.Mutex
	shutdown sync.Once
}

// New creates a Connection for conn.
func New(id string, conn Conn, ledger Ledger, cfg Config, logger *zap.Logger) *Connection {
	c := &Connection{
		id:     id,
		conn:   conn,
		ledger: ledger,
		logger: logger.With(zap.String("conn_id", id)),
	}
	if cfg.RequestRate > 0 {
		c.limiter = rate.NewLimiter(cfg.RequestRate, max(cfg.RequestBurst, 1))
	}
	return c
}

// SetMetricsRecorder configures the metrics callbacks.
func (c *Connection) SetMetricsRecorder(rec MetricsRecorder) {
	c.onMetrics = rec
}

// Serve sends the status snapshot and then handles requests and ledger events
// until the client goes away, a write fails, or ctx is done. The underlying
// connection is closed on return and the ledger is never affected.
func (c *Connection) Serve(ctx context.Context) error {
	c.sub = c.ledger.Subscribe(c.id)
	if c.onMetrics != nil {
		c.onMetrics.ConnectionOpened()
		defer c.onMetrics.ConnectionClosed()
	}
	defer c.close()

	if err := c.send("status", statusMessage(c.ledger.Status())); err != nil {
		c.logger.Error("sendStatus failed", zap.Error(err))
		return err
	}

	stop := context.AfterFunc(ctx, c.close)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer c.close()
		return c.readLoop(gctx)
	})
	g.Go(func() error {
		defer c.close()
		return c.eventLoop()
	})

	return g.Wait()
}

// close tears down the subscription and the transport once.
func (c *Connection) close() {
	c.shutdown.Do(func() {
		if c.sub != nil {
			c.sub.Close()
		}
		if err := c.conn.Close(); err != nil {
			c.logger.Debug("close transport", zap.Error(err))
		}
	})
}

func (c *Connection) readLoop(ctx context.Context) error {
	for {
		var msg ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("read client message: %w", err)
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		if err := c.receive(msg); err != nil {
			return err
		}
	}
}

// receive answers a pagination request.
func (c *Connection) receive(msg ClientMessage) error {
	count := 0
	if msg.RequestCount != nil {
		count = *msg.RequestCount
	}
	switch {
	case msg.RequestBeforeIndex != nil:
		return c.sendPage(posts.Before, *msg.RequestBeforeIndex, count)
	case msg.RequestAfterIndex != nil:
		return c.sendPage(posts.After, *msg.RequestAfterIndex, count)
	default:
		return nil
	}
}

// sendPage writes one message per post followed by the terminator. Live
// events are held back until the page is complete.
func (c *Connection) sendPage(dir posts.Direction, anchor, count int) error {
	st, page := c.ledger.Read(dir, anchor, count)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	for _, p := range page {
		if err := c.conn.WriteJSON(postMessage(st, p.Index, p.Post)); err != nil {
			return fmt.Errorf("send post %d: %w", p.Index, err)
		}
	}
	if err := c.conn.WriteJSON(endRequestMessage()); err != nil {
		return fmt.Errorf("send end of request: %w", err)
	}
	if c.onMetrics != nil {
		c.onMetrics.RecordMessages("page", len(page)+1)
	}
	return nil
}

// eventLoop forwards ledger events. A failed write ends the loop, which
// closes the subscription so no further events are delivered.
func (c *Connection) eventLoop() error {
	for ev := range c.sub.Events() {
		if err := c.send(ev.Kind.String(), eventMessage(ev)); err != nil {
			c.logger.Error("event delivery failed", zap.String("event", ev.Kind.String()), zap.Error(err))
			return err
		}
		missed, ok := c.sub.Rearm()
		if !ok {
			return nil
		}
		if missed {
			if err := c.send("status", statusMessage(c.ledger.Status())); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Connection) send(kind string, m ServerMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteJSON(m); err != nil {
		return fmt.Errorf("send %s: %w", kind, err)
	}
	if c.onMetrics != nil {
		c.onMetrics.RecordMessages(kind, 1)
	}
	return nil
}
