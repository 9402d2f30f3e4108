// Package provider implements the Provider Connection (I): a single
// long-lived framed socket to the external liquidity provider (spec.md
// §4.9). Adapted from the teacher's internal/gateway.Manager, whose
// pool-of-connections/LRU/health-check supervision loop is reduced here
// to the lifecycle of one persistent socket — dial, reconnect with
// exponential backoff — since the spec calls for exactly one provider
// connection, not a per-user pool. internal/gateway/factory.go's
// per-exchange-type client selection has no analogue here: there is one
// wire protocol, chosen by Config.Network/Address, not a switch over
// exchange types.
package provider

import (
	"context"
	"errors"
	"log"
	"net"
	"sync"
	"time"

	"fxengine/pkg/providerframe"
)

var (
	ErrUnavailable = errors.New("provider: connection unavailable")
	ErrAckTimeout  = errors.New("provider: ack timeout")
)

// ConfirmationPublisher hands a parsed execution report to the
// confirmation_queue; satisfied by *pkg/amqpx.Conn, narrowed so tests
// don't need a real broker.
type ConfirmationPublisher interface {
	PublishPersistent(ctx context.Context, queue string, body []byte) error
}

// AckStore records/observes a terminal ord_status by lifecycle id;
// satisfied by *pkg/redisx.Client's SetEx/Get pair, narrowed so WaitAck
// is testable without a real Redis and so a future caller in a
// different process than the socket owner can still observe an ack.
type AckStore interface {
	SetEx(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, bool, error)
}

// Config selects the transport and tuning knobs spec.md §4.9/§6 name.
type Config struct {
	Network       string // "unix" or "tcp"
	Address       string
	SendQueueSize int // default 1000
	MinBackoff    time.Duration
	MaxBackoff    time.Duration
	DialTimeout   time.Duration
}

func (c Config) withDefaults() Config {
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = 1000
	}
	if c.MinBackoff <= 0 {
		c.MinBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	return c
}

// Connection owns the single persistent socket: a send loop draining a
// bounded queue under a write mutex, and a receive loop publishing every
// parsed execution report to confirmation_queue.
type Connection struct {
	cfg  Config
	amqp ConfirmationPublisher
	acks AckStore

	sendQueue chan sendJob

	mu        sync.RWMutex
	conn      net.Conn
	connected bool

	writeMu sync.Mutex
}

type sendJob struct {
	payload  any
	requeued bool
}

func New(cfg Config, amqp ConfirmationPublisher, acks AckStore) *Connection {
	cfg = cfg.withDefaults()
	return &Connection{
		cfg:       cfg,
		amqp:      amqp,
		acks:      acks,
		sendQueue: make(chan sendJob, cfg.SendQueueSize),
	}
}

// Run dials and supervises the connection until ctx is cancelled,
// reconnecting with 1s -> 30s exponential backoff on any disconnect
// (spec.md §4.9).
func (c *Connection) Run(ctx context.Context) {
	backoff := c.cfg.MinBackoff
	for ctx.Err() == nil {
		conn, err := c.dial(ctx)
		if err != nil {
			log.Printf("provider: dial %s %s failed: %v, retrying in %v", c.cfg.Network, c.cfg.Address, err, backoff)
			if !sleep(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff, c.cfg.MaxBackoff)
			continue
		}

		backoff = c.cfg.MinBackoff
		c.setConn(conn)
		log.Printf("provider: connected to %s %s", c.cfg.Network, c.cfg.Address)

		loopCtx, cancel := context.WithCancel(ctx)
		recvDone := make(chan struct{})
		go func() {
			defer close(recvDone)
			c.receiveLoop(loopCtx, conn)
		}()
		c.sendLoop(loopCtx, conn)
		cancel()
		<-recvDone
		_ = conn.Close()
		c.clearConn()

		if ctx.Err() != nil {
			return
		}
		log.Printf("provider: disconnected, reconnecting in %v", backoff)
		if !sleep(ctx, backoff) {
			return
		}
		backoff = nextBackoff(backoff, c.cfg.MaxBackoff)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}

func (c *Connection) dial(ctx context.Context) (net.Conn, error) {
	d := net.Dialer{Timeout: c.cfg.DialTimeout}
	return d.DialContext(ctx, c.cfg.Network, c.cfg.Address)
}

func (c *Connection) setConn(conn net.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()
}

func (c *Connection) clearConn() {
	c.mu.Lock()
	c.conn = nil
	c.connected = false
	c.mu.Unlock()
}

func (c *Connection) isConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

func (c *Connection) writeFrame(conn net.Conn, payload any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return providerframe.WriteFrame(conn, payload)
}

func nowMs() int64 { return time.Now().UnixMilli() }
