package protocol

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sentryfleet/sentryfleet/pkg/log"
)

// DefaultDialTimeout bounds how long Client waits to establish a connection
// before treating the dial as failed.
const DefaultDialTimeout = 5 * time.Second

// sendBufferSize is the depth of a client's outbound buffer: messages queued
// while the peer is unreachable, per the data model's "pending outbound
// messages sit in a per-client send buffer."
const sendBufferSize = 32

// request pairs an outbound packet with the channel its reply (or error)
// is delivered on.
type request struct {
	packet any
	reply  chan result
}

type result struct {
	packet any
	err    error
}

// Client holds one long-lived TCP connection to a peer and serializes every
// Send call over it, matching the one-request-one-reply framing of a single
// connection. On connection loss it closes the socket and reconnects with
// backoff on the next send; messages queued in the meantime sit in the
// client's outbound buffer instead of failing immediately.
type Client struct {
	addr        string
	dialTimeout time.Duration
	backoff     time.Duration
	maxBackoff  time.Duration

	mu      sync.Mutex
	conn    net.Conn
	dec     *json.Decoder
	queue   chan request
	closeCh chan struct{}
	once    sync.Once
}

// NewClient creates a Client that lazily dials addr (e.g. "10.0.0.5:8080")
// on first Send and keeps the connection open across subsequent sends.
func NewClient(addr string) *Client {
	c := &Client{
		addr:        addr,
		dialTimeout: DefaultDialTimeout,
		backoff:     500 * time.Millisecond,
		maxBackoff:  30 * time.Second,
		queue:       make(chan request, sendBufferSize),
		closeCh:     make(chan struct{}),
	}
	go c.run()
	return c
}

// Send enqueues packet for delivery and blocks until a reply arrives or the
// client is closed. If the queue is full, Send reports the backpressure
// immediately rather than blocking indefinitely.
func (c *Client) Send(packet any) (any, error) {
	reply := make(chan result, 1)
	select {
	case c.queue <- request{packet: packet, reply: reply}:
	default:
		return nil, fmt.Errorf("protocol: send buffer full for %s", c.addr)
	}

	select {
	case r := <-reply:
		return r.packet, r.err
	case <-c.closeCh:
		return nil, fmt.Errorf("protocol: client for %s closed", c.addr)
	}
}

// Close stops the client's send loop and releases its connection.
func (c *Client) Close() {
	c.once.Do(func() {
		close(c.closeCh)
		c.mu.Lock()
		if c.conn != nil {
			c.conn.Close()
		}
		c.mu.Unlock()
	})
}

func (c *Client) run() {
	wait := c.backoff
	for {
		select {
		case <-c.closeCh:
			return
		case req := <-c.queue:
			conn, dec, err := c.ensureConn()
			if err != nil {
				req.reply <- result{err: err}
				c.sleepBackoff(&wait)
				continue
			}
			wait = c.backoff

			out, err := Encode(req.packet)
			if err != nil {
				req.reply <- result{err: err}
				continue
			}
			if _, err := conn.Write(out); err != nil {
				c.dropConn()
				req.reply <- result{err: fmt.Errorf("protocol: write to %s: %w", c.addr, err)}
				continue
			}
			var raw json.RawMessage
			if err := dec.Decode(&raw); err != nil {
				c.dropConn()
				req.reply <- result{err: fmt.Errorf("protocol: read from %s: %w", c.addr, err)}
				continue
			}
			packet, err := Decode(raw)
			req.reply <- result{packet: packet, err: err}
		}
	}
}

func (c *Client) ensureConn() (net.Conn, *json.Decoder, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return c.conn, c.dec, nil
	}

	conn, err := net.DialTimeout("tcp", c.addr, c.dialTimeout)
	if err != nil {
		return nil, nil, fmt.Errorf("protocol: dial %s: %w", c.addr, err)
	}
	c.conn = conn
	c.dec = json.NewDecoder(bufio.NewReaderSize(conn, maxPacketBytes))
	return c.conn, c.dec, nil
}

func (c *Client) dropConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
		c.dec = nil
	}
}

func (c *Client) sleepBackoff(wait *time.Duration) {
	log.Errorf("protocol: connection to peer unavailable, backing off", fmt.Errorf("%s", c.addr))
	select {
	case <-time.After(*wait):
	case <-c.closeCh:
	}
	*wait *= 2
	if *wait > c.maxBackoff {
		*wait = c.maxBackoff
	}
}
