package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	printmirror "github.com/mirrorlab/PrintMirror"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	defaultMaxReconnectDelay = 2 * time.Minute
	initialReconnectDelay    = time.Second
	readTimeout              = 90 * time.Second
)

// Client consumes the printer's report stream over a websocket bridge and
// keeps the last-known device snapshot. Snapshot and Connected never block;
// the read/reconnect goroutine owns the connection.
type Client struct {
	url        string
	accessCode string
	dialer     *websocket.Dialer

	mu        sync.RWMutex
	snapshot  printmirror.DeviceSnapshot
	connected bool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewClient builds a telemetry client for the bridge at url, authenticating
// with the printer's LAN access code.
func NewClient(url, accessCode string) *Client {
	return &Client{
		url:        url,
		accessCode: accessCode,
		dialer:     websocket.DefaultDialer,
	}
}

// Connect starts the background read loop. It returns immediately; the loop
// keeps reconnecting with exponential backoff until ctx is canceled or
// Close is called.
func (c *Client) Connect(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(runCtx)
}

// Close stops the read loop and waits for it to exit.
func (c *Client) Close() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
}

// Connected reports whether the report stream is currently established.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Snapshot returns a copy of the last-known device state. Safe to call from
// the render path at any frequency.
func (c *Client) Snapshot() printmirror.DeviceSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)
	delay := initialReconnectDelay
	for {
		connected, err := c.readOnce(ctx)
		if connected {
			delay = initialReconnectDelay
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Dur("retry_in", delay).Msg("telemetry: stream dropped, reconnecting")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > defaultMaxReconnectDelay {
			delay = defaultMaxReconnectDelay
		}
	}
}

// readOnce dials the bridge and pumps frames until the connection breaks.
// The bool reports whether a connection was established at all, so the
// caller can reset its backoff.
func (c *Client) readOnce(ctx context.Context) (bool, error) {
	header := http.Header{}
	if c.accessCode != "" {
		header.Set("X-Access-Code", c.accessCode)
	}
	conn, _, err := c.dialer.DialContext(ctx, c.url, header)
	if err != nil {
		return false, errors.Wrap(err, "dial telemetry bridge")
	}
	defer conn.Close()

	c.setConnected(true)
	defer c.setConnected(false)
	log.Info().Str("url", c.url).Msg("telemetry: connected")

	// Unblock ReadMessage when the context is canceled.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return true, errors.Wrap(err, "read report frame")
		}
		c.apply(data)
	}
}

func (c *Client) apply(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := applyReport(&c.snapshot, data); err != nil {
		// A bad frame must not poison the stream; keep the last snapshot.
		log.Debug().Err(err).Msg("telemetry: dropped malformed frame")
	}
}

func (c *Client) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}
