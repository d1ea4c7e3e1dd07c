// Package wssocket implements socket.Socket over a websocket connection.
//
// Each event is one JSON text message {"event": name, "args": [...]}.
// Handlers run sequentially on the read goroutine.
package wssocket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/maruel/datasync/internal/socket"
	"github.com/maruel/ksid"
	"github.com/sethvargo/go-retry"
)

// Options tunes a connection. Zero fields use defaults.
type Options struct {
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
	PingInterval time.Duration
	SendBuffer   int
}

func (o *Options) withDefaults() Options {
	out := Options{
		WriteTimeout: 10 * time.Second,
		ReadTimeout:  60 * time.Second,
		PingInterval: 20 * time.Second,
		SendBuffer:   64,
	}
	if o == nil {
		return out
	}
	if o.WriteTimeout > 0 {
		out.WriteTimeout = o.WriteTimeout
	}
	if o.ReadTimeout > 0 {
		out.ReadTimeout = o.ReadTimeout
	}
	if o.PingInterval > 0 {
		out.PingInterval = o.PingInterval
	}
	if o.SendBuffer > 0 {
		out.SendBuffer = o.SendBuffer
	}
	return out
}

type frame struct {
	Event string            `json:"event"`
	Args  []json.RawMessage `json:"args"`
}

// Conn is a websocket backed socket.
type Conn struct {
	id   string
	ws   *websocket.Conn
	opts Options
	send chan []byte
	done chan struct{}
	once sync.Once

	started atomic.Bool
	stopped chan struct{}

	mu       sync.Mutex
	handlers map[string][]socket.Handler
}

// New wraps ws. Call Run to start processing.
func New(ws *websocket.Conn, opts *Options) *Conn {
	o := opts.withDefaults()
	return &Conn{
		id:       ksid.NewID().String(),
		ws:       ws,
		opts:     o,
		send:     make(chan []byte, o.SendBuffer),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
		handlers: map[string][]socket.Handler{},
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// Accept upgrades an HTTP request to a websocket connection.
func Accept(w http.ResponseWriter, r *http.Request, opts *Options) (*Conn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return New(ws, opts), nil
}

// Dial connects to a websocket URL, retrying with a Fibonacci backoff.
func Dial(ctx context.Context, url string, header http.Header, opts *Options) (*Conn, error) {
	var ws *websocket.Conn
	b := retry.WithMaxRetries(5, retry.NewFibonacci(500*time.Millisecond))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		c, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			slog.DebugContext(ctx, "wssocket: dial failed", "url", url, "err", err)
			if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return err
			}
			return retry.RetryableError(err)
		}
		ws = c
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return New(ws, opts), nil
}

// ID implements socket.Socket.
func (c *Conn) ID() string {
	return c.id
}

// On implements socket.Socket.
func (c *Conn) On(event string, h socket.Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = append(c.handlers[event], h)
}

// Off implements socket.Socket.
func (c *Conn) Off(event string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers, event)
}

// Emit implements socket.Socket. It queues the message for the writer.
func (c *Conn) Emit(event string, args ...any) error {
	a, err := socket.EncodeArgs(args...)
	if err != nil {
		return err
	}
	b, err := json.Marshal(frame{Event: event, Args: a})
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return socket.ErrClosed
	default:
	}
	select {
	case c.send <- b:
		return nil
	case <-c.done:
		return socket.ErrClosed
	}
}

// Close closes the connection after flushing queued messages.
func (c *Conn) Close() error {
	c.once.Do(func() { close(c.done) })
	if c.started.Load() {
		<-c.stopped
		return nil
	}
	return c.ws.Close()
}

// Done is closed when the connection is closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Run reads and writes until ctx is canceled or the connection drops, then
// delivers socket.EventDisconnect to the local handlers.
func (c *Conn) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-ctx.Done():
			_ = c.Close()
		case <-c.done:
		}
	}()
	c.started.Store(true)
	go c.writeLoop(ctx)
	err := c.readLoop(ctx)
	_ = c.Close()
	if args, err2 := socket.EncodeArgs("transport close"); err2 == nil {
		c.dispatch(socket.EventDisconnect, args)
	}
	return err
}

func (c *Conn) writeLoop(ctx context.Context) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer func() {
		ticker.Stop()
		c.once.Do(func() { close(c.done) })
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = c.ws.Close()
		close(c.stopped)
	}()
	for {
		select {
		case <-c.done:
			for {
				select {
				case msg := <-c.send:
					if c.write(ctx, msg) != nil {
						return
					}
				default:
					return
				}
			}
		case msg := <-c.send:
			if c.write(ctx, msg) != nil {
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteTimeout)); err != nil {
				return
			}
		}
	}
}

func (c *Conn) write(ctx context.Context, msg []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	err := c.ws.WriteMessage(websocket.TextMessage, msg)
	if err != nil {
		// A write deadline timeout cannot be recovered.
		slog.InfoContext(ctx, "wssocket: write failed", "id", c.id, "err", err)
	}
	return err
}

func (c *Conn) readLoop(ctx context.Context) error {
	_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
	})
	for {
		typ, msg, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return nil
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
		if typ != websocket.TextMessage {
			continue
		}
		var f frame
		if err := json.Unmarshal(msg, &f); err != nil || f.Event == "" {
			slog.WarnContext(ctx, "wssocket: dropping malformed frame", "id", c.id, "err", err)
			continue
		}
		c.dispatch(f.Event, f.Args)
	}
}

func (c *Conn) dispatch(event string, args socket.Args) {
	c.mu.Lock()
	hs := slices.Clone(c.handlers[event])
	c.mu.Unlock()
	for _, h := range hs {
		h(args)
	}
}
