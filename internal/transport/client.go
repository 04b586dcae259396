package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/jqknono/general-settings-ui/internal/protocol"
)

// DocumentURL builds the websocket address of doc on the owner at base
// ("ws://host:port").
func DocumentURL(base, doc, token string) string {
	u := strings.TrimRight(base, "/") + "/ws/" + url.PathEscape(doc)
	if token != "" {
		u += "?token=" + url.QueryEscape(token)
	}
	return u
}

type ClientOptions struct {
	// MaxElapsed bounds each round of connection attempts. Zero means 30s.
	MaxElapsed time.Duration
	// OnConnect runs after every successful reconnect, not after the first
	// connect.
	OnConnect func()
}

// Client is a websocket connection to the owner that redials with
// exponential backoff when the connection drops.
type Client struct {
	endpoint string
	opts     ClientOptions
	ctx      context.Context
	cancel   context.CancelFunc

	mu   sync.Mutex
	conn *websocket.Conn

	messages chan protocol.Message
}

func Dial(ctx context.Context, endpoint string, opts ClientOptions) (*Client, error) {
	if opts.MaxElapsed <= 0 {
		opts.MaxElapsed = 30 * time.Second
	}
	cctx, cancel := context.WithCancel(ctx)
	c := &Client{
		endpoint: endpoint,
		opts:     opts,
		ctx:      cctx,
		cancel:   cancel,
		messages: make(chan protocol.Message, sendBuffer),
	}
	conn, err := c.connect()
	if err != nil {
		cancel()
		return nil, err
	}
	c.conn = conn
	go c.readLoop(conn)
	return c, nil
}

func (c *Client) connect() (*websocket.Conn, error) {
	var conn *websocket.Conn
	operation := func() error {
		ws, resp, err := websocket.DefaultDialer.DialContext(c.ctx, c.endpoint, nil)
		if err != nil {
			if resp != nil && (resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusNotFound) {
				return backoff.Permanent(fmt.Errorf("dial %s: %s", c.endpoint, resp.Status))
			}
			return err
		}
		conn = ws
		return nil
	}
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = c.opts.MaxElapsed
	notify := func(err error, wait time.Duration) {
		glog.Warningf("[client] dial %s failed, retrying in %s: %v", c.endpoint, wait, err)
	}
	if err := backoff.RetryNotify(operation, backoff.WithContext(b, c.ctx), notify); err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", c.endpoint, err)
	}
	glog.Infof("[client] connected to %s", c.endpoint)
	return conn, nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer close(c.messages)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			if c.ctx.Err() != nil {
				return
			}
			// the owner closed on purpose, e.g. another form took the session
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				glog.Infof("[client] closed by owner")
				c.mu.Lock()
				c.conn = nil
				c.mu.Unlock()
				return
			}
			glog.Warningf("[client] connection lost: %v", err)
			next, err := c.connect()
			if err != nil {
				glog.Errorf("[client] %v", err)
				c.mu.Lock()
				c.conn = nil
				c.mu.Unlock()
				return
			}
			c.mu.Lock()
			c.conn = next
			c.mu.Unlock()
			conn = next
			if c.opts.OnConnect != nil {
				c.opts.OnConnect()
			}
			continue
		}
		m, err := protocol.Decode(data)
		if err != nil {
			glog.Warningf("[client] error decoding message: %v", err)
			continue
		}
		select {
		case c.messages <- m:
		case <-c.ctx.Done():
			return
		}
	}
}

// Messages delivers owner messages in order. It is closed when the client
// is closed or reconnecting gave up.
func (c *Client) Messages() <-chan protocol.Message { return c.messages }

func (c *Client) Send(m protocol.Message) error {
	data, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrClosed
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) Close() error {
	c.cancel()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	err := c.conn.Close()
	c.conn = nil
	return err
}
