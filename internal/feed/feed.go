package feed

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// maxAge bounds how long a cached price stays usable. Beyond it the
// gateway falls back to the REST ticker.
const maxAge = 15 * time.Second

type entry struct {
	price float64
	at    time.Time
}

// Cache holds the latest traded price per symbol, fed by the stream.
type Cache struct {
	mu    sync.RWMutex
	byKey map[string]entry
	now   func() time.Time
}

func NewCache() *Cache {
	return &Cache{byKey: make(map[string]entry), now: time.Now}
}

func cacheKey(symbol string) string {
	return strings.ToUpper(strings.ReplaceAll(symbol, "/", ""))
}

func (c *Cache) Put(symbol string, price float64) {
	if price <= 0 {
		return
	}
	c.mu.Lock()
	c.byKey[cacheKey(symbol)] = entry{price: price, at: c.now()}
	c.mu.Unlock()
}

// LastPrice returns the cached price when fresh enough.
func (c *Cache) LastPrice(symbol string) (float64, bool) {
	c.mu.RLock()
	e, ok := c.byKey[cacheKey(symbol)]
	c.mu.RUnlock()
	if !ok || c.now().Sub(e.at) > maxAge {
		return 0, false
	}
	return e.price, true
}

// Client streams miniTicker updates into a Cache, reconnecting with a
// fixed delay until the context ends.
type Client struct {
	url            string
	reconnectDelay time.Duration
	pingInterval   time.Duration
	cache          *Cache
	log            *zap.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	streams []string
	subID   int
}

func NewClient(url string, reconnectDelay, pingInterval time.Duration, cache *Cache, log *zap.Logger) *Client {
	return &Client{
		url:            url,
		reconnectDelay: reconnectDelay,
		pingInterval:   pingInterval,
		cache:          cache,
		log:            log,
	}
}

// Watch registers a symbol before or after the stream is running. The
// subscription is replayed on every reconnect.
func (c *Client) Watch(ctx context.Context, symbol string) error {
	stream := strings.ToLower(cacheKey(symbol)) + "@miniTicker"
	c.mu.Lock()
	for _, s := range c.streams {
		if s == stream {
			c.mu.Unlock()
			return nil
		}
	}
	c.streams = append(c.streams, stream)
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return c.subscribe(ctx, conn, []string{stream})
}

func (c *Client) Run(ctx context.Context) error {
	for {
		if err := c.ensureConnected(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Warn("feed connect failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.reconnectDelay):
			}
			continue
		}
		pingCtx, cancel := context.WithCancel(ctx)
		pingDone := make(chan struct{})
		go func() {
			defer close(pingDone)
			c.pingLoop(pingCtx)
		}()
		err := c.readLoop(ctx)
		cancel()
		<-pingDone
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Warn("feed read loop ended", zap.Error(err))
		c.resetConn()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.reconnectDelay):
		}
	}
}

func (c *Client) ensureConnected(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	conn, _, err := websocket.Dial(ctx, c.url, nil)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.conn = conn
	streams := append([]string(nil), c.streams...)
	c.mu.Unlock()
	if len(streams) > 0 {
		return c.subscribe(ctx, conn, streams)
	}
	return nil
}

func (c *Client) subscribe(ctx context.Context, conn *websocket.Conn, streams []string) error {
	c.mu.Lock()
	c.subID++
	id := c.subID
	c.mu.Unlock()
	msg := map[string]any{
		"method": "SUBSCRIBE",
		"params": streams,
		"id":     id,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

type miniTicker struct {
	Event  string `json:"e"`
	Symbol string `json:"s"`
	Close  string `json:"c"`
}

func (c *Client) readLoop(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("feed not connected")
	}
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		c.handle(data)
	}
}

func (c *Client) handle(data []byte) {
	var tick miniTicker
	if err := json.Unmarshal(data, &tick); err != nil {
		return
	}
	if tick.Event != "24hrMiniTicker" || tick.Symbol == "" {
		return
	}
	px, err := strconv.ParseFloat(tick.Close, 64)
	if err != nil || px <= 0 {
		return
	}
	c.cache.Put(tick.Symbol, px)
}

// pingLoop keeps the connection active by listing subscriptions. The
// server-side ping frames are answered by the websocket library.
func (c *Client) pingLoop(ctx context.Context) {
	c.mu.Lock()
	conn := c.conn
	interval := c.pingInterval
	c.mu.Unlock()
	if conn == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			msg, _ := json.Marshal(map[string]any{"method": "LIST_SUBSCRIPTIONS", "id": 0})
			if err := conn.Write(ctx, websocket.MessageText, msg); err != nil {
				return
			}
		}
	}
}

func (c *Client) resetConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusNormalClosure, "reset")
		c.conn = nil
	}
}
