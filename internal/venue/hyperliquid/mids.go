package hyperliquid

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// wsConn maintains one websocket to the venue, replaying subscriptions after
// every reconnect and keeping the link alive with protocol pings.
type wsConn struct {
	url            string
	reconnectDelay time.Duration
	pingInterval   time.Duration
	log            *zap.Logger

	mu   sync.Mutex
	conn *websocket.Conn
	subs []any
}

var wsPing = map[string]any{"method": "ping"}

func newWSConn(url string, reconnectDelay, pingInterval time.Duration, log *zap.Logger) *wsConn {
	return &wsConn{url: url, reconnectDelay: reconnectDelay, pingInterval: pingInterval, log: log}
}

func (c *wsConn) connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}
	conn, _, err := websocket.Dial(ctx, c.url, nil)
	if err != nil {
		return err
	}
	c.conn = conn
	return nil
}

// subscribe records the subscription for replay and sends it if connected.
func (c *wsConn) subscribe(ctx context.Context, sub any) error {
	c.mu.Lock()
	c.subs = append(c.subs, sub)
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("ws not connected")
	}
	return wsWriteJSON(ctx, conn, sub)
}

func (c *wsConn) run(ctx context.Context, handler func(json.RawMessage)) error {
	for {
		if err := c.resume(ctx); err != nil {
			return err
		}
		pingCtx, cancel := context.WithCancel(ctx)
		pingDone := make(chan struct{})
		go func() {
			defer close(pingDone)
			c.pingLoop(pingCtx)
		}()
		err := c.readLoop(ctx, handler)
		cancel()
		<-pingDone
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Warn("ws read loop ended", zap.Error(err))
		c.reset()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.reconnectDelay):
		}
	}
}

func (c *wsConn) resume(ctx context.Context) error {
	if err := c.connect(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	subs := append([]any(nil), c.subs...)
	c.mu.Unlock()
	for _, sub := range subs {
		if err := wsWriteJSON(ctx, conn, sub); err != nil {
			return err
		}
	}
	return nil
}

func (c *wsConn) readLoop(ctx context.Context, handler func(json.RawMessage)) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("ws not connected")
	}
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if handler != nil {
			handler(json.RawMessage(data))
		}
	}
}

func (c *wsConn) pingLoop(ctx context.Context) {
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
			if err := wsWriteJSON(ctx, conn, wsPing); err != nil {
				return
			}
		}
	}
}

func (c *wsConn) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusNormalClosure, "reset")
		c.conn = nil
	}
}

func wsWriteJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// Price returns the cached mid for a market, falling back to a REST allMids
// snapshot when the stream has not produced one yet.
func (a *Adapter) Price(ctx context.Context, market string) (float64, error) {
	if p, ok := a.midFor(market); ok {
		return p, nil
	}
	if err := a.ensureMeta(ctx); err != nil {
		return 0, err
	}
	if err := a.refreshMids(ctx); err != nil {
		return 0, err
	}
	if p, ok := a.midFor(market); ok {
		return p, nil
	}
	return 0, fmt.Errorf("no mid price for %q", market)
}

func (a *Adapter) midFor(market string) (float64, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if p, ok := a.mids[market]; ok {
		return p, true
	}
	if sm, ok := a.spots[market]; ok {
		if p, ok := a.mids[sm.midKey]; ok {
			return p, true
		}
	}
	return 0, false
}

func (a *Adapter) refreshMids(ctx context.Context) error {
	payload, err := a.info.post(ctx, map[string]any{"type": "allMids"})
	if err != nil {
		return err
	}
	if m, ok := toMap(payload); ok {
		a.applyMids(m)
	}
	return nil
}

func (a *Adapter) handleWS(msg json.RawMessage) {
	var payload map[string]any
	if err := json.Unmarshal(msg, &payload); err != nil {
		a.log.Debug("ws decode failed", zap.Error(err))
		return
	}
	a.applyMids(payload)
}

// applyMids accepts the stream envelope {data:{mids:{...}}}, the bare
// {mids:{...}} form, and the flat REST snapshot.
func (a *Adapter) applyMids(payload map[string]any) {
	var mids map[string]any
	if data, ok := toMap(payload["data"]); ok {
		if raw, ok := toMap(data["mids"]); ok {
			mids = raw
		}
	}
	if mids == nil {
		if raw, ok := toMap(payload["mids"]); ok {
			mids = raw
		}
	}
	if mids == nil {
		if _, hasData := payload["data"]; !hasData {
			mids = payload
		}
	}
	if mids == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for market, v := range mids {
		if f, ok := floatFromAny(v); ok {
			a.mids[market] = f
		}
	}
}
