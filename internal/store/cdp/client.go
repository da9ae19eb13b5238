// Package cdp implements the cookie store contract over a Chrome DevTools
// Protocol WebSocket endpoint. One connection carries request/response calls
// (Storage.getCookies, Storage.setCookies, Network.deleteCookies) and the
// cookie change events the browser pushes.
package cdp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"github.com/crumbgate/crumbgate/config"
	"github.com/crumbgate/crumbgate/errs"
	"github.com/crumbgate/crumbgate/internal/observability"
	"github.com/crumbgate/crumbgate/internal/schema"
	"github.com/crumbgate/crumbgate/internal/store"
)

const (
	cdpReadLimit            = 4 * 1024 * 1024
	cdpMaxReconnectInterval = 30 * time.Second
	cdpPingInterval         = 30 * time.Second
	cdpPingTimeout          = 5 * time.Second
)

// Client is a Store backed by a live DevTools session. The connection is
// re-dialed with exponential backoff when it drops; in-flight calls fail and
// surface CodeStoreUnavailable to callers, which retry at the mutation layer.
type Client struct {
	endpoint    string
	callTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	conn   *websocket.Conn
	connMu sync.RWMutex

	msgIDGen atomic.Uint64
	pending  map[uint64]chan rpcResponse
	pendMu   sync.Mutex

	subIDGen    atomic.Uint64
	subscribers map[uint64]chan schema.Change
	subMu       sync.Mutex

	ready     chan struct{}
	readyOnce sync.Once

	wg sync.WaitGroup
}

var _ store.Store = (*Client)(nil)

type rpcRequest struct {
	ID     uint64 `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

type rpcResponse struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type wireCookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Secure   bool    `json:"secure"`
	HTTPOnly bool    `json:"httpOnly"`
	SameSite string  `json:"sameSite,omitempty"`
	Expires  float64 `json:"expires,omitempty"`
	Session  bool    `json:"session,omitempty"`
	HostOnly bool    `json:"hostOnly,omitempty"`
	StoreID  string  `json:"storeId,omitempty"`
}

type cookieChangeEvent struct {
	Cookie  wireCookie `json:"cookie"`
	Cause   string     `json:"cause"`
	Removed bool       `json:"removed"`
}

// Dial connects to the DevTools endpoint and blocks until the first
// connection is established or the handshake timeout elapses.
func Dial(ctx context.Context, cfg config.StoreConfig) (*Client, error) {
	if cfg.CDPEndpoint == "" {
		return nil, errs.New("store/cdp", errs.CodeInvalid, errs.WithMessage("devtools endpoint required"))
	}
	clientCtx, cancel := context.WithCancel(ctx)
	c := &Client{
		endpoint:    cfg.CDPEndpoint,
		callTimeout: cfg.CallTimeout,
		ctx:         clientCtx,
		cancel:      cancel,
		pending:     make(map[uint64]chan rpcResponse),
		subscribers: make(map[uint64]chan schema.Change),
		ready:       make(chan struct{}),
	}
	if c.callTimeout <= 0 {
		c.callTimeout = 5 * time.Second
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.connectLoop(); err != nil && !errors.Is(err, context.Canceled) {
			observability.Log().Error("devtools connection loop ended",
				observability.Field{Key: "error", Value: err.Error()})
		}
	}()

	handshake := cfg.HandshakeTimeout
	if handshake <= 0 {
		handshake = 10 * time.Second
	}
	select {
	case <-c.ready:
		return c, nil
	case <-time.After(handshake):
		c.Close()
		return nil, errs.New("store/cdp", errs.CodeStoreUnavailable,
			errs.WithMessage("timeout waiting for devtools connection"),
			errs.WithField("endpoint", cfg.CDPEndpoint))
	case <-clientCtx.Done():
		c.Close()
		return nil, errs.New("store/cdp", errs.CodeStoreUnavailable,
			errs.WithMessage("context done before devtools connection"),
			errs.WithCause(clientCtx.Err()))
	}
}

// Close shuts the connection down and releases all subscribers.
func (c *Client) Close() {
	c.cancel()
	c.connMu.Lock()
	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusNormalClosure, "shutdown")
		c.conn = nil
	}
	c.connMu.Unlock()
	c.wg.Wait()

	c.subMu.Lock()
	for id, ch := range c.subscribers {
		close(ch)
		delete(c.subscribers, id)
	}
	c.subMu.Unlock()
}

// List fetches all cookies and filters them client-side. Domain filters match
// the normalized domain exactly.
func (c *Client) List(ctx context.Context, filter store.Filter) ([]schema.Cookie, error) {
	var result struct {
		Cookies []wireCookie `json:"cookies"`
	}
	if err := c.call(ctx, "Storage.getCookies", nil, &result); err != nil {
		return nil, err
	}
	out := make([]schema.Cookie, 0, len(result.Cookies))
	for _, wc := range result.Cookies {
		cookie := fromWire(wc)
		if filter.Domain != "" && schema.NormalizeDomain(cookie.Domain) != schema.NormalizeDomain(filter.Domain) {
			continue
		}
		if filter.Name != "" && cookie.Name != filter.Name {
			continue
		}
		if filter.StoreID != "" && cookie.StoreID != filter.StoreID {
			continue
		}
		out = append(out, cookie)
	}
	return out, nil
}

// Set writes a single cookie record.
func (c *Client) Set(ctx context.Context, cookie schema.Cookie) error {
	if err := cookie.Validate(); err != nil {
		return err
	}
	params := struct {
		Cookies []wireCookie `json:"cookies"`
	}{Cookies: []wireCookie{toWire(cookie)}}
	return c.call(ctx, "Storage.setCookies", params, nil)
}

// DeleteByURL removes cookies with the given name along the URL's path
// hierarchy. The coarseness is the browser's, not ours.
func (c *Client) DeleteByURL(ctx context.Context, name, rawURL, storeID string) error {
	params := struct {
		Name    string `json:"name"`
		URL     string `json:"url"`
		StoreID string `json:"storeId,omitempty"`
	}{Name: name, URL: rawURL, StoreID: storeID}
	return c.call(ctx, "Network.deleteCookies", params, nil)
}

// Subscribe registers a change listener fed from the browser's cookie change
// events. Slow consumers drop notifications rather than block the read loop.
func (c *Client) Subscribe(buffer int) (<-chan schema.Change, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan schema.Change, buffer)
	id := c.subIDGen.Add(1)
	c.subMu.Lock()
	c.subscribers[id] = ch
	c.subMu.Unlock()
	cancel := func() {
		c.subMu.Lock()
		if existing, ok := c.subscribers[id]; ok {
			delete(c.subscribers, id)
			close(existing)
		}
		c.subMu.Unlock()
	}
	return ch, cancel
}

func (c *Client) call(ctx context.Context, method string, params, result any) error {
	id := c.msgIDGen.Add(1)
	respCh := make(chan rpcResponse, 1)

	c.pendMu.Lock()
	c.pending[id] = respCh
	c.pendMu.Unlock()
	defer func() {
		c.pendMu.Lock()
		delete(c.pending, id)
		c.pendMu.Unlock()
	}()

	data, err := json.Marshal(rpcRequest{ID: id, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", method, err)
	}

	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		return errs.New("store/cdp", errs.CodeStoreUnavailable,
			errs.WithMessage("devtools connection down"),
			errs.WithField("method", method))
	}

	writeCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	err = conn.Write(writeCtx, websocket.MessageText, data)
	cancel()
	if err != nil {
		return errs.New("store/cdp", errs.CodeStoreUnavailable,
			errs.WithMessage("write devtools request"),
			errs.WithField("method", method),
			errs.WithCause(err))
	}

	timer := time.NewTimer(c.callTimeout)
	defer timer.Stop()
	select {
	case resp := <-respCh:
		if resp.Error != nil {
			return errs.New("store/cdp", errs.CodeNetwork,
				errs.WithMessage(resp.Error.Message),
				errs.WithField("method", method),
				errs.WithField("code", strconv.Itoa(resp.Error.Code)))
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("unmarshal %s result: %w", method, err)
			}
		}
		return nil
	case <-timer.C:
		return errs.New("store/cdp", errs.CodeStoreUnavailable,
			errs.WithMessage("devtools call timed out"),
			errs.WithField("method", method))
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return errs.New("store/cdp", errs.CodeStoreUnavailable,
			errs.WithMessage("client closed during call"),
			errs.WithField("method", method))
	}
}

// connectLoop keeps a single session alive until the client context ends,
// re-dialing with exponential backoff.
func (c *Client) connectLoop() error {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = cdpMaxReconnectInterval

	for {
		select {
		case <-c.ctx.Done():
			return context.Canceled
		default:
		}

		conn, _, err := websocket.Dial(c.ctx, c.endpoint, nil)
		if err != nil {
			observability.Log().Error("devtools dial failed",
				observability.Field{Key: "endpoint", Value: c.endpoint},
				observability.Field{Key: "error", Value: err.Error()})
			sleep := backoffCfg.NextBackOff()
			if sleep == backoff.Stop {
				sleep = cdpMaxReconnectInterval
			}
			select {
			case <-c.ctx.Done():
				return context.Canceled
			case <-time.After(sleep):
				continue
			}
		}

		conn.SetReadLimit(cdpReadLimit)

		c.connMu.Lock()
		c.conn = conn
		c.connMu.Unlock()

		c.readyOnce.Do(func() { close(c.ready) })
		backoffCfg.Reset()

		connCtx, connCancel := context.WithCancel(c.ctx)
		errCh := make(chan error, 2)
		var wg sync.WaitGroup
		wg.Add(2)

		go func() {
			defer wg.Done()
			errCh <- c.readLoop(connCtx, conn)
		}()
		go func() {
			defer wg.Done()
			errCh <- c.pingLoop(connCtx, conn)
		}()

		firstErr := <-errCh
		connCancel()

		c.connMu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.connMu.Unlock()

		_ = conn.Close(websocket.StatusNormalClosure, "")
		wg.Wait()
		close(errCh)

		c.failPending()

		if firstErr != nil && !errors.Is(firstErr, context.Canceled) && !errors.Is(firstErr, context.DeadlineExceeded) {
			observability.Log().Error("devtools connection lost",
				observability.Field{Key: "error", Value: firstErr.Error()})
		}

		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop {
			sleep = cdpMaxReconnectInterval
		}
		select {
		case <-c.ctx.Done():
			return context.Canceled
		case <-time.After(sleep):
		}
	}
}

// failPending unblocks callers waiting on a connection that just died.
func (c *Client) failPending() {
	c.pendMu.Lock()
	for id, ch := range c.pending {
		select {
		case ch <- rpcResponse{ID: id, Error: &rpcError{Message: "connection lost"}}:
		default:
		}
		delete(c.pending, id)
	}
	c.pendMu.Unlock()
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return context.Canceled
			}
			if errors.Is(err, net.ErrClosed) {
				return context.Canceled
			}
			if status := websocket.CloseStatus(err); status != -1 {
				if status == websocket.StatusNormalClosure {
					return context.Canceled
				}
				return fmt.Errorf("read: remote closed with status %d", status)
			}
			return fmt.Errorf("read: %w", err)
		}
		if msgType != websocket.MessageText {
			continue
		}

		var msg rpcResponse
		if err := json.Unmarshal(data, &msg); err != nil {
			observability.Log().Error("devtools frame decode failed",
				observability.Field{Key: "error", Value: err.Error()})
			continue
		}

		if msg.ID > 0 {
			c.pendMu.Lock()
			ch, ok := c.pending[msg.ID]
			c.pendMu.Unlock()
			if ok {
				select {
				case ch <- msg:
				default:
				}
			}
			continue
		}

		if msg.Method == "Storage.cookieChanged" || msg.Method == "Network.cookieChanged" {
			c.dispatchChange(msg.Params)
		}
	}
}

func (c *Client) dispatchChange(raw json.RawMessage) {
	var event cookieChangeEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		observability.Log().Error("devtools change event decode failed",
			observability.Field{Key: "error", Value: err.Error()})
		return
	}
	change := schema.Change{
		Cookie:  fromWire(event.Cookie),
		Cause:   mapCause(event.Cause),
		Removed: event.Removed,
	}
	c.subMu.Lock()
	for _, ch := range c.subscribers {
		select {
		case ch <- change:
		default:
		}
	}
	c.subMu.Unlock()
}

func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(cdpPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("ping loop context done: %w", ctx.Err())
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, cdpPingTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return context.Canceled
				}
				if errors.Is(err, net.ErrClosed) {
					return context.Canceled
				}
				return fmt.Errorf("ping: %w", err)
			}
		}
	}
}

func mapCause(cause string) schema.ChangeCause {
	switch cause {
	case "overwrite":
		return schema.CauseOverwrite
	case "expired", "expired-overwrite":
		return schema.CauseExpired
	case "evicted":
		return schema.CauseEvicted
	default:
		return schema.CauseExplicit
	}
}

func toWire(c schema.Cookie) wireCookie {
	wc := wireCookie{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     c.Path,
		Secure:   c.Secure,
		HTTPOnly: c.HTTPOnly,
		SameSite: sameSiteToWire(c.SameSite),
		HostOnly: c.HostOnly,
		StoreID:  c.StoreID,
	}
	if wc.Path == "" {
		wc.Path = "/"
	}
	if c.Expires.IsZero() {
		wc.Session = true
	} else {
		wc.Expires = float64(c.Expires.Unix())
	}
	return wc
}

func fromWire(wc wireCookie) schema.Cookie {
	c := schema.Cookie{
		Name:     wc.Name,
		Value:    wc.Value,
		Domain:   wc.Domain,
		Path:     wc.Path,
		Secure:   wc.Secure,
		HTTPOnly: wc.HTTPOnly,
		SameSite: sameSiteFromWire(wc.SameSite),
		HostOnly: wc.HostOnly,
		StoreID:  wc.StoreID,
	}
	if !wc.Session && wc.Expires > 0 {
		c.Expires = time.Unix(int64(wc.Expires), 0).UTC()
	}
	return c
}

func sameSiteToWire(s schema.SameSite) string {
	switch s {
	case schema.SameSiteLax:
		return "Lax"
	case schema.SameSiteStrict:
		return "Strict"
	case schema.SameSiteNone:
		return "None"
	default:
		return ""
	}
}

func sameSiteFromWire(s string) schema.SameSite {
	switch s {
	case "Lax":
		return schema.SameSiteLax
	case "Strict":
		return schema.SameSiteStrict
	case "None":
		return schema.SameSiteNone
	default:
		return schema.SameSiteUnspecified
	}
}
