// Package gateway maintains one authenticated WebSocket connection to a
// moltbot gateway: dialing, the connect handshake, request/response
// correlation, server-push event routing, and reconnection with backoff.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/moltbook/mcc/internal/identity"
	"github.com/moltbook/mcc/internal/wire"
)

// ErrNotConnected is returned for sends attempted while no authenticated
// connection is up. Callers check Connected or handle the error; nothing is
// queued.
var ErrNotConnected = errors.New("gateway: not connected")

const (
	writeTimeout = 10 * time.Second
	readLimit    = 512 * 1024

	// defaultChallengeWait bounds how long a connection attempt waits for a
	// connect.challenge before sending the connect request without a nonce.
	// Local gateways may never issue a challenge.
	defaultChallengeWait = 750 * time.Millisecond
)

// Defaults for the connect request's client descriptor and grants.
const (
	DefaultClientID    = "webchat"
	DefaultDisplayName = "Moltbot Command Center"
	DefaultMode        = "webchat"
	RoleOperator       = "operator"
)

// DefaultScopes are the operator scopes requested on connect.
var DefaultScopes = []string{"operator.read", "operator.write", "operator.admin"}

// State is the consumer-visible connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Session captures what the gateway granted during the handshake. It lives
// from hello-ok until the transport closes.
type Session struct {
	Protocol     int
	Role         string
	Scopes       []string
	DeviceToken  string
	TickInterval time.Duration
}

// CallError is an application-level failure the gateway returned for one
// call. Other in-flight calls and the connection are unaffected.
type CallError struct {
	Method  string
	Message string
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s: %s", e.Method, e.Message)
}

// Client is an outbound WebSocket client for the gateway. Configure the
// exported fields before calling Run; they are not read until then.
//
// Exactly one of Token or Identity authenticates the connect request: a
// bearer token is preferred and skips device signing entirely. The token
// travels only in the handshake's auth field, never in the URL.
type Client struct {
	URL   string
	Token string

	Identity *identity.Identity

	ClientID    string // defaults to DefaultClientID
	DisplayName string // defaults to DefaultDisplayName
	Version     string
	Platform    string
	Mode        string // defaults to DefaultMode
	UserAgent   string
	Locale      string

	OnHello       func(hello wire.HelloOK)
	OnChatEvent   func(evt wire.ChatEvent)
	OnStateChange func(state State, err error)

	Log *slog.Logger

	// ChallengeWait overrides the challenge fallback timer (tests).
	ChallengeWait time.Duration

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	session   *Session
	pending   map[string]chan wire.Frame
	token     string // live token, survives config reloads
}

// Run connects and serves until ctx is cancelled, redialing on every close
// or error with exponential backoff. The backoff resets after each
// successful handshake; attempts continue indefinitely.
func (c *Client) Run(ctx context.Context) error {
	bo := NewBackoff()
	for {
		c.notifyState(StateConnecting, nil)
		authed, err := c.connectAndServe(ctx)
		if ctx.Err() != nil {
			c.notifyState(StateDisconnected, ctx.Err())
			return ctx.Err()
		}
		if authed {
			bo.Reset()
		}
		delay := bo.Next()
		c.log().Info("gateway disconnected", "error", err, "retry_in", delay)
		select {
		case <-ctx.Done():
			c.notifyState(StateDisconnected, ctx.Err())
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// connectAttempt guards the once-per-connection connect request against the
// challenge path and the fallback timer racing.
type connectAttempt struct {
	mu   sync.Mutex
	sent bool
	id   string
}

func (a *connectAttempt) claim(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sent {
		return false
	}
	a.sent = true
	a.id = id
	return true
}

func (a *connectAttempt) isConnect(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sent && id != "" && id == a.id
}

func (c *Client) connectAndServe(ctx context.Context) (authed bool, err error) {
	conn, _, dialErr := websocket.Dial(ctx, c.URL, nil)
	if dialErr != nil {
		return false, fmt.Errorf("dial: %w", dialErr)
	}
	conn.SetReadLimit(readLimit)

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	defer func() {
		conn.CloseNow()
		c.mu.Lock()
		c.conn = nil
		c.connected = false
		c.session = nil
		// Pending calls are abandoned, not rejected; callers bound their
		// own wait with a context.
		c.pending = make(map[string]chan wire.Frame)
		c.mu.Unlock()
		c.notifyState(StateDisconnected, err)
	}()

	attempt := &connectAttempt{}
	fallback := time.AfterFunc(c.challengeWait(), func() {
		if err := c.sendConnect(ctx, attempt, ""); err != nil {
			c.log().Warn("connect fallback failed", "error", err)
		}
	})
	defer fallback.Stop()

	for {
		_, data, readErr := conn.Read(ctx)
		if readErr != nil {
			return authed, fmt.Errorf("read: %w", readErr)
		}

		f, decErr := wire.Decode(data)
		if decErr != nil {
			c.log().Warn("dropping malformed frame", "error", decErr)
			continue
		}

		switch f.Type {
		case wire.TypeResponse:
			if attempt.isConnect(f.ID) {
				hello, helloErr := c.completeHandshake(f)
				if helloErr != nil {
					return authed, helloErr
				}
				authed = true
				c.notifyState(StateConnected, nil)
				if c.OnHello != nil {
					c.OnHello(*hello)
				}
				continue
			}
			c.resolve(f)

		case wire.TypeEvent:
			c.routeEvent(ctx, attempt, fallback, f)

		default:
			// Unknown frame types are ignored.
		}
	}
}

// completeHandshake validates the connect response and installs the session.
func (c *Client) completeHandshake(f wire.Frame) (*wire.HelloOK, error) {
	if !f.OK {
		msg := "connect rejected"
		if f.Error != nil && f.Error.Message != "" {
			msg = f.Error.Message
		}
		return nil, fmt.Errorf("handshake: %s", msg)
	}
	var hello wire.HelloOK
	if err := json.Unmarshal(f.Payload, &hello); err != nil || hello.Type != wire.HelloType {
		return nil, errors.New("handshake: unexpected connect payload")
	}

	sess := &Session{Protocol: hello.Protocol, Role: RoleOperator, Scopes: DefaultScopes}
	if hello.Auth != nil {
		if hello.Auth.Role != "" {
			sess.Role = hello.Auth.Role
		}
		if len(hello.Auth.Scopes) > 0 {
			sess.Scopes = hello.Auth.Scopes
		}
		sess.DeviceToken = hello.Auth.DeviceToken
	}
	if hello.Policy != nil && hello.Policy.TickIntervalMs > 0 {
		sess.TickInterval = time.Duration(hello.Policy.TickIntervalMs) * time.Millisecond
	}

	c.mu.Lock()
	c.connected = true
	c.session = sess
	if c.pending == nil {
		c.pending = make(map[string]chan wire.Frame)
	}
	c.mu.Unlock()

	c.log().Info("gateway authenticated", "protocol", hello.Protocol, "role", sess.Role)
	return &hello, nil
}

func (c *Client) routeEvent(ctx context.Context, attempt *connectAttempt, fallback *time.Timer, f wire.Frame) {
	switch f.Event {
	case wire.EventConnectChallenge:
		var ch wire.ChallengePayload
		if err := json.Unmarshal(f.Payload, &ch); err != nil || ch.Nonce == "" {
			return
		}
		fallback.Stop()
		if err := c.sendConnect(ctx, attempt, ch.Nonce); err != nil {
			c.log().Warn("connect after challenge failed", "error", err)
		}

	case wire.EventChat:
		var evt wire.ChatEvent
		if err := json.Unmarshal(f.Payload, &evt); err != nil {
			c.log().Warn("dropping bad chat event", "error", err)
			return
		}
		if c.OnChatEvent != nil {
			c.OnChatEvent(evt)
		}

	default:
		// Unrecognized event names are ignored without error.
	}
}

// sendConnect builds and transmits the connect request. It sends at most
// once per connection attempt regardless of how the challenge and the
// fallback timer interleave.
func (c *Client) sendConnect(ctx context.Context, attempt *connectAttempt, nonce string) error {
	id := uuid.NewString()
	if !attempt.claim(id) {
		return nil
	}

	params := wire.ConnectParams{
		MinProtocol: wire.ProtocolVersion,
		MaxProtocol: wire.ProtocolVersion,
		Client: wire.ClientInfo{
			ID:          c.clientID(),
			DisplayName: c.displayName(),
			Version:     c.Version,
			Platform:    c.Platform,
			Mode:        c.mode(),
		},
		Role:      RoleOperator,
		Scopes:    DefaultScopes,
		Caps:      []string{},
		UserAgent: c.UserAgent,
		Locale:    c.Locale,
	}

	if tok := c.currentToken(); tok != "" {
		params.Auth = &wire.TokenAuth{Token: tok}
	} else {
		if c.Identity == nil {
			return errors.New("no token and no device identity")
		}
		signedAt := time.Now().UnixMilli()
		payload := identity.BuildAuthPayload(identity.AuthPayloadFields{
			DeviceID:   c.Identity.DeviceID,
			ClientID:   c.clientID(),
			ClientMode: c.mode(),
			Role:       RoleOperator,
			Scopes:     DefaultScopes,
			SignedAtMs: signedAt,
			Nonce:      nonce,
		})
		sig, err := c.Identity.Sign(payload)
		if err != nil {
			return fmt.Errorf("sign auth payload: %w", err)
		}
		params.Device = &wire.DeviceAuth{
			ID:        c.Identity.DeviceID,
			PublicKey: c.Identity.PublicKey,
			Signature: sig,
			SignedAt:  signedAt,
			Nonce:     nonce,
		}
	}

	return c.writeFrame(ctx, wire.NewRequest(id, wire.MethodConnect, params))
}

// Send transmits a fire-and-forget request. The outcome is not tracked;
// any response frame is discarded. Fails fast while disconnected.
func (c *Client) Send(ctx context.Context, method string, params any) error {
	c.mu.Lock()
	ok := c.connected
	c.mu.Unlock()
	if !ok {
		return ErrNotConnected
	}
	return c.writeFrame(ctx, wire.NewRequest(uuid.NewString(), method, params))
}

// Call sends a request and waits for the matching response. No internal
// timeout is applied: bound the wait with ctx. If the connection drops
// before the response arrives the call stays pending until ctx is done.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	if !c.connected || c.conn == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	if c.pending == nil {
		c.pending = make(map[string]chan wire.Frame)
	}
	id := uuid.NewString()
	ch := make(chan wire.Frame, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.writeFrame(ctx, wire.NewRequest(id, method, params)); err != nil {
		c.dropPending(id)
		return nil, err
	}

	select {
	case f := <-ch:
		if !f.OK {
			msg := "request failed"
			if f.Error != nil && f.Error.Message != "" {
				msg = f.Error.Message
			}
			return nil, &CallError{Method: method, Message: msg}
		}
		return f.Payload, nil
	case <-ctx.Done():
		c.dropPending(id)
		return nil, ctx.Err()
	}
}

// resolve hands a response frame to the matching pending call, if any.
// Responses with no pending entry (including late arrivals for abandoned
// calls) are dropped.
func (c *Client) resolve(f wire.Frame) {
	c.mu.Lock()
	ch := c.pending[f.ID]
	delete(c.pending, f.ID)
	c.mu.Unlock()
	if ch != nil {
		ch <- f
	}
}

func (c *Client) dropPending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Connected reports whether a handshake has completed on the live
// connection.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Session returns a copy of the current session, or nil while disconnected.
func (c *Client) Session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	sess := *c.session
	return &sess
}

// SetToken replaces the bearer token used by future connection attempts,
// e.g. after a config reload. The live connection is not disturbed.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) currentToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" {
		return c.token
	}
	return c.Token
}

func (c *Client) writeFrame(ctx context.Context, f wire.Frame) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

func (c *Client) notifyState(state State, err error) {
	if c.OnStateChange != nil {
		c.OnStateChange(state, err)
	}
}

func (c *Client) challengeWait() time.Duration {
	if c.ChallengeWait > 0 {
		return c.ChallengeWait
	}
	return defaultChallengeWait
}

func (c *Client) clientID() string {
	if c.ClientID != "" {
		return c.ClientID
	}
	return DefaultClientID
}

func (c *Client) displayName() string {
	if c.DisplayName != "" {
		return c.DisplayName
	}
	return DefaultDisplayName
}

func (c *Client) mode() string {
	if c.Mode != "" {
		return c.Mode
	}
	return DefaultMode
}

func (c *Client) log() *slog.Logger {
	if c.Log != nil {
		return c.Log
	}
	return slog.Default()
}
