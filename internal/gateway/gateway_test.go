package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/moltbook/mcc/internal/identity"
	"github.com/moltbook/mcc/internal/wire"
)

func TestBackoffGrowth(t *testing.T) {
	bo := &Backoff{Base: backoffBase, Max: backoffMax}

	expected := []time.Duration{
		750 * time.Millisecond,
		1500 * time.Millisecond,
		3 * time.Second,
		6 * time.Second,
		12 * time.Second,
		15 * time.Second, // capped
		15 * time.Second, // stays capped
	}

	for i, want := range expected {
		got := bo.Next()
		if got != want {
			t.Errorf("attempt %d: got %v, want %v", i, got, want)
		}
	}
}

func TestBackoffReset(t *testing.T) {
	bo := &Backoff{Base: backoffBase, Max: backoffMax}
	bo.Next()
	bo.Next()
	bo.Next()
	bo.Reset()

	got := bo.Next()
	if got != backoffBase {
		t.Errorf("after reset: got %v, want %v", got, backoffBase)
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	bo := NewBackoff()
	for i := 0; i < 20; i++ {
		got := bo.Next()
		if got < backoffBase || got > backoffMax+backoffJitter {
			t.Errorf("attempt %d: %v outside [%v, %v]", i, got, backoffBase, backoffMax+backoffJitter)
		}
	}
}

func TestClientSendWhenDisconnected(t *testing.T) {
	c := &Client{URL: "ws://localhost:0"}
	if err := c.Send(context.Background(), wire.MethodChatSend, nil); err != ErrNotConnected {
		t.Errorf("Send while disconnected: got %v, want ErrNotConnected", err)
	}
	if _, err := c.Call(context.Background(), wire.MethodSessionsList, nil); err != ErrNotConnected {
		t.Errorf("Call while disconnected: got %v, want ErrNotConnected", err)
	}
}

func newTestServer(t *testing.T, handler func(*websocket.Conn)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			t.Logf("accept error: %v", err)
			return
		}
		handler(conn)
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// readConnect reads frames until the connect request arrives and returns it
// decoded.
func readConnect(t *testing.T, ctx context.Context, conn *websocket.Conn) (wire.Frame, wire.ConnectParams) {
	t.Helper()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("server read: %v", err)
		}
		var f wire.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			t.Fatalf("server decode: %v", err)
		}
		if f.Type != wire.TypeRequest || f.Method != wire.MethodConnect {
			continue
		}
		raw, _ := json.Marshal(f.Params)
		var params wire.ConnectParams
		if err := json.Unmarshal(raw, &params); err != nil {
			t.Fatalf("decode connect params: %v", err)
		}
		return f, params
	}
}

func writeHelloOK(t *testing.T, ctx context.Context, conn *websocket.Conn, reqID string) {
	t.Helper()
	payload, _ := json.Marshal(wire.HelloOK{
		Type:     wire.HelloType,
		Protocol: wire.ProtocolVersion,
		Auth:     &wire.HelloAuth{DeviceToken: "dev-token", Role: "operator", Scopes: []string{"operator.read"}},
		Policy:   &wire.HelloPolicy{TickIntervalMs: 30000},
	})
	res := wire.Frame{Type: wire.TypeResponse, ID: reqID, OK: true, Payload: payload}
	data, _ := json.Marshal(res)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("server write hello: %v", err)
	}
}

func writeFrame(t *testing.T, ctx context.Context, conn *websocket.Conn, f wire.Frame) {
	t.Helper()
	data, _ := json.Marshal(f)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("server write: %v", err)
	}
}

// startClient runs c in the background and waits for the handshake to
// complete. The returned cancel stops the run loop.
func startClient(t *testing.T, c *Client) context.CancelFunc {
	t.Helper()
	ready := make(chan struct{}, 4)
	prev := c.OnStateChange
	c.OnStateChange = func(state State, err error) {
		if prev != nil {
			prev(state, err)
		}
		if state == StateConnected {
			ready <- struct{}{}
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	select {
	case <-ready:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for handshake")
	}
	return cancel
}

func TestClientHandshakeWithToken(t *testing.T) {
	var params wire.ConnectParams
	var mu sync.Mutex

	srv := newTestServer(t, func(conn *websocket.Conn) {
		ctx := context.Background()
		f, p := readConnect(t, ctx, conn)
		mu.Lock()
		params = p
		mu.Unlock()
		writeHelloOK(t, ctx, conn, f.ID)
		time.Sleep(500 * time.Millisecond)
		conn.Close(websocket.StatusNormalClosure, "done")
	})
	defer srv.Close()

	c := &Client{URL: wsURL(srv), Token: "secret", ChallengeWait: 20 * time.Millisecond}
	startClient(t, c)

	mu.Lock()
	defer mu.Unlock()
	if params.Auth == nil || params.Auth.Token != "secret" {
		t.Errorf("connect auth = %+v, want token %q", params.Auth, "secret")
	}
	if params.Device != nil {
		t.Error("device auth should be omitted when a token is set")
	}
	if params.MinProtocol != wire.ProtocolVersion || params.MaxProtocol != wire.ProtocolVersion {
		t.Errorf("protocol range = [%d, %d], want [%d, %d]",
			params.MinProtocol, params.MaxProtocol, wire.ProtocolVersion, wire.ProtocolVersion)
	}

	sess := c.Session()
	if sess == nil {
		t.Fatal("no session after handshake")
	}
	if sess.DeviceToken != "dev-token" {
		t.Errorf("session device token = %q, want %q", sess.DeviceToken, "dev-token")
	}
	if sess.TickInterval != 30*time.Second {
		t.Errorf("tick interval = %v, want 30s", sess.TickInterval)
	}
}

func TestClientChallengeSignsNonce(t *testing.T) {
	store := identity.NewStore(t.TempDir())
	id, err := store.LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}

	var connects int
	var device *wire.DeviceAuth
	var mu sync.Mutex

	srv := newTestServer(t, func(conn *websocket.Conn) {
		ctx := context.Background()
		ch, _ := json.Marshal(wire.ChallengePayload{Nonce: "nonce-abc"})
		writeFrame(t, ctx, conn, wire.Frame{Type: wire.TypeEvent, Event: wire.EventConnectChallenge, Payload: ch})

		f, p := readConnect(t, ctx, conn)
		mu.Lock()
		connects++
		device = p.Device
		mu.Unlock()
		writeHelloOK(t, ctx, conn, f.ID)
		time.Sleep(500 * time.Millisecond)
		conn.Close(websocket.StatusNormalClosure, "done")
	})
	defer srv.Close()

	c := &Client{URL: wsURL(srv), Identity: id, ChallengeWait: 2 * time.Second}
	startClient(t, c)

	mu.Lock()
	defer mu.Unlock()
	if connects != 1 {
		t.Fatalf("connect sent %d times, want 1", connects)
	}
	if device == nil {
		t.Fatal("no device auth in connect params")
	}
	if device.Nonce != "nonce-abc" {
		t.Errorf("nonce = %q, want %q", device.Nonce, "nonce-abc")
	}
	if device.ID != id.DeviceID {
		t.Errorf("device id = %q, want %q", device.ID, id.DeviceID)
	}

	payload := identity.BuildAuthPayload(identity.AuthPayloadFields{
		DeviceID:   device.ID,
		ClientID:   DefaultClientID,
		ClientMode: DefaultMode,
		Role:       RoleOperator,
		Scopes:     DefaultScopes,
		SignedAtMs: device.SignedAt,
		Nonce:      device.Nonce,
	})
	if !identity.Verify(device.PublicKey, payload, device.Signature) {
		t.Error("device signature does not verify against the challenge payload")
	}
}

func TestClientFallbackConnectWithoutChallenge(t *testing.T) {
	var device *wire.DeviceAuth
	var mu sync.Mutex

	srv := newTestServer(t, func(conn *websocket.Conn) {
		ctx := context.Background()
		// Never send a challenge; the client must connect on its own.
		f, p := readConnect(t, ctx, conn)
		mu.Lock()
		device = p.Device
		mu.Unlock()
		writeHelloOK(t, ctx, conn, f.ID)
		time.Sleep(500 * time.Millisecond)
		conn.Close(websocket.StatusNormalClosure, "done")
	})
	defer srv.Close()

	store := identity.NewStore(t.TempDir())
	id, err := store.LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}

	c := &Client{URL: wsURL(srv), Identity: id, ChallengeWait: 30 * time.Millisecond}
	startClient(t, c)

	mu.Lock()
	defer mu.Unlock()
	if device == nil {
		t.Fatal("no device auth in connect params")
	}
	if device.Nonce != "" {
		t.Errorf("nonce = %q, want empty for fallback connect", device.Nonce)
	}
}

func TestClientCallMultiplexing(t *testing.T) {
	srv := newTestServer(t, func(conn *websocket.Conn) {
		ctx := context.Background()
		f, _ := readConnect(t, ctx, conn)
		writeHelloOK(t, ctx, conn, f.ID)

		// Collect two requests, answer them in reverse order.
		var reqs []wire.Frame
		for len(reqs) < 2 {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var req wire.Frame
			if err := json.Unmarshal(data, &req); err != nil {
				continue
			}
			reqs = append(reqs, req)
		}
		for i := len(reqs) - 1; i >= 0; i-- {
			payload, _ := json.Marshal(map[string]string{"for": reqs[i].Method})
			writeFrame(t, ctx, conn, wire.Frame{Type: wire.TypeResponse, ID: reqs[i].ID, OK: true, Payload: payload})
		}
		time.Sleep(time.Second)
		conn.Close(websocket.StatusNormalClosure, "done")
	})
	defer srv.Close()

	c := &Client{URL: wsURL(srv), Token: "t", ChallengeWait: 20 * time.Millisecond}
	startClient(t, c)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	results := make([]string, 2)
	errs := make([]error, 2)
	for i, method := range []string{"alpha", "beta"} {
		i, method := i, method
		wg.Add(1)
		go func() {
			defer wg.Done()
			raw, err := c.Call(ctx, method, nil)
			if err != nil {
				errs[i] = err
				return
			}
			var m map[string]string
			json.Unmarshal(raw, &m)
			results[i] = m["for"]
		}()
	}
	wg.Wait()

	for i, method := range []string{"alpha", "beta"} {
		if errs[i] != nil {
			t.Fatalf("call %s: %v", method, errs[i])
		}
		if results[i] != method {
			t.Errorf("call %s resolved with response for %q", method, results[i])
		}
	}
}

func TestClientCallError(t *testing.T) {
	srv := newTestServer(t, func(conn *websocket.Conn) {
		ctx := context.Background()
		f, _ := readConnect(t, ctx, conn)
		writeHelloOK(t, ctx, conn, f.ID)

		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var req wire.Frame
		json.Unmarshal(data, &req)
		writeFrame(t, ctx, conn, wire.Frame{
			Type:  wire.TypeResponse,
			ID:    req.ID,
			OK:    false,
			Error: &wire.ErrorDetail{Message: "no such session"},
		})
		time.Sleep(time.Second)
		conn.Close(websocket.StatusNormalClosure, "done")
	})
	defer srv.Close()

	c := &Client{URL: wsURL(srv), Token: "t", ChallengeWait: 20 * time.Millisecond}
	startClient(t, c)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := c.Call(ctx, wire.MethodSessionsList, nil)
	var callErr *CallError
	if !errors.As(err, &callErr) {
		t.Fatalf("Call error = %v, want *CallError", err)
	}
	if callErr.Message != "no such session" {
		t.Errorf("error message = %q, want %q", callErr.Message, "no such session")
	}
}

func TestClientIgnoresMalformedFrames(t *testing.T) {
	srv := newTestServer(t, func(conn *websocket.Conn) {
		ctx := context.Background()
		conn.Write(ctx, websocket.MessageText, []byte("not json"))
		conn.Write(ctx, websocket.MessageText, []byte(`{"type":"mystery"}`))

		f, _ := readConnect(t, ctx, conn)
		writeHelloOK(t, ctx, conn, f.ID)
		time.Sleep(500 * time.Millisecond)
		conn.Close(websocket.StatusNormalClosure, "done")
	})
	defer srv.Close()

	c := &Client{URL: wsURL(srv), Token: "t", ChallengeWait: 20 * time.Millisecond}
	startClient(t, c)

	if !c.Connected() {
		t.Error("client should survive malformed frames and authenticate")
	}
}

func TestClientChatEventDelivery(t *testing.T) {
	srv := newTestServer(t, func(conn *websocket.Conn) {
		ctx := context.Background()
		f, _ := readConnect(t, ctx, conn)
		writeHelloOK(t, ctx, conn, f.ID)

		payload, _ := json.Marshal(wire.ChatEvent{
			RunID:      "run-1",
			SessionKey: "main",
			Seq:        1,
			State:      wire.StateFinal,
			Message: &wire.EventMessage{
				Role:    "assistant",
				Content: []wire.ContentBlock{{Type: wire.BlockText, Text: "hello"}},
			},
		})
		writeFrame(t, ctx, conn, wire.Frame{Type: wire.TypeEvent, Event: wire.EventChat, Seq: 1, Payload: payload})
		time.Sleep(time.Second)
		conn.Close(websocket.StatusNormalClosure, "done")
	})
	defer srv.Close()

	events := make(chan wire.ChatEvent, 1)
	c := &Client{
		URL:           wsURL(srv),
		Token:         "t",
		ChallengeWait: 20 * time.Millisecond,
		OnChatEvent:   func(evt wire.ChatEvent) { events <- evt },
	}
	startClient(t, c)

	select {
	case evt := <-events:
		if evt.RunID != "run-1" || evt.State != wire.StateFinal {
			t.Errorf("event = %+v, want run-1/final", evt)
		}
		if got := evt.Message.Text(); got != "hello" {
			t.Errorf("message text = %q, want %q", got, "hello")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for chat event")
	}
}

func TestClientReconnect(t *testing.T) {
	var connCount int
	var mu sync.Mutex

	srv := newTestServer(t, func(conn *websocket.Conn) {
		mu.Lock()
		connCount++
		n := connCount
		mu.Unlock()

		ctx := context.Background()
		f, _ := readConnect(t, ctx, conn)
		writeHelloOK(t, ctx, conn, f.ID)

		if n == 1 {
			conn.Close(websocket.StatusGoingAway, "test disconnect")
			return
		}
		time.Sleep(2 * time.Second)
		conn.Close(websocket.StatusNormalClosure, "done")
	})
	defer srv.Close()

	c := &Client{URL: wsURL(srv), Token: "t", ChallengeWait: 20 * time.Millisecond}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- c.Run(ctx)
	}()

	deadline := time.After(8 * time.Second)
	for {
		mu.Lock()
		n := connCount
		mu.Unlock()
		if n >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for reconnect, connections: %d", n)
		case <-time.After(100 * time.Millisecond):
		}
	}

	cancel()
	<-done
}

func TestClientHandshakeRejected(t *testing.T) {
	srv := newTestServer(t, func(conn *websocket.Conn) {
		ctx := context.Background()
		f, _ := readConnect(t, ctx, conn)
		writeFrame(t, ctx, conn, wire.Frame{
			Type:  wire.TypeResponse,
			ID:    f.ID,
			OK:    false,
			Error: &wire.ErrorDetail{Message: "bad credentials"},
		})
		time.Sleep(200 * time.Millisecond)
		conn.Close(websocket.StatusNormalClosure, "done")
	})
	defer srv.Close()

	states := make(chan State, 16)
	c := &Client{
		URL:           wsURL(srv),
		Token:         "wrong",
		ChallengeWait: 20 * time.Millisecond,
		OnStateChange: func(state State, err error) { states <- state },
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case s := <-states:
			if s == StateConnected {
				t.Fatal("client reported connected despite rejected handshake")
			}
			if s == StateDisconnected {
				if c.Connected() {
					t.Error("Connected() true after rejection")
				}
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for disconnect after rejection")
		}
	}
}
