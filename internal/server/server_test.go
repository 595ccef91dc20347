package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/a-essam23/go-courier/internal/store"
	"github.com/a-essam23/go-courier/internal/store/storetest"
	"github.com/a-essam23/go-courier/pkg/config"
	"github.com/a-essam23/go-courier/pkg/logging"
	"github.com/a-essam23/go-courier/pkg/state"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/golang-jwt/jwt/v5"
)

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Address:         "127.0.0.1:0",
			ConnectionLimit: config.ConnectionLimitConfig{Mode: "reject"},
			ShutdownTimeout: 5 * time.Second,
		},
		Transport: config.TransportConfig{
			WriteTimeout: 5 * time.Second,
			SendBuffer:   16,
		},
		Reaper:  config.ReaperConfig{Interval: time.Minute},
		Metrics: config.MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

func startApp(t *testing.T, cfg *config.Config) (*App, *httptest.Server) {
	t.Helper()
	app, err := NewApp(context.Background(), logging.Discard(), cfg, storetest.New(t))
	if err != nil {
		t.Fatalf("NewApp failed: %v", err)
	}
	srv := httptest.NewServer(app.Handler())
	t.Cleanup(srv.Close)
	t.Cleanup(func() {
		if err := app.Shutdown(); err != nil {
			t.Errorf("Shutdown failed: %v", err)
		}
	})
	return app, srv
}

func dial(t *testing.T, srv *httptest.Server, path string, header http.Header) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		t.Fatalf("dial %s failed: %v", path, err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

// roundTrip writes one frame and returns the next frame the server sends.
func roundTrip(t *testing.T, conn *websocket.Conn, frame string) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte(frame)); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	return next(t, conn)
}

func next(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var m map[string]any
	if err := wsjson.Read(ctx, conn, &m); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	return m
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestChatEndToEnd(t *testing.T) {
	app, srv := startApp(t, testConfig())
	alice := dial(t, srv, "/ws", nil)
	bob := dial(t, srv, "/ws", nil)

	if got := roundTrip(t, alice, `{"kind":"sendChat","chatId":"1-2","content":{"type":"text","body":"early"}}`); got["code"] != "NotIdentified" {
		t.Fatalf("expected NotIdentified before identify, got %v", got)
	}
	if got := roundTrip(t, alice, `{"kind":"identify","userId":"1"}`); got["kind"] != "ok" || got["userId"] != "1" {
		t.Fatalf("unexpected identify reply %v", got)
	}
	if got := roundTrip(t, bob, `{"kind":"identify","userId":"2"}`); got["kind"] != "ok" {
		t.Fatalf("unexpected identify reply %v", got)
	}

	joined := roundTrip(t, alice, `{"kind":"joinChat","target":"2"}`)
	if joined["chatId"] != "1-2" {
		t.Fatalf("unexpected joinChat reply %v", joined)
	}

	ack := roundTrip(t, alice, `{"kind":"sendChat","chatId":"1-2","content":{"type":"text","body":"hello bob"}}`)
	if ack["forKind"] != "sendChat" || ack["messageId"] == nil {
		t.Fatalf("unexpected ack %v", ack)
	}
	push := next(t, bob)
	msg, _ := push["message"].(map[string]any)
	if push["kind"] != "receiveChat" || push["chatId"] != "1-2" || msg["content"] != "hello bob" || msg["senderId"] != "1" {
		t.Fatalf("unexpected push %v", push)
	}
	if msg["messageId"] != ack["messageId"] || msg["timestamp"] != ack["timestamp"] {
		t.Errorf("push %v does not match ack %v", msg, ack)
	}

	if !app.registry.IsPresent("2", state.ChannelChat) {
		t.Fatal("bob should be present")
	}
	bob.Close(websocket.StatusNormalClosure, "bye")
	waitFor(t, "bob to leave the registry", func() bool { return !app.registry.IsPresent("2", state.ChannelAny) })
}

func TestSignalEndToEnd(t *testing.T) {
	_, srv := startApp(t, testConfig())
	caller := dial(t, srv, "/signal", nil)
	callee := dial(t, srv, "/signal", nil)

	if got := roundTrip(t, caller, `{"event":"register","data":{"userId":"a"}}`); got["event"] != "registered" {
		t.Fatalf("unexpected register reply %v", got)
	}
	if got := roundTrip(t, callee, `{"event":"register","data":{"userId":"b"}}`); got["event"] != "registered" {
		t.Fatalf("unexpected register reply %v", got)
	}

	ringing := roundTrip(t, caller, `{"event":"call-user","data":{"receiverId":"b","callType":"video","callId":"call-1","signal":{"sdp":"offer"}}}`)
	data, _ := ringing["data"].(map[string]any)
	if ringing["event"] != "call-response" || data["status"] != "ringing" {
		t.Fatalf("unexpected call-user reply %v", ringing)
	}
	incoming := next(t, callee)
	data, _ = incoming["data"].(map[string]any)
	if incoming["event"] != "incoming-call" || data["callId"] != "call-1" || data["callerId"] != "a" {
		t.Fatalf("unexpected incoming-call %v", incoming)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, callee, map[string]any{
		"event": "accept-call",
		"data":  map[string]any{"callId": "call-1", "signal": json.RawMessage(`{"sdp":"answer"}`)},
	}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	accepted := next(t, caller)
	if accepted["event"] != "call-accepted" {
		t.Fatalf("unexpected accept push %v", accepted)
	}

	// the callee dropping its only signaling connection ends the call
	callee.Close(websocket.StatusGoingAway, "")
	ended := next(t, caller)
	data, _ = ended["data"].(map[string]any)
	if ended["event"] != "call-ended" || data["reason"] != "disconnected" {
		t.Errorf("unexpected end push %v", ended)
	}
}

// connectCall registers a and b on /signal and brings call-1 to connected.
func connectCall(t *testing.T, srv *httptest.Server) (caller, callee *websocket.Conn) {
	t.Helper()
	caller = dial(t, srv, "/signal", nil)
	callee = dial(t, srv, "/signal", nil)
	roundTrip(t, caller, `{"event":"register","data":{"userId":"a"}}`)
	roundTrip(t, callee, `{"event":"register","data":{"userId":"b"}}`)
	roundTrip(t, caller, `{"event":"call-user","data":{"receiverId":"b","callType":"audio","callId":"call-1","signal":{}}}`)
	next(t, callee)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := callee.Write(ctx, websocket.MessageText, []byte(`{"event":"accept-call","data":{"callId":"call-1","signal":{}}}`)); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	return caller, callee
}

// drain keeps reading so the client answers pings, and returns what arrived.
func drain(conn *websocket.Conn) <-chan []byte {
	frames := make(chan []byte, 16)
	go func() {
		defer close(frames)
		for {
			_, data, err := conn.Read(context.Background())
			if err != nil {
				return
			}
			frames <- data
		}
	}()
	return frames
}

func TestIdleConnectedCallStaysUp(t *testing.T) {
	cfg := testConfig()
	cfg.Transport.PingInterval = 50 * time.Millisecond
	cfg.Transport.WriteTimeout = time.Second
	app, srv := startApp(t, cfg)

	caller, callee := connectCall(t, srv)
	if accepted := next(t, caller); accepted["event"] != "call-accepted" {
		t.Fatalf("unexpected accept push %v", accepted)
	}
	callerFrames, calleeFrames := drain(caller), drain(callee)

	// many heartbeats pass with no signaling traffic
	time.Sleep(time.Second)

	sess, ok := app.calls.Lookup("call-1")
	if !ok || sess.State != store.CallConnected {
		t.Fatalf("call should still be connected, got %+v live=%v", sess, ok)
	}
	for _, user := range []string{"a", "b"} {
		if !app.registry.IsPresent(user, state.ChannelSignal) {
			t.Errorf("%s should still be present", user)
		}
	}
	for _, frames := range []<-chan []byte{callerFrames, calleeFrames} {
		select {
		case f, open := <-frames:
			if open {
				t.Errorf("unexpected frame while idle: %s", f)
			} else {
				t.Error("connection closed while idle")
			}
		default:
		}
	}
}

func TestHandshakeTokenIdentifiesConnection(t *testing.T) {
	cfg := testConfig()
	cfg.Server.Auth.JWTSecret = "s3cret"
	app, srv := startApp(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	if _, resp, err := websocket.Dial(ctx, url, nil); err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a token, got resp=%v err=%v", resp, err)
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "carol"}).SignedString([]byte("s3cret"))
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	conn := dial(t, srv, "/ws", http.Header{"Authorization": []string{"Bearer " + token}})
	waitFor(t, "carol to be present", func() bool { return app.registry.IsPresent("carol", state.ChannelChat) })

	if got := roundTrip(t, conn, `{"kind":"identify","userId":"mallory"}`); got["code"] != "IdentityMismatch" {
		t.Errorf("expected IdentityMismatch, got %v", got)
	}
	if got := roundTrip(t, conn, `{"kind":"joinChat","target":"dave"}`); got["chatId"] != "carol-dave" {
		t.Errorf("token identity should allow requests without identify, got %v", got)
	}
}

func TestHandshakeLimitIsPerChannel(t *testing.T) {
	cfg := testConfig()
	cfg.Server.Auth.JWTSecret = "s3cret"
	cfg.Server.ConnectionLimit = config.ConnectionLimitConfig{MaxPerUser: 1, Mode: "reject"}
	app, srv := startApp(t, cfg)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "erin"}).SignedString([]byte("s3cret"))
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	header := http.Header{"Authorization": []string{"Bearer " + token}}
	dial(t, srv, "/ws", header)
	waitFor(t, "erin on chat", func() bool { return app.registry.IsPresent("erin", state.ChannelChat) })
	dial(t, srv, "/signal", header)
	waitFor(t, "erin on signal", func() bool { return app.registry.IsPresent("erin", state.ChannelSignal) })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	if _, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header}); err == nil || resp == nil || resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429 for a second chat connection, got resp=%v err=%v", resp, err)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	_, srv := startApp(t, testConfig())

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"status":"ok"`) {
		t.Errorf("unexpected health response %d %s", resp.StatusCode, body)
	}

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics failed: %v", err)
	}
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	for _, name := range []string{"courier_connections", "courier_active_calls", "go_goroutines"} {
		if !strings.Contains(string(body), name) {
			t.Errorf("metrics output missing %s", name)
		}
	}
}

func TestRejectsBadPipelineConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Events = map[string]config.EventConfig{
		"sendChat": {Modifiers: []config.ModifierConfig{{Name: "no_such_modifier"}}},
	}
	if _, err := NewApp(context.Background(), logging.Discard(), cfg, storetest.New(t)); err == nil {
		t.Fatal("expected an error for an unknown modifier")
	}
}
