package wallet

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/splax/filify/internal/domain"
	"github.com/splax/filify/internal/service/finalize"
	"github.com/splax/filify/pkg/jwt"
)

const testSecret = "wallet-secret"

func newTestBridge(t *testing.T) (*Bridge, *httptest.Server) {
	t.Helper()
	bridge := NewBridge(testSecret, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	srv := httptest.NewServer(bridge)
	t.Cleanup(srv.Close)
	return bridge, srv
}

func dial(t *testing.T, srv *httptest.Server, scope string) *websocket.Conn {
	t.Helper()
	token, err := jwt.GenerateToken("browser", scope, testSecret, time.Minute)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRejectsTokenWithWrongScope(t *testing.T) {
	_, srv := newTestBridge(t)
	token, _ := jwt.GenerateToken("operator", jwt.ScopeAPI, testSecret, time.Minute)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?token=" + token
	if _, resp, err := websocket.DefaultDialer.Dial(url, nil); err == nil || resp == nil || resp.StatusCode != 401 {
		t.Fatalf("expected 401, got resp=%v err=%v", resp, err)
	}
}

func TestHelloMakesSignerReady(t *testing.T) {
	bridge, srv := newTestBridge(t)
	nudged := make(chan struct{}, 4)
	bridge.OnChange(func() { nudged <- struct{}{} })
	if bridge.Connected() {
		t.Fatal("expected no session before dialing")
	}
	conn := dial(t, srv, jwt.ScopeWallet)
	if err := conn.WriteJSON(map[string]any{"type": "hello", "chain_id": 1, "address": "0xabc", "visible": true}); err != nil {
		t.Fatalf("hello: %v", err)
	}
	waitUntil(t, bridge.Foreground)
	chainID, err := bridge.ActiveChainID(context.Background())
	if err != nil || chainID != 1 {
		t.Fatalf("expected chain 1, got %d %v", chainID, err)
	}
	select {
	case <-nudged:
	case <-time.After(time.Second):
		t.Fatal("expected change callback")
	}

	_ = conn.WriteJSON(map[string]any{"type": "visibility", "visible": false})
	waitUntil(t, func() bool { return !bridge.Foreground() })
	if !bridge.Connected() {
		t.Fatal("expected hidden session to stay connected")
	}
}

func TestSendTransactionRoundTrip(t *testing.T) {
	bridge, srv := newTestBridge(t)
	conn := dial(t, srv, jwt.ScopeWallet)
	_ = conn.WriteJSON(map[string]any{"type": "hello", "chain_id": 1, "visible": true})
	waitUntil(t, bridge.Connected)

	go func() {
		var frame map[string]any
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		_ = conn.WriteJSON(map[string]any{"type": "result", "id": frame["id"], "tx_hash": "0xabc"})
	}()

	tx, err := bridge.SendTransaction(context.Background(), domain.UpdatePayload{TargetContract: "0x1", CallData: "0x2", ChainID: 1})
	if err != nil {
		t.Fatalf("SendTransaction: %v", err)
	}
	if tx != "0xabc" {
		t.Fatalf("expected 0xabc, got %q", tx)
	}
}

func TestSendTransactionRejection(t *testing.T) {
	bridge, srv := newTestBridge(t)
	conn := dial(t, srv, jwt.ScopeWallet)
	_ = conn.WriteJSON(map[string]any{"type": "hello", "chain_id": 1, "visible": true})
	waitUntil(t, bridge.Connected)

	go func() {
		var frame map[string]any
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		_ = conn.WriteJSON(map[string]any{
			"type": "result",
			"id":   frame["id"],
			"error": map[string]any{
				"code":    -32603,
				"message": "Internal JSON-RPC error.",
				"cause":   map[string]any{"code": 4001, "message": "request declined"},
			},
		})
	}()

	_, err := bridge.SendTransaction(context.Background(), domain.UpdatePayload{TargetContract: "0x1", CallData: "0x2", ChainID: 1})
	var perr *ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ProviderError, got %v", err)
	}
	if !finalize.IsRejection(err) {
		t.Fatalf("expected nested 4001 to classify as rejection: %v", err)
	}
}

func TestSendTransactionFailsWhenSessionDrops(t *testing.T) {
	bridge, srv := newTestBridge(t)
	conn := dial(t, srv, jwt.ScopeWallet)
	_ = conn.WriteJSON(map[string]any{"type": "hello", "chain_id": 1, "visible": true})
	waitUntil(t, bridge.Connected)

	go func() {
		var frame map[string]any
		_ = conn.ReadJSON(&frame)
		conn.Close()
	}()
	_, err := bridge.SendTransaction(context.Background(), domain.UpdatePayload{ChainID: 1})
	if !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
	waitUntil(t, func() bool { return !bridge.Connected() })
}

func TestSendTransactionWithoutSession(t *testing.T) {
	bridge, _ := newTestBridge(t)
	if _, err := bridge.SendTransaction(context.Background(), domain.UpdatePayload{}); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
	if _, err := bridge.ActiveChainID(context.Background()); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}
