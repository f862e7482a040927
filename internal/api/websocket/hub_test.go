package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/KevinKickass/OpenPressCore/internal/auth"
	"github.com/KevinKickass/OpenPressCore/internal/press"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type staticStatus []press.PressStatus

func (s staticStatus) PressStatuses() []press.PressStatus { return s }

type received struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func startHub(t *testing.T) (*Hub, *auth.JWTHandler, string) {
	t.Helper()

	tokens := auth.NewJWTHandler("test-secret-with-at-least-32-characters", time.Hour)
	hub := NewHub(zap.NewNop(), tokens, staticStatus{{ID: 1, State: press.StateIdle}})

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, w, r)
	}))
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})

	return hub, tokens, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func readMessage(t *testing.T, conn *websocket.Conn) received {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg received
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func TestAuthenticatedClientReceivesUpdates(t *testing.T) {
	hub, tokens, url := startHub(t)

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	token, _ := tokens.IssueToken("anna", "operator")
	if err := conn.WriteJSON(map[string]string{"type": "auth", "token": token}); err != nil {
		t.Fatalf("write: %v", err)
	}

	if msg := readMessage(t, conn); msg.Type != "auth_success" {
		t.Fatalf("first message = %q, want auth_success", msg.Type)
	}

	msg := readMessage(t, conn)
	if msg.Type != string(MessageTypePressStatus) {
		t.Fatalf("second message = %q, want press_status", msg.Type)
	}
	var statuses []press.PressStatus
	if err := json.Unmarshal(msg.Data, &statuses); err != nil || len(statuses) != 1 || statuses[0].ID != 1 {
		t.Errorf("statuses = %s (%v)", msg.Data, err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for hub.GetClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	hub.PressStateChanged(1, press.StateRunning, press.StateIdle)

	msg = readMessage(t, conn)
	if msg.Type != string(MessageTypePressState) {
		t.Fatalf("message = %q, want press_state", msg.Type)
	}
	var state PressStateData
	if err := json.Unmarshal(msg.Data, &state); err != nil {
		t.Fatal(err)
	}
	if state.PressID != 1 || state.State != "running" || state.Previous != "idle" {
		t.Errorf("state = %+v", state)
	}
}

func TestRejectsFirstMessageWithoutAuth(t *testing.T) {
	_, _, url := startHub(t)

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.WriteJSON(map[string]string{"type": "subscribe"})

	if msg := readMessage(t, conn); msg.Type != "auth_failed" {
		t.Errorf("message = %q, want auth_failed", msg.Type)
	}
}

func TestRejectsBadToken(t *testing.T) {
	hub, _, url := startHub(t)

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.WriteJSON(map[string]string{"type": "auth", "token": "nope"})

	if msg := readMessage(t, conn); msg.Type != "auth_failed" {
		t.Errorf("message = %q, want auth_failed", msg.Type)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("after auth_failed: %v, want normal close", err)
	}
	if hub.GetClientCount() != 0 {
		t.Error("unauthenticated client was registered")
	}
}
